// Package cryptoutil verifies the integrity of remotely fetched policy
// documents: hex SHA-256 digests compared in constant time and detached
// signatures checked locally against a cached KMS public key.
package cryptoutil
