// Package pathutil canonicalizes request paths before they are matched
// against route prefixes or counted as endpoints.
package pathutil

import (
	"path"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Canonical returns p rooted at "/" with dot segments resolved and repeated
// slashes collapsed. A trailing slash is kept so "/a/" and "/a" stay distinct
// endpoints. Paths that are already canonical are returned unchanged.
func Canonical(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] == '/' && !HasDotSegments(p) && !strings.Contains(p, "//") {
		return p
	}
	c := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && c != "/" {
		c += "/"
	}
	return c
}
