package admission

import (
	"fmt"
	"time"
)

// Abuse detection defaults. They have no empirical derivation, tune per deployment.
const (
	DefaultMaxRequestRate  = 100.0
	DefaultMaxEndpoints    = 50
	DefaultMaxSignatures   = 5
	DefaultProfileLifetime = time.Hour
	DefaultMinElapsed      = time.Second
)

// Reasons reported in a Verdict and used as metric labels.
const (
	ReasonRequestRate       = "request_rate"
	ReasonEndpointDiversity = "endpoint_diversity"
	ReasonClientDiversity   = "client_signature_diversity"
)

// AbuseThresholds configures the AbuseDetector. Zero fields take defaults.
type AbuseThresholds struct {
	// MaxRequestRate is requests per second averaged since first seen.
	MaxRequestRate float64
	// MaxEndpoints is the number of distinct endpoints an identity may touch.
	MaxEndpoints int
	// MaxSignatures is the number of distinct client signatures per identity.
	MaxSignatures int
	// ProfileLifetime is how long after first seen a profile is purged. The
	// purge is the only way a flagged identity becomes clean again.
	ProfileLifetime time.Duration
	// MinElapsed is the smallest elapsed time the request rate is divided by.
	MinElapsed time.Duration
}

// withDefaults fills zero fields.
func (t AbuseThresholds) withDefaults() AbuseThresholds {
	if t.MaxRequestRate <= 0 {
		t.MaxRequestRate = DefaultMaxRequestRate
	}
	if t.MaxEndpoints <= 0 {
		t.MaxEndpoints = DefaultMaxEndpoints
	}
	if t.MaxSignatures <= 0 {
		t.MaxSignatures = DefaultMaxSignatures
	}
	if t.ProfileLifetime <= 0 {
		t.ProfileLifetime = DefaultProfileLifetime
	}
	if t.MinElapsed <= 0 {
		t.MinElapsed = DefaultMinElapsed
	}
	return t
}

// ActivityProfile is what the detector knows about one identity.
type ActivityProfile struct {
	FirstSeen    time.Time
	LastSeen     time.Time
	RequestCount int
	endpoints    map[string]struct{}
	signatures   map[string]struct{}
	flagged      bool
	reason       string
}

// ProfileSnapshot is an immutable copy of an ActivityProfile.
type ProfileSnapshot struct {
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	RequestCount int       `json:"request_count"`
	Endpoints    int       `json:"endpoints"`
	Signatures   int       `json:"client_signatures"`
	Flagged      bool      `json:"flagged"`
	Reason       string    `json:"reason,omitempty"`
}

// Verdict is the outcome of an AbuseDetector check.
type Verdict struct {
	Blocked bool
	// NewlyFlagged is true only on the request that crossed a threshold.
	NewlyFlagged bool
	Reason       string
	RequestRate  float64
	Endpoints    int
	Signatures   int
}

// AbuseDetector flags identities whose behaviour looks automated, independent
// of quota state. A flag is sticky until the profile is purged.
type AbuseDetector struct {
	t        AbuseThresholds
	profiles *shardSet[*ActivityProfile]
}

// NewAbuseDetector creates a detector with t, zero fields take defaults.
func NewAbuseDetector(t AbuseThresholds, shards int) *AbuseDetector {
	return &AbuseDetector{
		t:        t.withDefaults(),
		profiles: newShardSet[*ActivityProfile](shards),
	}
}

// Thresholds returns the effective thresholds.
func (d *AbuseDetector) Thresholds() AbuseThresholds { return d.t }

// Check records one request and evaluates the identity's profile.
func (d *AbuseDetector) Check(identity, endpoint, signature string, now time.Time) Verdict {
	sh := d.profiles.lock(identity)
	defer sh.mu.Unlock()

	p, ok := sh.m[identity]
	// a clock that moved back past FirstSeen restarts the profile
	if ok && (d.expired(p, now) || now.Before(p.FirstSeen)) {
		delete(sh.m, identity)
		ok = false
	}
	if !ok {
		sh.m[identity] = &ActivityProfile{
			FirstSeen:    now,
			LastSeen:     now,
			RequestCount: 1,
			endpoints:    map[string]struct{}{endpoint: {}},
			signatures:   map[string]struct{}{signature: {}},
		}
		return Verdict{Endpoints: 1, Signatures: 1}
	}

	p.RequestCount++
	p.LastSeen = now
	// sets stop growing one past the threshold, the identity is flagged by then
	if len(p.endpoints) <= d.t.MaxEndpoints {
		p.endpoints[endpoint] = struct{}{}
	}
	if len(p.signatures) <= d.t.MaxSignatures {
		p.signatures[signature] = struct{}{}
	}

	elapsed := now.Sub(p.FirstSeen)
	if elapsed < d.t.MinElapsed {
		elapsed = d.t.MinElapsed
	}
	v := Verdict{
		RequestRate: float64(p.RequestCount) / elapsed.Seconds(),
		Endpoints:   len(p.endpoints),
		Signatures:  len(p.signatures),
	}

	if !p.flagged {
		switch {
		case v.RequestRate > d.t.MaxRequestRate:
			p.reason = ReasonRequestRate
		case v.Endpoints > d.t.MaxEndpoints:
			p.reason = ReasonEndpointDiversity
		case v.Signatures > d.t.MaxSignatures:
			p.reason = ReasonClientDiversity
		}
		if p.reason != "" {
			p.flagged = true
			v.NewlyFlagged = true
		}
	}
	v.Blocked = p.flagged
	v.Reason = p.reason
	return v
}

// Profile returns a snapshot of identity's profile if one is tracked.
func (d *AbuseDetector) Profile(identity string, now time.Time) (ProfileSnapshot, bool) {
	sh := d.profiles.lock(identity)
	defer sh.mu.Unlock()

	p, ok := sh.m[identity]
	if !ok || d.expired(p, now) {
		return ProfileSnapshot{}, false
	}
	return ProfileSnapshot{
		FirstSeen:    p.FirstSeen,
		LastSeen:     p.LastSeen,
		RequestCount: p.RequestCount,
		Endpoints:    len(p.endpoints),
		Signatures:   len(p.signatures),
		Flagged:      p.flagged,
		Reason:       p.reason,
	}, true
}

// Purge drops every profile older than the profile lifetime.
func (d *AbuseDetector) Purge(now time.Time) int {
	return d.profiles.sweep(func(_ string, p *ActivityProfile) bool {
		return !d.expired(p, now)
	})
}

// Len returns the number of tracked profiles.
func (d *AbuseDetector) Len() int { return d.profiles.len() }

// Flagged returns the number of currently flagged profiles.
func (d *AbuseDetector) Flagged() int {
	n := 0
	d.profiles.sweep(func(_ string, p *ActivityProfile) bool {
		if p.flagged {
			n++
		}
		return true
	})
	return n
}

func (d *AbuseDetector) expired(p *ActivityProfile, now time.Time) bool {
	return now.Sub(p.FirstSeen) > d.t.ProfileLifetime
}

func (v Verdict) String() string {
	return fmt.Sprintf("blocked=%t reason=%s rate=%.2f endpoints=%d signatures=%d",
		v.Blocked, v.Reason, v.RequestRate, v.Endpoints, v.Signatures)
}
