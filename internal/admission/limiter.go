package admission

import (
	"math"
	"time"
)

// Result is the outcome of a Limiter check.
type Result struct {
	Allowed bool

	// Limit is the effective quota the request was checked against.
	Limit int
	// Remaining is how many more requests the window admits.
	Remaining int
	// ResetAt is when the current window ends.
	ResetAt time.Time
	// RetryAfter is the time left in the window, zero when allowed.
	RetryAfter time.Duration

	// Violations is the identity's violation count after this check,
	// only populated for progressive policies.
	Violations int

	// FirstRejection is true for the first rejection of an identity in a window.
	FirstRejection bool
}

// Limiter applies one QuotaPolicy. The three limiter flavours (base,
// auth-aware, progressive) are the same algorithm with a different
// Adjustment on the policy.
type Limiter struct {
	policy  QuotaPolicy
	counter *FixedWindowCounter
	// ledger is nil unless the policy is progressive
	ledger *PenaltyLedger
}

// NewLimiter creates a limiter for policy. ledger is required for progressive
// policies and ignored otherwise.
func NewLimiter(policy QuotaPolicy, ledger *PenaltyLedger, shards int) *Limiter {
	l := &Limiter{
		policy:  policy,
		counter: NewFixedWindowCounter(policy.Window, shards),
	}
	if policy.Progressive() {
		if ledger == nil {
			ledger = NewPenaltyLedger(DefaultDecayDelay, shards)
		}
		l.ledger = ledger
	}
	return l
}

// Policy returns the policy the limiter enforces.
func (l *Limiter) Policy() QuotaPolicy { return l.policy }

// Ledger returns the penalty ledger, nil for non-progressive policies.
func (l *Limiter) Ledger() *PenaltyLedger { return l.ledger }

// Counter returns the underlying window counter.
func (l *Limiter) Counter() *FixedWindowCounter { return l.counter }

// Check decides and consumes quota for one request. Under a progressive
// policy a rejection is recorded as a violation before Check returns.
func (l *Limiter) Check(identity string, authenticated bool, now time.Time) Result {
	violations := 0
	if l.ledger != nil {
		violations = l.ledger.Get(identity, now)
	}
	quota := l.policy.EffectiveQuota(authenticated, violations)

	wr := l.counter.Take(identity, quota, now)
	resetAt := wr.Start.Add(l.policy.Window)

	res := Result{
		Allowed:    wr.Allowed,
		Limit:      quota,
		Remaining:  max(quota-wr.Count, 0),
		ResetAt:    resetAt,
		Violations: violations,
	}
	if wr.Allowed {
		return res
	}

	res.FirstRejection = wr.FirstRejection
	res.RetryAfter = resetAt.Sub(now)
	if res.RetryAfter < 0 {
		res.RetryAfter = 0
	}
	if l.ledger != nil {
		res.Violations = l.ledger.RecordViolation(identity, now)
	}
	return res
}

// EffectiveQuota returns the quota identity would currently be checked against.
func (l *Limiter) EffectiveQuota(identity string, authenticated bool, now time.Time) int {
	violations := 0
	if l.ledger != nil {
		violations = l.ledger.Get(identity, now)
	}
	return l.policy.EffectiveQuota(authenticated, violations)
}

// Reap evicts expired windows and decayed penalties.
func (l *Limiter) Reap(now time.Time) (windows, penalties int) {
	windows = l.counter.Reap(now)
	if l.ledger != nil {
		penalties = l.ledger.Sweep(now)
	}
	return windows, penalties
}

// retryAfterSeconds rounds d up to whole seconds, never below 1 for a
// rejected request so clients do not retry in a tight loop.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
