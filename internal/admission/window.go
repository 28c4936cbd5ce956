package admission

import "time"

// windowRecord is the per-identity state of a FixedWindowCounter.
type windowRecord struct {
	start time.Time
	count int
	// rejected is set on the first rejection within the current window,
	// used to log once per identity per window
	rejected bool
}

// WindowResult is the outcome of a single Take.
type WindowResult struct {
	Allowed bool
	// Count is the number of admitted requests in the current window after this call.
	Count int
	// Start is the start of the window the request was counted against.
	Start time.Time
	// FirstRejection is true only for the first rejected request of a window.
	FirstRejection bool
}

// FixedWindowCounter counts admitted requests per identity in fixed windows.
// Windows begin at the first request of an identity, not at wall clock
// boundaries, and reset once a full window has elapsed.
type FixedWindowCounter struct {
	window  time.Duration
	records *shardSet[*windowRecord]
}

// NewFixedWindowCounter creates a counter with the given window duration.
func NewFixedWindowCounter(window time.Duration, shards int) *FixedWindowCounter {
	return &FixedWindowCounter{
		window:  window,
		records: newShardSet[*windowRecord](shards),
	}
}

// Window returns the configured window duration.
func (c *FixedWindowCounter) Window() time.Duration { return c.window }

// Take admits one request for identity if fewer than quota requests were
// admitted in the current window. Decision and consumption are one atomic
// step, a request is never counted twice.
func (c *FixedWindowCounter) Take(identity string, quota int, now time.Time) WindowResult {
	sh := c.records.lock(identity)
	defer sh.mu.Unlock()

	rec, ok := sh.m[identity]
	if !ok {
		rec = &windowRecord{start: now}
		sh.m[identity] = rec
	}
	// a clock that moved backwards resets the window, over-admitting is
	// cheaper than blocking legitimate traffic
	if now.Sub(rec.start) >= c.window || now.Before(rec.start) {
		rec.start = now
		rec.count = 0
		rec.rejected = false
	}

	if rec.count >= quota {
		first := !rec.rejected
		rec.rejected = true
		return WindowResult{Allowed: false, Count: rec.count, Start: rec.start, FirstRejection: first}
	}
	rec.count++
	return WindowResult{Allowed: true, Count: rec.count, Start: rec.start}
}

// Peek returns the admitted count of the current window without consuming.
func (c *FixedWindowCounter) Peek(identity string, now time.Time) (count int, start time.Time, ok bool) {
	sh := c.records.lock(identity)
	defer sh.mu.Unlock()

	rec, exists := sh.m[identity]
	if !exists || now.Sub(rec.start) >= c.window || now.Before(rec.start) {
		return 0, time.Time{}, false
	}
	return rec.count, rec.start, true
}

// Reap removes records whose window has fully elapsed. A reaped record is
// indistinguishable from a reset one on the next request.
func (c *FixedWindowCounter) Reap(now time.Time) int {
	return c.records.sweep(func(_ string, rec *windowRecord) bool {
		return now.Sub(rec.start) < c.window
	})
}

// Len returns the number of tracked identities.
func (c *FixedWindowCounter) Len() int { return c.records.len() }
