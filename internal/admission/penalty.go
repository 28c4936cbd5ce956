package admission

import "time"

// DefaultDecayResolution bounds how many pending decays one identity can hold:
// violations whose decays fall due within the same resolution are merged.
const DefaultDecayResolution = time.Second

// pendingDecay is n decrements falling due at due.
type pendingDecay struct {
	due time.Time
	n   int
}

// penaltyRecord holds decays in due order, count is the sum of pending n.
type penaltyRecord struct {
	pending []pendingDecay
	count   int
}

// advance applies every decay that is due at now. A decay never takes the
// count below zero.
func (r *penaltyRecord) advance(now time.Time) {
	i := 0
	for ; i < len(r.pending); i++ {
		d := r.pending[i]
		if d.due.After(now) {
			break
		}
		r.count -= d.n
		if r.count < 0 {
			r.count = 0
		}
	}
	if i > 0 {
		r.pending = append(r.pending[:0], r.pending[i:]...)
	}
}

// PenaltyLedger counts violations per identity. Each violation decays on its
// own schedule, decayDelay after it was recorded. Decay is computed from the
// stored due times, there is no timer per violation.
type PenaltyLedger struct {
	decayDelay time.Duration
	resolution time.Duration
	records    *shardSet[*penaltyRecord]
}

// NewPenaltyLedger creates a ledger. decayDelay <= 0 uses DefaultDecayDelay.
func NewPenaltyLedger(decayDelay time.Duration, shards int) *PenaltyLedger {
	if decayDelay <= 0 {
		decayDelay = DefaultDecayDelay
	}
	return &PenaltyLedger{
		decayDelay: decayDelay,
		resolution: DefaultDecayResolution,
		records:    newShardSet[*penaltyRecord](shards),
	}
}

// DecayDelay returns how long a single violation counts against an identity.
func (p *PenaltyLedger) DecayDelay() time.Duration { return p.decayDelay }

// RecordViolation increments the violation count of identity and schedules a
// single decrement decayDelay from now. Returns the count after recording.
//
// A violation recorded less than DefaultDecayResolution after the previous
// one shares that one's due time, so it may decay up to DefaultDecayResolution
// early.
func (p *PenaltyLedger) RecordViolation(identity string, now time.Time) int {
	sh := p.records.lock(identity)
	defer sh.mu.Unlock()

	rec, ok := sh.m[identity]
	if !ok {
		rec = &penaltyRecord{}
		sh.m[identity] = rec
	}
	rec.advance(now)

	due := now.Add(p.decayDelay)
	if n := len(rec.pending); n > 0 {
		last := &rec.pending[n-1]
		if !due.Before(last.due) && due.Sub(last.due) < p.resolution {
			last.n++
			rec.count++
			return rec.count
		}
	}
	rec.pending = append(rec.pending, pendingDecay{due: due, n: 1})
	rec.count++
	return rec.count
}

// Get returns the current violation count, 0 for unknown identities.
func (p *PenaltyLedger) Get(identity string, now time.Time) int {
	sh := p.records.lock(identity)
	defer sh.mu.Unlock()

	rec, ok := sh.m[identity]
	if !ok {
		return 0
	}
	rec.advance(now)
	if rec.count == 0 {
		delete(sh.m, identity)
	}
	return rec.count
}

// NextDecay returns when the next violation of identity decays.
func (p *PenaltyLedger) NextDecay(identity string, now time.Time) (time.Time, bool) {
	sh := p.records.lock(identity)
	defer sh.mu.Unlock()

	rec, ok := sh.m[identity]
	if !ok {
		return time.Time{}, false
	}
	rec.advance(now)
	if len(rec.pending) == 0 {
		return time.Time{}, false
	}
	return rec.pending[0].due, true
}

// Sweep applies due decays to every identity and drops records that reached
// zero. Returns the number of dropped records.
func (p *PenaltyLedger) Sweep(now time.Time) int {
	return p.records.sweep(func(_ string, rec *penaltyRecord) bool {
		rec.advance(now)
		return rec.count > 0
	})
}

// Len returns the number of identities with a non-decayed record.
func (p *PenaltyLedger) Len() int { return p.records.len() }
