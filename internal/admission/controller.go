package admission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

var (
	// ErrUnknownClass is returned when configuration references a class with no policy.
	ErrUnknownClass = errors.New("unknown route class")
	// ErrInvalidPolicy is returned when a policy fails validation.
	ErrInvalidPolicy = errors.New("invalid quota policy")
)

// Observer is implemented by the metrics package to observe admission behavior.
type Observer interface {
	ObserveDecision(class, outcome string, seconds float64)
	IncViolation(class string)
	IncAbuseFlagged(reason string)
	ObserveSweep(seconds float64, evicted int)
	SetTracked(kind string, n int)
}

// Config configures a Controller. Zero fields take defaults.
type Config struct {
	// Policies maps every route class to its policy. nil uses DefaultPolicies.
	Policies map[Class]QuotaPolicy
	// DefaultClass is used for requests whose class has no policy.
	DefaultClass Class

	Abuse AbuseThresholds
	// DecayDelay is how long one violation counts against an identity.
	DecayDelay time.Duration

	Shards int
	// ReapSchedule is a cron spec for the background reaper, e.g. "@every 1m".
	ReapSchedule string

	Clock    clockwork.Clock
	Logger   log.Logger
	Sink     EventSink
	Observer Observer
}

// DefaultReapSchedule runs the reaper once a minute.
const DefaultReapSchedule = "@every 1m"

// Controller owns all admission state. Construct with New, optionally Start
// the background reaper, and Close on shutdown. Safe for concurrent use.
type Controller struct {
	clock    clockwork.Clock
	logger   log.Logger
	sink     EventSink
	observer Observer

	defaultClass Class
	limiters     map[Class]*Limiter
	policies     map[Class]QuotaPolicy
	detector     *AbuseDetector

	reapSchedule string

	mu     sync.Mutex
	reaper *reaper

	// unknownClassLog samples the warning for requests with an unmapped class
	unknownClassLog rate.Sometimes
}

// New validates cfg and builds a Controller. Every configuration problem is
// reported here, Check never fails.
func New(cfg Config) (*Controller, error) {
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	if len(policies) == 0 {
		return nil, xerrors.Wrap(ErrInvalidPolicy, "no policies configured")
	}

	defaultClass := cfg.DefaultClass
	if defaultClass == "" {
		defaultClass = ClassGeneral
	}
	if _, ok := policies[defaultClass]; !ok {
		return nil, xerrors.Wrapf(ErrUnknownClass, "default class %q has no policy", defaultClass)
	}

	var errs []error
	for _, class := range sortedClasses(policies) {
		if err := policies[class].Validate(); err != nil {
			errs = append(errs, xerrors.Wrapf(errors.Join(ErrInvalidPolicy, err), "class %q", class))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	schedule := cfg.ReapSchedule
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	if err := validateSchedule(schedule); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = LogSink(logger)
	}

	c := &Controller{
		clock:           clock,
		logger:          logger,
		sink:            sink,
		observer:        cfg.Observer,
		defaultClass:    defaultClass,
		limiters:        make(map[Class]*Limiter, len(policies)),
		policies:        make(map[Class]QuotaPolicy, len(policies)),
		detector:        NewAbuseDetector(cfg.Abuse, cfg.Shards),
		reapSchedule:    schedule,
		unknownClassLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for class, p := range policies {
		c.policies[class] = p
		if p.Bypass {
			continue
		}
		var ledger *PenaltyLedger
		if p.Progressive() {
			// one ledger per class, violations on one route class do not
			// shrink the quota of another
			ledger = NewPenaltyLedger(cfg.DecayDelay, cfg.Shards)
		}
		c.limiters[class] = NewLimiter(p, ledger, cfg.Shards)
	}
	return c, nil
}

// Policy returns the policy for class.
func (c *Controller) Policy(class Class) (QuotaPolicy, bool) {
	p, ok := c.policies[class]
	return p, ok
}

// Classes returns the configured classes in sorted order.
func (c *Controller) Classes() []Class { return sortedClasses(c.policies) }

// Check runs the abuse detector and then the class limiter, and returns one
// Decision. Quota is consumed exactly once per call, callers must not call
// Check twice for the same logical request.
func (c *Controller) Check(ctx context.Context, req Request) Decision {
	start := time.Now()
	now := c.clock.Now()

	class := req.Class
	policy, ok := c.policies[class]
	if !ok {
		c.unknownClassLog.Do(func() {
			c.logger.Warn(ctx, "request class has no policy, using default class",
				"class", string(class),
				"default_class", string(c.defaultClass),
			)
		})
		class = c.defaultClass
		policy = c.policies[class]
	}
	if policy.Bypass {
		return bypass(class)
	}

	var d Decision
	if v := c.detector.Check(req.Identity, req.Endpoint, req.ClientSignature, now); v.Blocked {
		d = block(class, v)
		if v.NewlyFlagged {
			c.logger.Warn(ctx, "suspicious activity detected, identity flagged",
				"identity", req.Identity,
				"class", string(class),
				"reason", v.Reason,
				"request_rate", v.RequestRate,
				"endpoints", v.Endpoints,
				"client_signatures", v.Signatures,
			)
			if c.observer != nil {
				c.observer.IncAbuseFlagged(v.Reason)
			}
		}
	} else {
		res := c.limiters[class].Check(req.Identity, req.Authenticated, now)
		if res.Allowed {
			d = accept(class, res)
		} else {
			d = throttle(class, policy, res)
			if policy.Progressive() && c.observer != nil {
				c.observer.IncViolation(string(class))
			}
			// only log the first rejection of an identity per window
			if res.FirstRejection {
				c.logger.Warn(ctx, "rate limit triggered",
					"identity", req.Identity,
					"class", string(class),
					"limit", res.Limit,
					"violations", res.Violations,
					"retry_after_seconds", d.RetryAfterSeconds,
				)
			}
		}
	}

	if !d.Allowed() {
		c.sink.Emit(ctx, newEvent(req, d, now))
	}
	if c.observer != nil {
		c.observer.ObserveDecision(string(class), string(d.Outcome), time.Since(start).Seconds())
	}
	return d
}

// ClassState is the per-class view of one identity.
type ClassState struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start,omitzero"`
	Violations  int       `json:"violations,omitempty"`
	NextDecay   time.Time `json:"next_decay,omitzero"`
}

// Snapshot is a read-only view of everything tracked for one identity.
type Snapshot struct {
	Identity string               `json:"identity"`
	Classes  map[Class]ClassState `json:"classes"`
	Profile  *ProfileSnapshot     `json:"profile,omitempty"`
}

// Inspect returns what the controller currently tracks for identity. It does
// not consume quota.
func (c *Controller) Inspect(identity string) Snapshot {
	now := c.clock.Now()
	snap := Snapshot{Identity: identity, Classes: make(map[Class]ClassState)}
	for class, l := range c.limiters {
		var st ClassState
		count, start, ok := l.Counter().Peek(identity, now)
		if ok {
			st.Count, st.WindowStart = count, start
		}
		if ledger := l.Ledger(); ledger != nil {
			st.Violations = ledger.Get(identity, now)
			if next, ok := ledger.NextDecay(identity, now); ok {
				st.NextDecay = next
			}
		}
		if st.Count > 0 || st.Violations > 0 {
			snap.Classes[class] = st
		}
	}
	if p, ok := c.detector.Profile(identity, now); ok {
		snap.Profile = &p
	}
	return snap
}

// Stats is a point-in-time count of tracked state.
type Stats struct {
	Windows   int `json:"windows"`
	Penalties int `json:"penalties"`
	Profiles  int `json:"profiles"`
	Flagged   int `json:"flagged"`
}

// Stats returns tracked state counts.
func (c *Controller) Stats() Stats {
	var s Stats
	for _, l := range c.limiters {
		s.Windows += l.Counter().Len()
		if ledger := l.Ledger(); ledger != nil {
			s.Penalties += ledger.Len()
		}
	}
	s.Profiles = c.detector.Len()
	s.Flagged = c.detector.Flagged()
	return s
}

// SweepStats is what a single reaper pass evicted.
type SweepStats struct {
	Windows   int
	Penalties int
	Profiles  int
	Duration  time.Duration
}

// Evicted is the total number of evicted records.
func (s SweepStats) Evicted() int { return s.Windows + s.Penalties + s.Profiles }

// Sweep evicts expired windows, decayed penalties, and stale profiles once.
// Start runs it on a schedule, callers without a scheduler may call it directly.
func (c *Controller) Sweep(ctx context.Context) SweepStats {
	start := time.Now()
	now := c.clock.Now()

	var s SweepStats
	for _, l := range c.limiters {
		w, p := l.Reap(now)
		s.Windows += w
		s.Penalties += p
	}
	s.Profiles = c.detector.Purge(now)
	s.Duration = time.Since(start)

	if c.observer != nil {
		c.observer.ObserveSweep(s.Duration.Seconds(), s.Evicted())
		st := c.Stats()
		c.observer.SetTracked("windows", st.Windows)
		c.observer.SetTracked("penalties", st.Penalties)
		c.observer.SetTracked("profiles", st.Profiles)
		c.observer.SetTracked("flagged", st.Flagged)
	}
	c.logger.Debug(ctx, "admission sweep complete",
		"evicted_windows", s.Windows,
		"evicted_penalties", s.Penalties,
		"evicted_profiles", s.Profiles,
		"duration", s.Duration.String(),
	)
	return s
}

func sortedClasses(m map[Class]QuotaPolicy) []Class {
	out := make([]Class, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
