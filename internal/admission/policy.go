package admission

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Class is a route classification, each class maps to exactly one QuotaPolicy.
type Class string

const (
	ClassGeneral   Class = "general"
	ClassAuth      Class = "auth"
	ClassBooking   Class = "booking"
	ClassSearch    Class = "search"
	ClassPayment   Class = "payment"
	ClassMessaging Class = "messaging"
	ClassUpload    Class = "upload"
	ClassAdmin     Class = "admin"
	ClassHealth    Class = "health"
)

// AdjustmentKind selects how the base quota is adjusted per identity.
type AdjustmentKind string

const (
	// AdjustNone applies the base quota unchanged.
	AdjustNone AdjustmentKind = "none"
	// AdjustAuthBonus multiplies the quota for authenticated identities.
	AdjustAuthBonus AdjustmentKind = "auth_bonus"
	// AdjustProgressive shrinks the quota for identities with recorded violations.
	AdjustProgressive AdjustmentKind = "progressive"
)

const (
	DefaultAuthMultiplier = 1.5
	DefaultPenaltyStep    = 0.2
	DefaultPenaltyFloor   = 0.1
	DefaultDecayDelay     = 24 * time.Hour
)

// floorEpsilon absorbs float error so floor(100 * (1 - 0.2*3)) is 40, not 39.
const floorEpsilon = 1e-9

// Adjustment is the quota adjustment strategy of a policy. Only the fields
// relevant to Kind are read.
type Adjustment struct {
	Kind AdjustmentKind

	// Multiplier applies to authenticated identities under AdjustAuthBonus.
	Multiplier float64

	// Step is the fraction of quota removed per violation under AdjustProgressive.
	Step float64
	// Floor is the minimum fraction of quota left under AdjustProgressive.
	Floor float64
}

// NoAdjustment returns the identity adjustment.
func NoAdjustment() Adjustment { return Adjustment{Kind: AdjustNone} }

// AuthBonus returns an adjustment granting authenticated identities multiplier x quota.
func AuthBonus(multiplier float64) Adjustment {
	return Adjustment{Kind: AdjustAuthBonus, Multiplier: multiplier}
}

// Progressive returns a penalty adjustment: factor = max(floor, 1 - step*violations).
func Progressive(step, floor float64) Adjustment {
	return Adjustment{Kind: AdjustProgressive, Step: step, Floor: floor}
}

// Factor returns the multiplier applied to the base quota.
func (a Adjustment) Factor(authenticated bool, violations int) float64 {
	switch a.Kind {
	case AdjustAuthBonus:
		if authenticated {
			return a.Multiplier
		}
		return 1
	case AdjustProgressive:
		return math.Max(a.Floor, 1-a.Step*float64(violations))
	default:
		return 1
	}
}

// QuotaPolicy is immutable after construction and shared by every identity of a class.
type QuotaPolicy struct {
	Window     time.Duration
	BaseQuota  int
	Message    string
	Adjustment Adjustment

	// Bypass skips admission entirely, used for health check routes.
	Bypass bool
}

// EffectiveQuota returns floor(BaseQuota * factor) for the given identity state.
func (p QuotaPolicy) EffectiveQuota(authenticated bool, violations int) int {
	q := math.Floor(float64(p.BaseQuota)*p.Adjustment.Factor(authenticated, violations) + floorEpsilon)
	if q < 0 {
		return 0
	}
	return int(q)
}

// Progressive reports whether rejections under this policy record violations.
func (p QuotaPolicy) Progressive() bool {
	return p.Adjustment.Kind == AdjustProgressive
}

// Validate reports every problem that would make the policy unusable.
func (p QuotaPolicy) Validate() error {
	if p.Bypass {
		return nil
	}
	var errs []error
	if p.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be > 0 (got %s)", p.Window))
	}
	if p.BaseQuota < 0 {
		errs = append(errs, fmt.Errorf("base quota must be >= 0 (got %d)", p.BaseQuota))
	}
	switch p.Adjustment.Kind {
	case AdjustNone, "":
	case AdjustAuthBonus:
		if p.Adjustment.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("auth bonus multiplier must be >= 1 (got %.3f)", p.Adjustment.Multiplier))
		}
	case AdjustProgressive:
		if p.Adjustment.Step <= 0 || p.Adjustment.Step > 1 {
			errs = append(errs, fmt.Errorf("progressive step must be in (0,1] (got %.3f)", p.Adjustment.Step))
		}
		if p.Adjustment.Floor < 0 || p.Adjustment.Floor > 1 {
			errs = append(errs, fmt.Errorf("progressive floor must be in [0,1] (got %.3f)", p.Adjustment.Floor))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown adjustment %q", p.Adjustment.Kind))
	}
	return errors.Join(errs...)
}

// DefaultPolicies returns the built-in policy table. Callers get a fresh map
// and may override entries before passing it to New.
func DefaultPolicies() map[Class]QuotaPolicy {
	return map[Class]QuotaPolicy{
		ClassGeneral: {
			Window:     15 * time.Minute,
			BaseQuota:  100,
			Message:    "Too many requests, please try again later.",
			Adjustment: AuthBonus(DefaultAuthMultiplier),
		},
		ClassAuth: {
			Window:     15 * time.Minute,
			BaseQuota:  5,
			Message:    "Too many authentication attempts, please try again later.",
			Adjustment: Progressive(DefaultPenaltyStep, DefaultPenaltyFloor),
		},
		ClassBooking: {
			Window:     15 * time.Minute,
			BaseQuota:  50,
			Message:    "Too many booking requests, please slow down.",
			Adjustment: AuthBonus(DefaultAuthMultiplier),
		},
		ClassSearch: {
			Window:     15 * time.Minute,
			BaseQuota:  200,
			Message:    "Too many search requests, please slow down.",
			Adjustment: AuthBonus(DefaultAuthMultiplier),
		},
		ClassPayment: {
			Window:     time.Hour,
			BaseQuota:  10,
			Message:    "Too many payment attempts, please try again later.",
			Adjustment: Progressive(DefaultPenaltyStep, DefaultPenaltyFloor),
		},
		ClassMessaging: {
			Window:     time.Hour,
			BaseQuota:  20,
			Message:    "Too many messages sent, please try again later.",
			Adjustment: NoAdjustment(),
		},
		ClassUpload: {
			Window:     10 * time.Minute,
			BaseQuota:  5,
			Message:    "Too many uploads, please try again later.",
			Adjustment: NoAdjustment(),
		},
		ClassAdmin: {
			Window:     5 * time.Minute,
			BaseQuota:  50,
			Message:    "Too many admin requests, please slow down.",
			Adjustment: NoAdjustment(),
		},
		ClassHealth: {
			Bypass: true,
		},
	}
}
