package admission

import (
	"net/http"
	"time"
)

// Outcome is the final admission outcome for a request.
type Outcome string

const (
	OutcomeAccept   Outcome = "accept"
	OutcomeThrottle Outcome = "throttle"
	OutcomeBlock    Outcome = "block"
)

// Error codes surfaced to clients.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeSuspiciousActivity = "SUSPICIOUS_ACTIVITY_DETECTED"
)

const suspiciousMessage = "Suspicious activity detected. Access has been temporarily restricted."

// Request is everything the Controller needs to decide on one request.
type Request struct {
	// Identity is the stable caller key, subject id or network address.
	Identity string
	// Authenticated is true when Identity is a verified subject.
	Authenticated bool
	// Class selects the quota policy.
	Class Class
	// Endpoint is counted for endpoint diversity.
	Endpoint string
	// ClientSignature is counted for client diversity, typically the User-Agent.
	ClientSignature string
}

// Decision is the single result of Controller.Check.
type Decision struct {
	Outcome    Outcome `json:"outcome"`
	HTTPStatus int     `json:"http_status"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`

	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
	ViolationCount    int `json:"violation_count,omitempty"`

	Class     Class     `json:"class"`
	Limit     int       `json:"limit,omitempty"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitzero"`

	// Reason carries the abuse heuristic that blocked the request.
	Reason string `json:"reason,omitempty"`
	// Bypassed is true for classes that skip admission.
	Bypassed bool `json:"-"`
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAccept }

// Limited reports whether rate limit headers apply to this decision.
func (d Decision) Limited() bool { return !d.Bypassed && d.Outcome != OutcomeBlock }

func accept(class Class, res Result) Decision {
	return Decision{
		Outcome:    OutcomeAccept,
		HTTPStatus: http.StatusOK,
		Class:      class,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		ResetAt:    res.ResetAt,
	}
}

func throttle(class Class, policy QuotaPolicy, res Result) Decision {
	d := Decision{
		Outcome:           OutcomeThrottle,
		HTTPStatus:        http.StatusTooManyRequests,
		Code:              CodeRateLimitExceeded,
		Message:           policy.Message,
		RetryAfterSeconds: retryAfterSeconds(res.RetryAfter),
		Class:             class,
		Limit:             res.Limit,
		Remaining:         0,
		ResetAt:           res.ResetAt,
	}
	if policy.Progressive() {
		d.ViolationCount = res.Violations
	}
	return d
}

func block(class Class, v Verdict) Decision {
	return Decision{
		Outcome:    OutcomeBlock,
		HTTPStatus: http.StatusTooManyRequests,
		Code:       CodeSuspiciousActivity,
		Message:    suspiciousMessage,
		Class:      class,
		Reason:     v.Reason,
	}
}

func bypass(class Class) Decision {
	return Decision{
		Outcome:    OutcomeAccept,
		HTTPStatus: http.StatusOK,
		Class:      class,
		Bypassed:   true,
	}
}
