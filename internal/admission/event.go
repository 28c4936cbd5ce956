package admission

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

// Event is a structured record of a non-accept decision for an external collector.
type Event struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	Identity       string    `json:"identity"`
	Authenticated  bool      `json:"authenticated"`
	Class          Class     `json:"class"`
	Endpoint       string    `json:"endpoint"`
	Outcome        Outcome   `json:"outcome"`
	Code           string    `json:"code"`
	Reason         string    `json:"reason,omitempty"`
	ViolationCount int       `json:"violation_count,omitempty"`
}

// EventSink receives decision events. Emit is called on the request path and
// must not block.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function into an EventSink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// LogSink writes events to L. Blocks are security events and log at warn,
// throttles are routine and log at debug.
func LogSink(L log.Logger) EventSink {
	if L == nil {
		L = log.Nop()
	}
	return SinkFunc(func(ctx context.Context, ev Event) {
		kv := []any{
			"event_id", ev.ID,
			"identity", ev.Identity,
			"authenticated", ev.Authenticated,
			"class", string(ev.Class),
			"endpoint", ev.Endpoint,
			"outcome", string(ev.Outcome),
			"code", ev.Code,
		}
		if ev.Reason != "" {
			kv = append(kv, "reason", ev.Reason)
		}
		if ev.ViolationCount > 0 {
			kv = append(kv, "violation_count", ev.ViolationCount)
		}
		if ev.Outcome == OutcomeBlock {
			L.Warn(ctx, "admission event", kv...)
			return
		}
		L.Debug(ctx, "admission event", kv...)
	})
}

func newEvent(req Request, d Decision, now time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Time:           now,
		Identity:       req.Identity,
		Authenticated:  req.Authenticated,
		Class:          d.Class,
		Endpoint:       req.Endpoint,
		Outcome:        d.Outcome,
		Code:           d.Code,
		Reason:         d.Reason,
		ViolationCount: d.ViolationCount,
	}
}
