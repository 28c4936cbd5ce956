package admission

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// ErrReaperRunning is returned by Start when the reaper is already running.
// A reaper stopped by Close or by its context may be started again.
var ErrReaperRunning = errors.New("admission reaper already running")

type reaper struct {
	cron *cron.Cron
	stop context.CancelFunc
	done chan struct{}
	once sync.Once
}

func validateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return xerrors.Wrapf(err, "invalid reap schedule %q", spec)
	}
	return nil
}

// Start runs Sweep on the configured schedule until ctx is cancelled or
// Close is called. Admission decisions stay correct without the reaper, it
// only bounds memory.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.reaper; r != nil {
		select {
		case <-r.done:
		default:
			return ErrReaperRunning
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	cr := cron.New(cron.WithChain(cron.Recover(cronLogger{c})))
	if _, err := cr.AddFunc(c.reapSchedule, func() { c.Sweep(ctx) }); err != nil {
		cancel()
		return xerrors.Wrapf(err, "schedule reaper %q", c.reapSchedule)
	}

	r := &reaper{cron: cr, stop: cancel, done: make(chan struct{})}
	c.reaper = r
	cr.Start()

	go func() {
		defer close(r.done)
		<-ctx.Done()
		// wait for an in-flight sweep to finish
		<-cr.Stop().Done()
	}()

	c.logger.Info(ctx, "admission reaper started", "schedule", c.reapSchedule)
	return nil
}

// Close stops the reaper if running and waits for it to exit. Safe to call
// more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	r := c.reaper
	c.mu.Unlock()
	if r == nil {
		return
	}
	r.once.Do(r.stop)
	<-r.done

	c.mu.Lock()
	if c.reaper == r {
		c.reaper = nil
	}
	c.mu.Unlock()
}

// cronLogger adapts the controller logger to cron.Logger so panics inside a
// sweep are logged instead of killing the process.
type cronLogger struct{ c *Controller }

func (l cronLogger) Info(msg string, kv ...any) {
	l.c.logger.Debug(context.Background(), "cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.c.logger.Error(context.Background(), err, "cron: "+msg, kv...)
}
