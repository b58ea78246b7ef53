package settings

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Handler drains one subsystem's pending writes into the store.
type Handler func()

// Scheduler coalesces store requests: subsystems mark work pending via
// Schedule, and the owning driver drains all registered handlers at a later
// point with Flush. Repeated churn between flushes costs one durable write.
//
// The scheduler shares the stack's run-to-completion model: Schedule and
// Flush must run on the same logical thread as the subsystems they drive.
type Scheduler struct {
	log      *zap.SugaredLogger
	handlers []Handler
	pending  bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{log: zap.S().Named("settings")}
}

// Register adds a pending-store handler. Handlers run in registration order
// on every flush.
func (s *Scheduler) Register(h Handler) {
	s.handlers = append(s.handlers, h)
}

// Schedule marks that at least one subsystem has pending writes.
func (s *Scheduler) Schedule() {
	s.pending = true
}

// Pending reports whether a flush has been requested since the last one.
func (s *Scheduler) Pending() bool {
	return s.pending
}

// Flush runs every registered handler if work is pending.
func (s *Scheduler) Flush() {
	if !s.pending {
		return
	}
	s.pending = false

	s.log.Debugw("flushing pending settings", "handlers", len(s.handlers))
	for _, h := range s.handlers {
		h()
	}
}

// Run drives periodic flushes until the context is cancelled, flushing once
// more on the way out. It is a convenience for stacks that confine all key
// management calls to the goroutine running the loop.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case <-t.C:
			s.Flush()
		}
	}
}
