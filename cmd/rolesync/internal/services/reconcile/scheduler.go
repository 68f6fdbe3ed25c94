package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Scheduler triggers a full sync on a fixed interval.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler; it does nothing until Start.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{engine: engine, interval: interval, logger: engine.logger}
}

// Start begins the ticker loop. A non-positive interval or a second Start is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.interval <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("sync scheduler started", "interval", s.interval)
}

// Stop ends the loop and waits for it to exit. Operations already queued keep
// running; Engine.Close waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := s.engine.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queues a full sync unless one is already pending or running.
func (s *Scheduler) tick(ctx context.Context) {
	for _, op := range s.engine.ListActive() {
		if op.Type == TypeFull {
			s.logger.Debug("scheduled sync skipped, full sync already active", "operation_id", op.ID)
			return
		}
	}
	op, err := s.engine.Trigger(ctx, TriggerRequest{Type: TypeFull, InitiatedBy: "scheduler"})
	switch {
	case errors.Is(err, ErrClosed):
		return
	case err != nil:
		s.logger.Warn("scheduled sync not queued", "error", err)
	default:
		s.logger.Debug("scheduled sync queued", "operation_id", op.ID)
	}
}
