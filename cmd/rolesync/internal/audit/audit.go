// Package audit records notable actions: completed syncs, manual conflict
// resolutions and breaker overrides. Recording is fire-and-forget; a failing
// sink never fails the action being audited.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/models"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/repository"
)

// Event names.
const (
	EventSyncCompleted    = "sync.completed"
	EventConflictResolved = "sync.conflict_resolved"
	EventBreakerReset     = "breaker.reset"
	EventBreakerForced    = "breaker.forced"
	EventRoleRolledBack   = "role.rolled_back"
)

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event string, fields map[string]any)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event string, fields map[string]any) {
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "event", event)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}

// RepositorySink persists events through an AuditRepository from a
// background goroutine. Events are dropped, with a warning, when the buffer
// is full.
type RepositorySink struct {
	repo   repository.AuditRepository
	logger *slog.Logger
	events chan *models.AuditEvent

	closeOnce sync.Once
	done      chan struct{}
}

// NewRepositorySink starts the writer goroutine. Call Close to flush.
func NewRepositorySink(repo repository.AuditRepository, buffer int, logger *slog.Logger) *RepositorySink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &RepositorySink{
		repo:   repo,
		logger: logger,
		events: make(chan *models.AuditEvent, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *RepositorySink) Record(_ context.Context, event string, fields map[string]any) {
	ev := &models.AuditEvent{Event: event, Fields: models.Fields(fields), CreatedAt: time.Now().UTC()}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("audit buffer full, dropping event", "event", event)
	}
}

func (s *RepositorySink) run() {
	defer close(s.done)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Create(ctx, ev); err != nil {
			s.logger.Warn("failed to persist audit event", "event", ev.Event, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for buffered ones to be written.
// Record must not be called after Close.
func (s *RepositorySink) Close() {
	s.closeOnce.Do(func() { close(s.events) })
	<-s.done
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event string, fields map[string]any) {
	for _, s := range m {
		s.Record(ctx, event, fields)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, string, map[string]any) {}
