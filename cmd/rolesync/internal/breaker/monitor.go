package breaker

import (
	"context"
	"sync"
	"time"
)

// Monitor periodically logs a health report for every breaker in a registry
// and forwards it to an optional callback.
type Monitor struct {
	registry *Registry
	interval time.Duration
	onReport func(*HealthReport)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. onReport may be nil.
func NewMonitor(registry *Registry, interval time.Duration, onReport func(*HealthReport)) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{registry: registry, interval: interval, onReport: onReport}
}

// Start begins the background loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop ends the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := m.registry.opts.Clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	log := m.registry.opts.Logger
	report, err := m.registry.Health(ctx)
	if err != nil {
		log.Warn("circuit breaker health check failed", "error", err)
		return
	}
	for _, h := range report.Services {
		if h.State != StateClosed {
			log.Warn("circuit breaker not closed",
				"service", h.Service, "state", h.State,
				"consecutive_failures", h.ConsecutiveFailures)
		}
	}
	log.Debug("circuit breaker health", "overall", report.Overall, "services", len(report.Services))
	if m.onReport != nil {
		m.onReport(report)
	}
}
