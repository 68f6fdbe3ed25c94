package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
)

// ServerMetrics holds metric instruments for the admin HTTP server.
type ServerMetrics struct {
	RequestCounter  metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ErrorCounter    metric.Int64Counter
}

func NewServerMetrics() (*ServerMetrics, error) {
	meter := otel.Meter("rolesync/http")

	requestCounter, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"http.server.error.count",
		metric.WithDescription("Total number of HTTP server errors (5xx)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		RequestCounter:  requestCounter,
		RequestDuration: requestDuration,
		ErrorCounter:    errorCounter,
	}, nil
}

// RecordRequest records one request; status is the numeric code as a string.
func (m *ServerMetrics) RecordRequest(ctx context.Context, method, route, status string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.String("http.status_code", status),
	)
	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, durationMs, attrs)
	if len(status) > 0 && status[0] == '5' {
		m.ErrorCounter.Add(ctx, 1, attrs)
	}
}

// BreakerMetrics exports circuit breaker events. It implements
// breaker.EventHandler.
type BreakerMetrics struct {
	calls       metric.Int64Counter
	latency     metric.Float64Histogram
	rejects     metric.Int64Counter
	transitions metric.Int64Counter
}

var _ breaker.EventHandler = (*BreakerMetrics)(nil)

func NewBreakerMetrics() (*BreakerMetrics, error) {
	meter := otel.Meter("rolesync/breaker")

	calls, err := meter.Int64Counter(
		"breaker.call.count",
		metric.WithDescription("Calls executed through a circuit breaker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"breaker.call.duration",
		metric.WithDescription("Duration of calls executed through a circuit breaker"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
	)
	if err != nil {
		return nil, err
	}

	rejects, err := meter.Int64Counter(
		"breaker.reject.count",
		metric.WithDescription("Calls rejected by an open circuit breaker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"breaker.transition.count",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &BreakerMetrics{calls: calls, latency: latency, rejects: rejects, transitions: transitions}, nil
}

func (m *BreakerMetrics) OnStateChange(ctx context.Context, service string, from, to breaker.State) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrBreakerService, service),
		attribute.String("breaker.from", string(from)),
		attribute.String("breaker.to", string(to)),
	))
}

func (m *BreakerMetrics) OnCallComplete(ctx context.Context, service, operation string, latency time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String(AttrBreakerService, service),
		attribute.String("breaker.operation", operation),
		attribute.Bool("breaker.success", err == nil),
	)
	m.calls.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
}

func (m *BreakerMetrics) OnReject(ctx context.Context, service, operation string) {
	m.rejects.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrBreakerService, service),
		attribute.String("breaker.operation", operation),
	))
}

// ResolverMetrics counts role resolutions by source.
type ResolverMetrics struct {
	resolutions metric.Int64Counter
	duration    metric.Float64Histogram
}

func NewResolverMetrics() (*ResolverMetrics, error) {
	meter := otel.Meter("rolesync/resolver")

	resolutions, err := meter.Int64Counter(
		"resolver.resolution.count",
		metric.WithDescription("Role resolutions by answering source"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"resolver.resolution.duration",
		metric.WithDescription("Role resolution duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		return nil, err
	}
	return &ResolverMetrics{resolutions: resolutions, duration: duration}, nil
}

// RecordResolution records one resolution. A nil receiver is a no-op.
func (m *ResolverMetrics) RecordResolution(ctx context.Context, source string, degraded bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrRoleSource, source),
		attribute.Bool("role.degraded", degraded),
	)
	m.resolutions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// SyncMetrics records reconciliation outcomes.
type SyncMetrics struct {
	operations metric.Int64Counter
	users      metric.Int64Counter
	conflicts  metric.Int64Counter
	repairs    metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
}

func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter("rolesync/reconcile")

	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	m := &SyncMetrics{
		operations: counter("sync.operation.count", "Finished sync operations by status", "{operation}"),
		users:      counter("sync.user.count", "Users processed by sync operations", "{user}"),
		conflicts:  counter("sync.conflict.count", "Conflicts detected by severity", "{conflict}"),
		repairs:    counter("sync.repair.count", "Repair writes for sources missing an agreed role", "{write}"),
		errors:     counter("sync.error.count", "Recoverable sync errors by source", "{error}"),
	}
	duration, err := meter.Float64Histogram(
		"sync.operation.duration",
		metric.WithDescription("Sync operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	errs = append(errs, err)
	m.duration = duration

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordOperation records a finished operation. A nil receiver is a no-op.
func (m *SyncMetrics) RecordOperation(ctx context.Context, opType, strategy, status string, users int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrSyncType, opType),
		attribute.String(AttrSyncStrategy, strategy),
		attribute.String(AttrSyncStatus, status),
	)
	m.operations.Add(ctx, 1, attrs)
	m.users.Add(ctx, int64(users), attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

func (m *SyncMetrics) RecordConflict(ctx context.Context, conflictType, severity string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("conflict.type", conflictType),
		attribute.String("conflict.severity", severity),
	))
}

func (m *SyncMetrics) RecordRepair(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("sync.source", source)))
}

func (m *SyncMetrics) RecordError(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("sync.source", source)))
}
