package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/config"
)

func TestInstrumentsRecordWithNoopProvider(t *testing.T) {
	ctx := context.Background()

	bm, err := NewBreakerMetrics()
	require.NoError(t, err)
	bm.OnStateChange(ctx, "idp", breaker.StateClosed, breaker.StateOpen)
	bm.OnCallComplete(ctx, "idp", "get_user", 12*time.Millisecond, errors.New("boom"))
	bm.OnReject(ctx, "idp", "get_user")

	rm, err := NewResolverMetrics()
	require.NoError(t, err)
	rm.RecordResolution(ctx, "cache", false, time.Millisecond)

	sm, err := NewSyncMetrics()
	require.NoError(t, err)
	sm.RecordOperation(ctx, "full", "priority", "completed", 10, time.Second)
	sm.RecordConflict(ctx, "role_mismatch", "critical")
	sm.RecordRepair(ctx, "cache")
	sm.RecordError(ctx, "idp")

	srv, err := NewServerMetrics()
	require.NoError(t, err)
	srv.RecordRequest(ctx, "GET", "/health", "200", 1.5)

	var nilSync *SyncMetrics
	assert.NotPanics(t, func() { nilSync.RecordOperation(ctx, "full", "priority", "failed", 0, 0) })
	var nilResolver *ResolverMetrics
	assert.NotPanics(t, func() { nilResolver.RecordResolution(ctx, "none", true, 0) })
}

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), config.ObservabilityConfig{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_RejectsGRPC(t *testing.T) {
	_, err := Init(context.Background(), config.ObservabilityConfig{
		OTLPEndpoint: "localhost:4317",
		OTLPProtocol: "grpc",
	}, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestServiceResource(t *testing.T) {
	res := serviceResource(config.ObservabilityConfig{ServiceName: "rolesync", ServiceVersion: "1.2.3"})
	v, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "rolesync", v.AsString())
}
