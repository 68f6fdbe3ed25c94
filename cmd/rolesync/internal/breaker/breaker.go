// Package breaker implements a circuit breaker whose state lives in a shared
// key-value store instead of process memory.
//
// Every Execute call decides admission against the persisted CircuitState,
// runs the operation, and folds the outcome back in before returning. Both
// steps are atomic read-modify-write updates on the store, so several processes
// sharing one store act as a single logical breaker per service name, and a
// restarted process resumes where the last completed call left off.
//
// If the store itself is unavailable the breaker fails open: the call runs
// without bookkeeping and the degradation is logged. Breaker bookkeeping must
// never be the reason a dependency call is blocked.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
)

// Options configures a Breaker. Zero values are replaced by DefaultOptions.
type Options struct {
	FailureThreshold   int
	RecoveryTimeout    time.Duration
	BackoffMultiplier  float64
	MaxRecoveryTimeout time.Duration
	// Jitter is the fractional spread applied to backed-off timeouts (0.1 = ±10%).
	Jitter     float64
	StateTTL   time.Duration
	MetricsTTL time.Duration
	KeyPrefix  string

	// IsFailure decides whether an operation error counts against the breaker.
	// The default ignores context cancellation by the caller.
	IsFailure func(error) bool

	Clock        clock.Clock
	Logger       *slog.Logger
	EventHandler EventHandler
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		FailureThreshold:   5,
		RecoveryTimeout:    30 * time.Second,
		BackoffMultiplier:  2,
		MaxRecoveryTimeout: 5 * time.Minute,
		Jitter:             0.1,
		StateTTL:           24 * time.Hour,
		MetricsTTL:         7 * 24 * time.Hour,
		KeyPrefix:          "rolesync:",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = d.RecoveryTimeout
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	if o.MaxRecoveryTimeout < o.RecoveryTimeout {
		o.MaxRecoveryTimeout = max(d.MaxRecoveryTimeout, o.RecoveryTimeout)
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = d.Jitter
	}
	if o.StateTTL <= 0 {
		o.StateTTL = d.StateTTL
	}
	if o.MetricsTTL <= 0 {
		o.MetricsTTL = d.MetricsTTL
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = d.KeyPrefix
	}
	if o.IsFailure == nil {
		o.IsFailure = defaultIsFailure
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	o.Logger = logging.OrDiscard(o.Logger)
	if o.EventHandler == nil {
		o.EventHandler = noopEventHandler{}
	}
	return o
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// EventHandler receives breaker events, e.g. to export metrics.
type EventHandler interface {
	OnStateChange(ctx context.Context, service string, from, to State)
	OnCallComplete(ctx context.Context, service, operation string, latency time.Duration, err error)
	OnReject(ctx context.Context, service, operation string)
}

type noopEventHandler struct{}

func (noopEventHandler) OnStateChange(context.Context, string, State, State) {}
func (noopEventHandler) OnCallComplete(context.Context, string, string, time.Duration, error) {}
func (noopEventHandler) OnReject(context.Context, string, string) {}

// Breaker guards calls to one named external service.
type Breaker struct {
	service string
	store   Store
	opts    Options
}

// New creates a breaker for service persisting to store.
func New(service string, store Store, opts Options) *Breaker {
	return &Breaker{
		service: service,
		store:   store,
		opts:    opts.withDefaults(),
	}
}

// Service returns the name of the guarded service.
func (b *Breaker) Service() string {
	return b.service
}

func (b *Breaker) stateKey() string {
	return fmt.Sprintf("%scircuit:%s:state", b.opts.KeyPrefix, b.service)
}

func (b *Breaker) metricsKey() string {
	return fmt.Sprintf("%scircuit:%s:metrics", b.opts.KeyPrefix, b.service)
}

// Execute runs op if the breaker allows it and records the outcome. operation
// names the call in logs, errors and metrics.
func (b *Breaker) Execute(ctx context.Context, operation string, op func(context.Context) error) error {
	trial, err := b.admit(ctx, operation)
	if err != nil {
		var openErr *CircuitOpenError
		if errors.As(err, &openErr) {
			return err
		}
		// Store unavailable: fail open.
		b.opts.Logger.Warn("circuit breaker store unavailable, allowing call",
			"service", b.service, "operation", operation, "error", err)
		return op(ctx)
	}

	started := b.opts.Clock.Now()
	opErr := op(ctx)
	latency := b.opts.Clock.Since(started)

	b.opts.EventHandler.OnCallComplete(ctx, b.service, operation, latency, opErr)
	if err := b.complete(ctx, operation, trial, latency, opErr); err != nil {
		b.opts.Logger.Warn("circuit breaker failed to persist call outcome",
			"service", b.service, "operation", operation, "error", err)
	}
	return opErr
}

// Call is Execute for operations returning a value.
func Call[T any](ctx context.Context, b *Breaker, operation string, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, operation, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

// admit decides whether a call may proceed and claims the HALF_OPEN trial in
// the same atomic step. It returns whether the call is the trial. A
// non-CircuitOpenError error means the store could not be used.
func (b *Breaker) admit(ctx context.Context, operation string) (bool, error) {
	now := b.opts.Clock.Now()
	var (
		trial    bool
		change   stateChange
		rejected *CircuitState
		next     time.Time
	)
	err := b.updateState(ctx, func(st *CircuitState) bool {
		trial, change, rejected, next = false, stateChange{}, nil, time.Time{}

		switch st.State {
		case StateOpen:
			next = st.LastTransitionAt.Add(st.RecoveryTimeout)
			if st.ForcedOpen || now.Before(next) {
				rejected = st
				return false
			}
			change = b.transition(st, StateHalfOpen, now)
		case StateHalfOpen:
			// A trial that never reported back (crashed process) is considered
			// abandoned once a full recovery timeout has passed.
			if st.TrialInFlight && now.Sub(st.TrialStartedAt) < st.RecoveryTimeout {
				rejected = st
				return false
			}
		default:
			return false
		}
		trial = true
		st.TrialInFlight = true
		st.TrialStartedAt = now
		return true
	})
	if err != nil {
		return false, err
	}

	b.emit(ctx, change)
	if rejected != nil {
		return false, b.reject(ctx, rejected, operation, next)
	}
	if change.to == StateHalfOpen {
		b.opts.Logger.Info("circuit breaker probing recovery", "service", b.service, "operation", operation)
	}
	return trial, nil
}

func (b *Breaker) reject(ctx context.Context, st *CircuitState, operation string, next time.Time) error {
	b.opts.EventHandler.OnReject(ctx, b.service, operation)
	now := b.opts.Clock.Now()
	if err := b.updateMetrics(ctx, func(m *Metrics) { m.reject(now) }); err != nil {
		b.opts.Logger.Debug("circuit breaker failed to save metrics", "service", b.service, "error", err)
	}
	openErr := &CircuitOpenError{Service: b.service, Operation: operation, State: st.State}
	if !st.ForcedOpen {
		openErr.NextAttemptAt = next
	}
	return openErr
}

// complete records the outcome of a call that was admitted. It applies to the
// state current at commit time, so transitions made by other callers while op
// ran are kept.
func (b *Breaker) complete(ctx context.Context, operation string, trial bool, latency time.Duration, opErr error) error {
	now := b.opts.Clock.Now()
	failed := b.opts.IsFailure(opErr)

	var (
		change stateChange
		final  CircuitState
	)
	err := b.updateState(ctx, func(st *CircuitState) bool {
		change = stateChange{}
		if !trial && !failed && opErr != nil {
			return false
		}
		if trial {
			st.TrialInFlight = false
			st.TrialStartedAt = time.Time{}
		}

		if failed {
			st.ConsecutiveFailures++
			st.ConsecutiveSuccesses = 0
			st.LastFailureAt = now

			switch {
			case st.State == StateHalfOpen:
				st.RecoveryTimeout = b.backoff(st.RecoveryTimeout)
				change = b.transition(st, StateOpen, now)
			case st.State == StateClosed && st.ConsecutiveFailures >= b.opts.FailureThreshold:
				change = b.transition(st, StateOpen, now)
			}
		} else if opErr == nil {
			st.ConsecutiveSuccesses++
			st.ConsecutiveFailures = 0
			st.LastSuccessAt = now

			if st.State == StateHalfOpen {
				st.RecoveryTimeout = b.opts.RecoveryTimeout
				change = b.transition(st, StateClosed, now)
			}
		}
		final = *st
		return true
	})
	if err != nil {
		return err
	}

	b.emit(ctx, change)
	switch {
	case change.from == StateHalfOpen && change.to == StateOpen:
		b.opts.Logger.Warn("circuit breaker probe failed, reopening",
			"service", b.service, "operation", operation,
			"recovery_timeout", final.RecoveryTimeout, "error", opErr)
	case change.to == StateOpen:
		b.opts.Logger.Warn("circuit breaker opened",
			"service", b.service, "operation", operation,
			"consecutive_failures", final.ConsecutiveFailures, "error", opErr)
	case change.to == StateClosed:
		b.opts.Logger.Info("circuit breaker closed after successful probe",
			"service", b.service, "operation", operation)
	}

	return b.updateMetrics(ctx, func(m *Metrics) { m.record(latency, failed, now) })
}

// stateChange is a transition to report once the state holding it is stored.
type stateChange struct {
	from, to State
}

func (b *Breaker) transition(st *CircuitState, to State, now time.Time) stateChange {
	from := st.State
	st.State = to
	st.LastTransitionAt = now
	if to == StateClosed {
		st.ConsecutiveFailures = 0
	}
	return stateChange{from: from, to: to}
}

func (b *Breaker) emit(ctx context.Context, c stateChange) {
	if c.from != c.to {
		b.opts.EventHandler.OnStateChange(ctx, b.service, c.from, c.to)
	}
}

// backoff extends the recovery timeout after a failed probe:
// min(current * multiplier ± jitter, max).
func (b *Breaker) backoff(current time.Duration) time.Duration {
	if current <= 0 {
		current = b.opts.RecoveryTimeout
	}
	next := float64(current) * b.opts.BackoffMultiplier
	if b.opts.Jitter > 0 {
		next *= 1 + (rand.Float64()*2-1)*b.opts.Jitter
	}
	next = math.Min(next, float64(b.opts.MaxRecoveryTimeout))
	if next < float64(b.opts.RecoveryTimeout) {
		next = float64(b.opts.RecoveryTimeout)
	}
	return time.Duration(next)
}

// ForceOpen pins the breaker open. Calls are rejected until ForceClose or Reset.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	now := b.opts.Clock.Now()
	var change stateChange
	err := b.updateState(ctx, func(st *CircuitState) bool {
		change = b.transition(st, StateOpen, now)
		st.ForcedOpen = true
		st.TrialInFlight = false
		return true
	})
	if err != nil {
		return err
	}
	b.emit(ctx, change)
	b.opts.Logger.Warn("circuit breaker forced open", "service", b.service)
	return nil
}

// ForceClose closes the breaker and clears its failure history.
func (b *Breaker) ForceClose(ctx context.Context) error {
	now := b.opts.Clock.Now()
	var change stateChange
	err := b.updateState(ctx, func(st *CircuitState) bool {
		change = b.transition(st, StateClosed, now)
		st.ConsecutiveSuccesses = 0
		st.RecoveryTimeout = b.opts.RecoveryTimeout
		st.ForcedOpen = false
		st.TrialInFlight = false
		st.TrialStartedAt = time.Time{}
		return true
	})
	if err != nil {
		return err
	}
	b.emit(ctx, change)
	b.opts.Logger.Info("circuit breaker forced closed", "service", b.service)
	return nil
}

// Reset deletes the persisted state and metrics. The next call starts from a
// fresh CLOSED state.
func (b *Breaker) Reset(ctx context.Context) error {
	if err := b.store.Delete(ctx, b.stateKey(), b.metricsKey()); err != nil {
		return fmt.Errorf("reset breaker %s: %w", b.service, err)
	}
	b.opts.Logger.Info("circuit breaker reset", "service", b.service)
	return nil
}

// State returns the persisted state without modifying it.
func (b *Breaker) State(ctx context.Context) (*CircuitState, error) {
	return b.loadState(ctx)
}

// Metrics returns the persisted counters without modifying them.
func (b *Breaker) Metrics(ctx context.Context) (*Metrics, error) {
	return b.loadMetrics(ctx)
}

// Health projects state and metrics into a Health value.
func (b *Breaker) Health(ctx context.Context) (*Health, error) {
	st, err := b.loadState(ctx)
	if err != nil {
		return nil, err
	}
	m, err := b.loadMetrics(ctx)
	if err != nil {
		return nil, err
	}

	h := &Health{
		Service:             b.service,
		State:               st.State,
		Healthy:             st.State == StateClosed,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastFailureAt:       timePtr(st.LastFailureAt),
		LastTransitionAt:    timePtr(st.LastTransitionAt),
		RecoveryTimeout:     st.RecoveryTimeout,
		ForcedOpen:          st.ForcedOpen,
		Metrics:             *m,
	}
	if st.State == StateOpen && !st.ForcedOpen {
		h.NextAttemptAt = timePtr(st.LastTransitionAt.Add(st.RecoveryTimeout))
	}
	return h, nil
}

func (b *Breaker) loadState(ctx context.Context) (*CircuitState, error) {
	raw, err := b.store.Get(ctx, b.stateKey())
	if errors.Is(err, ErrNotFound) {
		raw, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker state %s: %w", b.service, err)
	}
	st, ok := b.decodeState(raw)
	if !ok {
		// A corrupt entry is replaced on the next update.
		b.opts.Logger.Warn("discarding unreadable circuit breaker state", "service", b.service)
	}
	return st, nil
}

// decodeState parses a stored state. A missing or unreadable entry yields a
// fresh CLOSED state; ok is false only for the unreadable case.
func (b *Breaker) decodeState(raw []byte) (*CircuitState, bool) {
	fresh := &CircuitState{Service: b.service, State: StateClosed, RecoveryTimeout: b.opts.RecoveryTimeout}
	if raw == nil {
		return fresh, true
	}
	st := new(CircuitState)
	if err := json.Unmarshal(raw, st); err != nil {
		return fresh, false
	}
	if st.RecoveryTimeout <= 0 {
		st.RecoveryTimeout = b.opts.RecoveryTimeout
	}
	if st.State == "" {
		st.State = StateClosed
	}
	return st, true
}

// updateState applies fn to the persisted state as one atomic step. fn
// returns false to leave the stored state untouched; it may run more than once.
func (b *Breaker) updateState(ctx context.Context, fn func(st *CircuitState) bool) error {
	err := b.store.Update(ctx, b.stateKey(), b.opts.StateTTL, func(raw []byte) ([]byte, error) {
		st, _ := b.decodeState(raw)
		if !fn(st) {
			return nil, nil
		}
		return json.Marshal(st)
	})
	if err != nil {
		return fmt.Errorf("update breaker state %s: %w", b.service, err)
	}
	return nil
}

func (b *Breaker) loadMetrics(ctx context.Context) (*Metrics, error) {
	raw, err := b.store.Get(ctx, b.metricsKey())
	if errors.Is(err, ErrNotFound) {
		return b.decodeMetrics(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker metrics %s: %w", b.service, err)
	}
	return b.decodeMetrics(raw), nil
}

func (b *Breaker) decodeMetrics(raw []byte) *Metrics {
	m := new(Metrics)
	if raw == nil || json.Unmarshal(raw, m) != nil {
		return &Metrics{Service: b.service}
	}
	return m
}

func (b *Breaker) updateMetrics(ctx context.Context, fn func(m *Metrics)) error {
	err := b.store.Update(ctx, b.metricsKey(), b.opts.MetricsTTL, func(raw []byte) ([]byte, error) {
		m := b.decodeMetrics(raw)
		fn(m)
		return json.Marshal(m)
	})
	if err != nil {
		return fmt.Errorf("update breaker metrics %s: %w", b.service, err)
	}
	return nil
}
