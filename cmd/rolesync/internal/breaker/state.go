package breaker

import "time"

// State is the breaker's position in the CLOSED → OPEN → HALF_OPEN cycle.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitState is the persisted state of one breaker. It is read back before
// every operation so that every process sharing the store, and a restarted
// process, sees the same breaker.
type CircuitState struct {
	Service              string    `json:"service"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        time.Time `json:"last_success_at,omitempty"`
	LastTransitionAt     time.Time `json:"last_transition_at,omitempty"`

	// RecoveryTimeout is the current wait before an OPEN breaker probes. It
	// grows with each failed probe and resets on recovery.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`

	// TrialInFlight is set while the single HALF_OPEN probe runs.
	TrialInFlight  bool      `json:"trial_in_flight,omitempty"`
	TrialStartedAt time.Time `json:"trial_started_at,omitempty"`

	// ForcedOpen pins the breaker open until ForceClose or Reset.
	ForcedOpen bool `json:"forced_open,omitempty"`
}

// Metrics are per-service counters kept alongside the state with a longer TTL.
type Metrics struct {
	Service        string        `json:"service"`
	TotalRequests  int64         `json:"total_requests"`
	TotalFailures  int64         `json:"total_failures"`
	TotalSuccesses int64         `json:"total_successes"`
	TotalRejected  int64         `json:"total_rejected"`
	AverageLatency time.Duration `json:"average_latency"`
	UpdatedAt      time.Time     `json:"updated_at,omitempty"`
}

// record folds one executed call into the counters. Rejected calls are counted
// separately and do not affect the latency average.
func (m *Metrics) record(latency time.Duration, failed bool, now time.Time) {
	m.TotalRequests++
	if failed {
		m.TotalFailures++
	} else {
		m.TotalSuccesses++
	}
	executed := m.TotalFailures + m.TotalSuccesses
	m.AverageLatency += (latency - m.AverageLatency) / time.Duration(executed)
	m.UpdatedAt = now
}

func (m *Metrics) reject(now time.Time) {
	m.TotalRequests++
	m.TotalRejected++
	m.UpdatedAt = now
}

// Health is a read-only projection of a breaker's state and metrics.
type Health struct {
	Service             string        `json:"service"`
	State               State         `json:"state"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       *time.Time    `json:"last_failure_at,omitempty"`
	LastTransitionAt    *time.Time    `json:"last_transition_at,omitempty"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
	NextAttemptAt       *time.Time    `json:"next_attempt_at,omitempty"`
	ForcedOpen          bool          `json:"forced_open,omitempty"`
	Metrics             Metrics       `json:"metrics"`
}

// OverallStatus summarizes a set of breakers.
type OverallStatus string

const (
	StatusHealthy   OverallStatus = "healthy"
	StatusDegraded  OverallStatus = "degraded"
	StatusUnhealthy OverallStatus = "unhealthy"
)

// HealthReport aggregates the health of one or more breakers.
type HealthReport struct {
	Overall   OverallStatus `json:"overall"`
	Services  []Health      `json:"services"`
	CheckedAt time.Time     `json:"checked_at"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
