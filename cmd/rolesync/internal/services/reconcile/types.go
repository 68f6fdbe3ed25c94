package reconcile

import (
	"fmt"
	"slices"
	"time"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

// OperationType selects which users a sync covers.
type OperationType string

const (
	TypeFull     OperationType = "full"
	TypeTargeted OperationType = "targeted"
)

// Status is a SyncOperation's position in
// pending → running → {completed | conflict_detected | failed}.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusConflictDetected Status = "conflict_detected"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusConflictDetected
}

// Source names one of the three stores holding a copy of a user's role.
type Source string

const (
	SourceCache    Source = "cache"
	SourceIdP      Source = "idp"
	SourceDatabase Source = "database"
)

// Sources lists every source.
var Sources = []Source{SourceCache, SourceIdP, SourceDatabase}

// DefaultPriority is the source order used by the priority strategy.
var DefaultPriority = []Source{SourceIdP, SourceDatabase, SourceCache}

// ParseSources validates a list of source names.
func ParseSources(names []string) ([]Source, error) {
	out := make([]Source, 0, len(names))
	for _, n := range names {
		s := Source(n)
		if !slices.Contains(Sources, s) {
			return nil, fmt.Errorf("unknown source %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// Strategy decides which source's value wins a conflict.
type Strategy string

const (
	StrategyIdPWins      Strategy = "idp_wins"
	StrategyCacheWins    Strategy = "cache_wins"
	StrategyDatabaseWins Strategy = "database_wins"
	StrategyPriority     Strategy = "priority"
	StrategyManual       Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyIdPWins, StrategyCacheWins, StrategyDatabaseWins, StrategyPriority, StrategyManual:
		return st, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// ConflictType classifies a divergence.
type ConflictType string

const (
	// ConflictRoleMismatch: sources hold different known roles.
	ConflictRoleMismatch ConflictType = "role_mismatch"
	// ConflictPermissionDrift: a source grants more than the system of record.
	ConflictPermissionDrift ConflictType = "permission_drift"
	// ConflictMetadata: a source holds a value that is not a known role.
	ConflictMetadata ConflictType = "metadata_conflict"
	// ConflictVersion: the cache record changed between read and resolution.
	ConflictVersion ConflictType = "version_conflict"
)

// Severity ranks conflicts for operators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TriggerRequest asks for a sync operation.
type TriggerRequest struct {
	Type         OperationType `json:"type"`
	InitiatedBy  string        `json:"initiated_by"`
	TargetUserID string        `json:"target_user_id,omitempty"`
	// Strategy overrides the engine's default strategy when set.
	Strategy Strategy `json:"strategy,omitempty"`
}

// SyncOperation is one reconciliation run.
type SyncOperation struct {
	ID           string          `json:"id"`
	Type         OperationType   `json:"type"`
	Status       Status          `json:"status"`
	InitiatedBy  string          `json:"initiated_by"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Strategy     Strategy        `json:"strategy"`
	Progress     Progress        `json:"progress"`
	Conflicts    []*SyncConflict `json:"conflicts"`
	Errors       []SyncError     `json:"errors"`
	Result       *SyncResult     `json:"result,omitempty"`
	Failure      string          `json:"failure,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Progress counts work done so far.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Errors    int `json:"errors"`
	Conflicts int `json:"conflicts"`
	Repairs   int `json:"repairs"`
}

// SyncConflict is a divergence between sources for one user.
type SyncConflict struct {
	ID                 string            `json:"id"`
	OperationID        string            `json:"operation_id"`
	Type               ConflictType      `json:"type"`
	UserID             string            `json:"user_id"`
	ValuesBySource     map[Source]string `json:"values_by_source"`
	Severity           Severity          `json:"severity"`
	ResolutionStrategy Strategy          `json:"resolution_strategy,omitempty"`
	ResolvedRole       roles.Role        `json:"resolved_role,omitempty"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy         string            `json:"resolved_by,omitempty"`
	DetectedAt         time.Time         `json:"detected_at"`
}

// Resolved reports whether the conflict has a verified resolution.
func (c *SyncConflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// SyncError is a recoverable per-user failure.
type SyncError struct {
	UserID      string    `json:"user_id,omitempty"`
	Source      Source    `json:"source,omitempty"`
	Operation   string    `json:"operation"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	BreakerOpen bool      `json:"breaker_open,omitempty"`
	At          time.Time `json:"at"`
}

// SyncResult summarizes a finished operation.
type SyncResult struct {
	Duration          time.Duration `json:"duration"`
	UsersPerSecond    float64       `json:"users_per_second"`
	ErrorRate         float64       `json:"error_rate"`
	ConflictRate      float64       `json:"conflict_rate"`
	RepairWrites      int           `json:"repair_writes"`
	ResolvedConflicts int           `json:"resolved_conflicts"`
	Recommendations   []string      `json:"recommendations"`
}

// Unresolved returns the conflicts still awaiting resolution.
func (op *SyncOperation) Unresolved() []*SyncConflict {
	var out []*SyncConflict
	for _, c := range op.Conflicts {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out
}

func (op *SyncOperation) clone() *SyncOperation {
	cp := *op
	cp.Conflicts = make([]*SyncConflict, len(op.Conflicts))
	for i, c := range op.Conflicts {
		cc := *c
		cc.ValuesBySource = make(map[Source]string, len(c.ValuesBySource))
		for k, v := range c.ValuesBySource {
			cc.ValuesBySource[k] = v
		}
		cp.Conflicts[i] = &cc
	}
	cp.Errors = slices.Clone(op.Errors)
	if op.Result != nil {
		r := *op.Result
		r.Recommendations = slices.Clone(op.Result.Recommendations)
		cp.Result = &r
	}
	return &cp
}
