package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
)

func TestPrintOperation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	op := &reconcile.SyncOperation{
		ID:           "op-1",
		Type:         reconcile.TypeTargeted,
		TargetUserID: "u1",
		Strategy:     reconcile.StrategyManual,
		Status:       reconcile.StatusConflictDetected,
		Progress:     reconcile.Progress{Processed: 1, Total: 1, Conflicts: 1},
		Conflicts: []*reconcile.SyncConflict{{
			ID:     "c-1",
			UserID: "u1",
			Type:   reconcile.ConflictRoleMismatch,
			ValuesBySource: map[reconcile.Source]string{
				reconcile.SourceIdP:      "admin",
				reconcile.SourceDatabase: "viewer",
			},
			Severity:   reconcile.SeverityCritical,
			DetectedAt: now,
		}},
		Errors: []reconcile.SyncError{{
			Source: reconcile.SourceCache, Operation: "read", Message: "circuit breaker is open", Recoverable: true,
		}},
		Result: &reconcile.SyncResult{
			Duration:        time.Second,
			Recommendations: []string{"1 conflict(s) await manual resolution"},
		},
	}

	var buf bytes.Buffer
	printOperation(&buf, op)
	out := buf.String()

	assert.Contains(t, out, "op-1")
	assert.Contains(t, out, "conflict_detected")
	assert.Regexp(t, `c-1\s+u1\s+role_mismatch\s+critical\s+-\s+admin\s+viewer\s+-`, out)
	assert.Contains(t, out, "circuit breaker is open")
	assert.Contains(t, out, "await manual resolution")

	op.Conflicts[0].ResolvedRole = roles.Viewer
	op.Conflicts[0].ResolutionStrategy = reconcile.StrategyDatabaseWins
	op.Conflicts[0].ResolvedAt = &now
	buf.Reset()
	printOperation(&buf, op)
	assert.Contains(t, buf.String(), "viewer (database_wins)")
}
