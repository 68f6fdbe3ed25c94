package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/models"
)

// toModel flattens an operation into its row. The full operation travels in
// the JSON payload; the other columns are for listing and filtering.
func toModel(op *SyncOperation) (*models.SyncOperation, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode sync operation %s: %w", op.ID, err)
	}
	return &models.SyncOperation{
		ID:           op.ID,
		Type:         string(op.Type),
		Status:       string(op.Status),
		InitiatedBy:  op.InitiatedBy,
		TargetUserID: op.TargetUserID,
		Strategy:     string(op.Strategy),
		Conflicts:    len(op.Unresolved()),
		Errors:       len(op.Errors),
		Payload:      models.Document(payload),
		CreatedAt:    op.CreatedAt,
		CompletedAt:  op.CompletedAt,
	}, nil
}

func fromModel(row *models.SyncOperation) (*SyncOperation, error) {
	op := new(SyncOperation)
	if err := json.Unmarshal(row.Payload, op); err != nil {
		return nil, fmt.Errorf("decode sync operation %s: %w", row.ID, err)
	}
	if op.Conflicts == nil {
		op.Conflicts = []*SyncConflict{}
	}
	if op.Errors == nil {
		op.Errors = []SyncError{}
	}
	return op, nil
}
