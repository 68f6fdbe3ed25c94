package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260301000002, down_20260301000002)
}

// up_20260301000002 creates the sync_operations audit trail
func up_20260301000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating sync_operations table...")
	_, err := db.NewCreateTable().
		Model((*models.SyncOperation)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create sync_operations table: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.SyncOperation)(nil)).
		Index("idx_sync_operations_created_at").
		Column("created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index on sync_operations.created_at: %w", err)
	}

	if supportsPartialIndex(db) {
		_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sync_operations_unresolved
			ON sync_operations (status) WHERE status = 'conflict_detected'`)
		if err != nil {
			return fmt.Errorf("failed to create partial index on sync_operations.status: %w", err)
		}
	}
	fmt.Println(" OK")
	return nil
}

// down_20260301000002 drops the sync_operations table
func down_20260301000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping sync_operations table...")
	_, err := db.NewDropTable().
		Model((*models.SyncOperation)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop sync_operations table: %w", err)
	}
	fmt.Println(" OK")
	return nil
}
