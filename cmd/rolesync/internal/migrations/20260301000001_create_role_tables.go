package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260301000001, down_20260301000001)
}

// up_20260301000001 creates the user_roles and audit_events tables
func up_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating user_roles table...")
	_, err := db.NewCreateTable().
		Model((*models.UserRole)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user_roles table: %w", err)
	}
	_, err = db.NewCreateIndex().
		Model((*models.UserRole)(nil)).
		Index("idx_user_roles_role").
		Column("role").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index on user_roles.role: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating audit_events table...")
	_, err = db.NewCreateTable().
		Model((*models.AuditEvent)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}
	_, err = db.NewCreateIndex().
		Model((*models.AuditEvent)(nil)).
		Index("idx_audit_events_event_created").
		Column("event", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index on audit_events: %w", err)
	}
	fmt.Println(" OK")

	return nil
}

// down_20260301000001 drops the user_roles and audit_events tables
func down_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping audit_events and user_roles tables...")
	for _, model := range []any{(*models.AuditEvent)(nil), (*models.UserRole)(nil)} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}
	fmt.Println(" OK")
	return nil
}
