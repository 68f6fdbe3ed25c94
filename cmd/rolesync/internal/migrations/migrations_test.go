package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/bunx"
)

func TestApply_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, "file:"+t.Name()+"?mode=memory&cache=shared", bunx.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { bunx.Close(db) })

	assert.True(t, supportsPartialIndex(db))

	group, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.False(t, group.IsZero())

	var indexes []string
	err = db.NewSelect().
		Table("sqlite_master").
		Column("name").
		Where("type = 'index' AND tbl_name = ?", "sync_operations").
		Scan(ctx, &indexes)
	require.NoError(t, err)
	assert.Contains(t, indexes, "idx_sync_operations_created_at")
	assert.Contains(t, indexes, "idx_sync_operations_unresolved")

	// A second run has nothing left to apply.
	group, err = Apply(ctx, db)
	require.NoError(t, err)
	assert.True(t, group.IsZero())
}
