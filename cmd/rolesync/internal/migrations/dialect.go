package migrations

import (
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// supportsPartialIndex reports whether db accepts CREATE INDEX ... WHERE. The
// PostgreSQL system of record and the SQLite development database both do.
func supportsPartialIndex(db *bun.DB) bool {
	switch db.Dialect().Name() {
	case dialect.PG, dialect.SQLite:
		return true
	default:
		return false
	}
}
