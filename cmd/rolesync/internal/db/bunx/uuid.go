package bunx

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUIDv7 string, so audit rows sort by
// insertion time on both PostgreSQL and SQLite. It panics only if the entropy
// source fails.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
