package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// UserRole is the system-of-record role assignment for one user.
type UserRole struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`

	UserID    string    `bun:"user_id,pk"`
	Role      string    `bun:"role,notnull"`
	UpdatedBy string    `bun:"updated_by"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Fields holds arbitrary audit attributes stored as a JSON column.
type Fields map[string]any

// Scan implements sql.Scanner for reading from database
func (f *Fields) Scan(value any) error {
	if value == nil {
		*f = Fields{}
		return nil
	}
	raw, err := scanBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan Fields: %w", err)
	}
	return json.Unmarshal(raw, f)
}

// Value implements driver.Valuer for writing to database
func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// AuditEvent is an append-only record of a notable action.
type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events,alias:ae"`

	ID        string    `bun:"id,pk"`
	Event     string    `bun:"event,notnull"`
	Fields    Fields    `bun:"fields,type:jsonb"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Document is a JSON column whose shape is owned by the caller.
type Document []byte

// Scan implements sql.Scanner for reading from database
func (d *Document) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}
	raw, err := scanBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan Document: %w", err)
	}
	*d = append((*d)[:0], raw...)
	return nil
}

// Value implements driver.Valuer for writing to database
func (d Document) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "null", nil
	}
	return string(d), nil
}

// SyncOperation is a finished (or in-flight) reconciliation operation. The
// indexed columns mirror fields of Payload, which holds the full operation.
type SyncOperation struct {
	bun.BaseModel `bun:"table:sync_operations,alias:so"`

	ID           string     `bun:"id,pk"`
	Type         string     `bun:"type,notnull"`
	Status       string     `bun:"status,notnull"`
	InitiatedBy  string     `bun:"initiated_by"`
	TargetUserID string     `bun:"target_user_id"`
	Strategy     string     `bun:"strategy"`
	Conflicts    int        `bun:"conflicts,notnull,default:0"`
	Errors       int        `bun:"errors,notnull,default:0"`
	Payload      Document   `bun:"payload,type:jsonb"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	CompletedAt  *time.Time `bun:"completed_at"`
}

func scanBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("expected []byte or string, got %T", value)
	}
}
