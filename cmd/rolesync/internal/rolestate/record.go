package rolestate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcutil/base58"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

// RoleRecord is the cached copy of one user's role.
type RoleRecord struct {
	UserID       string     `json:"user_id"`
	Role         roles.Role `json:"role"`
	Version      uint64     `json:"version"`
	LastModified time.Time  `json:"last_modified"`
	ModifiedBy   string     `json:"modified_by"`
	Checksum     string     `json:"checksum"`
}

// ComputeChecksum returns base58(sha256) of the sorted-key JSON encoding of the
// checksummed fields. ModifiedBy is deliberately not covered.
func ComputeChecksum(userID string, role roles.Role, version uint64, lastModified time.Time) string {
	// encoding/json sorts map keys, which makes the encoding canonical.
	canonical, err := json.Marshal(map[string]any{
		"user_id":       userID,
		"role":          string(role),
		"version":       version,
		"last_modified": lastModified.UnixMilli(),
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return base58.Encode(sum[:])
}

// Verify reports whether the stored checksum matches the record's fields.
func (r *RoleRecord) Verify() bool {
	return r.Checksum != "" && r.Checksum == ComputeChecksum(r.UserID, r.Role, r.Version, r.LastModified)
}

// fields returns the Redis hash representation.
func (r *RoleRecord) fields() []any {
	return []any{
		"user_id", r.UserID,
		"role", string(r.Role),
		"version", strconv.FormatUint(r.Version, 10),
		"last_modified", strconv.FormatInt(r.LastModified.UnixMilli(), 10),
		"modified_by", r.ModifiedBy,
		"checksum", r.Checksum,
	}
}

// parseRecord decodes a Redis hash. It does not verify the checksum.
func parseRecord(h map[string]string) (*RoleRecord, error) {
	version, err := strconv.ParseUint(h["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", h["version"], err)
	}
	ms, err := strconv.ParseInt(h["last_modified"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse last_modified %q: %w", h["last_modified"], err)
	}
	return &RoleRecord{
		UserID:       h["user_id"],
		Role:         roles.Role(h["role"]),
		Version:      version,
		LastModified: time.UnixMilli(ms).UTC(),
		ModifiedBy:   h["modified_by"],
		Checksum:     h["checksum"],
	}, nil
}
