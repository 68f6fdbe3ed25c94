package reconcile

import (
	"slices"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

// SeverityPolicy grades conflicts.
type SeverityPolicy struct {
	// CriticalRoles makes any conflict involving one of these roles critical.
	CriticalRoles []roles.Role
}

// DefaultSeverityPolicy treats the highest-privilege role as critical.
func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{CriticalRoles: []roles.Role{roles.Highest()}}
}

// Grade returns critical if any value is a critical role, high if an
// available source is empty while another is not, and medium otherwise.
func (p SeverityPolicy) Grade(s *snapshot) Severity {
	for _, src := range Sources {
		if v := s.value(src); v != "" && slices.Contains(p.CriticalRoles, v) {
			return SeverityCritical
		}
	}
	for _, src := range Sources {
		if s.available(src) && s.value(src) == "" {
			return SeverityHigh
		}
	}
	return SeverityMedium
}

// snapshot is one read of a user's role across the three sources.
type snapshot struct {
	userID string
	values map[Source]roles.Role
	// errs holds the sources that could not be read.
	errs map[Source]error
	// cacheVersion is the cache record version read, 0 when absent.
	cacheVersion uint64
	// cacheCorrupt is set when the cache record failed verification; it reads
	// as empty.
	cacheCorrupt bool
}

func newSnapshot(userID string) *snapshot {
	return &snapshot{
		userID: userID,
		values: make(map[Source]roles.Role, len(Sources)),
		errs:   make(map[Source]error),
	}
}

func (s *snapshot) available(src Source) bool {
	_, failed := s.errs[src]
	return !failed
}

// value returns the role read from src; "" when empty or unavailable.
func (s *snapshot) value(src Source) roles.Role {
	return s.values[src]
}

// distinct returns the distinct non-empty values of the available sources.
func (s *snapshot) distinct() []roles.Role {
	var out []roles.Role
	for _, src := range Sources {
		if v := s.value(src); v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// missing returns the available sources holding no value.
func (s *snapshot) missing() []Source {
	var out []Source
	for _, src := range Sources {
		if s.available(src) && s.value(src) == "" {
			out = append(out, src)
		}
	}
	return out
}

func (s *snapshot) valuesBySource() map[Source]string {
	out := make(map[Source]string, len(Sources))
	for _, src := range Sources {
		if s.available(src) {
			out[src] = string(s.value(src))
		}
	}
	return out
}

// classify names a conflict between the values of s.
func classify(s *snapshot) ConflictType {
	for _, v := range s.distinct() {
		if !v.Valid() {
			return ConflictMetadata
		}
	}
	if db := s.value(SourceDatabase); db.Valid() {
		for _, src := range []Source{SourceIdP, SourceCache} {
			if s.value(src).Rank() > db.Rank() {
				return ConflictPermissionDrift
			}
		}
	}
	return ConflictRoleMismatch
}

// winner picks the source whose value a strategy propagates. Explicit
// strategies fall back to the priority order when their source is
// unavailable or holds no known role. ok is false for the manual strategy
// and when no source holds a known role.
func winner(s *snapshot, strategy Strategy, priority []Source) (Source, roles.Role, bool) {
	var first Source
	switch strategy {
	case StrategyManual:
		return "", "", false
	case StrategyIdPWins:
		first = SourceIdP
	case StrategyCacheWins:
		first = SourceCache
	case StrategyDatabaseWins:
		first = SourceDatabase
	}
	if first != "" && s.value(first).Valid() {
		return first, s.value(first), true
	}
	for _, src := range priority {
		if v := s.value(src); v.Valid() {
			return src, v, true
		}
	}
	return "", "", false
}
