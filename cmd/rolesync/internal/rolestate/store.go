// Package rolestate keeps the versioned, checksummed cache copy of each
// user's role in Redis. Every mutation is a single Lua script, so concurrent
// writers never interleave between the version check and the write.
package rolestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/cache"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

// maxRaceRetries bounds how often an unconditional write re-reads the version
// after losing a race with another writer.
const maxRaceRetries = 3

// Store is the atomic role state store.
type Store struct {
	cache       cache.Store
	clock       clock.Clock
	logger      *slog.Logger
	snapshotTTL time.Duration
}

// Options configures a Store.
type Options struct {
	// SnapshotTTL bounds how long a rollback snapshot is kept.
	SnapshotTTL time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// New creates a Store on top of a cache.Store.
func New(c cache.Store, opts Options) *Store {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	opts.Logger = logging.OrDiscard(opts.Logger)
	return &Store{cache: c, clock: opts.Clock, logger: opts.Logger, snapshotTTL: opts.SnapshotTTL}
}

// The {userID} hash tag keeps a user's keys in one cluster slot.
func recordKey(userID string) string { return "rolesync:role:{" + userID + "}" }
func lockKey(userID string) string { return "rolesync:role:lock:{" + userID + "}" }
func snapshotKey(userID, operationID string) string {
	return "rolesync:role:snapshot:{" + userID + "}:" + operationID
}

// UpdateRequest describes one AtomicUpdate.
type UpdateRequest struct {
	UserID  string
	NewRole roles.Role
	// ExpectedVersion is the version the caller read. Nil skips the check.
	ExpectedVersion *uint64
	// Force skips the version check even when ExpectedVersion is set.
	Force      bool
	ModifiedBy string
	// OperationID, when set, keeps a snapshot of the previous record for Rollback.
	OperationID string
	// LockToken lets the holder of the user's optimistic lock write through it.
	LockToken string
}

// UpdateResult is the outcome of a successful AtomicUpdate.
type UpdateResult struct {
	NewVersion uint64
	Record     *RoleRecord
}

// scriptReply is the parsed {status, version, pttl} reply of a script.
type scriptReply struct {
	Status  string
	Version uint64
	PTTL    time.Duration
}

func parseReply(raw any) (*scriptReply, error) {
	items, ok := raw.([]any)
	if !ok || len(items) < 2 {
		return nil, fmt.Errorf("unexpected script reply %#v", raw)
	}
	status, ok := items[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected script status %#v", items[0])
	}
	version, err := toInt64(items[1])
	if err != nil {
		return nil, err
	}
	r := &scriptReply{Status: status, Version: uint64(max(version, 0))}
	if len(items) > 2 {
		pttl, err := toInt64(items[2])
		if err != nil {
			return nil, err
		}
		r.PTTL = time.Duration(pttl) * time.Millisecond
	}
	return r, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script integer %#v", v)
	}
}

// toFields turns a flat HGETALL reply into a map.
func toFields(raw any) (map[string]string, error) {
	items, ok := raw.([]any)
	if raw != nil && (!ok || len(items)%2 != 0) {
		return nil, fmt.Errorf("unexpected script reply %#v", raw)
	}
	h := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, kok := items[i].(string)
		v, vok := items[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("unexpected hash entry %#v=%#v", items[i], items[i+1])
		}
		h[k] = v
	}
	return h, nil
}

// AtomicUpdate writes NewRole as the next version of the user's record.
//
// A held lock yields *ConcurrentUpdateError without waiting. A version
// mismatch yields *VersionConflictError. A forced write (Force or no
// ExpectedVersion) re-reads the live version and retries a bounded number of
// times if another writer gets in first.
func (s *Store) AtomicUpdate(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	if req.UserID == "" {
		return nil, errors.New("atomic update: empty user id")
	}
	checked := req.ExpectedVersion != nil && !req.Force

	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		var assumed uint64
		if checked {
			assumed = *req.ExpectedVersion
		} else {
			cur, err := s.currentVersion(ctx, req.UserID)
			if err != nil {
				return nil, err
			}
			assumed = cur
		}

		rec := &RoleRecord{
			UserID:       req.UserID,
			Role:         req.NewRole,
			Version:      assumed + 1,
			LastModified: time.UnixMilli(s.clock.Now().UnixMilli()).UTC(),
			ModifiedBy:   req.ModifiedBy,
		}
		rec.Checksum = ComputeChecksum(rec.UserID, rec.Role, rec.Version, rec.LastModified)

		expectedArg := ""
		if checked {
			expectedArg = strconv.FormatUint(*req.ExpectedVersion, 10)
		}
		snapshot, snapKey := "0", snapshotKey(req.UserID, "none")
		if req.OperationID != "" {
			snapshot, snapKey = "1", snapshotKey(req.UserID, req.OperationID)
		}

		args := append([]any{
			expectedArg,
			strconv.FormatUint(assumed, 10),
			snapshot,
			s.snapshotTTL.Milliseconds(),
			req.LockToken,
		}, rec.fields()...)

		raw, err := s.cache.Eval(ctx, updateScript,
			[]string{recordKey(req.UserID), lockKey(req.UserID), snapKey}, args...)
		if err != nil {
			return nil, fmt.Errorf("atomic update %s: %w", req.UserID, err)
		}
		reply, err := parseReply(raw)
		if err != nil {
			return nil, fmt.Errorf("atomic update %s: %w", req.UserID, err)
		}

		switch reply.Status {
		case statusOK:
			s.logger.Debug("role record updated",
				"user_id", req.UserID, "role", req.NewRole, "version", reply.Version,
				"modified_by", req.ModifiedBy, "operation_id", req.OperationID)
			return &UpdateResult{NewVersion: reply.Version, Record: rec}, nil
		case statusConcurrentUpdate:
			return nil, &ConcurrentUpdateError{UserID: req.UserID, Reason: "record is locked"}
		case statusVersionConflict:
			return nil, &VersionConflictError{UserID: req.UserID, Expected: *req.ExpectedVersion, Current: reply.Version}
		case statusVersionRace:
			if checked {
				// Unreachable: a checked write fails with VERSION_CONFLICT first.
				return nil, &VersionConflictError{UserID: req.UserID, Expected: assumed, Current: reply.Version}
			}
			continue
		default:
			return nil, fmt.Errorf("atomic update %s: unexpected status %q", req.UserID, reply.Status)
		}
	}
	return nil, &ConcurrentUpdateError{UserID: req.UserID, Reason: "version kept changing during forced write"}
}

func (s *Store) currentVersion(ctx context.Context, userID string) (uint64, error) {
	res, err := s.cache.Eval(ctx, versionScript, []string{recordKey(userID)})
	if err != nil {
		return 0, fmt.Errorf("read version %s: %w", userID, err)
	}
	n, err := toInt64(res)
	if err != nil {
		return 0, fmt.Errorf("parse version %s: %w", userID, err)
	}
	return uint64(max(n, 0)), nil
}

// Lock is a held optimistic lock.
type Lock struct {
	UserID  string
	Token   string
	Version uint64
	TTL     time.Duration
}

// AcquireOptimisticLock takes the user's lock for ttl if the stored version
// matches expectedVersion (nil skips the check). token may be empty, in which
// case one is generated. A lock held by someone else yields
// *ConcurrentUpdateError.
func (s *Store) AcquireOptimisticLock(ctx context.Context, userID string, expectedVersion *uint64, token string, ttl time.Duration) (*Lock, error) {
	if token == "" {
		token = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	expectedArg := ""
	if expectedVersion != nil {
		expectedArg = strconv.FormatUint(*expectedVersion, 10)
	}

	raw, err := s.cache.Eval(ctx, lockScript,
		[]string{recordKey(userID), lockKey(userID)}, expectedArg, token, ttl.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", userID, err)
	}
	reply, err := parseReply(raw)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", userID, err)
	}

	switch reply.Status {
	case statusOK:
		return &Lock{UserID: userID, Token: token, Version: reply.Version, TTL: reply.PTTL}, nil
	case statusVersionConflict:
		return nil, &VersionConflictError{UserID: userID, Expected: *expectedVersion, Current: reply.Version}
	case statusLocked:
		return nil, &ConcurrentUpdateError{UserID: userID, Reason: fmt.Sprintf("lock held for another %s", reply.PTTL)}
	default:
		return nil, fmt.Errorf("acquire lock %s: unexpected status %q", userID, reply.Status)
	}
}

// ReleaseLock releases the lock if it is still held with token. It reports
// whether a lock was released.
func (s *Store) ReleaseLock(ctx context.Context, userID, token string) (bool, error) {
	raw, err := s.cache.Eval(ctx, unlockScript, []string{lockKey(userID)}, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", userID, err)
	}
	n, err := toInt64(raw)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", userID, err)
	}
	return n == 1, nil
}

// Rollback restores the record the user had before operationID first wrote
// it. The snapshot is single use. If the user had no record then, the record
// is deleted. The restored version is the snapshot's version. A held lock
// yields *ConcurrentUpdateError.
func (s *Store) Rollback(ctx context.Context, userID, operationID string) (*RoleRecord, error) {
	raw, err := s.cache.Eval(ctx, rollbackScript,
		[]string{recordKey(userID), snapshotKey(userID, operationID), lockKey(userID)})
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", userID, err)
	}
	reply, err := parseReply(raw)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", userID, err)
	}

	switch reply.Status {
	case statusRestored:
		s.logger.Info("role record rolled back", "user_id", userID, "operation_id", operationID, "version", reply.Version)
		return s.Get(ctx, userID)
	case statusDeleted:
		s.logger.Info("role record rolled back to absent", "user_id", userID, "operation_id", operationID)
		return nil, nil
	case statusNotFound:
		return nil, &RollbackNotFoundError{UserID: userID, OperationID: operationID}
	case statusConcurrentUpdate:
		return nil, &ConcurrentUpdateError{UserID: userID, Reason: "record is locked"}
	default:
		return nil, fmt.Errorf("rollback %s: unexpected status %q", userID, reply.Status)
	}
}

// VersionCheck pairs a user with the version a caller last read.
type VersionCheck struct {
	UserID          string
	ExpectedVersion uint64
}

// VersionStatus is the outcome of one VersionCheck.
type VersionStatus struct {
	UserID          string
	ExpectedVersion uint64
	CurrentVersion  uint64
	Changed         bool
}

// BatchConflictCheck reports, in one round trip, which users' live versions
// differ from the expected ones. A missing record has version 0.
func (s *Store) BatchConflictCheck(ctx context.Context, checks []VersionCheck) ([]VersionStatus, error) {
	if len(checks) == 0 {
		return nil, nil
	}
	keys := make([]string, len(checks))
	args := make([]any, len(checks))
	for i, c := range checks {
		keys[i] = recordKey(c.UserID)
		args[i] = strconv.FormatUint(c.ExpectedVersion, 10)
	}

	raw, err := s.cache.Eval(ctx, batchCheckScript, keys, args...)
	if err != nil {
		return nil, fmt.Errorf("batch conflict check: %w", err)
	}
	rows, ok := raw.([]any)
	if !ok || len(rows) != len(checks) {
		return nil, fmt.Errorf("batch conflict check: unexpected reply %#v", raw)
	}

	out := make([]VersionStatus, len(checks))
	for i, row := range rows {
		pair, ok := row.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("batch conflict check: unexpected row %#v", row)
		}
		cur, err := toInt64(pair[0])
		if err != nil {
			return nil, fmt.Errorf("batch conflict check: %w", err)
		}
		changed, err := toInt64(pair[1])
		if err != nil {
			return nil, fmt.Errorf("batch conflict check: %w", err)
		}
		out[i] = VersionStatus{
			UserID:          checks[i].UserID,
			ExpectedVersion: checks[i].ExpectedVersion,
			CurrentVersion:  uint64(max(cur, 0)),
			Changed:         changed == 1,
		}
	}
	return out, nil
}

// Get reads and verifies the user's record. A missing record yields
// ErrRecordNotFound and a corrupt one *IntegrityError; callers should treat
// both as a cache miss.
func (s *Store) Get(ctx context.Context, userID string) (*RoleRecord, error) {
	res, err := s.cache.Eval(ctx, readScript, []string{recordKey(userID)})
	if err != nil {
		return nil, fmt.Errorf("get role record %s: %w", userID, err)
	}
	h, err := toFields(res)
	if err != nil {
		return nil, fmt.Errorf("get role record %s: %w", userID, err)
	}
	if len(h) == 0 {
		return nil, ErrRecordNotFound
	}
	rec, err := parseRecord(h)
	if err != nil {
		return nil, &IntegrityError{UserID: userID, Expected: "", Actual: h["checksum"]}
	}
	if rec.UserID != userID || !rec.Verify() {
		s.logger.Warn("role record failed integrity check", "user_id", userID, "version", rec.Version)
		return nil, &IntegrityError{
			UserID:   userID,
			Expected: ComputeChecksum(rec.UserID, rec.Role, rec.Version, rec.LastModified),
			Actual:   rec.Checksum,
		}
	}
	return rec, nil
}

// Delete removes the user's record and lock.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.cache.Del(ctx, recordKey(userID), lockKey(userID)); err != nil {
		return fmt.Errorf("delete role record %s: %w", userID, err)
	}
	return nil
}
