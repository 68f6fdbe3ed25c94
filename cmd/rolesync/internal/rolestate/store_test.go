package rolestate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/cache"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *clock.Mock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(cache.NewRedisStore(client), Options{Clock: mock, SnapshotTTL: time.Hour}), mr, mock
}

func ptr(v uint64) *uint64 { return &v }

func TestAtomicUpdate_SequencesVersions(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		res, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Viewer, ModifiedBy: "test"})
		require.NoError(t, err)
		assert.Equal(t, want, res.NewVersion)
	}

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Version)
	assert.Equal(t, roles.Viewer, rec.Role)
	assert.Equal(t, "test", rec.ModifiedBy)
	assert.True(t, rec.Verify())
}

func TestAtomicUpdate_VersionCheck(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Viewer, ExpectedVersion: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.NewVersion)

	res, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Merchant, ExpectedVersion: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.NewVersion)

	_, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Admin, ExpectedVersion: ptr(1)})
	require.ErrorIs(t, err, ErrVersionConflict)
	var vce *VersionConflictError
	require.ErrorAs(t, err, &vce)
	assert.Equal(t, uint64(1), vce.Expected)
	assert.Equal(t, uint64(2), vce.Current)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, roles.Merchant, rec.Role)

	// Force ignores the stale expectation.
	res, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Admin, ExpectedVersion: ptr(1), Force: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.NewVersion)
}

func TestAtomicUpdate_RacingStaleWriters(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Viewer})
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts []*VersionConflictError
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Admin, ExpectedVersion: ptr(1)})
			mu.Lock()
			defer mu.Unlock()
			var vce *VersionConflictError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &vce):
				conflicts = append(conflicts, vce)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	require.Len(t, conflicts, writers-1)
	for _, c := range conflicts {
		assert.Greater(t, c.Current, c.Expected)
	}
}

func TestOptimisticLock(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Viewer})
	require.NoError(t, err)

	_, err = s.AcquireOptimisticLock(ctx, "u1", ptr(7), "", time.Second)
	require.ErrorIs(t, err, ErrVersionConflict)

	lock, err := s.AcquireOptimisticLock(ctx, "u1", ptr(1), "", 2*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, lock.Token)
	assert.Equal(t, uint64(1), lock.Version)
	assert.Greater(t, lock.TTL, time.Duration(0))
	assert.LessOrEqual(t, lock.TTL, 2*time.Second)

	_, err = s.AcquireOptimisticLock(ctx, "u1", nil, "other", time.Second)
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	_, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Admin, Force: true})
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	res, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Admin, ExpectedVersion: ptr(1), LockToken: lock.Token})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.NewVersion)

	released, err := s.ReleaseLock(ctx, "u1", "other")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseLock(ctx, "u1", lock.Token)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Merchant})
	require.NoError(t, err)
}

func TestOptimisticLock_Expires(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireOptimisticLock(ctx, "u1", nil, "t1", time.Second)
	require.NoError(t, err)
	mr.FastForward(time.Second)

	_, err = s.AcquireOptimisticLock(ctx, "u1", nil, "t2", time.Second)
	require.NoError(t, err)
}

func TestRollback(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Rollback(ctx, "u1", "op-1")
	var rnf *RollbackNotFoundError
	require.ErrorAs(t, err, &rnf)
	assert.Equal(t, "op-1", rnf.OperationID)

	_, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Viewer, ModifiedBy: "seed"})
	require.NoError(t, err)
	_, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Merchant, OperationID: "op-1"})
	require.NoError(t, err)
	_, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Admin, OperationID: "op-1"})
	require.NoError(t, err)

	rec, err := s.Rollback(ctx, "u1", "op-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, roles.Viewer, rec.Role)
	assert.Equal(t, uint64(1), rec.Version)
	assert.Equal(t, "seed", rec.ModifiedBy)

	_, err = s.Rollback(ctx, "u1", "op-1")
	assert.ErrorIs(t, err, ErrRollbackNotFound)
}

func TestRollback_ToAbsent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Admin, OperationID: "op-2"})
	require.NoError(t, err)

	rec, err := s.Rollback(ctx, "u1", "op-2")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = s.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRollback_SnapshotExpires(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Admin, OperationID: "op-3"})
	require.NoError(t, err)
	mr.FastForward(time.Hour)

	_, err = s.Rollback(ctx, "u1", "op-3")
	assert.ErrorIs(t, err, ErrRollbackNotFound)
}

func TestBatchConflictCheck(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Viewer})
		require.NoError(t, err)
	}
	_, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u2", NewRole: roles.Viewer})
	require.NoError(t, err)

	got, err := s.BatchConflictCheck(ctx, []VersionCheck{
		{UserID: "u1", ExpectedVersion: 2},
		{UserID: "u2", ExpectedVersion: 0},
		{UserID: "u3", ExpectedVersion: 0},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.False(t, got[0].Changed)
	assert.True(t, got[1].Changed)
	assert.Equal(t, uint64(1), got[1].CurrentVersion)
	assert.False(t, got[2].Changed)

	empty, err := s.BatchConflictCheck(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGet_DetectsTampering(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Viewer})
	require.NoError(t, err)

	mr.HSet(recordKey("u1"), "role", "admin")
	_, err = s.Get(ctx, "u1")
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "u1", ie.UserID)

	mr.HSet(recordKey("u1"), "version", "not-a-number")
	_, err = s.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestDelete(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Viewer})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "u1"))
	assert.False(t, mr.Exists(recordKey("u1")))
}

func TestAtomicUpdate_StoreUnavailable(t *testing.T) {
	s, mr, _ := newTestStore(t)
	mr.SetError("READONLY")

	_, err := s.AtomicUpdate(context.Background(), UpdateRequest{UserID: "u1", NewRole: roles.Viewer})
	assert.Error(t, err)
}

// scriptedStore records the scripts run against the wrapped store.
type scriptedStore struct {
	cache.Store
	mu      sync.Mutex
	scripts []*redis.Script
}

func (s *scriptedStore) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	s.mu.Lock()
	s.scripts = append(s.scripts, script)
	s.mu.Unlock()
	return s.Store.Eval(ctx, script, keys, args...)
}

func TestStore_ReadsGoThroughScripts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	scripted := &scriptedStore{Store: cache.NewRedisStore(client)}
	mock := clock.NewMock()
	s := New(scripted, Options{Clock: mock, SnapshotTTL: time.Hour})
	ctx := context.Background()

	res, err := s.AtomicUpdate(ctx, UpdateRequest{UserID: "u1", NewRole: roles.Merchant})
	require.NoError(t, err)
	assert.Contains(t, scripted.scripts, versionScript)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, res.NewVersion, got.Version)
	assert.Equal(t, roles.Merchant, got.Role)
	assert.Same(t, readScript, scripted.scripts[len(scripted.scripts)-1])

	mr.SetError("LOADING")
	_, err = s.Get(ctx, "u1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRecordNotFound)
}
