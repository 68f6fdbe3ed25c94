package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_GetSetDel(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.SetWithTTL(ctx, "k", "v", time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	mr.FastForward(time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.SetWithTTL(ctx, "a", "1", 0))
	require.NoError(t, s.Del(ctx, "a"))
	assert.False(t, mr.Exists("a"))
	require.NoError(t, s.Del(ctx))
}

func TestRedisStore_Eval(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	incr := redis.NewScript(`return redis.call('INCRBY', KEYS[1], ARGV[1])`)
	v, err := s.Eval(ctx, incr, []string{"counter"}, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	none := redis.NewScript(`return redis.call('GET', KEYS[1])`)
	v, err = s.Eval(ctx, none, []string{"missing"})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), "not-a-url")
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewClient(context.Background(), "redis://"+addr)
	assert.Error(t, err)
}

func TestBreakerStore(t *testing.T) {
	s, mr := newTestStore(t)
	bs := NewBreakerStore(s)
	ctx := context.Background()

	_, err := bs.Get(ctx, "rolesync:circuit:idp:state")
	assert.ErrorIs(t, err, breaker.ErrNotFound)

	b := breaker.New("idp", bs, breaker.Options{FailureThreshold: 1})
	_ = b.Execute(ctx, "get_user", func(context.Context) error { return assert.AnError })

	assert.True(t, mr.Exists("rolesync:circuit:idp:state"))
	assert.True(t, mr.Exists("rolesync:circuit:idp:metrics"))
	assert.Equal(t, 24*time.Hour, mr.TTL("rolesync:circuit:idp:state"))

	other := breaker.New("idp", NewBreakerStore(s), breaker.Options{})
	assert.True(t, breaker.IsOpen(other.Execute(ctx, "get_user", func(context.Context) error { return nil })))

	mr.SetError("LOADING")
	assert.NoError(t, other.Execute(ctx, "get_user", func(context.Context) error { return nil }))
}

func TestBreakerStore_UpdateRetriesWhenKeyChanges(t *testing.T) {
	s, mr := newTestStore(t)
	bs := NewBreakerStore(s)
	ctx := context.Background()
	require.NoError(t, s.SetWithTTL(ctx, "k", "v", 0))

	calls := 0
	err := bs.Update(ctx, "k", time.Minute, func(cur []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			// Another writer lands between our read and write.
			require.NoError(t, s.SetWithTTL(ctx, "k", "other", 0))
		}
		return append(cur, '!'), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "other!", v)
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestBreakerStore_UpdateMissingKey(t *testing.T) {
	s, mr := newTestStore(t)
	bs := NewBreakerStore(s)
	ctx := context.Background()

	require.NoError(t, bs.Update(ctx, "k", 0, func(cur []byte) ([]byte, error) {
		assert.Nil(t, cur)
		return nil, nil
	}))
	assert.False(t, mr.Exists("k"), "nil result must not create the key")

	boom := errors.New("boom")
	assert.ErrorIs(t, bs.Update(ctx, "k", 0, func([]byte) ([]byte, error) { return []byte("x"), boom }), boom)
	assert.False(t, mr.Exists("k"))

	// A key created after the read is a conflict, not something to overwrite.
	calls := 0
	require.NoError(t, bs.Update(ctx, "k", 0, func(cur []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			assert.Nil(t, cur)
			require.NoError(t, s.SetWithTTL(ctx, "k", "first", 0))
		}
		return append(cur, '+'), nil
	}))
	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "first+", v)
	assert.Zero(t, mr.TTL("k"))
}

func TestBreakerStore_ConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bs := NewBreakerStore(s)
			assert.NoError(t, bs.Update(ctx, "n", time.Hour, func(cur []byte) ([]byte, error) {
				n, _ := strconv.Atoi(string(cur))
				return []byte(strconv.Itoa(n + 1)), nil
			}))
		}()
	}
	wg.Wait()

	v, err := mr.Get("n")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(writers), v)
}

func TestBreakerStore_TwoBreakersCountEveryFailure(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	opts := breaker.Options{FailureThreshold: 50}
	instances := []*breaker.Breaker{
		breaker.New("idp", NewBreakerStore(s), opts),
		breaker.New("idp", NewBreakerStore(s), opts),
	}

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(b *breaker.Breaker) {
			defer wg.Done()
			_ = b.Execute(ctx, "get_user", func(context.Context) error { return assert.AnError })
		}(instances[i%2])
	}
	wg.Wait()

	st, err := instances[0].State(ctx)
	require.NoError(t, err)
	assert.Equal(t, callers, st.ConsecutiveFailures)
	m, err := instances[1].Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, callers, m.TotalFailures)
}
