package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
)

// ErrContention is returned by BreakerStore.Update when the key kept changing
// under it for every attempt.
var ErrContention = errors.New("cache: key kept changing")

const maxUpdateAttempts = 64

// casScript writes a value only if the key still holds what the caller read.
//
// KEYS: key
// ARGV: existed ("1"/"0"), expected value, new value, TTL ms (0 keeps no TTL)
// Reply: 1 if written, 0 if the key changed.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
  if cur ~= ARGV[2] then
    return 0
  end
elseif cur then
  return 0
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

// BreakerStore adapts a Store to breaker.Store so that breaker state is shared
// by every process using the same Redis.
type BreakerStore struct {
	store Store
}

var _ breaker.Store = (*BreakerStore)(nil)

func NewBreakerStore(store Store) *BreakerStore {
	return &BreakerStore{store: store}
}

func (b *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.store.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return nil, breaker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

// Update is an optimistic read-modify-write: fn runs on the value read, and
// the result is stored only if the key is unchanged, otherwise it retries.
func (b *BreakerStore) Update(ctx context.Context, key string, ttl time.Duration, fn breaker.UpdateFunc) error {
	for range maxUpdateAttempts {
		cur, err := b.store.Get(ctx, key)
		existed := true
		if errors.Is(err, ErrMiss) {
			existed = false
		} else if err != nil {
			return err
		}

		var current []byte
		flag := "0"
		if existed {
			current = []byte(cur)
			flag = "1"
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}

		res, err := b.store.Eval(ctx, casScript, []string{key}, flag, cur, string(next), ttl.Milliseconds())
		if err != nil {
			return err
		}
		if n, _ := res.(int64); n == 1 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", key, ErrContention)
}

func (b *BreakerStore) Delete(ctx context.Context, keys ...string) error {
	return b.store.Del(ctx, keys...)
}
