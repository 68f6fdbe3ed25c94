// Package boltstore persists circuit breaker state in a local bbolt file.
// It suits single-host deployments without Redis; state survives restarts but
// is not shared between hosts.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.etcd.io/bbolt"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
)

var bucketCircuits = []byte("circuits")

// Store implements breaker.Store. Each value is prefixed with an 8-byte
// big-endian expiry in unix nanoseconds; zero means no expiry.
type Store struct {
	db    *bbolt.DB
	clock clock.Clock
}

var _ breaker.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCircuits)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create circuits bucket: %w", err)
	}

	return &Store{db: db, clock: clk}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var (
		out     []byte
		expired bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCircuits).Get([]byte(key))
		if raw == nil {
			return breaker.ErrNotFound
		}
		v, ok, err := s.decode(key, raw)
		if err != nil {
			return err
		}
		if !ok {
			expired = true
			return breaker.ErrNotFound
		}
		out = v
		return nil
	})
	if expired {
		_ = s.Delete(context.Background(), key)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update runs fn inside a single read-write transaction. bbolt allows one
// writer at a time, so fn always sees the latest committed value. A corrupt
// entry is presented to fn as missing.
func (s *Store) Update(_ context.Context, key string, ttl time.Duration, fn breaker.UpdateFunc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCircuits)
		var current []byte
		if raw := b.Get([]byte(key)); raw != nil {
			if v, ok, err := s.decode(key, raw); err == nil && ok {
				current = v
			}
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		if err := b.Put([]byte(key), s.encode(next, ttl)); err != nil {
			return fmt.Errorf("failed to save %q: %w", key, err)
		}
		return nil
	})
}

// decode strips the expiry prefix from raw and copies the value out, since raw
// is only valid for the life of the transaction. ok is false once expired.
func (s *Store) decode(key string, raw []byte) ([]byte, bool, error) {
	if len(raw) < 8 {
		return nil, false, fmt.Errorf("corrupt entry %q", key)
	}
	exp := int64(binary.BigEndian.Uint64(raw[:8]))
	if exp != 0 && s.clock.Now().UnixNano() >= exp {
		return nil, false, nil
	}
	return append([]byte(nil), raw[8:]...), true, nil
}

func (s *Store) encode(value []byte, ttl time.Duration) []byte {
	buf := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf[:8], uint64(s.clock.Now().Add(ttl).UnixNano()))
	}
	copy(buf[8:], value)
	return buf
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCircuits)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return fmt.Errorf("failed to delete %q: %w", k, err)
			}
		}
		return nil
	})
}
