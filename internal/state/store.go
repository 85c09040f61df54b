// Package state defines the key/value abstraction behind per-thread session
// and handover state, plus an in-process implementation.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxUpdateAttempts bounds how often a conflicting Update is retried.
const MaxUpdateAttempts = 8

// ErrConflict is returned by Update when the key kept changing underneath
// every attempt.
var ErrConflict = errors.New("state: concurrent update conflict")

// UpdateFunc computes the new value of a key from its current one. found is
// false when the key is absent or expired.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Store is a key/value store with per-entry time-to-live. Implementations
// must never return an entry whose TTL has elapsed. A ttl <= 0 stores the
// value without expiry.
//
// Update is a read-modify-write that only commits when the key was not
// written by anyone else since it was read, retrying fn otherwise. fn may run
// more than once and must not have side effects.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
}

// Retry runs attempt until it commits, fails, or MaxUpdateAttempts is
// reached. attempt reports false when it lost a race.
func Retry(ctx context.Context, attempt func() (bool, error)) error {
	for i := 0; i < MaxUpdateAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := attempt()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConflict
}

// GetJSON loads key and decodes it into v. It reports false when the key is
// absent or expired.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return s.Put(ctx, key, raw, ttl)
}

// UpdateJSON is Update for JSON-encoded values. fn receives the decoded
// current value (zero when absent) and mutates it in place.
func UpdateJSON[T any](ctx context.Context, s Store, key string, ttl time.Duration, fn func(v *T, found bool) error) (T, error) {
	var out T
	err := s.Update(ctx, key, ttl, func(current []byte, found bool) ([]byte, error) {
		var v T
		if found {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("state: decode %q: %w", key, err)
			}
		}
		if err := fn(&v, found); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("state: encode %q: %w", key, err)
		}
		out = v
		return raw, nil
	})
	return out, err
}
