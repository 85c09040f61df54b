// Package session keeps a bounded, idle-expiring history per conversation
// thread.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dm-responder/internal/domain"
	"dm-responder/internal/state"
)

const (
	DefaultMaxTurns = 12
	DefaultIdleTTL  = time.Hour

	keyPrefix = "session#"
)

type Options struct {
	MaxTurns int
	IdleTTL  time.Duration
	Now      func() time.Time
}

// Store is the conversation session store.
type Store struct {
	kv       state.Store
	// locks serializes same-process writers of a thread; other instances
	// are handled by the store's conditional update.
	locks    state.KeyedMutex
	maxTurns int
	idleTTL  time.Duration
	now      func() time.Time
}

func New(kv state.Store, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.New("session: store must not be nil")
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{kv: kv, maxTurns: opts.MaxTurns, idleTTL: opts.IdleTTL, now: opts.Now}, nil
}

func storageKey(key domain.ThreadKey) string {
	return keyPrefix + key.String()
}

func (s *Store) stale(sess domain.Session, now time.Time) bool {
	return sess.TouchedAt.Add(s.idleTTL).Before(now)
}

// load returns the live session for key, or an empty one when it is absent
// or has been idle for longer than the TTL.
func (s *Store) load(ctx context.Context, key domain.ThreadKey, now time.Time) (domain.Session, error) {
	var sess domain.Session
	ok, err := state.GetJSON(ctx, s.kv, storageKey(key), &sess)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: load %s: %w", key, err)
	}
	if !ok || s.stale(sess, now) {
		return domain.Session{}, nil
	}
	return sess, nil
}

var errGone = errors.New("session: expired")

// Append adds a turn to the thread history, dropping the oldest turns beyond
// the cap, and returns the resulting history. The write is a conditional
// update, so appends from other instances sharing the store are not lost.
func (s *Store) Append(ctx context.Context, key domain.ThreadKey, role domain.Role, text string) ([]domain.Turn, error) {
	if role != domain.RoleUser && role != domain.RoleAssistant {
		return nil, fmt.Errorf("session: unsupported role %q", role)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("session: text must not be empty")
	}

	unlock := s.locks.Lock(key.String())
	defer unlock()

	now := s.now()
	sess, err := state.UpdateJSON(ctx, s.kv, storageKey(key), s.idleTTL, func(sess *domain.Session, found bool) error {
		if found && s.stale(*sess, now) {
			*sess = domain.Session{}
		}
		sess.Turns = append(sess.Turns, domain.Turn{Role: role, Content: text})
		if over := len(sess.Turns) - s.maxTurns; over > 0 {
			sess.Turns = append([]domain.Turn(nil), sess.Turns[over:]...)
		}
		sess.TouchedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: append %s: %w", key, err)
	}
	return copyTurns(sess.Turns), nil
}

// History returns a copy of the thread history and refreshes its idle timer.
func (s *Store) History(ctx context.Context, key domain.ThreadKey) ([]domain.Turn, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	now := s.now()
	sess, err := s.load(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if len(sess.Turns) == 0 {
		return nil, nil
	}
	sess, err = state.UpdateJSON(ctx, s.kv, storageKey(key), s.idleTTL, func(sess *domain.Session, found bool) error {
		if !found || len(sess.Turns) == 0 || s.stale(*sess, now) {
			return errGone
		}
		sess.TouchedAt = now
		return nil
	})
	if errors.Is(err, errGone) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: touch %s: %w", key, err)
	}
	return copyTurns(sess.Turns), nil
}

// Clear forgets the thread history.
func (s *Store) Clear(ctx context.Context, key domain.ThreadKey) error {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	if err := s.kv.Delete(ctx, storageKey(key)); err != nil {
		return fmt.Errorf("session: clear %s: %w", key, err)
	}
	return nil
}

func copyTurns(in []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, len(in))
	copy(out, in)
	return out
}
