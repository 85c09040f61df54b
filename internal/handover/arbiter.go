// Package handover tracks which threads are temporarily owned by a human
// operator and must not receive automated replies.
package handover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dm-responder/internal/domain"
	"dm-responder/internal/state"
)

const (
	DefaultTTL        = 15 * time.Minute
	DefaultInboxAppID = "263902037430900"

	keyPrefix = "human#"
)

// Lease reasons.
const (
	ReasonInboxHandover     = "inbox_handover"
	ReasonOwnershipConflict = "ownership_conflict"
)

// Transition is the effect a handover signal had on a thread.
type Transition string

const (
	TransitionNone    Transition = "none"
	TransitionToHuman Transition = "to_human"
	TransitionToAgent Transition = "to_agent"
)

// Lease is a human-control window on one thread.
type Lease struct {
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type Options struct {
	TTL        time.Duration
	InboxAppID string
	Now        func() time.Time
}

// Arbiter decides per thread whether the automated agent may reply.
type Arbiter struct {
	kv         state.Store
	ttl        time.Duration
	inboxAppID string
	now        func() time.Time
}

func New(kv state.Store, opts Options) (*Arbiter, error) {
	if kv == nil {
		return nil, errors.New("handover: store must not be nil")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	opts.InboxAppID = strings.TrimSpace(opts.InboxAppID)
	if opts.InboxAppID == "" {
		opts.InboxAppID = DefaultInboxAppID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Arbiter{kv: kv, ttl: opts.TTL, inboxAppID: opts.InboxAppID, now: opts.Now}, nil
}

func storageKey(key domain.ThreadKey) string {
	return keyPrefix + key.String()
}

// Lease returns the active lease for key, if any.
func (a *Arbiter) Lease(ctx context.Context, key domain.ThreadKey) (Lease, bool, error) {
	var l Lease
	ok, err := state.GetJSON(ctx, a.kv, storageKey(key), &l)
	if err != nil {
		return Lease{}, false, fmt.Errorf("handover: lease %s: %w", key, err)
	}
	if !ok || !a.now().Before(l.ExpiresAt) {
		return Lease{}, false, nil
	}
	return l, true, nil
}

// IsHumanControlled reports whether an unexpired lease exists for key.
func (a *Arbiter) IsHumanControlled(ctx context.Context, key domain.ThreadKey) (bool, error) {
	_, ok, err := a.Lease(ctx, key)
	return ok, err
}

// MarkHuman creates or refreshes the lease on key for the configured TTL.
func (a *Arbiter) MarkHuman(ctx context.Context, key domain.ThreadKey, reason string) (Lease, error) {
	now := a.now()
	l := Lease{ExpiresAt: now.Add(a.ttl), Reason: reason, CreatedAt: now}
	if err := state.PutJSON(ctx, a.kv, storageKey(key), l, a.ttl); err != nil {
		return Lease{}, fmt.Errorf("handover: mark %s: %w", key, err)
	}
	return l, nil
}

// Release removes any lease on key.
func (a *Arbiter) Release(ctx context.Context, key domain.ThreadKey) error {
	if err := a.kv.Delete(ctx, storageKey(key)); err != nil {
		return fmt.Errorf("handover: release %s: %w", key, err)
	}
	return nil
}

// Apply updates the lease for the thread a platform control signal refers to.
// Control moving to the inbox app pauses the agent; control leaving it
// resumes the agent. Signals naming other apps have no effect.
func (a *Arbiter) Apply(ctx context.Context, sig domain.HandoverSignal) (Transition, error) {
	key := sig.Key()
	switch {
	case sig.NewOwnerAppID == a.inboxAppID:
		if _, err := a.MarkHuman(ctx, key, ReasonInboxHandover); err != nil {
			return TransitionNone, err
		}
		slog.InfoContext(ctx, "handover to inbox, pausing agent", "thread", key.String(), "kind", sig.Kind)
		return TransitionToHuman, nil
	case sig.PreviousOwnerAppID == a.inboxAppID:
		if err := a.Release(ctx, key); err != nil {
			return TransitionNone, err
		}
		slog.InfoContext(ctx, "handover from inbox, resuming agent", "thread", key.String(), "kind", sig.Kind)
		return TransitionToAgent, nil
	default:
		return TransitionNone, nil
	}
}
