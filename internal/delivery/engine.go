// Package delivery sends replies and recovers once from thread-ownership
// conflicts.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dm-responder/internal/background"
	"dm-responder/internal/domain"
	"dm-responder/internal/handover"
)

// Policy selects how an ownership conflict is resolved.
type Policy string

const (
	// PolicyRespectHuman leases the thread to the human operator and stops.
	PolicyRespectHuman Policy = "respect_human"
	// PolicyAutoTakeover takes thread control back and retries once.
	PolicyAutoTakeover Policy = "auto_takeover"
)

// ParsePolicy maps a config value to a Policy. Empty means respect_human.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyRespectHuman:
		return PolicyRespectHuman, nil
	case PolicyAutoTakeover:
		return PolicyAutoTakeover, nil
	default:
		return "", fmt.Errorf("delivery: unknown policy %q", s)
	}
}

// Messenger is the platform messaging API.
type Messenger interface {
	SendText(ctx context.Context, token, recipientID, text string) (domain.DeliveryOutcome, error)
	SendTypingOn(ctx context.Context, token, recipientID string) error
	TakeThreadControl(ctx context.Context, token, recipientID string) (bool, error)
}

// LeaseMarker records that a human owns a thread.
type LeaseMarker interface {
	MarkHuman(ctx context.Context, key domain.ThreadKey, reason string) (handover.Lease, error)
}

type Options struct {
	Policy Policy
	// Tasks runs typing indicators. Nil uses a private group.
	Tasks *background.Group
}

type Engine struct {
	messenger Messenger
	arbiter   LeaseMarker
	policy    Policy
	tasks     *background.Group
}

func New(m Messenger, arbiter LeaseMarker, opts Options) (*Engine, error) {
	if m == nil {
		return nil, errors.New("delivery: messenger must not be nil")
	}
	if arbiter == nil {
		return nil, errors.New("delivery: arbiter must not be nil")
	}
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	if opts.Tasks == nil {
		opts.Tasks = &background.Group{}
	}
	return &Engine{messenger: m, arbiter: arbiter, policy: policy, tasks: opts.Tasks}, nil
}

type Request struct {
	Key         domain.ThreadKey
	Token       string
	RecipientID string
	Text        string
}

// Result describes a delivery attempt. Err is set only for transport or
// state failures; platform rejections live in Outcome.
type Result struct {
	Outcome      domain.DeliveryOutcome
	Conflict     bool
	LeaseCreated bool
	TookControl  bool
	Retried      bool
	Err          error
}

func (r Result) OK() bool {
	return r.Err == nil && r.Outcome.OK
}

// Deliver sends req.Text. On an ownership conflict it either leases the
// thread to the human operator or takes control and retries exactly once,
// depending on the policy. Every other failure is terminal.
func (e *Engine) Deliver(ctx context.Context, req Request) Result {
	out, err := e.messenger.SendText(ctx, req.Token, req.RecipientID, req.Text)
	if err != nil {
		return Result{Err: fmt.Errorf("delivery: send: %w", err)}
	}
	res := Result{Outcome: out}
	if out.OK || !out.IsOwnershipConflict() {
		return res
	}

	res.Conflict = true
	thread := req.Key.String()
	switch e.policy {
	case PolicyAutoTakeover:
		took, err := e.messenger.TakeThreadControl(ctx, req.Token, req.RecipientID)
		if err != nil {
			res.Err = fmt.Errorf("delivery: take thread control: %w", err)
			return res
		}
		res.TookControl = took
		slog.InfoContext(ctx, "ownership conflict, took thread control", "thread", thread, "took", took)
		if !took {
			return res
		}
		res.Retried = true
		out, err = e.messenger.SendText(ctx, req.Token, req.RecipientID, req.Text)
		if err != nil {
			res.Err = fmt.Errorf("delivery: retry send: %w", err)
			return res
		}
		res.Outcome = out
	default:
		if _, err := e.arbiter.MarkHuman(ctx, req.Key, handover.ReasonOwnershipConflict); err != nil {
			res.Err = fmt.Errorf("delivery: mark human: %w", err)
			return res
		}
		res.LeaseCreated = true
		slog.InfoContext(ctx, "ownership conflict, pausing agent", "thread", thread)
	}
	return res
}

// Typing fires a detached typing indicator. Its outcome never reaches the
// caller.
func (e *Engine) Typing(ctx context.Context, token, recipientID string) {
	e.tasks.Go(ctx, "typing_on", func(ctx context.Context) error {
		return e.messenger.SendTypingOn(ctx, token, recipientID)
	})
}

// Wait drains pending typing indicators.
func (e *Engine) Wait(ctx context.Context) error {
	return e.tasks.Wait(ctx)
}
