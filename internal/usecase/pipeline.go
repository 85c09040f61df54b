package usecase

import (
	"context"
	"errors"
	"log/slog"

	"dm-responder/internal/audit"
	"dm-responder/internal/delivery"
	"dm-responder/internal/domain"
	"dm-responder/internal/handover"
	"dm-responder/internal/reply"
	"dm-responder/internal/repository"
)

// Status is the outcome of processing one inbound event.
type Status string

const (
	StatusReplied               Status = "replied"
	StatusSendFailed            Status = "send_failed"
	StatusSkippedHuman          Status = "skipped_human"
	StatusSkippedDisabled       Status = "skipped_disabled"
	StatusSkippedNoToken        Status = "skipped_no_token"
	StatusSkippedUnknownAccount Status = "skipped_unknown_account"
)

// AccountRegistry is the external account, token and tenant prompt store.
type AccountRegistry interface {
	GetAccount(ctx context.Context, igUserID string) (domain.Account, error)
	ActiveToken(ctx context.Context, igUserID string) (string, error)
	SystemPrompt(ctx context.Context, clientID int64) (string, error)
}

type SessionStore interface {
	Append(ctx context.Context, key domain.ThreadKey, role domain.Role, text string) ([]domain.Turn, error)
}

type Arbiter interface {
	IsHumanControlled(ctx context.Context, key domain.ThreadKey) (bool, error)
	Apply(ctx context.Context, sig domain.HandoverSignal) (handover.Transition, error)
}

type ReplyGenerator interface {
	Generate(ctx context.Context, req reply.Request) reply.Reply
}

type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) delivery.Result
	Typing(ctx context.Context, token, recipientID string)
	Wait(ctx context.Context) error
}

type AuditLogger interface {
	Inbound(ctx context.Context, accountID *int64, evt domain.MessageEvent)
	Outbound(ctx context.Context, accountID *int64, igUserID string, e audit.OutboundEntry)
	Wait(ctx context.Context) error
}

// EventResult reports what the pipeline did with one event.
type EventResult struct {
	Key      domain.ThreadKey
	Status   Status
	Source   reply.Source
	Delivery delivery.Result
}

type ProcessorDeps struct {
	Registry  AccountRegistry
	Sessions  SessionStore
	Arbiter   Arbiter
	Generator ReplyGenerator
	Delivery  Deliverer
	Audit     AuditLogger
}

// Processor runs the per-event reply pipeline.
type Processor struct {
	registry  AccountRegistry
	sessions  SessionStore
	arbiter   Arbiter
	generator ReplyGenerator
	delivery  Deliverer
	audit     AuditLogger
}

func NewProcessor(d ProcessorDeps) (*Processor, error) {
	switch {
	case d.Registry == nil:
		return nil, errors.New("usecase: account registry must not be nil")
	case d.Sessions == nil:
		return nil, errors.New("usecase: session store must not be nil")
	case d.Arbiter == nil:
		return nil, errors.New("usecase: arbiter must not be nil")
	case d.Generator == nil:
		return nil, errors.New("usecase: reply generator must not be nil")
	case d.Delivery == nil:
		return nil, errors.New("usecase: delivery engine must not be nil")
	case d.Audit == nil:
		return nil, errors.New("usecase: audit logger must not be nil")
	}
	return &Processor{
		registry:  d.Registry,
		sessions:  d.Sessions,
		arbiter:   d.Arbiter,
		generator: d.Generator,
		delivery:  d.Delivery,
		audit:     d.Audit,
	}, nil
}

// Process handles one inbound message. Every failure is folded into the
// returned status; nothing here fails the webhook.
func (p *Processor) Process(ctx context.Context, evt domain.MessageEvent) EventResult {
	key := evt.Key()
	res := EventResult{Key: key}
	thread := key.String()

	acct, acctErr := p.registry.GetAccount(ctx, evt.ThreadAccountID)
	var accountID *int64
	if acctErr == nil {
		id := acct.ID
		accountID = &id
	}
	p.audit.Inbound(ctx, accountID, evt)

	skip := func(status Status, reason string) EventResult {
		p.audit.Outbound(ctx, accountID, evt.ThreadAccountID, audit.OutboundEntry{To: evt.SenderID, Skip: reason})
		slog.InfoContext(ctx, "reply skipped", "thread", thread, "status", status, "reason", reason)
		res.Status = status
		return res
	}

	human, err := p.arbiter.IsHumanControlled(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "handover state unavailable, treating thread as human-owned", "thread", thread, "err", err)
		human = true
	}
	if human {
		return skip(StatusSkippedHuman, audit.SkipHumanControlled)
	}

	if acctErr != nil {
		if !errors.Is(acctErr, repository.ErrNotFound) {
			slog.ErrorContext(ctx, "account lookup failed", "thread", thread, "err", acctErr)
		}
		return skip(StatusSkippedUnknownAccount, audit.SkipAccountUnknown)
	}
	if !acct.BotEnabled {
		return skip(StatusSkippedDisabled, audit.SkipAutomationDisabled)
	}

	history, err := p.sessions.Append(ctx, key, domain.RoleUser, evt.Text)
	if err != nil {
		slog.WarnContext(ctx, "session append failed, replying without history", "thread", thread, "err", err)
		history = []domain.Turn{{Role: domain.RoleUser, Content: evt.Text}}
	}

	token, err := p.registry.ActiveToken(ctx, evt.ThreadAccountID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.ErrorContext(ctx, "token lookup failed", "thread", thread, "err", err)
		}
		return skip(StatusSkippedNoToken, audit.SkipNoToken)
	}

	p.delivery.Typing(ctx, token, evt.SenderID)

	override := p.systemPrompt(ctx, acct, thread)
	r := p.generator.Generate(ctx, reply.Request{History: history, SystemOverride: override})
	res.Source = r.Source

	dr := p.delivery.Deliver(ctx, delivery.Request{
		Key:         key,
		Token:       token,
		RecipientID: evt.SenderID,
		Text:        r.Text,
	})
	res.Delivery = dr

	entry := audit.OutboundEntry{
		To:       evt.SenderID,
		Text:     r.Text,
		Source:   string(r.Source),
		Outcome:  &dr.Outcome,
		Conflict: dr.Conflict,
		Retried:  dr.Retried,
	}
	if dr.Err != nil {
		entry.Error = dr.Err.Error()
		if dr.Outcome.StatusCode == 0 {
			entry.Outcome = nil
		}
	}

	if dr.OK() {
		res.Status = StatusReplied
		if _, err := p.sessions.Append(ctx, key, domain.RoleAssistant, r.Text); err != nil {
			slog.WarnContext(ctx, "session append failed for reply", "thread", thread, "err", err)
		}
	} else {
		res.Status = StatusSendFailed
		slog.WarnContext(ctx, "reply not delivered",
			"thread", thread,
			"status_code", dr.Outcome.StatusCode,
			"conflict", dr.Conflict,
			"lease_created", dr.LeaseCreated,
			"retried", dr.Retried,
			"err", dr.Err)
	}
	p.audit.Outbound(ctx, accountID, evt.ThreadAccountID, entry)

	slog.InfoContext(ctx, "event processed", "thread", thread, "status", res.Status, "source", res.Source)
	return res
}

func (p *Processor) systemPrompt(ctx context.Context, acct domain.Account, thread string) string {
	if acct.ClientID == nil {
		return ""
	}
	prompt, err := p.registry.SystemPrompt(ctx, *acct.ClientID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.WarnContext(ctx, "system prompt lookup failed, using default", "thread", thread, "err", err)
		}
		return ""
	}
	return prompt
}

// Wait drains detached audit writes and typing indicators.
func (p *Processor) Wait(ctx context.Context) error {
	return errors.Join(p.audit.Wait(ctx), p.delivery.Wait(ctx))
}
