// Package audit appends inbound and outbound message records without ever
// blocking or failing the webhook pipeline.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dm-responder/internal/background"
	"dm-responder/internal/domain"
)

const defaultTimeout = 3 * time.Second

// Skip reasons recorded on outbound entries.
const (
	SkipAutomationDisabled = "automation_disabled"
	SkipHumanControlled    = "human_controlled"
	SkipNoToken            = "no_token"
	SkipAccountUnknown     = "account_unknown"
)

// Sink persists log records.
type Sink interface {
	AppendLog(ctx context.Context, rec domain.LogRecord) error
}

type Options struct {
	Timeout time.Duration
	Now     func() time.Time
}

type Logger struct {
	sink  Sink
	tasks background.Group
	now   func() time.Time
}

func New(sink Sink, opts Options) (*Logger, error) {
	if sink == nil {
		return nil, errors.New("audit: sink must not be nil")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Logger{sink: sink, now: opts.Now}
	l.tasks.Timeout = opts.Timeout
	return l, nil
}

type inboundPayload struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	MessageID   string    `json:"mid,omitempty"`
	Text        string    `json:"text"`
	ReceivedAt  time.Time `json:"timestamp"`
}

// OutboundEntry describes what happened on the reply path. Exactly one of
// Skip or Outcome is expected to be set.
type OutboundEntry struct {
	To       string
	Skip     string
	Text     string
	Source   string
	Outcome  *domain.DeliveryOutcome
	Conflict bool
	Retried  bool
	Error    string
}

type outboundRequest struct {
	Text string `json:"text"`
}

type outboundPayload struct {
	ID         string           `json:"id"`
	To         string           `json:"to"`
	Skip       string           `json:"skip,omitempty"`
	Request    *outboundRequest `json:"request,omitempty"`
	Response   json.RawMessage  `json:"response,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	OK         *bool            `json:"ok,omitempty"`
	Source     string           `json:"source,omitempty"`
	Conflict   bool             `json:"conflict,omitempty"`
	Retried    bool             `json:"retried,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Inbound records a normalized inbound event.
func (l *Logger) Inbound(ctx context.Context, accountID *int64, evt domain.MessageEvent) {
	id := newUUID()
	l.write(ctx, domain.LogRecord{
		ID:        id,
		AccountID: accountID,
		IGUserID:  evt.ThreadAccountID,
		Direction: domain.DirectionIn,
	}, inboundPayload{
		ID:          id,
		SenderID:    evt.SenderID,
		RecipientID: evt.RecipientID,
		MessageID:   evt.MessageID,
		Text:        evt.Text,
		ReceivedAt:  evt.ReceivedAt,
	})
}

// Outbound records the result of the reply path for one event, including
// skips.
func (l *Logger) Outbound(ctx context.Context, accountID *int64, igUserID string, e OutboundEntry) {
	id := newUUID()
	p := outboundPayload{
		ID:       id,
		To:       e.To,
		Skip:     e.Skip,
		Source:   e.Source,
		Conflict: e.Conflict,
		Retried:  e.Retried,
		Error:    e.Error,
	}
	if e.Skip == "" {
		p.Request = &outboundRequest{Text: e.Text}
	}
	if e.Outcome != nil {
		ok := e.Outcome.OK
		p.OK = &ok
		p.StatusCode = e.Outcome.StatusCode
		p.Response = e.Outcome.Raw
	}
	l.write(ctx, domain.LogRecord{
		ID:        id,
		AccountID: accountID,
		IGUserID:  igUserID,
		Direction: domain.DirectionOut,
	}, p)
}

func (l *Logger) write(ctx context.Context, rec domain.LogRecord, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.WarnContext(ctx, "audit encode failed", "id", rec.ID, "direction", rec.Direction, "err", err)
		return
	}
	rec.Payload = raw
	rec.CreatedAt = l.now().UTC()

	l.tasks.Go(ctx, "audit_"+string(rec.Direction), func(ctx context.Context) error {
		if err := l.sink.AppendLog(ctx, rec); err != nil {
			return fmt.Errorf("audit: append %s record %s: %w", rec.Direction, rec.ID, err)
		}
		return nil
	})
}

// Wait blocks until pending writes finish or ctx is done.
func (l *Logger) Wait(ctx context.Context) error {
	return l.tasks.Wait(ctx)
}

var newUUID = func() string {
	return uuid.NewString()
}
