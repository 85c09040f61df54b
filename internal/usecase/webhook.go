package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"dm-responder/internal/background"
	"dm-responder/internal/domain"
	"dm-responder/internal/normalize"
)

const defaultDrainTimeout = 5 * time.Second

type WebhookConfig struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 verification when set.
	AppSecret string
	// DrainTimeout bounds how long Receive waits for detached writes.
	DrainTimeout time.Duration
}

type VerifyInput struct {
	Mode      string
	Token     string
	Challenge string
}

type ReceiveInput struct {
	Body      []byte
	Signature string
}

// ReceiveOutput summarizes one delivery. Status is "ok" or "ignored".
type ReceiveOutput struct {
	Status    string
	Reason    string
	Events    int
	Handovers int
	Results   []EventResult
}

type WebhookService struct {
	normalizer   *normalize.Normalizer
	arbiter      Arbiter
	processor    *Processor
	verifyToken  string
	appSecret    string
	drainTimeout time.Duration
}

func NewWebhookService(n *normalize.Normalizer, arbiter Arbiter, p *Processor, cfg WebhookConfig) (*WebhookService, error) {
	if arbiter == nil {
		return nil, errors.New("usecase: arbiter must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: processor must not be nil")
	}
	if n == nil {
		n = &normalize.Normalizer{}
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &WebhookService{
		normalizer:   n,
		arbiter:      arbiter,
		processor:    p,
		verifyToken:  cfg.VerifyToken,
		appSecret:    cfg.AppSecret,
		drainTimeout: cfg.DrainTimeout,
	}, nil
}

// Verify answers the subscription handshake with the challenge.
func (s *WebhookService) Verify(in VerifyInput) (string, error) {
	if s.verifyToken == "" {
		return "", newError(ErrorForbidden, "verify_token_not_configured", nil)
	}
	if in.Mode != "subscribe" {
		return "", newError(ErrorForbidden, "unexpected_mode", nil)
	}
	if subtle.ConstantTimeCompare([]byte(in.Token), []byte(s.verifyToken)) != 1 {
		return "", newError(ErrorForbidden, "verify_token_mismatch", nil)
	}
	return in.Challenge, nil
}

// Receive authenticates and processes one webhook delivery. Only an
// unparseable body or a bad signature is reported as an error.
func (s *WebhookService) Receive(ctx context.Context, in ReceiveInput) (ReceiveOutput, error) {
	if s.appSecret != "" {
		if err := verifySignature(s.appSecret, in.Body, in.Signature); err != nil {
			return ReceiveOutput{}, newError(ErrorInvalidSignature, "signature_rejected", err)
		}
	}

	batch, err := s.normalizer.Parse(in.Body)
	if err != nil {
		var perr *normalize.ParseError
		if errors.As(err, &perr) && perr.Reason == normalize.ErrInvalidJSON {
			return ReceiveOutput{}, newError(ErrorInvalidPayload, perr.Reason, err)
		}
		reason := "parse_error"
		if perr != nil {
			reason = perr.Reason
		}
		slog.InfoContext(ctx, "webhook ignored", "reason", reason, "object", batch.Object, "shape", batch.Shape)
		return ReceiveOutput{Status: "ignored", Reason: reason}, nil
	}
	slog.DebugContext(ctx, "webhook received", "body", string(in.Body))
	slog.InfoContext(ctx, "webhook normalized",
		"shape", batch.Shape,
		"messages", len(batch.Messages),
		"handovers", len(batch.Handovers),
		"dropped", batch.Dropped)

	// Detached writes spawned for this delivery are drained here; other
	// in-flight deliveries drain their own.
	tasks := &background.Group{}
	ctx = background.WithScope(ctx, tasks)

	out := ReceiveOutput{Status: "ok", Events: len(batch.Messages), Handovers: len(batch.Handovers)}
	for _, it := range batch.Items {
		switch {
		case it.Handover != nil:
			s.applyHandover(ctx, *it.Handover)
		case it.Message != nil:
			out.Results = append(out.Results, s.processor.Process(ctx, *it.Message))
		}
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drainTimeout)
	defer cancel()
	if err := tasks.Wait(drainCtx); err != nil {
		slog.WarnContext(ctx, "detached writes still pending", "pending", tasks.Pending(), "err", err)
	}
	return out, nil
}

func (s *WebhookService) applyHandover(ctx context.Context, sig domain.HandoverSignal) {
	tr, err := s.arbiter.Apply(ctx, sig)
	if err != nil {
		slog.WarnContext(ctx, "handover signal not applied", "thread", sig.Key().String(), "kind", sig.Kind, "err", err)
		return
	}
	slog.DebugContext(ctx, "handover signal applied", "thread", sig.Key().String(), "transition", tr)
}
