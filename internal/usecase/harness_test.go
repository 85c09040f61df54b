package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dm-responder/internal/audit"
	"dm-responder/internal/delivery"
	"dm-responder/internal/domain"
	"dm-responder/internal/handover"
	"dm-responder/internal/reply"
	"dm-responder/internal/repository"
	"dm-responder/internal/session"
	"dm-responder/internal/state"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 { return &v }

type fakeRegistry struct {
	accounts   map[string]domain.Account
	accountErr error
	tokens     map[string]string
	prompts    map[int64]string
	tokenCalls int
}

func (f *fakeRegistry) GetAccount(_ context.Context, igUserID string) (domain.Account, error) {
	if f.accountErr != nil {
		return domain.Account{}, f.accountErr
	}
	a, ok := f.accounts[igUserID]
	if !ok {
		return domain.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func (f *fakeRegistry) ActiveToken(_ context.Context, igUserID string) (string, error) {
	f.tokenCalls++
	tok, ok := f.tokens[igUserID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return tok, nil
}

func (f *fakeRegistry) SystemPrompt(_ context.Context, clientID int64) (string, error) {
	p, ok := f.prompts[clientID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return p, nil
}

type fakeLLM struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
	last  []domain.ChatMessage
}

func (f *fakeLLM) Chat(_ context.Context, _ string, msgs []domain.ChatMessage, _ domain.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = msgs
	return f.text, f.err
}

type sentText struct {
	Token, Recipient, Text string
}

type fakeMessenger struct {
	mu      sync.Mutex
	outcome []domain.DeliveryOutcome
	sent    []sentText
	typing  int
	took    bool
	takes   int
}

func (f *fakeMessenger) SendText(_ context.Context, token, recipientID, text string) (domain.DeliveryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{token, recipientID, text})
	if len(f.outcome) == 0 {
		return domain.DeliveryOutcome{OK: true, StatusCode: 200}, nil
	}
	out := f.outcome[0]
	if len(f.outcome) > 1 {
		f.outcome = f.outcome[1:]
	}
	return out, nil
}

func (f *fakeMessenger) SendTypingOn(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeMessenger) TakeThreadControl(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takes++
	return f.took, nil
}

func (f *fakeMessenger) sends() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

type fakeSink struct {
	mu      sync.Mutex
	records []domain.LogRecord
	// gates holds writes for an account until the channel is closed.
	gates map[string]chan struct{}
}

func (f *fakeSink) AppendLog(_ context.Context, rec domain.LogRecord) error {
	if gate, ok := f.gates[rec.IGUserID]; ok {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) byDirection(d domain.Direction) []domain.LogRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LogRecord
	for _, r := range f.records {
		if r.Direction == d {
			out = append(out, r)
		}
	}
	return out
}

type harness struct {
	registry  *fakeRegistry
	llm       *fakeLLM
	messenger *fakeMessenger
	sink      *fakeSink
	sessions  *session.Store
	arbiter   *handover.Arbiter
	processor *Processor
	service   *WebhookService
}

type harnessOptions struct {
	noLLM     bool
	policy    delivery.Policy
	appSecret string
}

// newHarness wires real state, session, handover, reply, delivery and audit
// components around fake collaborators. Account "acct-1" is enabled with a
// token; "acct-off" has automation disabled.
func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	clock := func() time.Time { return testNow }
	kv := state.NewMemoryStore(clock)

	h := &harness{
		registry: &fakeRegistry{
			accounts: map[string]domain.Account{
				"acct-1":   {ID: 7, IGUserID: "acct-1", BotEnabled: true},
				"acct-off": {ID: 8, IGUserID: "acct-off", BotEnabled: false},
			},
			tokens: map[string]string{"acct-1": "tok-1", "acct-off": "tok-off"},
		},
		llm:       &fakeLLM{text: "Ciao! Come posso aiutarti?"},
		messenger: &fakeMessenger{},
		sink:      &fakeSink{},
	}

	var err error
	h.sessions, err = session.New(kv, session.Options{Now: clock})
	require.NoError(t, err)
	h.arbiter, err = handover.New(kv, handover.Options{Now: clock})
	require.NoError(t, err)

	var llm reply.LLMClient = h.llm
	if o.noLLM {
		llm = nil
	}
	gen := reply.NewGenerator(llm, reply.Options{})
	engine, err := delivery.New(h.messenger, h.arbiter, delivery.Options{Policy: o.policy})
	require.NoError(t, err)
	logger, err := audit.New(h.sink, audit.Options{Now: clock})
	require.NoError(t, err)

	h.processor, err = NewProcessor(ProcessorDeps{
		Registry:  h.registry,
		Sessions:  h.sessions,
		Arbiter:   h.arbiter,
		Generator: gen,
		Delivery:  engine,
		Audit:     logger,
	})
	require.NoError(t, err)
	h.service, err = NewWebhookService(nil, h.arbiter, h.processor, WebhookConfig{
		VerifyToken: "verify-me",
		AppSecret:   o.appSecret,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) event(account, sender, text string) domain.MessageEvent {
	return domain.MessageEvent{
		ThreadAccountID: account,
		SenderID:        sender,
		RecipientID:     account,
		MessageID:       "mid-" + text,
		Text:            text,
		ReceivedAt:      testNow,
	}
}

func (h *harness) process(t *testing.T, evt domain.MessageEvent) EventResult {
	t.Helper()
	res := h.processor.Process(context.Background(), evt)
	require.NoError(t, h.processor.Wait(context.Background()))
	return res
}

func (h *harness) history(t *testing.T, account, sender string) []domain.Turn {
	t.Helper()
	turns, err := h.sessions.History(context.Background(), domain.ThreadKey{AccountID: account, CounterpartID: sender})
	require.NoError(t, err)
	return turns
}
