// Package reply produces the text of automated replies.
package reply

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"dm-responder/internal/domain"
)

const (
	DefaultModel         = "gpt-4o-mini"
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 220
	DefaultHistoryWindow = 10
)

// Source tells whether a reply came from the backend or the fallback.
type Source string

const (
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

// LLMClient is a chat-completion backend.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, params domain.GenerationParams) (string, error)
}

type Options struct {
	Model               string
	// Temperature nil uses DefaultTemperature. Zero is honoured.
	Temperature         *float64
	MaxTokens           int
	HistoryWindow       int
	DefaultSystemPrompt string
}

// Generator builds prompts and obtains replies. A nil backend always uses the
// fallback.
type Generator struct {
	llm           LLMClient
	model         string
	params        domain.GenerationParams
	historyWindow int
	defaultPrompt string
}

func NewGenerator(llm LLMClient, opts Options) *Generator {
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	temperature := DefaultTemperature
	if opts.Temperature != nil && *opts.Temperature >= 0 {
		temperature = *opts.Temperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if strings.TrimSpace(opts.DefaultSystemPrompt) == "" {
		opts.DefaultSystemPrompt = DefaultSystemPrompt
	}
	return &Generator{
		llm:           llm,
		model:         opts.Model,
		params:        domain.GenerationParams{Temperature: temperature, MaxTokens: opts.MaxTokens},
		historyWindow: opts.HistoryWindow,
		defaultPrompt: opts.DefaultSystemPrompt,
	}
}

type Request struct {
	History        []domain.Turn
	SystemOverride string
}

// Reply is the generated text. Err records why the fallback was used.
type Reply struct {
	Text   string
	Source Source
	Err    error
}

var errEmptyCompletion = errors.New("reply: empty completion")

// Generate never fails: backend errors and empty completions degrade to
// Fallback of the latest inbound user turn.
func (g *Generator) Generate(ctx context.Context, req Request) Reply {
	inbound := lastUserText(req.History)
	if g.llm == nil {
		return Reply{Text: Fallback(inbound), Source: SourceFallback, Err: errors.New("reply: no backend configured")}
	}

	messages := g.BuildMessages(req.SystemOverride, req.History)
	text, err := g.llm.Chat(ctx, g.model, messages, g.params)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptyCompletion
	}
	if err != nil {
		slog.WarnContext(ctx, "reply backend failed, using fallback", "err", err, "model", g.model)
		return Reply{Text: Fallback(inbound), Source: SourceFallback, Err: err}
	}
	return Reply{Text: strings.TrimSpace(text), Source: SourceLLM}
}
