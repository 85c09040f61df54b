package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"dm-responder/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1/"

// ErrMissingAPIKey is returned when neither a static key nor a parameter
// store source is configured.
var ErrMissingAPIKey = errors.New("openai: API key is not configured")

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a chat-completions client. The API key is either given directly
// or fetched from SSM on first use and reused for the process lifetime.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	staticKey   string
	getter      Getter
	paramPrefix string

	sdkOnce sync.Once
	sdk     sdk.Client

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

// WithParamStore resolves the key from "<prefix>/open-ai-token".
func WithParamStore(getter Getter, prefix string) Option {
	return func(c *Client) {
		c.getter = getter
		c.paramPrefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = normalizeBaseURL(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 12 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter != nil && c.paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return c, nil
}

// normalizeBaseURL returns base with a trailing "/v1/" path so the SDK can
// resolve "chat/completions" against it.
func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/"
	}
	return base + "/v1/"
}

func (c *Client) client() *sdk.Client {
	c.sdkOnce.Do(func() {
		httpClient := c.httpClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 12 * time.Second}
		}
		c.sdk = sdk.NewClient(
			option.WithBaseURL(c.baseURL),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(0),
		)
	})
	return &c.sdk
}

// resolveAPIKey returns the static key, or fetches it from SSM on the first
// call and returns the cached result on every subsequent call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.staticKey != "" {
		return c.staticKey, nil
	}
	if c.getter == nil {
		return "", ErrMissingAPIKey
	}
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// Chat runs one chat completion and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage, params domain.GenerationParams) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	req := sdk.ChatCompletionNewParams{
		Model:    model,
		Messages: toSDKMessages(messages),
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = sdk.Int(int64(params.MaxTokens))
	}
	if params.Temperature >= 0 {
		req.Temperature = sdk.Float(params.Temperature)
	}

	start := time.Now()
	resp, err := c.client().Chat.Completions.New(ctx, req, option.WithAPIKey(apiKey))
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", mapError(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}

	slog.DebugContext(ctx, "openai chat completed",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return resp.Choices[0].Message.Content, nil
}

func toSDKMessages(messages []domain.ChatMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

// mapError converts SDK API errors into *HTTPStatusError.
func mapError(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	url := ""
	if apiErr.Request != nil && apiErr.Request.URL != nil {
		url = apiErr.Request.URL.String()
	}
	body := apiErr.Message
	if body == "" {
		body = http.StatusText(apiErr.StatusCode)
	}
	return &HTTPStatusError{StatusCode: apiErr.StatusCode, URL: url, Body: body}
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
