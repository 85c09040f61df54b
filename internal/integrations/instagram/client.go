// Package instagram is a small client for the Graph API messaging endpoints.
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"dm-responder/internal/domain"
	"dm-responder/internal/integrations/httpclient"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v20.0"

	takeControlMetadata = "mf.ai auto-take"
	maxBodyBytes        = 1 << 20
)

// StatusError captures a non-2xx response from a call whose body is not
// otherwise inspected.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("instagram: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type recipient struct {
	ID string `json:"id"`
}

type textMessage struct {
	Text string `json:"text"`
}

type sendRequest struct {
	MessagingType string       `json:"messaging_type,omitempty"`
	Recipient     recipient    `json:"recipient"`
	Message       *textMessage `json:"message,omitempty"`
	SenderAction  string       `json:"sender_action,omitempty"`
}

type takeControlRequest struct {
	Recipient recipient `json:"recipient"`
	Metadata  string    `json:"metadata"`
}

type graphError struct {
	Error *struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Client calls the messaging API on behalf of one page. Access tokens are
// passed per call.
type Client struct {
	baseURL    string
	version    string
	pageID     string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimRight(strings.TrimSpace(baseURL), "/"); b != "" {
			c.baseURL = b
		}
	}
}

func WithAPIVersion(version string) Option {
	return func(c *Client) {
		if v := strings.Trim(strings.TrimSpace(version), "/"); v != "" {
			c.version = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient creates a Client. pageID is only needed for TakeThreadControl.
func NewClient(pageID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		version:    DefaultAPIVersion,
		pageID:     strings.TrimSpace(pageID),
		httpClient: httpclient.New(0, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + c.version + "/" + path
}

// SendText posts a text reply. A non-2xx response is reported in the outcome,
// not as an error; the error is reserved for transport failures.
func (c *Client) SendText(ctx context.Context, token, recipientID, text string) (domain.DeliveryOutcome, error) {
	status, raw, err := c.post(ctx, token, c.endpoint("me/messages"), sendRequest{
		MessagingType: "RESPONSE",
		Recipient:     recipient{ID: recipientID},
		Message:       &textMessage{Text: text},
	})
	if err != nil {
		return domain.DeliveryOutcome{}, err
	}
	return classify(status, raw), nil
}

// SendTypingOn shows the typing indicator to recipientID.
func (c *Client) SendTypingOn(ctx context.Context, token, recipientID string) error {
	url := c.endpoint("me/messages")
	status, raw, err := c.post(ctx, token, url, sendRequest{
		Recipient:    recipient{ID: recipientID},
		SenderAction: "typing_on",
	})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &StatusError{StatusCode: status, URL: url, Body: truncate(raw, 512)}
	}
	return nil
}

// TakeThreadControl asks the platform to hand the thread with recipientID
// back to this app. It reports true only for a 200 response with
// success == true.
func (c *Client) TakeThreadControl(ctx context.Context, token, recipientID string) (bool, error) {
	if c.pageID == "" {
		return false, errors.New("instagram: page id is not configured")
	}
	status, raw, err := c.post(ctx, token, c.endpoint(c.pageID+"/take_thread_control"), takeControlRequest{
		Recipient: recipient{ID: recipientID},
		Metadata:  takeControlMetadata,
	})
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, nil
	}
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return false, nil
	}
	return body.Success, nil
}

func (c *Client) post(ctx context.Context, token, url string, payload any) (int, []byte, error) {
	if strings.TrimSpace(token) == "" {
		return 0, nil, errors.New("instagram: access token must not be empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("instagram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("instagram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("instagram: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("instagram: read response body: %w", err)
	}
	return res.StatusCode, raw, nil
}

// classify builds the outcome for a send response. Bodies that are not JSON
// are preserved as {"status_code": ..., "text": ...}.
func classify(status int, raw []byte) domain.DeliveryOutcome {
	out := domain.DeliveryOutcome{OK: status >= 200 && status < 300, StatusCode: status}
	if json.Valid(raw) {
		out.Raw = json.RawMessage(raw)
	} else {
		out.Raw, _ = json.Marshal(struct {
			StatusCode int    `json:"status_code"`
			Text       string `json:"text"`
		}{status, string(raw)})
	}
	if out.OK {
		return out
	}
	var ge graphError
	if err := json.Unmarshal(raw, &ge); err == nil && ge.Error != nil {
		out.ErrorCode = ge.Error.Code
		out.ErrorSubcode = ge.Error.ErrorSubcode
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
