package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// envelope is the top level of every accepted webhook body.
type envelope struct {
	Object string            `json:"object"`
	Field  string            `json:"field"`
	Value  json.RawMessage   `json:"value"`
	Entry  []json.RawMessage `json:"entry"`
}

type entry struct {
	ID        flexString        `json:"id"`
	Time      flexTime          `json:"time"`
	Changes   []change          `json:"changes"`
	Messaging []json.RawMessage `json:"messaging"`
	Standby   []json.RawMessage `json:"standby"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// changeValue is the value of a "messages" change. It either carries a
// messages[] batch or is itself a single messaging-style event.
type changeValue struct {
	Messages []json.RawMessage `json:"messages"`
}

type participant struct {
	ID flexString `json:"id"`
}

type messagingEvent struct {
	Sender    *participant `json:"sender"`
	Recipient *participant `json:"recipient"`
	Timestamp flexTime     `json:"timestamp"`
	Message   *message     `json:"message"`

	// Batched messages[] items may use from/text.body instead of
	// sender/message.
	From flexParticipant `json:"from"`
	ID   flexString      `json:"id"`
	Text *textBody       `json:"text"`

	Read     json.RawMessage `json:"read"`
	Delivery json.RawMessage `json:"delivery"`
	Reaction json.RawMessage `json:"reaction"`

	PassThreadControl *threadControl `json:"pass_thread_control"`
	TakeThreadControl *threadControl `json:"take_thread_control"`
}

func (e messagingEvent) isReceipt() bool {
	return len(e.Read) > 0 || len(e.Delivery) > 0 || len(e.Reaction) > 0
}

type message struct {
	MID    string  `json:"mid"`
	Text   *string `json:"text"`
	IsEcho bool    `json:"is_echo"`
}

// textBody accepts {"body":"..."} or a bare string.
type textBody struct {
	Body string `json:"body"`
}

func (t *textBody) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.Body)
	}
	var aux struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t.Body = aux.Body
	return nil
}

type threadControl struct {
	NewOwnerAppID      flexString `json:"new_owner_app_id"`
	RecipientAppID     flexString `json:"recipient_app_id"`
	PreviousOwnerAppID flexString `json:"previous_owner_app_id"`
	Metadata           string     `json:"metadata"`
}

// flexString accepts a JSON string or number. Platform ids show up as both.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// flexParticipant accepts either "123" or {"id":"123"}.
type flexParticipant string

func (f *flexParticipant) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var p participant
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*f = flexParticipant(p.ID)
		return nil
	}
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	*f = flexParticipant(s)
	return nil
}

// flexTime is an epoch timestamp in milliseconds or seconds, encoded as a
// JSON number or string.
type flexTime int64

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", string(s), err)
	}
	*f = flexTime(n)
	return nil
}

// millisThreshold separates second- from millisecond-precision epochs.
const millisThreshold = 100_000_000_000

func (f flexTime) Time() time.Time {
	n := int64(f)
	switch {
	case n <= 0:
		return time.Time{}
	case n >= millisThreshold:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}
