// Package normalize turns inbound webhook bodies into canonical message events
// and thread-control signals.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dm-responder/internal/domain"
)

// Shape is the closed set of payload layouts the normalizer understands.
type Shape string

const (
	ShapeUnknown     Shape = "unknown"
	ShapeTestConsole Shape = "test_console"
	ShapeChanges     Shape = "changes"
	ShapeMessaging   Shape = "messaging"
)

// Reason explains why a raw event did not become a MessageEvent.
type Reason string

const (
	ReasonNoMessage Reason = "no_message"
	ReasonReceipt   Reason = "receipt"
	ReasonStandby   Reason = "standby"
	ReasonEcho      Reason = "echo"
	ReasonNoText    Reason = "no_text"
	ReasonMalformed Reason = "malformed"
)

const (
	ErrInvalidJSON       = "invalid_json"
	ErrUnknownShape      = "unknown_shape"
	ErrUnsupportedObject = "unsupported_object"
)

// ParseError reports a body that could not be classified at all.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "normalize: " + e.Reason
	}
	return fmt.Sprintf("normalize: %s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Item is one normalized event. Exactly one field is set.
type Item struct {
	Message  *domain.MessageEvent
	Handover *domain.HandoverSignal
}

// Batch is the normalized content of one webhook delivery. Items holds
// messages and handover signals in delivery order; Messages and Handovers
// are the same events split by kind.
type Batch struct {
	Shape     Shape
	Object    string
	Items     []Item
	Messages  []domain.MessageEvent
	Handovers []domain.HandoverSignal
	Dropped   map[Reason]int
}

func (b *Batch) addMessage(evt domain.MessageEvent) {
	b.Messages = append(b.Messages, evt)
	b.Items = append(b.Items, Item{Message: &evt})
}

func (b *Batch) addHandover(sig domain.HandoverSignal) {
	b.Handovers = append(b.Handovers, sig)
	b.Items = append(b.Items, Item{Handover: &sig})
}

func (b *Batch) drop(r Reason) {
	if b.Dropped == nil {
		b.Dropped = make(map[Reason]int)
	}
	b.Dropped[r]++
}

// Normalizer parses webhook bodies. The zero value uses time.Now for events
// without a timestamp.
type Normalizer struct {
	Now func() time.Time
}

func (n *Normalizer) now() time.Time {
	if n == nil || n.Now == nil {
		return time.Now().UTC()
	}
	return n.Now()
}

var supportedObjects = map[string]bool{
	"":          true,
	"instagram": true,
	"page":      true,
}

// Classify reports which known layout body has.
func Classify(body []byte) Shape {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ShapeUnknown
	}
	return classify(env)
}

func classify(env envelope) Shape {
	for _, raw := range env.Entry {
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if shape := classifyEntry(e); shape != ShapeUnknown {
			return shape
		}
	}
	if len(env.Entry) == 0 && env.Field != "" && len(env.Value) > 0 {
		return ShapeTestConsole
	}
	return ShapeUnknown
}

func classifyEntry(e entry) Shape {
	switch {
	case e.Changes != nil:
		return ShapeChanges
	case e.Messaging != nil, e.Standby != nil:
		return ShapeMessaging
	default:
		return ShapeUnknown
	}
}

// Parse classifies body and extracts every conversational text message and
// handover signal from it. Malformed entries are counted in Batch.Dropped; a
// *ParseError is returned only when the body as a whole is unusable. Only a
// body that is not JSON at all yields ErrInvalidJSON; well-formed JSON of an
// unexpected structure yields ErrUnknownShape.
func (n *Normalizer) Parse(body []byte) (Batch, error) {
	if !json.Valid(body) {
		return Batch{Shape: ShapeUnknown}, &ParseError{Reason: ErrInvalidJSON}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Batch{Shape: ShapeUnknown}, &ParseError{Reason: ErrUnknownShape, Err: err}
	}

	batch := Batch{Shape: classify(env), Object: env.Object}
	if !supportedObjects[env.Object] {
		return batch, &ParseError{Reason: ErrUnsupportedObject, Err: fmt.Errorf("object %q", env.Object)}
	}

	switch batch.Shape {
	case ShapeTestConsole:
		if env.Field != "messages" {
			batch.drop(ReasonMalformed)
			return batch, nil
		}
		n.collect(&batch, "", env.Value, false)
	case ShapeChanges, ShapeMessaging:
		for _, raw := range env.Entry {
			n.collectEntry(&batch, raw)
		}
	default:
		return batch, &ParseError{Reason: ErrUnknownShape}
	}
	return batch, nil
}

func (n *Normalizer) collectEntry(b *Batch, raw json.RawMessage) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		b.drop(ReasonMalformed)
		return
	}
	accountID := string(e.ID)

	switch classifyEntry(e) {
	case ShapeChanges:
		for _, c := range e.Changes {
			if c.Field != "" && c.Field != "messages" {
				b.drop(ReasonMalformed)
				continue
			}
			var v changeValue
			if err := json.Unmarshal(c.Value, &v); err != nil {
				b.drop(ReasonMalformed)
				continue
			}
			if v.Messages == nil {
				n.collect(b, accountID, c.Value, false)
				continue
			}
			for _, m := range v.Messages {
				n.collect(b, accountID, m, false)
			}
		}
	case ShapeMessaging:
		for _, m := range e.Messaging {
			n.collect(b, accountID, m, false)
		}
		for _, m := range e.Standby {
			n.collect(b, accountID, m, true)
		}
	default:
		b.drop(ReasonMalformed)
	}
}

func (n *Normalizer) collect(b *Batch, accountID string, raw json.RawMessage, standby bool) {
	var ev messagingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		b.drop(ReasonMalformed)
		return
	}

	senderID := string(ev.From)
	if ev.Sender != nil {
		senderID = string(ev.Sender.ID)
	}
	recipientID := ""
	if ev.Recipient != nil {
		recipientID = string(ev.Recipient.ID)
	}
	if accountID == "" {
		accountID = recipientID
	}
	if recipientID == "" {
		recipientID = accountID
	}
	receivedAt := ev.Timestamp.Time()
	if receivedAt.IsZero() {
		receivedAt = n.now()
	}

	if ctl, kind := ev.threadControl(); ctl != nil {
		if standby {
			b.drop(ReasonStandby)
			return
		}
		sig, ok := handoverSignal(ctl, kind, accountID, senderID, recipientID, receivedAt)
		if !ok {
			b.drop(ReasonMalformed)
			return
		}
		b.addHandover(sig)
		return
	}

	text, hasMessage := ev.body()
	if !hasMessage {
		if ev.isReceipt() {
			b.drop(ReasonReceipt)
		} else {
			b.drop(ReasonNoMessage)
		}
		return
	}

	evt := domain.MessageEvent{
		ThreadAccountID: accountID,
		SenderID:        senderID,
		RecipientID:     recipientID,
		MessageID:       ev.messageID(),
		Text:            text,
		ReceivedAt:      receivedAt,
		IsEcho:          ev.Message != nil && ev.Message.IsEcho,
	}
	if reason, ok := accept(evt, ev, standby); !ok {
		b.drop(reason)
		return
	}
	b.addMessage(evt)
}

// accept applies the filtering rules that follow the message-payload check.
func accept(evt domain.MessageEvent, ev messagingEvent, standby bool) (Reason, bool) {
	switch {
	case ev.isReceipt():
		return ReasonReceipt, false
	case standby:
		return ReasonStandby, false
	case evt.IsEcho || (evt.SenderID != "" && evt.SenderID == evt.ThreadAccountID):
		return ReasonEcho, false
	case strings.TrimSpace(evt.Text) == "":
		return ReasonNoText, false
	case evt.ThreadAccountID == "" || evt.SenderID == "":
		return ReasonMalformed, false
	}
	return "", true
}

func (e messagingEvent) threadControl() (*threadControl, domain.HandoverKind) {
	if e.PassThreadControl != nil {
		return e.PassThreadControl, domain.HandoverPass
	}
	if e.TakeThreadControl != nil {
		return e.TakeThreadControl, domain.HandoverTake
	}
	return nil, ""
}

// body returns the message text and whether the event carries a message
// payload at all.
func (e messagingEvent) body() (string, bool) {
	if e.Message != nil {
		if e.Message.Text == nil {
			return "", true
		}
		return *e.Message.Text, true
	}
	if e.Text != nil {
		return e.Text.Body, true
	}
	return "", false
}

func (e messagingEvent) messageID() string {
	if e.Message != nil && e.Message.MID != "" {
		return e.Message.MID
	}
	return string(e.ID)
}

func handoverSignal(ctl *threadControl, kind domain.HandoverKind, accountID, senderID, recipientID string, at time.Time) (domain.HandoverSignal, bool) {
	counterpart := senderID
	if counterpart == "" || counterpart == accountID {
		counterpart = recipientID
	}
	if accountID == "" || counterpart == "" || counterpart == accountID {
		return domain.HandoverSignal{}, false
	}
	newOwner := string(ctl.NewOwnerAppID)
	if newOwner == "" {
		newOwner = string(ctl.RecipientAppID)
	}
	return domain.HandoverSignal{
		ThreadAccountID:    accountID,
		CounterpartID:      counterpart,
		Kind:               kind,
		NewOwnerAppID:      newOwner,
		PreviousOwnerAppID: string(ctl.PreviousOwnerAppID),
		ReceivedAt:         at,
	}, true
}
