package domain

import "time"

// MessageEvent is a canonical inbound direct message.
type MessageEvent struct {
	ThreadAccountID string
	SenderID        string
	RecipientID     string
	MessageID       string
	Text            string
	ReceivedAt      time.Time
	IsEcho          bool
}

// Key returns the thread the event belongs to. The counterpart is the sender.
func (e MessageEvent) Key() ThreadKey {
	return ThreadKey{AccountID: e.ThreadAccountID, CounterpartID: e.SenderID}
}

// HandoverKind names the platform thread-control event that carried a signal.
type HandoverKind string

const (
	HandoverPass HandoverKind = "pass_thread_control"
	HandoverTake HandoverKind = "take_thread_control"
)

// HandoverSignal is a thread-control change reported by the platform.
type HandoverSignal struct {
	ThreadAccountID    string
	CounterpartID      string
	Kind               HandoverKind
	NewOwnerAppID      string
	PreviousOwnerAppID string
	ReceivedAt         time.Time
}

func (s HandoverSignal) Key() ThreadKey {
	return ThreadKey{AccountID: s.ThreadAccountID, CounterpartID: s.CounterpartID}
}
