package domain

import "time"

// ThreadKey identifies the conversation between one business account and one
// counterpart user.
type ThreadKey struct {
	AccountID     string
	CounterpartID string
}

func (k ThreadKey) String() string {
	return k.AccountID + ":" + k.CounterpartID
}

// Turn is a single entry of a conversation session.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is the bounded per-thread history kept for reply context.
type Session struct {
	Turns     []Turn    `json:"turns"`
	TouchedAt time.Time `json:"touched_at"`
}
