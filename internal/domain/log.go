package domain

import (
	"encoding/json"
	"time"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// LogRecord is an append-only audit entry.
type LogRecord struct {
	ID        string
	AccountID *int64
	IGUserID  string
	Direction Direction
	Payload   json.RawMessage
	CreatedAt time.Time
}
