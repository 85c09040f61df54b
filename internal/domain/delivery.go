package domain

import "encoding/json"

const (
	// OwnershipConflictCode and OwnershipConflictSubcode are returned by the
	// messaging API when another app holds thread control.
	OwnershipConflictCode    = 100
	OwnershipConflictSubcode = 2534037
)

// DeliveryOutcome is the classified result of one outbound send call.
type DeliveryOutcome struct {
	OK           bool            `json:"ok"`
	StatusCode   int             `json:"status_code"`
	Raw          json.RawMessage `json:"raw_response,omitempty"`
	ErrorCode    int             `json:"error_code,omitempty"`
	ErrorSubcode int             `json:"error_subcode,omitempty"`
}

// IsOwnershipConflict reports whether the send failed because this app does
// not currently hold send rights on the thread.
func (o DeliveryOutcome) IsOwnershipConflict() bool {
	return !o.OK && o.ErrorCode == OwnershipConflictCode && o.ErrorSubcode == OwnershipConflictSubcode
}
