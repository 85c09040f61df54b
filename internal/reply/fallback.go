package reply

import (
	"strings"
	"unicode/utf8"
)

const (
	pongReply      = "pong ✅"
	maxEchoRunes   = 240
	truncationMark = "…"
)

var testKeywords = map[string]struct{}{
	"ping":    {},
	"ping777": {},
	"test":    {},
}

// Fallback returns the deterministic reply used when the backend cannot
// produce one. It is never empty.
func Fallback(inbound string) string {
	t := strings.TrimSpace(inbound)
	if _, ok := testKeywords[strings.ToLower(t)]; ok {
		return pongReply
	}
	if utf8.RuneCountInString(t) > maxEchoRunes {
		t = string([]rune(t)[:maxEchoRunes]) + truncationMark
	}
	return "MF.AI: ho ricevuto “" + t + "”"
}
