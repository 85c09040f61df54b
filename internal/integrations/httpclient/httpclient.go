// Package httpclient builds the outbound HTTP client shared by the Graph API
// and LLM integrations.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultConnectTimeout = 6 * time.Second
	DefaultTotalTimeout   = 12 * time.Second
)

// New returns a client whose dial and TLS handshake are bounded by connect
// and whose whole request is bounded by total. Zero values use the defaults.
func New(connect, total time.Duration) *http.Client {
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	if total <= 0 {
		total = DefaultTotalTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connect
	return &http.Client{Timeout: total, Transport: transport}
}
