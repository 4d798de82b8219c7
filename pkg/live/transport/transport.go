// Package transport opens the full-duplex WebSocket connection used by a
// live session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the Gemini Live BidiGenerateContent endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

const (
	defaultCloseGrace = 2 * time.Second
	defaultReadLimit  = 16 << 20
)

// Conn is the part of a WebSocket connection a session uses. One goroutine
// may read while another writes; Close and WriteControl may be called
// concurrently with both.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// Error represents a transport-level failure (DNS, TLS, HTTP upgrade,
// connection reset) while talking to the service.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, RedactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	// ReadLimit caps inbound message size. Zero uses 16 MiB.
	ReadLimit int64
	// CloseGrace bounds the close handshake write on Close.
	CloseGrace time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Op: "GET", URL: endpoint, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &Error{Op: "GET", URL: endpoint, Err: err}
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	grace := d.CloseGrace
	if grace <= 0 {
		grace = defaultCloseGrace
	}
	return &wsConn{Conn: conn, closeGrace: grace}, nil
}

type wsConn struct {
	*websocket.Conn
	closeGrace time.Duration
}

// Close sends a normal-closure frame and closes the socket.
func (c *wsConn) Close() error {
	_ = c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.closeGrace))
	return c.Conn.Close()
}

// Endpoint returns base with the API key set as the key query parameter.
// http(s) schemes are mapped to ws(s).
func Endpoint(base, apiKey string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultEndpoint
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid live endpoint: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("live endpoint must use ws(s) or http(s), got %q", u.Scheme)
	}
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// RedactURL strips user info and the key query parameter from raw.
func RedactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	q := parsed.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

// CloseReason describes why a connection ended, including the peer's close
// code and text when the peer sent a close frame.
func CloseReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return fmt.Sprintf("remote closed (code %d): %s", ce.Code, ce.Text)
		}
		return fmt.Sprintf("remote closed (code %d)", ce.Code)
	}
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// IsRemoteClose reports whether err carries a close frame from the peer.
func IsRemoteClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
