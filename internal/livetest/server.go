// Package livetest runs an in-process stand-in for the Gemini Live
// WebSocket endpoint so tests can script the server side of a session.
package livetest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

const defaultWait = 5 * time.Second

type Server struct {
	*httptest.Server
	// URL is the ws:// address of the endpoint.
	URL string

	upgrader websocket.Upgrader
	conns    chan *Conn

	mu   sync.Mutex
	open []*Conn
}

// NewServer starts a server that is closed when t finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(chan *Conn, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	t.Cleanup(s.Close)
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{ws: ws, Query: r.URL.Query()}
	s.mu.Lock()
	s.open = append(s.open, c)
	s.mu.Unlock()
	s.conns <- c
}

// Accept waits for the next client connection.
func (s *Server) Accept(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(defaultWait):
		t.Fatalf("no live connection within %s", defaultWait)
		return nil
	}
}

// Close closes every accepted connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	open := s.open
	s.open = nil
	s.mu.Unlock()
	for _, c := range open {
		_ = c.ws.Close()
	}
	s.Server.Close()
}

// Conn is the server side of one client connection.
type Conn struct {
	ws *websocket.Conn
	// Query holds the query parameters of the upgrade request.
	Query url.Values

	writeMu sync.Mutex
}

// Read decodes the next client message.
func (c *Conn) Read(t testing.TB) protocol.Envelope {
	t.Helper()
	env, err := c.TryRead(defaultWait)
	if err != nil {
		t.Fatalf("read client message: %v", err)
	}
	return env
}

// TryRead decodes the next client message, returning read or decode errors.
func (c *Conn) TryRead(wait time.Duration) (protocol.Envelope, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeClientMessage(data)
}

// ExpectSetup reads the setup message.
func (c *Conn) ExpectSetup(t testing.TB) *protocol.Setup {
	t.Helper()
	env := c.Read(t)
	if env.Setup == nil {
		t.Fatalf("first client message = %s, want setup", env.Kind())
	}
	return env.Setup
}

// CompleteSetup reads the setup message and answers setupComplete.
func (c *Conn) CompleteSetup(t testing.TB) *protocol.Setup {
	t.Helper()
	setup := c.ExpectSetup(t)
	c.Send(t, protocol.Envelope{SetupComplete: &protocol.SetupComplete{}})
	return setup
}

// Send writes env as a binary frame, as the service does.
func (c *Conn) Send(t testing.TB, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode %s: %v", env.Kind(), err)
	}
	c.SendRaw(t, websocket.BinaryMessage, data)
}

// SendRaw writes data unchanged.
func (c *Conn) SendRaw(t testing.TB, messageType int, data []byte) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWait))
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		t.Fatalf("write server frame: %v", err)
	}
}

// CloseWith sends a close frame and closes the socket.
func (c *Conn) CloseWith(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// ExpectClosed waits until the client closes the connection.
func (c *Conn) ExpectClosed(t testing.TB) {
	t.Helper()
	deadline := time.Now().Add(defaultWait)
	for time.Now().Before(deadline) {
		_ = c.ws.SetReadDeadline(deadline)
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatalf("client did not close the connection")
}
