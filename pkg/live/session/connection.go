package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

// connection is one connect attempt. Fields below conn are guarded by
// Session.mu; a goroutine whose connection is no longer Session.active
// must not touch session state.
type connection struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	queue  *outbox
	timer  *time.Timer

	conn     transport.Conn
	closing  bool
	resolved bool
	readyErr error

	ready chan struct{}
	done  chan struct{}
}

// resolve wakes Connect. It must be called with Session.mu held.
func (c *connection) resolve(err error) {
	if c.resolved {
		return
	}
	c.resolved = true
	c.readyErr = err
	close(c.ready)
}

// termination describes how a connection ends.
type termination struct {
	reason string
	err    error
	// duringSetup marks a protocol violation seen before setupComplete.
	duringSetup bool
	// unlessOpen leaves an Open connection alone.
	unlessOpen bool
}

// fatal reports whether t emits an ErrorEvent before the CloseEvent.
func (t termination) fatal() bool {
	if t.duringSetup {
		return true
	}
	var ce *core.Error
	return errors.As(t.err, &ce) && ce.IsFatal()
}

func (s *Session) run(c *connection) {
	dialCtx, cancel := context.WithTimeout(c.ctx, s.cfg.HandshakeTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.endpoint, s.header.Clone())
	cancel()
	if err != nil {
		s.teardown(c, termination{
			reason: "dial failed",
			err:    core.NewTransportFailure("dial_failed", "could not open live connection", err),
		})
		return
	}
	if !s.attach(c, conn) {
		_ = conn.Close()
		return
	}

	writer := &outboundWriter{
		ws:     conn,
		ctx:    c.ctx,
		cfg:    s.cfg,
		queue:  c.queue,
		pacer:  newMediaPacer(s.cfg),
		logger: c.logger,
	}
	go func() {
		if err := writer.Run(); err != nil {
			s.teardown(c, termination{
				reason: "write failed",
				err:    core.NewTransportFailure("write_failed", "live connection write failed", err),
			})
		}
	}()

	s.readLoop(c, conn)
}

func (s *Session) attach(c *connection, conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != c || c.closing {
		return false
	}
	c.conn = conn
	s.state = StateConfiguring
	c.logger.Info("live transport open, sending setup")
	return true
}

func (s *Session) readLoop(c *connection, conn transport.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code := "read_failed"
			if transport.IsRemoteClose(err) {
				code = "remote_closed"
			}
			s.teardown(c, termination{
				reason: transport.CloseReason(err),
				err:    core.NewTransportFailure(code, "live connection lost", err),
			})
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			s.handleFrame(c, data)
		}
	}
}

func (s *Session) handleFrame(c *connection, data []byte) {
	env, decErr := protocol.DecodeServerMessage(data)

	s.mu.Lock()
	if s.active != c || c.closing {
		s.mu.Unlock()
		return
	}
	switch {
	case decErr != nil:
		c.logger.Warn("dropping undecodable live frame", "error", decErr, "bytes", len(data))
		s.events.enqueue(ErrorEvent{Err: core.NewDecodeError(decErr)})
	case s.state == StateConfiguring:
		if env.SetupComplete == nil {
			s.mu.Unlock()
			s.teardown(c, termination{
				reason:      "protocol violation during setup",
				err:         core.NewProtocolViolation("unexpected_message", fmt.Sprintf("received %s before setupComplete", env.Kind())),
				duringSetup: true,
			})
			return
		}
		s.open(c)
	default:
		c.logger.Debug("live frame received", "kind", env.Kind(), "bytes", len(data))
		s.events.enqueue(s.dispatcher.dispatch(env)...)
	}
	s.mu.Unlock()
	s.events.drain()
}

// open must be called with s.mu held.
func (s *Session) open(c *connection) {
	s.state = StateOpen
	if c.timer != nil {
		c.timer.Stop()
	}
	held := c.queue.release()
	c.resolve(nil)
	c.logger.Info("live session open", "flushed_frames", held)
	s.events.enqueue(OpenEvent{SessionID: c.id})
}

func (s *Session) handshakeExpired(c *connection) {
	s.teardown(c, termination{
		reason: "handshake timed out",
		err: core.NewTransportFailure(
			"handshake_timeout",
			fmt.Sprintf("setupComplete not received within %s", s.cfg.HandshakeTimeout),
			nil,
		),
		unlessOpen: true,
	})
}

// teardown ends c. Exactly one caller per connection does the work and
// emits the close event; the rest return false.
func (s *Session) teardown(c *connection, t termination) bool {
	s.mu.Lock()
	if s.active != c || c.closing || (t.unlessOpen && s.state == StateOpen) {
		s.mu.Unlock()
		return false
	}
	c.closing = true
	from := s.state
	s.state = StateClosing
	c.cancel()
	if c.timer != nil {
		c.timer.Stop()
	}
	droppedFrames := c.queue.discard()
	droppedCalls := s.calls.Reset()
	readyErr := t.err
	if readyErr == nil {
		readyErr = core.NewCancelledError("disconnected before setup completed", nil)
	}
	c.resolve(readyErr)
	conn := c.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	s.mu.Lock()
	s.active = nil
	s.state = StateDisconnected
	if t.fatal() {
		s.events.enqueue(ErrorEvent{Err: t.err})
	}
	s.events.enqueue(CloseEvent{Reason: t.reason, Err: t.err})
	s.mu.Unlock()

	attrs := []any{
		"reason", t.reason,
		"from_state", from.String(),
		"discarded_frames", droppedFrames,
		"discarded_tool_calls", droppedCalls,
	}
	if t.fatal() {
		c.logger.Error("live session closed", append(attrs, "error", t.err)...)
	} else {
		c.logger.Info("live session closed", attrs...)
	}

	s.events.drain()
	close(c.done)
	return true
}
