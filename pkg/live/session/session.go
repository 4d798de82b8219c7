// Package session is a client for one Gemini Live streaming session. It
// owns the connection lifecycle, orders outbound traffic, turns inbound
// envelopes into events and correlates tool calls with their responses.
//
// All state is guarded by one mutex. Events are delivered synchronously to
// subscribers in emission order, outside that mutex, so handlers may call
// any Session method.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/toolcalls"
	"github.com/vango-go/vai-live/pkg/live/transport"
	"google.golang.org/genai"
)

type Session struct {
	endpoint string
	header   http.Header
	dialer   transport.Dialer
	cfg      Config
	logger   *slog.Logger
	newID    func() string
	events   *eventBus

	mu         sync.Mutex
	state      State
	config     LiveConfig
	active     *connection
	calls      *toolcalls.Correlator
	dispatcher inboundDispatcher
}

// New builds a disconnected Session.
func New(deps Dependencies) (*Session, error) {
	endpoint, err := transport.Endpoint(deps.Endpoint, deps.APIKey)
	if err != nil {
		return nil, core.NewInvalidRequestErrorWithParam(err.Error(), "endpoint")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = transport.WebSocketDialer{}
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	calls := toolcalls.New(now)
	return &Session{
		endpoint:   endpoint,
		header:     deps.Header.Clone(),
		dialer:     dialer,
		cfg:        deps.Config.withDefaults(),
		logger:     logger,
		newID:      newID,
		events:     newEventBus(),
		calls:      calls,
		dispatcher: inboundDispatcher{calls: calls, logger: logger},
	}, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetConfig replaces the configuration used by the next Connect. It fails
// with core.ErrConfigLocked unless the session is disconnected.
func (s *Session) SetConfig(cfg LiveConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return core.ErrConfigLocked
	}
	normalized, err := cfg.normalize()
	if err != nil {
		return err
	}
	s.config = normalized
	return nil
}

// Config returns the stored configuration.
func (s *Session) Config() LiveConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Connect opens the connection, sends setup and waits until the service
// confirms it. Frames sent while Connect waits are delivered after setup.
// Cancelling ctx or calling Disconnect abandons the attempt; ctx has no
// effect once Connect has returned.
func (s *Session) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return core.ErrAlreadyConnected
	}
	cfg := s.config
	if cfg.Model == "" {
		s.mu.Unlock()
		return core.NewInvalidRequestErrorWithParam("model is required; call SetConfig before Connect", "model")
	}
	setup, err := protocol.Encode(cfg.setupEnvelope())
	if err != nil {
		s.mu.Unlock()
		return core.NewInvalidRequestError(fmt.Sprintf("encode setup: %v", err))
	}

	id := s.newID()
	connCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:     id,
		ctx:    connCtx,
		cancel: cancel,
		logger: s.logger.With("session_id", id, "model", cfg.Model),
		queue:  newOutbox(s.cfg.MaxQueuedFrames),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	_ = c.queue.pushControl(outboundFrame{kind: protocol.KindSetup, payload: setup})
	s.calls.Reset()
	s.active = c
	s.state = StateConnecting
	c.timer = time.AfterFunc(s.cfg.HandshakeTimeout, func() { s.handshakeExpired(c) })
	s.mu.Unlock()

	c.logger.Info("live connecting", "endpoint", transport.RedactURL(s.endpoint))
	go s.run(c)

	select {
	case <-c.ready:
	case <-ctx.Done():
		s.teardown(c, termination{
			reason:     "connect canceled",
			err:        core.NewCancelledError("connect canceled", ctx.Err()),
			unlessOpen: true,
		})
		<-c.ready
	}
	return c.readyErr
}

// Disconnect closes the connection and drops pending tool calls and queued
// frames. The session is Disconnected when it returns. The close event has
// been delivered by then unless another goroutine is delivering events (a
// handler is running); that goroutine delivers it once its handler returns.
// It is a no-op when already disconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	s.teardown(c, termination{reason: "client disconnect"})
	<-c.done
	return nil
}

// Send submits one user turn.
func (s *Session) Send(parts []*genai.Part, turnComplete bool) error {
	if len(parts) == 0 && !turnComplete {
		return core.NewInvalidRequestErrorWithParam("parts are required unless completing the turn", "parts")
	}
	var turns []*genai.Content
	if len(parts) > 0 {
		turns = []*genai.Content{{Role: "user", Parts: parts}}
	}
	return s.SendTurns(turns, turnComplete)
}

// SendTurns submits explicit conversation turns in one clientContent message.
func (s *Session) SendTurns(turns []*genai.Content, turnComplete bool) error {
	payload, err := protocol.Encode(protocol.Envelope{ClientContent: &protocol.ClientContent{
		Turns:        turns,
		TurnComplete: turnComplete,
	}})
	if err != nil {
		return core.NewInvalidRequestError(fmt.Sprintf("encode client content: %v", err))
	}
	return s.enqueue(outboundFrame{kind: protocol.KindClientContent, payload: payload})
}

// SendRealtimeInput submits media chunks as one realtimeInput message. The
// chunk data is encoded before returning, so callers may reuse buffers.
func (s *Session) SendRealtimeInput(chunks ...*genai.Blob) error {
	if len(chunks) == 0 {
		return core.NewInvalidRequestErrorWithParam("at least one media chunk is required", "mediaChunks")
	}
	for i, ch := range chunks {
		if ch == nil || ch.MIMEType == "" {
			return core.NewInvalidRequestErrorWithParam("media chunk needs a mime type", fmt.Sprintf("mediaChunks[%d].mimeType", i))
		}
	}
	payload, err := protocol.Encode(protocol.Envelope{RealtimeInput: &protocol.RealtimeInput{MediaChunks: chunks}})
	if err != nil {
		return core.NewInvalidRequestError(fmt.Sprintf("encode realtime input: %v", err))
	}
	return s.enqueue(outboundFrame{kind: protocol.KindRealtimeInput, payload: payload, media: true})
}

// SendToolResponse answers pending tool calls. Accepted responses go out in
// one toolResponse message. Responses that match no pending call are
// skipped and reported in the returned error, which matches
// core.ErrStaleResponse; unknown and already-answered ids also emit an
// error event, while ids the service cancelled are only logged.
func (s *Session) SendToolResponse(responses ...toolcalls.Response) error {
	if len(responses) == 0 {
		return core.NewInvalidRequestErrorWithParam("at least one tool response is required", "functionResponses")
	}
	if _, err := encodeToolResponses(responses); err != nil {
		return core.NewInvalidRequestError(fmt.Sprintf("encode tool response: %v", err))
	}

	s.mu.Lock()
	c := s.active
	if c == nil || c.closing || !s.state.acceptsSends() {
		s.mu.Unlock()
		return core.ErrNotConnected
	}
	if c.queue.full() {
		s.mu.Unlock()
		return core.ErrBackpressure
	}

	accepted, rejected := s.calls.Accept(responses)
	if len(accepted) > 0 {
		payload, err := encodeToolResponses(accepted)
		if err == nil {
			err = c.queue.push(outboundFrame{kind: protocol.KindToolResponse, payload: payload})
		}
		if err != nil {
			c.logger.Error("tool response could not be queued", "error", err)
		}
	}

	var staleIDs, reportIDs []string
	var reportReason toolcalls.RejectReason
	for _, r := range rejected {
		staleIDs = append(staleIDs, r.ID)
		if r.Reason == toolcalls.RejectCancelled {
			c.logger.Warn("dropping tool response for cancelled call", "id", r.ID)
			continue
		}
		c.logger.Warn("rejecting stale tool response", "id", r.ID, "reason", r.Reason.String())
		if len(reportIDs) == 0 {
			reportReason = r.Reason
		}
		reportIDs = append(reportIDs, r.ID)
	}
	if len(reportIDs) > 0 {
		s.events.enqueue(ErrorEvent{Err: core.NewStaleToolResponseError(reportReason.String(), reportIDs)})
	}
	s.mu.Unlock()
	s.events.drain()

	if len(staleIDs) > 0 {
		return core.NewStaleToolResponseError(rejected[0].Reason.String(), staleIDs)
	}
	return nil
}

// PendingToolCalls returns the calls still awaiting a response, oldest first.
func (s *Session) PendingToolCalls() []toolcalls.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls.Calls()
}

// Subscribe registers fn for kind. Handlers for a kind run in
// registration order.
func (s *Session) Subscribe(kind EventKind, fn Handler) Subscription {
	return s.events.subscribe(kind, fn)
}

// Unsubscribe removes the handler registered under sub. It is safe to call
// from inside a handler.
func (s *Session) Unsubscribe(sub Subscription) {
	s.events.unsubscribe(sub)
}

func (s *Session) enqueue(f outboundFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.active
	if c == nil || c.closing || !s.state.acceptsSends() {
		return core.ErrNotConnected
	}
	if err := c.queue.push(f); err != nil {
		if err == errOutboxClosed {
			return core.ErrNotConnected
		}
		return err
	}
	if s.state != StateOpen {
		c.logger.Debug("live frame held until setup completes", "kind", f.kind, "bytes", len(f.payload))
	}
	return nil
}

func encodeToolResponses(responses []toolcalls.Response) ([]byte, error) {
	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		out = append(out, r.FunctionResponse())
	}
	return protocol.Encode(protocol.Envelope{ToolResponse: &protocol.ToolResponse{FunctionResponses: out}})
}
