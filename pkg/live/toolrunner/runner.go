// Package toolrunner executes the function calls a live session receives
// and answers them with one toolResponse per toolCall message.
package toolrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/toolcalls"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

// Handler runs one tool call. args is the JSON object the model supplied.
// The result is sent as the function response: maps and structs are sent
// as objects, anything else as {"result": value}.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs a declaration sent in setup with its handler.
type Tool struct {
	Declaration *genai.FunctionDeclaration
	Handler     Handler
}

// Responder is the part of a Session the runner answers through.
type Responder interface {
	SendToolResponse(responses ...toolcalls.Response) error
}

type Dependencies struct {
	Logger *slog.Logger
	// Timeout bounds each handler call. Zero uses 30s.
	Timeout time.Duration
	// Concurrency caps handlers running at once per batch. Zero uses 4.
	Concurrency int
}

type registeredTool struct {
	Tool
	schema *gojsonschema.Schema
}

type Runner struct {
	logger      *slog.Logger
	timeout     time.Duration
	concurrency int
	tools       map[string]registeredTool
	order       []string

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func New(deps Dependencies, tools ...Tool) (*Runner, error) {
	r := &Runner{
		logger:      deps.Logger,
		timeout:     deps.Timeout,
		concurrency: deps.Concurrency,
		tools:       make(map[string]registeredTool, len(tools)),
		inflight:    make(map[string]context.CancelFunc),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.timeout <= 0 {
		r.timeout = 30 * time.Second
	}
	if r.concurrency <= 0 {
		r.concurrency = 4
	}

	for i, t := range tools {
		if t.Declaration == nil || strings.TrimSpace(t.Declaration.Name) == "" {
			return nil, core.NewInvalidRequestErrorWithParam("tool declaration needs a name", fmt.Sprintf("tools[%d].name", i))
		}
		name := t.Declaration.Name
		if t.Handler == nil {
			return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("tool %q has no handler", name), fmt.Sprintf("tools[%d].handler", i))
		}
		if _, dup := r.tools[name]; dup {
			return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("tool %q is registered twice", name), fmt.Sprintf("tools[%d].name", i))
		}
		schema, err := compileSchema(t.Declaration.Parameters)
		if err != nil {
			return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("tool %q parameters: %v", name, err), fmt.Sprintf("tools[%d].parameters", i))
		}
		r.tools[name] = registeredTool{Tool: t, schema: schema}
		r.order = append(r.order, name)
	}
	return r, nil
}

// Declarations returns the registered declarations in registration order.
func (r *Runner) Declarations() []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Declaration)
	}
	return out
}

// GenaiTool wraps the declarations for LiveConfig.Tools. It returns nil
// when no tools are registered.
func (r *Runner) GenaiTool() *genai.Tool {
	if len(r.order) == 0 {
		return nil
	}
	return &genai.Tool{FunctionDeclarations: r.Declarations()}
}

// Handle runs calls and sends their responses in one toolResponse.
// Calls cancelled while running get no response.
func (r *Runner) Handle(ctx context.Context, out Responder, calls []toolcalls.Call) error {
	responses := r.Run(ctx, calls)
	if len(responses) == 0 {
		return nil
	}
	err := out.SendToolResponse(responses...)
	switch {
	case err == nil:
		r.logger.Debug("tool responses sent", "count", len(responses))
	case errors.Is(err, core.ErrStaleResponse):
		r.logger.Warn("some tool responses were no longer pending", "error", err)
	case errors.Is(err, core.ErrNotConnected):
		r.logger.Info("session closed before tool responses were sent", "count", len(responses))
	default:
		r.logger.Error("tool responses could not be sent", "error", err)
	}
	return err
}

// Run executes calls concurrently and returns responses in call order.
func (r *Runner) Run(ctx context.Context, calls []toolcalls.Call) []toolcalls.Response {
	results := make([]*toolcalls.Response, len(calls))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			if resp, ok := r.runCall(ctx, call); ok {
				results[i] = &resp
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]toolcalls.Response, 0, len(calls))
	for _, resp := range results {
		if resp != nil {
			out = append(out, *resp)
		}
	}
	return out
}

// Cancel stops the handlers running for ids and returns how many it stopped.
func (r *Runner) Cancel(ids []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if cancel, ok := r.inflight[id]; ok {
			cancel()
			delete(r.inflight, id)
			n++
		}
	}
	return n
}

// CancelAll stops every running handler.
func (r *Runner) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.inflight)
	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
	}
	return n
}

// Attach answers s's tool calls until the returned detach func is called.
// Cancellation events and connection close stop the affected handlers.
func (r *Runner) Attach(s *session.Session) (detach func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		detached bool
	)

	subs := []session.Subscription{
		s.Subscribe(session.EventToolCall, func(ev session.Event) {
			calls := ev.(session.ToolCallEvent).Calls
			mu.Lock()
			defer mu.Unlock()
			if detached {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = r.Handle(ctx, s, calls)
			}()
		}),
		s.Subscribe(session.EventToolCallCancellation, func(ev session.Event) {
			ids := ev.(session.ToolCallCancellationEvent).IDs
			if n := r.Cancel(ids); n > 0 {
				r.logger.Info("stopped cancelled tool calls", "count", n)
			}
		}),
		s.Subscribe(session.EventClose, func(session.Event) {
			r.CancelAll()
		}),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, sub := range subs {
				s.Unsubscribe(sub)
			}
			mu.Lock()
			detached = true
			mu.Unlock()
			cancel()
			wg.Wait()
		})
	}
}

func (r *Runner) runCall(ctx context.Context, call toolcalls.Call) (toolcalls.Response, bool) {
	resp := toolcalls.Response{ID: call.ID, Name: call.Name}
	logger := r.logger.With("tool", call.Name, "call_id", call.ID)

	tool, ok := r.tools[call.Name]
	if !ok {
		logger.Warn("tool call has no handler")
		resp.Output = map[string]any{"error": fmt.Sprintf("Tool '%s' was called but no handler is registered.", call.Name)}
		return resp, true
	}

	args := []byte("{}")
	if call.Args != nil {
		raw, err := json.Marshal(call.Args)
		if err != nil {
			resp.Err = fmt.Errorf("marshal arguments: %w", err)
			return resp, true
		}
		args = raw
	}
	if err := validateArgs(tool.schema, args); err != nil {
		logger.Warn("tool call arguments rejected", "error", err)
		resp.Err = err
		return resp, true
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	r.track(call.ID, cancel)
	defer r.untrack(call.ID)

	start := time.Now()
	out, err := tool.Handler(callCtx, args)
	elapsed := time.Since(start)

	if errors.Is(callCtx.Err(), context.Canceled) {
		logger.Info("tool call cancelled", "duration_ms", elapsed.Milliseconds())
		return resp, false
	}
	switch {
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		resp.Err = fmt.Errorf("tool %s timed out after %s", call.Name, r.timeout)
	case err != nil:
		resp.Err = err
	default:
		resp.Output, err = toOutput(out)
		if err != nil {
			resp.Err = err
		}
	}
	if resp.Err != nil {
		logger.Warn("tool call failed", "error", resp.Err, "duration_ms", elapsed.Milliseconds())
	} else {
		logger.Debug("tool call finished", "duration_ms", elapsed.Milliseconds())
	}
	return resp, true
}

func (r *Runner) track(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.inflight[id] = cancel
	r.mu.Unlock()
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

func toOutput(v any) (map[string]any, error) {
	switch out := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return out, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return map[string]any{"result": value}, nil
}
