// Package builtins holds small local tool handlers that session files can
// bind their function declarations to.
package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/toolrunner"
	"google.golang.org/genai"
)

// Handler kinds.
const (
	KindCurrentTime = "current_time"
	KindEcho        = "echo"
)

type Registry struct {
	byKind map[string]toolrunner.Handler
}

// NewRegistry returns a registry holding the current_time and echo
// handlers. now defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	r := &Registry{byKind: make(map[string]toolrunner.Handler)}
	r.Register(KindCurrentTime, currentTime(now))
	r.Register(KindEcho, echo)
	return r
}

// Register adds or replaces the handler for kind.
func (r *Registry) Register(kind string, h toolrunner.Handler) {
	if h == nil {
		return
	}
	r.byKind[kind] = h
}

func (r *Registry) Kinds() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byKind))
	for kind := range r.byKind {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Has(kind string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byKind[kind]
	return ok
}

// Bind pairs decl with the handler registered for kind.
func (r *Registry) Bind(decl *genai.FunctionDeclaration, kind string) (toolrunner.Tool, error) {
	if decl == nil {
		return toolrunner.Tool{}, core.NewInvalidRequestError("function declaration is required")
	}
	h, ok := r.byKind[kind]
	if !ok {
		return toolrunner.Tool{}, &core.Error{
			Type:    core.ErrInvalidRequest,
			Message: fmt.Sprintf("function %q uses unknown handler %q (known: %s)", decl.Name, kind, strings.Join(r.Kinds(), ", ")),
			Param:   "handler",
			Code:    "unknown_handler",
		}
	}
	return toolrunner.Tool{Declaration: decl, Handler: h}, nil
}

// CurrentTimeTool declares get_current_time backed by now.
func CurrentTimeTool(now func() time.Time) toolrunner.Tool {
	return toolrunner.Tool{
		Declaration: &genai.FunctionDeclaration{
			Name:        "get_current_time",
			Description: "Get the current date and time, optionally in an IANA time zone.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"timezone": {
						Type:        genai.TypeString,
						Description: "IANA time zone name such as Europe/Paris. Defaults to UTC.",
					},
				},
			},
		},
		Handler: currentTime(now),
	}
}

func currentTime(now func() time.Time) toolrunner.Handler {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Timezone string `json:"timezone"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		name := strings.TrimSpace(in.Timezone)
		if name == "" {
			name = "UTC"
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("unknown time zone %q", name)
		}
		t := now().In(loc)
		return map[string]any{
			"time":     t.Format(time.RFC3339),
			"timezone": name,
			"weekday":  t.Weekday().String(),
		}, nil
	}
}

// EchoTool declares echo, which returns its arguments unchanged.
func EchoTool() toolrunner.Tool {
	return toolrunner.Tool{
		Declaration: &genai.FunctionDeclaration{
			Name:        "echo",
			Description: "Return the given text unchanged. Useful for checking that tool calls work.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"text": {Type: genai.TypeString, Description: "Text to echo back."},
				},
				Required: []string{"text"},
			},
		},
		Handler: echo,
	}
}

// echo returns its arguments unchanged.
func echo(_ context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(args, &out); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return out, nil
}
