package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vango-go/vai-live/pkg/core"
	"google.golang.org/genai"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }

func TestCurrentTime(t *testing.T) {
	h := CurrentTimeTool(fixedNow).Handler

	tests := []struct {
		name string
		args string
		want map[string]any
	}{
		{name: "default utc", args: `{}`, want: map[string]any{"time": "2026-03-14T09:26:53Z", "timezone": "UTC", "weekday": "Saturday"}},
		{name: "named zone", args: `{"timezone":"Asia/Tokyo"}`, want: map[string]any{"time": "2026-03-14T18:26:53+09:00", "timezone": "Asia/Tokyo", "weekday": "Saturday"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := h(context.Background(), json.RawMessage(tc.args))
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := h(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`)); err == nil {
		t.Fatal("expected unknown zone error")
	}
}

func TestEcho(t *testing.T) {
	got, err := echo(context.Background(), json.RawMessage(`{"text":"hi","n":2}`))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if diff := cmp.Diff(map[string]any{"text": "hi", "n": float64(2)}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := echo(context.Background(), json.RawMessage(`[1]`)); err == nil {
		t.Fatal("expected error for non-object args")
	}
}

func TestRegistry_Bind(t *testing.T) {
	r := NewRegistry(fixedNow)
	if diff := cmp.Diff([]string{"current_time", "echo"}, r.Kinds()); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}

	decl := &genai.FunctionDeclaration{Name: "clock"}
	tool, err := r.Bind(decl, KindCurrentTime)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if tool.Declaration != decl || tool.Handler == nil {
		t.Fatalf("tool=%+v", tool)
	}

	_, err = r.Bind(decl, "weather")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != "unknown_handler" || ce.Type != core.ErrInvalidRequest {
		t.Fatalf("err=%v", err)
	}

	if _, err := r.Bind(nil, KindEcho); err == nil {
		t.Fatal("expected error for nil declaration")
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry(nil)
	called := false
	r.Register(KindEcho, func(context.Context, json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})
	r.Register("ignored", nil)
	if r.Has("ignored") {
		t.Fatal("nil handler should not register")
	}
	tool, err := r.Bind(&genai.FunctionDeclaration{Name: "e"}, KindEcho)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	_, _ = tool.Handler(context.Background(), nil)
	if !called {
		t.Fatal("replacement handler not used")
	}
}
