package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vango-go/vai-live/internal/livetest"
	"github.com/vango-go/vai-live/pkg/config"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/transport"
	"google.golang.org/genai"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }

// syncBuffer is written by session event handlers and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(endpoint string) config.Config {
	return config.Config{
		APIKey:           "test-key",
		Endpoint:         endpoint,
		Model:            "models/gemini-test",
		HandshakeTimeout: 5 * time.Second,
		LogLevel:         slog.LevelWarn,
	}
}

func testDeps(cfg config.Config) deps {
	return deps{
		loadEnv:    func(string) error { return nil },
		loadConfig: func() (config.Config, error) { return cfg, nil },
		dialer:     transport.WebSocketDialer{},
		httpClient: http.DefaultClient,
		now:        fixedNow,
	}
}

type cliResult struct {
	code   int
	stdout *syncBuffer
	stderr *syncBuffer
	done   chan struct{}
}

func startCLI(t *testing.T, args []string, stdin string, d deps) *cliResult {
	t.Helper()
	res := &cliResult{stdout: &syncBuffer{}, stderr: &syncBuffer{}, done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		defer close(res.done)
		res.code = runMain(ctx, args, strings.NewReader(stdin), res.stdout, res.stderr, d)
	}()
	return res
}

func (r *cliResult) wait(t *testing.T) int {
	t.Helper()
	select {
	case <-r.done:
		return r.code
	case <-time.After(10 * time.Second):
		t.Fatalf("vai-live did not exit; stderr:\n%s", r.stderr.String())
		return -1
	}
}

func userText(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	if env.ClientContent == nil || len(env.ClientContent.Turns) == 0 || len(env.ClientContent.Turns[0].Parts) == 0 {
		t.Fatalf("client message = %s, want clientContent", env.Kind())
	}
	if !env.ClientContent.TurnComplete {
		t.Fatalf("clientContent.turnComplete = false, want true")
	}
	return env.ClientContent.Turns[0].Parts[0].Text
}

func replyText(t *testing.T, conn *livetest.Conn, text string) {
	t.Helper()
	conn.Send(t, protocol.Envelope{ServerContent: &protocol.ServerContent{
		ModelTurn: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
	}})
	conn.Send(t, protocol.Envelope{ServerContent: &protocol.ServerContent{TurnComplete: true}})
}

func declarationNames(setup *protocol.Setup) []string {
	var names []string
	for _, tool := range setup.Tools {
		for _, d := range tool.FunctionDeclarations {
			names = append(names, d.Name)
		}
	}
	return names
}

func TestRunMain_TextTurnsAndToolCall(t *testing.T) {
	srv := livetest.NewServer(t)
	res := startCLI(t, []string{"--text", "hello", "--text", "what time is it"}, "", testDeps(testConfig(srv.URL)))

	conn := srv.Accept(t)
	if got := conn.Query.Get("key"); got != "test-key" {
		t.Fatalf("key query = %q, want test-key", got)
	}
	setup := conn.CompleteSetup(t)
	if setup.Model != "models/gemini-test" {
		t.Fatalf("setup model = %q, want models/gemini-test", setup.Model)
	}
	if diff := cmp.Diff([]string{"get_current_time", "echo"}, declarationNames(setup)); diff != "" {
		t.Fatalf("declarations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]genai.Modality{genai.ModalityText}, setup.GenerationConfig.ResponseModalities); diff != "" {
		t.Fatalf("modalities mismatch (-want +got):\n%s", diff)
	}

	if got := userText(t, conn.Read(t)); got != "hello" {
		t.Fatalf("first turn = %q, want hello", got)
	}
	replyText(t, conn, "Hi there")

	if got := userText(t, conn.Read(t)); got != "what time is it" {
		t.Fatalf("second turn = %q, want %q", got, "what time is it")
	}
	conn.Send(t, protocol.Envelope{ToolCall: &protocol.ToolCall{FunctionCalls: []*genai.FunctionCall{
		{ID: "c1", Name: "get_current_time", Args: map[string]any{"timezone": "UTC"}},
	}}})
	env := conn.Read(t)
	if env.ToolResponse == nil || len(env.ToolResponse.FunctionResponses) != 1 {
		t.Fatalf("client message = %s, want one toolResponse", env.Kind())
	}
	fr := env.ToolResponse.FunctionResponses[0]
	if fr.ID != "c1" || fr.Response["time"] != "2026-03-14T09:26:53Z" {
		t.Fatalf("function response = %+v", fr)
	}
	replyText(t, conn, "It is 09:26.")

	conn.ExpectClosed(t)
	if code := res.wait(t); code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr:\n%s", code, res.stderr.String())
	}
	if got, want := res.stdout.String(), "Hi there\nIt is 09:26.\n"; got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
}

func TestRunMain_ReadsTurnsFromStdin(t *testing.T) {
	srv := livetest.NewServer(t)
	res := startCLI(t, nil, "first\n\n  second  \n", testDeps(testConfig(srv.URL)))

	conn := srv.Accept(t)
	conn.CompleteSetup(t)
	for _, want := range []string{"first", "second"} {
		if got := userText(t, conn.Read(t)); got != want {
			t.Fatalf("turn = %q, want %q", got, want)
		}
		replyText(t, conn, "ok "+want)
	}

	conn.ExpectClosed(t)
	if code := res.wait(t); code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr:\n%s", code, res.stderr.String())
	}
	if got, want := res.stdout.String(), "ok first\nok second\n"; got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
}

func TestRunMain_SessionFileAndFlags(t *testing.T) {
	srv := livetest.NewServer(t)
	path := filepath.Join(t.TempDir(), "session.toml")
	content := `
model = "gemini-from-file"
system_instruction = "Answer briefly."
google_search = true
voice = "Puck"
temperature = 0.25

[[functions]]
name = "lookup"
description = "Look a word up."
handler = "echo"

[functions.parameters]
type = "object"
required = ["q"]

[functions.parameters.properties.q]
type = "string"
description = "Word to look up."
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	cfg := testConfig(srv.URL)
	cfg.LogLevel = slog.LevelInfo
	res := startCLI(t, []string{"--session-file", path, "--model", "gemini-from-flag", "--modality", "audio"}, "", testDeps(cfg))
	conn := srv.Accept(t)
	setup := conn.CompleteSetup(t)

	if setup.Model != "models/gemini-from-flag" {
		t.Fatalf("setup model = %q, want models/gemini-from-flag", setup.Model)
	}
	if setup.SystemInstruction == nil || setup.SystemInstruction.Parts[0].Text != "Answer briefly." {
		t.Fatalf("system instruction = %+v", setup.SystemInstruction)
	}
	if len(setup.Tools) != 2 || setup.Tools[0].GoogleSearch == nil {
		t.Fatalf("tools = %+v, want googleSearch then functions", setup.Tools)
	}
	if diff := cmp.Diff([]string{"get_current_time", "echo", "lookup"}, declarationNames(setup)); diff != "" {
		t.Fatalf("declarations mismatch (-want +got):\n%s", diff)
	}
	gc := setup.GenerationConfig
	if diff := cmp.Diff([]genai.Modality{genai.ModalityAudio}, gc.ResponseModalities); diff != "" {
		t.Fatalf("modalities mismatch (-want +got):\n%s", diff)
	}
	if gc.Temperature == nil || *gc.Temperature != 0.25 {
		t.Fatalf("temperature = %v, want 0.25", gc.Temperature)
	}
	if gc.SpeechConfig == nil || gc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Fatalf("speech config = %+v", gc.SpeechConfig)
	}

	conn.ExpectClosed(t)
	if code := res.wait(t); code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr:\n%s", code, res.stderr.String())
	}
	if !strings.Contains(res.stderr.String(), "model=models/gemini-from-flag") {
		t.Fatalf("stderr = %q, want open log with model", res.stderr.String())
	}
}

func TestRunMain_KnowledgeBaseDefaults(t *testing.T) {
	srv := livetest.NewServer(t)
	cfg := testConfig(srv.URL)
	cfg.KnowledgeBaseURL = "http://kb.invalid"
	res := startCLI(t, nil, "", testDeps(cfg))

	setup := srv.Accept(t).CompleteSetup(t)
	if setup.SystemInstruction == nil || !strings.Contains(setup.SystemInstruction.Parts[0].Text, "query_knowledge_base") {
		t.Fatalf("system instruction = %+v", setup.SystemInstruction)
	}
	if setup.Tools[0].GoogleSearch == nil {
		t.Fatalf("tools = %+v, want googleSearch first", setup.Tools)
	}
	if diff := cmp.Diff([]string{"get_current_time", "echo", "query_knowledge_base"}, declarationNames(setup)); diff != "" {
		t.Fatalf("declarations mismatch (-want +got):\n%s", diff)
	}
	if code := res.wait(t); code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr:\n%s", code, res.stderr.String())
	}
}

func TestRunMain_StreamsAudio(t *testing.T) {
	srv := livetest.NewServer(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcm")
	out := filepath.Join(dir, "out.pcm")
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 2400)
	if err := os.WriteFile(in, pcm, 0o600); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	res := startCLI(t, []string{"--audio-in", in, "--chunk-ms", "100", "--audio-out", out}, "", testDeps(testConfig(srv.URL)))
	conn := srv.Accept(t)
	setup := conn.CompleteSetup(t)
	if diff := cmp.Diff([]genai.Modality{genai.ModalityAudio}, setup.GenerationConfig.ResponseModalities); diff != "" {
		t.Fatalf("modalities mismatch (-want +got):\n%s", diff)
	}

	// 4800 bytes at 16kHz is 3200 + 1600.
	var got []byte
	for _, want := range []int{3200, 1600} {
		env := conn.Read(t)
		if env.RealtimeInput == nil || len(env.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("client message = %s, want realtimeInput", env.Kind())
		}
		chunk := env.RealtimeInput.MediaChunks[0]
		if chunk.MIMEType != "audio/pcm;rate=16000" || len(chunk.Data) != want {
			t.Fatalf("chunk = %s (%d bytes), want audio/pcm;rate=16000 (%d bytes)", chunk.MIMEType, len(chunk.Data), want)
		}
		got = append(got, chunk.Data...)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatal("streamed audio differs from input")
	}

	conn.Send(t, protocol.Envelope{ServerContent: &protocol.ServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{9, 8, 7, 6}}}}},
	}})
	conn.Send(t, protocol.Envelope{ServerContent: &protocol.ServerContent{TurnComplete: true}})

	conn.ExpectClosed(t)
	if code := res.wait(t); code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr:\n%s", code, res.stderr.String())
	}
	written, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read audio output: %v", err)
	}
	if !bytes.Equal(written, []byte{9, 8, 7, 6}) {
		t.Fatalf("audio output = %v", written)
	}
}

func TestRunMain_RemoteCloseMidTurnFails(t *testing.T) {
	srv := livetest.NewServer(t)
	res := startCLI(t, []string{"--text", "hello"}, "", testDeps(testConfig(srv.URL)))

	conn := srv.Accept(t)
	conn.CompleteSetup(t)
	_ = conn.Read(t)
	conn.CloseWith(1011, "overloaded")

	if code := res.wait(t); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(res.stderr.String(), "session closed") {
		t.Fatalf("stderr = %q, want session closed", res.stderr.String())
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		cfg  func() (config.Config, error)
		want string
	}{
		{name: "unknown flag", args: []string{"--nope"}, want: "unknown flag"},
		{name: "positional", args: []string{"extra"}, want: "unexpected arguments"},
		{name: "bad modality", args: []string{"--modality", "video"}, want: "unsupported modality"},
		{name: "missing session file", args: []string{"--session-file", filepath.Join(t.TempDir(), "none.toml")}, want: "load session file"},
		{name: "unknown handler", args: nil, want: "unknown handler"},
		{name: "config", cfg: func() (config.Config, error) { return config.Config{}, errors.New("GEMINI_API_KEY is required") }, want: "GEMINI_API_KEY"},
		{name: "bad audio mime", args: []string{"--audio-in", "x.pcm", "--audio-mime", "audio/wav"}, want: "not audio/pcm"},
	}
	badHandler := filepath.Join(t.TempDir(), "session.toml")
	if err := os.WriteFile(badHandler, []byte("[[functions]]\nname = \"w\"\nhandler = \"weather\"\n"), 0o600); err != nil {
		t.Fatalf("write session file: %v", err)
	}
	tests[4].args = []string{"--session-file", badHandler}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := testDeps(testConfig("ws://127.0.0.1:1"))
			if tc.cfg != nil {
				d.loadConfig = tc.cfg
			}
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, strings.NewReader(""), &stdout, &stderr, d)
			if code != 2 {
				t.Fatalf("exit code = %d, want 2; stderr:\n%s", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("stderr = %q, want substring %q", stderr.String(), tc.want)
			}
		})
	}
}

func TestRunMain_ConnectFailureIsRuntimeError(t *testing.T) {
	d := testDeps(testConfig("ws://127.0.0.1:1"))
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"--text", "hi"}, strings.NewReader(""), &stdout, &stderr, d)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1; stderr:\n%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "connect") {
		t.Fatalf("stderr = %q, want connect error", stderr.String())
	}
}

func TestReadLines_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines, errc := readLines(ctx, strings.NewReader("one\n\ntwo\nthree\n"))
	if got := <-lines; got != "one" {
		t.Fatalf("first line = %q, want one", got)
	}
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("read error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("line reader still running after cancel")
	}
	if _, ok := <-lines; ok {
		t.Fatal("lines channel still open after cancel")
	}
}
