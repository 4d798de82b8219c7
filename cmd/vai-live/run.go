package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/vango-go/vai-live/pkg/config"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/toolrunner"
	"github.com/vango-go/vai-live/pkg/live/tools/builtins"
	"github.com/vango-go/vai-live/pkg/live/tools/knowledgebase"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// kindKnowledgeBase lets session-file functions use the knowledge-base handler.
const kindKnowledgeBase = "knowledge_base"

func run(ctx context.Context, cmd *cobra.Command, opt options, stdin io.Reader, stdout, stderr io.Writer, d deps) error {
	if err := d.loadEnv(opt.envFile); err != nil {
		return usageError{fmt.Errorf("env file: %w", err)}
	}
	cfg, err := d.loadConfig()
	if err != nil {
		return usageError{err}
	}
	logger := newLogger(stderr, cfg.LogLevel)

	st, err := resolveSettings(cmd, opt, cfg)
	if err != nil {
		return usageError{err}
	}
	runner, err := buildRunner(st, cfg, d, logger)
	if err != nil {
		return usageError{err}
	}
	live, err := liveConfig(st, runner)
	if err != nil {
		return usageError{err}
	}

	var format pcmFormat
	if opt.audioIn != "" {
		if opt.chunkMS <= 0 {
			return usageError{errors.New("--chunk-ms must be > 0")}
		}
		if format, err = parsePCMFormat(opt.audioMIME); err != nil {
			return usageError{err}
		}
	}

	audioOut := io.Discard
	if opt.audioOut != "" {
		f, err := os.Create(opt.audioOut)
		if err != nil {
			return fmt.Errorf("create audio output: %w", err)
		}
		defer f.Close()
		audioOut = f
	}

	s, err := session.New(sessionDeps(cfg, d, logger))
	if err != nil {
		return usageError{err}
	}
	if err := s.SetConfig(live); err != nil {
		return usageError{err}
	}

	w := newTurnWatcher(stdout, audioOut, logger)
	w.attach(s)
	detach := runner.Attach(s)
	defer detach()

	if err := s.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = s.Disconnect() }()

	err = converse(ctx, s, w, opt, format, stdin)
	if err != nil && ctx.Err() != nil {
		logger.Info("interrupted")
		return nil
	}
	if err != nil {
		return err
	}
	if err := w.audioErr(); err != nil {
		return fmt.Errorf("write audio output: %w", err)
	}
	return nil
}

// converse streams --audio-in, then sends each text turn, waiting for the
// model to finish after each.
func converse(ctx context.Context, s *session.Session, w *turnWatcher, opt options, format pcmFormat, stdin io.Reader) error {
	if opt.audioIn != "" {
		w.reset()
		if err := streamAudio(ctx, s, opt.audioIn, format, opt.chunkMS); err != nil {
			return err
		}
		if err := w.wait(ctx); err != nil {
			return err
		}
	}

	sendTurn := func(text string) error {
		w.reset()
		if err := s.Send([]*genai.Part{{Text: text}}, true); err != nil {
			return fmt.Errorf("send turn: %w", err)
		}
		return w.wait(ctx)
	}

	if len(opt.texts) > 0 {
		for _, text := range opt.texts {
			if err := sendTurn(text); err != nil {
				return err
			}
		}
		return nil
	}
	if opt.audioIn != "" {
		return nil
	}

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines, readErr := readLines(readCtx, stdin)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			if err := sendTurn(line); err != nil {
				return err
			}
		}
	}
}

// readLines yields the non-blank lines of r until ctx is done.
func readLines(ctx context.Context, r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- sc.Err()
	}()
	return lines, errc
}

func resolveSettings(cmd *cobra.Command, opt options, cfg config.Config) (settings, error) {
	st := settings{Model: cfg.Model}
	if cfg.KnowledgeBaseURL != "" {
		st.SystemInstruction = knowledgebase.SystemInstruction
		st.GoogleSearch = true
	}
	if opt.sessionFile != "" {
		var err error
		if st, err = loadSessionFile(opt.sessionFile, st); err != nil {
			return settings{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("model") {
		st.Model = strings.TrimSpace(opt.model)
	}
	if flags.Changed("system") {
		st.SystemInstruction = strings.TrimSpace(opt.system)
	}
	if flags.Changed("google-search") {
		st.GoogleSearch = opt.googleSearch
	}
	if flags.Changed("modality") {
		st.Modalities = opt.modalities
	}
	if flags.Changed("voice") {
		st.Voice = strings.TrimSpace(opt.voice)
	}
	if len(st.Modalities) == 0 {
		if opt.audioOut != "" {
			st.Modalities = []string{"audio"}
		} else {
			st.Modalities = []string{"text"}
		}
	}
	return st, nil
}

// buildRunner registers the built-in tools, the knowledge-base tool when
// configured, and the session file's functions. A session-file function
// replaces a built-in tool with the same name.
func buildRunner(st settings, cfg config.Config, d deps, logger *slog.Logger) (*toolrunner.Runner, error) {
	registry := builtins.NewRegistry(d.now)
	defaults := []toolrunner.Tool{builtins.CurrentTimeTool(d.now), builtins.EchoTool()}
	if cfg.KnowledgeBaseURL != "" {
		kb := knowledgebase.NewClient(cfg.KnowledgeBaseURL, d.httpClient)
		registry.Register(kindKnowledgeBase, kb.Handler())
		defaults = append(defaults, kb.Tool())
	}

	var custom []toolrunner.Tool
	names := make(map[string]bool, len(st.Functions))
	for i, fn := range st.Functions {
		decl, err := fn.declaration()
		if err != nil {
			return nil, fmt.Errorf("functions[%d]: %w", i, err)
		}
		tool, err := registry.Bind(decl, strings.TrimSpace(fn.Handler))
		if err != nil {
			return nil, fmt.Errorf("functions[%d]: %w", i, err)
		}
		custom = append(custom, tool)
		names[decl.Name] = true
	}

	tools := make([]toolrunner.Tool, 0, len(defaults)+len(custom))
	for _, t := range defaults {
		if !names[t.Declaration.Name] {
			tools = append(tools, t)
		}
	}
	tools = append(tools, custom...)
	return toolrunner.New(toolrunner.Dependencies{
		Logger:      logger,
		Timeout:     cfg.ToolTimeout,
		Concurrency: cfg.ToolConcurrency,
	}, tools...)
}

func liveConfig(st settings, runner *toolrunner.Runner) (session.LiveConfig, error) {
	lc := session.LiveConfig{Model: st.Model}
	if st.SystemInstruction != "" {
		lc.SystemInstruction = []*genai.Part{{Text: st.SystemInstruction}}
	}
	if st.GoogleSearch {
		lc.Tools = append(lc.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	if t := runner.GenaiTool(); t != nil {
		lc.Tools = append(lc.Tools, t)
	}

	gc := &protocol.GenerationConfig{Temperature: st.Temperature}
	for _, m := range st.Modalities {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case "text":
			gc.ResponseModalities = append(gc.ResponseModalities, genai.ModalityText)
		case "audio":
			gc.ResponseModalities = append(gc.ResponseModalities, genai.ModalityAudio)
		default:
			return session.LiveConfig{}, fmt.Errorf("unsupported modality %q (want text or audio)", m)
		}
	}
	if st.Voice != "" {
		gc.SpeechConfig = &genai.SpeechConfig{VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: st.Voice},
		}}
	}
	lc.GenerationConfig = gc
	return lc, nil
}

// pcmFormat describes 16-bit mono PCM input.
type pcmFormat struct {
	mimeType string
	rate     int
}

func parsePCMFormat(mimeType string) (pcmFormat, error) {
	mt, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return pcmFormat{}, fmt.Errorf("--audio-mime: %w", err)
	}
	if mt != "audio/pcm" {
		return pcmFormat{}, fmt.Errorf("--audio-mime: %q is not audio/pcm", mt)
	}
	f := pcmFormat{mimeType: mimeType, rate: 16000}
	if r, ok := params["rate"]; ok {
		n, err := strconv.Atoi(r)
		if err != nil || n <= 0 {
			return pcmFormat{}, fmt.Errorf("--audio-mime: invalid rate %q", r)
		}
		f.rate = n
	}
	return f, nil
}

// chunkBytes is the byte length of ms of audio, rounded to whole samples.
func (f pcmFormat) chunkBytes(ms int) int {
	n := f.rate * ms / 1000 * 2
	if n < 2 {
		n = 2
	}
	return n
}

// streamAudio sends path as realtime input, one chunk per chunkMS.
func streamAudio(ctx context.Context, s *session.Session, path string, f pcmFormat, chunkMS int) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio input: %w", err)
	}
	defer file.Close()

	limiter := rate.NewLimiter(rate.Every(time.Duration(chunkMS)*time.Millisecond), 1)
	buf := make([]byte, f.chunkBytes(chunkMS))
	for {
		n, err := io.ReadFull(file, buf)
		if n > 0 {
			if werr := limiter.Wait(ctx); werr != nil {
				return werr
			}
			chunk := &genai.Blob{MIMEType: f.mimeType, Data: append([]byte(nil), buf[:n]...)}
			if serr := s.SendRealtimeInput(chunk); serr != nil {
				return fmt.Errorf("send audio: %w", serr)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio input: %w", err)
		}
	}
}

// turnWatcher prints session output and signals turn completion.
type turnWatcher struct {
	stdout io.Writer
	audio  io.Writer
	logger *slog.Logger

	turnDone chan struct{}
	closed   chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
	writeErr  error
}

func newTurnWatcher(stdout, audio io.Writer, logger *slog.Logger) *turnWatcher {
	return &turnWatcher{
		stdout:   stdout,
		audio:    audio,
		logger:   logger,
		turnDone: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (w *turnWatcher) attach(s *session.Session) {
	s.Subscribe(session.EventOpen, func(ev session.Event) {
		w.logger.Info("session open", "session_id", ev.(session.OpenEvent).SessionID, "model", s.Config().Model)
	})
	s.Subscribe(session.EventContent, func(ev session.Event) {
		for _, p := range ev.(session.ContentEvent).Parts {
			if p.Text != "" && !p.Thought {
				fmt.Fprint(w.stdout, p.Text)
			}
		}
	})
	s.Subscribe(session.EventAudio, func(ev session.Event) {
		if _, err := w.audio.Write(ev.(session.AudioEvent).Data); err != nil {
			w.mu.Lock()
			if w.writeErr == nil {
				w.writeErr = err
			}
			w.mu.Unlock()
		}
	})
	s.Subscribe(session.EventInterrupted, func(session.Event) {
		w.logger.Info("model interrupted")
	})
	s.Subscribe(session.EventTurnComplete, func(session.Event) {
		fmt.Fprintln(w.stdout)
		select {
		case w.turnDone <- struct{}{}:
		default:
		}
	})
	s.Subscribe(session.EventError, func(ev session.Event) {
		w.logger.Warn("session error", "error", ev.(session.ErrorEvent).Err)
	})
	s.Subscribe(session.EventClose, func(ev session.Event) {
		c := ev.(session.CloseEvent)
		w.closeOnce.Do(func() {
			w.mu.Lock()
			w.closeErr = c.Err
			w.mu.Unlock()
			close(w.closed)
		})
		w.logger.Info("session closed", "reason", c.Reason)
	})
}

// reset drops a completion signal left over from an earlier turn.
func (w *turnWatcher) reset() {
	select {
	case <-w.turnDone:
	default:
	}
}

func (w *turnWatcher) wait(ctx context.Context) error {
	select {
	case <-w.turnDone:
		return nil
	case <-w.closed:
		w.mu.Lock()
		err := w.closeErr
		w.mu.Unlock()
		if err != nil {
			return fmt.Errorf("session closed: %w", err)
		}
		return errors.New("session closed before the turn completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *turnWatcher) audioErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}
