// Command vai-live runs a Gemini Live session from the terminal. It sends
// text turns from --text or stdin, can stream a raw PCM file as realtime
// input, prints model text to stdout and writes model audio to a file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vango-go/vai-live/internal/dotenv"
	"github.com/vango-go/vai-live/pkg/config"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

type options struct {
	envFile      string
	sessionFile  string
	model        string
	system       string
	googleSearch bool
	modalities   []string
	voice        string
	audioIn      string
	audioMIME    string
	chunkMS      int
	audioOut     string
	texts        []string
}

type deps struct {
	loadEnv    func(explicit string) error
	loadConfig func() (config.Config, error)
	dialer     transport.Dialer
	httpClient *http.Client
	now        func() time.Time
}

// usageError marks failures caused by bad flags, files or configuration.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func defaultDeps() deps {
	return deps{
		loadEnv:    loadEnvFile,
		loadConfig: config.LoadFromEnv,
		dialer:     transport.WebSocketDialer{},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// runMain returns 0 on success, 2 for usage errors and 1 for runtime errors.
func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, d deps) int {
	cmd := newRootCommand(stdin, stdout, stderr, d)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, "vai-live:", err)
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer, d deps) *cobra.Command {
	var opt options
	cmd := &cobra.Command{
		Use:   "vai-live",
		Short: "Talk to a Gemini Live model from the terminal",
		Long: `vai-live opens one Gemini Live session, sends each --text value (or each
stdin line) as a user turn and waits for the model to finish before sending
the next. Model text goes to stdout. Model audio goes to --audio-out.

Settings come from the environment (GEMINI_API_KEY, VAI_LIVE_*), then the
--session-file, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected arguments: %s", strings.Join(args, " "))}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, opt, stdin, stdout, stderr, d)
		},
	}
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	f := cmd.Flags()
	f.StringVar(&opt.envFile, "env-file", "", "Load this .env file (default: nearest .env in the working directory or its parents)")
	f.StringVar(&opt.sessionFile, "session-file", "", "TOML file with model, system_instruction, response_modalities, voice, temperature, google_search and [[functions]]")
	f.StringVar(&opt.model, "model", "", "Model name (overrides VAI_LIVE_MODEL and the session file)")
	f.StringVar(&opt.system, "system", "", "System instruction")
	f.BoolVar(&opt.googleSearch, "google-search", false, "Enable the Google Search tool")
	f.StringSliceVar(&opt.modalities, "modality", nil, "Response modality: text or audio (default: audio when --audio-out is set, else text)")
	f.StringVar(&opt.voice, "voice", "", "Prebuilt voice name for audio responses")
	f.StringVar(&opt.audioIn, "audio-in", "", "Raw PCM file to stream as realtime input")
	f.StringVar(&opt.audioMIME, "audio-mime", "audio/pcm;rate=16000", "MIME type of --audio-in")
	f.IntVar(&opt.chunkMS, "chunk-ms", 100, "Duration of each streamed audio chunk in ms")
	f.StringVar(&opt.audioOut, "audio-out", "", "Write model audio (raw PCM) to this file")
	f.StringArrayVar(&opt.texts, "text", nil, "User turn to send; repeatable. When no --text or --audio-in is given, turns are read from stdin")
	return cmd
}

func loadEnvFile(explicit string) error {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return err
		}
		return dotenv.LoadFile(explicit)
	}
	_, err := dotenv.LoadNearest(8)
	return err
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// sessionDeps builds session dependencies from cfg.
func sessionDeps(cfg config.Config, d deps, logger *slog.Logger) session.Dependencies {
	return session.Dependencies{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Dialer:   d.dialer,
		Logger:   logger,
		Config:   cfg.SessionConfig(),
		Now:      d.now,
	}
}
