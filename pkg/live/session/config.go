package session

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/transport"
	"google.golang.org/genai"
)

// DefaultModel is used by callers that do not pick a model.
const DefaultModel = "models/gemini-2.0-flash-exp"

type Config struct {
	// HandshakeTimeout bounds dial plus setup. The attempt fails if
	// setupComplete has not arrived in time.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	// MaxQueuedFrames caps frames waiting to be written. Sends beyond it
	// fail with core.ErrBackpressure.
	MaxQueuedFrames int

	// MediaFramesPerSecond paces realtimeInput frames; zero disables pacing.
	MediaFramesPerSecond float64
	MediaBurst           int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxQueuedFrames <= 0 {
		c.MaxQueuedFrames = 1024
	}
	if c.MediaFramesPerSecond < 0 {
		c.MediaFramesPerSecond = 0
	}
	if c.MediaBurst <= 0 {
		c.MediaBurst = 8
	}
	return c
}

// Dependencies configures a Session. Endpoint and APIKey are fixed for the
// lifetime of the Session.
type Dependencies struct {
	Endpoint string
	APIKey   string
	Header   http.Header

	Dialer transport.Dialer
	Logger *slog.Logger
	Config Config

	Now   func() time.Time
	NewID func() string
}

// LiveConfig is the session configuration sent in the setup message.
type LiveConfig struct {
	Model             string
	SystemInstruction []*genai.Part
	Tools             []*genai.Tool
	GenerationConfig  *protocol.GenerationConfig
}

// NormalizeModel trims model and adds the "models/" prefix the service expects.
func NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" || strings.HasPrefix(model, "models/") || strings.HasPrefix(model, "tunedModels/") {
		return model
	}
	return "models/" + model
}

func (c LiveConfig) normalize() (LiveConfig, error) {
	out := LiveConfig{
		Model:             NormalizeModel(c.Model),
		SystemInstruction: append([]*genai.Part(nil), c.SystemInstruction...),
		Tools:             append([]*genai.Tool(nil), c.Tools...),
	}
	if out.Model == "" {
		return LiveConfig{}, core.NewInvalidRequestErrorWithParam("model is required", "model")
	}
	for _, p := range out.SystemInstruction {
		if p == nil {
			return LiveConfig{}, core.NewInvalidRequestErrorWithParam("system instruction parts must not be nil", "systemInstruction.parts")
		}
	}
	if c.GenerationConfig != nil {
		gc := *c.GenerationConfig
		gc.ResponseModalities = append([]genai.Modality(nil), gc.ResponseModalities...)
		out.GenerationConfig = &gc
	}
	return out, nil
}

func (c LiveConfig) setupEnvelope() protocol.Envelope {
	setup := &protocol.Setup{
		Model:            c.Model,
		GenerationConfig: c.GenerationConfig,
		Tools:            c.Tools,
	}
	if len(c.SystemInstruction) > 0 {
		setup.SystemInstruction = &genai.Content{Parts: c.SystemInstruction}
	}
	return protocol.Envelope{Setup: setup}
}
