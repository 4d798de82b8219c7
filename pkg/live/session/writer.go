package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// outboundWriter is the only goroutine that writes data frames to a
// connection. It returns nil when ctx ends and the write error otherwise.
type outboundWriter struct {
	ws     wsWriter
	ctx    context.Context
	cfg    Config
	queue  *outbox
	pacer  *rate.Limiter
	logger *slog.Logger
}

func newMediaPacer(cfg Config) *rate.Limiter {
	if cfg.MediaFramesPerSecond <= 0 {
		return nil
	}
	burst := cfg.MediaBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.MediaFramesPerSecond), burst)
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil || w.queue == nil {
		return nil
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		for {
			if w.ctx.Err() != nil {
				return nil
			}
			frame, ok := w.queue.pop()
			if !ok {
				break
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				if w.ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		select {
		case <-w.ctx.Done():
			return nil
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				if w.ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-w.queue.ready:
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.media && w.pacer != nil {
		if err := w.pacer.Wait(w.ctx); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(writeTimeout)
	if err := w.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := w.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
		return err
	}
	w.logger.Debug("live frame sent", "kind", frame.kind, "bytes", len(frame.payload))
	return nil
}
