package session

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/toolcalls"
	"google.golang.org/genai"
)

// inboundDispatcher turns an envelope received while Open into events.
// setupComplete during the handshake is handled by the connection itself.
type inboundDispatcher struct {
	calls  *toolcalls.Correlator
	logger *slog.Logger
}

func (d *inboundDispatcher) dispatch(env protocol.Envelope) []Event {
	var events []Event

	switch {
	case env.SetupComplete != nil:
		d.logger.Warn("ignoring repeated setupComplete")
		events = append(events, ErrorEvent{Err: core.NewProtocolViolation("duplicate_setup_complete", "setupComplete received after the session opened")})
	case env.ServerContent != nil:
		events = d.serverContent(env.ServerContent)
	case env.ToolCall != nil:
		events = d.toolCall(env.ToolCall)
	case env.ToolCallCancellation != nil:
		ids := append([]string(nil), env.ToolCallCancellation.IDs...)
		removed := d.calls.Cancel(ids)
		d.logger.Info("tool calls cancelled", "ids", ids, "pending_removed", len(removed))
		events = append(events, ToolCallCancellationEvent{IDs: ids})
	case env.GoAway != nil:
		d.logger.Warn("service will close the connection", "time_left", env.GoAway.TimeLeft)
	}

	if len(env.UsageMetadata) > 0 {
		d.logger.Debug("usage metadata", "usage", string(env.UsageMetadata))
	}
	return events
}

func (d *inboundDispatcher) serverContent(sc *protocol.ServerContent) []Event {
	var events []Event
	if sc.Interrupted {
		events = append(events, InterruptedEvent{})
	}

	if sc.ModelTurn != nil {
		var other []*genai.Part
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if isAudioPart(part) {
				events = append(events, AudioEvent{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data})
				continue
			}
			other = append(other, part)
		}
		if len(other) > 0 {
			events = append(events, ContentEvent{Parts: other})
		}
	}

	if sc.TurnComplete {
		events = append(events, TurnCompleteEvent{})
	}
	return events
}

func (d *inboundDispatcher) toolCall(tc *protocol.ToolCall) []Event {
	var events []Event
	registered, rejected := d.calls.Register(tc.FunctionCalls)
	if len(rejected) > 0 {
		d.logger.Warn("dropping tool calls with missing or duplicate ids", "ids", rejected)
		events = append(events, ErrorEvent{Err: core.NewProtocolViolation(
			"invalid_tool_call_id",
			fmt.Sprintf("tool call ids missing or already in use: %q", rejected),
		)})
	}
	if len(registered) > 0 {
		names := make([]string, 0, len(registered))
		for _, c := range registered {
			names = append(names, c.Name)
		}
		d.logger.Info("tool calls received", "count", len(registered), "names", names)
		events = append(events, ToolCallEvent{Calls: registered})
	}
	return events
}

func isAudioPart(p *genai.Part) bool {
	return p.InlineData != nil && strings.HasPrefix(strings.ToLower(p.InlineData.MIMEType), "audio/")
}
