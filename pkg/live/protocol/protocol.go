// Package protocol maps Gemini Live envelopes to and from their JSON wire
// form. Leaf payloads (parts, blobs, tools, function calls) reuse the genai
// types so they serialize exactly as the service expects.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/genai"
)

// Kind identifies which member of an Envelope is set.
type Kind string

const (
	KindSetup         Kind = "setup"
	KindClientContent Kind = "clientContent"
	KindRealtimeInput Kind = "realtimeInput"
	KindToolResponse  Kind = "toolResponse"

	KindSetupComplete        Kind = "setupComplete"
	KindServerContent        Kind = "serverContent"
	KindToolCall             Kind = "toolCall"
	KindToolCallCancellation Kind = "toolCallCancellation"
	KindGoAway               Kind = "goAway"
	KindUsageMetadata        Kind = "usageMetadata"
)

// primaryKinds is the decode order. usageMetadata is excluded because the
// service may attach it to another envelope.
var primaryKinds = []Kind{
	KindSetup,
	KindClientContent,
	KindRealtimeInput,
	KindToolResponse,
	KindSetupComplete,
	KindServerContent,
	KindToolCall,
	KindToolCallCancellation,
	KindGoAway,
}

// FromServer reports whether k is sent by the service.
func (k Kind) FromServer() bool {
	switch k {
	case KindSetupComplete, KindServerContent, KindToolCall, KindToolCallCancellation, KindGoAway, KindUsageMetadata:
		return true
	default:
		return false
	}
}

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Envelope is one protocol message. Exactly one of the pointer members is
// set; UsageMetadata may accompany a server envelope or stand alone.
type Envelope struct {
	Setup         *Setup         `json:"setup,omitempty"`
	ClientContent *ClientContent `json:"clientContent,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`

	SetupComplete        *SetupComplete        `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
	UsageMetadata        json.RawMessage       `json:"usageMetadata,omitempty"`
}

// Kind returns the kind of the set member, or "" when none is set.
func (e Envelope) Kind() Kind {
	kinds := e.setKinds()
	if len(kinds) > 0 {
		return kinds[0]
	}
	if len(e.UsageMetadata) > 0 {
		return KindUsageMetadata
	}
	return ""
}

func (e Envelope) setKinds() []Kind {
	var out []Kind
	for _, k := range primaryKinds {
		if e.has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (e Envelope) has(k Kind) bool {
	switch k {
	case KindSetup:
		return e.Setup != nil
	case KindClientContent:
		return e.ClientContent != nil
	case KindRealtimeInput:
		return e.RealtimeInput != nil
	case KindToolResponse:
		return e.ToolResponse != nil
	case KindSetupComplete:
		return e.SetupComplete != nil
	case KindServerContent:
		return e.ServerContent != nil
	case KindToolCall:
		return e.ToolCall != nil
	case KindToolCallCancellation:
		return e.ToolCallCancellation != nil
	case KindGoAway:
		return e.GoAway != nil
	case KindUsageMetadata:
		return len(e.UsageMetadata) > 0
	}
	return false
}

// GenerationConfig is the subset of generation settings the Live setup accepts.
type GenerationConfig struct {
	ResponseModalities []genai.Modality    `json:"responseModalities,omitempty"`
	SpeechConfig       *genai.SpeechConfig `json:"speechConfig,omitempty"`
	Temperature        *float32            `json:"temperature,omitempty"`
	MaxOutputTokens    int32               `json:"maxOutputTokens,omitempty"`
}

type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool     `json:"tools,omitempty"`
}

type ClientContent struct {
	Turns        []*genai.Content `json:"turns,omitempty"`
	TurnComplete bool             `json:"turnComplete,omitempty"`
}

type RealtimeInput struct {
	MediaChunks []*genai.Blob `json:"mediaChunks"`
}

type ToolResponse struct {
	FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn    *genai.Content `json:"modelTurn,omitempty"`
	TurnComplete bool           `json:"turnComplete,omitempty"`
	Interrupted  bool           `json:"interrupted,omitempty"`
}

type ToolCall struct {
	FunctionCalls []*genai.FunctionCall `json:"functionCalls"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// GoAway announces that the service will close the connection soon.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// Encode serializes env. It performs no I/O.
func Encode(env Envelope) ([]byte, error) {
	kinds := env.setKinds()
	switch {
	case len(kinds) == 0 && len(env.UsageMetadata) == 0:
		return nil, badRequest("envelope has no message set", "")
	case len(kinds) > 1:
		return nil, badRequest(fmt.Sprintf("envelope sets %d messages, want 1", len(kinds)), "")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Kind(), err)
	}
	return data, nil
}

// Decode parses a frame of either direction.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, badRequest("invalid json frame", "")
	}

	var found []Kind
	for _, k := range primaryKinds {
		if _, ok := fields[string(k)]; ok {
			found = append(found, k)
		}
	}
	usage, hasUsage := fields[string(KindUsageMetadata)]

	switch {
	case len(found) == 0 && !hasUsage:
		return Envelope{}, unsupported("unsupported message type", keysOf(fields))
	case len(found) > 1:
		return Envelope{}, badRequest("frame carries more than one message", keysOf(fields))
	}

	var env Envelope
	if hasUsage {
		if isNull(usage) {
			return Envelope{}, badRequest("usageMetadata must be an object", string(KindUsageMetadata))
		}
		env.UsageMetadata = usage
	}
	if len(found) == 0 {
		return env, nil
	}

	k := found[0]
	raw := fields[string(k)]
	if isNull(raw) {
		return Envelope{}, badRequest(fmt.Sprintf("%s must be an object", k), string(k))
	}

	var err error
	switch k {
	case KindSetup:
		env.Setup = &Setup{}
		err = json.Unmarshal(raw, env.Setup)
		if err == nil && strings.TrimSpace(env.Setup.Model) == "" {
			return Envelope{}, badRequest("setup.model is required", "model")
		}
	case KindClientContent:
		env.ClientContent = &ClientContent{}
		err = json.Unmarshal(raw, env.ClientContent)
	case KindRealtimeInput:
		env.RealtimeInput = &RealtimeInput{}
		err = json.Unmarshal(raw, env.RealtimeInput)
		if err == nil && len(env.RealtimeInput.MediaChunks) == 0 {
			return Envelope{}, badRequest("realtimeInput.mediaChunks is required", "mediaChunks")
		}
	case KindToolResponse:
		env.ToolResponse = &ToolResponse{}
		err = json.Unmarshal(raw, env.ToolResponse)
		if err == nil && len(env.ToolResponse.FunctionResponses) == 0 {
			return Envelope{}, badRequest("toolResponse.functionResponses is required", "functionResponses")
		}
	case KindSetupComplete:
		env.SetupComplete = &SetupComplete{}
		err = json.Unmarshal(raw, env.SetupComplete)
	case KindServerContent:
		env.ServerContent = &ServerContent{}
		err = json.Unmarshal(raw, env.ServerContent)
	case KindToolCall:
		env.ToolCall = &ToolCall{}
		err = json.Unmarshal(raw, env.ToolCall)
		if err == nil && len(env.ToolCall.FunctionCalls) == 0 {
			return Envelope{}, badRequest("toolCall.functionCalls is required", "functionCalls")
		}
	case KindToolCallCancellation:
		env.ToolCallCancellation = &ToolCallCancellation{}
		err = json.Unmarshal(raw, env.ToolCallCancellation)
		if err == nil && len(env.ToolCallCancellation.IDs) == 0 {
			return Envelope{}, badRequest("toolCallCancellation.ids is required", "ids")
		}
	case KindGoAway:
		env.GoAway = &GoAway{}
		err = json.Unmarshal(raw, env.GoAway)
	}
	if err != nil {
		return Envelope{}, badRequest(fmt.Sprintf("invalid %s", k), string(k))
	}
	return env, nil
}

// DecodeServerMessage decodes a frame received from the service.
func DecodeServerMessage(data []byte) (Envelope, error) {
	env, err := Decode(data)
	if err != nil {
		return Envelope{}, err
	}
	if k := env.Kind(); !k.FromServer() {
		return Envelope{}, unsupported("client message received from server", string(k))
	}
	return env, nil
}

// DecodeClientMessage decodes a frame sent by a client.
func DecodeClientMessage(data []byte) (Envelope, error) {
	env, err := Decode(data)
	if err != nil {
		return Envelope{}, err
	}
	if k := env.Kind(); k.FromServer() {
		return Envelope{}, unsupported("server message received from client", string(k))
	}
	return env, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func keysOf(fields map[string]json.RawMessage) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
