// Package toolcalls tracks tool calls issued by the model and matches them
// against responses supplied by the application.
package toolcalls

import (
	"strings"
	"time"

	"google.golang.org/genai"
)

// Call is a tool call awaiting a response.
type Call struct {
	ID       string
	Name     string
	Args     map[string]any
	IssuedAt time.Time
}

// Response answers one Call. When Err is set the model receives
// {"error": Err.Error()} instead of Output.
type Response struct {
	ID     string
	Name   string
	Output map[string]any
	Err    error
}

// FunctionResponse converts r to its wire form.
func (r Response) FunctionResponse() *genai.FunctionResponse {
	out := r.Output
	if r.Err != nil {
		out = map[string]any{"error": r.Err.Error()}
	}
	if out == nil {
		out = map[string]any{}
	}
	return &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: out}
}

// RejectReason explains why a response was not accepted.
type RejectReason int

const (
	// RejectUnknown: the id was never issued on this connection.
	RejectUnknown RejectReason = iota
	// RejectAnswered: a response for the id was already accepted.
	RejectAnswered
	// RejectCancelled: the server cancelled the call before the response arrived.
	RejectCancelled
)

func (r RejectReason) String() string {
	switch r {
	case RejectAnswered:
		return "already_answered"
	case RejectCancelled:
		return "cancelled"
	default:
		return "unknown_id"
	}
}

// Rejection is a response the correlator refused.
type Rejection struct {
	ID     string
	Reason RejectReason
}

type settlement int

const (
	settledAnswered settlement = iota + 1
	settledCancelled
)

// Correlator is the pending set. It is not safe for concurrent use; the
// owning session serializes access.
type Correlator struct {
	now     func() time.Time
	pending map[string]Call
	order   []string
	settled map[string]settlement
}

// New returns an empty Correlator. A nil now uses time.Now.
func New(now func() time.Time) *Correlator {
	if now == nil {
		now = time.Now
	}
	return &Correlator{
		now:     now,
		pending: make(map[string]Call),
		settled: make(map[string]settlement),
	}
}

// Register adds calls to the pending set. Calls with an empty id, or an id
// that is pending or already settled, are returned as rejected and not added.
func (c *Correlator) Register(calls []*genai.FunctionCall) (registered []Call, rejected []string) {
	issuedAt := c.now()
	for _, fc := range calls {
		if fc == nil {
			continue
		}
		id := strings.TrimSpace(fc.ID)
		if id == "" {
			rejected = append(rejected, fc.ID)
			continue
		}
		if _, ok := c.pending[id]; ok {
			rejected = append(rejected, id)
			continue
		}
		if _, ok := c.settled[id]; ok {
			rejected = append(rejected, id)
			continue
		}
		call := Call{ID: id, Name: fc.Name, Args: fc.Args, IssuedAt: issuedAt}
		c.pending[id] = call
		c.order = append(c.order, id)
		registered = append(registered, call)
	}
	return registered, rejected
}

// Cancel removes ids from the pending set and returns those that were pending.
func (c *Correlator) Cancel(ids []string) []string {
	var removed []string
	for _, id := range ids {
		if _, ok := c.pending[id]; !ok {
			continue
		}
		delete(c.pending, id)
		c.settled[id] = settledCancelled
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		c.compact()
	}
	return removed
}

// Check reports how responses would be handled without changing any state.
func (c *Correlator) Check(responses []Response) (accepted []Response, rejected []Rejection) {
	seen := make(map[string]struct{}, len(responses))
	for _, r := range responses {
		if _, dup := seen[r.ID]; dup {
			rejected = append(rejected, Rejection{ID: r.ID, Reason: RejectAnswered})
			continue
		}
		call, ok := c.pending[r.ID]
		if !ok {
			rejected = append(rejected, Rejection{ID: r.ID, Reason: c.reasonFor(r.ID)})
			continue
		}
		seen[r.ID] = struct{}{}
		if r.Name == "" {
			r.Name = call.Name
		}
		accepted = append(accepted, r)
	}
	return accepted, rejected
}

// Accept removes every pending id answered by responses. Each id is accepted
// at most once; later responses for it are rejected.
func (c *Correlator) Accept(responses []Response) (accepted []Response, rejected []Rejection) {
	accepted, rejected = c.Check(responses)
	for _, r := range accepted {
		delete(c.pending, r.ID)
		c.settled[r.ID] = settledAnswered
	}
	if len(accepted) > 0 {
		c.compact()
	}
	return accepted, rejected
}

func (c *Correlator) reasonFor(id string) RejectReason {
	switch c.settled[id] {
	case settledAnswered:
		return RejectAnswered
	case settledCancelled:
		return RejectCancelled
	default:
		return RejectUnknown
	}
}

// Pending returns the pending call for id.
func (c *Correlator) Pending(id string) (Call, bool) {
	call, ok := c.pending[id]
	return call, ok
}

// Calls returns the pending calls in issue order.
func (c *Correlator) Calls() []Call {
	out := make([]Call, 0, len(c.order))
	for _, id := range c.order {
		if call, ok := c.pending[id]; ok {
			out = append(out, call)
		}
	}
	return out
}

// Len returns the number of pending calls.
func (c *Correlator) Len() int {
	return len(c.pending)
}

// Reset discards every pending call and settlement record and returns the
// number of calls that were still pending.
func (c *Correlator) Reset() int {
	n := len(c.pending)
	c.pending = make(map[string]Call)
	c.settled = make(map[string]settlement)
	c.order = nil
	return n
}

func (c *Correlator) compact() {
	kept := c.order[:0]
	for _, id := range c.order {
		if _, ok := c.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	c.order = kept
}
