package session

import (
	"sync"

	"github.com/vango-go/vai-live/pkg/live/toolcalls"
	"google.golang.org/genai"
)

// EventKind names an event a Session emits.
type EventKind string

const (
	EventOpen                 EventKind = "open"
	EventClose                EventKind = "close"
	EventError                EventKind = "error"
	EventContent              EventKind = "content"
	EventAudio                EventKind = "audio"
	EventInterrupted          EventKind = "interrupted"
	EventTurnComplete         EventKind = "turncomplete"
	EventToolCall             EventKind = "toolcall"
	EventToolCallCancellation EventKind = "toolcallcancellation"
)

// Event is implemented by every event payload.
type Event interface {
	Kind() EventKind
}

// OpenEvent fires once per connection when setup completes.
type OpenEvent struct {
	SessionID string
}

// CloseEvent fires once per connection when it ends. Err is nil for a
// client-initiated disconnect.
type CloseEvent struct {
	Reason string
	Err    error
}

// ErrorEvent reports a failure. Fatal failures are followed by CloseEvent.
type ErrorEvent struct {
	Err error
}

// ContentEvent carries the non-audio parts of one model turn message.
type ContentEvent struct {
	Parts []*genai.Part
}

// AudioEvent carries one audio part.
type AudioEvent struct {
	MIMEType string
	Data     []byte
}

// InterruptedEvent tells the caller to stop playing queued audio.
type InterruptedEvent struct{}

type TurnCompleteEvent struct{}

// ToolCallEvent carries every call of one toolCall message.
type ToolCallEvent struct {
	Calls []toolcalls.Call
}

type ToolCallCancellationEvent struct {
	IDs []string
}

func (OpenEvent) Kind() EventKind                 { return EventOpen }
func (CloseEvent) Kind() EventKind                { return EventClose }
func (ErrorEvent) Kind() EventKind                { return EventError }
func (ContentEvent) Kind() EventKind              { return EventContent }
func (AudioEvent) Kind() EventKind                { return EventAudio }
func (InterruptedEvent) Kind() EventKind          { return EventInterrupted }
func (TurnCompleteEvent) Kind() EventKind         { return EventTurnComplete }
func (ToolCallEvent) Kind() EventKind             { return EventToolCall }
func (ToolCallCancellationEvent) Kind() EventKind { return EventToolCallCancellation }

// Handler receives events synchronously.
type Handler func(Event)

// Subscription identifies one registered Handler.
type Subscription struct {
	kind EventKind
	id   uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// eventBus delivers events in emission order. Events are queued by any
// goroutine and drained by whichever goroutine is not already draining, so
// handlers may call back into the Session.
type eventBus struct {
	mu       sync.Mutex
	subs     map[EventKind][]subscriber
	nextID   uint64
	queue    []Event
	draining bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[EventKind][]subscriber)}
}

func (b *eventBus) subscribe(kind EventKind, fn Handler) Subscription {
	if fn == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[kind] = append(b.subs[kind], subscriber{id: b.nextID, fn: fn})
	return Subscription{kind: kind, id: b.nextID}
}

func (b *eventBus) unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		// Build a new slice; a drain in progress keeps iterating its copy.
		next := make([]subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		b.subs[sub.kind] = next
		return true
	}
	return false
}

func (b *eventBus) enqueue(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, events...)
	b.mu.Unlock()
}

func (b *eventBus) drain() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	finished := false
	defer func() {
		if !finished {
			// A handler panicked; let the next drain pick up the rest.
			b.mu.Lock()
			b.draining = false
			b.mu.Unlock()
		}
	}()

	for len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		handlers := b.subs[ev.Kind()]
		b.mu.Unlock()
		for _, s := range handlers {
			s.fn(ev)
		}
		b.mu.Lock()
	}
	b.queue = nil
	b.draining = false
	finished = true
	b.mu.Unlock()
}
