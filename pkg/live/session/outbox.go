package session

import (
	"errors"
	"sync"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

var errOutboxClosed = errors.New("outbound queue is closed")

type outboundFrame struct {
	kind    protocol.Kind
	payload []byte
	media   bool
}

// outbox orders frames for one connection. Control frames (setup) are
// written as soon as the writer runs; data frames are held until release
// and then written in submission order. discard drops everything and
// refuses further frames.
type outbox struct {
	mu       sync.Mutex
	control  []outboundFrame
	frames   []outboundFrame
	released bool
	closed   bool
	limit    int
	ready    chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit, ready: make(chan struct{}, 1)}
}

func (q *outbox) pushControl(f outboundFrame) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errOutboxClosed
	}
	q.control = append(q.control, f)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *outbox) push(f outboundFrame) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errOutboxClosed
	}
	if q.limit > 0 && len(q.frames) >= q.limit {
		q.mu.Unlock()
		return core.ErrBackpressure
	}
	q.frames = append(q.frames, f)
	released := q.released
	q.mu.Unlock()
	if released {
		q.signal()
	}
	return nil
}

func (q *outbox) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit > 0 && len(q.frames) >= q.limit
}

// release makes every held frame writable at once and returns how many
// were held.
func (q *outbox) release() int {
	q.mu.Lock()
	q.released = true
	n := len(q.frames)
	q.mu.Unlock()
	q.signal()
	return n
}

// discard closes the queue and returns the number of unwritten frames.
func (q *outbox) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.control) + len(q.frames)
	q.control = nil
	q.frames = nil
	q.closed = true
	return n
}

func (q *outbox) pop() (outboundFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return outboundFrame{}, false
	}
	if len(q.control) > 0 {
		f := q.control[0]
		q.control = q.control[1:]
		return f, true
	}
	if !q.released || len(q.frames) == 0 {
		return outboundFrame{}, false
	}
	f := q.frames[0]
	q.frames[0] = outboundFrame{}
	q.frames = q.frames[1:]
	return f, true
}

func (q *outbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
