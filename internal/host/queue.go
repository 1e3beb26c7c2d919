package host

import (
	"errors"
	"io"
	"sync"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("output queue closed")

// OutputQueue is an unbounded FIFO of received payloads waiting to be
// written to local output. One goroutine pushes, one drains.
type OutputQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	ready  chan struct{}
}

// NewOutputQueue creates an empty queue.
func NewOutputQueue() *OutputQueue {
	return &OutputQueue{ready: make(chan struct{}, 1)}
}

// Push appends payload and signals Ready.
func (q *OutputQueue) Push(payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, payload)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest payload.
func (q *OutputQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

// Ready returns a channel that receives after a Push. A receive means the
// queue may be non-empty; drain until Pop reports empty.
func (q *OutputQueue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued payloads.
func (q *OutputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Queued payloads stay available to Pop.
func (q *OutputQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

type flusher interface {
	Flush() error
}

// DrainTo writes every queued payload to w in order, flushing after each
// one when w supports it. It returns the number of payloads and bytes
// written. The lock is not held while writing.
func (q *OutputQueue) DrainTo(w io.Writer) (frames, bytes int, err error) {
	f, _ := w.(flusher)
	for {
		p, ok := q.Pop()
		if !ok {
			return frames, bytes, nil
		}
		n, err := w.Write(p)
		bytes += n
		if err != nil {
			return frames, bytes, err
		}
		if f != nil {
			if err := f.Flush(); err != nil {
				return frames, bytes, err
			}
		}
		frames++
	}
}
