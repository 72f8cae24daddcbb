package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// Queue is an unbounded FIFO of decoded buffers awaiting playback. Push never
// blocks. All methods are safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []audio.Buffer
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends b to the tail of the queue.
func (q *Queue) Push(b audio.Buffer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, b)
}

// PopNext removes and returns the head of the queue. ok is false when the
// queue is empty.
func (q *Queue) PopNext() (b audio.Buffer, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return audio.Buffer{}, false
	}
	b = q.items[0]
	q.items[0] = audio.Buffer{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return b, true
}

// Clear atomically empties the queue and returns how many buffers it dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Duration returns the total playback length of the queued buffers.
func (q *Queue) Duration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d time.Duration
	for _, b := range q.items {
		d += b.Duration()
	}
	return d
}
