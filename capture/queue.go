package capture

import (
	"sync"

	"github.com/room4-2/voicelive/live"
)

// DefaultQueueFrames bounds the outbound queue (about 8s of 4096 sample frames)
const DefaultQueueFrames = 32

// Queue is a bounded FIFO of encoded frames waiting to be sent.
// When full, the oldest frame is evicted to make room.
type Queue struct {
	frames    []live.EncodedChunk
	maxFrames int
	dropped   int
	ready     chan struct{}
	mu        sync.Mutex
}

// NewQueue creates a queue holding at most maxFrames frames
func NewQueue(maxFrames int) *Queue {
	if maxFrames < 1 {
		maxFrames = DefaultQueueFrames
	}
	return &Queue{
		frames:    make([]live.EncodedChunk, 0, maxFrames),
		maxFrames: maxFrames,
		ready:     make(chan struct{}, 1),
	}
}

// MaxFrames returns the queue capacity
func (q *Queue) MaxFrames() int {
	return q.maxFrames
}

// Push appends a frame and reports whether an older frame was evicted
func (q *Queue) Push(chunk live.EncodedChunk) (evicted bool) {
	q.mu.Lock()
	if len(q.frames) >= q.maxFrames {
		q.frames[0] = live.EncodedChunk{}
		q.frames = q.frames[1:]
		q.dropped++
		evicted = true
	}
	q.frames = append(q.frames, chunk)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes the oldest frame
func (q *Queue) Pop() (live.EncodedChunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return live.EncodedChunk{}, false
	}
	chunk := q.frames[0]
	q.frames[0] = live.EncodedChunk{}
	q.frames = q.frames[1:]
	return chunk, true
}

// Ready is signalled after every Push. A single pending signal may cover
// several frames.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Clear empties the queue without returning data
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = make([]live.EncodedChunk, 0, q.maxFrames)
}

// Len returns the number of queued frames
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the number of frames evicted so far
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
