package media

import (
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/frames"
)

// FrameQueue is a bounded per-direction audio queue. When full it drops the
// oldest frame rather than blocking the receive loop: transcription value
// degrades faster from stale audio than from an occasional lost frame.
//
// One producer (the ingest router) and one consumer (the interleaver).
type FrameQueue struct {
	mu      sync.Mutex
	buf     []frames.AudioFrame
	depth   int
	dropped uint64
	closed  bool
	wake    chan struct{}
}

const DefaultQueueDepth = 100

func NewFrameQueue(depth int) *FrameQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &FrameQueue{
		depth: depth,
		wake:  make(chan struct{}, 1),
	}
}

// Push appends a frame, evicting the oldest one when the queue is full.
// Pushing to a closed queue is a no-op.
func (q *FrameQueue) Push(f frames.AudioFrame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.buf) >= q.depth {
		q.buf = q.buf[1:]
		q.dropped++
	}
	q.buf = append(q.buf, f)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop returns the oldest frame without waiting.
func (q *FrameQueue) Pop() (frames.AudioFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return frames.AudioFrame{}, false
	}
	f := q.buf[0]
	q.buf = q.buf[1:]
	return f, true
}

// PopWait returns the oldest frame, waiting up to timeout for one to arrive.
// It returns false if the timeout elapses or the queue is closed and empty.
func (q *FrameQueue) PopWait(timeout time.Duration) (frames.AudioFrame, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			f := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return f, true
		}
		if q.closed {
			q.mu.Unlock()
			return frames.AudioFrame{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-deadline.C:
			return frames.AudioFrame{}, false
		}
	}
}

// Close marks the queue closed and wakes any waiting consumer. Frames
// already queued remain readable via Pop.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped reports how many frames were evicted due to overflow.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
