// ABOUTME: Bounded frame queue shared between decode producers and the
// ABOUTME: render callback; drop-oldest for voice, bounded-wait for music
package codec

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when a bounded-wait Put times out.
	ErrQueueFull = errors.New("playback queue full")

	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("audio codec closed")
)

// Frame is one queued playback unit. An EOS frame carries no samples and
// marks the end of a decoded stream.
type Frame struct {
	Samples []int16
	EOS     bool
}

// FrameQueue is a fixed-capacity FIFO of audio frames. All methods are safe
// for concurrent use; TryPop never blocks and is the only method the render
// callback may call.
type FrameQueue struct {
	mu       sync.Mutex
	frames   []Frame
	head     int
	count    int
	notFull  chan struct{}
	notEmpty chan struct{}
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		frames:   make([]Frame, capacity),
		notFull:  make(chan struct{}, 1),
		notEmpty: make(chan struct{}, 1),
	}
}

// PutDropOldest enqueues f, evicting the oldest frame when full. Returns the
// number of frames dropped (0 or 1).
func (q *FrameQueue) PutDropOldest(f Frame) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	if q.count == len(q.frames) {
		q.frames[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.frames)
		q.count--
		dropped = 1
	}
	q.put(f)
	return dropped
}

// Put enqueues f, waiting up to timeout for room. Returns ErrQueueFull on
// timeout and the context error on cancellation.
func (q *FrameQueue) Put(ctx context.Context, f Frame, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.count < len(q.frames) {
			q.put(f)
			q.mu.Unlock()
			return nil
		}
		// Clear any stale signal while holding the lock so a subsequent
		// TryPop is guaranteed to wake us.
		select {
		case <-q.notFull:
		default:
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-deadline.C:
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// put appends f. Caller must hold q.mu and have verified there is room.
func (q *FrameQueue) put(f Frame) {
	tail := (q.head + q.count) % len(q.frames)
	q.frames[tail] = f
	q.count++
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Pop blocks until a frame is available or the context ends. Producer-side
// consumers (the music drain task) use this; the render callback must use
// TryPop instead.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, error) {
	for {
		if f, ok := q.TryPop(); ok {
			return f, nil
		}
		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// TryPop removes and returns the oldest frame without blocking.
func (q *FrameQueue) TryPop() (Frame, bool) {
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return Frame{}, false
	}
	f := q.frames[q.head]
	q.frames[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.frames)
	q.count--
	q.mu.Unlock()

	select {
	case q.notFull <- struct{}{}:
	default:
	}
	return f, true
}

// Drain discards all queued frames and returns how many were removed.
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	n := q.count
	for i := range q.frames {
		q.frames[i] = Frame{}
	}
	q.head = 0
	q.count = 0
	q.mu.Unlock()

	if n > 0 {
		select {
		case q.notFull <- struct{}{}:
		default:
		}
	}
	return n
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int {
	return len(q.frames)
}
