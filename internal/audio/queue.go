package audio

import (
	"context"
	"sync"
)

// FrameQueue decouples capture cadence from network send cadence. Push never
// blocks the capture side: on overflow the oldest frame is dropped and the
// backpressure hook fires once per overflow burst. Pop blocks until a frame
// is available, the context ends, or the queue is closed and drained.
type FrameQueue struct {
	ch chan Frame

	mu          sync.Mutex
	closed      bool
	dropped     uint64
	overflowing bool
	onOverflow  func(dropped uint64)
}

func NewFrameQueue(capacity int, onOverflow func(dropped uint64)) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{
		ch:         make(chan Frame, capacity),
		onOverflow: onOverflow,
	}
}

func (q *FrameQueue) Push(frame Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var fire func(uint64)
	var dropped uint64
	select {
	case q.ch <- frame:
		q.overflowing = false
	default:
		// Drop the oldest frame so the freshest audio survives.
		select {
		case <-q.ch:
		default:
		}
		q.dropped++
		select {
		case q.ch <- frame:
		default:
			q.dropped++
		}
		if !q.overflowing {
			q.overflowing = true
			fire = q.onOverflow
			dropped = q.dropped
		}
	}
	q.mu.Unlock()

	if fire != nil {
		fire(dropped)
	}
}

func (q *FrameQueue) Pop(ctx context.Context) (Frame, error) {
	select {
	case frame, ok := <-q.ch:
		if !ok {
			return Frame{}, ErrQueueClosed
		}
		return frame, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close stops accepting frames. Frames already buffered remain available to
// Pop until drained.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Discard empties the queue without delivering the remaining frames.
func (q *FrameQueue) Discard() {
	for {
		select {
		case _, ok := <-q.ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (q *FrameQueue) Len() int {
	return len(q.ch)
}

func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
