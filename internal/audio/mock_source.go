package audio

import (
	"context"
	"sync"
	"time"
)

// MockSource emits a scripted number of frames at a fixed interval. Used in
// tests and for running the pipeline without a microphone.
type MockSource struct {
	FrameCount int
	FrameSize  int
	Interval   time.Duration
	FailAfter  int // emit ErrCaptureInterrupted after this many frames, 0 = never

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (m *MockSource) Start(ctx context.Context) (<-chan Frame, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	frames := make(chan Frame)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(frames)
		for i := 0; i < m.FrameCount || m.FrameCount < 0; i++ {
			if m.FailAfter > 0 && i >= m.FailAfter {
				m.mu.Lock()
				m.err = ErrCaptureInterrupted
				m.mu.Unlock()
				return
			}
			frame := Frame{
				Seq:      uint64(i),
				Captured: time.Now().UTC(),
				PCM:      make([]byte, m.FrameSize),
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
			if m.Interval > 0 {
				select {
				case <-time.After(m.Interval):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return frames, nil
}

func (m *MockSource) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *MockSource) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
