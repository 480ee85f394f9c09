package audio

import (
	"errors"
	"time"
)

// Frame is one fixed-duration chunk of captured PCM. Frames are immutable
// after capture and consumed exactly once by the active recognition session.
type Frame struct {
	Seq      uint64
	Captured time.Time
	PCM      []byte
}

var (
	// ErrDeviceUnavailable is returned when the capture device cannot be opened.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
	// ErrCaptureInterrupted is reported when the device is lost mid-stream.
	ErrCaptureInterrupted = errors.New("audio: capture interrupted")
	// ErrQueueClosed is returned by Pop once the queue is closed and drained.
	ErrQueueClosed = errors.New("audio: frame queue closed")
)

// FrameBytes returns the PCM payload size of one frame for 16-bit samples.
func FrameBytes(sampleRate, channels, frameDurationMS int) int {
	samples := sampleRate * frameDurationMS / 1000
	return samples * channels * 2
}
