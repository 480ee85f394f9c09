package audio

import (
	"context"
	"errors"
	"testing"

	"github.com/scribeware/scribe-core/internal/config"
)

func TestFrameBytes(t *testing.T) {
	// 100 ms of 16 kHz mono 16-bit audio.
	if got := FrameBytes(16000, 1, 100); got != 3200 {
		t.Fatalf("expected 3200 bytes, got %d", got)
	}
	if got := FrameBytes(44100, 2, 20); got != 3528 {
		t.Fatalf("expected 3528 bytes, got %d", got)
	}
}

func TestExecSourceRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecSource(config.AudioConfig{Command: "   "})
	if err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecSourceMissingBinary(t *testing.T) {
	src, err := NewExecSource(config.AudioConfig{
		Command:         "definitely-not-a-real-capture-binary",
		SampleRate:      16000,
		Channels:        1,
		FrameDurationMS: 100,
	})
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if _, err := src.Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestExecSourceReadsFixedFrames(t *testing.T) {
	// 4 bytes per frame at 16-bit mono 1 ms / 2 kHz keeps the test fast.
	src, err := NewExecSource(config.AudioConfig{
		Command:         "head -c 12 /dev/zero",
		SampleRate:      2000,
		Channels:        1,
		FrameDurationMS: 1,
	})
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var got []Frame
	for f := range frames {
		got = append(got, f)
	}
	src.Stop()

	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	for i, f := range got {
		if f.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, f.Seq)
		}
		if len(f.PCM) != 4 {
			t.Fatalf("expected 4-byte frame, got %d", len(f.PCM))
		}
	}
	// The command exiting on its own counts as device loss.
	if !errors.Is(src.Err(), ErrCaptureInterrupted) {
		t.Fatalf("expected ErrCaptureInterrupted, got %v", src.Err())
	}
}

func TestMockSourceEmitsScriptedFrames(t *testing.T) {
	src := &MockSource{FrameCount: 5, FrameSize: 4}
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var count int
	for range frames {
		count++
	}
	src.Stop()
	if count != 5 {
		t.Fatalf("expected 5 frames, got %d", count)
	}
	if src.Err() != nil {
		t.Fatalf("unexpected error: %v", src.Err())
	}
}

func TestMockSourceFailAfter(t *testing.T) {
	src := &MockSource{FrameCount: 10, FrameSize: 4, FailAfter: 3}
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var count int
	for range frames {
		count++
	}
	src.Stop()
	if count != 3 {
		t.Fatalf("expected 3 frames before failure, got %d", count)
	}
	if !errors.Is(src.Err(), ErrCaptureInterrupted) {
		t.Fatalf("expected ErrCaptureInterrupted, got %v", src.Err())
	}
}
