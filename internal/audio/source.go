package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/scribeware/scribe-core/internal/config"
)

// Source produces a stream of fixed-duration frames until Stop is called.
// The frame channel is closed on Stop or device loss; Err reports why the
// stream ended when the end was not a clean Stop.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop()
	Err() error
}

// ExecSource captures audio by running an external command (arecord, sox,
// ffmpeg) that writes raw little-endian 16-bit PCM to stdout. Device
// selection lives in the command line.
type ExecSource struct {
	cfg    config.AudioConfig
	cmd    []string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func NewExecSource(cfg config.AudioConfig) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecSource{cfg: cfg, cmd: args}, nil
}

func (s *ExecSource) Start(ctx context.Context) (<-chan Frame, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	frames := make(chan Frame)
	frameBytes := FrameBytes(s.cfg.SampleRate, s.cfg.Channels, s.cfg.FrameDurationMS)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(frames)
		defer cmd.Wait()

		var seq uint64
		buf := make([]byte, frameBytes)
		for {
			if _, err := io.ReadFull(stdout, buf); err != nil {
				if ctx.Err() == nil && err != io.EOF {
					s.setErr(fmt.Errorf("%w: %v", ErrCaptureInterrupted, err))
				} else if ctx.Err() == nil && err == io.EOF {
					// The capture process exiting on its own is a device loss.
					s.setErr(fmt.Errorf("%w: capture command exited", ErrCaptureInterrupted))
				}
				return
			}
			frame := Frame{
				Seq:      seq,
				Captured: time.Now().UTC(),
				PCM:      append([]byte(nil), buf...),
			}
			seq++
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, nil
}

func (s *ExecSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *ExecSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ExecSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
