package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scribeware/scribe-core/internal/config"
	"github.com/scribeware/scribe-core/internal/protocol"
)

// Session owns exactly one streaming connection: frames go out as binary
// messages, results come back on Events. Transient mid-stream errors mark
// the session Failed and end the event stream; retry policy belongs to the
// supervisor, never here.
type Session struct {
	id   uint64
	cfg  config.RecognizerConfig
	conn Conn
	log  *slog.Logger

	events  chan Event
	done    chan struct{}
	status  atomic.Int32
	finals  atomic.Uint64
	started time.Time

	closeOnce sync.Once
	mu        sync.Mutex
	readErr   error
}

// Open dials the backend, sends the recognition config and waits for the
// ready ack before any audio flows.
func Open(ctx context.Context, dialer Dialer, cfg config.RecognizerConfig, sampleRate, channels int, id uint64, log *slog.Logger) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:      id,
		cfg:     cfg,
		conn:    conn,
		log:     log.With(slog.Uint64("session_id", id)),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.status.Store(int32(StatusConnecting))

	start := protocol.StartRequest{
		Type:        protocol.MessageStart,
		SampleRate:  sampleRate,
		Channels:    channels,
		Language:    cfg.Language,
		Encoding:    protocol.EncodingLinear16,
		Punctuation: cfg.Punctuation,
		ProjectID:   cfg.ProjectID,
	}
	deadline := time.Now().Add(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond)
	if err := conn.WriteJSON(start, deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: send config: %v", ErrConnectFailed, err)
	}

	ack, err := conn.Read()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: read config ack: %v", ErrConnectFailed, err)
	}
	switch ack.Type {
	case protocol.MessageReady:
	case protocol.MessageError:
		conn.Close()
		if ack.Code == protocol.ErrorCodeAuth {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, ack.Message)
		}
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, ack.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected ack %q", ErrConnectFailed, ack.Type)
	}

	s.status.Store(int32(StatusStreaming))
	go s.readLoop()

	s.log.Debug("recognition session streaming")
	return s, nil
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// FinalCount reports how many final segments this session has delivered.
// The supervisor uses it to decide when a draining session is flushed.
func (s *Session) FinalCount() uint64 {
	return s.finals.Load()
}

// Events yields results in backend emission order. The channel closes when
// the session ends, normally or not. The consumer must keep receiving until
// the channel closes: Close waits on the read loop, and the read loop blocks
// whenever events back up.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Send forwards one frame. Callers must stop sending once Close has been
// requested.
func (s *Session) Send(pcm []byte) error {
	if Status(s.status.Load()) != StatusStreaming {
		return ErrSessionClosed
	}
	deadline := time.Now().Add(time.Duration(s.cfg.SendTimeoutMS) * time.Millisecond)
	if err := s.conn.WriteAudio(pcm, deadline); err != nil {
		s.fail(fmt.Errorf("write audio: %w", err))
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return nil
}

// Close requests a graceful drain: stop sending, let in-flight finals
// arrive, then tear the connection down. Returns ErrDrainTimeout if the
// backend does not finish inside the drain window. The Events consumer must
// stay active while Close runs; Close does not return until the read loop
// has exited, which requires pending events to be consumed.
func (s *Session) Close(ctx context.Context) error {
	var drainErr error
	s.closeOnce.Do(func() {
		prev := Status(s.status.Swap(int32(StatusDraining)))
		if prev == StatusStreaming {
			deadline := time.Now().Add(time.Duration(s.cfg.SendTimeoutMS) * time.Millisecond)
			if err := s.conn.WriteJSON(protocol.StopRequest{Type: protocol.MessageStop}, deadline); err != nil {
				s.log.Debug("stop request failed", slog.String("error", err.Error()))
			}
		}

		drainWindow := time.Duration(s.cfg.DrainTimeoutMS) * time.Millisecond
		timer := time.NewTimer(drainWindow)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			drainErr = ErrDrainTimeout
		case <-ctx.Done():
			drainErr = ctx.Err()
		}

		s.conn.Close()
		if drainErr == nil {
			s.status.Store(int32(StatusClosed))
		} else {
			s.status.Store(int32(StatusFailed))
			// Wait for the reader to observe the closed connection so the
			// events channel is closed before Close returns.
			<-s.done
		}
	})
	return drainErr
}

// Err reports why the read loop ended, nil on clean shutdown.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

func (s *Session) readLoop() {
	defer close(s.events)
	defer close(s.done)
	for {
		msg, err := s.conn.Read()
		if err != nil {
			status := Status(s.status.Load())
			if status != StatusDraining && status != StatusClosed {
				s.fail(fmt.Errorf("read: %w", err))
				s.log.Warn("recognition stream failed", slog.String("error", err.Error()))
			}
			return
		}
		switch msg.Type {
		case protocol.MessageResult:
			if msg.IsFinal {
				s.finals.Add(1)
			}
			s.events <- Event{
				SessionID:    s.id,
				SegmentIndex: msg.SegmentIndex,
				Text:         msg.Text,
				Final:        msg.IsFinal,
			}
		case protocol.MessageDone:
			return
		case protocol.MessageError:
			s.fail(fmt.Errorf("backend error %s: %s", msg.Code, msg.Message))
			s.log.Warn("backend reported error",
				slog.String("code", msg.Code), slog.String("message", msg.Message))
			return
		default:
			s.log.Debug("ignoring unknown message", slog.String("type", msg.Type))
		}
	}
}

func (s *Session) fail(err error) {
	s.status.Store(int32(StatusFailed))
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.mu.Unlock()
}
