package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribeware/scribe-core/internal/audio"
	"github.com/scribeware/scribe-core/internal/config"
	"github.com/scribeware/scribe-core/internal/recognizer"
)

// ErrReconnectExhausted means the bounded reconnect policy ran out of
// attempts. Fatal for the recording.
var ErrReconnectExhausted = errors.New("supervisor: reconnect attempts exhausted")

// Options wires a supervisor to its collaborators.
type Options struct {
	Supervisor    config.SupervisorConfig
	Recognizer    config.RecognizerConfig
	SampleRate    int
	Channels      int
	QueueCapacity int
	Source        audio.Source
	Dialer        recognizer.Dialer
	// OnEvent receives every recognition event from every session, in
	// order, from a single goroutine per session.
	OnEvent func(recognizer.Event)
	// OnFrame observes captured frames before they enter the queue.
	OnFrame func(audio.Frame)
	Logger  *slog.Logger
}

// Supervisor drives one logical recording: it owns the capture pump, the
// frame queue and the session lifecycle, rotating sessions before the
// backend's hard duration limit and stitching results across the boundary.
type Supervisor struct {
	opts  Options
	queue *audio.FrameQueue
	log   *slog.Logger

	clock func() time.Time
	sleep func(context.Context, time.Duration) error

	state         atomic.Int32
	stopRequested atomic.Bool
	nextSessionID atomic.Uint64
	// sessionStart is the wall time (unixnano) at which the current
	// session's dial began. The backend's duration limit runs from there,
	// not from the handshake completing.
	sessionStart atomic.Int64

	notices chan Notice
	done    chan struct{}
	wg      sync.WaitGroup

	lastDropped atomic.Uint64

	meter         metric.Meter
	framesSent    metric.Int64Counter
	framesDropped metric.Int64Counter
	reconnects    metric.Int64Counter
	activeSess    metric.Int64UpDownCounter
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "supervisor")),
		clock:   time.Now,
		sleep:   sleepCtx,
		notices: make(chan Notice, 16),
		done:    make(chan struct{}),
		meter:   otel.Meter("github.com/scribeware/scribe-core/pipeline"),
	}
	s.queue = audio.NewFrameQueue(opts.QueueCapacity, s.handleOverflow)
	s.state.Store(int32(StateIdle))
	s.initMetrics()
	return s
}

func (s *Supervisor) initMetrics() {
	var err error
	s.framesSent, err = s.meter.Int64Counter("scribe.frames.sent",
		metric.WithDescription("Audio frames forwarded to a recognition session"))
	if err != nil {
		s.log.Warn("failed to create frames counter", slog.String("error", err.Error()))
	}
	s.framesDropped, err = s.meter.Int64Counter("scribe.frames.dropped",
		metric.WithDescription("Audio frames dropped by the queue under backpressure"))
	if err != nil {
		s.log.Warn("failed to create dropped counter", slog.String("error", err.Error()))
	}
	s.reconnects, err = s.meter.Int64Counter("scribe.session.reconnects",
		metric.WithDescription("Session rotations performed before the backend duration limit"))
	if err != nil {
		s.log.Warn("failed to create reconnect counter", slog.String("error", err.Error()))
	}
	s.activeSess, err = s.meter.Int64UpDownCounter("scribe.sessions.active",
		metric.WithDescription("Recognition sessions currently open, including draining ones"))
	if err != nil {
		s.log.Warn("failed to create session gauge", slog.String("error", err.Error()))
	}
}

// Notices reports state changes and recoverable conditions. Consumers that
// fall behind lose the oldest notices rather than stalling the pipeline.
func (s *Supervisor) Notices() <-chan Notice {
	return s.notices
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Start opens the capture device and the first recognition session, then
// runs the streaming loop in the background. Fatal open errors are returned
// directly and also reported on the notice channel.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.transition(StateIdle, StateStarting) {
		return fmt.Errorf("supervisor: start from state %s", s.State())
	}

	frames, err := s.opts.Source.Start(ctx)
	if err != nil {
		s.state.Store(int32(StateFailed))
		s.emit(Notice{Kind: NoticeFailed, Err: err})
		return err
	}

	sess, err := s.openWithRetry(ctx)
	if err != nil {
		s.opts.Source.Stop()
		s.state.Store(int32(StateFailed))
		s.emit(Notice{Kind: NoticeFailed, Err: err})
		return err
	}

	s.wg.Add(1)
	go s.pumpCapture(frames)

	go s.run(ctx, sess)

	s.state.Store(int32(StateActive))
	s.emit(Notice{Kind: NoticeStarted, SessionID: sess.ID()})
	return nil
}

// Stop ends the recording cooperatively: capture stops, queued frames are
// discarded, and the active session drains so already-computed finals are
// not lost. Blocks until the streaming loop has wound down.
func (s *Supervisor) Stop(ctx context.Context) error {
	switch s.State() {
	case StateIdle, StateFailed:
		return nil
	}
	s.stopRequested.Store(true)
	s.opts.Source.Stop()
	s.queue.Discard()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) pumpCapture(frames <-chan audio.Frame) {
	defer s.wg.Done()
	for frame := range frames {
		if s.opts.OnFrame != nil {
			s.opts.OnFrame(frame)
		}
		s.queue.Push(frame)
	}
	s.queue.Close()
}

// run is the streaming loop: dequeue, rotate when the deadline passes, send.
// Frames arrive on a steady cadence, so checking the deadline per frame
// bounds rotation lag by one frame duration.
func (s *Supervisor) run(ctx context.Context, sess *recognizer.Session) {
	defer close(s.done)

	pump := s.startEventPump(sess)
	deadline := s.rotationDeadline()

	for {
		frame, err := s.queue.Pop(ctx)
		if err != nil {
			s.finish(sess, pump, err)
			return
		}

		if !s.clock().Before(deadline) && !s.stopRequested.Load() {
			next, nextPump, rerr := s.rotate(ctx, sess, pump)
			if rerr != nil {
				s.fail(rerr)
				return
			}
			sess, pump = next, nextPump
			deadline = s.rotationDeadline()
		}

		if err := sess.Send(frame.PCM); err != nil {
			// Transient stream failure: the session never retries, we do.
			s.log.Warn("send failed, reconnecting",
				slog.Uint64("session_id", sess.ID()), slog.String("error", err.Error()))
			next, nextPump, rerr := s.rotate(ctx, sess, pump)
			if rerr != nil {
				s.fail(rerr)
				return
			}
			sess, pump = next, nextPump
			deadline = s.rotationDeadline()
			if err := sess.Send(frame.PCM); err != nil {
				s.log.Warn("resend after reconnect failed, frame dropped",
					slog.Uint64("seq", frame.Seq))
			}
		}
		if s.framesSent != nil {
			s.framesSent.Add(ctx, 1)
		}
	}
}

// rotate opens the replacement session before closing the old one, switches
// the queue consumer (the caller), then drains the old session in the
// background. Late finals from the draining session keep flowing through
// its event pump until its stream ends.
func (s *Supervisor) rotate(ctx context.Context, old *recognizer.Session, oldPump <-chan struct{}) (*recognizer.Session, <-chan struct{}, error) {
	s.state.Store(int32(StateReconnecting))
	s.log.Info("rotating session before duration limit",
		slog.Uint64("session_id", old.ID()),
		slog.Uint64("finals_delivered", old.FinalCount()))

	next, err := s.openWithRetry(ctx)
	if err != nil {
		s.drain(old, oldPump)
		return nil, nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(old, oldPump)
	}()

	if s.reconnects != nil {
		s.reconnects.Add(ctx, 1)
	}
	s.state.Store(int32(StateActive))
	s.emit(Notice{Kind: NoticeReconnected, SessionID: next.ID()})
	return next, s.startEventPump(next), nil
}

// drain closes a session gracefully and waits for its event pump so every
// final it managed to deliver reaches the accumulator.
func (s *Supervisor) drain(sess *recognizer.Session, pump <-chan struct{}) {
	if err := sess.Close(context.Background()); err != nil {
		if errors.Is(err, recognizer.ErrDrainTimeout) {
			s.emit(Notice{Kind: NoticeDrainTimeout, SessionID: sess.ID(), Err: err})
		}
		s.log.Warn("session drain incomplete",
			slog.Uint64("session_id", sess.ID()), slog.String("error", err.Error()))
	}
	<-pump
	if s.activeSess != nil {
		s.activeSess.Add(context.Background(), -1)
	}
	s.log.Debug("session flushed",
		slog.Uint64("session_id", sess.ID()),
		slog.Uint64("finals_delivered", sess.FinalCount()))
}

// finish handles the end of the frame stream: a requested stop, a cancelled
// context, or capture loss.
func (s *Supervisor) finish(sess *recognizer.Session, pump <-chan struct{}, popErr error) {
	if errors.Is(popErr, audio.ErrQueueClosed) && !s.stopRequested.Load() {
		// Capture ended on its own: device loss is fatal, but drain the
		// session first so computed finals are kept.
		err := s.opts.Source.Err()
		if err == nil {
			err = audio.ErrCaptureInterrupted
		}
		s.drain(sess, pump)
		s.fail(err)
		return
	}

	s.state.Store(int32(StateStopping))
	s.drain(sess, pump)
	s.wg.Wait()
	s.state.Store(int32(StateIdle))
	s.emit(Notice{Kind: NoticeStopped})
}

func (s *Supervisor) fail(err error) {
	s.state.Store(int32(StateFailed))
	// Release the capture device; the pump then closes the queue on its own.
	s.opts.Source.Stop()
	s.queue.Discard()
	s.emit(Notice{Kind: NoticeFailed, Err: err})
	s.log.Error("recording failed", slog.String("error", err.Error()))
}

func (s *Supervisor) rotationDeadline() time.Time {
	maxDur := time.Duration(s.opts.Supervisor.MaxSessionDurationS) * time.Second
	margin := time.Duration(s.opts.Supervisor.SafetyMarginS) * time.Second
	start := time.Unix(0, s.sessionStart.Load())
	return start.Add(maxDur - margin)
}

// openWithRetry applies the bounded reconnect policy: exponential backoff,
// a fixed attempt cap, and no retry at all on credential rejection.
func (s *Supervisor) openWithRetry(ctx context.Context) (*recognizer.Session, error) {
	backoff := time.Duration(s.opts.Supervisor.RetryBackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= s.opts.Supervisor.ConnectRetries; attempt++ {
		id := s.nextSessionID.Add(1)
		attemptStart := s.clock()
		sess, err := recognizer.Open(ctx, s.opts.Dialer, s.opts.Recognizer,
			s.opts.SampleRate, s.opts.Channels, id, s.log)
		if err == nil {
			s.sessionStart.Store(attemptStart.UnixNano())
			if s.activeSess != nil {
				s.activeSess.Add(ctx, 1)
			}
			return sess, nil
		}
		lastErr = err
		if errors.Is(err, recognizer.ErrAuthFailed) {
			return nil, err
		}
		s.log.Warn("connect attempt failed",
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
		if attempt < s.opts.Supervisor.ConnectRetries {
			if err := s.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
}

func (s *Supervisor) startEventPump(sess *recognizer.Session) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sess.Events() {
			if s.opts.OnEvent != nil {
				s.opts.OnEvent(ev)
			}
		}
	}()
	return done
}

func (s *Supervisor) handleOverflow(dropped uint64) {
	if s.framesDropped != nil {
		if delta := dropped - s.lastDropped.Swap(dropped); delta > 0 {
			s.framesDropped.Add(context.Background(), int64(delta))
		}
	}
	s.emit(Notice{Kind: NoticeBackpressure, Err: fmt.Errorf("frame queue overflow, %d dropped so far", dropped)})
}

func (s *Supervisor) emit(n Notice) {
	n.At = s.clock()
	select {
	case s.notices <- n:
	default:
		s.log.Warn("notice dropped", slog.String("kind", n.Kind.String()))
	}
}

func (s *Supervisor) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
