package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/scribeware/scribe-core/internal/audio"
	"github.com/scribeware/scribe-core/internal/config"
	"github.com/scribeware/scribe-core/internal/protocol"
	"github.com/scribeware/scribe-core/internal/recognizer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock provides a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeConn scripts backend messages and records session writes.
type fakeConn struct {
	mu      sync.Mutex
	control []any
	audio   [][]byte
	inbox   chan protocol.ServerMessage
	closed  chan struct{}
	once    sync.Once
	gate    chan struct{} // when non-nil, WriteAudio blocks until it closes
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		inbox:  make(chan protocol.ServerMessage, 32),
		closed: make(chan struct{}),
	}
	c.inbox <- protocol.ServerMessage{Type: protocol.MessageReady}
	return c
}

func (c *fakeConn) WriteJSON(v any, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = append(c.control, v)
	return nil
}

func (c *fakeConn) WriteAudio(pcm []byte, _ time.Time) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	return nil
}

func (c *fakeConn) Read() (protocol.ServerMessage, error) {
	select {
	case msg, ok := <-c.inbox:
		if !ok {
			return protocol.ServerMessage{}, io.EOF
		}
		return msg, nil
	case <-c.closed:
		return protocol.ServerMessage{}, io.ErrClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) audioSeqs() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var seqs []byte
	for _, pcm := range c.audio {
		seqs = append(seqs, pcm[0])
	}
	return seqs
}

func (c *fakeConn) sawStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.control {
		if _, ok := v.(protocol.StopRequest); ok {
			return true
		}
	}
	return false
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// scriptDialer hands out prepared connections in order. onDial, when set,
// runs at the start of every dial (used to simulate handshake latency).
type scriptDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
	onDial  func()
}

func (d *scriptDialer) Dial(context.Context, string, string) (recognizer.Conn, error) {
	if d.onDial != nil {
		d.onDial()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.results) {
		d.dials++
		return nil, recognizer.ErrConnectFailed
	}
	r := d.results[d.dials]
	d.dials++
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// scriptSource feeds frames pushed by the test.
type scriptSource struct {
	ch   chan audio.Frame
	done chan struct{}
	once sync.Once
	err  error
}

func newScriptSource() *scriptSource {
	return &scriptSource{ch: make(chan audio.Frame), done: make(chan struct{})}
}

func (s *scriptSource) Start(context.Context) (<-chan audio.Frame, error) {
	return s.ch, nil
}

func (s *scriptSource) Stop() {
	s.once.Do(func() {
		close(s.ch)
		close(s.done)
	})
}

func (s *scriptSource) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *scriptSource) Err() error { return s.err }

func (s *scriptSource) push(seq uint64) {
	s.ch <- audio.Frame{Seq: seq, PCM: []byte{byte(seq)}}
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) collect(s *Supervisor) {
	go func() {
		for n := range s.Notices() {
			l.mu.Lock()
			l.notices = append(l.notices, n)
			l.mu.Unlock()
		}
	}()
}

func (l *noticeLog) count(kind NoticeKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for _, notice := range l.notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

func (l *noticeLog) firstErr(kind NoticeKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, notice := range l.notices {
		if notice.Kind == kind {
			return notice.Err
		}
	}
	return nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	sup     *Supervisor
	source  *scriptSource
	dialer  *scriptDialer
	clock   *fakeClock
	notices *noticeLog
	backoff []time.Duration
	events  []recognizer.Event
	evMu    sync.Mutex
}

func newFixture(t *testing.T, results ...dialResult) *fixture {
	t.Helper()
	f := &fixture{
		source:  newScriptSource(),
		dialer:  &scriptDialer{results: results},
		clock:   newFakeClock(),
		notices: &noticeLog{},
	}
	f.sup = New(Options{
		Supervisor: config.SupervisorConfig{
			MaxSessionDurationS: 305,
			SafetyMarginS:       10,
			ConnectRetries:      3,
			RetryBackoffMS:      500,
		},
		Recognizer: config.RecognizerConfig{
			Endpoint:         "wss://test/v1/stream",
			Language:         "ja-JP",
			ConnectTimeoutMS: 1000,
			SendTimeoutMS:    1000,
			DrainTimeoutMS:   50,
		},
		SampleRate:    16000,
		Channels:      1,
		QueueCapacity: 8,
		Source:        f.source,
		Dialer:        f.dialer,
		OnEvent: func(ev recognizer.Event) {
			f.evMu.Lock()
			f.events = append(f.events, ev)
			f.evMu.Unlock()
		},
		Logger: testLogger(),
	})
	f.sup.clock = f.clock.Now
	f.sup.sleep = func(_ context.Context, d time.Duration) error {
		f.backoff = append(f.backoff, d)
		return nil
	}
	f.notices.collect(f.sup)
	return f
}

func TestRotatesAtDeadlineWithoutLosingFrames(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	f := newFixture(t, dialResult{conn: conn1}, dialResult{conn: conn2})

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.source.push(0)
	f.source.push(1)
	waitUntil(t, "frames on first session", func() bool { return len(conn1.audioSeqs()) == 2 })

	// One second short of the deadline: still the same session.
	f.clock.Advance(294 * time.Second)
	f.source.push(2)
	waitUntil(t, "frame before deadline", func() bool { return len(conn1.audioSeqs()) == 3 })
	if f.dialer.dialCount() != 1 {
		t.Fatalf("rotated too early, dials = %d", f.dialer.dialCount())
	}

	// At exactly maxSessionDuration - safetyMargin the next frame must go
	// to a fresh session.
	f.clock.Advance(1 * time.Second)
	f.source.push(3)
	waitUntil(t, "frame on second session", func() bool { return len(conn2.audioSeqs()) == 1 })

	if f.dialer.dialCount() != 2 {
		t.Fatalf("expected exactly one rotation, dials = %d", f.dialer.dialCount())
	}
	waitUntil(t, "old session stop request", conn1.sawStop)
	waitUntil(t, "reconnected notice", func() bool { return f.notices.count(NoticeReconnected) == 1 })

	// Every frame reached exactly one session.
	seen := map[byte]int{}
	for _, seq := range append(conn1.audioSeqs(), conn2.audioSeqs()...) {
		seen[seq]++
	}
	for seq := byte(0); seq < 4; seq++ {
		if seen[seq] != 1 {
			t.Fatalf("frame %d delivered %d times", seq, seen[seq])
		}
	}

	if err := f.sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestLateFinalsFromDrainingSessionAreDelivered(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	f := newFixture(t, dialResult{conn: conn1}, dialResult{conn: conn2})

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.source.push(0)
	waitUntil(t, "first frame", func() bool { return len(conn1.audioSeqs()) == 1 })

	f.clock.Advance(296 * time.Second)
	f.source.push(1)
	waitUntil(t, "second session", func() bool { return len(conn2.audioSeqs()) == 1 })

	// A final computed before the handoff arrives while the old session
	// drains; it must still reach the event sink.
	conn1.inbox <- protocol.ServerMessage{Type: protocol.MessageResult, Text: "tail", SegmentIndex: 0, IsFinal: true}
	conn1.inbox <- protocol.ServerMessage{Type: protocol.MessageDone}

	waitUntil(t, "late final", func() bool {
		f.evMu.Lock()
		defer f.evMu.Unlock()
		for _, ev := range f.events {
			if ev.SessionID == 1 && ev.Final && ev.Text == "tail" {
				return true
			}
		}
		return false
	})

	if err := f.sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestAuthFailureIsFatalWithoutRetry(t *testing.T) {
	f := newFixture(t, dialResult{err: recognizer.ErrAuthFailed})

	err := f.sup.Start(context.Background())
	if !errors.Is(err, recognizer.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if f.sup.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", f.sup.State())
	}
	if f.dialer.dialCount() != 1 {
		t.Fatalf("auth failure must not be retried, dials = %d", f.dialer.dialCount())
	}
	waitUntil(t, "failed notice", func() bool { return f.notices.count(NoticeFailed) == 1 })
	if got := f.notices.firstErr(NoticeFailed); !errors.Is(got, recognizer.ErrAuthFailed) {
		t.Fatalf("notice should carry the auth error, got %v", got)
	}
}

func TestReconnectExhaustedAfterBoundedRetries(t *testing.T) {
	conn1 := newFakeConn()
	f := newFixture(t,
		dialResult{conn: conn1},
		dialResult{err: recognizer.ErrConnectFailed},
		dialResult{err: recognizer.ErrConnectFailed},
		dialResult{err: recognizer.ErrConnectFailed},
	)

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.source.push(0)
	waitUntil(t, "first frame", func() bool { return len(conn1.audioSeqs()) == 1 })

	f.clock.Advance(296 * time.Second)
	f.source.push(1)

	waitUntil(t, "failed state", func() bool { return f.sup.State() == StateFailed })
	// One initial dial plus exactly three reconnect attempts, no fourth.
	if f.dialer.dialCount() != 4 {
		t.Fatalf("expected 4 dials total, got %d", f.dialer.dialCount())
	}
	if got := f.notices.firstErr(NoticeFailed); !errors.Is(got, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted notice, got %v", got)
	}
	// Exponential backoff between attempts.
	if len(f.backoff) != 2 || f.backoff[0] != 500*time.Millisecond || f.backoff[1] != time.Second {
		t.Fatalf("unexpected backoff schedule: %v", f.backoff)
	}
	// A fatal failure must release the capture device.
	waitUntil(t, "source released after failure", f.source.stopped)
}

func TestRotationDeadlineRunsFromDialStart(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	f := newFixture(t, dialResult{conn: conn1}, dialResult{conn: conn2})
	// Every dial takes five seconds of handshake before the session is
	// streaming. The backend's duration limit runs from dial start, so the
	// handshake must not extend the rotation deadline.
	f.dialer.onDial = func() { f.clock.Advance(5 * time.Second) }

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Dial began at t0, so the deadline is t0+295s even though the session
	// only became ready at t0+5s.
	f.clock.Advance(289 * time.Second)
	f.source.push(0)
	waitUntil(t, "frame before deadline", func() bool { return len(conn1.audioSeqs()) == 1 })
	if f.dialer.dialCount() != 1 {
		t.Fatalf("rotated before the dial-anchored deadline, dials = %d", f.dialer.dialCount())
	}

	f.clock.Advance(1 * time.Second)
	f.source.push(1)
	waitUntil(t, "frame on second session", func() bool { return len(conn2.audioSeqs()) == 1 })
	if f.dialer.dialCount() != 2 {
		t.Fatalf("expected rotation at dial start + 295s, dials = %d", f.dialer.dialCount())
	}

	if err := f.sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopDrainsAndReturnsToIdle(t *testing.T) {
	conn1 := newFakeConn()
	f := newFixture(t, dialResult{conn: conn1})

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.source.push(0)
	waitUntil(t, "first frame", func() bool { return len(conn1.audioSeqs()) == 1 })

	if err := f.sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.sup.State() != StateIdle {
		t.Fatalf("expected idle state, got %v", f.sup.State())
	}
	if !conn1.sawStop() {
		t.Fatal("expected graceful stop request to the backend")
	}
	waitUntil(t, "stopped notice", func() bool { return f.notices.count(NoticeStopped) == 1 })
}

func TestCaptureLossIsFatal(t *testing.T) {
	conn1 := newFakeConn()
	f := newFixture(t, dialResult{conn: conn1})

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.source.push(0)
	waitUntil(t, "first frame", func() bool { return len(conn1.audioSeqs()) == 1 })

	// The device vanishes: the source ends without a stop request.
	f.source.err = audio.ErrCaptureInterrupted
	f.source.Stop()

	waitUntil(t, "failed state", func() bool { return f.sup.State() == StateFailed })
	if got := f.notices.firstErr(NoticeFailed); !errors.Is(got, audio.ErrCaptureInterrupted) {
		t.Fatalf("expected capture error in notice, got %v", got)
	}
}

func TestQueueOverflowEmitsBackpressure(t *testing.T) {
	conn1 := newFakeConn()
	conn1.gate = make(chan struct{})
	f := newFixture(t, dialResult{conn: conn1})

	if err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The send path is wedged, so pushes pile up in the queue and overflow.
	for seq := uint64(0); seq < 12; seq++ {
		f.source.push(seq)
	}
	waitUntil(t, "backpressure notice", func() bool { return f.notices.count(NoticeBackpressure) >= 1 })

	close(conn1.gate)
	if err := f.sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
