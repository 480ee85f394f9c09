package recognizer

import "errors"

// Status tracks the lifecycle of one streaming connection.
type Status int32

const (
	StatusConnecting Status = iota
	StatusStreaming
	StatusDraining
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusDraining:
		return "draining"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one recognition result. Interim events for a segment are
// superseded by later events for the same segment; a final event terminates
// the segment and no further interim references it.
type Event struct {
	SessionID    uint64
	SegmentIndex int
	Text         string
	Final        bool
}

var (
	// ErrConnectFailed covers transport-level failures while opening a stream.
	ErrConnectFailed = errors.New("recognizer: connect failed")
	// ErrAuthFailed means the backend rejected credentials. Never retried.
	ErrAuthFailed = errors.New("recognizer: authentication failed")
	// ErrSessionClosed is returned by Send after the session left Streaming.
	ErrSessionClosed = errors.New("recognizer: session closed")
	// ErrDrainTimeout means the drain window elapsed before the backend
	// delivered its trailing finals. Non-fatal.
	ErrDrainTimeout = errors.New("recognizer: drain timeout")
)
