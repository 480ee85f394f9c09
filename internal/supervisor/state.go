package supervisor

import "time"

// State is the supervisor's recording lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateReconnecting
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NoticeKind classifies notifications for downstream consumers.
type NoticeKind int

const (
	NoticeStarted NoticeKind = iota
	NoticeReconnected
	NoticeBackpressure
	NoticeDrainTimeout
	NoticeStopped
	NoticeFailed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeStarted:
		return "started"
	case NoticeReconnected:
		return "reconnected"
	case NoticeBackpressure:
		return "backpressure"
	case NoticeDrainTimeout:
		return "drain_timeout"
	case NoticeStopped:
		return "stopped"
	case NoticeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Notice is one notification. Err carries the cause for failed, backpressure
// and drain_timeout kinds so consumers can distinguish bad credentials from
// a lost microphone from an exhausted network.
type Notice struct {
	Kind      NoticeKind
	SessionID uint64
	Err       error
	At        time.Time
}
