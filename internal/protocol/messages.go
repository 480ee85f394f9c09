package protocol

import "time"

// StartRequest opens a recognizer stream. It is the first message on the
// websocket; audio follows as binary frames.
type StartRequest struct {
	Type        string `json:"type"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Language    string `json:"language"`
	Encoding    string `json:"encoding"`
	Punctuation bool   `json:"punctuation"`
	ProjectID   string `json:"project_id,omitempty"`
}

// StopRequest asks the backend to finalize in-flight audio and drain.
type StopRequest struct {
	Type string `json:"type"`
}

// ServerMessage is the single envelope for everything the backend sends.
type ServerMessage struct {
	Type         string  `json:"type"`
	Text         string  `json:"text,omitempty"`
	IsFinal      bool    `json:"is_final,omitempty"`
	SegmentIndex int     `json:"segment_index,omitempty"`
	Stability    float64 `json:"stability,omitempty"`
	Code         string  `json:"code,omitempty"`
	Message      string  `json:"message,omitempty"`
}

const (
	MessageStart  = "start"
	MessageStop   = "stop"
	MessageReady  = "ready"
	MessageResult = "result"
	MessageError  = "error"
	MessageDone   = "done"

	ErrorCodeAuth = "auth"

	EncodingLinear16 = "linear16"
)

// TranscriptUpdate is broadcast on the bus for downstream consumers.
type TranscriptUpdate struct {
	RecordingID  string    `json:"recording_id"`
	SessionID    uint64    `json:"session_id"`
	SegmentIndex int       `json:"segment_index"`
	Text         string    `json:"text"`
	Partial      bool      `json:"partial"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notification reports pipeline state changes on the bus.
type Notification struct {
	RecordingID string    `json:"recording_id"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail,omitempty"`
	SessionID   uint64    `json:"session_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "scribe.transcript.partial"
	SubjectTranscriptFinal   = "scribe.transcript.final"
	SubjectNotifyPrefix      = "scribe.notify"
)
