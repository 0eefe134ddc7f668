package protocol

import "time"

// ListenRequest asks the adapter for one recognition attempt. An empty
// AudioFile records from the microphone.
type ListenRequest struct {
	SessionID string    `json:"session_id,omitempty"`
	AudioFile string    `json:"audio_file,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CancelRequest abandons the pending capture of a session.
type CancelRequest struct {
	SessionID string `json:"session_id"`
}

// Transcript is the outcome of one attempt broadcast on the bus. Recognized
// is false when nothing was understood, whatever the reason.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text,omitempty"`
	Recognized bool      `json:"recognized"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectListenRequest = "stt.listen.request"
	SubjectListenCancel  = "stt.listen.cancel"
	SubjectTranscript    = "stt.text.final"
	SubjectNoTranscript  = "stt.text.none"
)
