// Package protocol defines the bus messages of the voice service.
package protocol

import "time"

const (
	SubjectSpeechRequest  = "voice.speech.request"
	SubjectSpeechProgress = "voice.speech.progress"
	SubjectSpeechDone     = "voice.speech.done"

	// StreamSpeechResults retains completion notices on JetStream.
	StreamSpeechResults = "VOICE_SPEECH_RESULTS"
)

// SpeechRequest asks for text to be spoken in a cloned voice. The result is
// written to the service output directory as <request_id>.wav.
type SpeechRequest struct {
	RequestID string  `json:"request_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Speed     float64 `json:"speed,omitempty"`
}

// SpeechProgress is published once per completed chunk.
type SpeechProgress struct {
	RequestID  string    `json:"request_id"`
	JobID      string    `json:"job_id"`
	Chunk      int       `json:"chunk"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	ETASeconds float64   `json:"eta_seconds"`
	Timestamp  time.Time `json:"timestamp"`
}

// SpeechDone reports the outcome of a request. On failure Kind and Stage
// name the failure and ChunkIndex is set when a chunk was at fault.
type SpeechDone struct {
	RequestID       string    `json:"request_id"`
	JobID           string    `json:"job_id,omitempty"`
	Success         bool      `json:"success"`
	OutputPath      string    `json:"output_path,omitempty"`
	Chunks          int       `json:"chunks,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	ElapsedSeconds  float64   `json:"elapsed_seconds,omitempty"`
	Error           string    `json:"error,omitempty"`
	Kind            string    `json:"kind,omitempty"`
	Stage           string    `json:"stage,omitempty"`
	ChunkIndex      *int      `json:"chunk_index,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
