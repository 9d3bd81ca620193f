package domain

import "time"

// RecordingState models the voice-input lifecycle.
type RecordingState string

const (
	RecordingStateIdle         RecordingState = "idle"
	RecordingStateRequesting   RecordingState = "requesting"
	RecordingStateRecording    RecordingState = "recording"
	RecordingStateStopping     RecordingState = "stopping"
	RecordingStateTranscribing RecordingState = "transcribing"
	RecordingStateFailed       RecordingState = "failed"
)

// Busy reports whether the state is a transitional one in which toggles are ignored.
func (s RecordingState) Busy() bool {
	switch s {
	case RecordingStateRequesting, RecordingStateStopping, RecordingStateTranscribing:
		return true
	default:
		return false
	}
}

// RecordingReason provides a structured reason for state transitions.
type RecordingReason string

const (
	RecordingReasonReady             RecordingReason = "ready"
	RecordingReasonRequestingMic     RecordingReason = "requesting_microphone"
	RecordingReasonRecordingStarted  RecordingReason = "recording_started"
	RecordingReasonStopRequested     RecordingReason = "stop_requested"
	RecordingReasonTranscribing      RecordingReason = "transcribing"
	RecordingReasonTranscriptReady   RecordingReason = "transcript_ready"
	RecordingReasonPermissionBlocked RecordingReason = "permission_blocked"
	RecordingReasonCaptureFailed     RecordingReason = "capture_failed"
	RecordingReasonTranscriptionFail RecordingReason = "transcription_failed"
	RecordingReasonAcknowledged      RecordingReason = "failure_acknowledged"
	RecordingReasonAbandoned         RecordingReason = "recording_abandoned"
)

// Permission is the microphone permission state surfaced by the page context.
type Permission string

const (
	PermissionUnknown     Permission = ""
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionUnsupported Permission = "unsupported"
)

// AudioBuffer is a finished, encoded recording.
type AudioBuffer struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Len returns the encoded size in bytes.
func (b AudioBuffer) Len() int {
	return len(b.Data)
}

// Transcript is the text returned by the transcription endpoint.
type Transcript struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration,omitempty"`
	Language string  `json:"language,omitempty"`
}

// RecordingStatus summarizes the coordinator state for the UI surface.
type RecordingStatus struct {
	State       RecordingState `json:"state"`
	RecordingID string         `json:"recordingId,omitempty"`
	ErrorKind   ErrorKind      `json:"errorKind,omitempty"`
}

// PageInfo describes the page a page-context agent is attached to.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Tag is a user-defined label that can be attached to an insight.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Insight is the outbound request that stores a URL with a note.
type Insight struct {
	URL     string   `json:"url"`
	Thought string   `json:"thought"`
	TagIDs  []string `json:"tag_ids"`
}

// SavedInsight is what the API returns for a stored insight.
type SavedInsight struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}
