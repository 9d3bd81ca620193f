package domain

// ContextName identifies an isolated execution context on the message bus.
type ContextName string

const (
	ContextPopup      ContextName = "popup"
	ContextBackground ContextName = "background"
	ContextPage       ContextName = "page"
)

// Action names a request understood by some context.
type Action string

const (
	ActionRequestMicrophonePermission Action = "requestMicrophonePermission"
	ActionStartRecording              Action = "startRecording"
	ActionStopRecording               Action = "stopRecording"
	ActionRecordingComplete           Action = "recordingComplete"
	ActionGetCurrentTab               Action = "getCurrentTab"
	ActionTranscribeAudio             Action = "transcribeAudio"
	ActionSyncLogin                   Action = "syncLogin"
	ActionSyncLogout                  Action = "syncLogout"
)

// PermissionResult answers requestMicrophonePermission.
type PermissionResult struct {
	Permission Permission `json:"permission"`
}

// RecordingStarted answers startRecording.
type RecordingStarted struct {
	RecordingID string `json:"recordingId"`
}

// StopRecordingRequest asks the page to finalize a recording.
type StopRecordingRequest struct {
	RecordingID string `json:"recordingId"`
}

// RecordingStopped answers stopRecording. When Audio is nil the buffer follows
// in a recordingComplete message.
type RecordingStopped struct {
	RecordingID string       `json:"recordingId"`
	Audio       *AudioBuffer `json:"audio,omitempty"`
}

// RecordingComplete is pushed by the page once encoding finishes.
type RecordingComplete struct {
	RecordingID string      `json:"recordingId"`
	Audio       AudioBuffer `json:"audio"`
	ErrorKind   ErrorKind   `json:"errorKind,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// TranscribeRequest carries audio to the background for submission.
type TranscribeRequest struct {
	Audio AudioBuffer `json:"audio"`
}

// LoginSync announces a login observed in a page context.
type LoginSync struct {
	Session Session `json:"session"`
}
