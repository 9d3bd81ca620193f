package popup

import "quest/internal/domain"

// Tone tells the surface how to render a status line.
type Tone string

const (
	ToneInfo    Tone = "info"
	ToneSuccess Tone = "success"
	ToneError   Tone = "error"
)

// Message is the last status line shown to the user.
type Message struct {
	Text string `json:"text"`
	Tone Tone   `json:"tone"`
}

// PermissionGuidance tells the user where microphone access is controlled.
const PermissionGuidance = "Microphone access is blocked. Please enable it in chrome://settings/content/microphone"

// ErrorMessage maps a failure kind to the one line the user sees. Raw error
// text is logged, never shown.
func ErrorMessage(kind domain.ErrorKind) string {
	switch kind {
	case domain.ErrorKindPermissionDenied:
		return PermissionGuidance
	case domain.ErrorKindNoDevice:
		return "No microphone found. Please connect a microphone and try again."
	case domain.ErrorKindUnsupported:
		return "Voice input is not supported here. Please check that ffmpeg can capture audio."
	case domain.ErrorKindChannelTimeout:
		return "The page did not respond in time. Please try again."
	case domain.ErrorKindChannelClosed:
		return "No page is connected. Open a page and try again."
	case domain.ErrorKindInvalidInput:
		return "Some required information is missing or invalid."
	case domain.ErrorKindMisconfigured:
		return "Quest is not configured correctly. Please check your settings."
	case domain.ErrorKindUnauthorized:
		return "Not authorized. Please check your credentials and try again."
	case domain.ErrorKindRateLimited:
		return "Too many requests. Please wait a moment and try again."
	case domain.ErrorKindPayloadTooLarge:
		return "The recording is too long. Please record a shorter note."
	case domain.ErrorKindRemoteError:
		return "The server could not complete the request. Please try again."
	case domain.ErrorKindEmptyResult:
		return "No speech was detected. Please try again."
	case domain.ErrorKindNetworkError:
		return "Network error. Please check your connection and try again."
	case domain.ErrorKindSessionExpired:
		return "Session expired, please login again"
	default:
		return "Something went wrong. Please try again."
	}
}

// recordingMessage returns the status line for a recording transition, or
// "" when the transition is silent.
func recordingMessage(reason domain.RecordingReason) string {
	switch reason {
	case domain.RecordingReasonRequestingMic:
		return "Requesting microphone..."
	case domain.RecordingReasonRecordingStarted:
		return "Recording started..."
	case domain.RecordingReasonStopRequested:
		return "Recording stopped, processing..."
	case domain.RecordingReasonTranscribing:
		return "Transcribing..."
	case domain.RecordingReasonTranscriptReady:
		return "Transcription completed!"
	default:
		return ""
	}
}
