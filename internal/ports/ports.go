package ports

import (
	"context"
	"io"

	"quest/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioStream is a live hardware capture stream producing signed 16-bit PCM.
type AudioStream interface {
	io.ReadCloser
	Stop() error
}

// AudioSource opens microphone streams.
type AudioSource interface {
	Probe(ctx context.Context, cfg AudioConfig) (domain.Permission, error)
	Open(ctx context.Context, cfg AudioConfig) (AudioStream, error)
}

// RecordingHandle is one in-progress capture owned by the page context.
type RecordingHandle interface {
	ID() string
	Stop(ctx context.Context) (domain.AudioBuffer, error)
}

// AudioCapture acquires the microphone and produces finished recordings.
type AudioCapture interface {
	RequestPermission(ctx context.Context) (domain.Permission, error)
	Start(ctx context.Context) (RecordingHandle, error)
}

// Transcriber turns an encoded recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio domain.AudioBuffer) (domain.Transcript, error)
}

// PageRecorder is the UI surface's view of the recorder in the page context.
type PageRecorder interface {
	RequestPermission(ctx context.Context) (domain.Permission, error)
	StartRecording(ctx context.Context) (domain.RecordingStarted, error)
	StopRecording(ctx context.Context, recordingID string) (domain.RecordingStopped, error)
}

// EventSink receives recording state and results for display.
type EventSink interface {
	RecordingStateChanged(state domain.RecordingState, reason domain.RecordingReason)
	TranscriptReady(text string)
	RecordingFailed(kind domain.ErrorKind, detail string)
}

// SessionStore persists the single authenticated session.
type SessionStore interface {
	Get(ctx context.Context) (*domain.Session, error)
	Set(ctx context.Context, session domain.Session) error
	Remove(ctx context.Context) error
}

// InsightAPI is the remote knowledge-base service.
type InsightAPI interface {
	Login(ctx context.Context, email string, password string) (domain.Session, error)
	Register(ctx context.Context, email string, nickname string, password string) (domain.Session, error)
	ExchangeGoogleToken(ctx context.Context, idToken string) (domain.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	CreateInsight(ctx context.Context, accessToken string, insight domain.Insight) (domain.SavedInsight, error)
	ListTags(ctx context.Context, accessToken string) ([]domain.Tag, error)
}

// PageInspector reads metadata for the page a page agent is attached to.
type PageInspector interface {
	Inspect(ctx context.Context, pageURL string) (domain.PageInfo, error)
}
