package agent

import (
	"context"
	"time"

	"quest/internal/bus"
	"quest/internal/domain"
)

// DefaultTranscribeTimeout is how long a proxied transcription may take.
const DefaultTranscribeTimeout = 90 * time.Second

// BusPageRecorder drives the page context's recorder over the bus.
type BusPageRecorder struct {
	bus    *bus.Bus
	target domain.ContextName
}

func NewBusPageRecorder(b *bus.Bus) *BusPageRecorder {
	return &BusPageRecorder{bus: b, target: domain.ContextPage}
}

func (r *BusPageRecorder) RequestPermission(ctx context.Context) (domain.Permission, error) {
	var out domain.PermissionResult
	if err := r.bus.Call(ctx, r.target, domain.ActionRequestMicrophonePermission, nil, &out); err != nil {
		return domain.PermissionUnknown, err
	}
	return out.Permission, nil
}

func (r *BusPageRecorder) StartRecording(ctx context.Context) (domain.RecordingStarted, error) {
	var out domain.RecordingStarted
	if err := r.bus.Call(ctx, r.target, domain.ActionStartRecording, nil, &out); err != nil {
		return domain.RecordingStarted{}, err
	}
	if out.RecordingID == "" {
		return domain.RecordingStarted{}, domain.NewError(domain.ErrorKindRemoteError, "page did not return a recording id")
	}
	return out, nil
}

func (r *BusPageRecorder) StopRecording(ctx context.Context, recordingID string) (domain.RecordingStopped, error) {
	var out domain.RecordingStopped
	err := r.bus.Call(ctx, r.target, domain.ActionStopRecording, domain.StopRecordingRequest{RecordingID: recordingID}, &out)
	if err != nil {
		return domain.RecordingStopped{}, err
	}
	if out.RecordingID == "" {
		out.RecordingID = recordingID
	}
	return out, nil
}

// CurrentTab asks the page for its URL and title.
func (r *BusPageRecorder) CurrentTab(ctx context.Context) (domain.PageInfo, error) {
	var out domain.PageInfo
	if err := r.bus.Call(ctx, r.target, domain.ActionGetCurrentTab, nil, &out); err != nil {
		return domain.PageInfo{}, err
	}
	return out, nil
}

// RemoteTranscriber submits audio through the background context.
type RemoteTranscriber struct {
	bus     *bus.Bus
	timeout time.Duration
}

func NewRemoteTranscriber(b *bus.Bus, timeout time.Duration) *RemoteTranscriber {
	if timeout <= 0 {
		timeout = DefaultTranscribeTimeout
	}
	return &RemoteTranscriber{bus: b, timeout: timeout}
}

func (t *RemoteTranscriber) Transcribe(ctx context.Context, audio domain.AudioBuffer) (domain.Transcript, error) {
	if audio.Len() == 0 {
		return domain.Transcript{}, domain.NewError(domain.ErrorKindInvalidInput, "audio recording is empty")
	}
	var out domain.Transcript
	ctx = bus.WithCallTimeout(ctx, t.timeout)
	if err := t.bus.Call(ctx, domain.ContextBackground, domain.ActionTranscribeAudio, domain.TranscribeRequest{Audio: audio}, &out); err != nil {
		return domain.Transcript{}, err
	}
	return out, nil
}
