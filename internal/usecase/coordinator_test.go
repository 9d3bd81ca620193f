package usecase

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"quest/internal/domain"
	"quest/internal/observability"
)

var wavAudio = domain.AudioBuffer{Data: []byte("RIFFdata"), MIMEType: "audio/wav"}

func TestCoordinatorRecordAndTranscribe(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionGranted, inlineAudio: &wavAudio}
	transcriber := &fakeTranscriber{text: "read the appendix"}
	events := &fakeEventSink{}
	coordinator := newTestCoordinator(recorder, transcriber, events)

	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("start toggle failed: %v", err)
	}
	if status := coordinator.Status(); status.State != domain.RecordingStateRecording || status.RecordingID != "rec-1" {
		t.Fatalf("unexpected status after start: %+v", status)
	}
	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("stop toggle failed: %v", err)
	}

	assertStates(t, events.snapshotStates(), []stateEvent{
		{domain.RecordingStateRequesting, domain.RecordingReasonRequestingMic},
		{domain.RecordingStateRecording, domain.RecordingReasonRecordingStarted},
		{domain.RecordingStateStopping, domain.RecordingReasonStopRequested},
		{domain.RecordingStateTranscribing, domain.RecordingReasonTranscribing},
		{domain.RecordingStateIdle, domain.RecordingReasonTranscriptReady},
	})
	if got := events.snapshotTranscripts(); len(got) != 1 || got[0] != "read the appendix" {
		t.Fatalf("unexpected transcripts: %v", got)
	}
	if got := transcriber.lastAudio(); string(got.Data) != "RIFFdata" {
		t.Fatalf("transcriber received wrong audio: %q", got.Data)
	}
	if recorder.stoppedID() != "rec-1" {
		t.Fatalf("stop sent for wrong recording: %q", recorder.stoppedID())
	}
	if coordinator.Status().State != domain.RecordingStateIdle {
		t.Fatalf("expected idle after transcript")
	}
}

func TestCoordinatorCachesGrantedPermission(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionGranted, inlineAudio: &wavAudio}
	coordinator := newTestCoordinator(recorder, &fakeTranscriber{text: "x"}, &fakeEventSink{})

	for i := 0; i < 4; i++ {
		if err := coordinator.Toggle(context.Background()); err != nil {
			t.Fatalf("toggle %d failed: %v", i, err)
		}
	}
	if calls := recorder.count("permission"); calls != 1 {
		t.Fatalf("expected a single permission request, got %d", calls)
	}
	if calls := recorder.count("start"); calls != 2 {
		t.Fatalf("expected two recordings, got %d", calls)
	}
}

func TestCoordinatorDeniedPermissionSkipsBus(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionDenied}
	events := &fakeEventSink{}
	coordinator := newTestCoordinator(recorder, &fakeTranscriber{}, events)

	err := coordinator.Toggle(context.Background())
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	err = coordinator.Toggle(context.Background())
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected cached permission_denied, got %v", err)
	}

	if calls := recorder.count("permission"); calls != 1 {
		t.Fatalf("expected the cached denial to skip the page, got %d permission calls", calls)
	}
	if calls := recorder.count("start"); calls != 0 {
		t.Fatalf("expected no start calls, got %d", calls)
	}

	failures := events.snapshotFailures()
	if len(failures) != 2 || failures[0].kind != domain.ErrorKindPermissionDenied || failures[1].kind != domain.ErrorKindPermissionDenied {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	states := events.snapshotStates()
	last := states[len(states)-1]
	if last.state != domain.RecordingStateIdle || last.reason != domain.RecordingReasonAcknowledged {
		t.Fatalf("expected reset to idle, got %+v", last)
	}
	if states[len(states)-2].reason != domain.RecordingReasonPermissionBlocked {
		t.Fatalf("expected permission_blocked reason, got %s", states[len(states)-2].reason)
	}
	if coordinator.Status().ErrorKind != domain.ErrorKindPermissionDenied {
		t.Fatalf("status should carry the last error kind")
	}
}

func TestCoordinatorStartDeniedCachesPermission(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{
		permission: domain.PermissionGranted,
		startErr:   domain.NewError(domain.ErrorKindPermissionDenied, "NotAllowedError"),
	}
	coordinator := newTestCoordinator(recorder, &fakeTranscriber{}, &fakeEventSink{})

	if err := coordinator.Toggle(context.Background()); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	if coordinator.Permission() != domain.PermissionDenied {
		t.Fatalf("expected denial to be cached, got %q", coordinator.Permission())
	}
}

func TestCoordinatorIgnoresTogglesWhileBusy(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	recorder := &fakeRecorder{permission: domain.PermissionGranted, inlineAudio: &wavAudio, stopGate: release}
	coordinator := newTestCoordinator(recorder, &fakeTranscriber{text: "x"}, &fakeEventSink{})

	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- coordinator.Toggle(context.Background()) }()

	waitForState(t, coordinator, domain.RecordingStateStopping)
	for i := 0; i < 3; i++ {
		if err := coordinator.Toggle(context.Background()); err != nil {
			t.Fatalf("busy toggle should be ignored, got %v", err)
		}
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if calls := recorder.count("stop"); calls != 1 {
		t.Fatalf("expected exactly one stop, got %d", calls)
	}
	if calls := recorder.count("start"); calls != 1 {
		t.Fatalf("expected exactly one start, got %d", calls)
	}
}

func TestCoordinatorAwaitsRecordingComplete(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionGranted}
	transcriber := &fakeTranscriber{text: "pushed later"}
	events := &fakeEventSink{}
	coordinator := newTestCoordinator(recorder, transcriber, events)
	recorder.onStop = func(id string) {
		coordinator.HandleRecordingComplete(domain.RecordingComplete{RecordingID: "stale", Audio: domain.AudioBuffer{Data: []byte("old")}})
		coordinator.HandleRecordingComplete(domain.RecordingComplete{RecordingID: id, Audio: wavAudio})
	}

	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if got := transcriber.lastAudio(); string(got.Data) != "RIFFdata" {
		t.Fatalf("expected pushed audio, got %q", got.Data)
	}
	if got := events.snapshotTranscripts(); len(got) != 1 || got[0] != "pushed later" {
		t.Fatalf("unexpected transcripts: %v", got)
	}
}

func TestCoordinatorCompletionTimeout(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionGranted}
	events := &fakeEventSink{}
	coordinator := NewRecordingCoordinator(recorder, &fakeTranscriber{text: "x"}, events, Config{
		CompletionTimeout: 20 * time.Millisecond,
		Logger:            observability.Discard(),
	})

	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	err := coordinator.Toggle(context.Background())
	if !errors.Is(err, domain.ErrChannelTimeout) {
		t.Fatalf("expected channel_timeout, got %v", err)
	}
	if coordinator.Status().State != domain.RecordingStateIdle {
		t.Fatalf("coordinator must not stay stuck after a timeout")
	}
	failures := events.snapshotFailures()
	if len(failures) != 1 || failures[0].kind != domain.ErrorKindChannelTimeout {
		t.Fatalf("unexpected failures: %+v", failures)
	}
}

func TestCoordinatorDropsStaleCompletionWhileRecording(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionGranted, inlineAudio: &wavAudio}
	events := &fakeEventSink{}
	coordinator := newTestCoordinator(recorder, &fakeTranscriber{text: "x"}, events)

	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	coordinator.HandleRecordingComplete(domain.RecordingComplete{RecordingID: "someone-else", ErrorKind: domain.ErrorKindNoDevice})

	if coordinator.Status().State != domain.RecordingStateRecording {
		t.Fatalf("stale completion changed state to %s", coordinator.Status().State)
	}
	if len(events.snapshotFailures()) != 0 {
		t.Fatalf("stale completion should not report a failure")
	}
}

func TestCoordinatorPageFailureWhileRecording(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionGranted}
	events := &fakeEventSink{}
	coordinator := newTestCoordinator(recorder, &fakeTranscriber{}, events)

	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	coordinator.HandleRecordingComplete(domain.RecordingComplete{
		RecordingID: "rec-1",
		ErrorKind:   domain.ErrorKindNoDevice,
		Error:       "microphone unplugged",
	})

	if coordinator.Status().State != domain.RecordingStateIdle {
		t.Fatalf("expected idle after page failure, got %s", coordinator.Status().State)
	}
	failures := events.snapshotFailures()
	if len(failures) != 1 || failures[0].kind != domain.ErrorKindNoDevice || failures[0].detail != "microphone unplugged" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
}

func TestCoordinatorTranscriptionFailureResets(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionGranted, inlineAudio: &wavAudio}
	transcriber := &fakeTranscriber{err: domain.NewError(domain.ErrorKindRateLimited, "slow down")}
	events := &fakeEventSink{}
	coordinator := newTestCoordinator(recorder, transcriber, events)

	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	err := coordinator.Toggle(context.Background())
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate_limited, got %v", err)
	}

	states := events.snapshotStates()
	assertStates(t, states[len(states)-2:], []stateEvent{
		{domain.RecordingStateFailed, domain.RecordingReasonTranscriptionFail},
		{domain.RecordingStateIdle, domain.RecordingReasonAcknowledged},
	})

	// A fresh attempt works after a failure.
	transcriber.setErr(nil)
	transcriber.setText("second try")
	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if got := events.snapshotTranscripts(); len(got) != 1 || got[0] != "second try" {
		t.Fatalf("unexpected transcripts: %v", got)
	}
}

func TestCoordinatorCloseAbandonsInFlightWork(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{permission: domain.PermissionGranted, inlineAudio: &wavAudio}
	transcriber := &fakeTranscriber{block: true}
	events := &fakeEventSink{}
	coordinator := newTestCoordinator(recorder, transcriber, events)

	if err := coordinator.Toggle(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- coordinator.Toggle(context.Background()) }()
	waitForState(t, coordinator, domain.RecordingStateTranscribing)

	coordinator.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("abandoned work should end quietly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transcription was not cancelled by Close")
	}

	if len(events.snapshotTranscripts()) != 0 {
		t.Fatalf("late transcript must be discarded")
	}
	if len(events.snapshotFailures()) != 0 {
		t.Fatalf("abandoned work must not report a failure")
	}
	if recorder.count("stop") != 1 {
		t.Fatalf("close must not message the page")
	}
	if err := coordinator.Toggle(context.Background()); !errors.Is(err, domain.ErrChannelClosed) {
		t.Fatalf("expected closed coordinator to refuse toggles, got %v", err)
	}
}

func newTestCoordinator(recorder *fakeRecorder, transcriber *fakeTranscriber, events *fakeEventSink) *RecordingCoordinator {
	return NewRecordingCoordinator(recorder, transcriber, events, Config{
		CompletionTimeout: time.Second,
		Logger:            observability.Discard(),
	})
}

func waitForState(t *testing.T, coordinator *RecordingCoordinator, want domain.RecordingState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if coordinator.Status().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, last %s", want, coordinator.Status().State)
}

func assertStates(t *testing.T, got []stateEvent, want []stateEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

type fakeRecorder struct {
	mu sync.Mutex

	permission  domain.Permission
	permErr     error
	startErr    error
	stopErr     error
	inlineAudio *domain.AudioBuffer
	stopGate    chan struct{}
	onStop      func(id string)

	calls  map[string]int
	lastID string
}

func (f *fakeRecorder) record(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
	return f.calls[name]
}

func (f *fakeRecorder) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRecorder) stoppedID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID
}

func (f *fakeRecorder) RequestPermission(context.Context) (domain.Permission, error) {
	f.record("permission")
	return f.permission, f.permErr
}

func (f *fakeRecorder) StartRecording(context.Context) (domain.RecordingStarted, error) {
	n := f.record("start")
	if f.startErr != nil {
		return domain.RecordingStarted{}, f.startErr
	}
	return domain.RecordingStarted{RecordingID: "rec-" + strconv.Itoa(n)}, nil
}

func (f *fakeRecorder) StopRecording(ctx context.Context, recordingID string) (domain.RecordingStopped, error) {
	f.record("stop")
	f.mu.Lock()
	f.lastID = recordingID
	f.mu.Unlock()

	if f.stopGate != nil {
		select {
		case <-f.stopGate:
		case <-ctx.Done():
			return domain.RecordingStopped{}, ctx.Err()
		}
	}
	if f.onStop != nil {
		f.onStop(recordingID)
	}
	if f.stopErr != nil {
		return domain.RecordingStopped{}, f.stopErr
	}
	return domain.RecordingStopped{RecordingID: recordingID, Audio: f.inlineAudio}, nil
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	block bool
	audio domain.AudioBuffer
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio domain.AudioBuffer) (domain.Transcript, error) {
	f.mu.Lock()
	f.audio = audio
	block, text, err := f.block, f.text, f.err
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.Transcript{}, ctx.Err()
	}
	if err != nil {
		return domain.Transcript{}, err
	}
	return domain.Transcript{Text: text}, nil
}

func (f *fakeTranscriber) lastAudio() domain.AudioBuffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

func (f *fakeTranscriber) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTranscriber) setText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

type fakeEventSink struct {
	mu sync.Mutex

	states      []stateEvent
	transcripts []string
	failures    []failureEvent
}

type stateEvent struct {
	state  domain.RecordingState
	reason domain.RecordingReason
}

type failureEvent struct {
	kind   domain.ErrorKind
	detail string
}

func (f *fakeEventSink) RecordingStateChanged(state domain.RecordingState, reason domain.RecordingReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) TranscriptReady(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, text)
}

func (f *fakeEventSink) RecordingFailed(kind domain.ErrorKind, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failureEvent{kind: kind, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stateEvent, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeEventSink) snapshotTranscripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.transcripts))
	copy(out, f.transcripts)
	return out
}

func (f *fakeEventSink) snapshotFailures() []failureEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]failureEvent, len(f.failures))
	copy(out, f.failures)
	return out
}
