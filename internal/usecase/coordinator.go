package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"quest/internal/domain"
	"quest/internal/observability"
	"quest/internal/ports"
)

// DefaultCompletionTimeout bounds the wait for a recordingComplete push
// after the page acknowledged stopRecording without inline audio.
const DefaultCompletionTimeout = 15 * time.Second

// Config controls the recording coordinator.
type Config struct {
	CompletionTimeout time.Duration
	Logger            *slog.Logger
}

// RecordingCoordinator drives the voice-input state machine for one UI
// surface. Every transition runs on the caller of Toggle; the only
// asynchronous input is HandleRecordingComplete.
type RecordingCoordinator struct {
	recorder    ports.PageRecorder
	transcriber ports.Transcriber
	events      ports.EventSink
	cfg         Config
	log         *slog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	state      domain.RecordingState
	permission domain.Permission
	current    *recordingSession
	generation uint64
	lastKind   domain.ErrorKind
	closed     bool
}

func NewRecordingCoordinator(
	recorder ports.PageRecorder,
	transcriber ports.Transcriber,
	events ports.EventSink,
	cfg Config,
) *RecordingCoordinator {
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = DefaultCompletionTimeout
	}
	if events == nil {
		events = noopSink{}
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &RecordingCoordinator{
		recorder:    recorder,
		transcriber: transcriber,
		events:      events,
		cfg:         cfg,
		log:         observability.Default(cfg.Logger).With("component", "recording_coordinator"),
		lifetime:    lifetime,
		cancel:      cancel,
		state:       domain.RecordingStateIdle,
	}
}

// Toggle starts a recording from idle or stops the active one. Toggles
// while a transition is in flight are ignored.
func (c *RecordingCoordinator) Toggle(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.NewError(domain.ErrorKindChannelClosed, "recording surface has been closed")
	}
	state := c.state
	if state.Busy() {
		c.mu.Unlock()
		c.log.Debug("toggle ignored", "state", string(state))
		return nil
	}

	switch state {
	case domain.RecordingStateRecording:
		session := c.current
		c.state = domain.RecordingStateStopping
		c.mu.Unlock()
		return c.stop(ctx, session)
	default:
		if c.permission == domain.PermissionDenied {
			c.mu.Unlock()
			err := domain.NewError(domain.ErrorKindPermissionDenied, "microphone access is blocked")
			c.reportFailure(domain.RecordingReasonPermissionBlocked, err)
			return err
		}
		c.generation++
		session := newRecordingSession(c.generation)
		c.current = session
		c.state = domain.RecordingStateRequesting
		c.lastKind = ""
		c.mu.Unlock()
		return c.start(ctx, session)
	}
}

// HandleRecordingComplete accepts the page's unsolicited push. Payloads
// for anything but the active recording are dropped.
func (c *RecordingCoordinator) HandleRecordingComplete(msg domain.RecordingComplete) {
	c.mu.Lock()
	session := c.current
	state := c.state
	c.mu.Unlock()

	if session == nil || msg.RecordingID == "" || session.getRecordingID() != msg.RecordingID {
		c.log.Debug("dropping stale recording result", "recording_id", msg.RecordingID)
		return
	}
	if state != domain.RecordingStateRecording && state != domain.RecordingStateStopping {
		c.log.Debug("dropping recording result outside capture", "recording_id", msg.RecordingID, "state", string(state))
		return
	}

	if msg.ErrorKind != "" && state == domain.RecordingStateRecording {
		// The page gave up on its own; nobody is waiting on a stop.
		c.fail(session, domain.RecordingReasonCaptureFailed, domain.NewError(msg.ErrorKind, "%s", msg.Error))
		return
	}
	if !session.offer(msg) {
		c.log.Debug("duplicate recording result dropped", "recording_id", msg.RecordingID)
	}
}

// Close abandons any in-flight work. The page is not told; it releases
// the microphone on its own teardown. Late results are discarded.
func (c *RecordingCoordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	active := c.current
	c.current = nil
	c.state = domain.RecordingStateIdle
	c.mu.Unlock()

	c.cancel()
	if active != nil {
		c.log.Info("recording abandoned", "recording_id", active.getRecordingID())
	}
}

// Status returns a snapshot of the state machine.
func (c *RecordingCoordinator) Status() domain.RecordingStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := domain.RecordingStatus{State: c.state, ErrorKind: c.lastKind}
	if c.current != nil {
		status.RecordingID = c.current.getRecordingID()
	}
	return status
}

// Permission returns the cached microphone permission.
func (c *RecordingCoordinator) Permission() domain.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

func (c *RecordingCoordinator) start(ctx context.Context, session *recordingSession) error {
	c.events.RecordingStateChanged(domain.RecordingStateRequesting, domain.RecordingReasonRequestingMic)

	ctx, release := c.bind(ctx)
	defer release()

	if c.Permission() != domain.PermissionGranted {
		permission, err := c.recorder.RequestPermission(ctx)
		if err != nil {
			return c.fail(session, domain.RecordingReasonCaptureFailed, err)
		}
		c.setPermission(permission)
		switch permission {
		case domain.PermissionGranted:
		case domain.PermissionDenied:
			return c.fail(session, domain.RecordingReasonPermissionBlocked,
				domain.NewError(domain.ErrorKindPermissionDenied, "microphone access is blocked"))
		case domain.PermissionUnsupported:
			return c.fail(session, domain.RecordingReasonCaptureFailed,
				domain.NewError(domain.ErrorKindUnsupported, "audio recording is not supported here"))
		default:
			return c.fail(session, domain.RecordingReasonCaptureFailed,
				domain.NewError(domain.ErrorKindRemoteError, "unexpected permission result %q", permission))
		}
	}

	started, err := c.recorder.StartRecording(ctx)
	if err != nil {
		reason := domain.RecordingReasonCaptureFailed
		if errors.Is(err, domain.ErrPermissionDenied) {
			c.setPermission(domain.PermissionDenied)
			reason = domain.RecordingReasonPermissionBlocked
		}
		return c.fail(session, reason, err)
	}

	c.mu.Lock()
	if c.current != session {
		c.mu.Unlock()
		c.log.Debug("discarding start for abandoned recording", "recording_id", started.RecordingID)
		return nil
	}
	session.setRecordingID(started.RecordingID)
	c.state = domain.RecordingStateRecording
	c.mu.Unlock()

	c.log.Debug("recording started", "recording_id", started.RecordingID)
	c.events.RecordingStateChanged(domain.RecordingStateRecording, domain.RecordingReasonRecordingStarted)
	return nil
}

func (c *RecordingCoordinator) stop(ctx context.Context, session *recordingSession) error {
	c.events.RecordingStateChanged(domain.RecordingStateStopping, domain.RecordingReasonStopRequested)

	ctx, release := c.bind(ctx)
	defer release()

	recordingID := session.getRecordingID()
	stopped, err := c.recorder.StopRecording(ctx, recordingID)
	if err != nil {
		return c.fail(session, domain.RecordingReasonCaptureFailed, err)
	}

	var audio domain.AudioBuffer
	if stopped.Audio != nil {
		audio = *stopped.Audio
	} else {
		audio, err = c.awaitCompletion(ctx, session)
		if err != nil {
			return c.fail(session, domain.RecordingReasonCaptureFailed, err)
		}
	}

	if !c.advance(session, domain.RecordingStateTranscribing) {
		return nil
	}
	c.events.RecordingStateChanged(domain.RecordingStateTranscribing, domain.RecordingReasonTranscribing)

	transcript, err := c.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return c.fail(session, domain.RecordingReasonTranscriptionFail, err)
	}

	c.mu.Lock()
	if c.current != session {
		c.mu.Unlock()
		c.log.Debug("discarding transcript for abandoned recording", "recording_id", recordingID)
		return nil
	}
	c.current = nil
	c.state = domain.RecordingStateIdle
	c.mu.Unlock()

	c.events.TranscriptReady(transcript.Text)
	c.events.RecordingStateChanged(domain.RecordingStateIdle, domain.RecordingReasonTranscriptReady)
	return nil
}

func (c *RecordingCoordinator) awaitCompletion(ctx context.Context, session *recordingSession) (domain.AudioBuffer, error) {
	timer := time.NewTimer(c.cfg.CompletionTimeout)
	defer timer.Stop()

	select {
	case msg := <-session.complete:
		if msg.ErrorKind != "" {
			return domain.AudioBuffer{}, domain.NewError(msg.ErrorKind, "%s", msg.Error)
		}
		return msg.Audio, nil
	case <-timer.C:
		return domain.AudioBuffer{}, domain.NewError(domain.ErrorKindChannelTimeout, "recording was not delivered within %s", c.cfg.CompletionTimeout)
	case <-ctx.Done():
		return domain.AudioBuffer{}, ctx.Err()
	}
}

// advance moves an active session to state, reporting false when the
// session has been abandoned in the meantime.
func (c *RecordingCoordinator) advance(session *recordingSession, state domain.RecordingState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != session {
		return false
	}
	c.state = state
	return true
}

// fail reports err for session and resets to idle. Failures of abandoned
// sessions are swallowed.
func (c *RecordingCoordinator) fail(session *recordingSession, reason domain.RecordingReason, err error) error {
	c.mu.Lock()
	if c.current != session {
		c.mu.Unlock()
		c.log.Debug("discarding failure for abandoned recording", "error", err)
		return nil
	}
	c.current = nil
	c.state = domain.RecordingStateFailed
	c.mu.Unlock()

	c.reportFailure(reason, err)
	return err
}

func (c *RecordingCoordinator) reportFailure(reason domain.RecordingReason, err error) {
	kind := domain.KindOf(err)
	c.log.Warn("recording failed", "kind", string(kind), "error", err)

	c.mu.Lock()
	c.lastKind = kind
	c.state = domain.RecordingStateFailed
	c.mu.Unlock()

	c.events.RecordingStateChanged(domain.RecordingStateFailed, reason)
	c.events.RecordingFailed(kind, err.Error())

	c.mu.Lock()
	if c.state == domain.RecordingStateFailed {
		c.state = domain.RecordingStateIdle
	}
	c.mu.Unlock()
	c.events.RecordingStateChanged(domain.RecordingStateIdle, domain.RecordingReasonAcknowledged)
}

func (c *RecordingCoordinator) setPermission(permission domain.Permission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permission = permission
}

// bind derives a context that also ends when the coordinator is closed.
func (c *RecordingCoordinator) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type noopSink struct{}

func (noopSink) RecordingStateChanged(domain.RecordingState, domain.RecordingReason) {}
func (noopSink) TranscriptReady(string)                                              {}
func (noopSink) RecordingFailed(domain.ErrorKind, string)                            {}
