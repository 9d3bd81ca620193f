package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"quest/internal/bus"
	"quest/internal/domain"
	"quest/internal/observability"
	"quest/internal/ports"
)

const encodeTimeout = 30 * time.Second

// Capture is the microphone owner a page agent drives.
type Capture interface {
	ports.AudioCapture
	Close() error
}

// PageConfig controls a page agent.
type PageConfig struct {
	// PageURL is the page this agent is attached to.
	PageURL string
	// InlineAudio returns the buffer in the stopRecording response instead
	// of pushing it afterwards with recordingComplete.
	InlineAudio bool
	Logger      *slog.Logger
}

// PageAgent is the page-context side of the bus. It owns the microphone and
// answers for the page metadata.
type PageAgent struct {
	bus       *bus.Bus
	capture   Capture
	inspector ports.PageInspector
	cfg       PageConfig
	log       *slog.Logger

	mu       sync.Mutex
	handles  map[string]ports.RecordingHandle
	pushes   sync.WaitGroup
	teardown sync.Once
}

func NewPageAgent(b *bus.Bus, capture Capture, inspector ports.PageInspector, cfg PageConfig) *PageAgent {
	a := &PageAgent{
		bus:       b,
		capture:   capture,
		inspector: inspector,
		cfg:       cfg,
		log:       observability.Default(cfg.Logger).With("component", "page_agent"),
		handles:   make(map[string]ports.RecordingHandle),
	}

	b.Handle(domain.ActionRequestMicrophonePermission, a.handlePermission)
	b.Handle(domain.ActionStartRecording, a.handleStart)
	b.Handle(domain.ActionStopRecording, a.handleStop)
	b.Handle(domain.ActionGetCurrentTab, a.handleCurrentTab)
	return a
}

// Run serves the bus until the channel closes, then releases the microphone.
func (a *PageAgent) Run(ctx context.Context) error {
	err := a.bus.Run(ctx)
	a.release()
	return err
}

// Close tears the page down. Every live stream is released whether or not
// the popup ever sent stopRecording.
func (a *PageAgent) Close() error {
	err := a.bus.Close()
	a.release()
	return err
}

// PublishLogin tells the background that a login happened on this page.
func (a *PageAgent) PublishLogin(ctx context.Context, session domain.Session) error {
	return a.bus.Notify(ctx, domain.ContextBackground, domain.ActionSyncLogin, domain.LoginSync{Session: session})
}

// PublishLogout tells the background that the user signed out on this page.
func (a *PageAgent) PublishLogout(ctx context.Context) error {
	return a.bus.Notify(ctx, domain.ContextBackground, domain.ActionSyncLogout, nil)
}

func (a *PageAgent) release() {
	a.teardown.Do(func() {
		a.mu.Lock()
		held := len(a.handles)
		a.handles = make(map[string]ports.RecordingHandle)
		a.mu.Unlock()

		if err := a.capture.Close(); err != nil {
			a.log.Warn("microphone release failed", "error", err)
		}
		if held > 0 {
			a.log.Info("page closed with recordings in progress", "recordings", held)
		}
	})
}

func (a *PageAgent) handlePermission(ctx context.Context, _ bus.Request) (any, error) {
	permission, err := a.capture.RequestPermission(ctx)
	if err != nil {
		return nil, err
	}
	return domain.PermissionResult{Permission: permission}, nil
}

func (a *PageAgent) handleStart(ctx context.Context, _ bus.Request) (any, error) {
	handle, err := a.capture.Start(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.handles[handle.ID()] = handle
	a.mu.Unlock()

	a.log.Debug("recording started", "recording_id", handle.ID())
	return domain.RecordingStarted{RecordingID: handle.ID()}, nil
}

func (a *PageAgent) handleStop(ctx context.Context, req bus.Request) (any, error) {
	var in domain.StopRecordingRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}

	a.mu.Lock()
	handle, ok := a.handles[in.RecordingID]
	delete(a.handles, in.RecordingID)
	a.mu.Unlock()
	if !ok {
		return nil, domain.NewError(domain.ErrorKindInvalidInput, "no recording %q in progress", in.RecordingID)
	}

	if a.cfg.InlineAudio {
		audio, err := handle.Stop(ctx)
		if err != nil {
			return nil, err
		}
		return domain.RecordingStopped{RecordingID: in.RecordingID, Audio: &audio}, nil
	}

	a.pushes.Add(1)
	go a.pushCompletion(req.Sender, handle)
	return domain.RecordingStopped{RecordingID: in.RecordingID}, nil
}

// pushCompletion finalizes the recording and sends it to whoever asked for
// the stop.
func (a *PageAgent) pushCompletion(target domain.ContextName, handle ports.RecordingHandle) {
	defer a.pushes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), encodeTimeout)
	defer cancel()

	msg := domain.RecordingComplete{RecordingID: handle.ID()}
	audio, err := handle.Stop(ctx)
	if err != nil {
		msg.ErrorKind = domain.KindOf(err)
		msg.Error = err.Error()
	} else {
		msg.Audio = audio
	}

	if target == "" {
		target = domain.ContextPopup
	}
	if err := a.bus.Notify(ctx, target, domain.ActionRecordingComplete, msg); err != nil {
		if errors.Is(err, domain.ErrChannelClosed) {
			a.log.Debug("recording result dropped, channel closed", "recording_id", handle.ID())
			return
		}
		a.log.Warn("failed to deliver recording", "recording_id", handle.ID(), "error", err)
	}
}

// Wait blocks until pending recordingComplete pushes have been sent.
func (a *PageAgent) Wait() {
	a.pushes.Wait()
}

func (a *PageAgent) handleCurrentTab(ctx context.Context, _ bus.Request) (any, error) {
	if a.inspector == nil {
		return domain.PageInfo{URL: a.cfg.PageURL}, nil
	}
	info, err := a.inspector.Inspect(ctx, a.cfg.PageURL)
	if err != nil {
		a.log.Debug("page inspection failed", "url", a.cfg.PageURL, "error", err)
		return domain.PageInfo{URL: a.cfg.PageURL}, nil
	}
	return info, nil
}
