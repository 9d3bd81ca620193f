package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quest/internal/domain"
	"quest/internal/observability"
)

type hubHarness struct {
	t   *testing.T
	hub *Hub
	ctx context.Context
}

func newHubHarness(t *testing.T) *hubHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(domain.ContextBackground, observability.Discard())
	t.Cleanup(func() {
		cancel()
		_ = hub.Close()
	})
	return &hubHarness{t: t, hub: hub, ctx: ctx}
}

func (h *hubHarness) attach(name domain.ContextName, opts Options) *Bus {
	h.t.Helper()
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	local, remote := Pipe()
	go func() { _ = h.hub.Attach(h.ctx, name, remote) }()
	b := New(name, local, opts)
	b.Start(h.ctx)
	h.t.Cleanup(func() { _ = b.Close() })
	require.Eventually(h.t, func() bool { return h.hub.Connected(name) }, time.Second, 5*time.Millisecond)
	return b
}

func TestHubRoutesRequestBetweenContexts(t *testing.T) {
	t.Parallel()

	h := newHubHarness(t)
	page := h.attach(domain.ContextPage, Options{})
	popup := h.attach(domain.ContextPopup, Options{})

	page.Handle("echo", func(_ context.Context, req Request) (any, error) {
		var in echoPayload
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return echoPayload{Text: string(req.Sender) + ":" + in.Text}, nil
	})

	var out echoPayload
	require.NoError(t, popup.Call(context.Background(), domain.ContextPage, "echo", echoPayload{Text: "hello"}, &out))
	assert.Equal(t, "popup:hello", out.Text)
}

func TestHubServesItsOwnHandlers(t *testing.T) {
	t.Parallel()

	h := newHubHarness(t)
	h.hub.Handle(domain.ActionTranscribeAudio, func(_ context.Context, req Request) (any, error) {
		assert.Equal(t, domain.ContextPage, req.Sender)
		return domain.Transcript{Text: "done"}, nil
	})
	page := h.attach(domain.ContextPage, Options{})

	var out domain.Transcript
	require.NoError(t, page.Call(context.Background(), domain.ContextBackground, domain.ActionTranscribeAudio, domain.TranscribeRequest{}, &out))
	assert.Equal(t, "done", out.Text)
}

func TestHubFailsRequestForMissingContext(t *testing.T) {
	t.Parallel()

	h := newHubHarness(t)
	popup := h.attach(domain.ContextPopup, Options{})

	_, err := popup.Send(context.Background(), domain.ContextPage, domain.ActionStartRecording, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestHubFailsInflightRequestWhenTargetDetaches(t *testing.T) {
	t.Parallel()

	h := newHubHarness(t)
	page := h.attach(domain.ContextPage, Options{})
	popup := h.attach(domain.ContextPopup, Options{})

	started := make(chan struct{})
	page.Handle(domain.ActionStopRecording, func(ctx context.Context, _ Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := popup.Send(context.Background(), domain.ContextPage, domain.ActionStopRecording, nil)
		errCh <- err
	}()

	<-started
	require.NoError(t, page.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatalf("popup was not told the page went away")
	}
	require.Eventually(t, func() bool { return !h.hub.Connected(domain.ContextPage) }, time.Second, 5*time.Millisecond)
}

func TestHubForwardsNotifications(t *testing.T) {
	t.Parallel()

	h := newHubHarness(t)
	popup := h.attach(domain.ContextPopup, Options{})
	page := h.attach(domain.ContextPage, Options{})

	got := make(chan domain.RecordingComplete, 1)
	popup.Handle(domain.ActionRecordingComplete, func(_ context.Context, req Request) (any, error) {
		var msg domain.RecordingComplete
		if err := req.Decode(&msg); err != nil {
			return nil, err
		}
		got <- msg
		return nil, nil
	})

	require.NoError(t, page.Notify(context.Background(), domain.ContextPopup, domain.ActionRecordingComplete, domain.RecordingComplete{RecordingID: "rec-1"}))

	select {
	case msg := <-got:
		assert.Equal(t, "rec-1", msg.RecordingID)
	case <-time.After(time.Second):
		t.Fatalf("notification not forwarded")
	}
}

func TestHubReplacesContextWithNewerConnection(t *testing.T) {
	t.Parallel()

	h := newHubHarness(t)
	first := h.attach(domain.ContextPopup, Options{})
	second := h.attach(domain.ContextPopup, Options{})
	page := h.attach(domain.ContextPage, Options{})

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatalf("replaced connection was not torn down")
	}

	page.Handle("ping", func(context.Context, Request) (any, error) { return "pong", nil })
	var out string
	require.NoError(t, second.Call(context.Background(), domain.ContextPage, "ping", nil, &out))
	assert.Equal(t, "pong", out)
}

func TestHubRejectsInvalidContextName(t *testing.T) {
	t.Parallel()

	hub := NewHub(domain.ContextBackground, observability.Discard())
	_, remote := Pipe()
	assert.Error(t, hub.Attach(context.Background(), domain.ContextBackground, remote))

	_, other := Pipe()
	assert.Error(t, hub.Attach(context.Background(), "", other))
}
