package agent

import (
	"context"
	"log/slog"
	"time"

	"quest/internal/bus"
	"quest/internal/domain"
	"quest/internal/observability"
	"quest/internal/ports"
)

// Background wires the background context's own handlers onto the hub:
// login sync into the session store and proxied transcription so the
// provider credential never leaves this process.
type Background struct {
	store       ports.SessionStore
	transcriber ports.Transcriber
	now         func() time.Time
	log         *slog.Logger
}

func NewBackground(store ports.SessionStore, transcriber ports.Transcriber, logger *slog.Logger) *Background {
	return &Background{
		store:       store,
		transcriber: transcriber,
		now:         time.Now,
		log:         observability.Default(logger).With("component", "background"),
	}
}

// Register installs the handlers on hub.
func (g *Background) Register(hub *bus.Hub) {
	hub.Handle(domain.ActionSyncLogin, g.handleSyncLogin)
	hub.Handle(domain.ActionSyncLogout, g.handleSyncLogout)
	hub.Handle(domain.ActionTranscribeAudio, g.handleTranscribe)
}

func (g *Background) handleSyncLogin(ctx context.Context, req bus.Request) (any, error) {
	var in domain.LoginSync
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if in.Session.AccessToken == "" {
		return nil, domain.NewError(domain.ErrorKindInvalidInput, "login sync carries no access token")
	}
	if in.Session.IssuedAt.IsZero() {
		in.Session.IssuedAt = g.now()
	}
	if err := g.store.Set(ctx, in.Session); err != nil {
		return nil, err
	}
	g.log.Info("session synced from page", "sender", string(req.Sender), "user_id", in.Session.UserID)
	return nil, nil
}

func (g *Background) handleSyncLogout(ctx context.Context, req bus.Request) (any, error) {
	if err := g.store.Remove(ctx); err != nil {
		return nil, err
	}
	g.log.Info("session cleared from page", "sender", string(req.Sender))
	return nil, nil
}

func (g *Background) handleTranscribe(ctx context.Context, req bus.Request) (any, error) {
	if g.transcriber == nil {
		return nil, domain.NewError(domain.ErrorKindMisconfigured, "transcription is not configured in the background")
	}
	var in domain.TranscribeRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	transcript, err := g.transcriber.Transcribe(ctx, in.Audio)
	if err != nil {
		g.log.Warn("transcription failed", "kind", string(domain.KindOf(err)), "error", err)
		return nil, err
	}
	return transcript, nil
}
