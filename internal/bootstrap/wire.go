package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"quest/internal/agent"
	"quest/internal/audio"
	"quest/internal/bus"
	"quest/internal/config"
	"quest/internal/domain"
	"quest/internal/observability"
	"quest/internal/popup"
	"quest/internal/ports"
	"quest/internal/providers/google"
	"quest/internal/providers/questapi"
	"quest/internal/providers/whisper"
	"quest/internal/session"
	"quest/internal/usecase"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.Config, out io.Writer) *slog.Logger {
	return observability.NewLogger(observability.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	})
}

// OpenSessionStore opens the configured session backend. The returned
// closer is never nil.
func OpenSessionStore(ctx context.Context, cfg config.Config) (ports.SessionStore, func() error, error) {
	switch cfg.Session.Backend {
	case config.SessionBackendSQLite:
		store, err := session.OpenSQLiteStore(ctx, cfg.Session.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return session.NewFileStore(cfg.Session.Path), func() error { return nil }, nil
	}
}

// NewTranscriber builds the provider client. Only the background context
// holds the credential.
func NewTranscriber(cfg config.Config, logger *slog.Logger) *whisper.Provider {
	return whisper.NewProvider(whisper.Config{
		APIKey:     cfg.Transcription.APIKey,
		APIBaseURL: cfg.Transcription.APIBaseURL,
		Model:      cfg.Transcription.Model,
		Language:   cfg.Transcription.Language,
		Timeout:    cfg.Transcription.Timeout.Std(),
		Logger:     logger,
	})
}

// Background is the assembled background context.
type Background struct {
	Hub      *bus.Hub
	Config   config.Config
	server   *http.Server
	closeDB  func() error
	listener net.Listener
	log      *slog.Logger
}

// BuildBackground wires the hub, login sync and proxied transcription and
// binds the listen address.
func BuildBackground(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Background, error) {
	store, closeDB, err := OpenSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hub := bus.NewHub(domain.ContextBackground, logger)
	agent.NewBackground(store, NewTranscriber(cfg, logger), logger).Register(hub)

	listener, err := net.Listen("tcp", cfg.Bus.Listen)
	if err != nil {
		_ = closeDB()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Bus.Listen, err)
	}

	return &Background{
		Hub:      hub,
		Config:   cfg,
		server:   &http.Server{Handler: hub.Handler(), ReadHeaderTimeout: 10 * time.Second},
		closeDB:  closeDB,
		listener: listener,
		log:      observability.Default(logger).With("component", "background"),
	}, nil
}

// Addr is the bound listen address.
func (b *Background) Addr() string {
	return b.listener.Addr().String()
}

// Serve runs until ctx ends, then disconnects every context.
func (b *Background) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- b.server.Serve(b.listener) }()
	b.log.Info("background hub listening", "addr", b.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.Hub.Close()
	_ = b.server.Shutdown(shutdownCtx)
	_ = b.closeDB()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// PageOptions are the per-invocation page settings.
type PageOptions struct {
	URL         string
	InlineAudio bool
}

// Page is the assembled page context.
type Page struct {
	Agent   *agent.PageAgent
	Capture *audio.Capture
}

// BuildPage dials the hub as the page context and attaches the microphone.
func BuildPage(ctx context.Context, cfg config.Config, logger *slog.Logger, opts PageOptions) (*Page, error) {
	conn, err := bus.Dial(ctx, cfg.Bus.URL, domain.ContextPage)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindChannelClosed, err, "background is not running")
	}
	b := bus.New(domain.ContextPage, conn, bus.Options{Timeout: cfg.Bus.Timeout.Std(), Logger: logger})

	capture := audio.NewCapture(
		audio.NewFFMPEGSource(cfg.Audio.RecorderCommand),
		ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		audio.WithLogger(logger),
	)
	page := agent.NewPageAgent(b, capture, agent.NewHTMLInspector(nil), agent.PageConfig{
		PageURL:     opts.URL,
		InlineAudio: opts.InlineAudio,
		Logger:      logger,
	})
	return &Page{Agent: page, Capture: capture}, nil
}

// PopupOptions are the per-invocation popup settings.
type PopupOptions struct {
	// OpenBrowser shows the Google consent page.
	OpenBrowser func(ctx context.Context, authURL string) error
}

// Popup is one popup open: a fresh controller plus, when the background
// is reachable, a voice recorder bound to the page context.
type Popup struct {
	Controller  *popup.Controller
	Coordinator *usecase.RecordingCoordinator
	API         *questapi.Client
	Sessions    *session.Manager

	bus     *bus.Bus
	closeDB func() error
}

// BuildPopup assembles a popup. A missing background is not fatal: account
// and save commands still work, voice input and tab prefill do not.
func BuildPopup(ctx context.Context, cfg config.Config, logger *slog.Logger, opts PopupOptions) (*Popup, error) {
	store, closeDB, err := OpenSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	manager := session.NewManager(store, session.ManagerConfig{TTL: cfg.Session.TTL.Std(), Logger: logger})
	api := questapi.NewClient(questapi.Config{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.Timeout.Std(), Logger: logger})

	deps := popup.Deps{
		API:      api,
		Sessions: manager,
		MySpace:  api.MySpaceURL,
		Logger:   logger,
	}
	if cfg.Google.ClientID != "" {
		deps.Google = google.NewSignIn(google.Config{
			ClientID:        cfg.Google.ClientID,
			ClientSecret:    cfg.Google.ClientSecret,
			CallbackTimeout: cfg.Google.CallbackTimeout.Std(),
			OpenBrowser:     opts.OpenBrowser,
			Logger:          logger,
		})
	}

	out := &Popup{API: api, Sessions: manager, closeDB: closeDB}

	conn, err := bus.Dial(ctx, cfg.Bus.URL, domain.ContextPopup)
	if err != nil {
		observability.Default(logger).Debug("background unreachable, voice input disabled", "error", err)
		out.Controller = popup.NewController(deps)
		return out, nil
	}

	b := bus.New(domain.ContextPopup, conn, bus.Options{Timeout: cfg.Bus.Timeout.Std(), Logger: logger})
	recorder := agent.NewBusPageRecorder(b)
	deps.Tabs = recorder

	controller := popup.NewController(deps)
	coordinator := usecase.NewRecordingCoordinator(
		recorder,
		agent.NewRemoteTranscriber(b, cfg.Bus.TranscribeTimeout.Std()),
		controller,
		usecase.Config{CompletionTimeout: cfg.Bus.CompletionTimeout.Std(), Logger: logger},
	)
	controller.AttachVoice(coordinator)
	b.Handle(domain.ActionRecordingComplete, func(_ context.Context, req bus.Request) (any, error) {
		var msg domain.RecordingComplete
		if err := req.Decode(&msg); err != nil {
			return nil, err
		}
		coordinator.HandleRecordingComplete(msg)
		return nil, nil
	})
	b.Start(ctx)

	out.Controller = controller
	out.Coordinator = coordinator
	out.bus = b
	return out, nil
}

// Connected reports whether the popup reached the background.
func (p *Popup) Connected() bool {
	return p.bus != nil
}

// Close tears the popup down, abandoning any in-flight recording.
func (p *Popup) Close() error {
	p.Controller.Close()
	var errs []error
	if p.bus != nil {
		errs = append(errs, p.bus.Close())
	}
	errs = append(errs, p.closeDB())
	return errors.Join(errs...)
}
