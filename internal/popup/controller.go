package popup

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"quest/internal/domain"
	"quest/internal/observability"
	"quest/internal/ports"
)

// Sessions is the popup's view of the session manager.
type Sessions interface {
	Current(ctx context.Context) (*domain.Session, error)
	Save(ctx context.Context, session domain.Session) (domain.Session, error)
	Clear(ctx context.Context) error
	Validate(ctx context.Context, token string) (domain.Session, error)
}

// Tabs reports the page the popup was opened over.
type Tabs interface {
	CurrentTab(ctx context.Context) (domain.PageInfo, error)
}

// GoogleSignIn produces a Google ID token for the API exchange.
type GoogleSignIn interface {
	IDToken(ctx context.Context) (string, error)
}

// Voice is the recording state machine behind the microphone button.
type Voice interface {
	Toggle(ctx context.Context) error
	Close()
}

// Deps are the collaborators of one popup. Tabs, Google and MySpace are
// optional.
type Deps struct {
	API      ports.InsightAPI
	Sessions Sessions
	Tabs     Tabs
	Google   GoogleSignIn
	MySpace  func(userID string) string
	Logger   *slog.Logger
}

// RegisterForm is the sign-up form.
type RegisterForm struct {
	Email    string
	Nickname string
	Password string
	Confirm  string
}

// View is a snapshot of everything the popup renders.
type View struct {
	Session   *domain.Session
	Page      domain.PageInfo
	Tags      []domain.Tag
	Selected  []string
	Note      string
	Recording domain.RecordingState
	Message   Message
	MySpace   string
}

// Controller owns all state of one popup open. It is constructed fresh for
// every invocation and implements ports.EventSink for its voice recorder.
type Controller struct {
	deps Deps
	log  *slog.Logger

	mu        sync.Mutex
	voice     Voice
	session   *domain.Session
	page      domain.PageInfo
	tags      []domain.Tag
	selected  []string
	note      string
	recording domain.RecordingState
	message   Message
	saved     bool
}

func NewController(deps Deps) *Controller {
	return &Controller{
		deps:      deps,
		log:       observability.Default(deps.Logger).With("component", "popup"),
		recording: domain.RecordingStateIdle,
	}
}

// AttachVoice connects the recorder that reports back into this controller.
func (c *Controller) AttachVoice(voice Voice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voice = voice
}

// Open restores the stored session and pre-fills the page fields.
func (c *Controller) Open(ctx context.Context) error {
	session, err := c.deps.Sessions.Current(ctx)
	if errors.Is(err, domain.ErrSessionExpired) {
		c.setMessage(ErrorMessage(domain.ErrorKindSessionExpired), ToneError)
		session, err = nil, nil
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	if c.deps.Tabs != nil {
		if page, err := c.deps.Tabs.CurrentTab(ctx); err != nil {
			c.log.Debug("no current tab", "error", err)
		} else {
			c.SetPage(page)
		}
	}
	if session != nil {
		c.refreshTags(ctx)
	}
	return nil
}

// Close tears the popup down. An in-flight recording is abandoned.
func (c *Controller) Close() {
	c.mu.Lock()
	voice := c.voice
	c.mu.Unlock()
	if voice != nil {
		voice.Close()
	}
}

func (c *Controller) Login(ctx context.Context, email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		c.setMessage("Please fill in email and password", ToneError)
		return domain.NewError(domain.ErrorKindInvalidInput, "email and password are required")
	}
	session, err := c.deps.API.Login(ctx, email, password)
	if err != nil {
		return c.failed("Login failed", err)
	}
	if err := c.signIn(ctx, session); err != nil {
		return c.failed("Login failed", err)
	}
	c.setMessage("Login successful!", ToneSuccess)
	return nil
}

func (c *Controller) Register(ctx context.Context, form RegisterForm) error {
	if strings.TrimSpace(form.Email) == "" || strings.TrimSpace(form.Nickname) == "" || form.Password == "" || form.Confirm == "" {
		c.setMessage("Please fill in all fields", ToneError)
		return domain.NewError(domain.ErrorKindInvalidInput, "all fields are required")
	}
	if form.Password != form.Confirm {
		c.setMessage("Passwords do not match", ToneError)
		return domain.NewError(domain.ErrorKindInvalidInput, "passwords do not match")
	}
	session, err := c.deps.API.Register(ctx, form.Email, form.Nickname, form.Password)
	if err != nil {
		return c.failed("Registration failed", err)
	}
	if err := c.signIn(ctx, session); err != nil {
		return c.failed("Registration failed", err)
	}
	c.setMessage("Registration successful!", ToneSuccess)
	return nil
}

func (c *Controller) LoginWithGoogle(ctx context.Context) error {
	if c.deps.Google == nil {
		return c.failed("Google authentication failed", domain.NewError(domain.ErrorKindMisconfigured, "google sign-in is not configured"))
	}
	idToken, err := c.deps.Google.IDToken(ctx)
	if err != nil {
		return c.failed("Google authentication failed", err)
	}
	session, err := c.deps.API.ExchangeGoogleToken(ctx, idToken)
	if err != nil {
		return c.failed("Google authentication failed", err)
	}
	if err := c.signIn(ctx, session); err != nil {
		return c.failed("Google authentication failed", err)
	}
	c.setMessage("Successfully logged in with Google!", ToneSuccess)
	return nil
}

// Logout always clears the local session; telling the server is best effort.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session != nil {
		if err := c.deps.API.SignOut(ctx, session.AccessToken); err != nil {
			c.log.Warn("server sign-out failed", "error", err)
		}
	}
	if err := c.deps.Sessions.Clear(ctx); err != nil {
		return c.failed("Logout failed", err)
	}

	c.mu.Lock()
	c.session = nil
	c.tags = nil
	c.selected = nil
	c.saved = false
	c.mu.Unlock()
	c.setMessage("Logged out", ToneInfo)
	return nil
}

// LoadTags fetches the user's tags.
func (c *Controller) LoadTags(ctx context.Context) ([]domain.Tag, error) {
	session, err := c.requireSession(ctx)
	if err != nil {
		return nil, err
	}
	tags, err := c.deps.API.ListTags(ctx, session.AccessToken)
	if err != nil {
		return nil, c.failed("Could not load tags", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = tags
	// Drop selections that no longer exist.
	c.selected = slices.DeleteFunc(c.selected, func(id string) bool {
		return !slices.ContainsFunc(tags, func(t domain.Tag) bool { return t.ID == id })
	})
	return slices.Clone(tags), nil
}

// ToggleTag selects or deselects a loaded tag by id or name.
func (c *Controller) ToggleTag(ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.tags, func(t domain.Tag) bool {
		return t.ID == ref || strings.EqualFold(t.Name, ref)
	})
	if idx < 0 {
		return domain.NewError(domain.ErrorKindInvalidInput, "unknown tag %q", ref)
	}
	id := c.tags[idx].ID
	if pos := slices.Index(c.selected, id); pos >= 0 {
		c.selected = slices.Delete(c.selected, pos, pos+1)
		return nil
	}
	c.selected = append(c.selected, id)
	return nil
}

func (c *Controller) SetNote(note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.note = note
}

func (c *Controller) SetPage(page domain.PageInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.page = page
}

// SaveInsight stores the page with the note and selected tags.
func (c *Controller) SaveInsight(ctx context.Context) (domain.SavedInsight, error) {
	c.mu.Lock()
	session := c.session
	insight := domain.Insight{
		URL:     strings.TrimSpace(c.page.URL),
		Thought: c.note,
		TagIDs:  slices.Clone(c.selected),
	}
	c.mu.Unlock()

	if session == nil {
		c.setMessage("Please login first", ToneError)
		return domain.SavedInsight{}, domain.NewError(domain.ErrorKindUnauthorized, "not logged in")
	}
	if insight.URL == "" {
		c.setMessage("Please enter page URL", ToneError)
		return domain.SavedInsight{}, domain.NewError(domain.ErrorKindInvalidInput, "page url is required")
	}

	current, err := c.deps.Sessions.Validate(ctx, session.AccessToken)
	if err != nil {
		c.dropSession()
		c.setMessage(ErrorMessage(domain.ErrorKindSessionExpired), ToneError)
		return domain.SavedInsight{}, err
	}

	saved, err := c.deps.API.CreateInsight(ctx, current.AccessToken, insight)
	if err != nil {
		return domain.SavedInsight{}, c.failed("Save failed", err)
	}

	c.mu.Lock()
	c.page = domain.PageInfo{}
	c.note = ""
	c.selected = nil
	c.saved = true
	c.mu.Unlock()
	c.setMessage("Saved to collection!", ToneSuccess)
	return saved, nil
}

// ToggleVoice starts or stops dictation into the note.
func (c *Controller) ToggleVoice(ctx context.Context) error {
	c.mu.Lock()
	voice := c.voice
	c.mu.Unlock()
	if voice == nil {
		c.setMessage(ErrorMessage(domain.ErrorKindUnsupported), ToneError)
		return domain.NewError(domain.ErrorKindUnsupported, "voice input is not available")
	}
	return voice.Toggle(ctx)
}

// View returns a snapshot for rendering.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := View{
		Page:      c.page,
		Tags:      slices.Clone(c.tags),
		Selected:  slices.Clone(c.selected),
		Note:      c.note,
		Recording: c.recording,
		Message:   c.message,
	}
	if c.session != nil {
		copied := *c.session
		view.Session = &copied
		if c.saved && c.deps.MySpace != nil {
			view.MySpace = c.deps.MySpace(copied.UserID)
		}
	}
	return view
}

func (c *Controller) RecordingStateChanged(state domain.RecordingState, reason domain.RecordingReason) {
	c.mu.Lock()
	c.recording = state
	c.mu.Unlock()
	if text := recordingMessage(reason); text != "" {
		c.setMessage(text, ToneInfo)
	}
}

// TranscriptReady appends dictated text to the note.
func (c *Controller) TranscriptReady(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.TrimSpace(c.note) == "" {
		c.note = text
		return
	}
	c.note = c.note + "\n\n" + text
}

func (c *Controller) RecordingFailed(kind domain.ErrorKind, detail string) {
	c.log.Debug("voice input failed", "kind", string(kind), "detail", detail)
	c.setMessage(ErrorMessage(kind), ToneError)
}

func (c *Controller) signIn(ctx context.Context, session domain.Session) error {
	saved, err := c.deps.Sessions.Save(ctx, session)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.session = &saved
	c.mu.Unlock()
	c.log.Info("signed in", "user_id", saved.UserID, "provider", string(saved.Provider))
	c.refreshTags(ctx)
	return nil
}

// refreshTags loads tags without surfacing failures; the tag row simply
// stays empty.
func (c *Controller) refreshTags(ctx context.Context) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	tags, err := c.deps.API.ListTags(ctx, session.AccessToken)
	if err != nil {
		c.log.Warn("failed to load user tags", "error", err)
		return
	}
	c.mu.Lock()
	c.tags = tags
	c.mu.Unlock()
}

func (c *Controller) requireSession(ctx context.Context) (domain.Session, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		c.setMessage("Please login first", ToneError)
		return domain.Session{}, domain.NewError(domain.ErrorKindUnauthorized, "not logged in")
	}
	current, err := c.deps.Sessions.Validate(ctx, session.AccessToken)
	if err != nil {
		c.dropSession()
		c.setMessage(ErrorMessage(domain.ErrorKindSessionExpired), ToneError)
		return domain.Session{}, err
	}
	return current, nil
}

func (c *Controller) dropSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.tags = nil
	c.selected = nil
}

// failed records a prefixed user message for err and returns err.
func (c *Controller) failed(prefix string, err error) error {
	kind := domain.KindOf(err)
	c.log.Warn(strings.ToLower(prefix), "kind", string(kind), "error", err)
	c.setMessage(prefix+": "+ErrorMessage(kind), ToneError)
	return err
}

func (c *Controller) setMessage(text string, tone Tone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.message = Message{Text: text, Tone: tone}
}
