package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"quest/internal/domain"
	"quest/internal/observability"
)

const (
	DefaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	callbackPath           = "/callback"
	defaultCallbackTimeout = 3 * time.Minute
	maxTokenResponseBytes  = 1 << 20
)

// DefaultScopes request the profile fields the Quest API copies into the session.
var DefaultScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Config controls the installed-app sign-in flow.
type Config struct {
	ClientID        string
	ClientSecret    string
	AuthURL         string
	TokenURL        string
	Scopes          []string
	ListenAddr      string
	CallbackTimeout time.Duration
	HTTPClient      *http.Client
	// OpenBrowser presents the consent URL to the user.
	OpenBrowser func(ctx context.Context, authURL string) error
	Logger      *slog.Logger
}

// SignIn runs the authorization-code flow with PKCE on a loopback redirect
// and yields a Google ID token.
type SignIn struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

func NewSignIn(cfg Config) *SignIn {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = defaultCallbackTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SignIn{
		cfg:    cfg,
		client: client,
		log:    observability.Default(cfg.Logger).With("component", "google"),
	}
}

// IDToken walks the user through consent and exchanges the returned code.
func (s *SignIn) IDToken(ctx context.Context) (string, error) {
	if strings.TrimSpace(s.cfg.ClientID) == "" {
		return "", domain.NewError(domain.ErrorKindMisconfigured, "google client id is not configured")
	}
	if s.cfg.OpenBrowser == nil {
		return "", domain.NewError(domain.ErrorKindMisconfigured, "no way to open the google consent page")
	}

	pkce, err := newPKCEPair()
	if err != nil {
		return "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}

	callback, err := startCallbackServer(s.cfg.ListenAddr, state)
	if err != nil {
		return "", err
	}
	defer callback.Close()

	authURL, err := s.authorizationURL(callback.redirectURI(), state, pkce.challenge)
	if err != nil {
		return "", err
	}
	if err := s.cfg.OpenBrowser(ctx, authURL); err != nil {
		return "", fmt.Errorf("open consent page: %w", err)
	}
	s.log.Info("waiting for google consent", "redirect_uri", callback.redirectURI())

	code, err := callback.wait(ctx, s.cfg.CallbackTimeout)
	if err != nil {
		return "", err
	}
	return s.exchange(ctx, code, callback.redirectURI(), pkce.verifier)
}

func (s *SignIn) authorizationURL(redirectURI, state, challenge string) (string, error) {
	parsed, err := url.Parse(s.cfg.AuthURL)
	if err != nil {
		return "", domain.WrapError(domain.ErrorKindMisconfigured, err, "parse google auth url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", domain.NewError(domain.ErrorKindMisconfigured, "google auth url must use http or https")
	}

	q := parsed.Query()
	q.Set("response_type", "code")
	q.Set("client_id", s.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(s.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", challengeMethodS256)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token"`
	RefreshToken     string `json:"refresh_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *SignIn) exchange(ctx context.Context, code, redirectURI, verifier string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", s.cfg.ClientID)
	form.Set("code_verifier", verifier)
	if s.cfg.ClientSecret != "" {
		form.Set("client_secret", s.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", domain.WrapError(domain.ErrorKindMisconfigured, err, "build google token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", domain.WrapError(domain.ErrorKindNetworkError, err, "could not reach google")
	}
	defer resp.Body.Close()

	var tokens tokenResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&tokens)

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return "", domain.NewError(domain.ErrorKindUnauthorized, "google rejected the sign-in: %s", describe(tokens))
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", domain.NewError(domain.ErrorKindRateLimited, "google token endpoint is rate limiting")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", domain.NewError(domain.ErrorKindRemoteError, "google token endpoint returned status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", domain.WrapError(domain.ErrorKindRemoteError, decodeErr, "decode google token response")
	}
	if tokens.IDToken == "" {
		return "", domain.NewError(domain.ErrorKindMisconfigured, "google token response has no id_token, is the openid scope requested?")
	}
	return tokens.IDToken, nil
}

func describe(tokens tokenResponse) string {
	switch {
	case tokens.ErrorDescription != "":
		return tokens.ErrorDescription
	case tokens.Error != "":
		return tokens.Error
	default:
		return "unknown error"
	}
}

type callbackResult struct {
	code string
	err  error
}

// callbackServer receives the single redirect that ends the consent step.
type callbackServer struct {
	expectedState string
	listener      net.Listener
	server        *http.Server
	results       chan callbackResult
	once          sync.Once
	closeOnce     sync.Once
}

func startCallbackServer(listenAddr, expectedState string) (*callbackServer, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for google callback: %w", err)
	}
	cb := &callbackServer{
		expectedState: expectedState,
		listener:      listener,
		results:       make(chan callbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, cb.handle)
	cb.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := cb.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cb.deliver(callbackResult{err: err})
		}
	}()
	return cb, nil
}

func (c *callbackServer) redirectURI() string {
	return "http://" + c.listener.Addr().String() + callbackPath
}

func (c *callbackServer) wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-c.results:
		return result.code, result.err
	case <-timer.C:
		return "", domain.NewError(domain.ErrorKindChannelTimeout, "timed out waiting for google sign-in")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *callbackServer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.server.Close()
	})
	return err
}

func (c *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("state") != c.expectedState {
		c.deliver(callbackResult{err: domain.NewError(domain.ErrorKindUnauthorized, "google sign-in state mismatch")})
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	if oauthErr := q.Get("error"); oauthErr != "" {
		if desc := q.Get("error_description"); desc != "" {
			oauthErr += ": " + desc
		}
		c.deliver(callbackResult{err: domain.NewError(domain.ErrorKindUnauthorized, "google sign-in failed: %s", oauthErr)})
		http.Error(w, "sign-in failed", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		c.deliver(callbackResult{err: domain.NewError(domain.ErrorKindInvalidInput, "google callback has no authorization code")})
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	c.deliver(callbackResult{code: code})
	_, _ = io.WriteString(w, "Signed in to Quest. You can close this window.")
}

func (c *callbackServer) deliver(result callbackResult) {
	c.once.Do(func() {
		c.results <- result
	})
}
