package questapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quest/internal/domain"
	"quest/internal/observability"
)

const (
	DefaultBaseURL = "https://quest-api-edz1.onrender.com"

	apiPrefix        = "/api/v1"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
)

// Config controls the knowledge-base API client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements ports.InsightAPI.
type Client struct {
	base   string
	client *http.Client
	log    *slog.Logger
}

func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:   base,
		client: client,
		log:    observability.Default(cfg.Logger).With("component", "questapi"),
	}
}

// MySpaceURL links to the user's saved insights on the web.
func (c *Client) MySpaceURL(userID string) string {
	return c.base + "/my-space?user_id=" + url.QueryEscape(userID)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Detail  json.RawMessage `json:"detail"`
}

// flexID accepts identifiers encoded as either JSON strings or numbers.
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*id = flexID(n.String())
	return nil
}

type authUser struct {
	ID       flexID `json:"id"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	Picture  string `json:"picture"`
}

type authData struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       flexID    `json:"user_id"`
	Email        string    `json:"email"`
	Nickname     string    `json:"nickname"`
	Picture      string    `json:"picture"`
	User         *authUser `json:"user"`
}

func (d authData) session(provider domain.AuthProvider, fallbackEmail string) (domain.Session, error) {
	if strings.TrimSpace(d.AccessToken) == "" {
		return domain.Session{}, domain.NewError(domain.ErrorKindMisconfigured, "auth response is missing an access token")
	}
	session := domain.Session{
		UserID:       string(d.UserID),
		Email:        d.Email,
		Nickname:     d.Nickname,
		PictureURL:   d.Picture,
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		Provider:     provider,
	}
	if u := d.User; u != nil {
		session.UserID = firstNonEmpty(session.UserID, string(u.ID))
		session.Email = firstNonEmpty(session.Email, u.Email)
		session.Nickname = firstNonEmpty(session.Nickname, u.Nickname)
		session.PictureURL = firstNonEmpty(session.PictureURL, u.Picture)
	}
	session.Email = firstNonEmpty(session.Email, fallbackEmail)
	if session.UserID == "" {
		return domain.Session{}, domain.NewError(domain.ErrorKindMisconfigured, "auth response is missing a user id")
	}
	return session, nil
}

func (c *Client) Login(ctx context.Context, email string, password string) (domain.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return domain.Session{}, domain.NewError(domain.ErrorKindInvalidInput, "email and password are required")
	}
	var data authData
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &data); err != nil {
		return domain.Session{}, err
	}
	return data.session(domain.AuthProviderPassword, email)
}

func (c *Client) Register(ctx context.Context, email string, nickname string, password string) (domain.Session, error) {
	email = strings.TrimSpace(email)
	nickname = strings.TrimSpace(nickname)
	if email == "" || nickname == "" || password == "" {
		return domain.Session{}, domain.NewError(domain.ErrorKindInvalidInput, "email, nickname and password are required")
	}
	var data authData
	body := map[string]string{"email": email, "nickname": nickname, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", body, &data); err != nil {
		return domain.Session{}, err
	}
	session, err := data.session(domain.AuthProviderPassword, email)
	if err != nil {
		return domain.Session{}, err
	}
	session.Nickname = firstNonEmpty(session.Nickname, nickname)
	return session, nil
}

func (c *Client) ExchangeGoogleToken(ctx context.Context, idToken string) (domain.Session, error) {
	if strings.TrimSpace(idToken) == "" {
		return domain.Session{}, domain.NewError(domain.ErrorKindInvalidInput, "google id token is required")
	}
	var data authData
	if err := c.do(ctx, http.MethodPost, "/auth/google/token", "", map[string]string{"id_token": idToken}, &data); err != nil {
		return domain.Session{}, err
	}
	return data.session(domain.AuthProviderGoogle, "")
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return domain.NewError(domain.ErrorKindUnauthorized, "you need to log in first")
	}
	return c.do(ctx, http.MethodPost, "/auth/signout", accessToken, nil, nil)
}

func (c *Client) CreateInsight(ctx context.Context, accessToken string, insight domain.Insight) (domain.SavedInsight, error) {
	if accessToken == "" {
		return domain.SavedInsight{}, domain.NewError(domain.ErrorKindUnauthorized, "you need to log in first")
	}
	insight.URL = strings.TrimSpace(insight.URL)
	if insight.URL == "" {
		return domain.SavedInsight{}, domain.NewError(domain.ErrorKindInvalidInput, "insight url is required")
	}
	if insight.TagIDs == nil {
		insight.TagIDs = []string{}
	}

	var data struct {
		ID        flexID `json:"id"`
		URL       string `json:"url"`
		CreatedAt string `json:"created_at"`
	}
	if err := c.do(ctx, http.MethodPost, "/insights", accessToken, insight, &data); err != nil {
		return domain.SavedInsight{}, err
	}
	return domain.SavedInsight{
		ID:        string(data.ID),
		URL:       firstNonEmpty(data.URL, insight.URL),
		CreatedAt: parseTimestamp(data.CreatedAt),
	}, nil
}

// parseTimestamp accepts RFC 3339 and the zone-less form the API emits for
// naive datetimes, which are taken as UTC.
func parseTimestamp(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (c *Client) ListTags(ctx context.Context, accessToken string) ([]domain.Tag, error) {
	if accessToken == "" {
		return nil, domain.NewError(domain.ErrorKindUnauthorized, "you need to log in first")
	}
	var data []struct {
		ID    flexID `json:"id"`
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := c.do(ctx, http.MethodGet, "/user-tags", accessToken, nil, &data); err != nil {
		return nil, err
	}
	tags := make([]domain.Tag, 0, len(data))
	for _, item := range data {
		if strings.TrimSpace(item.Name) == "" {
			continue
		}
		tags = append(tags, domain.Tag{ID: string(item.ID), Name: item.Name, Color: item.Color})
	}
	return tags, nil
}

// do sends one request and decodes the envelope's data into out. A nil out
// accepts an empty body.
func (c *Client) do(ctx context.Context, method, path, token string, in any, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return domain.WrapError(domain.ErrorKindInvalidInput, err, "encode request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+apiPrefix+path, body)
	if err != nil {
		return domain.WrapError(domain.ErrorKindMisconfigured, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.WrapError(domain.ErrorKindNetworkError, err, "could not reach the Quest API")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.WrapError(domain.ErrorKindNetworkError, err, "read Quest API response")
	}
	c.log.Debug("api call", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(started))

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	detail := detailText(env.Detail)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.NewError(domain.ErrorKindUnauthorized, "%s", firstNonEmpty(detail, "not authorized, please log in again"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewError(domain.ErrorKindRateLimited, "%s", firstNonEmpty(detail, "too many requests, try again later"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return domain.NewError(domain.ErrorKindRemoteError, "Quest API error (%d): %s", resp.StatusCode, firstNonEmpty(detail, http.StatusText(resp.StatusCode)))
	}

	if out == nil && len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if decodeErr != nil {
		return domain.WrapError(domain.ErrorKindRemoteError, decodeErr, "Quest API returned an unreadable response")
	}
	if !env.Success {
		return domain.NewError(domain.ErrorKindRemoteError, "%s", firstNonEmpty(detail, "request failed"))
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return domain.NewError(domain.ErrorKindMisconfigured, "Quest API response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return domain.WrapError(domain.ErrorKindMisconfigured, err, "Quest API response has an unexpected shape")
	}
	return nil
}

// detailText flattens the detail field, which is either a string or a list
// of validation errors carrying a msg.
func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
