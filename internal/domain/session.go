package domain

import (
	"strings"
	"time"
)

// SessionTTL bounds how long a stored session stays valid after issue.
const SessionTTL = 24 * time.Hour

// AuthProvider identifies how a session was established.
type AuthProvider string

const (
	AuthProviderPassword AuthProvider = "password"
	AuthProviderGoogle   AuthProvider = "google"
)

// Session is the authenticated user cached by the extension.
type Session struct {
	UserID       string       `json:"userId"`
	Email        string       `json:"email"`
	Nickname     string       `json:"nickname,omitempty"`
	PictureURL   string       `json:"pictureUrl,omitempty"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	Provider     AuthProvider `json:"provider"`
	IssuedAt     time.Time    `json:"issuedAt"`
}

// Expired reports whether the session is older than ttl at now.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return !now.Before(s.IssuedAt.Add(ttl))
}

// DisplayName falls back to the local part of the email.
func (s Session) DisplayName() string {
	if name := strings.TrimSpace(s.Nickname); name != "" {
		return name
	}
	local, _, _ := strings.Cut(s.Email, "@")
	return local
}
