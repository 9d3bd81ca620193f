package google

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quest/internal/domain"
	"quest/internal/observability"
)

// consent simulates the browser: it follows the auth URL straight back to the
// redirect URI with the given query overrides.
func consent(t *testing.T, seen *url.Values, override func(q url.Values)) func(context.Context, string) error {
	return func(ctx context.Context, authURL string) error {
		parsed, err := url.Parse(authURL)
		require.NoError(t, err)
		params := parsed.Query()
		if seen != nil {
			*seen = params
		}

		callback := url.Values{}
		callback.Set("state", params.Get("state"))
		callback.Set("code", "auth-code")
		if override != nil {
			override(callback)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.Get("redirect_uri")+"?"+callback.Encode(), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp.Body.Close()
	}
}

func TestIDTokenFlow(t *testing.T) {
	t.Parallel()

	var authParams url.Values
	posted := make(chan url.Values, 1)
	tokenServer := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil {
			posted <- r.PostForm
		}
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"access_token":"ga","id_token":"id-token-xyz","token_type":"Bearer"}`))
	}))
	defer tokenServer.Close()

	signin := NewSignIn(Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AuthURL:      "https://accounts.example.com/o/oauth2/v2/auth",
		TokenURL:     tokenServer.URL,
		OpenBrowser:  consent(t, &authParams, nil),
		Logger:       observability.Discard(),
	})

	token, err := signin.IDToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id-token-xyz", token)

	assert.Equal(t, "code", authParams.Get("response_type"))
	assert.Equal(t, "client-1", authParams.Get("client_id"))
	assert.Equal(t, "S256", authParams.Get("code_challenge_method"))
	assert.Equal(t, "offline", authParams.Get("access_type"))
	assert.Equal(t, "consent", authParams.Get("prompt"))
	assert.Contains(t, authParams.Get("scope"), "openid")
	assert.NotEmpty(t, authParams.Get("state"))

	form := <-posted
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "auth-code", form.Get("code"))
	assert.Equal(t, "client-1", form.Get("client_id"))
	assert.Equal(t, "secret-1", form.Get("client_secret"))
	assert.Equal(t, authParams.Get("redirect_uri"), form.Get("redirect_uri"))
	assert.Equal(t, authParams.Get("code_challenge"), challengeFor(form.Get("code_verifier")))
}

func TestCallbackRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		override func(q url.Values)
		want     *domain.Error
		message  string
	}{
		{
			name:     "state mismatch",
			override: func(q url.Values) { q.Set("state", "forged") },
			want:     domain.ErrUnauthorized,
			message:  "state mismatch",
		},
		{
			name: "user declined",
			override: func(q url.Values) {
				q.Del("code")
				q.Set("error", "access_denied")
			},
			want:    domain.ErrUnauthorized,
			message: "access_denied",
		},
		{
			name:     "missing code",
			override: func(q url.Values) { q.Del("code") },
			want:     domain.ErrInvalidInput,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			signin := NewSignIn(Config{
				ClientID:    "client-1",
				TokenURL:    "http://127.0.0.1:1/never-called",
				OpenBrowser: consent(t, nil, tc.override),
				Logger:      observability.Discard(),
			})

			_, err := signin.IDToken(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			if tc.message != "" {
				assert.Contains(t, err.Error(), tc.message)
			}
		})
	}
}

func TestTokenEndpointFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   *domain.Error
	}{
		{name: "invalid grant", status: http.StatusBadRequest, body: `{"error":"invalid_grant","error_description":"Bad Request"}`, want: domain.ErrUnauthorized},
		{name: "server error", status: http.StatusBadGateway, body: ``, want: domain.ErrRemoteError},
		{name: "no id token", status: http.StatusOK, body: `{"access_token":"ga"}`, want: domain.ErrMisconfigured},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tokenServer := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
				rw.WriteHeader(tc.status)
				_, _ = rw.Write([]byte(tc.body))
			}))
			defer tokenServer.Close()

			signin := NewSignIn(Config{
				ClientID:    "client-1",
				TokenURL:    tokenServer.URL,
				OpenBrowser: consent(t, nil, nil),
				Logger:      observability.Discard(),
			})
			_, err := signin.IDToken(context.Background())
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCallbackTimeout(t *testing.T) {
	t.Parallel()

	signin := NewSignIn(Config{
		ClientID:        "client-1",
		CallbackTimeout: 30 * time.Millisecond,
		OpenBrowser:     func(context.Context, string) error { return nil },
		Logger:          observability.Discard(),
	})
	_, err := signin.IDToken(context.Background())
	assert.ErrorIs(t, err, domain.ErrChannelTimeout)
}

func TestRequiresClientID(t *testing.T) {
	t.Parallel()

	_, err := NewSignIn(Config{OpenBrowser: func(context.Context, string) error { return nil }}).IDToken(context.Background())
	assert.ErrorIs(t, err, domain.ErrMisconfigured)
}

func TestPKCEChallengeIsS256OfVerifier(t *testing.T) {
	t.Parallel()

	pair, err := newPKCEPair()
	require.NoError(t, err)
	assert.Len(t, pair.verifier, 43)
	assert.Equal(t, challengeFor(pair.verifier), pair.challenge)

	// RFC 7636 appendix B.
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", challengeFor("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}
