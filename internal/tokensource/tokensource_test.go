package tokensource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// tokenServer records received forms and answers with a fixed status and body.
type tokenServer struct {
	*httptest.Server

	mu    sync.Mutex
	forms []url.Values
}

func newTokenServer(t *testing.T, status int, contentType, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())

		ts.mu.Lock()
		ts.forms = append(ts.forms, r.PostForm)
		ts.mu.Unlock()

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastForm(t *testing.T) url.Values {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.forms)
	return ts.forms[len(ts.forms)-1]
}

func (ts *tokenServer) calls() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.forms)
}

func newTestClient(baseURL string) *Client {
	return New(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://127.0.0.1:8765/callback",
		Scopes:       []string{"mall.read_product", "mall.write_product"},
		Endpoint:     Endpoint(baseURL),
	}, WithClock(func() time.Time { return fixedNow }))
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://shop1.cafe24api.com/api/v2", BaseURL(DefaultBaseURL, "shop1"))
	assert.Equal(t, "http://localhost:9000", BaseURL("http://localhost:9000/", "ignored"))
}

func TestAuthCodeURL(t *testing.T) {
	c := newTestClient("https://shop1.cafe24api.com/api/v2")

	u, err := url.Parse(c.AuthCodeURL("the-state"))
	require.NoError(t, err)

	assert.Equal(t, "/api/v2/oauth/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "the-state", q.Get("state"))
	assert.Equal(t, "http://127.0.0.1:8765/callback", q.Get("redirect_uri"))
	assert.Equal(t, "mall.read_product mall.write_product", q.Get("scope"))
}

func TestExchange(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "application/json",
		`{"access_token":"access-1","refresh_token":"refresh-1","scope":"mall.read_product","expires_in":7200}`)
	c := newTestClient(ts.URL)

	r, err := c.Exchange(context.Background(), "the-code")
	require.NoError(t, err)

	form := ts.lastForm(t)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "client-id", form.Get("client_id"))
	assert.Equal(t, "client-secret", form.Get("client_secret"))
	assert.Equal(t, "http://127.0.0.1:8765/callback", form.Get("redirect_uri"))

	assert.Equal(t, "access-1", r.AccessToken)
	assert.Equal(t, "refresh-1", r.RefreshToken)
	assert.Equal(t, "mall.read_product", r.Scope)
	assert.Equal(t, fixedNow, r.IssuedAt)
	assert.Equal(t, fixedNow.Add(2*time.Hour), r.ExpiresAt)
	assert.NoError(t, r.ValidateNew())
}

func TestExchangeExpiry(t *testing.T) {
	expiresAt := fixedNow.Add(90 * time.Minute)

	tests := []struct {
		name string
		body string
		want time.Time
	}{
		{
			name: "expires_at wins over expires_in",
			body: `{"access_token":"a","refresh_token":"r","expires_in":60,"expires_at":` + jsonInt(expiresAt.Unix()) + `}`,
			want: expiresAt,
		},
		{
			name: "expires_at as numeric string",
			body: `{"access_token":"a","refresh_token":"r","expires_at":"` + jsonInt(expiresAt.Unix()) + `"}`,
			want: expiresAt,
		},
		{
			name: "expires_at as RFC 3339",
			body: `{"access_token":"a","refresh_token":"r","expires_at":"` + expiresAt.Format(time.RFC3339) + `"}`,
			want: expiresAt,
		},
		{
			name: "expires_at without zone offset",
			body: `{"access_token":"a","refresh_token":"r","expires_at":"` + expiresAt.In(PlatformZone).Format("2006-01-02T15:04:05.000") + `"}`,
			want: expiresAt,
		},
		{
			name: "expires_at with space separator",
			body: `{"access_token":"a","refresh_token":"r","expires_at":"` + expiresAt.In(PlatformZone).Format(time.DateTime) + `"}`,
			want: expiresAt,
		},
		{
			name: "no expiry expires immediately",
			body: `{"access_token":"a","refresh_token":"r"}`,
			want: fixedNow.Add(time.Millisecond),
		},
		{
			name: "expiry in the past is clamped",
			body: `{"access_token":"a","refresh_token":"r","expires_at":` + jsonInt(fixedNow.Add(-time.Hour).Unix()) + `}`,
			want: fixedNow.Add(time.Millisecond),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, http.StatusOK, "application/json", tt.body)
			r, err := newTestClient(ts.URL).Exchange(context.Background(), "code")
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(r.ExpiresAt), "want %v, got %v", tt.want, r.ExpiresAt)
			assert.NoError(t, r.ValidateNew())
		})
	}
}

func TestExchangeScopesArray(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "application/json",
		`{"access_token":"a","refresh_token":"r","expires_in":60,"scopes":["mall.read_product","mall.write_product"]}`)

	r, err := newTestClient(ts.URL).Exchange(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, "mall.read_product mall.write_product", r.Scope)
}

func TestExchangeErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantKind    FailureKind
		wantCode    string
	}{
		{
			name:        "invalid grant",
			status:      http.StatusBadRequest,
			contentType: "application/json",
			body:        `{"error":"invalid_grant","error_description":"code expired"}`,
			wantKind:    FailureRejected,
			wantCode:    "invalid_grant",
		},
		{
			name:        "unauthorized client",
			status:      http.StatusUnauthorized,
			contentType: "application/json",
			body:        `{"error":"invalid_client"}`,
			wantKind:    FailureRejected,
			wantCode:    "invalid_client",
		},
		{
			name:        "server error with html body",
			status:      http.StatusBadGateway,
			contentType: "text/html",
			body:        `<html>bad gateway</html>`,
			wantKind:    FailureServer,
		},
		{
			name:        "missing access token",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{"refresh_token":"r"}`,
			wantKind:    FailureProtocol,
		},
		{
			name:        "missing refresh token",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{"access_token":"a","expires_in":60}`,
			wantKind:    FailureProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, tt.status, tt.contentType, tt.body)

			_, err := newTestClient(ts.URL).Exchange(context.Background(), "code")
			require.Error(t, err)

			var tokenErr *Error
			require.True(t, errors.As(err, &tokenErr), "expected *Error, got %T", err)
			assert.Equal(t, tt.wantKind, tokenErr.Kind)
			assert.Equal(t, tt.wantCode, tokenErr.Code)
			assert.NotEmpty(t, tokenErr.Error())
			assert.Equal(t, 1, ts.calls(), "exchange must not be retried")
		})
	}
}

func TestExchangeNetworkError(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "application/json", `{}`)
	baseURL := ts.URL
	ts.Close()

	_, err := newTestClient(baseURL).Exchange(context.Background(), "code")

	var tokenErr *Error
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, FailureNetwork, tokenErr.Kind)
}

func TestRefresh(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "application/json",
		`{"access_token":"access-2","expires_in":3600}`)
	c := newTestClient(ts.URL)

	r, err := c.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)

	form := ts.lastForm(t)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "refresh-1", form.Get("refresh_token"))
	assert.Equal(t, "client-id", form.Get("client_id"))
	assert.Equal(t, "client-secret", form.Get("client_secret"))
	assert.Equal(t, "http://127.0.0.1:8765/callback", form.Get("redirect_uri"))

	assert.Equal(t, "access-2", r.AccessToken)
	assert.Equal(t, "refresh-1", r.RefreshToken, "prior refresh token is kept when not rotated")
	assert.Equal(t, fixedNow.Add(time.Hour), r.ExpiresAt)
}

func TestRefreshRotation(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "application/json",
		`{"access_token":"access-2","refresh_token":"refresh-2","expires_in":3600}`)

	r, err := newTestClient(ts.URL).Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", r.RefreshToken)
}

func TestRefreshRejected(t *testing.T) {
	ts := newTokenServer(t, http.StatusUnauthorized, "text/plain", "revoked")

	_, err := newTestClient(ts.URL).Refresh(context.Background(), "refresh-1")

	var tokenErr *Error
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, FailureRejected, tokenErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, tokenErr.StatusCode)
	assert.Equal(t, 1, ts.calls())
}

func TestRefreshEmptyToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "application/json", `{}`)

	_, err := newTestClient(ts.URL).Refresh(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, 0, ts.calls())
}

func jsonInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
