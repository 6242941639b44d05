package tokensource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/mallreview/internal/tokenstore"
)

// Config describes the registered OAuth client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
}

// Option configures a Client.
type Option func(*options)

type options struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
	now           func() time.Time
}

// WithTransport sets a custom base transport for token endpoint requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.baseTransport = transport
	}
}

// WithTimeout bounds each token endpoint request. Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithClock overrides the time source used for issuedAt and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Client performs authorization-code exchanges and refresh-token grants.
type Client struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// New creates a Client. No I/O is performed.
func New(cfg Config, opts ...Option) *Client {
	o := &options{
		baseTransport: http.DefaultTransport,
		timeout:       30 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		httpClient: &http.Client{
			Timeout: o.timeout,
			Transport: &refreshRedirectTransport{
				base:        o.baseTransport,
				redirectURI: cfg.RedirectURL,
			},
		},
		now: o.now,
	}
}

// AuthCodeURL returns the authorization URL the operator's browser is sent to.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades a single-use authorization code for a token record.
// It performs exactly one request and never retries.
func (c *Client) Exchange(ctx context.Context, code string) (*tokenstore.Record, error) {
	// oauth2 package injects custom HTTP clients via context (oauth2.HTTPClient key)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	issuedAt := c.now()
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, classify(err)
	}

	return c.toRecord(tok, "", issuedAt)
}

// Refresh mints a new token record from a refresh token. When the endpoint does
// not rotate the refresh token, the given one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*tokenstore.Record, error) {
	if refreshToken == "" {
		return nil, &Error{Kind: FailureProtocol, Err: errors.New("refresh token is empty")}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	issuedAt := c.now()
	// A token without access token is never valid, so the source always hits the endpoint
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(err)
	}

	return c.toRecord(tok, refreshToken, issuedAt)
}

// toRecord maps a token response onto a record issued at issuedAt.
func (c *Client) toRecord(tok *oauth2.Token, priorRefreshToken string, issuedAt time.Time) (*tokenstore.Record, error) {
	if tok.AccessToken == "" {
		return nil, &Error{Kind: FailureProtocol, Err: errors.New("response is missing access_token")}
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		// Fixed refresh token mode: the endpoint did not rotate it
		refreshToken = priorRefreshToken
	}
	if refreshToken == "" {
		return nil, &Error{Kind: FailureProtocol, Err: errors.New("response is missing refresh_token")}
	}

	expiresAt := expiry(tok, issuedAt)
	// A response without usable expiry is treated as already expired; one millisecond
	// keeps expiresAt after issuedAt while still forcing a refresh on next use.
	if !expiresAt.After(issuedAt) {
		expiresAt = issuedAt.Add(time.Millisecond)
	}

	return &tokenstore.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		Scope:        scope(tok),
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
	}, nil
}

// PlatformZone is the zone of expires_at timestamps that carry no offset.
var PlatformZone = time.FixedZone("KST", 9*60*60)

// zonelessLayouts are tried after RFC 3339; fractional seconds are accepted by both.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	time.DateTime,
}

// expiry prefers an absolute expires_at (epoch seconds, RFC 3339 or a zone-less
// timestamp in PlatformZone) over a relative expires_in. The zero time means the
// response carried neither.
func expiry(tok *oauth2.Token, issuedAt time.Time) time.Time {
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		if v > 0 {
			return time.Unix(0, int64(v*float64(time.Second)))
		}
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Unix(0, int64(secs*float64(time.Second)))
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		for _, layout := range zonelessLayouts {
			if t, err := time.ParseInLocation(layout, v, PlatformZone); err == nil {
				return t
			}
		}
	}

	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return issuedAt.Add(time.Duration(v * float64(time.Second)))
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return issuedAt.Add(time.Duration(secs * float64(time.Second)))
		}
	}

	return tok.Expiry
}

// scope reads either a space separated "scope" or a "scopes" array.
func scope(tok *oauth2.Token) string {
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		return s
	}
	if list, ok := tok.Extra("scopes").([]any); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// refreshRedirectTransport adds the redirect_uri parameter to refresh-token grants,
// which the platform requires but oauth2 never sends.
// The oauth2 package guarantees this transport only receives token endpoint requests.
type refreshRedirectTransport struct {
	base        http.RoundTripper
	redirectURI string
}

// Compile-time check that refreshRedirectTransport implements http.RoundTripper.
var _ http.RoundTripper = (*refreshRedirectTransport)(nil)

// RoundTrip rewrites refresh-token form bodies and passes other requests through.
func (t *refreshRedirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil || t.redirectURI == "" {
		return t.base.RoundTrip(req)
	}

	// Defer close since we consume the body entirely and create a new body for the cloned request.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err == nil && formData.Get("grant_type") == "refresh_token" && formData.Get("redirect_uri") == "" {
		formData.Set("redirect_uri", t.redirectURI)
		body = []byte(formData.Encode())
	}

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(body))
	newReq.ContentLength = int64(len(body))
	newReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	return t.base.RoundTrip(newReq)
}
