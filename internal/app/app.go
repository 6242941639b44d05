package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/florianilch/mallreview/internal/authority"
	"github.com/florianilch/mallreview/internal/cafe24"
	"github.com/florianilch/mallreview/internal/callback"
	"github.com/florianilch/mallreview/internal/tokensource"
	"github.com/florianilch/mallreview/internal/tokenstore"
)

// Option customizes how App builds its components.
type Option func(*options)

type options struct {
	authorityOpts []authority.Option
	transport     http.RoundTripper
}

// WithAuthorityOptions passes options to the token authority, e.g. a fake browser.
func WithAuthorityOptions(opts ...authority.Option) Option {
	return func(o *options) {
		o.authorityOpts = append(o.authorityOpts, opts...)
	}
}

// WithTransport sets the HTTP transport for token endpoint and API calls.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// App wires the token lifecycle and the review gateway from configuration.
type App struct {
	cfg *Config

	Store     *tokenstore.FileStore
	Authority *authority.Authority
	Reviews   *cafe24.Client
}

// New creates a new App instance. No I/O is performed.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}

	store, err := cfg.Storage.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	baseURL := cfg.BaseURL()
	endpoint := tokensource.New(tokensource.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURI,
		Scopes:       cfg.OAuth.Scopes(),
		Endpoint:     tokensource.Endpoint(baseURL),
	}, tokensource.WithTransport(o.transport), tokensource.WithTimeout(cfg.API.Timeout))

	callbackAddr, err := cfg.OAuth.CallbackAddr()
	if err != nil {
		return nil, err
	}

	authorityOpts := append([]authority.Option{
		authority.WithListenerOptions(callback.WithLogger(slog.Default().With("component", "callback"))),
	}, o.authorityOpts...)

	auth := authority.New(authority.Config{
		MallID:         cfg.Mall.ID,
		ClientID:       cfg.OAuth.ClientID,
		CallbackAddr:   callbackAddr,
		CallbackPath:   cfg.OAuth.CallbackPathOrDefault(),
		LoginTimeout:   cfg.OAuth.LoginTimeout,
		RefreshTimeout: cfg.API.Timeout,
		Skew:           cfg.OAuth.Skew,
	}, store, endpoint, authorityOpts...)

	reviews, err := cafe24.New(baseURL, auth,
		cafe24.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout, Transport: o.transport}),
		cafe24.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	return &App{
		cfg:       cfg,
		Store:     store,
		Authority: auth,
		Reviews:   reviews,
	}, nil
}

// Status summarizes the login state for display.
type Status struct {
	Projection authority.Projection `json:"state"`
	MallID     string               `json:"mall_id"`
	TokenFile  string               `json:"token_file"`
	Encrypted  bool                 `json:"encrypted"`
	Scope      string               `json:"scope,omitempty"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	Shop       *cafe24.Shop         `json:"shop,omitempty"`
}

// Status reports the current login state. With verify set, the stored token is
// used against the API, refreshing it if needed.
func (a *App) Status(ctx context.Context, verify bool) (*Status, error) {
	status := &Status{
		Projection: a.Authority.Projection(ctx),
		MallID:     a.cfg.Mall.ID,
		TokenFile:  a.Store.Path(),
	}

	if record, err := a.Store.Load(ctx); err == nil && record != nil {
		status.Encrypted = record.Encrypted
		status.Scope = record.Scope
		expiresAt := record.ExpiresAt
		status.ExpiresAt = &expiresAt
	}

	if !verify || status.Projection != authority.ProjectionValid {
		return status, nil
	}

	shop, err := a.Reviews.Store(ctx)
	if err != nil {
		status.Projection = a.Authority.Projection(ctx)
		return status, err
	}
	status.Shop = shop
	return status, nil
}

// UploadFile uploads a review file through the bulk endpoint.
func (a *App) UploadFile(ctx context.Context, path string) (*cafe24.BulkResult, *cafe24.HistoryEntry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading review file: %w", err)
	}
	return a.Reviews.UploadBulk(ctx, filepath.Base(path), content)
}

// ImportFile submits every review of a CSV file one by one.
func (a *App) ImportFile(ctx context.Context, path string) ([]cafe24.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening review file: %w", err)
	}
	defer func() { _ = f.Close() }()

	results, err := a.Reviews.ImportReviews(ctx, f)

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	slog.InfoContext(ctx, "review import finished", "rows", len(results), "failed", failed)

	if err != nil {
		return results, err
	}
	if failed > 0 {
		return results, errors.New("some reviews could not be submitted")
	}
	return results, nil
}
