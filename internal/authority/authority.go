package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/mallreview/internal/callback"
	"github.com/florianilch/mallreview/internal/loginstate"
	"github.com/florianilch/mallreview/internal/tokensource"
	"github.com/florianilch/mallreview/internal/tokenstore"
)

const (
	DefaultSkew           = 60 * time.Second
	DefaultLoginTimeout   = callback.DefaultTimeout
	DefaultRefreshTimeout = 30 * time.Second
)

// State is the position in the token lifecycle.
type State int

const (
	StateLoggedOut State = iota
	StateValid
	StateNeedsRefresh
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateNeedsRefresh:
		return "needs_refresh"
	default:
		return "logged_out"
	}
}

// Projection is the read-only view of State offered to user interfaces.
type Projection string

const (
	ProjectionLoggedOut  Projection = "logged_out"
	ProjectionValid      Projection = "valid"
	ProjectionNeedsLogin Projection = "needs_login"
)

// TokenEndpoint performs the OAuth grants. *tokensource.Client implements it.
type TokenEndpoint interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*tokenstore.Record, error)
	Refresh(ctx context.Context, refreshToken string) (*tokenstore.Record, error)
}

var _ TokenEndpoint = (*tokensource.Client)(nil)

// Config holds the login and expiry parameters.
type Config struct {
	MallID   string
	ClientID string

	// CallbackAddr is the host:port the redirect listener binds.
	CallbackAddr string
	CallbackPath string

	LoginTimeout   time.Duration
	RefreshTimeout time.Duration
	Skew           time.Duration
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// WithBrowser replaces the function that opens the authorization URL.
func WithBrowser(open func(url string) error) Option {
	return func(a *Authority) {
		a.openBrowser = open
	}
}

// WithListenerOptions passes options to every redirect listener started by Login.
func WithListenerOptions(opts ...callback.Option) Option {
	return func(a *Authority) {
		a.listenerOpts = append(a.listenerOpts, opts...)
	}
}

// Authority owns the token lifecycle: login, cached reads, refresh and logout.
// It is safe for concurrent use.
type Authority struct {
	cfg          Config
	store        tokenstore.Store
	endpoint     TokenEndpoint
	states       *loginstate.Store
	now          func() time.Time
	openBrowser  func(string) error
	listenerOpts []callback.Option

	refreshGroup singleflight.Group

	loginMu sync.Mutex

	mu          sync.Mutex
	loginSeq    uint64
	cancelLogin context.CancelFunc
	// rejected is the refresh token last refused by the endpoint; it is never sent again.
	rejected string
	corrupt  bool
}

// New creates an Authority. No I/O is performed.
func New(cfg Config, store tokenstore.Store, endpoint TokenEndpoint, opts ...Option) *Authority {
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}

	a := &Authority{
		cfg:         cfg,
		store:       store,
		endpoint:    endpoint,
		now:         time.Now,
		openBrowser: browser.OpenURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.states = loginstate.New(a.cfg.LoginTimeout, loginstate.WithClock(a.now))

	return a
}

// Login runs the interactive authorization-code flow and persists the result.
// Starting a login cancels any login already in progress.
func (a *Authority) Login(ctx context.Context) (*tokenstore.Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seq := a.supersedeLogin(cancel)
	defer a.finishLogin(seq)

	// The superseded login releases its port before this one binds
	a.loginMu.Lock()
	defer a.loginMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, newError(ReasonUserCancelled, err)
	}

	attempt, err := a.states.Generate(a.cfg.MallID, a.cfg.ClientID)
	if err != nil {
		return nil, newError(ReasonAuthError, err)
	}
	logger := slog.With("attempt_id", attempt.ID.String(), "mall_id", a.cfg.MallID)

	pending := callback.Start(ctx, a.cfg.CallbackAddr, a.cfg.CallbackPath, a.listenerOpts...)
	defer pending.Close()

	if pending.Addr() != nil {
		authURL := a.endpoint.AuthCodeURL(attempt.State)
		logger.InfoContext(ctx, "waiting for authorization in the browser", "timeout", a.cfg.LoginTimeout)
		if err := a.openBrowser(authURL); err != nil {
			logger.WarnContext(ctx, "could not open the browser, open the URL manually", "url", authURL, "error", err)
		}
	}

	result := pending.Await(ctx, a.cfg.LoginTimeout)
	switch result.Kind {
	case callback.KindSuccess:
	case callback.KindBindFailure:
		a.states.Discard()
		return nil, &Error{
			Reason:  ReasonNetworkError,
			Message: fmt.Sprintf("could not listen for the login redirect on %s, the port may be in use", a.cfg.CallbackAddr),
			Err:     result.Err,
		}
	case callback.KindTimeout:
		a.states.Discard()
		return nil, newError(ReasonTimeout, result.Err)
	case callback.KindUserDenied:
		a.states.Discard()
		detail := result.Description
		if detail == "" {
			detail = result.Error
		}
		return nil, &Error{
			Reason:  ReasonUserCancelled,
			Message: "authorization was denied in the browser: " + detail,
		}
	default:
		a.states.Discard()
		return nil, newError(ReasonUserCancelled, result.Err)
	}

	if _, err := a.states.Validate(result.State); err != nil {
		a.states.Discard()
		logger.WarnContext(ctx, "login redirect carried an unexpected state, aborting")
		return nil, newError(ReasonStateMismatch, err)
	}

	record, err := a.endpoint.Exchange(ctx, result.Code)
	if err != nil {
		return nil, exchangeError(err)
	}
	if err := record.ValidateNew(); err != nil {
		return nil, newError(ReasonAuthError, err)
	}

	if err := a.store.Save(ctx, record); err != nil {
		return nil, newError(ReasonStorageError, err)
	}

	a.mu.Lock()
	a.rejected = ""
	a.corrupt = false
	a.mu.Unlock()

	logger.InfoContext(ctx, "login completed", "expires_at", record.ExpiresAt)
	return record, nil
}

// supersedeLogin cancels the running login, if any, and registers cancel as the current one.
func (a *Authority) supersedeLogin(cancel context.CancelFunc) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancelLogin != nil {
		a.cancelLogin()
	}
	a.loginSeq++
	a.cancelLogin = cancel
	return a.loginSeq
}

func (a *Authority) finishLogin(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loginSeq == seq {
		a.cancelLogin = nil
	}
}

// exchangeError maps a code exchange failure. Exchanges are never retried.
func exchangeError(err error) *Error {
	var tokenErr *tokensource.Error
	if !errors.As(err, &tokenErr) {
		return newError(ReasonAuthError, err)
	}

	switch tokenErr.Kind {
	case tokensource.FailureRejected:
		if tokenErr.Code == "invalid_grant" {
			return newError(ReasonInvalidCode, err)
		}
		return newError(ReasonAuthError, err)
	case tokensource.FailureNetwork, tokensource.FailureServer:
		return newError(ReasonNetworkError, err)
	default:
		return newError(ReasonAuthError, err)
	}
}

// GetValidToken returns the cached record while it is usable and refreshes it otherwise.
func (a *Authority) GetValidToken(ctx context.Context) (*tokenstore.Record, error) {
	record, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if record.Usable(a.now(), a.cfg.Skew) {
		return record, nil
	}

	return a.refresh(ctx, false, "")
}

// Refresh exchanges the stored refresh token for a new record regardless of expiry.
// It is used after the platform answered 401 to an otherwise usable token.
//
// rejected is the access token the platform refused. When the store already holds a
// different usable token, another refresh got there first and that record is returned
// without a network call. An empty rejected always refreshes.
func (a *Authority) Refresh(ctx context.Context, rejected string) (*tokenstore.Record, error) {
	return a.refresh(ctx, true, rejected)
}

// refresh collapses concurrent refreshes into one endpoint call. The shared call is
// detached from the first caller's cancellation and bounded by RefreshTimeout.
func (a *Authority) refresh(ctx context.Context, force bool, rejected string) (*tokenstore.Record, error) {
	ch := a.refreshGroup.DoChan("refresh", func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.RefreshTimeout)
		defer cancel()
		return a.doRefresh(refreshCtx, force, rejected)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tokenstore.Record), nil
	case <-ctx.Done():
		return nil, newError(ReasonTransient, ctx.Err())
	}
}

func (a *Authority) doRefresh(ctx context.Context, force bool, rejectedAccess string) (*tokenstore.Record, error) {
	record, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	// A flight that finished in the meantime already stored a fresh record
	superseded := !force || (rejectedAccess != "" && record.AccessToken != rejectedAccess)
	if superseded && record.Usable(a.now(), a.cfg.Skew) {
		return record, nil
	}

	a.mu.Lock()
	known := a.rejected != "" && a.rejected == record.RefreshToken
	a.mu.Unlock()
	if known {
		return nil, newError(ReasonReauthRequired, nil)
	}

	next, err := a.endpoint.Refresh(ctx, record.RefreshToken)
	if err != nil {
		var tokenErr *tokensource.Error
		if errors.As(err, &tokenErr) && tokenErr.Kind == tokensource.FailureRejected {
			a.mu.Lock()
			a.rejected = record.RefreshToken
			a.mu.Unlock()
			slog.WarnContext(ctx, "refresh token was rejected, login required", "status", tokenErr.StatusCode)
			return nil, newError(ReasonReauthRequired, err)
		}
		slog.WarnContext(ctx, "token refresh failed", "error", err)
		return nil, newError(ReasonTransient, err)
	}
	if err := next.ValidateNew(); err != nil {
		return nil, newError(ReasonTransient, err)
	}

	if err := a.store.Save(ctx, next); err != nil {
		return nil, newError(ReasonStorageError, err)
	}

	slog.DebugContext(ctx, "access token refreshed", "expires_at", next.ExpiresAt)
	return next, nil
}

// load reads the stored record and maps store failures to authority errors.
func (a *Authority) load(ctx context.Context) (*tokenstore.Record, error) {
	record, err := a.store.Load(ctx)
	switch {
	case errors.Is(err, tokenstore.ErrCorrupt):
		a.mu.Lock()
		a.corrupt = true
		a.mu.Unlock()
		slog.WarnContext(ctx, "stored token is unreadable, login required", "error", err)
		return nil, newError(ReasonNeedsLogin, err)
	case err != nil:
		return nil, newError(ReasonStorageError, err)
	case record == nil:
		return nil, newError(ReasonNeedsLogin, nil)
	}

	a.mu.Lock()
	a.corrupt = false
	a.mu.Unlock()
	return record, nil
}

// Logout deletes the stored record and abandons any outstanding login attempt.
func (a *Authority) Logout(ctx context.Context) error {
	a.states.Discard()

	if err := a.store.Delete(ctx); err != nil {
		return newError(ReasonStorageError, err)
	}

	a.mu.Lock()
	a.rejected = ""
	a.corrupt = false
	a.mu.Unlock()

	slog.InfoContext(ctx, "logged out")
	return nil
}

// State reports the lifecycle state without any network call.
func (a *Authority) State(ctx context.Context) State {
	record, err := a.store.Load(ctx)
	if err != nil || record == nil {
		return StateLoggedOut
	}

	a.mu.Lock()
	rejected := a.rejected != "" && a.rejected == record.RefreshToken
	a.mu.Unlock()
	if rejected {
		return StateLoggedOut
	}

	if record.Usable(a.now(), a.cfg.Skew) {
		return StateValid
	}
	return StateNeedsRefresh
}

// Projection reports the state as shown to the operator. A record that still needs
// a refresh is shown as valid because the next call refreshes it silently.
func (a *Authority) Projection(ctx context.Context) Projection {
	record, err := a.store.Load(ctx)
	if err != nil {
		return ProjectionNeedsLogin
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if record == nil {
		if a.corrupt || a.rejected != "" {
			return ProjectionNeedsLogin
		}
		return ProjectionLoggedOut
	}
	if a.rejected != "" && a.rejected == record.RefreshToken {
		return ProjectionNeedsLogin
	}
	return ProjectionValid
}
