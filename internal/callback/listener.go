package callback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout is the recommended window for the operator to complete authorization.
const DefaultTimeout = 120 * time.Second

// ErrListenerBusy is reported when another listener is already active in this process.
var ErrListenerBusy = errors.New("another login callback listener is already active")

// Kind tags the variant of a Result.
type Kind int

const (
	// KindSuccess carries Code and State.
	KindSuccess Kind = iota + 1
	// KindUserDenied carries Error and Description from the platform.
	KindUserDenied
	// KindTimeout means no redirect arrived within the window.
	KindTimeout
	// KindBindFailure carries Err; the port could not be bound.
	KindBindFailure
	// KindCancelled carries Err; the caller's context was cancelled.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindUserDenied:
		return "user_denied"
	case KindTimeout:
		return "timeout"
	case KindBindFailure:
		return "bind_failure"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the outcome of waiting for the authorization redirect.
type Result struct {
	Kind Kind

	Code  string
	State string

	Error       string
	Description string

	Err error
}

// active guards the single listener allowed per process.
var active sync.Mutex

// Option configures a listener.
type Option func(*config)

type config struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// WithLogger sets the logger used for request logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithShutdownTimeout bounds the graceful shutdown before connections are force-closed.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) {
		c.shutdownTimeout = d
	}
}

// Pending is the handle of a started listener.
type Pending struct {
	addr    net.Addr
	bindErr error

	server          *http.Server
	served          chan struct{}
	results         chan Result
	delivered       atomic.Bool
	shutdownTimeout time.Duration

	closeOnce sync.Once
}

// Start binds addr and serves the redirect path in the background. It never fails:
// a bind failure is reported by Await as KindBindFailure.
func Start(ctx context.Context, addr, path string, opts ...Option) *Pending {
	cfg := &config{
		logger:          slog.Default(),
		shutdownTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	p := &Pending{
		served:          make(chan struct{}),
		results:         make(chan Result, 1),
		shutdownTimeout: cfg.shutdownTimeout,
	}

	if !active.TryLock() {
		p.bindErr = ErrListenerBusy
		close(p.served)
		return p
	}

	// Listener is created synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		active.Unlock()
		p.bindErr = fmt.Errorf("failed to listen on %s: %w", addr, err)
		close(p.served)
		return p
	}
	p.addr = listener.Addr()

	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	// The path is matched literally; it is never parsed as a ServeMux pattern.
	handler := applyMiddlewares(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		p.handleRedirect(w, r)
	}),
		redactQuery,
		Logging(cfg.logger),
		Recovery,
	)

	p.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	go func() {
		defer close(p.served)
		err := p.server.Serve(listener)
		// Only report error if not from shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "callback listener stopped unexpectedly", "error", err)
		}
	}()

	slog.DebugContext(ctx, "callback listener started", "address", p.addr.String(), "path", path)

	return p
}

// Addr returns the bound address, or nil if binding failed.
func (p *Pending) Addr() net.Addr {
	return p.addr
}

// Await blocks until the redirect arrives, timeout elapses, or ctx is done.
// The listener is shut down and its port released before Await returns.
// A non-positive timeout uses DefaultTimeout.
func (p *Pending) Await(ctx context.Context, timeout time.Duration) Result {
	defer p.Close()

	if p.bindErr != nil {
		return Result{Kind: KindBindFailure, Err: p.bindErr}
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-p.results:
		return result
	case <-timer.C:
		return Result{Kind: KindTimeout}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Kind: KindTimeout, Err: ctx.Err()}
		}
		return Result{Kind: KindCancelled, Err: ctx.Err()}
	}
}

// Close shuts the listener down, force-closing connections if the graceful
// shutdown does not finish in time. Safe to call more than once.
func (p *Pending) Close() {
	p.closeOnce.Do(func() {
		if p.server == nil {
			return
		}
		defer active.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
		defer cancel()

		if err := p.server.Shutdown(ctx); err != nil {
			// Graceful shutdown failed - force close
			_ = p.server.Close()
		}
		<-p.served
	})
}

// handleRedirect resolves the pending result from the first well-formed redirect.
func (p *Pending) handleRedirect(w http.ResponseWriter, r *http.Request) {
	query := queryFromContext(r.Context())

	var result Result
	switch {
	case query.Get("error") != "":
		result = Result{
			Kind:        KindUserDenied,
			Error:       query.Get("error"),
			Description: query.Get("error_description"),
		}
	case query.Get("code") != "" && query.Get("state") != "":
		result = Result{
			Kind:  KindSuccess,
			Code:  query.Get("code"),
			State: query.Get("state"),
		}
	default:
		renderPage(w, http.StatusBadRequest, pageData{
			Title:   "Authorization Failed",
			Message: "The redirect is missing the authorization code or state.",
		})
		return
	}

	if !p.delivered.CompareAndSwap(false, true) {
		renderPage(w, http.StatusConflict, pageData{
			Title:   "Already Completed",
			Message: "This login attempt has already been completed. You can close this window.",
		})
		return
	}
	p.results <- result

	if result.Kind == KindUserDenied {
		msg := result.Description
		if msg == "" {
			msg = result.Error
		}
		renderPage(w, http.StatusOK, pageData{
			Title:   "Authorization Failed",
			Message: msg,
			Failed:  true,
		})
		return
	}

	renderPage(w, http.StatusOK, pageData{
		Title:   "Authorization Successful",
		Message: "You can close this window and return to mallreview.",
	})
}

type pageData struct {
	Title   string
	Message string
	Failed  bool
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; max-width: 640px; margin: 40px auto; padding: 20px; }
        .ok { color: #38a169; }
        .failed { color: #e53e3e; }
    </style>
</head>
<body>
    <h1 class="{{if .Failed}}failed{{else}}ok{{end}}">{{.Title}}</h1>
    <p>{{.Message}}</p>
</body>
</html>`))

func renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, data)
}
