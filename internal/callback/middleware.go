package callback

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/httplog/v3"
)

type queryContextKey struct{}

// Recovery recovers from panics in HTTP handlers and returns HTTP 500 to the browser.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recover() != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				// Logging of panics is handled in Logging middleware
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Logging logs redirect requests with method, path, status, and duration.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema: httplog.SchemaECS.Concise(true),

		// Never log headers or bodies; the query is stripped by redactQuery before this runs
		LogRequestHeaders:  []string{},
		LogResponseHeaders: []string{},
		LogRequestBody:     nil,
		LogResponseBody:    nil,

		RecoverPanics: false, // use dedicated middleware, panics are logged regardless
	})
}

// redactQuery moves the query string into the request context so that downstream
// middleware never sees the authorization code or state. Handlers read it back with
// queryFromContext.
func redactQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		ctx := context.WithValue(r.Context(), queryContextKey{}, query)

		redacted := r.Clone(ctx)
		redacted.URL.RawQuery = ""
		redacted.RequestURI = redacted.URL.RequestURI()

		next.ServeHTTP(w, redacted)
	})
}

func queryFromContext(ctx context.Context) url.Values {
	if q, ok := ctx.Value(queryContextKey{}).(url.Values); ok {
		return q
	}
	return url.Values{}
}

// applyMiddlewares applies middlewares to a handler in the order they appear.
// The first middleware in the slice is the outermost (executes first).
func applyMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
