package cafe24

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/florianilch/mallreview/internal/authority"
	"github.com/florianilch/mallreview/internal/tokenstore"
)

// TokenProvider hands out access tokens. *authority.Authority implements it.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (*tokenstore.Record, error)
	Refresh(ctx context.Context, rejected string) (*tokenstore.Record, error)
}

var _ TokenProvider = (*authority.Authority)(nil)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient   *http.Client
	rateLimit    rate.Limit
	burst        int
	retryOptions []retry.Option
	now          func() time.Time
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithRateLimit bounds bulk imports to perSecond submissions with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rate.Limit(perSecond)
		o.burst = burst
	}
}

// WithRetryOptions configures retries of read-only requests.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) {
		o.retryOptions = append(o.retryOptions, opts...)
	}
}

// WithClock overrides the time source for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Client calls the merchant admin API on behalf of the logged-in operator.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	retry      *retry.Client
	limiter    *rate.Limiter
	validate   *validator.Validate
	now        func() time.Time
}

// New creates a Client for the given API root, e.g. https://shop1.cafe24api.com/api/v2.
func New(baseURL string, tokens TokenProvider, opts ...Option) (*Client, error) {
	o := &options{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rateLimit:  2,
		burst:      1,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	retryClient, err := retry.NewClient(append([]retry.Option{retry.WithHTTPClient(o.httpClient)}, o.retryOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("creating retry client: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: o.httpClient,
		retry:      retryClient,
		limiter:    rate.NewLimiter(o.rateLimit, o.burst),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        o.now,
	}, nil
}

// requestFunc builds a fresh request; it is called again for the retry after a refresh.
type requestFunc func(ctx context.Context) (*http.Request, error)

// do sends an authorized request. A 401 triggers exactly one token refresh and one
// retry; a second 401 means the operator has to log in again. Other non-2xx answers
// are returned as *APIError. The caller closes the body of a successful response.
func (c *Client) do(ctx context.Context, build requestFunc, retryable bool) (*http.Response, error) {
	record, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, build, record.AccessToken, retryable)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(resp)
	}
	drain(resp)

	slog.DebugContext(ctx, "access token rejected by the API, refreshing")
	record, err = c.tokens.Refresh(ctx, record.AccessToken)
	if err != nil {
		return nil, err
	}

	resp, err = c.send(ctx, build, record.AccessToken, retryable)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		apiErr := parseAPIError(resp)
		return nil, &authority.Error{
			Reason:  authority.ReasonReauthRequired,
			Message: authority.ReasonReauthRequired.Message(),
			Err:     apiErr,
		}
	}
	return checkStatus(resp)
}

func (c *Client) send(ctx context.Context, build requestFunc, accessToken string, retryable bool) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	var resp *http.Response
	if retryable {
		resp, err = c.retry.DoWithContext(ctx, req)
	} else {
		resp, err = c.httpClient.Do(req)
	}
	if err != nil {
		return nil, &authority.Error{
			Reason:  authority.ReasonNetworkError,
			Message: authority.ReasonNetworkError.Message(),
			Err:     err,
		}
	}
	return resp, nil
}

func checkStatus(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return nil, parseAPIError(resp)
}

// drain discards and closes the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Code != e.Message {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// parseAPIError reads an error body leniently and closes it. Bodies that are not
// JSON, or JSON without a known message field, fall back to the status text.
func parseAPIError(resp *http.Response) *APIError {
	defer drain(resp)

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var payload struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
		Message          string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return apiErr
	}

	// error is either a code string or an object with code and message
	var code string
	var nested struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &code); err == nil {
		apiErr.Code = code
	} else if err := json.Unmarshal(payload.Error, &nested); err == nil {
		apiErr.Code = strings.Trim(string(nested.Code), `"`)
		if nested.Message != "" {
			apiErr.Message = nested.Message
		}
	}

	switch {
	case payload.ErrorDescription != "":
		apiErr.Message = payload.ErrorDescription
	case payload.Message != "":
		apiErr.Message = payload.Message
	case code != "":
		apiErr.Message = code
	}
	return apiErr
}

// IsAPIError reports whether err carries an *APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
