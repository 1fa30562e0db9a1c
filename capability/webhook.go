package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// LeveledSlog adapts slog to retryablehttp's logger. Errors are logged as
// warnings because the client retries them.
type LeveledSlog struct {
	inner *slog.Logger
}

func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

// Webhook forwards every request as a JSON POST to an action gateway that
// talks to the platform. Responses map to error kinds: 404 not-found,
// 401/403 forbidden, 429 rate-limited, anything else unavailable.
type Webhook struct {
	Handler

	url    string
	token  string
	client *retryablehttp.Client
}

// WebhookOption configures a Webhook
type WebhookOption func(*Webhook)

// WithToken sends a bearer token on every request
func WithToken(token string) WebhookOption {
	return func(w *Webhook) {
		w.token = token
	}
}

// WithMaxRetries sets the maximum number of retries on 5xx and connection errors
func WithMaxRetries(n int) WebhookOption {
	return func(w *Webhook) {
		w.client.RetryMax = n
	}
}

// WithRetryWait bounds the backoff between retries
func WithRetryWait(minWait, maxWait time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.client.RetryWaitMin = minWait
		w.client.RetryWaitMax = maxWait
	}
}

// WithWebhookLogger sets the logger for retry messages
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		w.client.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
	}
}

// NewWebhook creates a gateway client posting to url
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: slog.Default().With("subsystem", "ActionWebhook")})
	client.CheckRetry = retryPolicy
	// hand the final response back instead of a generic "giving up" error
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	w := &Webhook{url: url, client: client}
	w.Handler = w.Do
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// retryPolicy leaves 429 to the caller, so rate limits surface as
// rate-limited errors instead of being retried blindly
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Do posts one request. The idempotency key is shared by all retries of it.
func (w *Webhook) Do(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: req.Op, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	hreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: req.Op, Err: err}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Idempotency-Key", uuid.NewString())
	if w.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(hreq)
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: req.Op, Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	cerr := &Error{Op: req.Op, Err: fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	switch resp.StatusCode {
	case http.StatusNotFound:
		cerr.Kind = KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		cerr.Kind = KindForbidden
	case http.StatusTooManyRequests:
		cerr.Kind = KindRateLimited
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			cerr.RetryAfter = time.Duration(secs) * time.Second
		}
	default:
		cerr.Kind = KindUnavailable
	}
	return cerr
}
