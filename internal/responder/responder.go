// Package responder calls the external response-generation service that turns
// a caller utterance into the agent's next reply.
//
// The service contract is a plain HTTP GET carrying the utterance and call
// context as query parameters. The body is either a bare text reply or a
// small JSON envelope ({"assistant": ..., "cut_call": ...}); both forms are
// accepted. Transient failures are retried with exponential backoff; a
// circuit breaker protects the call path when the service is down so
// sessions fail fast instead of stacking up blocked turns.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/resilience"
)

// Defaults applied when the corresponding option is not supplied.
const (
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryBase  = 1 * time.Second
	DefaultRetryMax   = 30 * time.Second
)

// ErrRejected marks a non-retryable response (HTTP 4xx): the request itself
// was bad, so repeating it cannot help.
var ErrRejected = errors.New("responder rejected request")

// Request is one response-generation round trip.
type Request struct {
	// Utterance is the caller's (or synthetic) input text.
	Utterance string

	// CallID identifies the call for the responder's conversation state.
	CallID string

	// Interrupted reports whether the caller barged in on the previous reply.
	Interrupted bool

	// Silence marks a synthetic keep-alive trigger from the silence ladder
	// rather than real caller speech.
	Silence bool
}

// Reply is one generated turn. Services that return a bare text body yield a
// Reply with only Assistant set.
type Reply struct {
	// Assistant is the text to synthesize and play.
	Assistant string `json:"assistant"`

	// Emotion is an optional synthesis hint.
	Emotion string `json:"emotion"`

	// CutCall instructs the session to end the call after this reply.
	CutCall bool `json:"cut_call"`
}

// Client is an HTTP client for the response-generation service.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxRetries sets how many times a failed request is retried. Zero
// disables retries.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the exponential backoff base delay and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.retryBase = base
		}
		if max > 0 {
			c.retryMax = max
		}
	}
}

// WithBreaker installs a circuit breaker around the whole retry loop.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithMetrics enables latency and outcome instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a responder [Client] for the given service URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryBase:  DefaultRetryBase,
		retryMax:   DefaultRetryMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker returns the installed circuit breaker, or nil.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Generate requests a reply for req. It retries transient failures with
// exponential backoff and honours ctx cancellation between attempts. A 4xx
// response returns [ErrRejected] without retrying.
func (c *Client) Generate(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()

	var reply Reply
	call := func() error {
		var err error
		reply, err = c.generateWithRetry(ctx, req)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}

	if c.metrics != nil {
		c.metrics.ResponderDuration.Record(ctx, time.Since(start).Seconds())
		status := "ok"
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			status = "open_circuit"
		case err != nil:
			status = "error"
		}
		c.metrics.RecordResponderRequest(ctx, status)
	}
	return reply, err
}

// generateWithRetry runs the attempt loop.
func (c *Client) generateWithRetry(ctx context.Context, req Request) (Reply, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			slog.Debug("retrying responder request",
				"call_id", req.CallID,
				"attempt", attempt,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			}
		}

		reply, err := c.doRequest(ctx, req)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return Reply{}, err
		}
		lastErr = err
		slog.Warn("responder request failed",
			"call_id", req.CallID,
			"attempt", attempt,
			"err", err)
	}
	return Reply{}, fmt.Errorf("responder: %d attempts failed: %w", c.maxRetries+1, lastErr)
}

// backoff returns the delay before the given retry attempt (1-based),
// doubling from retryBase up to retryMax.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBase << (attempt - 1)
	if d > c.retryMax || d <= 0 {
		d = c.retryMax
	}
	return d
}

// doRequest performs a single HTTP round trip.
func (c *Client) doRequest(ctx context.Context, req Request) (Reply, error) {
	u, err := c.buildURL(req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Accept", "text/plain")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Reply{}, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseReply(body), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Reply{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return Reply{}, fmt.Errorf("responder: unexpected status %d", resp.StatusCode)
	}
}

// parseReply accepts both body shapes the service is known to produce: the
// JSON envelope and a bare text reply. A body that merely looks like JSON
// but does not carry an assistant field falls back to bare text.
func parseReply(body []byte) Reply {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var r Reply
		if err := json.Unmarshal([]byte(text), &r); err == nil && (r.Assistant != "" || r.CutCall) {
			return r
		}
	}
	return Reply{Assistant: text}
}

// buildURL appends the request context as query parameters.
func (c *Client) buildURL(req Request) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("STT_output", req.Utterance)
	q.Set("callid", req.CallID)
	q.Set("interrupted", strconv.FormatBool(req.Interrupted))
	q.Set("silence", strconv.FormatBool(req.Silence))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
