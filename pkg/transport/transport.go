package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"naikit/internal/metrics"
	"naikit/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// DefaultMaxBodyBytes bounds any response body read into memory
const DefaultMaxBodyBytes = 64 * 1024 * 1024

// Meta is what a metadata-only request reveals about a resource.
// ContentLength is -1 when the server did not declare it.
type Meta struct {
	ContentLength int64
	ContentType   string
}

// StatusError is returned for any non-2xx response
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d, body: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status carried by err, if any
func StatusCode(err error) (int, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode, true
	}
	return 0, false
}

// Options configures an HTTPTransport
type Options struct {
	HTTPClient         *http.Client
	Timeout            time.Duration
	RequestsPerSecond  float64
	Burst              int
	BreakerMaxFailures uint32
	BreakerReset       time.Duration
	MaxBodyBytes       int64
	UserAgent          string
	Logger             *logrus.Logger
	Metrics            *metrics.Collector
}

// HTTPTransport performs rate limited, circuit protected HTTP calls
type HTTPTransport struct {
	client       *http.Client
	limiter      *rate.Limiter
	maxBodyBytes int64
	userAgent    string
	logger       *logrus.Logger
	metrics      *metrics.Collector

	breakerMaxFailures uint32
	breakerReset       time.Duration
	mu                 sync.Mutex
	breakers           map[string]*hostBreaker
}

// New builds a transport. Zero options fall back to permissive defaults.
func New(opts Options) *HTTPTransport {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}

	return &HTTPTransport{
		client:             client,
		limiter:            rate.NewLimiter(limit, burst),
		maxBodyBytes:       opts.MaxBodyBytes,
		userAgent:          opts.UserAgent,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		breakerMaxFailures: opts.BreakerMaxFailures,
		breakerReset:       opts.BreakerReset,
		breakers:           make(map[string]*hostBreaker),
	}
}

// HeadMeta issues a HEAD request and reports the declared length and type
func (t *HTTPTransport) HeadMeta(ctx context.Context, rawURL string, headers map[string]string) (Meta, error) {
	var meta Meta
	err := t.do(ctx, http.MethodHead, rawURL, headers, nil, "", func(resp *http.Response) error {
		meta = Meta{
			ContentLength: resp.ContentLength,
			ContentType:   resp.Header.Get("Content-Type"),
		}
		return nil
	})
	return meta, err
}

// Get fetches rawURL and returns the raw body
func (t *HTTPTransport) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	var body []byte
	err := t.do(ctx, http.MethodGet, rawURL, headers, nil, "", func(resp *http.Response) error {
		var readErr error
		body, readErr = t.readBody(resp.Body)
		return readErr
	})
	return body, err
}

// PostJSON marshals payload, posts it and returns the raw response body
func (t *HTTPTransport) PostJSON(ctx context.Context, rawURL string, headers map[string]string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var body []byte
	err = t.do(ctx, http.MethodPost, rawURL, headers, data, "application/json", func(resp *http.Response) error {
		var readErr error
		body, readErr = t.readBody(resp.Body)
		return readErr
	})
	return body, err
}

func (t *HTTPTransport) do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, contentType string, handle func(*http.Response) error) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "transport."+method,
		attribute.String("http.method", method),
		attribute.String("http.host", u.Host),
	)
	defer span.End()

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	cb := t.breaker(u.Host)
	if err := cb.admit(); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	err = t.send(ctx, method, u, headers, body, contentType, handle)
	cb.record(err != nil && isRemoteFailure(err))
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (t *HTTPTransport) send(ctx context.Context, method string, u *url.URL, headers map[string]string, body []byte, contentType string, handle func(*http.Response) error) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	tracing.InjectHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.metrics.RecordTransport(method, 0, time.Since(start))
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	t.metrics.RecordTransport(method, resp.StatusCode, time.Since(start))
	tracing.AddSpanAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		t.logger.WithFields(logrus.Fields{
			"method": method,
			"host":   u.Host,
			"status": resp.StatusCode,
		}).Debug("Remote returned error status")
		return &StatusError{Method: method, URL: u.Redacted(), StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	return handle(resp)
}

func (t *HTTPTransport) readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, t.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > t.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", t.maxBodyBytes)
	}
	return data, nil
}

func (t *HTTPTransport) breaker(host string) *hostBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	cb, ok := t.breakers[host]
	if !ok {
		cb = newHostBreaker(host, t.breakerMaxFailures, t.breakerReset, t.breakerChanged)
		t.breakers[host] = cb
	}
	return cb
}

func (t *HTTPTransport) breakerChanged(host string, from, to BreakerState) {
	t.metrics.RecordBreakerTransition(to.String())
	entry := t.logger.WithFields(logrus.Fields{
		"host": host,
		"from": from.String(),
		"to":   to.String(),
	})
	if to == BreakerOpen {
		entry.Warn("Circuit breaker opened")
		return
	}
	entry.Info("Circuit breaker state changed")
}

// Client errors and cancellations say nothing about remote health.
func isRemoteFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if code, ok := StatusCode(err); ok {
		return code >= 500 || code == http.StatusTooManyRequests
	}
	return true
}

// BreakerState reports the breaker state for host, for diagnostics
func (t *HTTPTransport) BreakerState(host string) BreakerState {
	return t.breaker(host).State()
}
