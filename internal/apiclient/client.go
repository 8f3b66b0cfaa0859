// Package apiclient is the transport for the MediaWiki action API shared by
// the source reader and the target sessions. It adds pacing, a circuit
// breaker, bounded concurrency and retries with backoff on top of net/http.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/infra"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/tracing"
)

const (
	// DefaultTimeout is generous so large file uploads can finish.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxRetries for transport failures and 5xx responses
	DefaultMaxRetries = 3

	// MaxConcurrentRequests limits parallel calls to one wiki
	MaxConcurrentRequests = 5

	DefaultUserAgent = "ContentTransfer/1.0 (https://www.mediawiki.org/wiki/Extension:ContentTransfer)"
)

// Config describes one wiki API endpoint.
type Config struct {
	// Name labels logs and metrics, e.g. "source" or a target key
	Name string

	// URL is the api.php endpoint
	URL string

	UserAgent  string
	Timeout    time.Duration
	MaxRetries int

	// InsecureSkipVerify disables TLS certificate checks for wikis with self-signed certificates
	InsecureSkipVerify bool

	// RequestsPerSecond paces requests to the endpoint; 0 disables pacing
	RequestsPerSecond float64
}

// Decorator adds authentication to an outgoing request.
type Decorator func(*http.Request)

// Client talks to a single wiki API endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *infra.CircuitBreaker
	limiter    *rate.Limiter
	semaphore  chan struct{}
}

// Option configures the Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithCircuitBreaker sets a custom circuit breaker
func WithCircuitBreaker(cb *infra.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// New creates a client for the endpoint described by cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Name == "" {
		cfg.Name = hostOf(cfg.URL)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify),
		logger:     slog.Default(),
		breaker:    infra.NewCircuitBreaker(infra.DefaultBreakerConfig()),
		semaphore:  make(chan struct{}, MaxConcurrentRequests),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("wiki", cfg.Name)
	return c
}

// Name returns the label of the endpoint.
func (c *Client) Name() string {
	return c.cfg.Name
}

// URL returns the api.php endpoint.
func (c *Client) URL() string {
	return c.cfg.URL
}

// BreakerStats returns the circuit breaker state of the endpoint.
func (c *Client) BreakerStats() infra.CircuitBreakerStats {
	return c.breaker.Stats()
}

// Post sends a form-encoded action API request. format=json is always set.
// A response carrying an "error" object is returned together with an *APIError.
func (c *Client) Post(ctx context.Context, params url.Values, decorate Decorator) (*Response, error) {
	params = cloneValues(params)
	params.Set("format", "json")
	body := params.Encode()

	return c.call(ctx, params.Get("action"), func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, decorate)
}

// FilePart is a file attached to a multipart request.
type FilePart struct {
	FieldName   string // defaults to "file"
	FileName    string
	ContentType string
	Data        []byte
}

// PostMultipart sends params and file as multipart/form-data, as required by action=upload.
func (c *Client) PostMultipart(ctx context.Context, params url.Values, file FilePart, decorate Decorator) (*Response, error) {
	params = cloneValues(params)
	params.Set("format", "json")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, values := range params {
		for _, v := range values {
			if err := w.WriteField(key, v); err != nil {
				return nil, fmt.Errorf("failed to write form field %s: %w", key, err)
			}
		}
	}

	field := file.FieldName
	if field == "" {
		field = "file"
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(field), escapeQuotes(file.FileName)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	payload := buf.Bytes()
	formType := w.FormDataContentType()
	return c.call(ctx, params.Get("action"), func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", formType)
		return req, nil
	}, decorate)
}

// Download fetches a raw resource such as an original file from the wiki's upload directory.
func (c *Client) Download(ctx context.Context, rawURL string, decorate Decorator) ([]byte, error) {
	if u, err := url.Parse(rawURL); err == nil && !u.IsAbs() {
		if base, err := url.Parse(c.cfg.URL); err == nil {
			rawURL = base.ResolveReference(u).String()
		}
	}
	resp, err := c.send(ctx, "download", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	}, decorate)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) call(ctx context.Context, action string, build func() (*http.Request, error), decorate Decorator) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "wiki.api."+action)
	defer span.End()
	tracing.AddWikiAttributes(span, c.cfg.Name, action)

	start := time.Now()
	resp, err := c.send(ctx, action, build, decorate)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordAPICall(c.cfg.Name, action, time.Since(start).Seconds(), false, "")
		return nil, err
	}

	if err := json.Unmarshal(resp.Body, &resp.data); err != nil {
		err = apierrors.Wrap(apierrors.KindRemoteUnreachable, "failed to parse API response", err)
		tracing.RecordError(span, err)
		metrics.RecordAPICall(c.cfg.Name, action, time.Since(start).Seconds(), false, "invalid-json")
		return nil, err
	}

	if apiErr := resp.apiError(); apiErr != nil {
		tracing.RecordError(span, apiErr)
		metrics.RecordAPICall(c.cfg.Name, action, time.Since(start).Seconds(), false, apiErr.Code)
		return resp, apiErr
	}

	metrics.RecordAPICall(c.cfg.Name, action, time.Since(start).Seconds(), true, "")
	return resp, nil
}

// send performs the HTTP exchange with pacing, circuit breaking and retries.
func (c *Client) send(ctx context.Context, action string, build func() (*http.Request, error), decorate Decorator) (*Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, apierrors.Wrap(apierrors.KindRemoteUnreachable, "wiki "+c.cfg.Name+" unavailable", err)
	}

	if c.limiter != nil && !c.limiter.Allow() {
		metrics.RateLimitWaits.WithLabelValues(c.cfg.Name).Inc()
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("context canceled while waiting for rate limiter: %w", err)
		}
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, fmt.Errorf("context canceled while waiting for request slot: %w", ctx.Err())
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.WikiAPIRetries.WithLabelValues(c.cfg.Name, action).Inc()
			backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			}
		}

		// Fresh request per attempt; the body is consumed on send.
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		if decorate != nil {
			decorate(req)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request canceled: %w", ctx.Err())
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			c.logger.Warn("API request failed, retrying",
				"action", action,
				"attempt", attempt+1,
				"max_retries", c.cfg.MaxRetries,
				"error", err)
			continue
		}

		body, err := readAndClose(resp)
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if seconds, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil {
				c.logger.Warn("Rate limited, waiting", "retry_after", seconds, "attempt", attempt+1)
				select {
				case <-time.After(time.Duration(seconds) * time.Second):
				case <-ctx.Done():
					return nil, fmt.Errorf("context canceled during rate limit wait: %w", ctx.Err())
				}
			}
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
			c.logger.Warn("API returned server error", "action", action, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}

		// The endpoint answered; client errors are not its fault.
		c.breaker.RecordSuccess()

		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		}

		return &Response{
			StatusCode: resp.StatusCode,
			Body:       body,
			Cookies:    resp.Cookies(),
		}, nil
	}

	c.breaker.RecordFailure()
	return nil, apierrors.Wrap(apierrors.KindRemoteUnreachable, "wiki "+c.cfg.Name+" unreachable", lastErr)
}

func readAndClose(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return body, err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

func newHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per wiki
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
