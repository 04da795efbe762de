package rotation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgefetch/edgefetch/internal/metrics"
	"github.com/edgefetch/edgefetch/internal/relay"
)

// Per-attempt timeout controller bounds. The timeout moves by one step after
// every non-success outcome: up on an HTTP error status, down on a timeout.
const (
	defaultAttemptTimeout = 3 * time.Second
	minAttemptTimeout     = 1 * time.Second
	maxAttemptTimeout     = 10 * time.Second
	timeoutStep           = 500 * time.Millisecond
)

// retriesPerEndpoint sizes the attempt budget: two full passes through the
// pool before giving up.
const retriesPerEndpoint = 2

// Doer issues a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestSigner adds gateway auth headers to one outbound request.
// endpointKey is the API key paired with the selected endpoint.
type RequestSigner interface {
	Sign(ctx context.Context, req *http.Request, endpointKey string, body []byte) error
}

// Config controls Dispatcher behavior.
type Config struct {
	// DefaultTimeout seeds the per-attempt timeout when the caller passes no
	// hint. Zero means the built-in 3s default. Clamped to [1s, 10s].
	DefaultTimeout time.Duration
}

// Dispatcher issues a target URL against the domain's endpoint pool,
// rotating through endpoints on failure with an adaptive per-attempt
// timeout.
type Dispatcher struct {
	registry *Registry
	rewriter *Rewriter
	signer   RequestSigner
	client   Doer
	cfg      Config
	logger   *zap.Logger
}

// NewDispatcher constructs a Dispatcher. client may be nil, in which case a
// tuned default transport is used.
func NewDispatcher(
	cfg Config,
	registry *Registry,
	rewriter *Rewriter,
	signer RequestSigner,
	client Doer,
	logger *zap.Logger,
) *Dispatcher {
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultAttemptTimeout
	}
	return &Dispatcher{
		registry: registry,
		rewriter: rewriter,
		signer:   signer,
		client:   client,
		cfg:      cfg,
		logger:   logger.Named("rotation"),
	}
}

// Dispatch sends targetURL through the domain's gateway pool.
//
// It returns relay.ErrNoEndpoints when the target host has no registered
// pool, a *relay.ExhaustedError after 2 x poolSize failed attempts, and any
// signing or non-timeout transport error as-is without further retries. An
// upstream response with status < 400 is a success; one with status >= 400
// raises the next attempt's timeout by 500ms, while a timed-out attempt
// lowers it, both clamped to [1s, 10s].
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	targetURL string,
	method string,
	headers http.Header,
	body []byte,
	timeoutHint time.Duration,
) (*relay.UpstreamResponse, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	domain := strings.ToLower(target.Hostname())

	poolSize := d.registry.PoolSize(domain)
	if poolSize == 0 {
		return nil, relay.ErrNoEndpoints
	}
	maxAttempts := retriesPerEndpoint * poolSize

	timeout := d.cfg.DefaultTimeout
	if timeoutHint > 0 {
		timeout = timeoutHint
	}
	timeout = clampTimeout(timeout)

	if method == "" {
		method = http.MethodGet
	}

	var last *relay.UpstreamResponse
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		endpoint, ok := d.registry.Next(domain)
		if !ok {
			return nil, relay.ErrNoEndpoints
		}

		resp, err := d.attempt(ctx, endpoint, target, method, headers, body, timeout)
		switch {
		case err == nil && resp.StatusCode < http.StatusBadRequest:
			d.logger.Debug("dispatch succeeded",
				zap.String("domain", domain),
				zap.String("endpoint", endpoint.BaseURL),
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode),
			)
			metrics.ObserveRotationAttempt(domain, "success")
			return resp, nil
		case err == nil:
			last = resp
			timeout = clampTimeout(timeout + timeoutStep)
			d.logger.Debug("dispatch got error status",
				zap.String("domain", domain),
				zap.String("endpoint", endpoint.BaseURL),
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode),
				zap.Duration("next_timeout", timeout),
			)
			metrics.ObserveRotationAttempt(domain, "http_error")
		case isTimeoutError(err):
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dispatch canceled: %w", ctx.Err())
			}
			timeout = clampTimeout(timeout - timeoutStep)
			d.logger.Debug("dispatch attempt timed out",
				zap.String("domain", domain),
				zap.String("endpoint", endpoint.BaseURL),
				zap.Int("attempt", attempt),
				zap.Duration("next_timeout", timeout),
			)
			metrics.ObserveRotationAttempt(domain, "timeout")
		default:
			metrics.ObserveRotationAttempt(domain, "error")
			return nil, err
		}
	}

	d.logger.Warn("endpoint pool exhausted",
		zap.String("domain", domain),
		zap.Int("attempts", maxAttempts),
		zap.Bool("has_last_response", last != nil),
	)
	return nil, &relay.ExhaustedError{Domain: domain, Attempts: maxAttempts, Last: last}
}

func (d *Dispatcher) attempt(
	ctx context.Context,
	endpoint Endpoint,
	target *url.URL,
	method string,
	headers http.Header,
	body []byte,
	timeout time.Duration,
) (*relay.UpstreamResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	rewritten := d.rewriter.Rewrite(endpoint.BaseURL, target)
	req, err := http.NewRequestWithContext(attemptCtx, method, rewritten, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if err := d.signer.Sign(attemptCtx, req, endpoint.APIKey, body); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &relay.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       data,
		Endpoint:   endpoint.BaseURL,
		Duration:   time.Since(start),
	}, nil
}

// isTimeoutError distinguishes deadline expiry from other transport
// failures; only timeouts stay inside the rotation loop.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func clampTimeout(t time.Duration) time.Duration {
	if t < minAttemptTimeout {
		return minAttemptTimeout
	}
	if t > maxAttemptTimeout {
		return maxAttemptTimeout
	}
	return t
}

// newHTTPTransport mirrors the defaults used for direct fetches: bounded
// dial/TLS handshake times and connection reuse across attempts.
func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
