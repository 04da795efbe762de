// Package fetch runs a single URL through the outbound pipeline: SSRF
// validation, rotation dispatch when the target host has a gateway pool,
// direct fetch otherwise, and an optional headless re-fetch when the direct
// response looks blocked.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edgefetch/edgefetch/internal/guard"
	"github.com/edgefetch/edgefetch/internal/metrics"
	"github.com/edgefetch/edgefetch/internal/relay"
)

// failedBody is the opaque body returned for transport-level failures.
const failedBody = "Fetch failed"

// Dispatcher issues a URL through the rotation layer. It returns
// relay.ErrNoEndpoints when the host has no gateway pool.
type Dispatcher interface {
	Dispatch(
		ctx context.Context,
		targetURL string,
		method string,
		headers http.Header,
		body []byte,
		timeoutHint time.Duration,
	) (*relay.UpstreamResponse, error)
}

// Waiter blocks until the target's domain may be fetched directly.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls pipeline behavior.
type Config struct {
	UserAgent       string
	HeadlessEnabled bool
}

// Pipeline classifies every outcome into a relay.BatchResult; it never
// returns an error for a single URL.
type Pipeline struct {
	dispatcher Dispatcher
	direct     relay.Fetcher
	headless   relay.Fetcher
	detector   relay.HeadlessDetector
	limiter    Waiter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Pipeline. headless and detector may be nil when the
// headless fallback is disabled; limiter may be nil to skip politeness
// waits.
func New(
	cfg Config,
	dispatcher Dispatcher,
	direct relay.Fetcher,
	headless relay.Fetcher,
	detector relay.HeadlessDetector,
	limiter Waiter,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		dispatcher: dispatcher,
		direct:     direct,
		headless:   headless,
		detector:   detector,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger.Named("fetch"),
	}
}

// Fetch runs rawURL through the pipeline and classifies the outcome: an
// SSRF-blocked target becomes {ssrf_blocked, 422} without any network call,
// a response with status < 400 becomes success, one with status >= 400
// becomes error with that status, and a transport failure becomes
// {error, 502}.
func (p *Pipeline) Fetch(ctx context.Context, rawURL string) relay.BatchResult {
	if _, err := guard.Validate(rawURL); err != nil {
		var blocked *guard.BlockedError
		body := "blocked"
		if errors.As(err, &blocked) {
			body = blocked.Reason
		}
		p.logger.Debug("target blocked", zap.String("url", rawURL), zap.String("reason", body))
		result := relay.BatchResult{
			URL:        rawURL,
			HTTPStatus: http.StatusUnprocessableEntity,
			Result:     relay.ResultBlocked,
			Body:       body,
		}
		metrics.ObserveFetchItem(rawURL, string(result.Result), 0)
		return result
	}

	result := p.fetchValidated(ctx, rawURL)
	metrics.ObserveFetchItem(rawURL, string(result.Result), len(result.Body))
	return result
}

func (p *Pipeline) fetchValidated(ctx context.Context, rawURL string) relay.BatchResult {
	resp, err := p.dispatcher.Dispatch(ctx, rawURL, http.MethodGet, p.browserHeaders(), nil, 0)
	switch {
	case err == nil:
		return classify(rawURL, resp.StatusCode, resp.Body)
	case errors.Is(err, relay.ErrNoEndpoints):
		return p.fetchDirect(ctx, rawURL)
	default:
		var exhausted *relay.ExhaustedError
		if errors.As(err, &exhausted) && exhausted.Last != nil {
			// Exhausted retries: surface the last upstream answer instead of a
			// generic failure.
			return classify(rawURL, exhausted.Last.StatusCode, exhausted.Last.Body)
		}
		p.logger.Warn("rotation dispatch failed", zap.String("url", rawURL), zap.Error(err))
		return failedResult(rawURL)
	}
}

func (p *Pipeline) fetchDirect(ctx context.Context, rawURL string) relay.BatchResult {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, rawURL); err != nil {
			p.logger.Warn("rate limit wait failed", zap.String("url", rawURL), zap.Error(err))
			return failedResult(rawURL)
		}
	}

	request := relay.FetchRequest{URL: rawURL, Headers: p.browserHeaders()}
	resp, err := p.direct.Fetch(ctx, request)
	if err != nil {
		p.logger.Warn("direct fetch failed", zap.String("url", rawURL), zap.Error(err))
		return failedResult(rawURL)
	}

	if p.shouldPromote(resp) {
		if promoted, ok := p.fetchHeadless(ctx, request, resp); ok {
			resp = promoted
		}
	}
	return classify(rawURL, resp.StatusCode, resp.Body)
}

func (p *Pipeline) shouldPromote(resp relay.FetchResponse) bool {
	return p.cfg.HeadlessEnabled && p.headless != nil && p.detector != nil && p.detector.ShouldPromote(resp)
}

// fetchHeadless re-runs the request through the browser and reports whether
// the rendered response should replace the direct one.
func (p *Pipeline) fetchHeadless(
	ctx context.Context,
	request relay.FetchRequest,
	direct relay.FetchResponse,
) (relay.FetchResponse, bool) {
	metrics.ObserveHeadlessPromotion()
	p.logger.Debug("promoting to headless", zap.String("url", request.URL), zap.Int("direct_status", direct.StatusCode))

	rendered, err := p.headless.Fetch(ctx, request)
	if err != nil {
		p.logger.Warn("headless fetch failed", zap.String("url", request.URL), zap.Error(err))
		return relay.FetchResponse{}, false
	}
	if rendered.StatusCode < http.StatusBadRequest || rendered.StatusCode < direct.StatusCode {
		return rendered, true
	}
	return relay.FetchResponse{}, false
}

// browserHeaders mimics an ordinary browser so origins that reject bare
// clients answer normally.
func (p *Pipeline) browserHeaders() http.Header {
	headers := http.Header{}
	if p.cfg.UserAgent != "" {
		headers.Set("User-Agent", p.cfg.UserAgent)
	}
	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	headers.Set("Accept-Language", "en-US,en;q=0.9")
	headers.Set("Upgrade-Insecure-Requests", "1")
	return headers
}

func classify(rawURL string, status int, body []byte) relay.BatchResult {
	kind := relay.ResultSuccess
	if status >= http.StatusBadRequest {
		kind = relay.ResultError
	}
	return relay.BatchResult{
		URL:        rawURL,
		HTTPStatus: status,
		Result:     kind,
		Body:       string(body),
	}
}

func failedResult(rawURL string) relay.BatchResult {
	return relay.BatchResult{
		URL:        rawURL,
		HTTPStatus: http.StatusBadGateway,
		Result:     relay.ResultError,
		Body:       failedBody,
	}
}
