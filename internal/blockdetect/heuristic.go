// Package blockdetect decides when a direct fetch came back blocked and is
// worth re-running through the headless browser.
package blockdetect

import (
	"bytes"
	"net/http"

	"github.com/edgefetch/edgefetch/internal/relay"
)

// Heuristic implements a handful of rule-based promotions. It implements
// relay.HeadlessDetector.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. threshold is the body size in bytes
// below which an HTML shell counts as suspiciously empty; zero means 512.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 512
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// blockStatuses are the statuses anti-bot layers answer with.
var blockStatuses = map[int]struct{}{
	http.StatusForbidden:          {},
	http.StatusTooManyRequests:    {},
	http.StatusServiceUnavailable: {},
}

// challengeMarkers show up in interstitial challenge pages served with a
// 200 status.
var challengeMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("cf_chl_opt"),
	[]byte("_Incapsula_Resource"),
	[]byte("Checking your browser"),
	[]byte("Just a moment..."),
	[]byte("captcha"),
	[]byte("Access Denied"),
}

// ShouldPromote reports whether the direct response looks blocked and a
// headless re-fetch is required.
func (h *Heuristic) ShouldPromote(resp relay.FetchResponse) bool {
	if resp.UsedHeadless {
		return false
	}
	if _, blocked := blockStatuses[resp.StatusCode]; blocked {
		return true
	}
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if looksLikeHTML(resp.Headers, body) && len(bytes.TrimSpace(body)) < h.BodyLengthThreshold {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	return false
}

func looksLikeHTML(headers http.Header, body []byte) bool {
	if headers != nil {
		ct := headers.Get("Content-Type")
		if ct != "" {
			return bytes.Contains([]byte(ct), []byte("html"))
		}
	}
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) ||
		bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html"))
}
