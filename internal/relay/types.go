package relay

import (
	"net/http"
	"time"
)

// ResultKind classifies the terminal outcome of one batch item.
type ResultKind string

// Result kinds surfaced to batch callers.
const (
	ResultSuccess ResultKind = "success"
	ResultError   ResultKind = "error"
	ResultBlocked ResultKind = "ssrf_blocked"
	ResultSkipped ResultKind = "skipped"
)

// FetchTask is one unit of batch work. Index ties the task back to its slot
// in the result array; IsRetry marks the single permitted re-attempt.
type FetchTask struct {
	URL     string
	Index   int
	IsRetry bool
}

// BatchResult is the per-URL outcome returned to batch callers. Exactly one
// exists per input URL by the time a batch completes.
type BatchResult struct {
	URL        string     `json:"url"`
	HTTPStatus int        `json:"httpStatus"`
	Result     ResultKind `json:"result"`
	Body       string     `json:"body"`
}

// FetchRequest captures everything needed to fetch a URL directly.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation. A
// response with StatusCode >= 400 is still a response, not an error; errors
// are reserved for transport failures.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// UpstreamResponse is the outcome of a rotation dispatch: the answer from
// whichever gateway endpoint responded, with its base URL attached.
type UpstreamResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Endpoint   string
	Duration   time.Duration
}

// ResourceLimits bounds the total work one batch invocation may perform.
type ResourceLimits struct {
	MaxMemoryBytes int64
	MaxSubrequests int
}

// ResourceUsage tracks consumption against ResourceLimits. MemoryBytes is
// the UTF-16-equivalent size of all completed result bodies; Subrequests is
// the number of fetch attempts dispatched so far, retries included.
type ResourceUsage struct {
	MemoryBytes int64
	Subrequests int
}

// Exceeded reports whether either ceiling has been met or passed.
func (u ResourceUsage) Exceeded(l ResourceLimits) bool {
	if l.MaxMemoryBytes > 0 && u.MemoryBytes >= l.MaxMemoryBytes {
		return true
	}
	if l.MaxSubrequests > 0 && u.Subrequests >= l.MaxSubrequests {
		return true
	}
	return false
}

// BatchSummary is published after every batch completes.
type BatchSummary struct {
	BatchID     string    `json:"batch_id"`
	URLCount    int       `json:"url_count"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Blocked     int       `json:"blocked"`
	Skipped     int       `json:"skipped"`
	Subrequests int       `json:"subrequests"`
	MemoryBytes int64     `json:"memory_bytes"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// KeyPage is one page of a KeyValueStore listing.
type KeyPage struct {
	Keys     []string
	Cursor   string
	Complete bool
}
