package relay

import (
	"errors"
	"fmt"
)

// ErrNoEndpoints signals that no gateway endpoints are registered for the
// target host. Callers fall back to a direct fetch.
var ErrNoEndpoints = errors.New("no endpoints available")

// ErrUnsupportedAuth signals a credential whose auth type is not a known
// variant. It propagates through the dispatcher without retry: retrying
// cannot fix misconfiguration.
var ErrUnsupportedAuth = errors.New("unsupported auth type")

// ExhaustedError is returned when every rotation attempt against a domain's
// endpoint pool failed. Last carries the most recent non-exceptional upstream
// response, if any attempt produced one, so callers can surface its status
// and body instead of a generic failure.
type ExhaustedError struct {
	Domain   string
	Attempts int
	Last     *UpstreamResponse
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all endpoints failed for %s after %d attempts (last status %d)", e.Domain, e.Attempts, e.Last.StatusCode)
	}
	return fmt.Sprintf("all endpoints failed for %s after %d attempts", e.Domain, e.Attempts)
}
