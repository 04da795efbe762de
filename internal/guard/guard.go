// Package guard validates outbound fetch targets before any network call is
// issued. Validation is purely syntactic: hostnames are checked against a
// fixed blocklist and private-range patterns without DNS resolution, so the
// surrounding platform's egress policy remains the last line of defense.
package guard

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// BlockedError reports why a URL was refused. Batch callers surface it as a
// value-level ssrf_blocked result, never as a transport failure.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return e.Reason
}

// hostBlocklist holds loopback/any-address names refused outright.
var hostBlocklist = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"0.0.0.0":   {},
	"::1":       {},
	"::":        {},
}

// Validate parses raw and refuses targets that could reach internal
// infrastructure. It returns the parsed URL on success and a *BlockedError
// naming the first failed check otherwise.
func Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, &BlockedError{Reason: "invalid URL"}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &BlockedError{Reason: fmt.Sprintf("blocked protocol: %s", scheme)}
	}

	host := strings.ToLower(u.Hostname())
	if _, listed := hostBlocklist[host]; listed {
		return nil, &BlockedError{Reason: fmt.Sprintf("blocked host: %s", host)}
	}
	if isPrivateHost(host) {
		return nil, &BlockedError{Reason: fmt.Sprintf("private address blocked: %s", host)}
	}
	return u, nil
}

// isPrivateHost reports whether host denotes a private, link-local, loopback,
// or unspecified address. Literal IPs go through netip so unusual but valid
// encodings are classified correctly; anything unparseable falls back to the
// textual prefix patterns.
func isPrivateHost(host string) bool {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.IsLoopback() ||
			addr.IsPrivate() ||
			addr.IsLinkLocalUnicast() ||
			addr.IsLinkLocalMulticast() ||
			addr.IsUnspecified()
	}

	for _, prefix := range []string{"10.", "192.168.", "169.254."} {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	if rest, ok := strings.CutPrefix(host, "172."); ok {
		if i := strings.IndexByte(rest, '.'); i > 0 {
			if octet, err := strconv.Atoi(rest[:i]); err == nil && octet >= 16 && octet <= 31 {
				return true
			}
		}
	}
	for _, prefix := range []string{"fc00:", "fd00:", "fe80:"} {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}
