package rotation

import (
	"net/url"
	"strings"
)

// Rewriter maps a target URL onto a gateway base URL, carrying the original
// path and query along. Values of the configured sensitive parameters are
// percent-encoded a second time so they survive a gateway layer that decodes
// the query twice before forwarding; every other parameter passes through
// with its standard encoding.
type Rewriter struct {
	doubleEncode map[string]struct{}
}

// NewRewriter builds a rewriter that double-encodes the named query
// parameters.
func NewRewriter(params []string) *Rewriter {
	listed := make(map[string]struct{}, len(params))
	for _, p := range params {
		p = strings.TrimSpace(p)
		if p != "" {
			listed[p] = struct{}{}
		}
	}
	return &Rewriter{doubleEncode: listed}
}

// Rewrite returns base + target.path + target.query. base must not carry a
// trailing slash (ParseEndpoints guarantees this for registry endpoints).
func (rw *Rewriter) Rewrite(base string, target *url.URL) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(target.EscapedPath())
	if target.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rw.encodeQuery(target.RawQuery))
	}
	return b.String()
}

// encodeQuery walks the raw query pair by pair, preserving the original
// parameter order, and re-encodes the already-encoded values of listed
// parameters once more.
func (rw *Rewriter) encodeQuery(raw string) string {
	if len(rw.doubleEncode) == 0 {
		return raw
	}
	pairs := strings.Split(raw, "&")
	for i, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		decodedKey, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		if _, listed := rw.doubleEncode[decodedKey]; listed {
			pairs[i] = key + "=" + url.QueryEscape(value)
		}
	}
	return strings.Join(pairs, "&")
}
