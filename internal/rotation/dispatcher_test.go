package rotation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgefetch/edgefetch/internal/metrics"
	"github.com/edgefetch/edgefetch/internal/relay"
)

// timeoutErr satisfies net.Error with Timeout() == true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type scriptedCall struct {
	status int
	body   string
	err    error
}

// scriptedDoer replays canned replies and records every request plus the
// remaining time on its context deadline at call time.
type scriptedDoer struct {
	mu        sync.Mutex
	script    []scriptedCall
	requests  []*http.Request
	bodies    []string
	deadlines []time.Duration
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var payload string
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		payload = string(data)
	}
	d.requests = append(d.requests, req)
	d.bodies = append(d.bodies, payload)
	if deadline, ok := req.Context().Deadline(); ok {
		d.deadlines = append(d.deadlines, time.Until(deadline))
	} else {
		d.deadlines = append(d.deadlines, 0)
	}

	call := d.script[len(d.requests)-1]
	if call.err != nil {
		return nil, call.err
	}
	return &http.Response{
		StatusCode: call.status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(call.body)),
	}, nil
}

func (d *scriptedDoer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// headerSigner stamps the endpoint key into a test header.
type headerSigner struct {
	err error
}

func (s headerSigner) Sign(_ context.Context, req *http.Request, endpointKey string, _ []byte) error {
	if s.err != nil {
		return s.err
	}
	req.Header.Set("X-Test-Key", endpointKey)
	return nil
}

func newTestDispatcher(t *testing.T, pools map[string][]Endpoint, doer Doer, signer RequestSigner) *Dispatcher {
	t.Helper()
	metrics.Init()
	registry := NewRegistry(pools)
	registry.seed = func(int) int { return 0 }
	if signer == nil {
		signer = headerSigner{}
	}
	return NewDispatcher(Config{}, registry, NewRewriter([]string{"word"}), signer, doer, zap.NewNop())
}

func singlePool(bases ...string) map[string][]Endpoint {
	pool := make([]Endpoint, 0, len(bases))
	for i, base := range bases {
		pool = append(pool, Endpoint{BaseURL: base, APIKey: string(rune('a' + i))})
	}
	return map[string][]Endpoint{"dict.example.com": pool}
}

func TestDispatchSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{script: []scriptedCall{{status: 200, body: "ok"}}}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net/prod"), doer, nil)

	resp, err := d.Dispatch(context.Background(), "https://dict.example.com/api/lookup?word=tea", http.MethodGet, nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "ok", string(resp.Body))
	require.Equal(t, "https://gw1.example.net/prod", resp.Endpoint)

	require.Equal(t, 1, doer.callCount())
	sent := doer.requests[0]
	require.Equal(t, "https://gw1.example.net/prod/api/lookup?word=tea", sent.URL.String())
	require.Equal(t, "a", sent.Header.Get("X-Test-Key"))
}

func TestDispatchRetryCeiling(t *testing.T) {
	t.Parallel()

	script := make([]scriptedCall, 6)
	for i := range script {
		script[i] = scriptedCall{status: 500, body: "upstream broken"}
	}
	doer := &scriptedDoer{script: script}
	d := newTestDispatcher(t, singlePool(
		"https://gw1.example.net",
		"https://gw2.example.net",
		"https://gw3.example.net",
	), doer, nil)

	resp, err := d.Dispatch(context.Background(), "https://dict.example.com/x", http.MethodGet, nil, nil, 0)
	require.Nil(t, resp)
	require.Equal(t, 6, doer.callCount(), "exactly two passes through a three-endpoint pool")

	var exhausted *relay.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "dict.example.com", exhausted.Domain)
	require.Equal(t, 6, exhausted.Attempts)
	require.NotNil(t, exhausted.Last)
	require.Equal(t, 500, exhausted.Last.StatusCode)
	require.Equal(t, "upstream broken", string(exhausted.Last.Body))
}

func TestDispatchNoEndpoints(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net"), doer, nil)

	_, err := d.Dispatch(context.Background(), "https://unregistered.example.com/x", http.MethodGet, nil, nil, 0)
	require.ErrorIs(t, err, relay.ErrNoEndpoints)
	require.Zero(t, doer.callCount())
}

func TestDispatchRotatesToNextEndpoint(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{script: []scriptedCall{
		{status: 502, body: "bad gateway"},
		{status: 200, body: "recovered"},
	}}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net", "https://gw2.example.net"), doer, nil)

	resp, err := d.Dispatch(context.Background(), "https://dict.example.com/x", http.MethodGet, nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, "recovered", string(resp.Body))
	require.Equal(t, "https://gw2.example.net", resp.Endpoint)

	require.Equal(t, 2, doer.callCount())
	require.Equal(t, "gw1.example.net", doer.requests[0].URL.Host)
	require.Equal(t, "gw2.example.net", doer.requests[1].URL.Host)
}

func TestDispatchTimeoutLowersNextAttempt(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{script: []scriptedCall{
		{err: timeoutErr{}},
		{err: timeoutErr{}},
		{err: timeoutErr{}},
		{err: timeoutErr{}},
		{err: timeoutErr{}},
		{err: timeoutErr{}},
	}}
	d := newTestDispatcher(t, singlePool(
		"https://gw1.example.net",
		"https://gw2.example.net",
		"https://gw3.example.net",
	), doer, nil)

	_, err := d.Dispatch(context.Background(), "https://dict.example.com/x", http.MethodGet, nil, nil, 0)
	var exhausted *relay.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Nil(t, exhausted.Last, "pure timeouts leave no last response")

	// 3000 -> 2500 -> 2000 -> 1500 -> 1000 -> clamped at 1000.
	want := []time.Duration{3000, 2500, 2000, 1500, 1000, 1000}
	require.Len(t, doer.deadlines, len(want))
	for i, remaining := range doer.deadlines {
		expect := want[i] * time.Millisecond
		require.InDelta(t, float64(expect), float64(remaining), float64(300*time.Millisecond),
			"attempt %d deadline", i+1)
	}
}

func TestDispatchErrorStatusRaisesNextAttempt(t *testing.T) {
	t.Parallel()

	script := make([]scriptedCall, 4)
	for i := range script {
		script[i] = scriptedCall{status: 503, body: "cold start"}
	}
	doer := &scriptedDoer{script: script}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net", "https://gw2.example.net"), doer, nil)

	_, err := d.Dispatch(context.Background(), "https://dict.example.com/x", http.MethodGet, nil, nil, 0)
	var exhausted *relay.ExhaustedError
	require.ErrorAs(t, err, &exhausted)

	// 3000 -> 3500 -> 4000 -> 4500.
	want := []time.Duration{3000, 3500, 4000, 4500}
	require.Len(t, doer.deadlines, len(want))
	for i, remaining := range doer.deadlines {
		expect := want[i] * time.Millisecond
		require.InDelta(t, float64(expect), float64(remaining), float64(300*time.Millisecond),
			"attempt %d deadline", i+1)
	}
}

func TestDispatchTimeoutHintClamped(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{script: []scriptedCall{{status: 200, body: "ok"}}}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net"), doer, nil)

	_, err := d.Dispatch(context.Background(), "https://dict.example.com/x", http.MethodGet, nil, nil, 50*time.Millisecond)
	require.NoError(t, err)
	require.InDelta(t, float64(minAttemptTimeout), float64(doer.deadlines[0]), float64(300*time.Millisecond))

	doer2 := &scriptedDoer{script: []scriptedCall{{status: 200, body: "ok"}}}
	d2 := newTestDispatcher(t, singlePool("https://gw1.example.net"), doer2, nil)
	_, err = d2.Dispatch(context.Background(), "https://dict.example.com/x", http.MethodGet, nil, nil, time.Minute)
	require.NoError(t, err)
	require.InDelta(t, float64(maxAttemptTimeout), float64(doer2.deadlines[0]), float64(300*time.Millisecond))
}

func TestDispatchPropagatesOtherErrors(t *testing.T) {
	t.Parallel()

	transport := errors.New("tls: handshake failure")
	doer := &scriptedDoer{script: []scriptedCall{{err: transport}}}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net", "https://gw2.example.net"), doer, nil)

	_, err := d.Dispatch(context.Background(), "https://dict.example.com/x", http.MethodGet, nil, nil, 0)
	require.ErrorIs(t, err, transport)
	require.Equal(t, 1, doer.callCount(), "non-timeout errors must not retry")
}

func TestDispatchPropagatesSigningErrors(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{script: []scriptedCall{{status: 200, body: "ok"}}}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net"), doer, headerSigner{err: relay.ErrUnsupportedAuth})

	_, err := d.Dispatch(context.Background(), "https://dict.example.com/x", http.MethodGet, nil, nil, 0)
	require.ErrorIs(t, err, relay.ErrUnsupportedAuth)
	require.Zero(t, doer.callCount())
}

func TestDispatchStopsWhenCallerContextExpires(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	doer := &scriptedDoer{script: []scriptedCall{{err: context.DeadlineExceeded}, {err: context.DeadlineExceeded}}}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net", "https://gw2.example.net"), doer, nil)

	_, err := d.Dispatch(ctx, "https://dict.example.com/x", http.MethodGet, nil, nil, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dispatch canceled")
	require.Equal(t, 1, doer.callCount())
}

func TestDispatchForwardsMethodHeadersBody(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{script: []scriptedCall{{status: 201, body: "created"}}}
	d := newTestDispatcher(t, singlePool("https://gw1.example.net"), doer, nil)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	resp, err := d.Dispatch(context.Background(), "https://dict.example.com/items", http.MethodPost, headers, []byte(`{"a":1}`), 0)
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)

	sent := doer.requests[0]
	require.Equal(t, http.MethodPost, sent.Method)
	require.Equal(t, "application/json", sent.Header.Get("Content-Type"))
	require.Equal(t, `{"a":1}`, doer.bodies[0])
}
