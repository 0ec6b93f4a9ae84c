package classify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyprobe "github.com/JakeFAU/media-validator/internal/probe/colly"
	"github.com/JakeFAU/media-validator/internal/ratelimit"
	"github.com/JakeFAU/media-validator/internal/retry"
	"github.com/JakeFAU/media-validator/internal/validation"
)

type probeResponse struct {
	status int
	ct     string
	err    error
	delay  time.Duration
}

type fakeProber struct {
	mu        sync.Mutex
	responses map[string][]probeResponse
	calls     map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{responses: map[string][]probeResponse{}, calls: map[string]int{}}
}

func (f *fakeProber) on(url string, rs ...probeResponse) {
	f.responses[url] = rs
}

func (f *fakeProber) Check(ctx context.Context, url string) (int, string, error) {
	f.mu.Lock()
	n := f.calls[url]
	f.calls[url]++
	rs := f.responses[url]
	f.mu.Unlock()

	if len(rs) == 0 {
		return 0, "", errors.New("no route to host")
	}
	r := rs[min(n, len(rs)-1)]
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-time.After(r.delay):
		}
	}
	return r.status, r.ct, r.err
}

func (f *fakeProber) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func newTestClassifier(p validation.Prober) *Classifier {
	return New(Config{
		Placeholders: []string{"https://placeholders.example/generic.jpg"},
		ProbeTimeout: 50 * time.Millisecond,
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, p, zap.NewNop())
}

func TestClassifyLocalRulesNeverProbe(t *testing.T) {
	t.Parallel()

	p := newFakeProber()
	c := newTestClassifier(p)
	ctx := context.Background()

	cases := []struct {
		url    string
		status validation.Verdict
		reason string
	}{
		{"", validation.VerdictMissing, ReasonEmpty},
		{"   ", validation.VerdictMissing, ReasonEmpty},
		{"blob:https://app.example/1f2e", validation.VerdictInvalid, ReasonEphemeral},
		{"BLOB:abc", validation.VerdictInvalid, ReasonEphemeral},
		{"capacitor://localhost/_capacitor_file_/x.jpg", validation.VerdictInvalid, ReasonEphemeral},
		{"file:///var/mobile/x.jpg", validation.VerdictInvalid, ReasonEphemeral},
		{"cdn.example/x.jpg", validation.VerdictInvalid, ReasonMalformed},
		{"https:///x.jpg", validation.VerdictInvalid, ReasonMalformed},
		{"ftp://cdn.example/x.jpg", validation.VerdictInvalid, ReasonMalformed},
		{"data:image/png;base64,iVBORw0KGgo=", validation.VerdictValid, ReasonOK},
		{"data:text/plain,hello", validation.VerdictInvalid, ReasonTypeMismatch},
		{"https://placeholders.example/generic.jpg", validation.VerdictValid, ReasonPlaceholder},
	}
	for _, tc := range cases {
		got := c.Classify(ctx, validation.MediaEntry{Type: validation.MediaUnknown, URL: tc.url})
		require.Equal(t, tc.status, got.Status, tc.url)
		require.Equal(t, tc.reason, got.Reason, tc.url)
	}
	require.Zero(t, p.total(), "local rules must not touch the network")
}

func TestClassifyProbeOutcomes(t *testing.T) {
	t.Parallel()

	p := newFakeProber()
	p.on("https://cdn.example/ok.jpg", probeResponse{status: http.StatusOK, ct: "image/jpeg"})
	p.on("https://cdn.example/bin", probeResponse{status: http.StatusOK, ct: "application/octet-stream"})
	p.on("https://cdn.example/page.jpg", probeResponse{status: http.StatusOK, ct: "text/html; charset=utf-8"})
	p.on("https://cdn.example/gone.jpg", probeResponse{status: http.StatusNotFound})
	p.on("https://cdn.example/clip.mp4", probeResponse{status: http.StatusPartialContent, ct: "video/mp4"})
	c := newTestClassifier(p)
	ctx := context.Background()

	got := c.Classify(ctx, validation.MediaEntry{Type: validation.MediaImage, URL: "https://cdn.example/ok.jpg"})
	require.Equal(t, validation.ClassificationResult{Status: validation.VerdictValid, Reason: ReasonOK, HTTPStatus: 200}, got)

	got = c.Classify(ctx, validation.MediaEntry{Type: validation.MediaVideo, URL: "https://cdn.example/bin"})
	require.Equal(t, validation.VerdictValid, got.Status)

	got = c.Classify(ctx, validation.MediaEntry{Type: validation.MediaImage, URL: "https://cdn.example/page.jpg"})
	require.Equal(t, validation.ClassificationResult{Status: validation.VerdictInvalid, Reason: ReasonTypeMismatch, HTTPStatus: 200}, got)

	got = c.Classify(ctx, validation.MediaEntry{Type: validation.MediaImage, URL: "https://cdn.example/gone.jpg"})
	require.Equal(t, validation.ClassificationResult{Status: validation.VerdictInvalid, Reason: "http-404", HTTPStatus: 404}, got)
	require.Equal(t, 1, p.calls["https://cdn.example/gone.jpg"], "a 404 is final")

	got = c.Classify(ctx, validation.MediaEntry{Type: validation.MediaImage, URL: "https://cdn.example/clip.mp4"})
	require.Equal(t, ReasonTypeMismatch, got.Reason)
	got = c.Classify(ctx, validation.MediaEntry{Type: validation.MediaUnknown, URL: "https://cdn.example/clip.mp4"})
	require.Equal(t, validation.VerdictValid, got.Status)
}

func TestClassifyRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	p := newFakeProber()
	p.on("https://cdn.example/busy.jpg",
		probeResponse{status: http.StatusServiceUnavailable},
		probeResponse{err: errors.New("connection reset")},
		probeResponse{status: http.StatusOK, ct: "image/jpeg"},
	)
	p.on("https://cdn.example/throttled.jpg", probeResponse{status: http.StatusTooManyRequests})
	c := newTestClassifier(p)

	got := c.Classify(context.Background(), validation.MediaEntry{Type: validation.MediaImage, URL: "https://cdn.example/busy.jpg"})
	require.Equal(t, validation.VerdictValid, got.Status)
	require.Equal(t, 3, p.calls["https://cdn.example/busy.jpg"])

	got = c.Classify(context.Background(), validation.MediaEntry{URL: "https://cdn.example/throttled.jpg"})
	require.Equal(t, "http-429", got.Reason)
	require.Equal(t, 3, p.calls["https://cdn.example/throttled.jpg"])
}

func TestClassifyTimeoutAndNetworkError(t *testing.T) {
	t.Parallel()

	p := newFakeProber()
	p.on("https://slow.example/x.jpg", probeResponse{delay: time.Second})
	p.on("https://down.example/x.jpg", probeResponse{err: errors.New("dial tcp: connection refused")})
	c := newTestClassifier(p)

	got := c.Classify(context.Background(), validation.MediaEntry{URL: "https://slow.example/x.jpg"})
	require.Equal(t, validation.ClassificationResult{Status: validation.VerdictInvalid, Reason: ReasonTimeout}, got)

	got = c.Classify(context.Background(), validation.MediaEntry{URL: "https://down.example/x.jpg"})
	require.Equal(t, validation.VerdictInvalid, got.Status)
	require.Equal(t, "network-error: dial tcp: connection refused", got.Reason)
}

func TestClassifyTimeoutIsNotRetried(t *testing.T) {
	t.Parallel()

	p := newFakeProber()
	p.on("https://hung.example/x.jpg", probeResponse{delay: 5 * time.Second})
	const timeout = 100 * time.Millisecond
	c := New(Config{ProbeTimeout: timeout, Retry: retry.Default()}, p, zap.NewNop())

	start := time.Now()
	got := c.Classify(context.Background(), validation.MediaEntry{URL: "https://hung.example/x.jpg"})
	elapsed := time.Since(start)

	require.Equal(t, validation.ClassificationResult{Status: validation.VerdictInvalid, Reason: ReasonTimeout}, got)
	require.Equal(t, 1, p.total())
	require.Less(t, elapsed, timeout+200*time.Millisecond)
}

type fakeLimiter struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (l *fakeLimiter) Wait(ctx context.Context, _ string) error {
	l.calls.Add(1)
	if l.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.delay):
		}
	}
	return l.err
}

func TestClassifyLimiterWaitIsNotChargedToProbeTimeout(t *testing.T) {
	t.Parallel()

	p := newFakeProber()
	p.on("https://busy.example/x.jpg", probeResponse{status: http.StatusOK, ct: "image/jpeg"})
	l := &fakeLimiter{delay: 120 * time.Millisecond}
	c := New(Config{ProbeTimeout: 50 * time.Millisecond, Limiter: l}, p, zap.NewNop())

	got := c.Classify(context.Background(), validation.MediaEntry{Type: validation.MediaImage, URL: "https://busy.example/x.jpg"})
	require.Equal(t, validation.VerdictValid, got.Status)
	require.Equal(t, ReasonOK, got.Reason)
	require.EqualValues(t, 1, l.calls.Load())
}

func TestClassifyLimiterRefusalIsTimeout(t *testing.T) {
	t.Parallel()

	p := newFakeProber()
	p.on("https://busy.example/x.jpg", probeResponse{status: http.StatusOK, ct: "image/jpeg"})
	l := &fakeLimiter{err: errors.New("rate: Wait(n=1) would exceed context deadline")}
	c := New(Config{
		ProbeTimeout: 50 * time.Millisecond,
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Limiter:      l,
	}, p, zap.NewNop())

	got := c.Classify(context.Background(), validation.MediaEntry{URL: "https://busy.example/x.jpg"})
	require.Equal(t, validation.ClassificationResult{Status: validation.VerdictInvalid, Reason: ReasonTimeout}, got)
	require.Zero(t, p.total())
	require.EqualValues(t, 1, l.calls.Load())
}

func TestClassifyBusyHostStaysValid(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(5 * time.Millisecond)
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	// 60 references at 50 rps leaves the last ones queued well past the request timeout.
	const refs = 60
	timeout := 250 * time.Millisecond
	c := New(Config{
		ProbeTimeout: timeout,
		Retry:        retry.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		Limiter:      ratelimit.New(ratelimit.Config{PerHostRPS: 50, PerHostBurst: 5}),
	}, collyprobe.New(collyprobe.Config{Timeout: timeout}), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make([]validation.ClassificationResult, refs)
	var wg sync.WaitGroup
	for i := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Classify(ctx, validation.MediaEntry{Type: validation.MediaImage, URL: srv.URL + "/photo.jpg"})
		}()
	}
	wg.Wait()

	for i, got := range results {
		require.Equal(t, validation.VerdictValid, got.Status, "reference %d: %s", i, got.Reason)
		require.Equal(t, ReasonOK, got.Reason)
	}
	require.EqualValues(t, refs, hits.Load())
}

func TestClassifyRewritesGCSReferences(t *testing.T) {
	t.Parallel()

	p := newFakeProber()
	p.on("https://storage.googleapis.com/yachts-media/hull/1.jpg", probeResponse{status: http.StatusOK, ct: "image/jpeg"})
	c := newTestClassifier(p)

	got := c.Classify(context.Background(), validation.MediaEntry{Type: validation.MediaImage, URL: "gs://yachts-media/hull/1.jpg"})
	require.Equal(t, validation.VerdictValid, got.Status)
	require.Equal(t, 1, p.calls["https://storage.googleapis.com/yachts-media/hull/1.jpg"])

	got = c.Classify(context.Background(), validation.MediaEntry{URL: "gs://yachts-media"})
	require.Equal(t, ReasonMalformed, got.Reason)
}

func TestClassifyWithoutProber(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil, nil)
	got := c.Classify(context.Background(), validation.MediaEntry{URL: "https://cdn.example/x.jpg"})
	require.Equal(t, validation.VerdictValid, got.Status)
	require.Equal(t, ReasonNotProbed, got.Reason)
}
