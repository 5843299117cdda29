package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/bouncehook/internal/store"
)

type retryCall struct {
	id            int64
	attempts      int
	lastError     string
	expired       bool
	nextAttemptAt time.Time
}

// fakeStore implements store.Store in memory for worker tests.
type fakeStore struct {
	mu        sync.Mutex
	jobs      []store.Job
	claimErr  error
	delivered []int64
	retries   []retryCall
}

func (f *fakeStore) InitSchema(ctx context.Context) error { return nil }

func (f *fakeStore) MatchRoutes(ctx context.Context, domain, localPart string) ([]store.Route, error) {
	return nil, nil
}

func (f *fakeStore) Enqueue(ctx context.Context, routeID int64, payload string) (int64, error) {
	return 0, nil
}

func (f *fakeStore) ClaimReady(ctx context.Context, limit int) ([]store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if limit > len(f.jobs) {
		limit = len(f.jobs)
	}
	out := make([]store.Job, limit)
	copy(out, f.jobs[:limit])
	return out, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeStore) MarkRetry(ctx context.Context, id int64, attempts int, lastError string, expired bool, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryCall{id, attempts, lastError, expired, nextAttemptAt})
	return nil
}

func (f *fakeStore) Close() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.HTTPTimeout = 2 * time.Second
	return cfg
}

func TestProcessBatchSuccess(t *testing.T) {
	type received struct {
		timestamp string
		signature string
		body      []byte
		userAgent string
	}
	var (
		mu   sync.Mutex
		reqs []received
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, received{
			timestamp: r.Header.Get("X-Timestamp"),
			signature: r.Header.Get("X-Signature"),
			body:      body,
			userAgent: r.Header.Get("User-Agent"),
		})
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := &fakeStore{jobs: []store.Job{
		{ID: 1, RouteID: 10, Payload: `{"event":"bounce"}`, Attempts: 0, URL: srv.URL, Secret: "s3cret"},
	}}

	w := New(fs, testConfig())
	require.NoError(t, w.runIteration(context.Background()))

	assert.Equal(t, []int64{1}, fs.delivered)
	assert.Empty(t, fs.retries)

	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, `{"event":"bounce"}`, string(got.body))
	assert.Contains(t, got.userAgent, "bouncehook/")
	assert.True(t, Verify([]byte("s3cret"), got.timestamp, got.body, got.signature),
		"signature must verify against the exact body and timestamp sent")
}

func TestDeliveryFailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "subscriber exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := &fakeStore{jobs: []store.Job{
		{ID: 7, RouteID: 10, Payload: "p", Attempts: 0, URL: srv.URL, Secret: "s"},
	}}

	before := time.Now()
	w := New(fs, testConfig())
	require.NoError(t, w.runIteration(context.Background()))

	assert.Empty(t, fs.delivered)
	require.Len(t, fs.retries, 1)

	r := fs.retries[0]
	assert.Equal(t, int64(7), r.id)
	assert.Equal(t, 1, r.attempts)
	assert.False(t, r.expired)
	assert.Contains(t, r.lastError, "500")
	assert.Contains(t, r.lastError, "subscriber exploded")

	// First retry waits 2^1 = 2 minutes.
	delay := r.nextAttemptAt.Sub(before)
	assert.InDelta(t, (2 * time.Minute).Seconds(), delay.Seconds(), 5)
}

func TestTransportFailureSchedulesRetry(t *testing.T) {
	// Nothing listens here; connection is refused immediately.
	fs := &fakeStore{jobs: []store.Job{
		{ID: 3, RouteID: 1, Payload: "p", Attempts: 4, URL: "http://127.0.0.1:1", Secret: "s"},
	}}

	w := New(fs, testConfig())
	require.NoError(t, w.runIteration(context.Background()))

	require.Len(t, fs.retries, 1)
	r := fs.retries[0]
	assert.Equal(t, 5, r.attempts)
	assert.NotEmpty(t, r.lastError)
}

func TestRetryExhaustionExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 3
	fs := &fakeStore{jobs: []store.Job{
		{ID: 9, RouteID: 1, Payload: "p", Attempts: 2, URL: srv.URL, Secret: "s"},
	}}

	w := New(fs, cfg)
	require.NoError(t, w.runIteration(context.Background()))

	require.Len(t, fs.retries, 1)
	assert.True(t, fs.retries[0].expired)
	assert.Equal(t, 3, fs.retries[0].attempts)
}

func TestZeroMaxRetriesNeverExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 0
	fs := &fakeStore{jobs: []store.Job{
		{ID: 4, RouteID: 1, Payload: "p", Attempts: 9000, URL: srv.URL, Secret: "s"},
	}}

	w := New(fs, cfg)
	require.NoError(t, w.runIteration(context.Background()))

	require.Len(t, fs.retries, 1)
	assert.False(t, fs.retries[0].expired)
	assert.Equal(t, 9001, fs.retries[0].attempts)
}

func TestBackoffMinutes(t *testing.T) {
	expected := []int{2, 4, 8, 16, 30, 30, 30, 30, 30, 30}
	prev := 0
	for attempts := 1; attempts <= 10; attempts++ {
		got := backoffMinutes(attempts, 30)
		assert.Equal(t, expected[attempts-1], got, "attempts=%d", attempts)
		assert.GreaterOrEqual(t, got, prev, "backoff must be monotonically non-decreasing")
		prev = got
	}

	// Very large attempt counts stay clamped instead of overflowing.
	assert.Equal(t, 30, backoffMinutes(9001, 30))
}

func TestCircuitBreakerShedsAfterConsecutiveFailures(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	jobs := make([]store.Job, 8)
	for i := range jobs {
		jobs[i] = store.Job{ID: int64(i + 1), RouteID: 1, Payload: "p", URL: srv.URL, Secret: "s"}
	}
	fs := &fakeStore{jobs: jobs}

	w := New(fs, testConfig())
	require.NoError(t, w.runIteration(context.Background()))

	// The breaker opens after five consecutive failures; later jobs in the
	// batch fail fast without an HTTP call but still get rescheduled.
	mu.Lock()
	assert.Equal(t, 5, calls)
	mu.Unlock()
	assert.Len(t, fs.retries, 8)
}

func TestClaimFailureAbortsIteration(t *testing.T) {
	fs := &fakeStore{claimErr: assert.AnError}
	w := New(fs, testConfig())
	err := w.runIteration(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRunStopsOnCancel(t *testing.T) {
	fs := &fakeStore{}
	w := New(fs, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "graceful cancellation is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
