// Package worker implements the webhook delivery loop: claim due queue
// entries, sign and POST them, and apply the retry/backoff/expiry policy.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/busybox42/bouncehook/internal/metrics"
	"github.com/busybox42/bouncehook/internal/store"
)

// maxErrorBody bounds how much of a failing response body is kept as the
// diagnostic in last_error.
const maxErrorBody = 2048

// Config holds the delivery worker settings.
type Config struct {
	Interval        time.Duration
	BatchSize       int
	HTTPTimeout     time.Duration
	MaxRetries      int // <= 0 disables expiry (infinite retry)
	MaxDelayMinutes int
	UserAgent       string
}

// DefaultConfig returns sensible defaults, matching the documented
// configuration defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		BatchSize:       50,
		HTTPTimeout:     60 * time.Second,
		MaxRetries:      50,
		MaxDelayMinutes: 30,
		UserAgent:       "bouncehook/dev",
	}
}

// Worker polls the queue store and delivers claimed entries sequentially.
// A single active worker per store is assumed; two workers against the same
// store can deliver the same entry twice.
type Worker struct {
	store   store.Store
	config  Config
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a delivery worker.
func New(st store.Store, config Config) *Worker {
	return &Worker{
		store:  st,
		config: config,
		client: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		logger:   slog.Default().With("component", "worker"),
		metrics:  metrics.Get(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run executes the delivery loop until ctx is cancelled. Cancellation is
// observed between iterations only: the current iteration, including any
// in-flight HTTP call, always runs to completion. Storage failures abort the
// iteration and are retried on the next tick; they never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"interval", w.config.Interval,
		"batch_size", w.config.BatchSize,
		"max_retries", w.config.MaxRetries)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return nil
		case <-ticker.C:
		}

		if err := w.runIteration(context.WithoutCancel(ctx)); err != nil {
			w.metrics.StorageErrors.Inc()
			w.logger.Error("iteration aborted", "error", err)
		}
	}
}

// runIteration claims one batch and processes it sequentially. The batch
// size doubles as flow control against downstream endpoints.
func (w *Worker) runIteration(ctx context.Context) error {
	jobs, err := w.store.ClaimReady(ctx, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim queue entries: %w", err)
	}

	w.metrics.QueueClaimed.Set(float64(len(jobs)))
	if len(jobs) > 0 {
		w.logger.Debug("found jobs to process", "count", len(jobs))
	}

	for _, job := range jobs {
		if err := w.processJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// processJob delivers one entry and records the outcome. Only storage
// failures are returned; delivery failures feed the retry policy.
func (w *Worker) processJob(ctx context.Context, job store.Job) error {
	start := time.Now()
	err := w.deliver(ctx, job)
	w.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		w.metrics.WebhooksDelivered.Inc()
		w.logger.Info("delivered webhook", "entry_id", job.ID, "url", job.URL)
		return w.store.MarkDelivered(ctx, job.ID)
	}

	w.metrics.WebhooksFailed.Inc()
	return w.reschedule(ctx, job, err)
}

// deliver signs the payload and POSTs it to the route endpoint. A non-2xx
// response, a transport failure or an open circuit breaker all count as a
// delivery failure.
func (w *Worker) deliver(ctx context.Context, job store.Job) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := Sign([]byte(job.Secret), timestamp, []byte(job.Payload))

	_, err := w.breaker(job.URL).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, strings.NewReader(job.Payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build request for %s: %w", job.URL, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Timestamp", timestamp)
		req.Header.Set("X-Signature", signature)
		req.Header.Set("User-Agent", w.config.UserAgent)
		req.Header.Set("X-Delivery-Id", uuid.NewString())

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to call webhook url %s: %w", job.URL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return nil, nil
	})
	return err
}

// reschedule applies the backoff/expiry policy after a failed attempt.
// Expiry is terminal but the row is kept so operators can inspect exhausted
// jobs.
func (w *Worker) reschedule(ctx context.Context, job store.Job, deliveryErr error) error {
	attempts := job.Attempts + 1
	expired := w.config.MaxRetries > 0 && attempts >= w.config.MaxRetries
	delayMinutes := backoffMinutes(attempts, w.config.MaxDelayMinutes)
	nextAttempt := time.Now().UTC().Add(time.Duration(delayMinutes) * time.Minute)

	if expired {
		w.metrics.WebhooksExpired.Inc()
		w.logger.Error("webhook expired after max retries",
			"entry_id", job.ID,
			"attempts", attempts,
			"error", deliveryErr.Error())
	} else {
		w.logger.Warn("webhook failed, scheduling retry",
			"entry_id", job.ID,
			"attempt", attempts,
			"retry_in_minutes", delayMinutes,
			"error", deliveryErr.Error())
	}

	return w.store.MarkRetry(ctx, job.ID, attempts, deliveryErr.Error(), expired, nextAttempt)
}

// backoffMinutes returns min(2^attempts, maxDelay). The first retry waits
// two minutes.
func backoffMinutes(attempts, maxDelay int) int {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 30 {
		return maxDelay
	}
	if d := 1 << attempts; d < maxDelay {
		return d
	}
	return maxDelay
}

// breaker returns the circuit breaker for the endpoint's host, creating it
// on first use. Tripping per host keeps one dead subscriber from burning
// attempts for the others.
func (w *Worker) breaker(endpoint string) *gobreaker.CircuitBreaker {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     w.config.Interval * 2,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			w.logger.Info("circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	w.breakers[host] = cb
	return cb
}
