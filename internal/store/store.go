package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrNotConnected = errors.New("not connected to store")
)

// Route represents a webhook subscription for a domain or a single mailbox.
// A route with a NULL local part is a catch-all for its domain.
type Route struct {
	ID        int64
	Domain    string
	LocalPart sql.NullString
	URL       string
	Secret    string
	Active    bool
}

// QueueEntry is one pending or exhausted webhook delivery.
type QueueEntry struct {
	ID            int64
	RouteID       int64
	Payload       string
	Attempts      int
	NextAttemptAt time.Time
	LastError     sql.NullString
	Expired       bool
	CreatedAt     time.Time
}

// Job is a claimed queue entry joined with the route fields needed to
// deliver it. The join happens at claim time so a route deactivated after
// enqueue is never delivered.
type Job struct {
	ID       int64
	RouteID  int64
	Payload  string
	Attempts int
	URL      string
	Secret   string
}

// Store defines the queue storage interface consumed by the ingestion
// pipeline and the delivery worker.
type Store interface {
	// InitSchema idempotently creates tables and indexes.
	InitSchema(ctx context.Context) error

	// MatchRoutes returns all active routes for the domain whose local part
	// either equals localPart or is NULL (catch-all).
	MatchRoutes(ctx context.Context, domain, localPart string) ([]Route, error)

	// Enqueue inserts a new entry with zero attempts, due immediately.
	Enqueue(ctx context.Context, routeID int64, payload string) (int64, error)

	// ClaimReady returns up to limit due, non-expired entries whose route is
	// still active, oldest-due first.
	ClaimReady(ctx context.Context, limit int) ([]Job, error)

	// MarkDelivered removes a successfully delivered entry.
	MarkDelivered(ctx context.Context, id int64) error

	// MarkRetry records a failed attempt: counter, diagnostic, expiry flag
	// and the next time the entry becomes claimable.
	MarkRetry(ctx context.Context, id int64, attempts int, lastError string, expired bool, nextAttemptAt time.Time) error

	// Close closes the underlying connection.
	Close() error
}
