package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on top of database/sql. The backend is chosen
// from the database URL scheme when the connection is opened.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// Open connects to the database identified by rawURL and verifies the
// connection with a ping.
func Open(ctx context.Context, rawURL string) (*SQLStore, error) {
	driver, dsn, dialect, err := resolveURL(rawURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// SQLite supports only one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := slog.Default().With("component", "store", "backend", dialect.Name())
	logger.Debug("connected to database")

	return &SQLStore{db: db, dialect: dialect, logger: logger}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return ErrNotConnected
	}
	return s.db.Close()
}

// MatchRoutes returns the active routes matching the domain and either the
// exact local part or a NULL local part (catch-all). Both kinds may match at
// once; the caller enqueues one entry per route.
func (s *SQLStore) MatchRoutes(ctx context.Context, domain, localPart string) ([]Route, error) {
	query := s.dialect.Rebind(`
		SELECT id, domain, local_part, url, secret_token, is_active
		FROM email_routes
		WHERE domain = ? AND (local_part = ? OR local_part IS NULL) AND is_active = ?`)

	rows, err := s.db.QueryContext(ctx, query, domain, localPart, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load applicable routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.ID, &r.Domain, &r.LocalPart, &r.URL, &r.Secret, &r.Active); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// Enqueue inserts a new queue entry that is due immediately.
func (s *SQLStore) Enqueue(ctx context.Context, routeID int64, payload string) (int64, error) {
	now := time.Now().UTC()

	if s.dialect.SupportsReturning() {
		query := s.dialect.Rebind(`
			INSERT INTO webhook_queue (email_route_id, payload, attempts, next_attempt_at, is_expired, created_at)
			VALUES (?, ?, 0, ?, ?, ?) RETURNING id`)
		var id int64
		err := s.db.QueryRowContext(ctx, query, routeID, payload, now, false, now).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert queue entry: %w", err)
		}
		return id, nil
	}

	query := s.dialect.Rebind(`
		INSERT INTO webhook_queue (email_route_id, payload, attempts, next_attempt_at, is_expired, created_at)
		VALUES (?, ?, 0, ?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query, routeID, payload, now, false, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue entry id: %w", err)
	}
	return id, nil
}

// ClaimReady returns up to limit due entries, oldest-due first. The route
// join supplies the delivery URL and secret at claim time, so entries whose
// route has been deactivated or removed are silently skipped.
func (s *SQLStore) ClaimReady(ctx context.Context, limit int) ([]Job, error) {
	query := s.dialect.Rebind(`
		SELECT q.id, q.email_route_id, q.payload, q.attempts, r.url, r.secret_token
		FROM webhook_queue q
		LEFT JOIN email_routes r ON q.email_route_id = r.id
		WHERE q.next_attempt_at <= ? AND q.is_expired = ? AND r.is_active = ?
		ORDER BY q.next_attempt_at ASC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, time.Now().UTC(), false, true, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entries: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.RouteID, &j.Payload, &j.Attempts, &j.URL, &j.Secret); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListEntries returns queue entries for inspection, newest first. It is an
// administrative operation and is not part of the Store interface.
func (s *SQLStore) ListEntries(ctx context.Context, includeExpired bool, limit int) ([]QueueEntry, error) {
	query := `
		SELECT id, email_route_id, payload, attempts, next_attempt_at, last_error, is_expired, created_at
		FROM webhook_queue`
	args := []any{}
	if !includeExpired {
		query += ` WHERE is_expired = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entries: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.RouteID, &e.Payload, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.Expired, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkDelivered removes a delivered entry. Deleting an entry that is already
// gone is not an error.
func (s *SQLStore) MarkDelivered(ctx context.Context, id int64) error {
	query := s.dialect.Rebind(`DELETE FROM webhook_queue WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete queue entry %d: %w", id, err)
	}
	return nil
}

// MarkRetry updates the retry bookkeeping for a failed attempt in one
// statement.
func (s *SQLStore) MarkRetry(ctx context.Context, id int64, attempts int, lastError string, expired bool, nextAttemptAt time.Time) error {
	query := s.dialect.Rebind(`
		UPDATE webhook_queue
		SET attempts = ?, last_error = ?, is_expired = ?, next_attempt_at = ?
		WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, attempts, lastError, expired, nextAttemptAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	return nil
}
