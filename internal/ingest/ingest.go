// Package ingest turns one inbound bounce message into queued webhook
// deliveries, one per matching route.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/bouncehook/internal/dsn"
	"github.com/busybox42/bouncehook/internal/store"
)

// Pipeline parses a raw message, matches routes and enqueues payloads. It is
// invoked once per process run, typically from an MTA pipe.
type Pipeline struct {
	store     store.Store
	delimiter string
	logger    *slog.Logger
}

// New creates an ingestion pipeline. delimiter is the sub-address separator
// stripped from the local part before route matching; empty disables
// stripping.
func New(st store.Store, delimiter string) *Pipeline {
	return &Pipeline{
		store:     st,
		delimiter: delimiter,
		logger:    slog.Default().With("component", "ingest"),
	}
}

// Run processes a single raw message from r. A message that parses but is
// not a bounce, or that matches no route, is a silent no-op. An unparseable
// message or a storage failure is an error.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	logger := p.logger.With("ingest_id", uuid.NewString())

	msg, err := dsn.ReadMessage(r)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	localPart, domain := dsn.TargetAddress(msg, p.delimiter)
	logger.Info("processing message", "domain", domain, "local_part", localPart)

	// The message body streams and can be walked only once, so bounce fields
	// and original-message metadata come out of a single parse.
	bounce, orig, ok := dsn.ParseReport(msg)
	if !ok {
		logger.Warn("message is not a bounce notification, ignoring")
		return nil
	}

	routes, err := p.store.MatchRoutes(ctx, domain, localPart)
	if err != nil {
		return fmt.Errorf("failed to match routes: %w", err)
	}
	if len(routes) == 0 {
		logger.Warn("no active routes found", "domain", domain, "local_part", localPart)
		return nil
	}
	logger.Debug("found matching routes", "count", len(routes))

	payload, err := buildPayload(bounce, orig, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	// Each route's enqueue is independent: a failed insert for one route
	// must not block the others, and is reported per route.
	var errs []error
	for _, route := range routes {
		id, err := p.store.Enqueue(ctx, route.ID, payload)
		if err != nil {
			logger.Error("failed to enqueue webhook", "route_id", route.ID, "error", err)
			errs = append(errs, fmt.Errorf("failed to enqueue for route %d: %w", route.ID, err))
			continue
		}
		logger.Info("queued webhook", "route_id", route.ID, "entry_id", id)
	}
	return errors.Join(errs...)
}

// webhookPayload is the JSON body delivered to subscribers.
type webhookPayload struct {
	Event       string            `json:"event"`
	Timestamp   string            `json:"timestamp"`
	MessageID   *string           `json:"message_id"`
	From        string            `json:"from"`
	Subject     string            `json:"subject"`
	Metadata    map[string]string `json:"metadata"`
	Email       string            `json:"email"`
	Reason      string            `json:"reason"`
	Status      string            `json:"status"`
	Action      string            `json:"action"`
	IsPermanent bool              `json:"is_permanent"`
}

func buildPayload(bounce dsn.BounceInfo, orig dsn.OriginalInfo, now time.Time) (string, error) {
	var messageID *string
	if orig.MessageID != "" {
		messageID = &orig.MessageID
	}

	out, err := json.Marshal(webhookPayload{
		Event:       "bounce",
		Timestamp:   now.Format(time.RFC3339),
		MessageID:   messageID,
		From:        orig.From,
		Subject:     orig.Subject,
		Metadata:    orig.Metadata,
		Email:       bounce.Recipient,
		Reason:      bounce.Reason,
		Status:      bounce.Status,
		Action:      bounce.Action,
		IsPermanent: bounce.IsPermanent(),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
