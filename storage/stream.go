package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"porsche-tracker/models"
	"porsche-tracker/utils"
)

// AlertChannel is the Postgres NOTIFY channel alert events are published on.
const AlertChannel = "tracker_alerts"

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7900

// AlertStream publishes AlertEvents through Postgres LISTEN/NOTIFY so that
// processes other than the engine (dashboard, `alerts tail`) can follow them.
type AlertStream struct {
	pool    *pgxpool.Pool
	channel string
	logger  *utils.Logger
}

// NewAlertStream connects a pgx pool to dsn.
func NewAlertStream(ctx context.Context, dsn string, logger *utils.Logger) (*AlertStream, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("alert stream: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("alert stream: ping: %w", err)
	}
	return &AlertStream{pool: pool, channel: AlertChannel, logger: logger}, nil
}

// Publish sends ev to every listener.
func (s *AlertStream) Publish(ctx context.Context, ev models.AlertEvent) error {
	payload, err := notifyPayload(ev)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, payload); err != nil {
		return fmt.Errorf("alert stream: notify: %w", err)
	}
	return nil
}

// notifyPayload encodes ev, dropping per-channel results and the listing
// detail when the encoding would not fit in a NOTIFY.
func notifyPayload(ev models.AlertEvent) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("alert stream: encode: %w", err)
	}
	if len(raw) < maxNotifyPayload {
		return string(raw), nil
	}

	ev.Results = nil
	ev.Listing = models.Listing{
		ID: ev.Listing.ID, Make: ev.Listing.Make, Model: ev.Listing.Model,
		Trim: ev.Listing.Trim, Year: ev.Listing.Year, Price: ev.Listing.Price, URL: ev.Listing.URL,
	}
	raw, err = json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("alert stream: encode: %w", err)
	}
	return string(raw), nil
}

// Listen blocks, calling fn for every event published on the channel, until
// ctx is done.
func (s *AlertStream) Listen(ctx context.Context, fn func(models.AlertEvent)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("alert stream: acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("alert stream: listen: %w", err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("alert stream: wait: %w", err)
		}
		var ev models.AlertEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			s.logger.Warn("[stream] Dropping undecodable payload: %v", err)
			continue
		}
		fn(ev)
	}
}

// Close releases the pool.
func (s *AlertStream) Close() {
	s.pool.Close()
}
