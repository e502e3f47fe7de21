package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"porsche-tracker/models"
	"porsche-tracker/utils"
)

// PostgresStore persists engine state to PostgreSQL through database/sql.
// driver is "postgres" (lib/pq) or "pgx" (pgx stdlib).
type PostgresStore struct {
	db     *sql.DB
	logger *utils.Logger
}

// NewPostgresStore opens a connection, waits for the server to answer,
// runs schema migrations and returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, driver, dsn string, logger *utils.Logger) (*PostgresStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	retry := &utils.RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, Logger: logger}
	if err := retry.Do(ctx, "postgres ping", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	ps := &PostgresStore{db: db, logger: logger}
	if err := ps.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	logger.Info("[postgres] Connected (driver %s), schema ready", driver)
	return ps, nil
}

var _ Store = (*PostgresStore)(nil)

func (ps *PostgresStore) migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id             TEXT        PRIMARY KEY,
			make           TEXT        NOT NULL DEFAULT '',
			model          TEXT        NOT NULL,
			trim_level     TEXT        NOT NULL DEFAULT '',
			year           INTEGER     NOT NULL DEFAULT 0,
			price          BIGINT      NOT NULL,
			mileage        INTEGER,
			zip_code       TEXT        NOT NULL DEFAULT '',
			city           TEXT        NOT NULL DEFAULT '',
			state          TEXT        NOT NULL DEFAULT '',
			latitude       DOUBLE PRECISION,
			longitude      DOUBLE PRECISION,
			distance_mi    DOUBLE PRECISION,
			color          TEXT        NOT NULL DEFAULT '',
			interior       TEXT        NOT NULL DEFAULT '',
			condition      TEXT        NOT NULL DEFAULT '',
			transmission   TEXT        NOT NULL DEFAULT '',
			drivetrain     TEXT        NOT NULL DEFAULT '',
			vin            TEXT        NOT NULL DEFAULT '',
			url            TEXT        NOT NULL DEFAULT '',
			dealer_name    TEXT        NOT NULL DEFAULT '',
			first_seen     TIMESTAMPTZ NOT NULL,
			last_seen      TIMESTAMPTZ NOT NULL,
			last_checked   TIMESTAMPTZ,
			status         TEXT        NOT NULL,
			market_value   BIGINT,
			low_confidence BOOLEAN     NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_listings_model  ON listings(model);
		CREATE INDEX IF NOT EXISTS idx_listings_price  ON listings(price);
		CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
		CREATE INDEX IF NOT EXISTS idx_listings_vin    ON listings(vin);

		CREATE TABLE IF NOT EXISTS price_history (
			listing_id  TEXT        NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			price       BIGINT      NOT NULL,
			delta       BIGINT      NOT NULL DEFAULT 0,
			source      TEXT        NOT NULL,
			PRIMARY KEY (listing_id, observed_at)
		);

		CREATE TABLE IF NOT EXISTS scan_snapshots (
			criteria_id TEXT        PRIMARY KEY,
			scanned_at  TIMESTAMPTZ NOT NULL,
			entries     JSONB       NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vin_enrichment (
			vin        TEXT        PRIMARY KEY,
			record     JSONB       NOT NULL,
			quality    DOUBLE PRECISION NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alert_events (
			id          TEXT        PRIMARY KEY,
			dedup_key   TEXT        NOT NULL,
			criteria_id TEXT        NOT NULL,
			listing_id  TEXT        NOT NULL,
			kind        TEXT        NOT NULL,
			status      TEXT        NOT NULL,
			attempts    INTEGER     NOT NULL DEFAULT 0,
			payload     JSONB       NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			sent_at     TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_alert_events_dedup   ON alert_events(dedup_key, sent_at);
		CREATE INDEX IF NOT EXISTS idx_alert_events_created ON alert_events(created_at);

		CREATE TABLE IF NOT EXISTS watch_criteria (
			id      TEXT    PRIMARY KEY,
			active  BOOLEAN NOT NULL,
			payload JSONB   NOT NULL
		);
	`)
	return err
}

const listingColumns = `id, make, model, trim_level, year, price, mileage, zip_code, city, state,
	latitude, longitude, distance_mi, color, interior, condition, transmission, drivetrain,
	vin, url, dealer_name, first_seen, last_seen, last_checked, status, market_value, low_confidence`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (models.Listing, error) {
	var (
		l              models.Listing
		mileage        sql.NullInt64
		lat, lon, dist sql.NullFloat64
		lastChecked    sql.NullTime
		marketValue    sql.NullInt64
		status         string
	)
	err := row.Scan(
		&l.ID, &l.Make, &l.Model, &l.Trim, &l.Year, &l.Price, &mileage,
		&l.Location.ZipCode, &l.Location.City, &l.Location.State,
		&lat, &lon, &dist, &l.Color, &l.Interior, &l.Condition, &l.Transmission, &l.Drivetrain,
		&l.VIN, &l.URL, &l.DealerName, &l.FirstSeen, &l.LastSeen, &lastChecked, &status,
		&marketValue, &l.LowConfidence,
	)
	if err != nil {
		return l, err
	}
	l.Status = models.ListingStatus(status)
	if mileage.Valid {
		m := int(mileage.Int64)
		l.Mileage = &m
	}
	l.Location.Latitude = nullFloat(lat)
	l.Location.Longitude = nullFloat(lon)
	l.DistanceMi = nullFloat(dist)
	if lastChecked.Valid {
		l.LastChecked = lastChecked.Time
	}
	if marketValue.Valid {
		mv := marketValue.Int64
		l.MarketValue = &mv
	}
	return l, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (ps *PostgresStore) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	row := ps.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get listing %s: %w", id, err)
	}
	return &l, nil
}

func (ps *PostgresStore) UpsertListing(ctx context.Context, l models.Listing) error {
	var mileage, marketValue any
	if l.Mileage != nil {
		mileage = *l.Mileage
	}
	if l.MarketValue != nil {
		marketValue = *l.MarketValue
	}
	var lastChecked any
	if !l.LastChecked.IsZero() {
		lastChecked = l.LastChecked
	}

	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
		ON CONFLICT (id) DO UPDATE SET
			make = EXCLUDED.make, model = EXCLUDED.model, trim_level = EXCLUDED.trim_level, year = EXCLUDED.year,
			price = EXCLUDED.price, mileage = EXCLUDED.mileage, zip_code = EXCLUDED.zip_code,
			city = EXCLUDED.city, state = EXCLUDED.state, latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude, distance_mi = EXCLUDED.distance_mi, color = EXCLUDED.color,
			interior = EXCLUDED.interior, condition = EXCLUDED.condition,
			transmission = EXCLUDED.transmission, drivetrain = EXCLUDED.drivetrain, vin = EXCLUDED.vin,
			url = EXCLUDED.url, dealer_name = EXCLUDED.dealer_name, last_seen = EXCLUDED.last_seen,
			last_checked = EXCLUDED.last_checked, status = EXCLUDED.status,
			market_value = EXCLUDED.market_value, low_confidence = EXCLUDED.low_confidence
	`,
		l.ID, l.Make, l.Model, l.Trim, l.Year, l.Price, mileage,
		l.Location.ZipCode, l.Location.City, l.Location.State,
		l.Location.Latitude, l.Location.Longitude, l.DistanceMi,
		l.Color, l.Interior, l.Condition, l.Transmission, l.Drivetrain,
		l.VIN, l.URL, l.DealerName, l.FirstSeen, l.LastSeen, lastChecked, string(l.Status),
		marketValue, l.LowConfidence,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert listing %s: %w", l.ID, err)
	}
	return nil
}

func (ps *PostgresStore) ListListings(ctx context.Context) ([]models.Listing, error) {
	rows, err := ps.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (ps *PostgresStore) AppendPriceHistory(ctx context.Context, e models.PriceHistoryEntry) error {
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO price_history (listing_id, observed_at, price, delta, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (listing_id, observed_at) DO NOTHING
	`, e.ListingID, e.ObservedAt, e.Price, e.Delta, string(e.Source))
	if err != nil {
		return fmt.Errorf("postgres: append price history %s: %w", e.ListingID, err)
	}
	return nil
}

func (ps *PostgresStore) LatestPriceEntry(ctx context.Context, listingID string) (*models.PriceHistoryEntry, error) {
	var (
		e      models.PriceHistoryEntry
		source string
	)
	err := ps.db.QueryRowContext(ctx, `
		SELECT listing_id, observed_at, price, delta, source
		FROM price_history WHERE listing_id = $1
		ORDER BY observed_at DESC LIMIT 1
	`, listingID).Scan(&e.ListingID, &e.ObservedAt, &e.Price, &e.Delta, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: latest price %s: %w", listingID, err)
	}
	e.Source = models.ObservationSource(source)
	return &e, nil
}

func (ps *PostgresStore) PriceHistory(ctx context.Context, listingID string) ([]models.PriceHistoryEntry, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT listing_id, observed_at, price, delta, source
		FROM price_history WHERE listing_id = $1
		ORDER BY observed_at
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: price history %s: %w", listingID, err)
	}
	defer rows.Close()

	var entries []models.PriceHistoryEntry
	for rows.Next() {
		var (
			e      models.PriceHistoryEntry
			source string
		)
		if err := rows.Scan(&e.ListingID, &e.ObservedAt, &e.Price, &e.Delta, &source); err != nil {
			return nil, fmt.Errorf("postgres: scan price row: %w", err)
		}
		e.Source = models.ObservationSource(source)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (ps *PostgresStore) GetPreviousScan(ctx context.Context, criteriaID string) (*models.ScanSnapshot, error) {
	snap := models.NewScanSnapshot(criteriaID)
	var entries []byte
	err := ps.db.QueryRowContext(ctx,
		`SELECT scanned_at, entries FROM scan_snapshots WHERE criteria_id = $1`, criteriaID,
	).Scan(&snap.ScannedAt, &entries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get scan %s: %w", criteriaID, err)
	}
	if err := json.Unmarshal(entries, &snap.Entries); err != nil {
		return nil, fmt.Errorf("postgres: decode scan %s: %w", criteriaID, err)
	}
	return snap, nil
}

func (ps *PostgresStore) SaveScan(ctx context.Context, snap *models.ScanSnapshot) error {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("postgres: encode scan: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO scan_snapshots (criteria_id, scanned_at, entries)
		VALUES ($1, $2, $3)
		ON CONFLICT (criteria_id) DO UPDATE SET scanned_at = EXCLUDED.scanned_at, entries = EXCLUDED.entries
	`, snap.CriteriaID, snap.ScannedAt, entries)
	if err != nil {
		return fmt.Errorf("postgres: save scan %s: %w", snap.CriteriaID, err)
	}
	return nil
}

func (ps *PostgresStore) GetCachedEnrichment(ctx context.Context, vin string) (*models.VinEnrichmentRecord, error) {
	var raw []byte
	err := ps.db.QueryRowContext(ctx, `SELECT record FROM vin_enrichment WHERE vin = $1`, vin).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get enrichment %s: %w", vin, err)
	}
	var rec models.VinEnrichmentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("postgres: decode enrichment %s: %w", vin, err)
	}
	return &rec, nil
}

func (ps *PostgresStore) SaveEnrichment(ctx context.Context, rec *models.VinEnrichmentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: encode enrichment: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO vin_enrichment (vin, record, quality, fetched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vin) DO UPDATE SET
			record = EXCLUDED.record, quality = EXCLUDED.quality, fetched_at = EXCLUDED.fetched_at
	`, rec.VIN, raw, rec.Quality, rec.FetchedAt)
	if err != nil {
		return fmt.Errorf("postgres: save enrichment %s: %w", rec.VIN, err)
	}
	return nil
}

func (ps *PostgresStore) RecordSentAlert(ctx context.Context, ev *models.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("postgres: encode alert: %w", err)
	}
	var sentAt any
	if !ev.SentAt.IsZero() {
		sentAt = ev.SentAt
	}
	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO alert_events (id, dedup_key, criteria_id, listing_id, kind, status, attempts, payload, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			payload = EXCLUDED.payload, sent_at = EXCLUDED.sent_at
	`, ev.ID, ev.DedupKey, ev.CriteriaID, ev.ListingID, string(ev.Kind), string(ev.Status),
		ev.Attempts, payload, ev.CreatedAt, sentAt)
	if err != nil {
		return fmt.Errorf("postgres: record alert %s: %w", ev.DedupKey, err)
	}
	return nil
}

func (ps *PostgresStore) WasAlertSentRecently(ctx context.Context, dedupKey string, window time.Duration, now time.Time) (bool, error) {
	var exists bool
	err := ps.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM alert_events
			WHERE dedup_key = $1 AND status = $2 AND sent_at > $3
		)
	`, dedupKey, string(models.AlertSent), now.Add(-window)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: alert lookup %s: %w", dedupKey, err)
	}
	return exists, nil
}

func (ps *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	return ps.queryAlerts(ctx, `SELECT payload FROM alert_events ORDER BY created_at DESC LIMIT $1`, limit)
}

func (ps *PostgresStore) FailedAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	return ps.queryAlerts(ctx,
		`SELECT payload FROM alert_events WHERE status = '`+string(models.AlertFailed)+`' ORDER BY created_at DESC LIMIT $1`,
		limit)
}

func (ps *PostgresStore) queryAlerts(ctx context.Context, query string, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ps.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query alerts: %w", err)
	}
	defer rows.Close()

	var events []models.AlertEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan alert row: %w", err)
		}
		var ev models.AlertEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("postgres: decode alert: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (ps *PostgresStore) GetCriteria(ctx context.Context, id string) (*models.WatchCriteria, error) {
	var raw []byte
	err := ps.db.QueryRowContext(ctx, `SELECT payload FROM watch_criteria WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get criteria %s: %w", id, err)
	}
	var c models.WatchCriteria
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("postgres: decode criteria %s: %w", id, err)
	}
	return &c, nil
}

func (ps *PostgresStore) ListActiveCriteria(ctx context.Context) ([]models.WatchCriteria, error) {
	rows, err := ps.db.QueryContext(ctx, `SELECT payload FROM watch_criteria WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list criteria: %w", err)
	}
	defer rows.Close()

	var out []models.WatchCriteria
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan criteria row: %w", err)
		}
		var c models.WatchCriteria
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("postgres: decode criteria: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) SaveCriteria(ctx context.Context, c models.WatchCriteria) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("postgres: encode criteria: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO watch_criteria (id, active, payload) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, payload = EXCLUDED.payload
	`, c.ID, c.Active, raw)
	if err != nil {
		return fmt.Errorf("postgres: save criteria %s: %w", c.ID, err)
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}
