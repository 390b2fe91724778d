package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insights/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id           BIGSERIAL PRIMARY KEY,
	location     TEXT        NOT NULL,
	source       TEXT        NOT NULL,
	observed_at  TIMESTAMPTZ NOT NULL,
	utc_offset   INTEGER     NOT NULL DEFAULT 0,
	collected_at TIMESTAMPTZ NOT NULL,
	metrics      JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS observations_location_observed_at_idx
	ON observations (location, observed_at);
`

const insertObservation = `
INSERT INTO observations (location, source, observed_at, utc_offset, collected_at, metrics)
VALUES ($1, $2, $3, $4, $5, $6)`

const selectObservations = `
SELECT location, source, observed_at, utc_offset, collected_at, metrics
FROM observations
WHERE location = $1
  AND ($2::timestamptz IS NULL OR observed_at >= $2)
  AND ($3::timestamptz IS NULL OR observed_at <= $3)
ORDER BY observed_at, id`

// PostgresConfig holds connection pool settings for PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore persists records in a PostgreSQL table. Safe for concurrent use.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

type observationRow struct {
	Location    string    `db:"location"`
	Source      string    `db:"source"`
	ObservedAt  time.Time `db:"observed_at"`
	UTCOffset   int       `db:"utc_offset"`
	CollectedAt time.Time `db:"collected_at"`
	Metrics     []byte    `db:"metrics"`
}

// NewPostgresStore opens a connection pool, verifies it and creates the schema if missing.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("postgres storage ready",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) fail(op string, err error) error {
	return &Error{Op: op, Backend: BackendPostgres, Err: err}
}

// Put implements Store.Put. All records of one call are written in a single transaction.
func (s *PostgresStore) Put(ctx context.Context, location string, obs []models.RawObservation) error {
	if len(obs) == 0 {
		return nil
	}
	recs := stamp(location, obs, s.now())
	key := locationKey(location)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.fail("put", fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, insertObservation)
	if err != nil {
		return s.fail("put", fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	for _, r := range recs {
		raw, err := json.Marshal(r.Values)
		if err != nil {
			return s.fail("put", fmt.Errorf("encode metrics: %w", err))
		}
		_, offset := r.Timestamp.Zone()
		if _, err := stmt.ExecContext(ctx, key, string(r.Source), r.Timestamp, offset, r.CollectedAt, string(raw)); err != nil {
			return s.fail("put", fmt.Errorf("insert: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return s.fail("put", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Query implements Store.Query. Timestamps are returned in the zone they were collected in.
func (s *PostgresStore) Query(ctx context.Context, location string, tf Timeframe) ([]models.PersistedRecord, error) {
	var rows []observationRow
	err := s.db.SelectContext(ctx, &rows, selectObservations,
		locationKey(location), nullTime(tf.From), nullTime(tf.To))
	if err != nil {
		s.logger.Error("observation query failed", zap.String("location", location), zap.Error(err))
		return nil, s.fail("query", err)
	}

	out := make([]models.PersistedRecord, 0, len(rows))
	for _, row := range rows {
		var values map[models.Metric]*float64
		if err := json.Unmarshal(row.Metrics, &values); err != nil {
			return nil, s.fail("query", fmt.Errorf("decode metrics: %w", err))
		}
		zone := time.FixedZone("", row.UTCOffset)
		out = append(out, models.PersistedRecord{
			RawObservation: models.RawObservation{
				Location:  location,
				Timestamp: row.ObservedAt.In(zone),
				Source:    models.Source(row.Source),
				Values:    values,
			},
			CollectedAt: row.CollectedAt,
		})
	}
	return out, nil
}

// Ping checks database reachability. Used for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool. Call during shutdown.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
