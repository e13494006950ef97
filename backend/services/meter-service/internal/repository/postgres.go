package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"watermeter/backend/services/meter-service/internal/models"
)

// PostgresStore persists counters and the pulse log in PostgreSQL.
type PostgresStore struct {
	sqlQuerier
	db *sqlx.DB
}

// NewPostgresStore returns store backed by db.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{sqlQuerier: sqlQuerier{db: db}, db: db}
}

// InTx runs fn inside a database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Querier) error, opts *TxOptions) error {
	tx, err := s.db.BeginTxx(ctx, opts.sql())
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit returns ErrTxDone.
		_ = tx.Rollback()
	}()

	if err := fn(&sqlQuerier{db: tx}); err != nil {
		return fmt.Errorf("execute transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type sqlQuerier struct {
	db sqlx.ExtContext
}

func (q *sqlQuerier) CreateCounterIfAbsent(ctx context.Context, name string) (int64, error) {
	const query = `
		INSERT INTO water_counter (name, value)
		VALUES ($1, 0)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`
	var id int64
	if err := q.db.QueryRowxContext(ctx, query, name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (q *sqlQuerier) GetCounter(ctx context.Context, id int64) (models.Counter, error) {
	const query = `
		SELECT id, name, value::float8 AS value, last_time
		FROM water_counter
		WHERE id = $1
	`
	return q.getCounter(ctx, query, id)
}

func (q *sqlQuerier) LockCounter(ctx context.Context, id int64) (models.Counter, error) {
	const query = `
		SELECT id, name, value::float8 AS value, last_time
		FROM water_counter
		WHERE id = $1
		FOR UPDATE
	`
	return q.getCounter(ctx, query, id)
}

func (q *sqlQuerier) getCounter(ctx context.Context, query string, id int64) (models.Counter, error) {
	var c models.Counter
	if err := sqlx.GetContext(ctx, q.db, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Counter{}, ErrNotFound
		}
		return models.Counter{}, err
	}
	return normalizeCounter(c), nil
}

func (q *sqlQuerier) ListCounters(ctx context.Context) ([]models.Counter, error) {
	const query = `
		SELECT id, name, value::float8 AS value, last_time
		FROM water_counter
		ORDER BY id
	`
	var counters []models.Counter
	if err := sqlx.SelectContext(ctx, q.db, &counters, query); err != nil {
		return nil, err
	}
	for i := range counters {
		counters[i] = normalizeCounter(counters[i])
	}
	return counters, nil
}

func (q *sqlQuerier) InsertPulse(ctx context.Context, counterID int64, recordedAt time.Time) (models.PulseLogEntry, error) {
	const query = `
		INSERT INTO water_meter_log (counter_id, recorded_at)
		VALUES ($1, $2)
		RETURNING id, counter_id, recorded_at
	`
	var entry models.PulseLogEntry
	if err := sqlx.GetContext(ctx, q.db, &entry, query, counterID, recordedAt.UTC()); err != nil {
		return models.PulseLogEntry{}, err
	}
	entry.RecordedAt = entry.RecordedAt.UTC()
	return entry, nil
}

func (q *sqlQuerier) IncrementCounter(ctx context.Context, id int64, delta float64, at time.Time) (float64, error) {
	const query = `
		UPDATE water_counter
		SET value = value + $2, last_time = $3
		WHERE id = $1
		RETURNING value::float8
	`
	var value float64
	if err := q.db.QueryRowxContext(ctx, query, id, delta, at.UTC()).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return value, nil
}

func (q *sqlQuerier) SetCounterValue(ctx context.Context, id int64, value float64, at time.Time) error {
	const query = `
		UPDATE water_counter
		SET value = $2, last_time = $3
		WHERE id = $1
	`
	res, err := q.db.ExecContext(ctx, query, id, value, at.UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *sqlQuerier) DeletePulses(ctx context.Context, counterID int64) (int64, error) {
	const query = `DELETE FROM water_meter_log WHERE counter_id = $1`
	res, err := q.db.ExecContext(ctx, query, counterID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *sqlQuerier) CountPulses(ctx context.Context, counterID int64, start, end time.Time) (int64, error) {
	const query = `
		SELECT COUNT(*)
		FROM water_meter_log
		WHERE counter_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
	`
	var n int64
	if err := q.db.QueryRowxContext(ctx, query, counterID, start.UTC(), end.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *sqlQuerier) ListPulses(ctx context.Context, counterID int64, limit int) ([]models.PulseLogEntry, error) {
	const query = `
		SELECT id, counter_id, recorded_at
		FROM water_meter_log
		WHERE counter_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`
	var entries []models.PulseLogEntry
	if err := sqlx.SelectContext(ctx, q.db, &entries, query, counterID, limit); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].RecordedAt = entries[i].RecordedAt.UTC()
	}
	return entries, nil
}

func (q *sqlQuerier) PulseTotals(ctx context.Context, since, until time.Time) ([]models.PulseTotal, error) {
	const query = `
		SELECT c.id AS counter_id, c.name AS counter_name, COUNT(l.id) AS pulses
		FROM water_counter c
		LEFT JOIN water_meter_log l ON l.counter_id = c.id
			AND l.recorded_at >= $1 AND l.recorded_at <= $2
		GROUP BY c.id, c.name
		ORDER BY c.id
	`
	var totals []models.PulseTotal
	if err := sqlx.SelectContext(ctx, q.db, &totals, query, since.UTC(), until.UTC()); err != nil {
		return nil, err
	}
	return totals, nil
}

func (q *sqlQuerier) HourlyPulses(ctx context.Context, since, until time.Time) ([]models.PulseBucket, error) {
	const query = `
		SELECT l.counter_id, c.name AS counter_name,
		       date_trunc('hour', l.recorded_at, 'UTC') AS bucket,
		       COUNT(*) AS pulses
		FROM water_meter_log l
		JOIN water_counter c ON c.id = l.counter_id
		WHERE l.recorded_at >= $1 AND l.recorded_at <= $2
		GROUP BY l.counter_id, c.name, bucket
		ORDER BY bucket, l.counter_id
	`
	var buckets []models.PulseBucket
	if err := sqlx.SelectContext(ctx, q.db, &buckets, query, since.UTC(), until.UTC()); err != nil {
		return nil, err
	}
	for i := range buckets {
		buckets[i].Bucket = buckets[i].Bucket.UTC()
	}
	return buckets, nil
}

func normalizeCounter(c models.Counter) models.Counter {
	if c.LastTime != nil {
		t := c.LastTime.UTC()
		c.LastTime = &t
	}
	return c
}
