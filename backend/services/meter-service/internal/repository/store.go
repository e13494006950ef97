package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"watermeter/backend/services/meter-service/internal/models"
)

// ErrNotFound is returned when a counter row does not exist.
var ErrNotFound = errors.New("repository: not found")

// Querier is the set of statements available both on the store and inside a transaction.
type Querier interface {
	// CreateCounterIfAbsent returns the id of the counter named name, inserting it with a
	// zero value when missing. Concurrent callers converge on one row.
	CreateCounterIfAbsent(ctx context.Context, name string) (int64, error)
	GetCounter(ctx context.Context, id int64) (models.Counter, error)
	// LockCounter reads the counter and holds a row lock until the transaction ends.
	LockCounter(ctx context.Context, id int64) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	InsertPulse(ctx context.Context, counterID int64, recordedAt time.Time) (models.PulseLogEntry, error)
	// IncrementCounter adds delta to the stored value and returns the new value.
	IncrementCounter(ctx context.Context, id int64, delta float64, at time.Time) (float64, error)
	SetCounterValue(ctx context.Context, id int64, value float64, at time.Time) error
	DeletePulses(ctx context.Context, counterID int64) (int64, error)
	// CountPulses counts entries with start <= recorded_at <= end.
	CountPulses(ctx context.Context, counterID int64, start, end time.Time) (int64, error)
	ListPulses(ctx context.Context, counterID int64, limit int) ([]models.PulseLogEntry, error)
	// PulseTotals returns one row per counter, including counters without pulses,
	// counting pulses recorded within [since, until].
	PulseTotals(ctx context.Context, since, until time.Time) ([]models.PulseTotal, error)
	HourlyPulses(ctx context.Context, since, until time.Time) ([]models.PulseBucket, error)
}

// TxOptions configures a transaction started by InTx.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// Store is the durable counter and pulse log storage.
type Store interface {
	Querier
	// InTx runs fn inside a transaction. The transaction is committed when fn returns nil
	// and rolled back otherwise, including when fn panics.
	InTx(ctx context.Context, fn func(Querier) error, opts *TxOptions) error
	Ping(ctx context.Context) error
	Close() error
}

// ReadOnly is the option set used by multi-statement queries that need one snapshot.
var ReadOnly = &TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

func (o *TxOptions) sql() *sql.TxOptions {
	if o == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: o.Isolation, ReadOnly: o.ReadOnly}
}
