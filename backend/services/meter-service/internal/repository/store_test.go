package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	libdb "watermeter/backend/libs/db"
	meterdb "watermeter/backend/services/meter-service/internal/db"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// storeFactories returns every store implementation available in this environment.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}
	if dsn := os.Getenv("METER_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store { return newPostgresForTest(t, dsn) }
	}
	return factories
}

func newPostgresForTest(t *testing.T, dsn string) Store {
	t.Helper()
	ctx := context.Background()
	db, err := libdb.NewPostgresDB(ctx, dsn, libdb.PoolOptions{})
	require.NoError(t, err)
	require.NoError(t, meterdb.Migrate(ctx, dsn))
	_, err = db.ExecContext(ctx, `TRUNCATE water_meter_log, water_counter RESTART IDENTITY`)
	require.NoError(t, err)
	store := NewPostgresStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestCreateCounterIfAbsentIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)
		second, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)
		other, err := s.CreateCounterIfAbsent(ctx, "Hot water")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.NotEqual(t, first, other)

		counters, err := s.ListCounters(ctx)
		require.NoError(t, err)
		require.Len(t, counters, 2)
		assert.Equal(t, "Cold water", counters[0].Name)
		assert.Zero(t, counters[0].Value)
		assert.Nil(t, counters[0].LastTime)
	})
}

func TestConcurrentCreateCounterIfAbsentConverges(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const workers = 8
		ids := make([]int64, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := s.CreateCounterIfAbsent(ctx, "Garden")
				assert.NoError(t, err)
				ids[i] = id
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		counters, err := s.ListCounters(ctx)
		require.NoError(t, err)
		assert.Len(t, counters, 1)
	})
}

func TestGetCounterMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetCounter(context.Background(), 999)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.IncrementCounter(context.Background(), 999, 0.01, base)
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.SetCounterValue(context.Background(), 999, 0, base)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestInTxCommitsOnSuccess(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)

		err = s.InTx(ctx, func(q Querier) error {
			if _, err := q.LockCounter(ctx, id); err != nil {
				return err
			}
			if _, err := q.InsertPulse(ctx, id, base); err != nil {
				return err
			}
			_, err := q.IncrementCounter(ctx, id, 0.01, base)
			return err
		}, nil)
		require.NoError(t, err)

		c, err := s.GetCounter(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, 0.01, c.Value, 1e-9)
		require.NotNil(t, c.LastTime)
		assert.True(t, c.LastTime.Equal(base))

		n, err := s.CountPulses(ctx, id, base, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestInTxRollsBackOnError(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.InTx(ctx, func(q Querier) error {
			if _, err := q.InsertPulse(ctx, id, base); err != nil {
				return err
			}
			if _, err := q.IncrementCounter(ctx, id, 0.01, base); err != nil {
				return err
			}
			return boom
		}, nil)
		require.ErrorIs(t, err, boom)

		c, err := s.GetCounter(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, c.Value)
		assert.Nil(t, c.LastTime)

		entries, err := s.ListPulses(ctx, id, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestInTxRollsBackOnPanic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)

		assert.Panics(t, func() {
			_ = s.InTx(ctx, func(q Querier) error {
				_, _ = q.InsertPulse(ctx, id, base)
				panic("kaboom")
			}, nil)
		})

		entries, err := s.ListPulses(ctx, id, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)

		// The store must remain usable after the panic.
		_, err = s.InsertPulse(ctx, id, base)
		require.NoError(t, err)
	})
}

func TestCountPulsesWindowIsInclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)
		for _, offset := range []time.Duration{0, 5 * time.Minute, 10 * time.Minute} {
			_, err := s.InsertPulse(ctx, id, base.Add(offset))
			require.NoError(t, err)
		}

		n, err := s.CountPulses(ctx, id, base, base.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = s.CountPulses(ctx, id, base.Add(time.Millisecond), base.Add(10*time.Minute-time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestListPulsesNewestFirstWithLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, err := s.InsertPulse(ctx, id, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, err)
		}

		entries, err := s.ListPulses(ctx, id, 3)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.True(t, entries[0].RecordedAt.Equal(base.Add(4*time.Minute)))
		assert.True(t, entries[2].RecordedAt.Equal(base.Add(2*time.Minute)))
	})
}

func TestDeletePulsesOnlyTouchesOwnCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)
		b, err := s.CreateCounterIfAbsent(ctx, "Hot water")
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err = s.InsertPulse(ctx, a, base)
			require.NoError(t, err)
		}
		_, err = s.InsertPulse(ctx, b, base)
		require.NoError(t, err)

		deleted, err := s.DeletePulses(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, int64(3), deleted)

		left, err := s.CountPulses(ctx, b, base, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), left)
	})
}

func TestPulseTotalsIncludeIdleCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)
		_, err = s.CreateCounterIfAbsent(ctx, "Hot water")
		require.NoError(t, err)
		_, err = s.InsertPulse(ctx, a, base.Add(-2*time.Hour))
		require.NoError(t, err)
		_, err = s.InsertPulse(ctx, a, base.Add(30*time.Minute))
		require.NoError(t, err)

		totals, err := s.PulseTotals(ctx, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, totals, 2)
		assert.Equal(t, "Cold water", totals[0].CounterName)
		assert.Equal(t, int64(1), totals[0].Pulses)
		assert.Equal(t, "Hot water", totals[1].CounterName)
		assert.Zero(t, totals[1].Pulses)
	})
}

func TestPulseTotalsExcludePulsesAfterUntil(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)
		for _, at := range []time.Time{base, base.Add(time.Hour), base.Add(time.Hour + time.Second), base.Add(24 * time.Hour)} {
			_, err = s.InsertPulse(ctx, a, at)
			require.NoError(t, err)
		}

		totals, err := s.PulseTotals(ctx, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, totals, 1)
		assert.Equal(t, int64(2), totals[0].Pulses)

		buckets, err := s.HourlyPulses(ctx, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, buckets, 2)
		assert.Equal(t, int64(1), buckets[0].Pulses)
		assert.True(t, buckets[1].Bucket.Equal(base.Add(time.Hour)))
		assert.Equal(t, int64(1), buckets[1].Pulses)
	})
}

func TestConcurrentPulsesAreNotLost(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)

		const workers = 32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.InTx(ctx, func(q Querier) error {
					if _, err := q.LockCounter(ctx, id); err != nil {
						return err
					}
					entry, err := q.InsertPulse(ctx, id, base)
					if err != nil {
						return err
					}
					_, err = q.IncrementCounter(ctx, id, 0.01, entry.RecordedAt)
					return err
				}, nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := s.CountPulses(ctx, id, base, base)
		require.NoError(t, err)
		assert.Equal(t, int64(workers), n)

		c, err := s.GetCounter(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, workers*0.01, c.Value, 1e-9)
	})
}

func TestHourlyPulsesBuckets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.CreateCounterIfAbsent(ctx, "Cold water")
		require.NoError(t, err)
		for _, offset := range []time.Duration{time.Minute, 20 * time.Minute, 70 * time.Minute} {
			_, err = s.InsertPulse(ctx, a, base.Add(offset))
			require.NoError(t, err)
		}

		buckets, err := s.HourlyPulses(ctx, base, base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, buckets, 2)
		assert.True(t, buckets[0].Bucket.Equal(base))
		assert.Equal(t, int64(2), buckets[0].Pulses)
		assert.True(t, buckets[1].Bucket.Equal(base.Add(time.Hour)))
		assert.Equal(t, int64(1), buckets[1].Pulses)
		assert.Equal(t, "Cold water", buckets[1].CounterName)
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
	_, err := s.ListCounters(context.Background())
	assert.Error(t, err)
}

func TestMemoryStoreHonoursCanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CreateCounterIfAbsent(ctx, "Cold water")
	assert.ErrorIs(t, err, context.Canceled)
}
