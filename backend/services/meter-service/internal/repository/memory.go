package repository

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"watermeter/backend/services/meter-service/internal/models"
)

// MemoryStore keeps counters and pulses in process memory. Transactions are serialized and
// undone on failure, which gives the same visible semantics as the PostgreSQL store for a
// single process.
type MemoryStore struct {
	mu     sync.Mutex
	closed bool

	counters  map[int64]*models.Counter
	byName    map[string]int64
	pulses    []models.PulseLogEntry
	nextID    int64
	nextPulse int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[int64]*models.Counter),
		byName:   make(map[string]int64),
	}
}

var errStoreClosed = errors.New("repository: store closed")

// InTx runs fn with exclusive access to the store and reverts every change when fn fails.
func (s *MemoryStore) InTx(ctx context.Context, fn func(Querier) error, _ *TxOptions) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}

	tx := &memTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

func (s *MemoryStore) autocommit(ctx context.Context, fn func(Querier) error) error {
	return s.InTx(ctx, fn, nil)
}

// Ping reports whether the store is still open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateCounterIfAbsent(ctx context.Context, name string) (id int64, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		id, err = q.CreateCounterIfAbsent(ctx, name)
		return err
	})
	return id, err
}

func (s *MemoryStore) GetCounter(ctx context.Context, id int64) (c models.Counter, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		c, err = q.GetCounter(ctx, id)
		return err
	})
	return c, err
}

func (s *MemoryStore) LockCounter(ctx context.Context, id int64) (models.Counter, error) {
	return s.GetCounter(ctx, id)
}

func (s *MemoryStore) ListCounters(ctx context.Context) (out []models.Counter, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		out, err = q.ListCounters(ctx)
		return err
	})
	return out, err
}

func (s *MemoryStore) InsertPulse(ctx context.Context, counterID int64, recordedAt time.Time) (e models.PulseLogEntry, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		e, err = q.InsertPulse(ctx, counterID, recordedAt)
		return err
	})
	return e, err
}

func (s *MemoryStore) IncrementCounter(ctx context.Context, id int64, delta float64, at time.Time) (v float64, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		v, err = q.IncrementCounter(ctx, id, delta, at)
		return err
	})
	return v, err
}

func (s *MemoryStore) SetCounterValue(ctx context.Context, id int64, value float64, at time.Time) error {
	return s.autocommit(ctx, func(q Querier) error {
		return q.SetCounterValue(ctx, id, value, at)
	})
}

func (s *MemoryStore) DeletePulses(ctx context.Context, counterID int64) (n int64, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		n, err = q.DeletePulses(ctx, counterID)
		return err
	})
	return n, err
}

func (s *MemoryStore) CountPulses(ctx context.Context, counterID int64, start, end time.Time) (n int64, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		n, err = q.CountPulses(ctx, counterID, start, end)
		return err
	})
	return n, err
}

func (s *MemoryStore) ListPulses(ctx context.Context, counterID int64, limit int) (out []models.PulseLogEntry, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		out, err = q.ListPulses(ctx, counterID, limit)
		return err
	})
	return out, err
}

func (s *MemoryStore) PulseTotals(ctx context.Context, since, until time.Time) (out []models.PulseTotal, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		out, err = q.PulseTotals(ctx, since, until)
		return err
	})
	return out, err
}

func (s *MemoryStore) HourlyPulses(ctx context.Context, since, until time.Time) (out []models.PulseBucket, err error) {
	err = s.autocommit(ctx, func(q Querier) error {
		out, err = q.HourlyPulses(ctx, since, until)
		return err
	})
	return out, err
}

// memTx operates on the store while its lock is held and records how to undo each change.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) CreateCounterIfAbsent(ctx context.Context, name string) (int64, error) {
	if id, ok := t.s.byName[name]; ok {
		return id, nil
	}
	t.s.nextID++
	id := t.s.nextID
	t.s.counters[id] = &models.Counter{ID: id, Name: name}
	t.s.byName[name] = id
	t.undo = append(t.undo, func() {
		delete(t.s.counters, id)
		delete(t.s.byName, name)
		t.s.nextID--
	})
	return id, nil
}

func (t *memTx) GetCounter(_ context.Context, id int64) (models.Counter, error) {
	c, ok := t.s.counters[id]
	if !ok {
		return models.Counter{}, ErrNotFound
	}
	return snapshot(c), nil
}

func (t *memTx) LockCounter(ctx context.Context, id int64) (models.Counter, error) {
	return t.GetCounter(ctx, id)
}

func (t *memTx) ListCounters(context.Context) ([]models.Counter, error) {
	out := make([]models.Counter, 0, len(t.s.counters))
	for _, c := range t.s.counters {
		out = append(out, snapshot(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertPulse(_ context.Context, counterID int64, recordedAt time.Time) (models.PulseLogEntry, error) {
	if _, ok := t.s.counters[counterID]; !ok {
		return models.PulseLogEntry{}, ErrNotFound
	}
	t.s.nextPulse++
	entry := models.PulseLogEntry{ID: t.s.nextPulse, CounterID: counterID, RecordedAt: recordedAt.UTC()}
	t.s.pulses = append(t.s.pulses, entry)
	t.undo = append(t.undo, func() {
		t.s.pulses = t.s.pulses[:len(t.s.pulses)-1]
		t.s.nextPulse--
	})
	return entry, nil
}

func (t *memTx) IncrementCounter(_ context.Context, id int64, delta float64, at time.Time) (float64, error) {
	c, ok := t.s.counters[id]
	if !ok {
		return 0, ErrNotFound
	}
	t.saveCounter(c)
	c.Value = roundValue(c.Value + delta)
	ts := at.UTC()
	c.LastTime = &ts
	return c.Value, nil
}

func (t *memTx) SetCounterValue(_ context.Context, id int64, value float64, at time.Time) error {
	c, ok := t.s.counters[id]
	if !ok {
		return ErrNotFound
	}
	t.saveCounter(c)
	c.Value = roundValue(value)
	ts := at.UTC()
	c.LastTime = &ts
	return nil
}

func (t *memTx) DeletePulses(_ context.Context, counterID int64) (int64, error) {
	prev := t.s.pulses
	kept := make([]models.PulseLogEntry, 0, len(prev))
	for _, p := range prev {
		if p.CounterID != counterID {
			kept = append(kept, p)
		}
	}
	t.s.pulses = kept
	t.undo = append(t.undo, func() { t.s.pulses = prev })
	return int64(len(prev) - len(kept)), nil
}

func (t *memTx) CountPulses(_ context.Context, counterID int64, start, end time.Time) (int64, error) {
	var n int64
	for _, p := range t.s.pulses {
		if p.CounterID == counterID && inWindow(p.RecordedAt, start, end) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListPulses(_ context.Context, counterID int64, limit int) ([]models.PulseLogEntry, error) {
	var out []models.PulseLogEntry
	for _, p := range t.s.pulses {
		if p.CounterID == counterID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.After(out[j].RecordedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) PulseTotals(ctx context.Context, since, until time.Time) ([]models.PulseTotal, error) {
	counters, _ := t.ListCounters(ctx)
	counts := make(map[int64]int64, len(counters))
	for _, p := range t.s.pulses {
		if inWindow(p.RecordedAt, since, until) {
			counts[p.CounterID]++
		}
	}
	out := make([]models.PulseTotal, 0, len(counters))
	for _, c := range counters {
		out = append(out, models.PulseTotal{CounterID: c.ID, CounterName: c.Name, Pulses: counts[c.ID]})
	}
	return out, nil
}

func (t *memTx) HourlyPulses(_ context.Context, since, until time.Time) ([]models.PulseBucket, error) {
	type key struct {
		counter int64
		bucket  time.Time
	}
	counts := make(map[key]int64)
	for _, p := range t.s.pulses {
		if !inWindow(p.RecordedAt, since, until) {
			continue
		}
		counts[key{counter: p.CounterID, bucket: p.RecordedAt.UTC().Truncate(time.Hour)}]++
	}
	out := make([]models.PulseBucket, 0, len(counts))
	for k, n := range counts {
		name := ""
		if c, ok := t.s.counters[k.counter]; ok {
			name = c.Name
		}
		out = append(out, models.PulseBucket{CounterID: k.counter, CounterName: name, Bucket: k.bucket, Pulses: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		return out[i].CounterID < out[j].CounterID
	})
	return out, nil
}

func (t *memTx) saveCounter(c *models.Counter) {
	prev := snapshot(c)
	t.undo = append(t.undo, func() { *c = prev })
}

// inWindow reports whether ts lies within [start, end], both ends inclusive.
func inWindow(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}

func snapshot(c *models.Counter) models.Counter {
	out := *c
	if c.LastTime != nil {
		ts := *c.LastTime
		out.LastTime = &ts
	}
	return out
}

// roundValue mirrors the NUMERIC(14,3) column so both stores report identical values.
func roundValue(v float64) float64 {
	return math.Round(v*1000) / 1000
}
