package service

import (
	"context"

	"watermeter/backend/services/meter-service/internal/models"
	"watermeter/backend/services/meter-service/internal/repository"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 1000
)

// CurrentReadings returns every counter ordered by id.
func (s *MeterService) CurrentReadings(ctx context.Context) ([]models.Counter, error) {
	counters, err := s.store.ListCounters(ctx)
	if err != nil {
		return nil, storageError("list counters", err)
	}
	if counters == nil {
		counters = []models.Counter{}
	}
	return counters, nil
}

// History returns the counter and its newest pulse log entries. limit is clamped to
// [1, MaxHistoryLimit].
func (s *MeterService) History(ctx context.Context, counterID int64, limit int) (models.Counter, []models.PulseLogEntry, error) {
	limit = ClampHistoryLimit(limit)

	var (
		counter models.Counter
		entries []models.PulseLogEntry
	)
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		c, err := q.GetCounter(ctx, counterID)
		if err != nil {
			return err
		}
		e, err := q.ListPulses(ctx, counterID, limit)
		if err != nil {
			return err
		}
		counter, entries = c, e
		return nil
	}, repository.ReadOnly)
	if err != nil {
		return models.Counter{}, nil, storageError("counter history", err)
	}
	if entries == nil {
		entries = []models.PulseLogEntry{}
	}
	return counter, entries, nil
}

// ClampHistoryLimit bounds limit to [1, MaxHistoryLimit].
func ClampHistoryLimit(limit int) int {
	switch {
	case limit < 1:
		return 1
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// Ping checks the store.
func (s *MeterService) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}
