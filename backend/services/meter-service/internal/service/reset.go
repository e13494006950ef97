package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/metrics"
	"watermeter/backend/services/meter-service/internal/models"
	"watermeter/backend/services/meter-service/internal/repository"
)

// ResetResult reports the state a counter was reset from.
type ResetResult struct {
	CounterID      int64   `json:"counter_id"`
	CounterName    string  `json:"counter_name"`
	OldValue       float64 `json:"old_value"`
	NewValue       float64 `json:"new_value"`
	DeletedEntries int64   `json:"deleted_entries"`
}

// Reset zeroes counterID and deletes its pulse log in one transaction.
func (s *MeterService) Reset(ctx context.Context, counterID int64) (ResetResult, error) {
	ctx, span := tracer.Start(ctx, "meter.Reset", trace.WithAttributes(attribute.Int64("counter.id", counterID)))
	defer span.End()

	now := s.clock.Now()
	var (
		out     ResetResult
		counter models.Counter
	)
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		c, err := q.LockCounter(ctx, counterID)
		if err != nil {
			return err
		}
		if err := q.SetCounterValue(ctx, counterID, 0, now); err != nil {
			return err
		}
		deleted, err := q.DeletePulses(ctx, counterID)
		if err != nil {
			return err
		}
		out = ResetResult{
			CounterID:      c.ID,
			CounterName:    c.Name,
			OldValue:       c.Value,
			NewValue:       0,
			DeletedEntries: deleted,
		}
		ts := now
		c.Value = 0
		c.LastTime = &ts
		counter = c
		return nil
	}, nil)
	if err != nil {
		err = storageError("reset counter", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ResetResult{}, err
	}

	s.logger.Info("counter reset",
		zap.Int64("counter_id", out.CounterID),
		zap.String("counter", out.CounterName),
		zap.Float64("old_value", out.OldValue),
		zap.Int64("deleted_entries", out.DeletedEntries),
	)
	metrics.RecordReset(counter.Name)
	metrics.SetCounterValue(counter.Name, 0)
	s.notify(EventReset, counter)
	return out, nil
}
