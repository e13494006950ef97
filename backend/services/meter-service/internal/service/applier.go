package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/metrics"
	"watermeter/backend/services/meter-service/internal/models"
	"watermeter/backend/services/meter-service/internal/repository"
)

// PulseResult is the outcome of one pulse transaction.
type PulseResult struct {
	Seq   int
	Value float64
	Entry models.PulseLogEntry
	Err   error
}

// OK reports whether the pulse was committed.
func (r PulseResult) OK() bool { return r.Err == nil }

// ApplyPulses applies pulseCount pulses to counterID, each in its own transaction. A failed
// pulse is rolled back on its own and the remaining pulses are still attempted. When
// eventTime is nil every pulse is stamped with the clock reading taken for it.
func (s *MeterService) ApplyPulses(ctx context.Context, counterID int64, pulseCount int, eventTime *time.Time) ([]PulseResult, error) {
	if pulseCount < 1 {
		return nil, fmt.Errorf("%w: pulse count %d", ErrMalformedMessage, pulseCount)
	}

	ctx, span := tracer.Start(ctx, "meter.ApplyPulses", trace.WithAttributes(
		attribute.Int64("counter.id", counterID),
		attribute.Int("pulse.count", pulseCount),
	))
	defer span.End()

	results := make([]PulseResult, 0, pulseCount)
	failed := 0
	for seq := 1; seq <= pulseCount; seq++ {
		res := s.applyOne(ctx, counterID, eventTime)
		res.Seq = seq
		if res.Err != nil {
			failed++
			span.RecordError(res.Err)
			s.logger.Warn("pulse rejected",
				zap.Int64("counter_id", counterID),
				zap.Int("seq", seq),
				zap.Int("of", pulseCount),
				zap.Error(res.Err),
			)
		}
		results = append(results, res)
	}

	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d pulses failed", failed, pulseCount))
	}
	return results, nil
}

// ApplyPulse applies a single pulse stamped with the current time.
func (s *MeterService) ApplyPulse(ctx context.Context, counterID int64) PulseResult {
	res := s.applyOne(ctx, counterID, nil)
	res.Seq = 1
	return res
}

func (s *MeterService) applyOne(ctx context.Context, counterID int64, eventTime *time.Time) PulseResult {
	at := s.clock.Now()
	if eventTime != nil {
		at = eventTime.UTC()
	}

	started := time.Now()
	var (
		res     PulseResult
		counter models.Counter
	)
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		c, err := q.LockCounter(ctx, counterID)
		if err != nil {
			return err
		}
		entry, err := q.InsertPulse(ctx, counterID, at)
		if err != nil {
			return err
		}
		value, err := q.IncrementCounter(ctx, counterID, Quantum, entry.RecordedAt)
		if err != nil {
			return err
		}
		last := entry.RecordedAt
		c.Value = value
		c.LastTime = &last
		counter = c
		res.Entry = entry
		res.Value = value
		return nil
	}, nil)

	if err != nil {
		err = storageError("apply pulse", err)
		metrics.RecordPulse("", err, time.Since(started), failureReason(err))
		return PulseResult{Err: err}
	}

	metrics.RecordPulse(counter.Name, nil, time.Since(started), "")
	metrics.SetCounterValue(counter.Name, counter.Value)
	s.notify(EventPulse, counter)
	return res
}
