package service

import (
	"context"
	"fmt"
	"time"

	"watermeter/backend/services/meter-service/internal/models"
)

const (
	DefaultSeriesHours = 24
	MinSeriesHours     = 1
	MaxSeriesHours     = 168
)

// WindowTotal is the volume one counter recorded over a trailing window.
type WindowTotal struct {
	CounterID   int64   `json:"counter_id"`
	Counter     string  `json:"counter"`
	Pulses      int64   `json:"pulses"`
	Liters      float64 `json:"liters"`
	CubicMeters float64 `json:"cubic_meters"`
}

// SeriesPoint is the volume one counter recorded during one hour.
type SeriesPoint struct {
	Time      time.Time `json:"time"`
	CounterID int64     `json:"counter_id"`
	Counter   string    `json:"counter"`
	Pulses    int64     `json:"pulses"`
	Liters    float64   `json:"liters"`
}

// WindowTotals returns per-counter totals for the trailing window, counters without
// pulses included. Pulses stamped after now are not counted.
func (s *MeterService) WindowTotals(ctx context.Context, window time.Duration) ([]WindowTotal, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window %s must be positive", ErrInvalidRange, window)
	}
	now := s.clock.Now()

	totals, err := s.store.PulseTotals(ctx, now.Add(-window), now)
	if err != nil {
		return nil, storageError("window totals", err)
	}
	out := make([]WindowTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, windowTotal(t))
	}
	return out, nil
}

// HourlySeries returns hourly pulse buckets for the last hours hours.
func (s *MeterService) HourlySeries(ctx context.Context, hours int) ([]SeriesPoint, error) {
	if hours < MinSeriesHours || hours > MaxSeriesHours {
		return nil, fmt.Errorf("%w: hours must be within %d..%d, got %d", ErrInvalidRange, MinSeriesHours, MaxSeriesHours, hours)
	}
	now := s.clock.Now()

	buckets, err := s.store.HourlyPulses(ctx, now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		return nil, storageError("hourly series", err)
	}
	out := make([]SeriesPoint, 0, len(buckets))
	for _, b := range buckets {
		_, liters := volume(b.Pulses)
		out = append(out, SeriesPoint{
			Time:      b.Bucket.UTC(),
			CounterID: b.CounterID,
			Counter:   b.CounterName,
			Pulses:    b.Pulses,
			Liters:    liters,
		})
	}
	return out, nil
}

func windowTotal(t models.PulseTotal) WindowTotal {
	m3, liters := volume(t.Pulses)
	return WindowTotal{
		CounterID:   t.CounterID,
		Counter:     t.CounterName,
		Pulses:      t.Pulses,
		Liters:      liters,
		CubicMeters: m3,
	}
}
