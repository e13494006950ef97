package service

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"watermeter/backend/libs/clock"
	"watermeter/backend/services/meter-service/internal/models"
	"watermeter/backend/services/meter-service/internal/repository"
)

const (
	// Quantum is the volume in cubic metres represented by one pulse.
	Quantum = 0.01
	// LitersPerCubicMeter converts cubic metres to litres.
	LitersPerCubicMeter = 1000
	// QuantumLiters is the volume in litres represented by one pulse.
	QuantumLiters = Quantum * LitersPerCubicMeter
)

var tracer = otel.Tracer("watermeter/meter-service/service")

// Event kinds delivered to listeners.
const (
	EventPulse = "pulse"
	EventReset = "reset"
)

// CounterEvent describes a committed change to a counter.
type CounterEvent struct {
	Kind    string         `json:"type"`
	Counter models.Counter `json:"counter"`
	At      time.Time      `json:"timestamp"`
}

// Listener is notified after every committed counter change. Implementations must not block.
type Listener interface {
	CounterChanged(event CounterEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(CounterEvent)

func (f ListenerFunc) CounterChanged(event CounterEvent) { f(event) }

// Option customises a MeterService.
type Option func(*MeterService)

// WithClock replaces the wall clock used to stamp pulses and resets.
func WithClock(c clock.Clock) Option {
	return func(s *MeterService) { s.clock = c }
}

// WithListener registers l for counter change notifications.
func WithListener(l Listener) Option {
	return func(s *MeterService) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// MeterService applies pulses to counters and answers reading and consumption queries.
type MeterService struct {
	store     repository.Store
	clock     clock.Clock
	logger    *zap.Logger
	listeners []Listener
}

// NewMeterService returns service instance.
func NewMeterService(store repository.Store, logger *zap.Logger, opts ...Option) *MeterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MeterService{
		store:  store,
		clock:  clock.RealClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock reading.
func (s *MeterService) Now() time.Time {
	return s.clock.Now()
}

func (s *MeterService) notify(kind string, counter models.Counter) {
	if len(s.listeners) == 0 {
		return
	}
	event := CounterEvent{Kind: kind, Counter: counter, At: s.clock.Now()}
	for _, l := range s.listeners {
		l.CounterChanged(event)
	}
}

// volume converts a pulse count into cubic metres and litres.
func volume(pulses int64) (cubicMeters, liters float64) {
	liters = float64(pulses) * QuantumLiters
	return liters / LitersPerCubicMeter, liters
}
