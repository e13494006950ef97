package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"watermeter/backend/libs/clock"
	"watermeter/backend/services/meter-service/internal/metrics"
	"watermeter/backend/services/meter-service/internal/models"
	"watermeter/backend/services/meter-service/internal/service"
)

// IdentityResolver maps controller ids to counters.
type IdentityResolver interface {
	Resolve(controllerID string) (int64, error)
}

// PulseApplier applies pulses to a counter.
type PulseApplier interface {
	ApplyPulses(ctx context.Context, counterID int64, pulseCount int, eventTime *time.Time) ([]service.PulseResult, error)
}

// StatusSink stores controller status documents.
type StatusSink interface {
	SaveStatus(ctx context.Context, status models.ControllerStatus) error
}

// Outcome summarises how one message was handled.
type Outcome struct {
	Kind         string
	ControllerID string
	CounterID    int64
	Applied      int
	Failed       int
	Err          error
}

// Processor turns one decoded message into storage mutations.
type Processor struct {
	router    Router
	maxPulses int
	resolver  IdentityResolver
	applier   PulseApplier
	status    StatusSink
	clock     clock.Clock
	logger    *zap.Logger
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Router    Router
	MaxPulses int
	// Status is optional. Status messages are only logged when nil.
	Status StatusSink
	Clock  clock.Clock
}

// NewProcessor returns processor instance.
func NewProcessor(cfg ProcessorConfig, resolver IdentityResolver, applier PulseApplier, logger *zap.Logger) *Processor {
	if cfg.MaxPulses < 1 {
		cfg.MaxPulses = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		router:    cfg.Router,
		maxPulses: cfg.MaxPulses,
		resolver:  resolver,
		applier:   applier,
		status:    cfg.Status,
		clock:     cfg.Clock,
		logger:    logger,
	}
}

// Process handles one message. Errors are reported in the outcome and never escape.
func (p *Processor) Process(ctx context.Context, msg Message) Outcome {
	kind := p.router.Kind(msg.Topic)
	metrics.RecordMessage(kind)

	switch kind {
	case KindPulse:
		return p.processPulse(ctx, msg)
	case KindStatus:
		return p.processStatus(ctx, msg)
	case KindCommand:
		p.logger.Debug("command message ignored", zap.String("topic", msg.Topic))
		return Outcome{Kind: kind}
	default:
		p.logger.Debug("message on unhandled topic", zap.String("topic", msg.Topic))
		return Outcome{Kind: kind}
	}
}

func (p *Processor) processPulse(ctx context.Context, msg Message) Outcome {
	out := Outcome{Kind: KindPulse}

	pulse, err := DecodePulse(msg.Topic, msg.Payload, p.maxPulses)
	if err != nil {
		metrics.RecordDropped("malformed")
		p.logger.Warn("malformed pulse message",
			zap.String("topic", msg.Topic),
			zap.ByteString("payload", truncate(msg.Payload)),
			zap.Error(err),
		)
		out.Err = err
		return out
	}
	out.ControllerID = pulse.ControllerID

	counterID, err := p.resolver.Resolve(pulse.ControllerID)
	if err != nil {
		metrics.RecordDropped("unknown_source")
		p.logger.Warn("pulse from unknown controller",
			zap.String("controller_id", pulse.ControllerID),
			zap.String("topic", msg.Topic),
		)
		out.Err = err
		return out
	}
	out.CounterID = counterID

	results, err := p.applier.ApplyPulses(ctx, counterID, pulse.Count, pulse.EventTime)
	if err != nil {
		out.Err = err
		return out
	}

	var errs []error
	for _, r := range results {
		if r.OK() {
			out.Applied++
			continue
		}
		out.Failed++
		errs = append(errs, r.Err)
	}
	out.Err = errors.Join(errs...)

	fields := []zap.Field{
		zap.String("controller_id", pulse.ControllerID),
		zap.Int64("counter_id", counterID),
		zap.Int("pulses", pulse.Count),
		zap.Int("applied", out.Applied),
	}
	if out.Failed > 0 {
		p.logger.Warn("pulses partially applied", append(fields, zap.Int("failed", out.Failed))...)
	} else {
		p.logger.Debug("pulses applied", fields...)
	}
	return out
}

func (p *Processor) processStatus(ctx context.Context, msg Message) Outcome {
	out := Outcome{Kind: KindStatus}

	received := msg.Received
	if received.IsZero() {
		received = p.clock.Now()
	}
	status, err := DecodeStatus(msg.Payload, received)
	if err != nil {
		metrics.RecordDropped("malformed")
		p.logger.Warn("malformed status message", zap.String("topic", msg.Topic), zap.Error(err))
		out.Err = err
		return out
	}
	out.ControllerID = status.ControllerID

	p.logger.Info("controller status",
		zap.String("controller_id", status.ControllerID),
		zap.String("status", status.Status),
		zap.String("ip_address", status.IPAddress),
		zap.Int("rssi", status.RSSI),
		zap.Int64("total_pulses", status.TotalPulses),
		zap.String("firmware_version", status.FirmwareVersion),
	)

	if p.status == nil {
		return out
	}
	if err := p.status.SaveStatus(ctx, status); err != nil {
		p.logger.Warn("failed to store controller status", zap.String("controller_id", status.ControllerID), zap.Error(err))
		out.Err = err
	}
	return out
}

const maxLoggedPayload = 256

func truncate(b []byte) []byte {
	if len(b) > maxLoggedPayload {
		return b[:maxLoggedPayload]
	}
	return b
}
