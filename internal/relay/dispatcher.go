package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "relaychat/relay"

// Deliverer hands an outbound event to one live connection. It must not
// block; false means the connection could not take the event.
type Deliverer interface {
	Deliver(connID string, event Outbound) bool
}

// Result reports the outcome of a relay. Offline is set when the target had
// no live connection at the instant of the relay.
type Result struct {
	Delivered int
	Offline   bool
}

// Dispatcher routes envelopes to the target's live connections. It does not
// inspect payloads and does not queue or retry.
type Dispatcher struct {
	registry  *Registry
	deliverer Deliverer
	tracer    trace.Tracer
	log       *zap.Logger
}

func NewDispatcher(registry *Registry, deliverer Deliverer, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		registry:  registry,
		deliverer: deliverer,
		tracer:    otel.Tracer(tracerName),
		log:       log,
	}
}

// Relay forwards env to every connection registered for env.TargetID at call
// time. Connections that refuse the event are not counted as delivered.
func (d *Dispatcher) Relay(ctx context.Context, env Envelope) Result {
	_, span := d.tracer.Start(ctx, "relay.dispatch", trace.WithAttributes(
		attribute.String("relay.kind", string(env.Kind)),
		attribute.String("relay.sender", env.SenderID),
		attribute.String("relay.target", env.TargetID),
	))
	defer span.End()

	conns := d.registry.ConnectionsFor(env.TargetID)
	if len(conns) == 0 {
		span.SetAttributes(attribute.Bool("relay.offline", true))
		d.log.Debug("target offline", zap.String("kind", string(env.Kind)), zap.String("target", env.TargetID))
		return Result{Offline: true}
	}

	out := env.Outbound()
	delivered := 0
	for _, connID := range conns {
		if d.deliverer.Deliver(connID, out) {
			delivered++
			continue
		}
		d.log.Debug("delivery refused", zap.String("conn", connID), zap.String("kind", string(env.Kind)))
	}
	span.SetAttributes(attribute.Int("relay.delivered", delivered))
	return Result{Delivered: delivered}
}
