// Package mirror copies presence transitions to external systems. Mirrors
// are best-effort: they never feed back into live presence, and a failed
// publish is logged and dropped.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"relaychat/internal/relay"
)

// Mirror receives presence transitions in the order they happened.
type Mirror interface {
	Name() string
	Publish(ctx context.Context, event relay.PresenceEvent) error
	Close() error
}

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 3 * time.Second
)

// Pump decouples mirrors from the presence path. Observe never blocks; a
// full queue drops the event.
type Pump struct {
	mirrors []Mirror
	timeout time.Duration
	log     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan relay.PresenceEvent
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewPump(queueSize int, timeout time.Duration, log *zap.Logger, mirrors ...Mirror) *Pump {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pump{
		mirrors: mirrors,
		timeout: timeout,
		log:     log,
		queue:   make(chan relay.PresenceEvent, queueSize),
	}
}

// Observe implements relay.Observer.
func (p *Pump) Observe(event relay.PresenceEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- event:
	default:
		p.dropped.Add(1)
		p.log.Warn("mirror queue full, dropping presence event", zap.String("user", event.UserID), zap.String("status", string(event.Status)))
	}
}

// Run publishes queued events until Close is called and the queue drains,
// or ctx is cancelled. Mirrors are closed on return.
func (p *Pump) Run(ctx context.Context) error {
	defer p.closeMirrors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-p.queue:
			if !ok {
				return nil
			}
			p.publish(ctx, event)
		}
	}
}

func (p *Pump) publish(ctx context.Context, event relay.PresenceEvent) {
	for _, m := range p.mirrors {
		pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := m.Publish(pubCtx, event)
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.log.Warn("mirror publish failed",
				zap.String("mirror", m.Name()),
				zap.String("user", event.UserID),
				zap.String("status", string(event.Status)),
				zap.Error(err))
		}
	}
}

// Close stops accepting events. Run returns once the queue is drained.
func (p *Pump) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

func (p *Pump) closeMirrors() {
	var errs []error
	for _, m := range p.mirrors {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.log.Warn("closing mirrors", zap.Error(err))
	}
}

// Dropped counts events discarded because the queue was full.
func (p *Pump) Dropped() int64 { return p.dropped.Load() }

// Failed counts mirror publishes that returned an error.
func (p *Pump) Failed() int64 { return p.failed.Load() }

// payload is the JSON document published to message-oriented mirrors.
type payload struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	At       time.Time  `json:"at"`
}

func encodeEvent(event relay.PresenceEvent) ([]byte, error) {
	p := payload{UserID: event.UserID, Status: string(event.Status), At: event.At.UTC()}
	if !event.LastSeen.IsZero() {
		seen := event.LastSeen.UTC()
		p.LastSeen = &seen
	}
	return json.Marshal(p)
}
