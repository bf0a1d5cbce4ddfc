package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrMissingTarget is returned for inbound events without a target user.
var ErrMissingTarget = errors.New("event has no target")

// maxIDAttempts bounds how often Open asks Config.NewID for an unused id.
const maxIDAttempts = 8

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAdmitted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAdmitted:
		return "admitted"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Sink is the transport side of a connection. Send must not block and must
// not call back into the Controller. Close may be called more than once.
type Sink interface {
	Send(event Outbound) bool
	Close()
}

// Verifier resolves a bearer credential to a user identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Observer receives every presence transition after it was broadcast.
// Observe runs under the controller's transition lock and must not block.
type Observer interface {
	Observe(event PresenceEvent)
}

// Connection is one transport session owned by the Controller.
type Connection struct {
	id   string
	sink Sink

	mu              sync.Mutex
	state           State
	userID          string
	authenticatedAt time.Time
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID is empty until the connection is admitted.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) AuthenticatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticatedAt
}

type Config struct {
	Registry  *Registry
	Presence  *PresenceTracker
	Typing    *TypingTracker
	Verifier  Verifier
	Observers []Observer
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string
}

// Controller owns every connection from open to close. Admission and
// teardown are serialized so the registry mutation, the presence check and
// the resulting broadcast happen as one step.
type Controller struct {
	mu     sync.Mutex
	closed bool

	connsMu sync.RWMutex
	conns   map[string]*Connection

	registry   *Registry
	presence   *PresenceTracker
	typing     *TypingTracker
	verifier   Verifier
	observers  []Observer
	dispatcher *Dispatcher
	tracer     trace.Tracer
	log        *zap.Logger
	now        func() time.Time
	newID      func() string
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("relay: verifier is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Presence == nil {
		cfg.Presence = NewPresenceTracker(cfg.Now)
	}
	if cfg.Typing == nil {
		cfg.Typing = NewTypingTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	c := &Controller{
		conns:     make(map[string]*Connection),
		registry:  cfg.Registry,
		presence:  cfg.Presence,
		typing:    cfg.Typing,
		verifier:  cfg.Verifier,
		observers: cfg.Observers,
		tracer:    otel.Tracer(tracerName),
		log:       cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	c.dispatcher = NewDispatcher(c.registry, c, cfg.Logger)
	return c, nil
}

// Open starts tracking a freshly established transport session.
// An id already held by a live connection is never handed out again.
func (c *Controller) Open(sink Sink) *Connection {
	conn := &Connection{sink: sink, state: StateConnecting}
	c.connsMu.Lock()
	conn.id = c.freshID()
	c.conns[conn.id] = conn
	c.connsMu.Unlock()
	c.log.Debug("connection opened", zap.String("conn", conn.id))
	return conn
}

// freshID draws ids until one is unused, falling back to a random uuid when
// the configured generator keeps repeating itself. Callers hold connsMu.
func (c *Controller) freshID() string {
	for i := 0; i < maxIDAttempts; i++ {
		id := c.newID()
		if _, taken := c.conns[id]; !taken && id != "" {
			return id
		}
		c.log.Warn("connection id collision", zap.String("conn", id))
	}
	for {
		id := uuid.NewString()
		if _, taken := c.conns[id]; !taken {
			return id
		}
	}
}

// Authenticate verifies token and admits the connection. A rejected
// credential closes the connection without it ever entering the registry.
func (c *Controller) Authenticate(ctx context.Context, conn *Connection, token string) error {
	conn.mu.Lock()
	if conn.state != StateConnecting {
		state := conn.state
		conn.mu.Unlock()
		return fmt.Errorf("%w: authenticate in %s", ErrInvalidState, state)
	}
	conn.state = StateAuthenticating
	conn.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "relay.authenticate", trace.WithAttributes(
		attribute.String("relay.conn", conn.id),
	))
	defer span.End()

	userID, err := c.verify(ctx, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		c.log.Warn("authentication rejected", zap.String("conn", conn.id), zap.Error(err))
		conn.sink.Send(AuthRejected{Reason: err.Error()})
		c.Close(conn)
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	span.SetAttributes(attribute.String("relay.user", userID))
	if err := c.admit(conn, userID); err != nil {
		c.Close(conn)
		return err
	}
	return nil
}

func (c *Controller) verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("missing token")
	}
	userID, err := c.verifier.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", errors.New("token carries no identity")
	}
	return userID, nil
}

func (c *Controller) admit(conn *Connection, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn.mu.Lock()
	if conn.state != StateAuthenticating || c.closed {
		// Closed while the credential was being verified.
		conn.mu.Unlock()
		return fmt.Errorf("%w: connection closed during authentication", ErrInvalidState)
	}
	count, err := c.registry.Register(userID, conn.id)
	if err != nil {
		conn.mu.Unlock()
		c.log.Error("register failed", zap.String("conn", conn.id), zap.String("user", userID), zap.Error(err))
		return err
	}
	conn.state = StateAdmitted
	conn.userID = userID
	conn.authenticatedAt = c.now()
	conn.mu.Unlock()

	c.log.Debug("connection admitted", zap.String("conn", conn.id), zap.String("user", userID), zap.Int("connections", count))
	conn.sink.Send(AuthOK{UserID: userID, ConnectionID: conn.id})
	conn.sink.Send(PresenceSnapshot{Online: c.registry.OnlineUsers()})

	event, err := c.presence.OnConnectionAdded(userID, count)
	if err != nil {
		c.log.Error("presence invariant violated on admit", zap.String("conn", conn.id), zap.String("user", userID), zap.Error(err))
		return err
	}
	if event != nil {
		c.announce(*event)
	}
	return nil
}

// Handle relays one inbound event from an admitted connection. The target
// being offline is a normal result, not an error.
func (c *Controller) Handle(ctx context.Context, conn *Connection, event Inbound) (Result, error) {
	conn.mu.Lock()
	state, userID := conn.state, conn.userID
	conn.mu.Unlock()
	if state != StateAdmitted {
		return Result{}, fmt.Errorf("%w: relay in %s", ErrInvalidState, state)
	}
	target := event.Target()
	if target == "" {
		return Result{}, ErrMissingTarget
	}
	if target == userID {
		return Result{}, ErrSelfRelay
	}
	if typing, ok := event.(Typing); ok {
		c.typing.SetTyping(userID, typing.TargetID, typing.IsTyping)
	}
	return c.dispatcher.Relay(ctx, NewEnvelope(userID, event)), nil
}

// Close tears the connection down from any state. Closing twice is a no-op.
// A non-nil error means the registry and presence disagreed.
func (c *Controller) Close(conn *Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn.mu.Lock()
	prev := conn.state
	if prev == StateClosed {
		conn.mu.Unlock()
		return nil
	}
	conn.state = StateClosed
	conn.mu.Unlock()
	defer conn.sink.Close()

	c.connsMu.Lock()
	delete(c.conns, conn.id)
	c.connsMu.Unlock()

	c.log.Debug("connection closed", zap.String("conn", conn.id), zap.Stringer("from", prev))
	if prev != StateAdmitted {
		return nil
	}
	userID, remaining, ok := c.registry.Deregister(conn.id)
	if !ok {
		return nil
	}
	event, err := c.presence.OnConnectionRemoved(userID, remaining)
	if err != nil {
		c.log.Error("presence invariant violated on close", zap.String("conn", conn.id), zap.String("user", userID), zap.Int("remaining", remaining), zap.Error(err))
		return err
	}
	if event == nil {
		return nil
	}
	c.announce(*event)
	c.clearTyping(userID)
	return nil
}

// Shutdown closes every open connection and refuses further admissions.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.connsMu.RLock()
	open := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		open = append(open, conn)
	}
	c.connsMu.RUnlock()

	for _, conn := range open {
		_ = c.Close(conn)
	}
}

// Deliver implements Deliverer for connections tracked by this controller.
func (c *Controller) Deliver(connID string, event Outbound) bool {
	c.connsMu.RLock()
	conn, ok := c.conns[connID]
	c.connsMu.RUnlock()
	if !ok {
		return false
	}
	return conn.sink.Send(event)
}

// PresenceOf returns the user's presence record and live connection count.
// Both reads happen under the admission lock so the pair is consistent.
func (c *Controller) PresenceOf(userID string) (Record, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.Lookup(userID), len(c.registry.ConnectionsFor(userID))
}

func (c *Controller) OnlineUsers() []string {
	return c.registry.OnlineUsers()
}

// announce broadcasts a presence transition to every admitted connection.
// Callers hold c.mu.
func (c *Controller) announce(event PresenceEvent) {
	out := PresenceChanged{UserID: event.UserID, Status: event.Status, LastSeen: event.LastSeen}

	c.connsMu.RLock()
	targets := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		targets = append(targets, conn)
	}
	c.connsMu.RUnlock()

	for _, conn := range targets {
		if conn.State() != StateAdmitted {
			continue
		}
		conn.sink.Send(out)
	}
	c.log.Info("presence changed", zap.String("user", event.UserID), zap.String("status", string(event.Status)))
	for _, obs := range c.observers {
		obs.Observe(event)
	}
}

// clearTyping withdraws the indicators a user left behind on their last
// connection. Callers hold c.mu.
func (c *Controller) clearTyping(userID string) {
	for _, peerID := range c.typing.ClearSender(userID) {
		c.dispatcher.Relay(context.Background(), NewEnvelope(userID, Typing{TargetID: peerID}))
	}
}
