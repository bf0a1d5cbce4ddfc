package internal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaychat/internal/relay"
	"relaychat/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxDecodeErrorsPerConn = 16
)

type ServerOptions struct {
	HandshakeTimeout      time.Duration
	SendBuffer            int
	MaxFrameBytes         int64
	FramesPerWindow       int
	FrameWindow           time.Duration
	AuthAttemptsPerMinute int
	// TrustProxy keys the handshake limiter on X-Forwarded-For instead of
	// the socket peer. Enable only behind a proxy that overwrites the header.
	TrustProxy bool
	// Ready, when set, backs /healthz with a dependency check.
	Ready func(ctx context.Context) error
	// History, when set, supplies last-seen for users the live tracker has
	// not seen since startup.
	History PresenceHistory
}

// PresenceHistory is the persisted presence ledger.
type PresenceHistory interface {
	GetPresence(ctx context.Context, userID string) (*storage.Presence, error)
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 8192
	}
	if o.FramesPerWindow <= 0 {
		o.FramesPerWindow = 20
	}
	if o.FrameWindow <= 0 {
		o.FrameWindow = 3 * time.Second
	}
	if o.AuthAttemptsPerMinute <= 0 {
		o.AuthAttemptsPerMinute = 30
	}
	return o
}

// Server adapts websocket sessions and HTTP queries onto a relay.Controller.
type Server struct {
	controller  *relay.Controller
	verifier    relay.Verifier
	metrics     *Metrics
	authLimiter *RateLimiter
	upgrader    websocket.Upgrader
	log         *zap.Logger
	opts        ServerOptions
}

// NewServer builds the transport. verifier authenticates HTTP queries; the
// websocket handshake goes through the controller's own verifier.
func NewServer(controller *relay.Controller, verifier relay.Verifier, metrics *Metrics, log *zap.Logger, opts ServerOptions) (*Server, error) {
	if controller == nil {
		return nil, errors.New("controller is required")
	}
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Server{
		controller:  controller,
		verifier:    verifier,
		metrics:     metrics,
		authLimiter: NewRateLimiter(opts.AuthAttemptsPerMinute, time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:  log,
		opts: opts,
	}, nil
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}
