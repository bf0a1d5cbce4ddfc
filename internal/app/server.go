package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	intrnl "relaychat/internal"
	"relaychat/internal/auth"
	"relaychat/internal/logger"
	"relaychat/internal/mirror"
	"relaychat/internal/relay"
	"relaychat/internal/storage"
	"relaychat/internal/telemetry"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr       string
	server     *http.Server
	controller *relay.Controller
	pump       *mirror.Pump
	log        *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline. The
// HTTP listener stops first, then every websocket is closed so peers see the
// offline transitions, then the mirror queue drains.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	var err error
	h.stopOnce.Do(func() {
		close(h.quit)
		if shutdownErr := h.server.Shutdown(ctx); shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
			err = shutdownErr
		}
		h.controller.Shutdown()
		h.pump.Close()
	})
	return err
}

// Wait blocks until the server exits and its resources are released.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, builds the relay core with its mirrors
// and starts serving in the background. Call Stop/Wait to manage its
// lifecycle; cancelling ctx also stops it.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	out := cfg.LogOutput
	if out == nil {
		out = os.Stdout
	}
	log, err := logger.NewWithWriter(out, cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	shutdownTracing, err := telemetry.Setup(context.Background(), "relaychat", intrnl.Version, cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var cleanups []func()
	fail := func(err error) (*ServerHandle, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		_ = shutdownTracing(context.Background())
		_ = log.Sync()
		return nil, err
	}

	if isFilePath(cfg.DBPath) {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return fail(fmt.Errorf("create db dir: %w", err))
		}
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	cleanups = append(cleanups, func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}
	// Nobody is connected to a relay that is just starting.
	if n, err := store.ResetPresence(context.Background(), time.Now()); err != nil {
		return fail(fmt.Errorf("reset presence: %w", err))
	} else if n > 0 {
		log.Info("marked stale presence rows offline", zap.Int64("rows", n))
	}

	verifier, err := buildVerifier(cfg, store)
	if err != nil {
		return fail(err)
	}

	mirrors, err := buildMirrors(cfg, store)
	if err != nil {
		return fail(err)
	}
	// Once the pump runs it owns the mirrors and closes them on return.
	mirrorsOwned := false
	cleanups = append(cleanups, func() {
		if mirrorsOwned {
			return
		}
		for _, m := range mirrors {
			_ = m.Close()
		}
	})
	pump := mirror.NewPump(cfg.MirrorQueue, 0, log.Named("mirror"), mirrors...)
	metrics := intrnl.NewMetrics()

	controller, err := relay.NewController(relay.Config{
		Verifier:  verifier,
		Observers: []relay.Observer{metrics, pump},
		Logger:    log.Named("relay"),
	})
	if err != nil {
		return fail(err)
	}
	metrics.AddGauge("online_users", func() int64 { return int64(len(controller.OnlineUsers())) })
	metrics.AddGauge("mirror_dropped_total", pump.Dropped)
	metrics.AddGauge("mirror_failed_total", pump.Failed)

	server, err := intrnl.NewServer(controller, verifier, metrics, log.Named("ws"), intrnl.ServerOptions{
		HandshakeTimeout:      cfg.HandshakeTimeout,
		SendBuffer:            cfg.SendBuffer,
		MaxFrameBytes:         cfg.MaxFrameBytes,
		FramesPerWindow:       cfg.FramesPerWindow,
		FrameWindow:           cfg.FrameWindow,
		AuthAttemptsPerMinute: cfg.AuthAttemptsPerMinute,
		TrustProxy:            cfg.TrustProxy,
		Ready:                 store.Ping,
		History:               store,
	})
	if err != nil {
		return fail(err)
	}
	mux := http.NewServeMux()
	registerHandlers(mux, cfg.Path, server)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fail(fmt.Errorf("listen: %w", err))
	}

	handle := &ServerHandle{
		addr:       listener.Addr().String(),
		server:     httpServer,
		controller: controller,
		pump:       pump,
		log:        log.Named("app"),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	mirrorsOwned = true
	group, gctx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		return pump.Run(gctx)
	})
	group.Go(func() error {
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	})
	if cfg.AuthMode == AuthModeSession && cfg.SessionSweep > 0 {
		group.Go(func() error {
			sweepSessions(gctx, handle.quit, store, cfg.SessionSweep, handle.log)
			return nil
		})
	}

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
			case <-handle.done:
				return
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := handle.Stop(stopCtx); err != nil {
				handle.log.Warn("shutdown", zap.Error(err))
			}
		}()
	}

	go func() {
		defer close(handle.done)
		err := group.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		// A failed Serve never went through Stop.
		controller.Shutdown()
		if closeErr := store.Close(); closeErr != nil {
			handle.log.Warn("store close", zap.Error(closeErr))
		}
		tracingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if tracingErr := shutdownTracing(tracingCtx); tracingErr != nil {
			handle.log.Warn("tracing shutdown", zap.Error(tracingErr))
		}
		cancel()
		_ = log.Sync()
		handle.err = err
	}()

	handle.log.Info("relay listening",
		zap.String("addr", handle.addr),
		zap.String("path", cfg.Path),
		zap.String("auth", cfg.AuthMode),
		zap.Int("mirrors", len(mirrors)))
	return handle, nil
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/presence/", server.HandlePresence)
	mux.HandleFunc("/healthz", server.HandleHealth)
	mux.Handle("/metrics", server.MetricsHandler())
}

func buildVerifier(cfg ServerConfig, store *storage.Store) (relay.Verifier, error) {
	switch cfg.AuthMode {
	case AuthModeSession:
		return auth.NewSessionVerifier(store, nil), nil
	default:
		v, err := auth.NewJWTVerifier(auth.JWTConfig{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
			Leeway: cfg.JWTLeeway,
		})
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		return v, nil
	}
}

// buildMirrors always records presence in SQLite. Redis and NATS are added
// when configured and must be reachable at startup.
func buildMirrors(cfg ServerConfig, store *storage.Store) ([]mirror.Mirror, error) {
	mirrors := []mirror.Mirror{mirror.NewStoreMirror(store)}
	closeAll := func() {
		for _, m := range mirrors {
			_ = m.Close()
		}
	}
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rm, err := mirror.NewRedisMirror(ctx, mirror.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cancel()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("redis mirror: %w", err)
		}
		mirrors = append(mirrors, rm)
	}
	if cfg.NATSURL != "" {
		nm, err := mirror.NewNATSMirror(mirror.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Name:    "relaychat",
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("nats mirror: %w", err)
		}
		mirrors = append(mirrors, nm)
	}
	return mirrors, nil
}

func sweepSessions(ctx context.Context, quit <-chan struct{}, store *storage.Store, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case now := <-ticker.C:
			n, err := store.DeleteExpiredSessions(ctx, now)
			if err != nil {
				log.Warn("session sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("expired sessions removed", zap.Int64("count", n))
			}
		}
	}
}

// isFilePath reports whether path names a file on disk rather than an
// in-memory database.
func isFilePath(path string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(path, "sqlite://"), "file:")
	return trimmed != "" && !strings.HasPrefix(trimmed, ":memory:") && !strings.Contains(path, "mode=memory")
}
