package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	AuthModeJWT     = "jwt"
	AuthModeSession = "session"
)

// ServerConfig defines how the relay server runs. Every field can be set from
// a RELAYCHAT_* variable; the common ones also have flags.
type ServerConfig struct {
	Addr     string `env:"RELAYCHAT_ADDR"      envDefault:":8080"`
	Path     string `env:"RELAYCHAT_PATH"      envDefault:"/ws"`
	DBPath   string `env:"RELAYCHAT_DB_PATH"`
	AuthMode string `env:"RELAYCHAT_AUTH_MODE" envDefault:"jwt"`

	JWTSecret string        `env:"RELAYCHAT_JWT_SECRET"`
	JWTIssuer string        `env:"RELAYCHAT_JWT_ISSUER"`
	JWTLeeway time.Duration `env:"RELAYCHAT_JWT_LEEWAY" envDefault:"30s"`

	HandshakeTimeout      time.Duration `env:"RELAYCHAT_HANDSHAKE_TIMEOUT"        envDefault:"10s"`
	SendBuffer            int           `env:"RELAYCHAT_SEND_BUFFER"              envDefault:"256"`
	MaxFrameBytes         int64         `env:"RELAYCHAT_MAX_FRAME_BYTES"          envDefault:"8192"`
	FramesPerWindow       int           `env:"RELAYCHAT_FRAMES_PER_WINDOW"        envDefault:"20"`
	FrameWindow           time.Duration `env:"RELAYCHAT_FRAME_WINDOW"             envDefault:"3s"`
	AuthAttemptsPerMinute int           `env:"RELAYCHAT_AUTH_ATTEMPTS_PER_MINUTE" envDefault:"30"`
	TrustProxy            bool          `env:"RELAYCHAT_TRUST_PROXY"`

	RedisAddr     string `env:"RELAYCHAT_REDIS_ADDR"`
	RedisPassword string `env:"RELAYCHAT_REDIS_PASSWORD"`
	RedisDB       int    `env:"RELAYCHAT_REDIS_DB"`
	NATSURL       string `env:"RELAYCHAT_NATS_URL"`
	NATSSubject   string `env:"RELAYCHAT_NATS_SUBJECT" envDefault:"relaychat.presence"`
	MirrorQueue   int    `env:"RELAYCHAT_MIRROR_QUEUE" envDefault:"1024"`

	SessionSweep    time.Duration `env:"RELAYCHAT_SESSION_SWEEP"    envDefault:"5m"`
	ShutdownTimeout time.Duration `env:"RELAYCHAT_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel       string `env:"RELAYCHAT_LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"RELAYCHAT_LOG_DEV"`
	OTelEndpoint   string `env:"RELAYCHAT_OTEL_ENDPOINT"`
	// LogOutput replaces stdout for server logs, e.g. when a TUI owns the terminal.
	LogOutput io.Writer `env:"-"`
}

// ClientConfig defines the parameters the probe client needs.
type ClientConfig struct {
	ServerURL string `env:"RELAYCHAT_SERVER" envDefault:"ws://localhost:8080/ws"`
	Token     string `env:"RELAYCHAT_TOKEN"`
	Peer      string `env:"RELAYCHAT_PEER"`
}

// ParseServerConfig reads the environment, then lets flags override it.
func ParseServerConfig(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	if err := cfg.Normalize(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// BindFlags registers the server flags on fs, defaulting to the current values.
func (cfg *ServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "websocket path")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path (defaults to a per-user path)")
	fs.StringVar(&cfg.AuthMode, "auth-mode", cfg.AuthMode, "credential verifier: jwt or session")
	fs.StringVar(&cfg.JWTIssuer, "jwt-issuer", cfg.JWTIssuer, "required JWT issuer, if any")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "rate limit handshakes by X-Forwarded-For (only behind a proxy that sets it)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for the presence mirror")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL for the presence mirror")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.LogDevelopment, "log-dev", cfg.LogDevelopment, "human friendly colored logs")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP traces endpoint")
}

// Normalize fills derived defaults and rejects inconsistent settings.
func (cfg *ServerConfig) Normalize() error {
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	switch cfg.AuthMode {
	case AuthModeJWT:
		if cfg.JWTSecret == "" {
			return errors.New("RELAYCHAT_JWT_SECRET is required in jwt auth mode")
		}
	case AuthModeSession:
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// ParseClientConfig reads the environment and flags. The first positional
// argument, when present, selects the peer.
func ParseClientConfig(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "websocket URL (e.g., ws://localhost:8080/ws)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token presented at the handshake")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Peer = rest[0]
	}
	return cfg, nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if dir := os.Getenv("RELAYCHAT_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "relaychat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "relaychat", "relaychat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Relaychat", "relaychat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Relaychat", "relaychat.db")
		}
		return filepath.Join(home, ".local", "share", "relaychat", "relaychat.db")
	}
	return filepath.Join(".", ".relaychat", "relaychat.db")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeJoinPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
