package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	intrnl "relaychat/internal"
	"relaychat/internal/app"
	"relaychat/internal/auth"
)

const (
	modeServer  = "server"
	modeClient  = "client"
	modeLocal   = "local"
	modeVersion = "version"
)

func main() {
	mode, args := parseMode(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeVersion:
		fmt.Println(intrnl.Version)
		return
	case modeServer:
		err = runServerMode(ctx, args)
	case modeLocal:
		err = runLocalMode(ctx, args)
	default:
		err = runClientMode(args)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, args []string) error {
	cfg, err := app.ParseServerConfig(flag.NewFlagSet("relaychat server", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runClientMode(args []string) error {
	cfg, err := app.ParseClientConfig(flag.NewFlagSet("relaychat", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	if cfg.Token == "" {
		return errors.New("client mode requires -token or RELAYCHAT_TOKEN")
	}
	return app.RunClient(cfg)
}

// runLocalMode starts a private relay on a loopback port, mints a token for
// -user and attaches the probe to it.
func runLocalMode(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("relaychat local", flag.ExitOnError)
	addr := flagSet.String("addr", "127.0.0.1:0", "server listen address")
	db := flagSet.String("db", "", "sqlite database path (defaults to a per-user path)")
	user := flagSet.String("user", os.Getenv("USER"), "user id to connect as")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	userID := strings.TrimSpace(*user)
	if userID == "" {
		return errors.New("local mode requires -user")
	}
	peer := ""
	if remaining := flagSet.Args(); len(remaining) > 0 {
		peer = remaining[0]
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}
	serverCfg := app.ServerConfig{
		Addr:            *addr,
		Path:            "/ws",
		DBPath:          *db,
		AuthMode:        app.AuthModeJWT,
		JWTSecret:       secret,
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
	}
	if serverCfg.DBPath == "" {
		serverCfg.DBPath = app.DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(serverCfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logPath := filepath.Join(filepath.Dir(serverCfg.DBPath), "relaychat.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	serverCfg.LogOutput = logFile

	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	log.Printf("Starting local relay on %s (db %s, logs %s)", handle.Addr(), serverCfg.DBPath, logPath)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	token, err := auth.IssueToken(auth.JWTConfig{Secret: []byte(secret)}, userID, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	clientCfg := app.ClientConfig{
		ServerURL: buildWebsocketURL(handle.Addr(), serverCfg.Path),
		Token:     token,
		Peer:      peer,
	}
	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal, modeVersion:
		return strings.ToLower(args[0]), args[1:]
	case "-version", "--version":
		return modeVersion, args[1:]
	}
	return modeClient, args
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
