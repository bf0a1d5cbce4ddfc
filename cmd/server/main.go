// Package main runs the relay server until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	intrnl "relaychat/internal"
	"relaychat/internal/app"
)

func main() {
	if wantsVersion(os.Args[1:]) {
		fmt.Println(intrnl.Version)
		return
	}
	cfg, err := app.ParseServerConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[RELAY] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	if err := handle.Wait(); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

func wantsVersion(args []string) bool {
	return len(args) > 0 && (args[0] == "-version" || args[0] == "--version")
}
