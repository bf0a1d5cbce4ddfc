package main

import (
	"flag"
	"fmt"
	"os"

	"relaychat/internal/app"
)

func main() {
	cfg, err := app.ParseClientConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
