package app

import (
	"errors"

	intrnl "relaychat/internal"
)

// RunClient launches the Bubble Tea probe with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunClient(cfg.ServerURL, cfg.Token, cfg.Peer)
}
