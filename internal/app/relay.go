package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/pterm/pterm"

	"github.com/1ureka/coact/internal/config"
	"github.com/1ureka/coact/internal/relay"
	"github.com/1ureka/coact/internal/util"
)

// RunRelay serves the relay hub until ctx is done. Without a configured PIN a
// random one is generated and printed. Mail is kept in LevelDB when a mailbox
// directory is configured, in memory otherwise.
func RunRelay(ctx context.Context, cfg config.RelayConfig) error {
	pin := cfg.PIN
	if pin == "" {
		pin = generatePIN(4)
	}

	var (
		mailbox *relay.Mailbox
		err     error
	)
	if cfg.Mailbox != "" {
		mailbox, err = relay.OpenMailbox(cfg.Mailbox)
	} else {
		mailbox, err = relay.NewMemMailbox()
	}
	if err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}
	defer mailbox.Close()

	store := cfg.Mailbox
	if store == "" {
		store = "(memory)"
	}
	pterm.DefaultBox.WithTitle("Relay").Println(fmt.Sprintf("Listen  : %s\nPIN     : %s\nMailbox : %s", cfg.Listen, pin, store))
	util.LogInfo("waiting for peers...")

	return relay.NewServer(pin, mailbox).ListenAndServe(ctx, cfg.Listen)
}

// generatePIN returns a random numeric PIN of the specified length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
