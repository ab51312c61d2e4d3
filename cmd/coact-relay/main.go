// Coact relay: standalone relay and mailbox hub.
//
// Peers that cannot reach each other directly exchange frames, WebRTC
// signaling and mail through this hub. Mail for offline peers is kept until
// they log in again.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/coact/internal/app"
	"github.com/1ureka/coact/internal/config"
	"github.com/1ureka/coact/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.DefaultConfig().Relay
	pflag.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address")
	pflag.StringVar(&cfg.PIN, "pin", os.Getenv(config.EnvPrefix+"_RELAY_PIN"), "PIN peers must present, random when empty")
	pflag.StringVar(&cfg.Mailbox, "mailbox", "", "LevelDB directory for mail to offline peers, in memory when empty")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Coact relay — v%s", version))
	pterm.Println()

	util.StartStatsReporter(ctx, 5*time.Second)
	if err := app.RunRelay(ctx, cfg); err != nil {
		util.LogError("relay stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("relay closed")
}
