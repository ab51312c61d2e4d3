// Coact: CLI entry point.
//
// `coact peer` joins a collaboration: every line typed on stdin becomes an
// edit of a shared document, edits of the other peers are printed as they
// are applied. Peers talk directly over QUIC or WebRTC when they can and
// fall back to the relay, whose mailbox holds transfers for offline peers.
// `coact relay` runs that relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/coact/internal/app"
	"github.com/1ureka/coact/internal/config"
	"github.com/1ureka/coact/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:           "coact",
		Short:         "Collaborative editing over direct and relayed links",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (yaml, toml or json)")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	root.PersistentFlags().String("metrics-listen", "", "Serve prometheus metrics on this address")
	bind(v, "debug", root.PersistentFlags().Lookup("debug"))
	bind(v, "metrics-listen", root.PersistentFlags().Lookup("metrics-listen"))

	load := func() (config.Config, error) {
		cfg, err := config.Load(v, configPath)
		if err != nil {
			return cfg, err
		}
		if cfg.Debug {
			util.EnableDebug()
		}
		pterm.Info.Println(fmt.Sprintf("Coact — v%s", version))
		pterm.Println()
		return cfg, nil
	}

	root.AddCommand(peerCommand(v, load), relayCommand(v, load))
	return root
}

func peerCommand(v *viper.Viper, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a collaboration; stdin lines become edits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.ID == "" {
				cfg.ID = askText("Your peer id (e.g. alice)")
			}
			if cfg.Relay.URL == "" && len(cfg.QUIC.Peers) == 0 {
				cfg.Relay.URL = askURL()
			}
			if cfg.Relay.URL != "" {
				if cfg.Relay.URL, err = normalizeWSURL(cfg.Relay.URL); err != nil {
					return err
				}
			}
			if cfg.Relay.URL != "" && cfg.Relay.PIN == "" {
				cfg.Relay.PIN = askText("Relay PIN")
			}
			return runPeer(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("id", "", "Peer id of this member")
	f.String("relay", "", "Relay WebSocket URL (e.g. wss://host/ws)")
	f.String("pin", "", "Relay PIN")
	f.String("quic-listen", "", "Accept direct QUIC links on this address")
	f.StringToString("peer", nil, "Direct QUIC peer as id=host:port, repeatable")
	f.StringSlice("member", nil, "Collaboration member reachable through the relay, repeatable")
	f.String("document", "", "Path label of the shared document")
	f.Bool("webrtc", true, "Try WebRTC before the relay")
	f.Int("chunk-size", 0, "Transfer chunk size in bytes")
	f.Duration("gap-timeout", 0, "How long a missing activity may hold back later ones")
	f.Bool("compression", true, "Compress transfers with zstd")

	for key, flag := range map[string]string{
		"id":                   "id",
		"relay.url":            "relay",
		"relay.pin":            "pin",
		"quic.listen":          "quic-listen",
		"quic.peers":           "peer",
		"members":              "member",
		"document":             "document",
		"webrtc.enabled":       "webrtc",
		"transfer.chunk-size":  "chunk-size",
		"sequence.gap-timeout": "gap-timeout",
		"transfer.compression": "compression",
	} {
		bind(v, key, f.Lookup(flag))
	}
	return cmd
}

func relayCommand(v *viper.Viper, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay and mailbox hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			serveMetrics(ctx, cfg.MetricsListen)
			util.StartStatsReporter(ctx, 5*time.Second)
			return app.RunRelay(ctx, cfg.Relay)
		},
	}

	f := cmd.Flags()
	f.String("listen", "", "Listen address")
	f.String("pin", "", "PIN peers must present, random when empty")
	f.String("mailbox", "", "LevelDB directory for mail to offline peers, in memory when empty")
	bind(v, "relay.listen", f.Lookup("listen"))
	bind(v, "relay.pin", f.Lookup("pin"))
	bind(v, "relay.mailbox", f.Lookup("mailbox"))
	return cmd
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runPeer(ctx context.Context, cfg config.Config) error {
	peer, err := app.NewPeer(ctx, cfg, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to start peer: %w", err)
	}
	defer peer.Close()

	serveMetrics(ctx, cfg.MetricsListen)
	util.StartStatsReporter(ctx, 5*time.Second)

	if addr := peer.QUICAddr(); addr != "" {
		util.LogInfo("accepting direct links on %s", addr)
	}
	util.LogSuccess("joined as %s, type to edit %s, /peers /test /send /join /leave /show for commands", cfg.ID, cfg.Document)

	if err := peer.Run(ctx, os.Stdin); err != nil {
		return err
	}
	util.LogInfo("left the collaboration")
	return nil
}

// serveMetrics exposes /metrics on addr until ctx is done. Empty addr
// disables it.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("metrics server: %v", err)
		}
	}()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func bind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askText prompts until a non-empty answer is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if s := strings.TrimSpace(raw); s != "" {
			pterm.Println()
			return s
		}
		util.LogWarning("this value is required")
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
