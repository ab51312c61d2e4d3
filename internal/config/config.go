// Package config holds the configuration of the peer and relay commands.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/coact/internal/collab"
	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/sequence"
	"github.com/1ureka/coact/internal/sequencer"
	"github.com/1ureka/coact/internal/session"
	"github.com/1ureka/coact/internal/transfer"
	"github.com/1ureka/coact/internal/transport"
	"github.com/1ureka/coact/internal/webrtc"
)

// EnvPrefix prefixes environment overrides, e.g. COACT_RELAY_PIN.
const EnvPrefix = "COACT"

// Config stores everything the peer and relay commands need.
type Config struct {
	ID            string `mapstructure:"id"`
	Debug         bool   `mapstructure:"debug"`
	MetricsListen string `mapstructure:"metrics-listen"`
	Document      string `mapstructure:"document"`
	// Members are collaboration peers reachable through the relay; QUIC
	// peers are members too.
	Members []string `mapstructure:"members"`

	Relay    RelayConfig    `mapstructure:"relay"`
	QUIC     QUICConfig     `mapstructure:"quic"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Sequence SequenceConfig `mapstructure:"sequence"`
}

// RelayConfig configures both sides of the relay.
type RelayConfig struct {
	URL     string `mapstructure:"url"`     // peer: relay endpoint
	PIN     string `mapstructure:"pin"`     // shared by peer and server
	Listen  string `mapstructure:"listen"`  // server: listen address
	Mailbox string `mapstructure:"mailbox"` // server: LevelDB directory, empty keeps mail in memory
}

// QUICConfig configures the direct QUIC transport.
type QUICConfig struct {
	Listen       string            `mapstructure:"listen"`
	Peers        map[string]string `mapstructure:"peers"` // peer id -> host:port
	IdleTimeout  time.Duration     `mapstructure:"idle-timeout"`
	MaxFrameSize int               `mapstructure:"max-frame-size"`
}

// WebRTCConfig configures the direct WebRTC transport.
type WebRTCConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	STUNServers    []string      `mapstructure:"stun-servers"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
}

// TransferConfig configures chunked transfers.
type TransferConfig struct {
	ChunkSize    int           `mapstructure:"chunk-size"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	MaxPolls     int           `mapstructure:"max-polls"`
	Compression  bool          `mapstructure:"compression"`
	MaxMailSize  int           `mapstructure:"max-mail-size"`
	DialBackoff  time.Duration `mapstructure:"dial-backoff"` // skip a transport that failed to reach a peer
}

// SequenceConfig configures ordering of activities.
type SequenceConfig struct {
	GapTimeout    time.Duration `mapstructure:"gap-timeout"`
	DrainInterval time.Duration `mapstructure:"drain-interval"`
	FlushInterval time.Duration `mapstructure:"flush-interval"`
	SendTimeout   time.Duration `mapstructure:"send-timeout"`
	FirstSequence uint32        `mapstructure:"first-sequence"`
	Compaction    bool          `mapstructure:"compaction"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Document: "shared.txt",
		Relay: RelayConfig{
			Listen: ":8080",
		},
		QUIC: QUICConfig{
			Peers:        map[string]string{},
			IdleTimeout:  30 * time.Second,
			MaxFrameSize: link.DefaultMaxFrameSize,
		},
		WebRTC: WebRTCConfig{
			Enabled:        true,
			STUNServers:    slices.Clone(webrtc.DefaultSTUNServers),
			ConnectTimeout: 20 * time.Second,
		},
		Transfer: TransferConfig{
			ChunkSize:    transfer.DefaultChunkSize,
			PollInterval: transfer.DefaultPollInterval,
			MaxPolls:     transfer.DefaultMaxPolls,
			Compression:  true,
			MaxMailSize:  transport.DefaultMaxMailSize,
			DialBackoff:  session.DefaultDialBackoff,
		},
		Sequence: SequenceConfig{
			GapTimeout:    sequence.DefaultGapTimeout,
			DrainInterval: sequencer.DefaultDrainInterval,
			FlushInterval: collab.DefaultFlushInterval,
			SendTimeout:   collab.DefaultSendTimeout,
			Compaction:    true,
		},
	}
}

// SetDefaults registers every key of DefaultConfig with v so that
// environment variables can override keys that are not in a file.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	defaults := map[string]any{
		"id":                      d.ID,
		"debug":                   d.Debug,
		"metrics-listen":          d.MetricsListen,
		"document":                d.Document,
		"members":                 d.Members,
		"relay.url":               d.Relay.URL,
		"relay.pin":               d.Relay.PIN,
		"relay.listen":            d.Relay.Listen,
		"relay.mailbox":           d.Relay.Mailbox,
		"quic.listen":             d.QUIC.Listen,
		"quic.peers":              d.QUIC.Peers,
		"quic.idle-timeout":       d.QUIC.IdleTimeout,
		"quic.max-frame-size":     d.QUIC.MaxFrameSize,
		"webrtc.enabled":          d.WebRTC.Enabled,
		"webrtc.stun-servers":     d.WebRTC.STUNServers,
		"webrtc.connect-timeout":  d.WebRTC.ConnectTimeout,
		"transfer.chunk-size":     d.Transfer.ChunkSize,
		"transfer.poll-interval":  d.Transfer.PollInterval,
		"transfer.max-polls":      d.Transfer.MaxPolls,
		"transfer.compression":    d.Transfer.Compression,
		"transfer.max-mail-size":  d.Transfer.MaxMailSize,
		"transfer.dial-backoff":   d.Transfer.DialBackoff,
		"sequence.gap-timeout":    d.Sequence.GapTimeout,
		"sequence.drain-interval": d.Sequence.DrainInterval,
		"sequence.flush-interval": d.Sequence.FlushInterval,
		"sequence.send-timeout":   d.Sequence.SendTimeout,
		"sequence.first-sequence": d.Sequence.FirstSequence,
		"sequence.compaction":     d.Sequence.Compaction,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads the optional config file at path, the COACT_ environment and
// whatever flags were bound to v, in increasing precedence.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// MemberIDs returns the configured members and QUIC peers without
// duplicates or the local id.
func (c *Config) MemberIDs() []protocol.PeerID {
	ids := make([]protocol.PeerID, 0, len(c.Members)+len(c.QUIC.Peers))
	for _, m := range c.Members {
		ids = append(ids, protocol.PeerID(m))
	}
	for p := range c.QUIC.Peers {
		ids = append(ids, protocol.PeerID(p))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return slices.DeleteFunc(ids, func(id protocol.PeerID) bool {
		return id == "" || id == protocol.PeerID(c.ID)
	})
}

// ValidatePeer checks the settings the peer command cannot run without.
func (c *Config) ValidatePeer() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("missing peer id"))
	}
	if strings.Contains(c.ID, "/") {
		errs = append(errs, fmt.Errorf("peer id %q must not contain '/'", c.ID))
	}
	if c.Relay.URL == "" && len(c.QUIC.Peers) == 0 {
		errs = append(errs, errors.New("need a relay url or at least one quic peer"))
	}
	if c.Transfer.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.Transfer.ChunkSize))
	}
	if c.Transfer.PollInterval <= 0 || c.Transfer.MaxPolls <= 0 {
		errs = append(errs, errors.New("confirmation poll interval and max polls must be positive"))
	}
	if c.Sequence.GapTimeout < 0 {
		errs = append(errs, errors.New("gap timeout must not be negative"))
	}
	if c.Sequence.FlushInterval <= 0 || c.Sequence.DrainInterval <= 0 {
		errs = append(errs, errors.New("flush and drain intervals must be positive"))
	}
	return errors.Join(errs...)
}
