package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/transfer"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Relay, cfg.Relay)
	require.Equal(t, DefaultConfig().WebRTC.STUNServers, cfg.WebRTC.STUNServers)
	require.Equal(t, transfer.DefaultChunkSize, cfg.Transfer.ChunkSize)
	require.Equal(t, time.Minute, cfg.Sequence.GapTimeout)
	require.Zero(t, cfg.Sequence.FirstSequence)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coact.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: alice
relay:
  url: ws://file:8080/ws
  pin: "1111"
quic:
  peers:
    bob: 10.0.0.2:7000
sequence:
  gap-timeout: 90s
transfer:
  chunk-size: 65536
`), 0o600))

	t.Setenv("COACT_RELAY_PIN", "2222")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("relay", "", "")
	require.NoError(t, flags.Parse([]string{"--relay", "ws://flag:9090/ws"}))

	v := viper.New()
	require.NoError(t, v.BindPFlag("relay.url", flags.Lookup("relay")))

	cfg, err := Load(v, path)
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.ID)
	require.Equal(t, "ws://flag:9090/ws", cfg.Relay.URL)
	require.Equal(t, "2222", cfg.Relay.PIN)
	require.Equal(t, map[string]string{"bob": "10.0.0.2:7000"}, cfg.QUIC.Peers)
	require.Equal(t, 90*time.Second, cfg.Sequence.GapTimeout)
	require.Equal(t, 65536, cfg.Transfer.ChunkSize)
	require.True(t, cfg.Transfer.Compression)
	require.NoError(t, cfg.ValidatePeer())
}

func TestMemberIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ID = "alice"
	cfg.Members = []string{"carol", "alice", "bob", ""}
	cfg.QUIC.Peers = map[string]string{"bob": "10.0.0.2:7000", "dave": "10.0.0.4:7000"}
	require.Equal(t, []protocol.PeerID{"bob", "carol", "dave"}, cfg.MemberIDs())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidatePeer(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.ValidatePeer())

	cfg.ID = "alice"
	cfg.Relay.URL = "ws://localhost:8080/ws"
	require.NoError(t, cfg.ValidatePeer())

	cfg.ID = "a/b"
	cfg.Transfer.ChunkSize = 0
	cfg.Sequence.GapTimeout = -time.Second
	err := cfg.ValidatePeer()
	require.ErrorContains(t, err, "must not contain")
	require.ErrorContains(t, err, "chunk size")
	require.ErrorContains(t, err, "gap timeout")
}
