package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
)

const testPIN = "4321"

func startHub(t *testing.T) (*Server, string) {
	t.Helper()
	mailbox, err := NewMemMailbox()
	require.NoError(t, err)
	srv := NewServer(testPIN, mailbox)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		mailbox.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func login(t *testing.T, url string, peer protocol.PeerID) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, url, peer, testPIN)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitOnline(t *testing.T, srv *Server, peer protocol.PeerID) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Online(peer) }, 5*time.Second, 5*time.Millisecond)
}

func TestWrongPIN(t *testing.T) {
	_, url := startHub(t)
	_, err := Connect(context.Background(), url, "alice", "0000")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestDuplicateLoginRefused(t *testing.T) {
	srv, url := startHub(t)
	login(t, url, "alice")
	waitOnline(t, srv, "alice")

	second, err := Connect(context.Background(), url, "alice", testPIN)
	require.NoError(t, err) // the upgrade succeeds, then the hub closes
	select {
	case <-second.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "second login was not closed")
	}
	require.True(t, srv.Online("alice"))
}

func TestVirtualLink(t *testing.T) {
	srv, url := startHub(t)
	alice := login(t, url, "alice")
	bob := login(t, url, "bob")
	waitOnline(t, srv, "alice")
	waitOnline(t, srv, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := alice.Dial(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, out.WriteFrame([]byte("ping")))

	in, err := bob.Accept(ctx)
	require.NoError(t, err)
	frame, err := in.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), frame)

	require.NoError(t, in.WriteFrame([]byte("pong")))
	frame, err = out.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), frame)

	require.NoError(t, in.Close())
	_, err = out.ReadFrame()
	require.ErrorIs(t, err, link.ErrClosed)
}

func TestLateFrameForEndedLinkIsDropped(t *testing.T) {
	srv, url := startHub(t)
	alice := login(t, url, "alice")
	bob := login(t, url, "bob")
	waitOnline(t, srv, "alice")
	waitOnline(t, srv, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := alice.Dial(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, out.WriteFrame([]byte("ping")))
	in, err := bob.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, in.Close())

	// a frame that was in flight when bob closed the link
	id := in.(*virtualLink).id
	bob.dispatch(&Message{Type: MsgTypeFrame, From: "alice", To: "bob", Link: id, Data: []byte("late")})

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	_, err = bob.Accept(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// a fresh link id is still accepted
	again, err := alice.Dial(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, again.WriteFrame([]byte("hello")))
	next, err := bob.Accept(ctx)
	require.NoError(t, err)
	require.NotEqual(t, id, next.(*virtualLink).id)
}

func TestDialOfflinePeerFailsFast(t *testing.T) {
	srv, url := startHub(t)
	alice := login(t, url, "alice")
	waitOnline(t, srv, "alice")

	out, err := alice.Dial(context.Background(), "carol")
	require.NoError(t, err)
	require.NoError(t, out.WriteFrame([]byte("hello?")))

	_, err = out.ReadFrame()
	require.ErrorIs(t, err, link.ErrClosed)
}

func TestPeerLeavingTerminatesLinks(t *testing.T) {
	srv, url := startHub(t)
	alice := login(t, url, "alice")
	bob := login(t, url, "bob")
	waitOnline(t, srv, "alice")
	waitOnline(t, srv, "bob")

	out, err := alice.Dial(context.Background(), "bob")
	require.NoError(t, err)
	require.NoError(t, out.WriteFrame([]byte("x")))
	_, err = bob.Accept(context.Background())
	require.NoError(t, err)

	require.NoError(t, bob.Close())
	_, err = out.ReadFrame()
	require.ErrorIs(t, err, link.ErrClosed)
}

func TestMailStoredForOfflinePeer(t *testing.T) {
	srv, url := startHub(t)
	alice := login(t, url, "alice")
	waitOnline(t, srv, "alice")

	require.NoError(t, alice.Post("carol", []byte("first")))
	require.NoError(t, alice.Post("carol", []byte("second")))
	require.Eventually(t, func() bool { return srv.mailbox.Count("carol") == 2 }, 5*time.Second, 5*time.Millisecond)

	carol := login(t, url, "carol")
	got := make(chan string, 2)
	carol.OnMail(func(from protocol.PeerID, data []byte) {
		require.Equal(t, protocol.PeerID("alice"), from)
		got <- string(data)
	})

	for _, want := range []string{"first", "second"} {
		select {
		case s := <-got:
			require.Equal(t, want, s)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "mail not delivered")
		}
	}
	require.Zero(t, srv.mailbox.Count("carol"))
}

func TestSignalForwarded(t *testing.T) {
	srv, url := startHub(t)
	alice := login(t, url, "alice")
	bob := login(t, url, "bob")
	waitOnline(t, srv, "bob")

	got := make(chan *Signal, 1)
	bob.OnSignal(func(from protocol.PeerID, sig *Signal) {
		if from == "alice" {
			got <- sig
		}
	})

	require.NoError(t, alice.SendSignal("bob", &Signal{Type: SignalOffer, Session: "s", SDP: "v=0"}))
	select {
	case sig := <-got:
		require.Equal(t, SignalOffer, sig.Type)
		require.Equal(t, "v=0", sig.SDP)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "signal not forwarded")
	}
}

func TestMailboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenMailbox(dir)
	require.NoError(t, err)
	require.NoError(t, m.Put("bob", []byte("a")))
	require.NoError(t, m.Put("bob", []byte("b")))
	require.NoError(t, m.Put("bobby", []byte("c")))
	require.NoError(t, m.Close())

	m, err = OpenMailbox(dir)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Put("bob", []byte("d")))

	msgs, err := m.Take("bob")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("d")}, msgs)
	require.Equal(t, 1, m.Count("bobby"))
}
