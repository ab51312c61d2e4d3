package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/session"
	"github.com/1ureka/coact/internal/transfer"
)

type fakeTransport struct {
	mode     protocol.TransferMode
	suitable bool
	err      error
	sent     int
}

func (f *fakeTransport) Mode() protocol.TransferMode     { return f.mode }
func (f *fakeTransport) IsSuitable(protocol.PeerID) bool { return f.suitable }
func (f *fakeTransport) Send(context.Context, *protocol.Description, []byte, *transfer.Monitor) (protocol.TransferMode, error) {
	f.sent++
	if f.err != nil {
		return protocol.ModeUnknown, f.err
	}
	return f.mode, nil
}

func testDesc() *protocol.Description {
	return &protocol.Description{Type: protocol.TransferResource, Sender: "alice", Recipient: "bob"}
}

func TestSelectorFallsBack(t *testing.T) {
	p2p := &fakeTransport{mode: protocol.ModeP2P, suitable: true, err: errors.New("ice failed")}
	relayed := &fakeTransport{mode: protocol.ModeRelay, suitable: true}
	s := NewSelector([]Transport{p2p, relayed})

	mode, err := s.SendData(context.Background(), testDesc(), []byte("x"), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ModeRelay, mode)
	require.Equal(t, 1, p2p.sent)
	require.Equal(t, protocol.ModeRelay, s.OutgoingTransferMode("bob"))
	require.Equal(t, protocol.ModeUnknown, s.IncomingTransferMode("bob"))
}

func TestSelectorSkipsUnsuitable(t *testing.T) {
	p2p := &fakeTransport{mode: protocol.ModeP2P}
	relayed := &fakeTransport{mode: protocol.ModeRelay, suitable: true}
	s := NewSelector([]Transport{p2p, relayed})

	_, err := s.SendData(context.Background(), testDesc(), nil, nil)
	require.NoError(t, err)
	require.Zero(t, p2p.sent)
}

func TestSelectorExhausted(t *testing.T) {
	cause := errors.New("ice failed")
	p2p := &fakeTransport{mode: protocol.ModeP2P, suitable: true, err: cause}
	relayed := &fakeTransport{mode: protocol.ModeRelay, suitable: true, err: errors.New("relay down")}
	s := NewSelector([]Transport{p2p, relayed})

	_, err := s.SendData(context.Background(), testDesc(), nil, nil)
	require.ErrorIs(t, err, ErrTransportExhausted)
	require.ErrorIs(t, err, cause)
	require.Equal(t, protocol.ModeUnknown, s.OutgoingTransferMode("bob"))

	// nothing suitable at all
	_, err = NewSelector(nil).SendData(context.Background(), testDesc(), nil, nil)
	require.ErrorIs(t, err, ErrTransportExhausted)
	require.EqualError(t, err, "all transports failed: no suitable transport for bob")

	unsuitable := &fakeTransport{mode: protocol.ModeP2P}
	_, err = NewSelector([]Transport{unsuitable}).SendData(context.Background(), testDesc(), nil, nil)
	require.ErrorIs(t, err, ErrTransportExhausted)
	require.NotContains(t, err.Error(), "%!")
	require.Zero(t, unsuitable.sent)
}

func TestSelectorStopsOnCancellation(t *testing.T) {
	rejected := &transfer.Error{Op: "send", Kind: transfer.ErrRemoteCancellation}
	p2p := &fakeTransport{mode: protocol.ModeP2P, suitable: true, err: rejected}
	relayed := &fakeTransport{mode: protocol.ModeRelay, suitable: true}
	s := NewSelector([]Transport{p2p, relayed})

	_, err := s.SendData(context.Background(), testDesc(), nil, nil)
	require.ErrorIs(t, err, transfer.ErrRemoteCancellation)
	require.NotErrorIs(t, err, ErrTransportExhausted)
	require.Zero(t, relayed.sent)
}

func TestSelectorModeRecords(t *testing.T) {
	s := NewSelector(nil, WithModeCacheSize(1))
	s.RecordIncoming("bob", protocol.ModeStoreForward)
	require.Equal(t, protocol.ModeStoreForward, s.IncomingTransferMode("bob"))

	s.Reset("bob")
	require.Equal(t, protocol.ModeUnknown, s.IncomingTransferMode("bob"))

	// the cache evicts the least recently used record
	s.RecordIncoming("bob", protocol.ModeP2P)
	s.RecordIncoming("carol", protocol.ModeRelay)
	require.Equal(t, protocol.ModeUnknown, s.IncomingTransferMode("bob"))
	require.Equal(t, protocol.ModeRelay, s.IncomingTransferMode("carol"))
}

// postbox records posted mail.
type postbox struct {
	mu     sync.Mutex
	online bool
	mail   [][]byte
}

func (p *postbox) CanDial(protocol.PeerID) bool { return p.online }
func (p *postbox) Post(_ protocol.PeerID, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mail = append(p.mail, data)
	return nil
}

func TestMailboxRoundTrip(t *testing.T) {
	box := &postbox{online: true}
	mt := NewMailboxTransport(box, 16)

	mode, err := mt.Send(context.Background(), testDesc(), []byte("hello"), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ModeStoreForward, mode)
	require.Len(t, box.mail, 1)

	in, err := OpenMail("alice", box.mail[0])
	require.NoError(t, err)
	require.Equal(t, protocol.ModeStoreForward, in.Mode())
	require.Equal(t, protocol.TransferResource, in.Description().Type)
	require.Equal(t, int64(5), in.Description().Size)

	data, err := in.Accept(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = mt.Send(context.Background(), testDesc(), make([]byte, 17), nil)
	require.Error(t, err)

	_, err = OpenMail("alice", []byte{0xff})
	require.ErrorIs(t, err, protocol.ErrMalformed)
}

type pipeDialer struct {
	remote *session.Manager
}

func (d *pipeDialer) Mode() protocol.TransferMode  { return protocol.ModeRelay }
func (d *pipeDialer) CanDial(protocol.PeerID) bool { return true }
func (d *pipeDialer) Dial(ctx context.Context, _ protocol.PeerID) (link.Conn, error) {
	local, remote := link.Pipe()
	go d.remote.Accept(context.Background(), remote, protocol.ModeRelay)
	return local, nil
}

func TestChannelTransportFallsBackToMailbox(t *testing.T) {
	received := make(chan []byte, 1)
	bob := session.NewManager("bob", session.WithIncomingHandler(func(in *transfer.Incoming) {
		data, err := in.Accept(context.Background(), nil)
		if err == nil {
			received <- data
		}
	}))
	defer bob.Close()

	alice := session.NewManager("alice", session.WithDialers(&pipeDialer{remote: bob}))
	defer alice.Close()

	p2p := NewChannelTransport(alice, protocol.ModeP2P)
	relayed := NewChannelTransport(alice, protocol.ModeRelay)
	require.False(t, p2p.IsSuitable("bob"))
	require.True(t, relayed.IsSuitable("bob"))

	s := NewSelector([]Transport{p2p, relayed})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mode, err := s.SendData(ctx, testDesc(), []byte("payload"), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ModeRelay, mode)
	require.Equal(t, []byte("payload"), <-received)

	// with no channel transport available the mailbox takes over
	box := &postbox{online: true}
	s = NewSelector([]Transport{p2p, NewMailboxTransport(box, 0)})
	mode, err = s.SendData(ctx, testDesc(), []byte("later"), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ModeStoreForward, mode)
	require.Len(t, box.mail, 1)
}
