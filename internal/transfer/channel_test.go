package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
)

const testChunk = 1024

type pair struct {
	sender   *Channel
	receiver *Channel
	incoming chan *Incoming
	closed   chan error
}

func newPair(t *testing.T, opts ...Opt) *pair {
	t.Helper()
	a, b := link.Pipe()
	p := &pair{
		incoming: make(chan *Incoming, 16),
		closed:   make(chan error, 1),
	}
	base := []Opt{WithChunkSize(testChunk), WithConfirmTimeout(10*time.Millisecond, 500)}
	p.sender = New(a, "bob", append(base, opts...)...)
	p.receiver = New(b, "alice", append(base,
		WithIncomingHandler(func(in *Incoming) { p.incoming <- in }),
		WithCloseHandler(func(err error) { p.closed <- err }),
	)...)
	t.Cleanup(func() {
		p.sender.Close()
		p.receiver.Close()
	})
	return p
}

func (p *pair) next(t *testing.T) *Incoming {
	t.Helper()
	select {
	case in := <-p.incoming:
		return in
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no incoming transfer")
		return nil
	}
}

func randomBytes(t *testing.T, n int) []byte {
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func sendAsync(p *pair, desc *protocol.Description, data []byte, mon *Monitor) chan error {
	res := make(chan error, 1)
	go func() { res <- p.sender.Send(context.Background(), desc, data, mon) }()
	return res
}

func TestRoundTrip(t *testing.T) {
	sizes := map[string]int{
		"empty":       0,
		"one byte":    1,
		"one chunk":   testChunk,
		"chunk+1":     testChunk + 1,
		"three megas": 3 << 20,
	}
	for name, size := range sizes {
		for _, compressed := range []bool{false, true} {
			t.Run(name, func(t *testing.T) {
				p := newPair(t, WithCompression(compressed))
				data := randomBytes(t, size)
				if compressed {
					// compressible payload
					data = bytes.Repeat([]byte("coact "), size/6+1)[:size]
				}

				res := sendAsync(p, &protocol.Description{Type: protocol.TransferResource, Name: "f"}, data, nil)
				in := p.next(t)
				require.Equal(t, protocol.TransferResource, in.Description().Type)
				require.Equal(t, int64(size), in.Description().Size)

				got, err := in.Accept(context.Background(), nil)
				require.NoError(t, err)
				require.True(t, bytes.Equal(data, got))
				require.NoError(t, <-res)
			})
		}
	}
}

func TestConcurrentSendsInterleave(t *testing.T) {
	p := newPair(t)
	payloads := make(map[string][]byte)
	results := make([]chan error, 0, 8)
	for i := 0; i < 8; i++ {
		name := string(rune('a' + i))
		payloads[name] = randomBytes(t, 10*testChunk+i)
		results = append(results, sendAsync(p, &protocol.Description{Type: protocol.TransferCustom, Name: name}, payloads[name], nil))
	}

	for i := 0; i < 8; i++ {
		in := p.next(t)
		go func() {
			got, err := in.Accept(context.Background(), nil)
			if err == nil && !bytes.Equal(got, payloads[in.Description().Name]) {
				err = errors.New("payload mismatch")
			}
			if err != nil {
				in.Reject()
			}
		}()
	}
	for _, res := range results {
		require.NoError(t, <-res)
	}
}

func TestProgressReported(t *testing.T) {
	p := newPair(t)
	data := randomBytes(t, 4*testChunk)

	var reports []int64
	mon := NewMonitor(func(done, total int64, _ time.Duration) {
		require.Equal(t, int64(len(data)), total)
		reports = append(reports, done)
	})
	res := sendAsync(p, &protocol.Description{Type: protocol.TransferResource}, data, mon)
	_, err := p.next(t).Accept(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, <-res)
	require.Equal(t, []int64{1024, 2048, 3072, 4096}, reports)
}

func TestReject(t *testing.T) {
	p := newPair(t)
	res := sendAsync(p, &protocol.Description{Type: protocol.TransferArchive}, randomBytes(t, 100), nil)

	in := p.next(t)
	require.NoError(t, in.Reject())

	err := <-res
	require.ErrorIs(t, err, ErrRemoteCancellation)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "send", terr.Op)

	require.ErrorIs(t, in.Reject(), ErrProtocolViolation)
	_, err = in.Accept(context.Background(), nil)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDoubleAccept(t *testing.T) {
	p := newPair(t)
	res := sendAsync(p, &protocol.Description{Type: protocol.TransferResource}, []byte("once"), nil)

	in := p.next(t)
	_, err := in.Accept(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, <-res)

	_, err = in.Accept(context.Background(), nil)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.ErrorIs(t, in.Reject(), ErrProtocolViolation)

	// the connection survives a misuse of a handle
	res = sendAsync(p, &protocol.Description{Type: protocol.TransferResource}, []byte("twice"), nil)
	got, err := p.next(t).Accept(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("twice"), got)
	require.NoError(t, <-res)
}

func TestLocalCancelReachesReceiver(t *testing.T) {
	p := newPair(t)
	mon := NewMonitor(nil)
	res := sendAsync(p, &protocol.Description{Type: protocol.TransferResource}, randomBytes(t, 3*testChunk), mon)

	in := p.next(t)
	mon.Cancel()
	require.ErrorIs(t, <-res, ErrLocalCancellation)

	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "receiver did not observe the cancellation")
	}
	_, err := in.Accept(context.Background(), nil)
	require.ErrorIs(t, err, ErrRemoteCancellation)
}

func TestCancelDuringAcceptRejects(t *testing.T) {
	a, b := link.Pipe()
	receiverIn := make(chan *Incoming, 1)
	receiver := New(b, "alice", WithIncomingHandler(func(in *Incoming) { receiverIn <- in }))
	defer receiver.Close()

	// hand written sender: description and a first chunk, never the last one
	desc, err := protocol.MarshalDescription(&protocol.Description{Type: protocol.TransferResource, Size: 10, WireSize: 10})
	require.NoError(t, err)
	require.NoError(t, a.WriteFrame(protocol.Encode(&protocol.Packet{Type: protocol.TypeTransferDescription, ObjectID: 9, Data: desc})))
	require.NoError(t, a.WriteFrame(protocol.Encode(&protocol.Packet{Type: protocol.TypeData, ObjectID: 9, Remaining: 1, Data: []byte("12345")})))

	in := <-receiverIn
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = in.Accept(ctx, nil)
	require.ErrorIs(t, err, ErrLocalCancellation)

	frame, err := a.ReadFrame()
	require.NoError(t, err)
	pkt, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeReject, pkt.Type)
	require.Equal(t, int32(9), pkt.ObjectID)
}

func TestUnknownTypeClosesConnection(t *testing.T) {
	a, b := link.Pipe()
	closed := make(chan error, 1)
	ch := New(b, "alice", WithCloseHandler(func(err error) { closed <- err }))

	frame := protocol.Encode(&protocol.Packet{Type: protocol.TypeData, ObjectID: 1})
	frame[0] = 0x42
	require.NoError(t, a.WriteFrame(frame))

	select {
	case err := <-closed:
		require.ErrorIs(t, err, ErrProtocolViolation)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "channel not closed")
	}
	require.ErrorIs(t, ch.Err(), ErrProtocolViolation)

	_, err := a.ReadFrame()
	require.ErrorIs(t, err, link.ErrClosed)
}

func TestConnectionLossFailsPendingSend(t *testing.T) {
	p := newPair(t)
	res := sendAsync(p, &protocol.Description{Type: protocol.TransferResource}, []byte("x"), nil)
	in := p.next(t)

	require.NoError(t, p.receiver.Close())
	require.ErrorIs(t, <-res, ErrConnectivity)
	require.Nil(t, <-p.closed)

	_, err := in.Accept(context.Background(), nil)
	require.ErrorIs(t, err, ErrConnectivity)

	err = p.sender.Send(context.Background(), &protocol.Description{Type: protocol.TransferResource}, nil, nil)
	require.ErrorIs(t, err, ErrConnectivity)
}

func TestConfirmationTimeout(t *testing.T) {
	a, b := link.Pipe()
	sender := New(a, "bob", WithConfirmTimeout(5*time.Millisecond, 4))
	defer sender.Close()

	// a silent receiver never answers
	go func() {
		for {
			if _, err := b.ReadFrame(); err != nil {
				return
			}
		}
	}()

	err := sender.Send(context.Background(), &protocol.Description{Type: protocol.TransferResource}, []byte("x"), nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCloseIsIdempotent(t *testing.T) {
	calls := 0
	a, _ := link.Pipe()
	ch := New(a, "bob", WithCloseHandler(func(error) { calls++ }))
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	<-ch.Done()
	require.Equal(t, 1, calls)
	require.NoError(t, ch.Err())
}

func TestDeliveredTransfer(t *testing.T) {
	payload := bytes.Repeat([]byte("mail"), 1000)
	packed := compress(payload)
	in := NewDelivered(&protocol.Description{Type: protocol.TransferActivity, Compressed: true, Size: int64(len(payload))}, packed, protocol.ModeStoreForward)

	require.Equal(t, protocol.ModeStoreForward, in.Mode())
	got, err := in.Accept(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	_, err = in.Accept(context.Background(), nil)
	require.ErrorIs(t, err, ErrProtocolViolation)
}
