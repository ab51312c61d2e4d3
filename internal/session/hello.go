package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
)

// Version is the frame protocol version announced in the hello.
const Version = 1

// ErrHandshake is returned when the hello exchange fails.
var ErrHandshake = errors.New("handshake failed")

type hello struct {
	Peer    protocol.PeerID `cbor:"1,keyasint"`
	Version uint16          `cbor:"2,keyasint"`
}

func writeHello(conn link.Conn, self protocol.PeerID) error {
	data, err := cbor.Marshal(&hello{Peer: self, Version: Version})
	if err != nil {
		return err
	}
	return conn.WriteFrame(data)
}

// readHello waits for the remote hello. conn is closed if ctx ends first so
// the blocked read returns.
func readHello(ctx context.Context, conn link.Conn) (protocol.PeerID, error) {
	type result struct {
		frame []byte
		err   error
	}
	res := make(chan result, 1)
	go func() {
		frame, err := conn.ReadFrame()
		res <- result{frame, err}
	}()

	var r result
	select {
	case r = <-res:
	case <-ctx.Done():
		conn.Close()
		return "", fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
	}
	if r.err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, r.err)
	}

	var h hello
	if err := cbor.Unmarshal(r.frame, &h); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if h.Version != Version {
		return "", fmt.Errorf("%w: version %d, want %d", ErrHandshake, h.Version, Version)
	}
	if h.Peer == "" {
		return "", fmt.Errorf("%w: empty peer id", ErrHandshake)
	}
	return h.Peer, nil
}

// dialHandshake runs the dialing side: hello first, then wait for the reply.
func dialHandshake(ctx context.Context, conn link.Conn, self, want protocol.PeerID) error {
	if err := writeHello(conn, self); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	peer, err := readHello(ctx, conn)
	if err != nil {
		return err
	}
	if peer != want {
		return fmt.Errorf("%w: dialed %s, reached %s", ErrHandshake, want, peer)
	}
	return nil
}

// acceptHandshake runs the accepting side: wait for the hello, then reply.
func acceptHandshake(ctx context.Context, conn link.Conn, self protocol.PeerID) (protocol.PeerID, error) {
	peer, err := readHello(ctx, conn)
	if err != nil {
		return "", err
	}
	if err := writeHello(conn, self); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return peer, nil
}
