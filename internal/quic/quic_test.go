package quic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
)

func TestLoopbackLink(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan link.Conn, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	d := NewDialer(map[protocol.PeerID]string{"bob": ln.Addr().String()})
	require.True(t, d.CanDial("bob"))
	require.False(t, d.CanDial("carol"))

	client, err := d.Dial(ctx, "bob")
	require.NoError(t, err)
	defer client.Close()

	// the stream only reaches the listener once something is written
	require.NoError(t, client.WriteFrame([]byte("hello")))

	var server link.Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		require.FailNow(t, "no connection accepted")
	}
	defer server.Close()

	frame, err := server.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), frame)

	require.NoError(t, server.WriteFrame([]byte("world")))
	frame, err = client.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), frame)

	_, err = d.Dial(ctx, "carol")
	require.Error(t, err)
}
