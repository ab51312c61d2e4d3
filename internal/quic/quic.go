// Package quic is the direct peer-to-peer transport: one QUIC connection
// with a single bidirectional stream per link, framed with varint length
// prefixes.
package quic

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/util"
)

// Opt configures a Dialer or Listener.
type Opt func(*options)

type options struct {
	maxFrameSize int
	idleTimeout  time.Duration
}

// WithMaxFrameSize bounds frames read from the stream.
func WithMaxFrameSize(n int) Opt {
	return func(o *options) { o.maxFrameSize = n }
}

// WithIdleTimeout sets the QUIC idle timeout; keep-alives are sent at half
// of it.
func WithIdleTimeout(d time.Duration) Opt {
	return func(o *options) { o.idleTimeout = d }
}

func newOptions(opts []Opt) *options {
	o := &options{
		maxFrameSize: link.DefaultMaxFrameSize,
		idleTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) quicConfig() *quicgo.Config {
	return &quicgo.Config{
		MaxIdleTimeout:  o.idleTimeout,
		KeepAlivePeriod: o.idleTimeout / 2,
	}
}

// streamRWC closes the whole connection together with its only stream.
type streamRWC struct {
	quicgo.Stream
	conn quicgo.Connection
}

func (s *streamRWC) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	return s.conn.CloseWithError(0, "closed")
}

// ---------------------------------------------------------------------------
// Dialer
// ---------------------------------------------------------------------------

// Dialer opens direct links to peers with a known address.
type Dialer struct {
	opts *options

	mu    sync.RWMutex
	addrs map[protocol.PeerID]string
}

// NewDialer creates a dialer with an initial address book.
func NewDialer(book map[protocol.PeerID]string, opts ...Opt) *Dialer {
	d := &Dialer{
		opts:  newOptions(opts),
		addrs: make(map[protocol.PeerID]string, len(book)),
	}
	for peer, addr := range book {
		d.addrs[peer] = addr
	}
	return d
}

// SetAddress records or replaces peer's address.
func (d *Dialer) SetAddress(peer protocol.PeerID, addr string) {
	d.mu.Lock()
	d.addrs[peer] = addr
	d.mu.Unlock()
}

// Mode implements session.Dialer.
func (d *Dialer) Mode() protocol.TransferMode { return protocol.ModeP2P }

// CanDial reports whether an address is known for peer.
func (d *Dialer) CanDial(peer protocol.PeerID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.addrs[peer]
	return ok
}

// Dial connects to peer and opens the link stream.
func (d *Dialer) Dial(ctx context.Context, peer protocol.PeerID) (link.Conn, error) {
	d.mu.RLock()
	addr, ok := d.addrs[peer]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no address for %s", peer)
	}

	conn, err := quicgo.DialAddr(ctx, addr, clientTLSConfig(), d.opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	util.PeerDebugf(string(peer), "quic link to %s established", addr)
	return link.NewStreamConn(&streamRWC{Stream: stream, conn: conn}, d.opts.maxFrameSize), nil
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// Listener accepts direct links.
type Listener struct {
	ln   *quicgo.Listener
	opts *options
}

// Listen starts a QUIC listener on addr, e.g. ":7000".
func Listen(addr string, opts ...Opt) (*Listener, error) {
	o := newOptions(opts)
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quicgo.ListenAddr(addr, tlsConf, o.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	util.LogInfo("quic listening on %s", ln.Addr())
	return &Listener{ln: ln, opts: o}, nil
}

// Mode implements session.Listener.
func (l *Listener) Mode() protocol.TransferMode { return protocol.ModeP2P }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next connection and its first stream.
func (l *Listener) Accept(ctx context.Context) (link.Conn, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}

		streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		stream, err := conn.AcceptStream(streamCtx)
		cancel()
		if err != nil {
			util.LogWarning("quic connection from %s opened no stream: %v", conn.RemoteAddr(), err)
			conn.CloseWithError(0, "")
			continue
		}
		return link.NewStreamConn(&streamRWC{Stream: stream, conn: conn}, l.opts.maxFrameSize), nil
	}
}

// Close stops accepting.
func (l *Listener) Close() error {
	return l.ln.Close()
}
