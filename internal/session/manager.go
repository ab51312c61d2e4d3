// Package session owns the lifecycle of physical connections: it dials
// peers through the configured transports in priority order, accepts
// incoming links, identifies both ends with a hello exchange and wraps each
// link into a transfer.Channel with its own receive loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/transfer"
	"github.com/1ureka/coact/internal/util"
)

// Dialer opens links of one transport mode.
type Dialer interface {
	Mode() protocol.TransferMode
	CanDial(peer protocol.PeerID) bool
	Dial(ctx context.Context, peer protocol.PeerID) (link.Conn, error)
}

// Listener accepts links of one transport mode.
type Listener interface {
	Mode() protocol.TransferMode
	Accept(ctx context.Context) (link.Conn, error)
	Close() error
}

// ErrClosed is returned by a closed Manager.
var ErrClosed = errors.New("session manager closed")

// DefaultDialBackoff is how long a dialer that failed to reach a peer is
// skipped for that peer.
const DefaultDialBackoff = 30 * time.Second

var errBackoff = errors.New("failed recently, backing off")

// Opt configures a Manager.
type Opt func(*Manager)

// WithDialers sets the dialers, highest priority first.
func WithDialers(dialers ...Dialer) Opt {
	return func(m *Manager) {
		m.dialers = dialers
	}
}

// WithChannelOpts passes options to every channel.
func WithChannelOpts(opts ...transfer.Opt) Opt {
	return func(m *Manager) {
		m.channelOpts = append(m.channelOpts, opts...)
	}
}

// WithIncomingHandler registers the handler for incoming transfers on every
// channel.
func WithIncomingHandler(fn func(*transfer.Incoming)) Opt {
	return func(m *Manager) {
		m.onIncoming = fn
	}
}

// WithConnectionListener registers a callback for every new channel, dialed
// or accepted.
func WithConnectionListener(fn func(ch *transfer.Channel, incoming bool)) Opt {
	return func(m *Manager) {
		m.onConnect = fn
	}
}

// WithClosedListener registers a callback run once per closed channel.
func WithClosedListener(fn func(ch *transfer.Channel, err error)) Opt {
	return func(m *Manager) {
		m.onClosed = fn
	}
}

// WithDialBackoff sets how long a failed dialer is skipped for a peer. 0
// retries on every connect.
func WithDialBackoff(d time.Duration) Opt {
	return func(m *Manager) {
		m.backoff = d
	}
}

// WithClock sets the clock used for dial backoff.
func WithClock(clock clockwork.Clock) Opt {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithHandshakeTimeout bounds the hello exchange.
func WithHandshakeTimeout(d time.Duration) Opt {
	return func(m *Manager) {
		m.handshakeTimeout = d
	}
}

type key struct {
	peer protocol.PeerID
	mode protocol.TransferMode
}

type dialKey struct {
	peer   protocol.PeerID
	dialer int
}

// Manager tracks the open channels of the local peer.
type Manager struct {
	self             protocol.PeerID
	dialers          []Dialer
	channelOpts      []transfer.Opt
	handshakeTimeout time.Duration
	backoff          time.Duration
	clock            clockwork.Clock

	onIncoming func(*transfer.Incoming)
	onConnect  func(*transfer.Channel, bool)
	onClosed   func(*transfer.Channel, error)

	mu       sync.Mutex
	channels map[key]*transfer.Channel
	all      map[*transfer.Channel]struct{}
	failed   map[dialKey]time.Time
	closed   bool
}

// NewManager creates a manager for the local peer self.
func NewManager(self protocol.PeerID, opts ...Opt) *Manager {
	m := &Manager{
		self:             self,
		handshakeTimeout: 10 * time.Second,
		backoff:          DefaultDialBackoff,
		clock:            clockwork.NewRealClock(),
		channels:         make(map[key]*transfer.Channel),
		all:              make(map[*transfer.Channel]struct{}),
		failed:           make(map[dialKey]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Self returns the local peer id.
func (m *Manager) Self() protocol.PeerID { return m.self }

// Channel returns the open channel to peer over mode, or nil.
func (m *Manager) Channel(peer protocol.PeerID, mode protocol.TransferMode) *transfer.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[key{peer, mode}]
}

// Channels lists all open channels.
func (m *Manager) Channels() []*transfer.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transfer.Channel, 0, len(m.all))
	for ch := range m.all {
		out = append(out, ch)
	}
	return out
}

// Connected reports whether any channel to peer is open.
func (m *Manager) Connected(peer protocol.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.all {
		if ch.Peer() == peer {
			return true
		}
	}
	return false
}

// Reachable reports whether a channel to peer over mode is open or can be
// dialed. A dialer that failed to reach peer recently does not count.
func (m *Manager) Reachable(peer protocol.PeerID, mode protocol.TransferMode) bool {
	if m.Channel(peer, mode) != nil {
		return true
	}
	for i, d := range m.dialers {
		if d.Mode() == mode && d.CanDial(peer) && !m.backingOff(peer, i) {
			return true
		}
	}
	return false
}

// Connect returns an open channel to peer, preferring the highest priority
// mode, or dials through the first dialer that succeeds.
func (m *Manager) Connect(ctx context.Context, peer protocol.PeerID) (*transfer.Channel, error) {
	return m.connect(ctx, peer, func(Dialer) bool { return true })
}

// ConnectMode is Connect restricted to one mode.
func (m *Manager) ConnectMode(ctx context.Context, peer protocol.PeerID, mode protocol.TransferMode) (*transfer.Channel, error) {
	if ch := m.Channel(peer, mode); ch != nil {
		return ch, nil
	}
	return m.connect(ctx, peer, func(d Dialer) bool { return d.Mode() == mode })
}

func (m *Manager) connect(ctx context.Context, peer protocol.PeerID, use func(Dialer) bool) (*transfer.Channel, error) {
	for _, d := range m.dialers {
		if !use(d) {
			continue
		}
		if ch := m.Channel(peer, d.Mode()); ch != nil {
			return ch, nil
		}
	}

	var errs []error
	for i, d := range m.dialers {
		if !use(d) || !d.CanDial(peer) {
			continue
		}
		if m.backingOff(peer, i) {
			errs = append(errs, fmt.Errorf("%s: %w", d.Mode(), errBackoff))
			continue
		}

		ch, err := m.dial(ctx, d, peer)
		if err == nil {
			m.dialed(peer, i, nil)
			return ch, nil
		}
		if ctx.Err() == nil {
			m.dialed(peer, i, err)
		}
		util.PeerDebugf(string(peer), "%s dial failed: %v", d.Mode(), err)
		errs = append(errs, fmt.Errorf("%s: %w", d.Mode(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no transport can reach %s", peer)
	}
	return nil, fmt.Errorf("connect %s: %w", peer, errors.Join(errs...))
}

func (m *Manager) backingOff(peer protocol.PeerID, dialer int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.failed[dialKey{peer, dialer}]
	return ok && m.clock.Since(at) < m.backoff
}

// dialed records the outcome of a dial attempt.
func (m *Manager) dialed(peer protocol.PeerID, dialer int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dialKey{peer, dialer}
	if err == nil {
		delete(m.failed, k)
		return
	}
	m.failed[k] = m.clock.Now()
}

func (m *Manager) dial(ctx context.Context, d Dialer, peer protocol.PeerID) (*transfer.Channel, error) {
	conn, err := d.Dial(ctx, peer)
	if err != nil {
		return nil, err
	}

	hsCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()
	if err := dialHandshake(hsCtx, conn, m.self, peer); err != nil {
		conn.Close()
		return nil, err
	}
	return m.wrap(conn, peer, d.Mode(), false)
}

// Accept identifies the remote end of an incoming link and wraps it.
func (m *Manager) Accept(ctx context.Context, conn link.Conn, mode protocol.TransferMode) (*transfer.Channel, error) {
	hsCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	peer, err := acceptHandshake(hsCtx, conn, m.self)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return m.wrap(conn, peer, mode, true)
}

func (m *Manager) wrap(conn link.Conn, peer protocol.PeerID, mode protocol.TransferMode, incoming bool) (*transfer.Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	m.mu.Unlock()

	var ch *transfer.Channel
	ready := make(chan struct{})
	opts := append([]transfer.Opt{}, m.channelOpts...)
	opts = append(opts,
		transfer.WithMode(mode),
		transfer.WithIncomingHandler(m.onIncoming),
		transfer.WithCloseHandler(func(err error) {
			<-ready
			m.remove(ch, err)
		}),
	)
	ch = transfer.New(conn, peer, opts...)

	m.mu.Lock()
	k := key{peer, mode}
	if old := m.channels[k]; old == nil || !incoming {
		m.channels[k] = ch
	}
	m.all[ch] = struct{}{}
	if incoming {
		// the peer just proved reachable over mode
		for i, d := range m.dialers {
			if d.Mode() == mode {
				delete(m.failed, dialKey{peer, i})
			}
		}
	}
	m.mu.Unlock()
	close(ready)

	util.PeerLogf(string(peer), "%s channel open (incoming=%v)", mode, incoming)
	if m.onConnect != nil {
		m.onConnect(ch, incoming)
	}
	return ch, nil
}

func (m *Manager) remove(ch *transfer.Channel, err error) {
	m.mu.Lock()
	k := key{ch.Peer(), ch.Mode()}
	if m.channels[k] == ch {
		delete(m.channels, k)
		// promote another open channel of the same kind
		for other := range m.all {
			if other != ch && other.Peer() == ch.Peer() && other.Mode() == ch.Mode() {
				m.channels[k] = other
				break
			}
		}
	}
	delete(m.all, ch)
	m.mu.Unlock()

	if m.onClosed != nil {
		m.onClosed(ch, err)
	}
}

// Serve accepts links from every listener until ctx is done or a listener
// fails. Each accepted link is identified and wrapped concurrently.
func (m *Manager) Serve(ctx context.Context, listeners ...Listener) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		eg.Go(func() error {
			defer l.Close()
			for {
				conn, err := l.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("%s listener: %w", l.Mode(), err)
				}
				go func() {
					if _, err := m.Accept(ctx, conn, l.Mode()); err != nil {
						util.LogWarning("rejected incoming %s link: %v", l.Mode(), err)
					}
				}()
			}
		})
	}
	return eg.Wait()
}

// Disconnect closes every channel to peer.
func (m *Manager) Disconnect(peer protocol.PeerID) {
	for _, ch := range m.Channels() {
		if ch.Peer() == peer {
			ch.Close()
		}
	}
}

// Close closes all channels; later connects fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, ch := range m.Channels() {
		ch.Close()
	}
	return nil
}
