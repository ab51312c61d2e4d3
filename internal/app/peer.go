// Package app contains the top-level orchestration of the peer and relay
// commands.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/coact/internal/collab"
	"github.com/1ureka/coact/internal/config"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/quic"
	"github.com/1ureka/coact/internal/relay"
	"github.com/1ureka/coact/internal/sequence"
	"github.com/1ureka/coact/internal/sequencer"
	"github.com/1ureka/coact/internal/session"
	"github.com/1ureka/coact/internal/transfer"
	"github.com/1ureka/coact/internal/transport"
	"github.com/1ureka/coact/internal/util"
	"github.com/1ureka/coact/internal/webrtc"
)

// Peer is one running collaboration member with all of its transports.
type Peer struct {
	cfg       config.Config
	self      protocol.PeerID
	doc       *Document
	relay     *relay.Client // nil without a relay
	quic      *quic.Listener
	listeners []session.Listener
	sessions  *session.Manager
	selector  *transport.Selector
	node      *collab.Node
}

// NewPeer assembles a peer from cfg:
//  1. Log in to the relay, if configured
//  2. Set up the direct transports (QUIC, WebRTC over relay signaling)
//  3. Build the session manager with dialers in priority order
//  4. Build the selector: direct, relayed, then store-and-forward
//  5. Wire the collaboration node to incoming transfers and mail
func NewPeer(ctx context.Context, cfg config.Config, out io.Writer) (_ *Peer, err error) {
	if err := cfg.ValidatePeer(); err != nil {
		return nil, err
	}
	p := &Peer{cfg: cfg, self: protocol.PeerID(cfg.ID)}
	p.doc = NewDocument(cfg.Document, p.self, out)
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	// ── 1. Relay ───────────────────────────────────────────────────────
	if cfg.Relay.URL != "" {
		p.relay, err = relay.Connect(ctx, cfg.Relay.URL, p.self, cfg.Relay.PIN)
		if err != nil {
			return nil, err
		}
		p.listeners = append(p.listeners, p.relay)
	}

	// ── 2. Direct transports ───────────────────────────────────────────
	var dialers []session.Dialer
	quicOpts := []quic.Opt{
		quic.WithIdleTimeout(cfg.QUIC.IdleTimeout),
		quic.WithMaxFrameSize(cfg.QUIC.MaxFrameSize),
	}
	if len(cfg.QUIC.Peers) > 0 {
		book := make(map[protocol.PeerID]string, len(cfg.QUIC.Peers))
		for id, addr := range cfg.QUIC.Peers {
			book[protocol.PeerID(id)] = addr
		}
		dialers = append(dialers, quic.NewDialer(book, quicOpts...))
	}
	if cfg.QUIC.Listen != "" {
		p.quic, err = quic.Listen(cfg.QUIC.Listen, quicOpts...)
		if err != nil {
			return nil, err
		}
		p.listeners = append(p.listeners, p.quic)
	}
	if p.relay != nil && cfg.WebRTC.Enabled {
		rtc := webrtc.New(p.relay,
			webrtc.WithSTUNServers(cfg.WebRTC.STUNServers),
			webrtc.WithConnectTimeout(cfg.WebRTC.ConnectTimeout),
		)
		dialers = append(dialers, rtc)
		p.listeners = append(p.listeners, rtc)
	}

	// ── 3. Sessions ────────────────────────────────────────────────────
	if p.relay != nil {
		dialers = append(dialers, p.relay)
	}
	p.sessions = session.NewManager(p.self,
		session.WithDialers(dialers...),
		session.WithDialBackoff(cfg.Transfer.DialBackoff),
		session.WithChannelOpts(
			transfer.WithChunkSize(cfg.Transfer.ChunkSize),
			transfer.WithConfirmTimeout(cfg.Transfer.PollInterval, cfg.Transfer.MaxPolls),
			transfer.WithCompression(cfg.Transfer.Compression),
		),
		session.WithIncomingHandler(func(in *transfer.Incoming) { p.node.HandleIncoming(in) }),
		session.WithConnectionListener(func(ch *transfer.Channel, incoming bool) {
			if incoming {
				p.node.AddPeer(ch.Peer())
			}
		}),
		session.WithClosedListener(func(ch *transfer.Channel, err error) {
			util.PeerDebugf(string(ch.Peer()), "%s channel closed: %v", ch.Mode(), err)
			if !p.sessions.Connected(ch.Peer()) {
				p.selector.Reset(ch.Peer())
			}
		}),
	)

	// ── 4. Selector ────────────────────────────────────────────────────
	candidates := []transport.Transport{
		transport.NewChannelTransport(p.sessions, protocol.ModeP2P),
		transport.NewChannelTransport(p.sessions, protocol.ModeRelay),
	}
	if p.relay != nil {
		candidates = append(candidates, transport.NewMailboxTransport(p.relay, cfg.Transfer.MaxMailSize))
	}
	p.selector = transport.NewSelector(candidates)

	// ── 5. Node ────────────────────────────────────────────────────────
	seqOpts := []sequencer.Opt{sequencer.WithFirstSequence(cfg.Sequence.FirstSequence)}
	if !cfg.Sequence.Compaction {
		seqOpts = append(seqOpts, sequencer.WithoutCompaction())
	}
	p.node = collab.New(p.self, p.selector, p.doc.Apply,
		collab.WithFlushInterval(cfg.Sequence.FlushInterval),
		collab.WithSendTimeout(cfg.Sequence.SendTimeout),
		collab.WithSequencerOpts(seqOpts...),
		collab.WithApplyOpts(
			sequencer.WithDrainInterval(cfg.Sequence.DrainInterval),
			sequencer.WithQueueOpts(
				sequence.WithGapTimeout(cfg.Sequence.GapTimeout),
				sequence.WithFirstSequence(cfg.Sequence.FirstSequence),
			),
		),
		collab.WithIncomingTransferHandler(p.receiveResource),
		collab.WithDisconnector(p.sessions),
	)
	for _, id := range cfg.MemberIDs() {
		p.node.AddPeer(id)
	}
	if p.relay != nil {
		p.relay.OnMail(p.node.HandleMail)
	}
	return p, nil
}

// Document returns the shared document.
func (p *Peer) Document() *Document { return p.doc }

// Node returns the collaboration node.
func (p *Peer) Node() *collab.Node { return p.node }

// QUICAddr returns the address of the QUIC listener, empty without one.
func (p *Peer) QUICAddr() string {
	if p.quic == nil {
		return ""
	}
	return p.quic.Addr().String()
}

// Run serves incoming links, runs the node and turns lines read from in into
// edits until ctx is done or in is exhausted.
func (p *Peer) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.sessions.Serve(ctx, p.listeners...)
	})
	g.Go(func() error {
		return p.node.Run(ctx)
	})
	if p.relay != nil {
		g.Go(func() error {
			select {
			case <-p.relay.Done():
				return errors.New("relay connection lost")
			case <-ctx.Done():
				return nil
			}
		})
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// flush what was typed last before leaving
					flushCtx, stop := context.WithTimeout(context.Background(), p.cfg.Sequence.SendTimeout)
					defer stop()
					return p.node.Flush(flushCtx)
				}
				p.handleLine(ctx, line)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleLine runs a /command or offers the line as an edit.
func (p *Peer) handleLine(ctx context.Context, line string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "/peers":
		for _, peer := range p.node.Peers() {
			util.LogInfo("%s  in:%s out:%s", peer, p.selector.IncomingTransferMode(peer), p.selector.OutgoingTransferMode(peer))
		}
	case "/test":
		go func() {
			peer, size, _ := strings.Cut(arg, " ")
			n, _ := strconv.Atoi(size)
			if _, err := p.node.ConnectionTest(ctx, protocol.PeerID(peer), n); err != nil {
				util.LogWarning("connection test to %s failed: %v", peer, err)
			}
		}()
	case "/send":
		go func() {
			peer, path, _ := strings.Cut(arg, " ")
			if err := p.sendFile(ctx, protocol.PeerID(peer), path); err != nil {
				util.LogWarning("sending %s to %s failed: %v", path, peer, err)
			}
		}()
	case "/join":
		p.node.AddPeer(protocol.PeerID(arg))
	case "/leave":
		p.node.RemovePeer(protocol.PeerID(arg))
	case "/show":
		fmt.Print(p.doc.String())
	default:
		p.node.Offer(p.doc.Append(line))
	}
}

func (p *Peer) sendFile(ctx context.Context, peer protocol.PeerID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	start := time.Now()
	mon := transfer.NewMonitor(func(done, total int64, eta time.Duration) {
		util.LogDebug("%s: %d/%d bytes, %s left", path, done, total, eta.Round(time.Second))
	})
	mode, err := p.node.SendResource(ctx, peer, protocol.TransferResource, path, data, mon)
	if err != nil {
		return err
	}
	util.LogInfo("sent %s (%d bytes) to %s over %s in %s", path, len(data), peer, mode, time.Since(start).Round(time.Millisecond))
	return nil
}

// receiveResource accepts resources and keeps them in memory only; the
// command has no place to store them.
func (p *Peer) receiveResource(in *transfer.Incoming) {
	desc := in.Description()
	data, err := p.node.AcceptTransfer(context.Background(), in, nil)
	if err != nil {
		util.PeerLogf(string(desc.Sender), "receiving %s failed: %v", desc, err)
		return
	}
	util.PeerLogf(string(desc.Sender), "received %s %q, %d bytes over %s", desc.Type, desc.Name, len(data), in.Mode())
}

// Close tears down every link and transport. The relay and QUIC listeners
// are part of p.listeners.
func (p *Peer) Close() error {
	var errs []error
	if p.node != nil {
		p.node.Close()
	}
	if p.sessions != nil {
		errs = append(errs, p.sessions.Close())
	}
	for _, l := range p.listeners {
		errs = append(errs, l.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close peer: %w", err)
	}
	return nil
}
