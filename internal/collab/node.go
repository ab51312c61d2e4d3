// Package collab wires the activity data flow of one collaboration member:
// locally offered activities are sequenced, compacted and sent to every peer;
// activity batches received from peers go through the reorder queues and are
// applied in order by the apply queue.
package collab

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/coact/internal/activity"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/sequence"
	"github.com/1ureka/coact/internal/sequencer"
	"github.com/1ureka/coact/internal/transfer"
	"github.com/1ureka/coact/internal/transport"
	"github.com/1ureka/coact/internal/util"
)

const (
	// DefaultFlushInterval is how often offered activities are sent.
	DefaultFlushInterval = 100 * time.Millisecond
	// DefaultSendTimeout bounds one activity batch transfer to one peer.
	DefaultSendTimeout = 30 * time.Second
	// DefaultTestSize is the payload size of a connection test.
	DefaultTestSize = 64 << 10
)

// Disconnector closes the links to a peer.
type Disconnector interface {
	Disconnect(peer protocol.PeerID)
}

// Opt configures a Node.
type Opt func(*Node)

// WithFlushInterval sets the interval of the flush loop started by Run.
func WithFlushInterval(d time.Duration) Opt {
	return func(n *Node) {
		n.flushInterval = d
	}
}

// WithSendTimeout bounds each activity batch transfer.
func WithSendTimeout(d time.Duration) Opt {
	return func(n *Node) {
		n.sendTimeout = d
	}
}

// WithClock sets the clock of the flush loop.
func WithClock(clock clockwork.Clock) Opt {
	return func(n *Node) {
		n.clock = clock
	}
}

// WithSequencerOpts passes options to the local sequencer.
func WithSequencerOpts(opts ...sequencer.Opt) Opt {
	return func(n *Node) {
		n.seqOpts = append(n.seqOpts, opts...)
	}
}

// WithApplyOpts passes options to the apply queue.
func WithApplyOpts(opts ...sequencer.ApplyOpt) Opt {
	return func(n *Node) {
		n.applyOpts = append(n.applyOpts, opts...)
	}
}

// WithIncomingTransferHandler receives every incoming transfer that is not an
// activity batch or a connection test. Without a handler they are rejected.
func WithIncomingTransferHandler(fn func(*transfer.Incoming)) Opt {
	return func(n *Node) {
		n.onTransfer = fn
	}
}

// WithDisconnector is told to close the links of removed peers.
func WithDisconnector(d Disconnector) Opt {
	return func(n *Node) {
		n.links = d
	}
}

// Node is one member of a collaboration.
type Node struct {
	self      protocol.PeerID
	sessionID string
	selector  *transport.Selector

	flushInterval time.Duration
	sendTimeout   time.Duration
	clock         clockwork.Clock
	seqOpts       []sequencer.Opt
	applyOpts     []sequencer.ApplyOpt
	onTransfer    func(*transfer.Incoming)
	links         Disconnector

	seq   *sequencer.Sequencer
	apply *sequencer.ApplyQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	peers map[protocol.PeerID]struct{}
}

// New creates the node of the local peer self. apply receives local and
// remote activities in per-sender order once Run is started.
func New(self protocol.PeerID, selector *transport.Selector, apply sequencer.ApplyFunc, opts ...Opt) *Node {
	n := &Node{
		self:          self,
		sessionID:     uuid.NewString(),
		selector:      selector,
		flushInterval: DefaultFlushInterval,
		sendTimeout:   DefaultSendTimeout,
		clock:         clockwork.NewRealClock(),
		peers:         make(map[protocol.PeerID]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.seq = sequencer.New(self, n.seqOpts...)
	n.apply = sequencer.NewApplyQueue(apply, n.applyOpts...)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n
}

// Self returns the local peer id.
func (n *Node) Self() protocol.PeerID { return n.self }

// SessionID identifies this run of the node in outgoing descriptions.
func (n *Node) SessionID() string { return n.sessionID }

// AddPeer makes peer a recipient of flushed activities.
func (n *Node) AddPeer(peer protocol.PeerID) {
	if peer == n.self {
		return
	}
	n.mu.Lock()
	_, known := n.peers[peer]
	n.peers[peer] = struct{}{}
	n.mu.Unlock()
	if !known {
		util.PeerLogf(string(peer), "joined the collaboration")
	}
}

// RemovePeer drops peer: its reorder queue, its links and its recorded
// transfer modes are discarded.
func (n *Node) RemovePeer(peer protocol.PeerID) {
	n.mu.Lock()
	delete(n.peers, peer)
	n.mu.Unlock()

	n.apply.Remove(peer)
	n.selector.Reset(peer)
	if n.links != nil {
		n.links.Disconnect(peer)
	}
	util.PeerLogf(string(peer), "left the collaboration")
}

// Peers returns the current members other than the local peer, sorted.
func (n *Node) Peers() []protocol.PeerID {
	n.mu.Lock()
	peers := make([]protocol.PeerID, 0, len(n.peers))
	for p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()
	slices.Sort(peers)
	return peers
}

func (n *Node) isPeer(peer protocol.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[peer]
	return ok
}

// Offer queues a locally produced activity for the next flush.
func (n *Node) Offer(a activity.Activity) {
	n.seq.Offer(a)
}

// Flush numbers the buffered activities, queues them for local apply and
// sends them as one batch to every peer. Failures are collected per peer;
// a peer that misses a batch skips it after its gap timeout.
func (n *Node) Flush(ctx context.Context) error {
	envs := n.seq.FlushWithSequence()
	if len(envs) == 0 {
		return nil
	}
	n.apply.Push(envs...)

	data, err := sequence.EncodeBatch(envs)
	if err != nil {
		return err
	}

	peers := n.Peers()
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, n.sendTimeout)
			defer cancel()

			desc := n.describe(protocol.TransferActivity, peer, "")
			if _, err := n.selector.SendData(sendCtx, desc, data, nil); err != nil {
				util.PeerLogf(string(peer), "activity batch #%d-#%d not sent: %v", envs[0].Seq, envs[len(envs)-1].Seq, err)
				errs[i] = fmt.Errorf("send to %s: %w", peer, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (n *Node) describe(typ protocol.TransferType, peer protocol.PeerID, name string) *protocol.Description {
	return &protocol.Description{
		Type:      typ,
		Sender:    n.self,
		Recipient: peer,
		SessionID: n.sessionID,
		Name:      name,
	}
}

// Run applies activities and flushes offered ones until ctx is done or Close
// is called.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.apply.Run(gctx)
	})
	g.Go(func() error {
		ticker := n.clock.NewTicker(n.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.Chan():
			}
			if err := n.Flush(gctx); err != nil {
				util.LogDebug("flush: %v", err)
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops Run and aborts incoming activity transfers in progress.
func (n *Node) Close() {
	n.cancel()
}

// HandleIncoming routes an incoming transfer. Activity batches and connection
// tests are accepted here; everything else goes to the incoming transfer
// handler. A sender of activities that is not a member yet joins.
func (n *Node) HandleIncoming(in *transfer.Incoming) {
	desc := in.Description()
	peer := desc.Sender

	switch desc.Type {
	case protocol.TransferActivity:
		data, err := n.AcceptTransfer(n.ctx, in, nil)
		if err != nil {
			util.PeerLogf(string(peer), "activity transfer failed: %v", err)
			return
		}
		envs, err := sequence.DecodeBatch(data, peer)
		if err != nil {
			util.PeerLogf(string(peer), "discarding activity batch: %v", err)
			return
		}
		if !n.isPeer(peer) {
			n.AddPeer(peer)
		}
		util.PeerDebugf(string(peer), "received %d activities over %s", len(envs), in.Mode())
		n.apply.Push(envs...)

	case protocol.TransferConnectionTest:
		if _, err := n.AcceptTransfer(n.ctx, in, nil); err != nil {
			util.PeerDebugf(string(peer), "connection test failed: %v", err)
		}

	default:
		if n.onTransfer != nil {
			n.onTransfer(in)
			return
		}
		util.PeerDebugf(string(peer), "rejecting unhandled %s", desc)
		if err := in.Reject(); err != nil {
			util.PeerDebugf(string(peer), "reject: %v", err)
		}
	}
}

// AcceptTransfer accepts in and, once it completed, records its mode as the
// last incoming mode from the sender.
func (n *Node) AcceptTransfer(ctx context.Context, in *transfer.Incoming, mon *transfer.Monitor) ([]byte, error) {
	data, err := in.Accept(ctx, mon)
	if err != nil {
		return nil, err
	}
	n.selector.RecordIncoming(in.Description().Sender, in.Mode())
	return data, nil
}

// HandleMail routes mail delivered through the relay mailbox.
func (n *Node) HandleMail(from protocol.PeerID, data []byte) {
	in, err := transport.OpenMail(from, data)
	if err != nil {
		util.PeerLogf(string(from), "discarding mail: %v", err)
		return
	}
	go n.HandleIncoming(in)
}

// SendResource sends a non-activity payload to peer and returns the mode
// that carried it.
func (n *Node) SendResource(ctx context.Context, peer protocol.PeerID, typ protocol.TransferType, name string, data []byte, mon *transfer.Monitor) (protocol.TransferMode, error) {
	switch typ {
	case protocol.TransferActivity, protocol.TransferConnectionTest:
		return protocol.ModeUnknown, fmt.Errorf("%s transfers are sent by the node itself", typ)
	}
	return n.selector.SendData(ctx, n.describe(typ, peer, name), data, mon)
}

// ConnectionTestResult reports one connection test.
type ConnectionTestResult struct {
	Mode     protocol.TransferMode
	Bytes    int
	Duration time.Duration
}

// ConnectionTest sends size random bytes to peer and measures the time until
// the transfer is confirmed.
func (n *Node) ConnectionTest(ctx context.Context, peer protocol.PeerID, size int) (ConnectionTestResult, error) {
	if size <= 0 {
		size = DefaultTestSize
	}
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return ConnectionTestResult{}, err
	}

	start := n.clock.Now()
	mode, err := n.selector.SendData(ctx, n.describe(protocol.TransferConnectionTest, peer, ""), data, nil)
	if err != nil {
		return ConnectionTestResult{}, err
	}
	res := ConnectionTestResult{Mode: mode, Bytes: size, Duration: n.clock.Since(start)}
	util.PeerLogf(string(peer), "connection test: %d bytes over %s in %s", res.Bytes, res.Mode, res.Duration)
	return res, nil
}
