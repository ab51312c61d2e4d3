// Package transfer implements the chunked transfer channel: arbitrary byte
// payloads are cut into frames tagged with an object id, interleaved over one
// link.Conn, reassembled on the other side and confirmed with a
// FINISHED/REJECT handshake.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/util"
)

// Tuning defaults.
const (
	DefaultChunkSize    = 32 * 1024
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxPolls     = 120

	maxDescriptionSize = 64 * 1024
)

// Opt configures a Channel.
type Opt func(*Channel)

// WithChunkSize sets the maximum payload bytes per frame.
func WithChunkSize(size int) Opt {
	return func(c *Channel) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithConfirmTimeout bounds the wait for FINISHED/REJECT to pollInterval
// times maxPolls.
func WithConfirmTimeout(pollInterval time.Duration, maxPolls int) Opt {
	return func(c *Channel) {
		c.pollInterval = pollInterval
		c.maxPolls = maxPolls
	}
}

// WithCompression enables zstd compression of outgoing payloads.
func WithCompression(enabled bool) Opt {
	return func(c *Channel) {
		c.compress = enabled
	}
}

// WithClock sets the clock used for confirmation timeouts.
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Channel) {
		c.clock = clock
	}
}

// WithMode records which transport carries the channel.
func WithMode(mode protocol.TransferMode) Opt {
	return func(c *Channel) {
		c.mode = mode
	}
}

// WithIncomingHandler registers the handler for incoming transfers. It runs
// on its own goroutine per transfer and must call Accept or Reject. Without a
// handler every incoming transfer is rejected.
func WithIncomingHandler(fn func(*Incoming)) Opt {
	return func(c *Channel) {
		c.onIncoming = fn
	}
}

// WithCloseHandler registers a callback run once when the channel closes.
// err is nil for a local Close.
func WithCloseHandler(fn func(err error)) Opt {
	return func(c *Channel) {
		c.onClose = fn
	}
}

// Channel multiplexes transfers over one link. Send may be called from any
// number of goroutines; frames are read by a single dedicated goroutine.
type Channel struct {
	conn link.Conn
	peer protocol.PeerID
	mode protocol.TransferMode

	chunkSize    int
	pollInterval time.Duration
	maxPolls     int
	compress     bool
	clock        clockwork.Clock

	onIncoming func(*Incoming)
	onClose    func(error)

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int32
	pending  map[int32]chan protocol.PacketType // outgoing transfers awaiting confirmation
	descBufs map[int32]*bytes.Buffer            // incoming descriptions being reassembled
	incoming map[int32]*Incoming

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps conn into a Channel with peer and starts its receive loop.
func New(conn link.Conn, peer protocol.PeerID, opts ...Opt) *Channel {
	c := &Channel{
		conn:         conn,
		peer:         peer,
		chunkSize:    DefaultChunkSize,
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
		clock:        clockwork.NewRealClock(),
		nextID:       1,
		pending:      make(map[int32]chan protocol.PacketType),
		descBufs:     make(map[int32]*bytes.Buffer),
		incoming:     make(map[int32]*Incoming),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c
}

// Peer returns the remote peer.
func (c *Channel) Peer() protocol.PeerID { return c.peer }

// Mode returns the transport mode carrying this channel.
func (c *Channel) Mode() protocol.TransferMode { return c.mode }

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Err returns the reason the channel closed, nil while open or after a
// local Close.
func (c *Channel) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close closes the channel and its link. Pending transfers fail with
// ErrConnectivity. Safe to call multiple times.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.conn.Close()

		c.mu.Lock()
		handles := make([]*Incoming, 0, len(c.incoming))
		for _, in := range c.incoming {
			handles = append(handles, in)
		}
		c.incoming = make(map[int32]*Incoming)
		c.descBufs = make(map[int32]*bytes.Buffer)
		c.mu.Unlock()

		for _, in := range handles {
			in.fail(ErrConnectivity, err)
		}

		if err != nil {
			util.PeerLogf(string(c.peer), "channel (%s) closed: %v", c.mode, err)
		} else {
			util.PeerDebugf(string(c.peer), "channel (%s) closed", c.mode)
		}
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

func (c *Channel) write(pkt *protocol.Packet) error {
	c.writeMu.Lock()
	err := c.conn.WriteFrame(protocol.Encode(pkt))
	c.writeMu.Unlock()

	if err != nil {
		c.shutdown(fmt.Errorf("write: %w", err))
		return err
	}
	frameOut(pkt.Type)
	return nil
}

// writeChunks sends data as frames of type t. stop is checked between
// frames; a non-nil result aborts the sequence.
func (c *Channel) writeChunks(t protocol.PacketType, id int32, data []byte, progress func(n int), stop func() error) error {
	chunks := protocol.Split(data, c.chunkSize)
	for i, chunk := range chunks {
		if err := stop(); err != nil {
			return err
		}
		pkt := &protocol.Packet{Type: t, ObjectID: id, Remaining: int32(len(chunks) - 1 - i), Data: chunk}
		if err := c.write(pkt); err != nil {
			return newError("send", id, ErrConnectivity, err)
		}
		if progress != nil {
			progress(len(chunk))
		}
	}
	return nil
}

// allocate reserves a fresh object id and its confirmation slot. Ids wrap
// from MaxInt32 back to 1 and skip ids still in use.
func (c *Channel) allocate() (int32, chan protocol.PacketType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		id := c.nextID
		if c.nextID == math.MaxInt32 {
			c.nextID = 1
		} else {
			c.nextID++
		}
		if _, busy := c.pending[id]; busy {
			continue
		}
		slot := make(chan protocol.PacketType, 1)
		c.pending[id] = slot
		return id, slot
	}
}

func (c *Channel) release(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Send transfers data described by desc and blocks until the remote side
// confirms, rejects, the wait times out, ctx is done or mon is canceled.
// desc is copied; its ObjectID, Size, WireSize and Compressed fields are
// filled in by Send.
func (c *Channel) Send(ctx context.Context, desc *protocol.Description, data []byte, mon *Monitor) (err error) {
	id, slot := c.allocate()
	start := c.clock.Now()
	defer func() {
		c.release(id)
		transferDone(protocol.Outgoing, err)
		if err == nil {
			sendDuration.WithLabelValues().Observe(c.clock.Since(start).Seconds())
			util.Stats.AddTransferOut()
		}
	}()

	select {
	case <-c.closed:
		return newError("send", id, ErrConnectivity, c.closeErr)
	default:
	}

	d := *desc
	d.ObjectID = id
	d.Size = int64(len(data))
	payload := data
	if c.compress && len(data) >= minCompressSize {
		if packed := compress(data); len(packed) < len(data) {
			payload = packed
			d.Compressed = true
		}
	}
	d.WireSize = int64(len(payload))

	header, err := protocol.MarshalDescription(&d)
	if err != nil {
		return newError("send", id, ErrProtocolViolation, err)
	}

	// Polled between frames: local cancel or an early answer from the peer.
	var early protocol.PacketType
	stop := func() error {
		if err := c.localCancel(ctx, mon); err != nil {
			c.cancel(id)
			return newError("send", id, ErrLocalCancellation, err)
		}
		select {
		case early = <-slot:
		default:
		}
		if early == protocol.TypeReject {
			return newError("send", id, ErrRemoteCancellation, nil)
		}
		select {
		case <-c.closed:
			return newError("send", id, ErrConnectivity, c.closeErr)
		default:
		}
		return nil
	}

	if err := c.writeChunks(protocol.TypeTransferDescription, id, header, nil, stop); err != nil {
		return err
	}

	var sent int64
	progress := func(n int) {
		sent += int64(n)
		mon.report(sent, d.WireSize)
	}
	if err := c.writeChunks(protocol.TypeData, id, payload, progress, stop); err != nil {
		return err
	}

	if early != 0 {
		return c.confirmed(id, early)
	}
	return c.awaitConfirmation(ctx, id, slot, mon)
}

func (c *Channel) awaitConfirmation(ctx context.Context, id int32, slot chan protocol.PacketType, mon *Monitor) error {
	timeout := c.clock.NewTimer(c.pollInterval * time.Duration(c.maxPolls))
	defer timeout.Stop()

	select {
	case t := <-slot:
		return c.confirmed(id, t)
	case <-c.closed:
		return newError("send", id, ErrConnectivity, c.closeErr)
	case <-ctx.Done():
		c.cancel(id)
		return newError("send", id, ErrLocalCancellation, ctx.Err())
	case <-mon.Done():
		c.cancel(id)
		return newError("send", id, ErrLocalCancellation, nil)
	case <-timeout.Chan():
		c.cancel(id)
		util.PeerLogf(string(c.peer), "transfer #%d not confirmed within %s", id, c.pollInterval*time.Duration(c.maxPolls))
		return newError("send", id, ErrTimeout, nil)
	}
}

func (c *Channel) confirmed(id int32, t protocol.PacketType) error {
	if t == protocol.TypeReject {
		return newError("send", id, ErrRemoteCancellation, nil)
	}
	return nil
}

func (c *Channel) localCancel(ctx context.Context, mon *Monitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mon.Canceled() {
		return context.Canceled
	}
	return nil
}

// cancel tells the receiver to drop object id. Errors are ignored: a broken
// link fails the transfer anyway.
func (c *Channel) cancel(id int32) {
	_ = c.write(&protocol.Packet{Type: protocol.TypeCancel, ObjectID: id})
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

func (c *Channel) readLoop() {
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.shutdown(newError("read", 0, ErrConnectivity, err))
			}
			return
		}

		pkt, err := protocol.Decode(frame)
		if err != nil {
			c.shutdown(newError("read", 0, ErrProtocolViolation, err))
			return
		}
		frameIn(pkt.Type)

		if err := c.dispatch(pkt); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Channel) dispatch(pkt *protocol.Packet) error {
	switch pkt.Type {
	case protocol.TypeTransferDescription:
		return c.handleDescription(pkt)

	case protocol.TypeData:
		c.mu.Lock()
		in := c.incoming[pkt.ObjectID]
		c.mu.Unlock()
		if in == nil {
			util.PeerDebugf(string(c.peer), "discarding data for unknown transfer #%d", pkt.ObjectID)
			return nil
		}
		in.push(pkt.Data, pkt.Remaining == 0)

	case protocol.TypeCancel:
		c.mu.Lock()
		delete(c.descBufs, pkt.ObjectID)
		in := c.incoming[pkt.ObjectID]
		delete(c.incoming, pkt.ObjectID)
		c.mu.Unlock()
		if in != nil {
			in.fail(ErrRemoteCancellation, nil)
		}

	case protocol.TypeFinished, protocol.TypeReject:
		c.mu.Lock()
		slot := c.pending[pkt.ObjectID]
		c.mu.Unlock()
		if slot == nil {
			util.PeerDebugf(string(c.peer), "late %s for transfer #%d", pkt.Type, pkt.ObjectID)
			return nil
		}
		select {
		case slot <- pkt.Type:
		default:
			return newError("read", pkt.ObjectID, ErrProtocolViolation, fmt.Errorf("duplicate %s", pkt.Type))
		}
	}
	return nil
}

func (c *Channel) handleDescription(pkt *protocol.Packet) error {
	c.mu.Lock()
	if _, dup := c.incoming[pkt.ObjectID]; dup {
		c.mu.Unlock()
		return newError("read", pkt.ObjectID, ErrProtocolViolation, fmt.Errorf("object id reused"))
	}
	buf, ok := c.descBufs[pkt.ObjectID]
	if !ok {
		buf = new(bytes.Buffer)
		c.descBufs[pkt.ObjectID] = buf
	}
	buf.Write(pkt.Data)
	if buf.Len() > maxDescriptionSize {
		c.mu.Unlock()
		return newError("read", pkt.ObjectID, ErrProtocolViolation, fmt.Errorf("description exceeds %d bytes", maxDescriptionSize))
	}
	if pkt.Remaining > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.descBufs, pkt.ObjectID)
	c.mu.Unlock()

	desc, err := protocol.UnmarshalDescription(buf.Bytes())
	if err != nil {
		return newError("read", pkt.ObjectID, ErrProtocolViolation, err)
	}
	desc.ObjectID = pkt.ObjectID
	if desc.Sender == "" {
		desc.Sender = c.peer
	}

	in := newIncoming(c, desc)
	c.mu.Lock()
	c.incoming[pkt.ObjectID] = in
	c.mu.Unlock()

	util.PeerDebugf(string(c.peer), "incoming %s", desc)
	if c.onIncoming == nil {
		go in.Reject()
		return nil
	}
	go c.onIncoming(in)
	return nil
}

func (c *Channel) forget(id int32) {
	c.mu.Lock()
	delete(c.incoming, id)
	c.mu.Unlock()
}
