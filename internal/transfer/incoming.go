package transfer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/util"
)

type handleState uint8

const (
	stateOffered handleState = iota
	stateAccepted
	stateRejected
)

func (s handleState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateRejected:
		return "rejected"
	default:
		return "offered"
	}
}

// Incoming is the receiving end of one transfer. Exactly one of Accept or
// Reject must be called, once.
type Incoming struct {
	ch   *Channel // nil for transfers delivered complete
	desc *protocol.Description
	mode protocol.TransferMode

	mu       sync.Mutex
	state    handleState
	buf      bytes.Buffer
	complete bool
	err      error
	signal   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newIncoming(ch *Channel, desc *protocol.Description) *Incoming {
	return &Incoming{
		ch:     ch,
		desc:   desc,
		mode:   ch.mode,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewDelivered wraps a payload that arrived complete, e.g. through a
// mailbox, into a handle with the same Accept/Reject contract.
func NewDelivered(desc *protocol.Description, payload []byte, mode protocol.TransferMode) *Incoming {
	in := &Incoming{
		desc:     desc,
		mode:     mode,
		complete: true,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	in.buf.Write(payload)
	return in
}

// Description returns the transfer description sent by the peer.
func (in *Incoming) Description() *protocol.Description { return in.desc }

// Mode returns the transport that carried the transfer.
func (in *Incoming) Mode() protocol.TransferMode { return in.mode }

// Done is closed when the transfer is canceled by the peer or the channel
// closes before the handle completed.
func (in *Incoming) Done() <-chan struct{} { return in.done }

func (in *Incoming) push(data []byte, last bool) {
	in.mu.Lock()
	if in.state == stateRejected || in.complete {
		in.mu.Unlock()
		return
	}
	in.buf.Write(data)
	in.complete = last
	in.mu.Unlock()
	in.wake()
}

func (in *Incoming) fail(kind, err error) {
	in.mu.Lock()
	if in.err == nil {
		in.err = newError("accept", in.desc.ObjectID, kind, err)
	}
	in.mu.Unlock()
	in.doneOnce.Do(func() { close(in.done) })
	in.wake()
}

func (in *Incoming) wake() {
	select {
	case in.signal <- struct{}{}:
	default:
	}
}

func (in *Incoming) claim(op string, next handleState) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != stateOffered {
		return newError(op, in.desc.ObjectID, ErrProtocolViolation, fmt.Errorf("transfer already %s", in.state))
	}
	in.state = next
	return nil
}

// Accept waits for the whole payload, confirms it with FINISHED and returns
// it. Canceling ctx or mon rejects the transfer. A second call, or a call
// after Reject, fails with ErrProtocolViolation.
func (in *Incoming) Accept(ctx context.Context, mon *Monitor) (data []byte, err error) {
	if err := in.claim("accept", stateAccepted); err != nil {
		return nil, err
	}
	id := in.desc.ObjectID
	defer func() {
		if in.ch != nil {
			in.ch.forget(id)
		}
		transferDone(protocol.Incoming, err)
	}()

	for {
		in.mu.Lock()
		failed, complete, received := in.err, in.complete, int64(in.buf.Len())
		in.mu.Unlock()

		if failed != nil {
			return nil, failed
		}
		mon.report(received, in.desc.WireSize)
		if complete {
			break
		}

		select {
		case <-in.signal:
		case <-ctx.Done():
			in.rejectRemote()
			return nil, newError("accept", id, ErrLocalCancellation, ctx.Err())
		case <-mon.Done():
			in.rejectRemote()
			return nil, newError("accept", id, ErrLocalCancellation, nil)
		}
	}

	in.mu.Lock()
	payload := in.buf.Bytes()
	in.mu.Unlock()

	if in.desc.Compressed {
		payload, err = decompress(payload, in.desc.Size)
		if err != nil {
			in.rejectRemote()
			return nil, newError("accept", id, ErrProtocolViolation, err)
		}
	}

	if in.ch != nil {
		if err := in.ch.write(&protocol.Packet{Type: protocol.TypeFinished, ObjectID: id}); err != nil {
			return nil, newError("accept", id, ErrConnectivity, err)
		}
	}
	util.Stats.AddTransferIn()
	return payload, nil
}

// Reject declines the transfer and releases its buffers. A second call, or a
// call after Accept, fails with ErrProtocolViolation.
func (in *Incoming) Reject() error {
	if err := in.claim("reject", stateRejected); err != nil {
		return err
	}

	in.mu.Lock()
	in.buf.Reset()
	canceled := in.err != nil
	in.mu.Unlock()

	if in.ch != nil {
		in.ch.forget(in.desc.ObjectID)
		if !canceled {
			in.rejectRemote()
		}
	}
	transferDone(protocol.Incoming, ErrLocalCancellation)
	return nil
}

func (in *Incoming) rejectRemote() {
	if in.ch == nil {
		return
	}
	if err := in.ch.write(&protocol.Packet{Type: protocol.TypeReject, ObjectID: in.desc.ObjectID}); err != nil {
		util.PeerDebugf(string(in.ch.peer), "reject #%d: %v", in.desc.ObjectID, err)
	}
}
