// Package transport decides which physical transport carries a transfer. The
// Selector tries its candidates in priority order, falls back on failure and
// remembers per peer and direction which mode was used last.
package transport

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/transfer"
	"github.com/1ureka/coact/internal/util"
)

// ErrTransportExhausted is returned when every suitable candidate failed.
var ErrTransportExhausted = errors.New("all transports failed")

// Transport is one candidate of the Selector.
type Transport interface {
	Mode() protocol.TransferMode
	IsSuitable(peer protocol.PeerID) bool
	Send(ctx context.Context, desc *protocol.Description, data []byte, mon *transfer.Monitor) (protocol.TransferMode, error)
}

// DefaultModeCacheSize bounds the number of per-peer mode records.
const DefaultModeCacheSize = 1024

type modeKey struct {
	peer protocol.PeerID
	dir  protocol.Direction
}

// Opt configures a Selector.
type Opt func(*Selector)

// WithModeCacheSize sets how many peer/direction mode records are kept.
func WithModeCacheSize(n int) Opt {
	return func(s *Selector) {
		s.cacheSize = n
	}
}

// Selector sends transfers over the first candidate that works.
type Selector struct {
	candidates []Transport
	cacheSize  int
	modes      *lru.Cache[modeKey, protocol.TransferMode]
}

// NewSelector creates a selector over candidates, highest priority first.
func NewSelector(candidates []Transport, opts ...Opt) *Selector {
	s := &Selector{
		candidates: candidates,
		cacheSize:  DefaultModeCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	modes, err := lru.New[modeKey, protocol.TransferMode](s.cacheSize)
	if err != nil {
		panic(fmt.Sprintf("transport: mode cache: %v", err))
	}
	s.modes = modes
	return s
}

// SendData sends data to desc.Recipient. Candidates that are not suitable
// are skipped; a failing candidate is logged and the next one is tried.
// Cancellation, local or by the receiver, ends the attempt immediately.
func (s *Selector) SendData(ctx context.Context, desc *protocol.Description, data []byte, mon *transfer.Monitor) (protocol.TransferMode, error) {
	peer := desc.Recipient
	var errs []error

	for _, c := range s.candidates {
		if !c.IsSuitable(peer) {
			continue
		}

		mode, err := c.Send(ctx, desc, data, mon)
		if err == nil {
			s.modes.Add(modeKey{peer, protocol.Outgoing}, mode)
			sendsCounter.WithLabelValues(mode.String(), "ok").Inc()
			return mode, nil
		}

		sendsCounter.WithLabelValues(c.Mode().String(), "failed").Inc()
		if transfer.IsCancellation(err) || ctx.Err() != nil {
			return protocol.ModeUnknown, err
		}
		util.PeerLogf(string(peer), "%s transfer failed, trying next transport: %v", c.Mode(), err)
		errs = append(errs, fmt.Errorf("%s: %w", c.Mode(), err))
	}

	if len(errs) == 0 {
		return protocol.ModeUnknown, fmt.Errorf("%w: no suitable transport for %s", ErrTransportExhausted, peer)
	}
	return protocol.ModeUnknown, fmt.Errorf("%w for %s: %w", ErrTransportExhausted, peer, errors.Join(errs...))
}

// RecordIncoming notes the mode of a completed incoming transfer.
func (s *Selector) RecordIncoming(peer protocol.PeerID, mode protocol.TransferMode) {
	s.modes.Add(modeKey{peer, protocol.Incoming}, mode)
}

// IncomingTransferMode returns the mode of the last incoming transfer from
// peer, ModeUnknown if there was none.
func (s *Selector) IncomingTransferMode(peer protocol.PeerID) protocol.TransferMode {
	mode, _ := s.modes.Get(modeKey{peer, protocol.Incoming})
	return mode
}

// OutgoingTransferMode returns the mode of the last successful send to peer,
// ModeUnknown if there was none.
func (s *Selector) OutgoingTransferMode(peer protocol.PeerID) protocol.TransferMode {
	mode, _ := s.modes.Get(modeKey{peer, protocol.Outgoing})
	return mode
}

// Reset forgets peer's mode records, e.g. when its connection is torn down.
func (s *Selector) Reset(peer protocol.PeerID) {
	s.modes.Remove(modeKey{peer, protocol.Incoming})
	s.modes.Remove(modeKey{peer, protocol.Outgoing})
}
