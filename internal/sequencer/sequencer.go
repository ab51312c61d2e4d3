// Package sequencer is the local end of activity ordering. The Sequencer
// buffers locally produced activities, compacts them and numbers them for
// sending. The ApplyQueue applies local and remote envelopes strictly in
// per-sender sequence order.
package sequencer

import (
	"sync"

	"github.com/1ureka/coact/internal/activity"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/sequence"
)

// Opt configures a Sequencer.
type Opt func(*Sequencer)

// WithFirstSequence sets the number assigned to the first flushed activity.
func WithFirstSequence(first uint32) Opt {
	return func(s *Sequencer) {
		s.seq = sequence.NewSeqGen(first)
	}
}

// WithoutCompaction disables merging of adjacent edits.
func WithoutCompaction() Opt {
	return func(s *Sequencer) {
		s.compact = false
	}
}

// Sequencer collects activities produced by the local user. Offer never
// blocks on the network; Flush hands the buffered batch to the caller.
type Sequencer struct {
	self    protocol.PeerID
	compact bool
	seq     *sequence.SeqGen

	mu  sync.Mutex
	buf []activity.Activity

	flushMu sync.Mutex // keeps numbering in flush order
}

// New creates a sequencer for the local peer self.
func New(self protocol.PeerID, opts ...Opt) *Sequencer {
	s := &Sequencer{
		self:    self,
		compact: true,
		seq:     sequence.NewSeqGen(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Offer appends a locally produced activity to the buffer.
func (s *Sequencer) Offer(a activity.Activity) {
	if a.Source == "" {
		a.Source = s.self
	}
	s.mu.Lock()
	s.buf = append(s.buf, a)
	s.mu.Unlock()
}

// Pending returns the number of buffered activities.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Flush swaps out the buffer and returns its compacted content. Returns nil
// when nothing was offered since the last flush.
func (s *Sequencer) Flush() []activity.Activity {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if !s.compact {
		return batch
	}
	return Compact(batch)
}

// FlushWithSequence flushes and assigns one outgoing sequence number to
// every surviving activity. Numbering continues across flushes.
func (s *Sequencer) FlushWithSequence() []sequence.Envelope {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	batch := s.Flush()
	if batch == nil {
		return nil
	}

	envs := make([]sequence.Envelope, len(batch))
	for i, a := range batch {
		envs[i] = sequence.Envelope{Sender: s.self, Seq: s.seq.Next(), Activity: a}
	}
	return envs
}

// NextSequence returns the number the next flushed activity will carry.
func (s *Sequencer) NextSequence() uint32 {
	return s.seq.Peek()
}
