package sequence

import (
	"container/heap"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1ureka/coact/internal/activity"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/util"
)

// DefaultGapTimeout is how long a gap in the sequence may stay open before
// the queue stops waiting for the missing envelopes.
const DefaultGapTimeout = 60 * time.Second

// QueueOpt configures a Queue.
type QueueOpt func(*Queue)

// WithClock sets the clock used to stamp arrivals and measure gap age.
func WithClock(clock clockwork.Clock) QueueOpt {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithGapTimeout sets how long a gap may stay open. A zero timeout never
// abandons a gap.
func WithGapTimeout(timeout time.Duration) QueueOpt {
	return func(q *Queue) {
		q.gapTimeout = timeout
	}
}

// WithFirstSequence sets the first expected incoming number and the first
// outgoing number handed out by NextEnvelope.
func WithFirstSequence(first uint32) QueueOpt {
	return func(q *Queue) {
		q.expected = first
		q.out = NewSeqGen(first)
	}
}

// Queue reorders the envelopes of one remote sender. It releases only
// contiguous runs starting at the expected number and gives up on a gap
// once it has been open for longer than the gap timeout.
//
// A Queue is not safe for concurrent use; the Manager serializes access.
type Queue struct {
	peer       protocol.PeerID
	clock      clockwork.Clock
	gapTimeout time.Duration

	expected uint32
	pending  envelopeHeap
	oldest   time.Time // arrival time of the oldest pending envelope

	out *SeqGen
}

// NewQueue creates an empty queue for peer expecting sequence number 0.
func NewQueue(peer protocol.PeerID, opts ...QueueOpt) *Queue {
	q := &Queue{
		peer:       peer,
		clock:      clockwork.NewRealClock(),
		gapTimeout: DefaultGapTimeout,
		out:        NewSeqGen(0),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Peer returns the sender this queue orders.
func (q *Queue) Peer() protocol.PeerID { return q.peer }

// Expected returns the next sequence number the queue will release.
func (q *Queue) Expected() uint32 { return q.expected }

// Len returns the number of buffered envelopes.
func (q *Queue) Len() int { return q.pending.Len() }

// NextEnvelope wraps a payload into an envelope carrying the next outgoing
// sequence number for this peer.
func (q *Queue) NextEnvelope(a activity.Activity) Envelope {
	return Envelope{Sender: q.peer, Seq: q.out.Next(), Activity: a}
}

// Add buffers an envelope. Envelopes numbered below the expected number were
// already delivered or abandoned and are dropped.
func (q *Queue) Add(env Envelope) {
	if env.Seq < q.expected {
		util.PeerDebugf(string(q.peer), "dropping late envelope %d (expected %d)", env.Seq, q.expected)
		droppedLate.Inc()
		return
	}

	now := q.clock.Now()
	if q.pending.Len() == 0 {
		q.oldest = now
	}
	heap.Push(&q.pending, item{env: env, arrived: now})
	pending.Inc()
}

// Drain returns every envelope that can be delivered now, in sequence order.
// It first resolves gaps: stale envelopes are discarded and a gap older than
// the gap timeout is skipped. Returns nil if nothing is ready.
func (q *Queue) Drain() []Envelope {
	q.resolveGap()

	var result []Envelope
	popped := false
	for q.pending.Len() > 0 && q.pending[0].env.Seq <= q.expected {
		it := heap.Pop(&q.pending).(item)
		pending.Dec()
		popped = true
		if it.env.Seq < q.expected {
			droppedStale.Inc() // duplicate of the one just delivered
			continue
		}
		result = append(result, it.env)
		q.expected++
	}
	if popped {
		q.oldest = q.pending.oldestArrival()
	}
	return result
}

func (q *Queue) resolveGap() {
	stale := 0
	for q.pending.Len() > 0 && q.pending[0].env.Seq < q.expected {
		it := heap.Pop(&q.pending).(item)
		pending.Dec()
		droppedStale.Inc()
		stale++
		util.PeerDebugf(string(q.peer), "discarding stale envelope %d (expected %d)", it.env.Seq, q.expected)
	}
	if stale > 0 {
		q.oldest = q.pending.oldestArrival()
	}

	if q.pending.Len() == 0 || q.gapTimeout <= 0 {
		return
	}

	next := q.pending[0].env.Seq
	if next <= q.expected || q.clock.Since(q.oldest) <= q.gapTimeout {
		return
	}

	util.LogWarning("[%08x] abandoning sequence numbers %d..%d after %s",
		util.PeerTag(string(q.peer)), q.expected, next-1, q.gapTimeout)
	abandoned.Add(float64(next - q.expected))
	q.expected = next
}

// ---------------------------------------------------------------------------
// envelopeHeap implements a min-heap sorted by Seq.
// ---------------------------------------------------------------------------

type envelopeHeap []item

func (h envelopeHeap) Len() int            { return len(h) }
func (h envelopeHeap) Less(i, j int) bool  { return h[i].env.Seq < h[j].env.Seq }
func (h envelopeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *envelopeHeap) Push(x interface{}) { *h = append(*h, x.(item)) }

func (h *envelopeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{} // avoid memory leak
	*h = old[:n-1]
	return it
}

func (h envelopeHeap) oldestArrival() time.Time {
	var oldest time.Time
	for i, it := range h {
		if i == 0 || it.arrived.Before(oldest) {
			oldest = it.arrived
		}
	}
	return oldest
}
