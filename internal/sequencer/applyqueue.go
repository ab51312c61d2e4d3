package sequencer

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1ureka/coact/internal/activity"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/sequence"
	"github.com/1ureka/coact/internal/util"
)

// DefaultDrainInterval is how often the apply queue re-evaluates open gaps
// when no new envelope arrives.
const DefaultDrainInterval = time.Second

// ApplyFunc applies one activity produced by sender. It is called by a single
// goroutine, strictly in per-sender sequence order.
type ApplyFunc func(a activity.Activity, sender protocol.PeerID)

// ApplyOpt configures an ApplyQueue.
type ApplyOpt func(*ApplyQueue)

// WithDrainInterval sets the gap re-evaluation interval.
func WithDrainInterval(d time.Duration) ApplyOpt {
	return func(q *ApplyQueue) {
		q.interval = d
	}
}

// WithApplyClock sets the clock driving the drain ticker.
func WithApplyClock(clock clockwork.Clock) ApplyOpt {
	return func(q *ApplyQueue) {
		q.clock = clock
	}
}

// WithQueueOpts passes options to every per-peer reorder queue.
func WithQueueOpts(opts ...sequence.QueueOpt) ApplyOpt {
	return func(q *ApplyQueue) {
		q.queueOpts = append(q.queueOpts, opts...)
	}
}

// ApplyQueue is the single execution queue shared by local and remote
// envelopes. Envelopes are reordered per sender and handed to the apply
// function one at a time by the goroutine running Run.
type ApplyQueue struct {
	apply     ApplyFunc
	clock     clockwork.Clock
	interval  time.Duration
	queueOpts []sequence.QueueOpt

	queues *sequence.Manager
	wake   chan struct{}
}

// NewApplyQueue creates an apply queue; call Run to start applying.
func NewApplyQueue(apply ApplyFunc, opts ...ApplyOpt) *ApplyQueue {
	q := &ApplyQueue{
		apply:    apply,
		clock:    clockwork.NewRealClock(),
		interval: DefaultDrainInterval,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.queues = sequence.NewManager(q.queueOpts...)
	return q
}

// Push enqueues envelopes and wakes the apply goroutine.
func (q *ApplyQueue) Push(envs ...sequence.Envelope) {
	for _, env := range envs {
		q.queues.Add(env)
	}
	q.Wake()
}

// Wake asks the apply goroutine to drain now.
func (q *ApplyQueue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Remove forgets a sender; its pending envelopes are discarded.
func (q *ApplyQueue) Remove(peer protocol.PeerID) {
	q.queues.Remove(peer)
}

// Expected returns the next sequence number the queue will apply for peer.
func (q *ApplyQueue) Expected(peer protocol.PeerID) uint32 {
	return q.queues.GetOrCreate(peer).Expected()
}

// Run applies envelopes until ctx is done.
func (q *ApplyQueue) Run(ctx context.Context) error {
	ticker := q.clock.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-ticker.Chan():
		}

		envs := q.queues.DrainAll()
		for _, env := range envs {
			q.apply(env.Activity, env.Sender)
		}
		util.Stats.AddApplied(len(envs))
	}
}
