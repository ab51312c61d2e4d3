package sequence

import (
	"sort"
	"sync"

	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/util"
)

// Manager maintains the peer → reorder queue table. Queues are created lazily
// on first contact. Each queue is guarded by its own lock, so different peers
// can be processed concurrently.
type Manager struct {
	opts []QueueOpt

	mu     sync.Mutex
	queues map[protocol.PeerID]*entry
}

type entry struct {
	mu sync.Mutex
	q  *Queue
}

// NewManager creates an empty manager; opts apply to every queue it creates.
func NewManager(opts ...QueueOpt) *Manager {
	return &Manager{
		opts:   opts,
		queues: make(map[protocol.PeerID]*entry),
	}
}

func (m *Manager) entry(peer protocol.PeerID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queues[peer]
	if !ok {
		e = &entry{q: NewQueue(peer, m.opts...)}
		m.queues[peer] = e
		util.PeerDebugf(string(peer), "reorder queue created")
	}
	return e
}

// GetOrCreate returns the queue for peer, creating it if needed. The returned
// queue must not be mutated by the caller.
func (m *Manager) GetOrCreate(peer protocol.PeerID) *Queue {
	return m.entry(peer).q
}

// Add routes an envelope to its sender's queue.
func (m *Manager) Add(env Envelope) {
	e := m.entry(env.Sender)
	e.mu.Lock()
	e.q.Add(env)
	e.mu.Unlock()
}

// Drain drains a single peer's queue.
func (m *Manager) Drain(peer protocol.PeerID) []Envelope {
	m.mu.Lock()
	e, ok := m.queues[peer]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Drain()
}

// DrainAll concatenates the drained envelopes of all known peers. Order within
// a peer is strict; peers are visited in id order.
func (m *Manager) DrainAll() []Envelope {
	var result []Envelope
	for _, peer := range m.Peers() {
		result = append(result, m.Drain(peer)...)
	}
	return result
}

// Peers lists the peers that currently own a queue, sorted.
func (m *Manager) Peers() []protocol.PeerID {
	m.mu.Lock()
	peers := make([]protocol.PeerID, 0, len(m.queues))
	for peer := range m.queues {
		peers = append(peers, peer)
	}
	m.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Remove drops a peer's queue; pending envelopes are discarded.
func (m *Manager) Remove(peer protocol.PeerID) {
	m.mu.Lock()
	e, ok := m.queues[peer]
	delete(m.queues, peer)
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	n := e.q.Len()
	e.mu.Unlock()
	if n > 0 {
		pending.Sub(float64(n))
		droppedPeer.Add(float64(n))
		util.PeerDebugf(string(peer), "reorder queue removed with %d pending envelopes", n)
	}
}
