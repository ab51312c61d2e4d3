package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/activity"
	"github.com/1ureka/coact/internal/protocol"
)

func TestManagerRoutesPerSender(t *testing.T) {
	m := NewManager(WithGapTimeout(0))

	for _, peer := range []protocol.PeerID{"alice", "bob"} {
		for _, s := range []uint32{2, 0, 1} {
			m.Add(Envelope{Sender: peer, Seq: s, Activity: activity.Custom(peer, nil)})
		}
	}
	require.Equal(t, []protocol.PeerID{"alice", "bob"}, m.Peers())

	got := m.DrainAll()
	require.Len(t, got, 6)

	perPeer := map[protocol.PeerID][]uint32{}
	for _, e := range got {
		perPeer[e.Sender] = append(perPeer[e.Sender], e.Seq)
	}
	require.Equal(t, []uint32{0, 1, 2}, perPeer["alice"])
	require.Equal(t, []uint32{0, 1, 2}, perPeer["bob"])
}

func TestManagerRemoveDiscardsPending(t *testing.T) {
	m := NewManager()
	m.Add(Envelope{Sender: "alice", Seq: 3, Activity: activity.Custom("alice", nil)})
	require.Equal(t, 1, m.GetOrCreate("alice").Len())

	m.Remove("alice")
	m.Remove("alice")
	require.Empty(t, m.Peers())
	require.Empty(t, m.DrainAll())

	// a returning peer starts from scratch
	require.Equal(t, uint32(0), m.GetOrCreate("alice").Expected())
}

func TestManagerConcurrentAdd(t *testing.T) {
	m := NewManager(WithGapTimeout(0))
	peers := []protocol.PeerID{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 99; i >= 0; i-- {
				m.Add(Envelope{Sender: peer, Seq: uint32(i), Activity: activity.Custom(peer, nil)})
			}
		}()
	}
	wg.Wait()

	require.Len(t, m.DrainAll(), 400)
}
