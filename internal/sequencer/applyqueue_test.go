package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/activity"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/sequence"
)

type applied struct {
	sender protocol.PeerID
	data   byte
}

func startApplyQueue(t *testing.T, clock clockwork.Clock) (*ApplyQueue, chan applied) {
	t.Helper()
	out := make(chan applied, 64)
	q := NewApplyQueue(
		func(a activity.Activity, sender protocol.PeerID) {
			out <- applied{sender: sender, data: a.Data[0]}
		},
		WithApplyClock(clock),
		WithDrainInterval(time.Hour),
		WithQueueOpts(sequence.WithClock(clock), sequence.WithGapTimeout(time.Minute)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
	return q, out
}

func envelope(sender protocol.PeerID, seq uint32) sequence.Envelope {
	return sequence.Envelope{Sender: sender, Seq: seq, Activity: activity.Custom(sender, []byte{byte(seq)})}
}

func receive(t *testing.T, out chan applied, n int) []applied {
	t.Helper()
	var got []applied
	for len(got) < n {
		select {
		case a := <-out:
			got = append(got, a)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for applied activities", "got %v", got)
		}
	}
	return got
}

func TestApplyQueueOrdersPerSender(t *testing.T) {
	q, out := startApplyQueue(t, clockwork.NewFakeClock())

	q.Push(envelope("bob", 1), envelope("alice", 0))
	require.Equal(t, []applied{{"alice", 0}}, receive(t, out, 1))

	q.Push(envelope("bob", 0))
	require.Equal(t, []applied{{"bob", 0}, {"bob", 1}}, receive(t, out, 2))
	require.Equal(t, uint32(2), q.Expected("bob"))
}

func TestApplyQueueSkipsGapAfterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q, out := startApplyQueue(t, clock)

	q.Push(envelope("bob", 0), envelope("bob", 2), envelope("bob", 3))
	require.Equal(t, []applied{{"bob", 0}}, receive(t, out, 1))

	clock.Advance(61 * time.Second)
	q.Wake()
	require.Equal(t, []applied{{"bob", 2}, {"bob", 3}}, receive(t, out, 2))

	q.Push(envelope("bob", 1))
	select {
	case a := <-out:
		require.FailNow(t, "abandoned envelope was applied", "%v", a)
	case <-time.After(50 * time.Millisecond):
	}
}
