package webrtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/relay"
)

// recordingSignaler captures outgoing signals and never answers.
type recordingSignaler struct {
	mu      sync.Mutex
	sent    []*relay.Signal
	handler func(protocol.PeerID, *relay.Signal)
}

func (r *recordingSignaler) SendSignal(_ protocol.PeerID, sig *relay.Signal) error {
	r.mu.Lock()
	r.sent = append(r.sent, sig)
	r.mu.Unlock()
	return nil
}

func (r *recordingSignaler) OnSignal(fn func(protocol.PeerID, *relay.Signal)) {
	r.handler = fn
}

func (r *recordingSignaler) offers() []*relay.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*relay.Signal
	for _, s := range r.sent {
		if s.Type == relay.SignalOffer {
			out = append(out, s)
		}
	}
	return out
}

func TestDialSendsOfferAndGivesUp(t *testing.T) {
	sig := &recordingSignaler{}
	tr := New(sig, WithSTUNServers(nil), WithConnectTimeout(time.Minute))
	require.NotNil(t, sig.handler)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := tr.Dial(ctx, "bob")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	offers := sig.offers()
	require.Len(t, offers, 1)
	require.True(t, strings.Contains(offers[0].SDP, "m=application"))
	require.Nil(t, tr.lookup(offers[0].Session))
}

func TestSignalsForUnknownSessionIgnored(t *testing.T) {
	sig := &recordingSignaler{}
	tr := New(sig, WithSTUNServers(nil))

	sig.handler("bob", &relay.Signal{Type: relay.SignalAnswer, Session: "nope", SDP: "v=0"})
	sig.handler("bob", &relay.Signal{Type: relay.SignalCandidate, Session: "nope", Candidate: "{}"})
	require.Empty(t, tr.sessions)
}
