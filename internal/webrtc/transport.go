// Package webrtc is the direct peer-to-peer transport over a WebRTC
// DataChannel. Offers, answers and ICE candidates travel through the relay.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/relay"
	"github.com/1ureka/coact/internal/util"
)

// Signaler carries signaling messages between peers.
type Signaler interface {
	SendSignal(peer protocol.PeerID, sig *relay.Signal) error
	OnSignal(fn func(from protocol.PeerID, sig *relay.Signal))
}

// Opt configures a Transport.
type Opt func(*Transport)

// WithSTUNServers replaces the default STUN servers. An empty list gathers
// host candidates only.
func WithSTUNServers(urls []string) Opt {
	return func(t *Transport) {
		t.stun = urls
	}
}

// WithConnectTimeout bounds how long a DataChannel may take to open.
func WithConnectTimeout(d time.Duration) Opt {
	return func(t *Transport) {
		t.timeout = d
	}
}

// Transport dials and accepts DataChannel links.
type Transport struct {
	sig     Signaler
	stun    []string
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	accept chan link.Conn
}

// session is one PeerConnection being negotiated or in use.
type session struct {
	id   string
	peer protocol.PeerID
	pc   *webrtc.PeerConnection
	conn *link.ChanConn
	open chan struct{}

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// New creates a transport signaling through sig.
func New(sig Signaler, opts ...Opt) *Transport {
	t := &Transport{
		sig:      sig,
		stun:     DefaultSTUNServers,
		timeout:  20 * time.Second,
		sessions: make(map[string]*session),
		accept:   make(chan link.Conn, 4),
	}
	for _, opt := range opts {
		opt(t)
	}
	sig.OnSignal(t.handleSignal)
	return t
}

// Mode implements session.Dialer.
func (t *Transport) Mode() protocol.TransferMode { return protocol.ModeP2P }

// CanDial always tries; ICE decides whether the peer is reachable.
func (t *Transport) CanDial(protocol.PeerID) bool { return true }

func (t *Transport) newSession(id string, peer protocol.PeerID) (*session, error) {
	pc, err := newPeerConnection(t.stun)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}

	s := &session{id: id, peer: peer, pc: pc, open: make(chan struct{})}
	s.conn = newConn(pc, dc)

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(s.open) })
	})

	// Trickle ICE candidates.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// best-effort: a lost candidate only reduces the chance to connect
		t.sig.SendSignal(peer, &relay.Signal{Type: relay.SignalCandidate, Session: id, Candidate: string(data)})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.PeerDebugf(string(peer), "PeerConnection %s state: %s", id, state)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			t.forget(id)
			s.conn.Terminate()
		}
	})

	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()
	return s, nil
}

func (t *Transport) lookup(id string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[id]
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// abort tears a session down before it produced a link.
func (t *Transport) abort(s *session) {
	t.forget(s.id)
	s.conn.Close()
}

// Dial negotiates a DataChannel with peer as the offerer.
func (t *Transport) Dial(ctx context.Context, peer protocol.PeerID) (link.Conn, error) {
	s, err := t.newSession(uuid.NewString(), peer)
	if err != nil {
		return nil, err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		t.abort(s)
		return nil, fmt.Errorf("CreateOffer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		t.abort(s)
		return nil, fmt.Errorf("SetLocalDescription: %w", err)
	}
	if err := t.sig.SendSignal(peer, &relay.Signal{Type: relay.SignalOffer, Session: s.id, SDP: offer.SDP}); err != nil {
		t.abort(s)
		return nil, fmt.Errorf("send offer: %w", err)
	}

	if err := t.waitOpen(ctx, s); err != nil {
		return nil, err
	}
	util.PeerLogf(string(peer), "WebRTC DataChannel established")
	return s.conn, nil
}

func (t *Transport) waitOpen(ctx context.Context, s *session) error {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case <-s.open:
		return nil
	case <-s.conn.Done():
		t.forget(s.id)
		return fmt.Errorf("PeerConnection to %s failed", s.peer)
	case <-timer.C:
		t.abort(s)
		return fmt.Errorf("DataChannel to %s not open after %s", s.peer, t.timeout)
	case <-ctx.Done():
		t.abort(s)
		return ctx.Err()
	}
}

// Accept returns the next DataChannel link opened by a remote offerer.
func (t *Transport) Accept(ctx context.Context) (link.Conn, error) {
	select {
	case conn := <-t.accept:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements session.Listener. Established links stay open.
func (t *Transport) Close() error { return nil }

func (t *Transport) handleSignal(from protocol.PeerID, sig *relay.Signal) {
	switch sig.Type {
	case relay.SignalOffer:
		if err := t.answer(from, sig); err != nil {
			util.PeerLogf(string(from), "WebRTC answer failed: %v", err)
		}

	case relay.SignalAnswer:
		s := t.lookup(sig.Session)
		if s == nil || s.peer != from {
			return
		}
		if err := s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			util.PeerLogf(string(from), "SetRemoteDescription failed: %v", err)
			t.abort(s)
		}

	case relay.SignalCandidate:
		s := t.lookup(sig.Session)
		if s == nil || s.peer != from {
			return
		}
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(sig.Candidate), &init); err != nil {
			util.PeerDebugf(string(from), "bad ICE candidate: %v", err)
			return
		}
		s.addCandidate(init)
	}
}

func (t *Transport) answer(from protocol.PeerID, sig *relay.Signal) error {
	s, err := t.newSession(sig.Session, from)
	if err != nil {
		return err
	}
	if err := s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		t.abort(s)
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		t.abort(s)
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		t.abort(s)
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	if err := t.sig.SendSignal(from, &relay.Signal{Type: relay.SignalAnswer, Session: s.id, SDP: answer.SDP}); err != nil {
		t.abort(s)
		return fmt.Errorf("send answer: %w", err)
	}

	go func() {
		if err := t.waitOpen(context.Background(), s); err != nil {
			util.PeerDebugf(string(from), "incoming DataChannel: %v", err)
			return
		}
		select {
		case t.accept <- s.conn:
		case <-time.After(t.timeout):
			s.conn.Close()
		}
	}()
	return nil
}

// setRemote applies the remote description and flushes candidates that
// arrived before it.
func (s *session) setRemote(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteSet = true
	for _, c := range s.pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			util.PeerDebugf(string(s.peer), "AddICECandidate failed: %v", err)
		}
	}
	s.pending = nil
	return nil
}

func (s *session) addCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		util.PeerDebugf(string(s.peer), "AddICECandidate failed: %v", err)
	}
}
