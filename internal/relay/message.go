// Package relay is the relayed and store-and-forward transport. A WebSocket
// hub forwards JSON messages between logged in peers, keeps mail for offline
// peers in a LevelDB mailbox and carries WebRTC signaling.
package relay

import (
	"errors"

	"github.com/1ureka/coact/internal/protocol"
)

// MessageType identifies the kind of relay message.
type MessageType string

const (
	MsgTypeFrame   MessageType = "frame"   // one link frame
	MsgTypeClose   MessageType = "close"   // link closed by the sender
	MsgTypeSignal  MessageType = "signal"  // WebRTC offer/answer/candidate
	MsgTypeMail    MessageType = "mail"    // store-and-forward payload
	MsgTypeOffline MessageType = "offline" // recipient unreachable or gone
)

// Message is the JSON structure exchanged with the hub. The hub stamps From.
type Message struct {
	Type   MessageType     `json:"type"`
	From   protocol.PeerID `json:"from,omitempty"`
	To     protocol.PeerID `json:"to,omitempty"`
	Link   string          `json:"link,omitempty"` // virtual link id
	Data   []byte          `json:"data,omitempty"`
	Signal *Signal         `json:"signal,omitempty"`
}

// SignalType identifies a WebRTC signaling step.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is one WebRTC signaling step.
type Signal struct {
	Type      SignalType `json:"type"`
	Session   string     `json:"session"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

var (
	// ErrPeerOffline is returned when the recipient is not logged in.
	ErrPeerOffline = errors.New("peer offline")
	// ErrUnauthorized is returned when the hub refuses the PIN.
	ErrUnauthorized = errors.New("unauthorized")
)
