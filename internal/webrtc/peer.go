package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering unless configured
// otherwise. No TURN; a peer that cannot be reached directly falls back to
// the relay.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated DataChannel (ID 0) so both sides
// create it independently without relying on OnDataChannel. It is ordered
// and reliable: frames of one transfer must arrive in the order sent.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("coact", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
