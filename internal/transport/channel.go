package transport

import (
	"context"

	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/session"
	"github.com/1ureka/coact/internal/transfer"
)

// ChannelTransport sends over a session channel of one mode, connecting on
// demand.
type ChannelTransport struct {
	sessions *session.Manager
	mode     protocol.TransferMode
}

// NewChannelTransport creates a candidate for mode backed by sessions.
func NewChannelTransport(sessions *session.Manager, mode protocol.TransferMode) *ChannelTransport {
	return &ChannelTransport{sessions: sessions, mode: mode}
}

func (t *ChannelTransport) Mode() protocol.TransferMode { return t.mode }

func (t *ChannelTransport) IsSuitable(peer protocol.PeerID) bool {
	return t.sessions.Reachable(peer, t.mode)
}

func (t *ChannelTransport) Send(ctx context.Context, desc *protocol.Description, data []byte, mon *transfer.Monitor) (protocol.TransferMode, error) {
	ch, err := t.sessions.ConnectMode(ctx, desc.Recipient, t.mode)
	if err != nil {
		return protocol.ModeUnknown, err
	}
	if err := ch.Send(ctx, desc, data, mon); err != nil {
		return protocol.ModeUnknown, err
	}
	return t.mode, nil
}
