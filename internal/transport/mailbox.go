package transport

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/transfer"
)

// DefaultMaxMailSize bounds the payload of one store-and-forward transfer.
const DefaultMaxMailSize = 1 << 20

// Poster delivers mail to a peer, keeping it while the peer is offline.
type Poster interface {
	Post(peer protocol.PeerID, data []byte) error
	CanDial(peer protocol.PeerID) bool
}

type mail struct {
	Description protocol.Description `cbor:"1,keyasint"`
	Payload     []byte               `cbor:"2,keyasint"`
}

// MailboxTransport is the store-and-forward fallback. A transfer becomes one
// mail; there is no confirmation handshake, posting it is success.
type MailboxTransport struct {
	poster  Poster
	maxSize int
}

// NewMailboxTransport creates the fallback over poster. maxSize <= 0 uses
// DefaultMaxMailSize.
func NewMailboxTransport(poster Poster, maxSize int) *MailboxTransport {
	if maxSize <= 0 {
		maxSize = DefaultMaxMailSize
	}
	return &MailboxTransport{poster: poster, maxSize: maxSize}
}

func (t *MailboxTransport) Mode() protocol.TransferMode { return protocol.ModeStoreForward }

func (t *MailboxTransport) IsSuitable(peer protocol.PeerID) bool {
	return t.poster.CanDial(peer)
}

func (t *MailboxTransport) Send(ctx context.Context, desc *protocol.Description, data []byte, mon *transfer.Monitor) (protocol.TransferMode, error) {
	if len(data) > t.maxSize {
		return protocol.ModeUnknown, fmt.Errorf("payload of %d bytes exceeds mail limit %d", len(data), t.maxSize)
	}
	if err := ctx.Err(); err != nil {
		return protocol.ModeUnknown, &transfer.Error{Op: "send", Kind: transfer.ErrLocalCancellation, Err: err}
	}
	if mon.Canceled() {
		return protocol.ModeUnknown, &transfer.Error{Op: "send", Kind: transfer.ErrLocalCancellation}
	}

	m := mail{Description: *desc, Payload: data}
	m.Description.ObjectID = 0
	m.Description.Compressed = false
	m.Description.Size = int64(len(data))
	m.Description.WireSize = int64(len(data))

	encoded, err := cbor.Marshal(&m)
	if err != nil {
		return protocol.ModeUnknown, fmt.Errorf("encode mail: %w", err)
	}
	if err := t.poster.Post(desc.Recipient, encoded); err != nil {
		return protocol.ModeUnknown, &transfer.Error{Op: "send", Kind: transfer.ErrConnectivity, Err: err}
	}
	return protocol.ModeStoreForward, nil
}

// OpenMail turns received mail into an incoming transfer handle. from is the
// sender as stamped by the relay and wins over the one in the description.
func OpenMail(from protocol.PeerID, data []byte) (*transfer.Incoming, error) {
	var m mail
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: mail: %v", protocol.ErrMalformed, err)
	}
	m.Description.Sender = from
	return transfer.NewDelivered(&m.Description, m.Payload, protocol.ModeStoreForward), nil
}
