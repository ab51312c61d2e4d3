package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// PeerID identifies a collaboration participant.
type PeerID string

// TransferType classifies what a transfer carries so that the receiving side
// can route it without looking at the payload.
type TransferType uint8

const (
	TransferResource TransferType = iota + 1
	TransferFileList
	TransferArchive
	TransferActivity
	TransferCustom
	TransferConnectionTest
)

var transferTypeNames = map[TransferType]string{
	TransferResource:       "RESOURCE",
	TransferFileList:       "FILELIST",
	TransferArchive:        "ARCHIVE",
	TransferActivity:       "ACTIVITY",
	TransferCustom:         "CUSTOM",
	TransferConnectionTest: "CONNECTION_TEST",
}

func (t TransferType) String() string {
	if name, ok := transferTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TransferType(%d)", uint8(t))
}

// Description describes one logical payload transfer. It travels ahead of the
// payload as TRANSFERDESCRIPTION frames.
type Description struct {
	Type       TransferType `cbor:"1,keyasint"`
	Sender     PeerID       `cbor:"2,keyasint"`
	Recipient  PeerID       `cbor:"3,keyasint"`
	SessionID  string       `cbor:"4,keyasint,omitempty"`
	ObjectID   int32        `cbor:"5,keyasint"`
	Compressed bool         `cbor:"6,keyasint,omitempty"`
	Size       int64        `cbor:"7,keyasint"` // payload bytes before compression
	WireSize   int64        `cbor:"8,keyasint"` // payload bytes as sent
	Name       string       `cbor:"9,keyasint,omitempty"`
}

func (d *Description) String() string {
	return fmt.Sprintf("%s #%d %s->%s (%d bytes)", d.Type, d.ObjectID, d.Sender, d.Recipient, d.Size)
}

// MarshalDescription encodes d in its wire form.
func MarshalDescription(d *Description) ([]byte, error) {
	data, err := cbor.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode description: %w", err)
	}
	return data, nil
}

// UnmarshalDescription decodes a description received from a peer.
func UnmarshalDescription(data []byte) (*Description, error) {
	var d Description
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: description: %v", ErrMalformed, err)
	}
	if _, ok := transferTypeNames[d.Type]; !ok {
		return nil, fmt.Errorf("%w: description type %d", ErrMalformed, d.Type)
	}
	return &d, nil
}
