// Package protocol defines the data model and the binary frame format shared
// by two coact instances: packets, transfer descriptions and transfer modes.
package protocol

import "fmt"

// PacketType identifies a frame on a transfer channel.
type PacketType uint8

// Packet type constants.
const (
	TypeTransferDescription PacketType = 0x01 // Chunk of an encoded Description
	TypeData                PacketType = 0x02 // Chunk of the transfer payload
	TypeCancel              PacketType = 0x03 // Sender aborted the transfer
	TypeFinished            PacketType = 0x04 // Receiver accepted and got everything
	TypeReject              PacketType = 0x05 // Receiver refused or gave up
)

func (t PacketType) String() string {
	switch t {
	case TypeTransferDescription:
		return "TRANSFERDESCRIPTION"
	case TypeData:
		return "DATA"
	case TypeCancel:
		return "CANCEL"
	case TypeFinished:
		return "FINISHED"
	case TypeReject:
		return "REJECT"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	return t >= TypeTransferDescription && t <= TypeReject
}

// HeaderSize is the fixed header size: Type(1) + ObjectID(4) + Remaining(4).
const HeaderSize = 9

// Packet is one frame of the chunked transfer protocol. Remaining counts the
// chunks of the same logical unit still to follow; 0 marks the last one.
type Packet struct {
	Type      PacketType
	ObjectID  int32
	Remaining int32
	Data      []byte // only used for TypeTransferDescription and TypeData
}
