package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for frames that cannot be parsed.
var ErrMalformed = errors.New("malformed packet")

// Encode serializes a Packet into a byte slice, one frame per link write.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Data))
	buf[0] = uint8(pkt.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(pkt.ObjectID))
	binary.BigEndian.PutUint32(buf[5:9], uint32(pkt.Remaining))
	copy(buf[HeaderSize:], pkt.Data)
	return buf
}

// Decode deserializes a frame into a Packet. Short frames, unknown types and
// negative counters are reported as ErrMalformed.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformed, len(data), HeaderSize)
	}
	pkt := &Packet{
		Type:      PacketType(data[0]),
		ObjectID:  int32(binary.BigEndian.Uint32(data[1:5])),
		Remaining: int32(binary.BigEndian.Uint32(data[5:9])),
	}
	if !pkt.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformed, data[0])
	}
	if pkt.Remaining < 0 {
		return nil, fmt.Errorf("%w: negative remaining %d", ErrMalformed, pkt.Remaining)
	}
	if len(data) > HeaderSize {
		pkt.Data = make([]byte, len(data)-HeaderSize)
		copy(pkt.Data, data[HeaderSize:])
	}
	return pkt, nil
}

// Split cuts data into chunks of at most size bytes. An empty input still
// yields one empty chunk so that a receiver always sees a last chunk.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		panic("protocol: non-positive chunk size")
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for i := 0; i < len(data); i += size {
		end := min(i+size, len(data))
		chunks = append(chunks, data[i:end])
	}
	return chunks
}
