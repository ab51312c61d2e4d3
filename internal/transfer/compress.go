package transfer

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payloads smaller than this are sent as is.
const minCompressSize = 512

// maxPrealloc caps buffer preallocation driven by a remote size hint.
const maxPrealloc = 16 << 20

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompress(data []byte, sizeHint int64) ([]byte, error) {
	out, err := decoder.DecodeAll(data, make([]byte, 0, min(max(sizeHint, 0), maxPrealloc)))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
