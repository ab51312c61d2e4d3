package link

import (
	"io"
	"sync"

	"github.com/libp2p/go-msgio"

	"github.com/1ureka/coact/internal/util"
)

// DefaultMaxFrameSize bounds a single frame read from a stream.
const DefaultMaxFrameSize = 1 << 20

// StreamConn frames a byte stream with varint length prefixes.
type StreamConn struct {
	rwc io.ReadWriteCloser
	r   msgio.ReadCloser
	w   msgio.WriteCloser

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewStreamConn wraps rwc. Frames longer than maxFrameSize are refused by the
// reader.
func NewStreamConn(rwc io.ReadWriteCloser, maxFrameSize int) *StreamConn {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	util.Stats.AddConn()
	return &StreamConn{
		rwc: rwc,
		r:   msgio.NewVarintReaderSize(rwc, maxFrameSize),
		w:   msgio.NewVarintWriter(rwc),
	}
}

// ReadFrame reads one frame. The returned slice is owned by the caller.
func (c *StreamConn) ReadFrame() ([]byte, error) {
	msg, err := c.r.ReadMsg()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, len(msg))
	copy(frame, msg)
	c.r.ReleaseMsg(msg)

	util.Stats.AddRecv(len(frame))
	return frame, nil
}

// WriteFrame writes one frame.
func (c *StreamConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.w.WriteMsg(frame); err != nil {
		return err
	}
	util.Stats.AddSent(len(frame))
	return nil
}

// Close closes the underlying stream. Safe to call multiple times.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rwc.Close()
		util.Stats.RemoveConn()
	})
	return err
}
