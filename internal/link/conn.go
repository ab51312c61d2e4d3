// Package link abstracts one physical, message oriented duplex connection.
// Every concrete transport (QUIC stream, WebRTC DataChannel, relayed virtual
// link, in-memory pipe) is turned into a Conn that moves whole frames.
package link

import (
	"errors"
	"sync"

	"github.com/1ureka/coact/internal/util"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("link closed")

// Conn moves whole frames. WriteFrame may be called concurrently; ReadFrame
// must only be called by one goroutine.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// DefaultInboxSize is the frame capacity of a ChanConn inbox.
const DefaultInboxSize = 256

// ChanConn is a Conn fed by a producer goroutine through Deliver. Writes go
// to the send function. It backs every transport whose receive side is
// callback driven.
type ChanConn struct {
	inbox   chan []byte
	send    func([]byte) error
	onClose func()

	done      chan struct{}
	closeOnce sync.Once
}

// NewChanConn creates a ChanConn. onClose runs once when the local side
// closes the link and may be nil.
func NewChanConn(send func([]byte) error, onClose func(), inboxSize int) *ChanConn {
	util.Stats.AddConn()
	return &ChanConn{
		inbox:   make(chan []byte, inboxSize),
		send:    send,
		onClose: onClose,
		done:    make(chan struct{}),
	}
}

// Deliver hands a received frame to the reader. It blocks while the inbox is
// full and fails once the link is closed. The frame must not be reused.
func (c *ChanConn) Deliver(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.inbox <- frame:
		util.Stats.AddRecv(len(frame))
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// ReadFrame returns the next frame. Frames delivered before the link was
// closed are still returned.
func (c *ChanConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbox:
		return frame, nil
	case <-c.done:
		select {
		case frame := <-c.inbox:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	}
}

// WriteFrame sends one frame.
func (c *ChanConn) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.send(frame); err != nil {
		return err
	}
	util.Stats.AddSent(len(frame))
	return nil
}

// Close closes the link locally and runs the close hook. Safe to call
// multiple times.
func (c *ChanConn) Close() error {
	c.shutdown(true)
	return nil
}

// Terminate closes the link because the remote side went away. The close
// hook is not run.
func (c *ChanConn) Terminate() {
	c.shutdown(false)
}

// Done is closed once the link is closed.
func (c *ChanConn) Done() <-chan struct{} {
	return c.done
}

func (c *ChanConn) shutdown(local bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		util.Stats.RemoveConn()
		if local && c.onClose != nil {
			c.onClose()
		}
	})
}
