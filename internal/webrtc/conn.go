package webrtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/coact/internal/link"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// newConn turns a DataChannel into a link. It must be called before the
// channel opens so no message is missed. Incoming messages are fed
// to the link inbox; writes wait while the send buffer is above the high
// water mark.
func newConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *link.ChanConn {
	sendReady := make(chan struct{}, 1)
	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case sendReady <- struct{}{}:
		default:
		}
	})

	var conn *link.ChanConn
	conn = link.NewChanConn(
		func(frame []byte) error {
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-sendReady:
				case <-conn.Done():
					return link.ErrClosed
				}
			}
			return dc.Send(frame)
		},
		func() {
			dc.Close()
			pc.Close()
		},
		link.DefaultInboxSize,
	)

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		conn.Deliver(msg.Data)
	})
	dc.OnClose(func() {
		conn.Terminate()
		pc.Close()
	})
	return conn
}
