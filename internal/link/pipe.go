package link

// Pipe returns two connected in-memory links. Closing one end terminates the
// other.
func Pipe() (*ChanConn, *ChanConn) {
	var a, b *ChanConn
	a = NewChanConn(
		func(frame []byte) error { return b.Deliver(clone(frame)) },
		func() { b.Terminate() },
		DefaultInboxSize,
	)
	b = NewChanConn(
		func(frame []byte) error { return a.Deliver(clone(frame)) },
		func() { a.Terminate() },
		DefaultInboxSize,
	)
	return a, b
}

func clone(frame []byte) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	return out
}
