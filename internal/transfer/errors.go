package transfer

import (
	"errors"
	"fmt"
)

// Failure kinds. Match them with errors.Is on any error returned by this
// package.
var (
	ErrLocalCancellation  = errors.New("canceled locally")
	ErrRemoteCancellation = errors.New("canceled by remote")
	ErrConnectivity       = errors.New("connection lost")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrTimeout            = errors.New("confirmation timed out")
)

// Error describes a failed transfer operation.
type Error struct {
	Op       string // "send", "accept", "reject", "read"
	ObjectID int32
	Kind     error // one of the failure kinds above
	Err      error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s #%d: %v", e.Op, e.ObjectID, e.Kind)
	}
	return fmt.Sprintf("%s #%d: %v: %v", e.Op, e.ObjectID, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, id int32, kind, err error) *Error {
	return &Error{Op: op, ObjectID: id, Kind: kind, Err: err}
}

// IsCancellation reports whether err is a local or remote cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrLocalCancellation) || errors.Is(err, ErrRemoteCancellation)
}
