package communication

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	BindError ErrorKind = iota + 1
	HandshakeError
	IncompatiblePeer
	MalformedMessage
	ConnectTimeout
	ReceiveTimeout
	QueueSaturated
	DurabilityError
	SessionClosed
)

type ErrorKind int

func (k ErrorKind) String() string {
	switch k {
	case BindError:
		return "bind error"
	case HandshakeError:
		return "handshake error"
	case IncompatiblePeer:
		return "incompatible peer"
	case MalformedMessage:
		return "malformed message"
	case ConnectTimeout:
		return "connect timeout"
	case ReceiveTimeout:
		return "receive timeout"
	case QueueSaturated:
		return "queue saturated"
	case DurabilityError:
		return "durability error"
	case SessionClosed:
		return "session closed"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Error carries the kind of a replication failure along with its cause
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Cause() error  { return e.Err }

func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

func WrapError(kind ErrorKind, err error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
