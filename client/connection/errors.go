package connection

import (
	"errors"
	"fmt"
)

var (
	// The server answered 406: it does not know this client and wants it to enroll
	ErrNotEnrolled = errors.New("server does not recognize this client")

	ErrInvalidConnection = errors.New("connection was invalidated by an earlier error")
)

// TransportError covers every failure to complete an exchange, including replies
// that fail to decrypt or decompress. The connection it came from must be discarded.
type TransportError struct {
	Url      string
	InnerErr error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("exchange with %s failed: %s", e.Url, e.InnerErr)
}

func (e *TransportError) Unwrap() error { return e.InnerErr }
