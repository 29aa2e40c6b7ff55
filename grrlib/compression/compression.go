/*
This package implements the zlib codec used to shrink message payloads before they go
on the wire. Both functions are stateless and safe to call from any goroutine.
*/
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Largest payload Inflate will produce
const MaxInflatedBytes = 256 << 20

var ErrCorruptData = errors.New("corrupt compressed data")

type CorruptDataError struct {
	Reason error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCorruptData, e.Reason)
}

func (e *CorruptDataError) Unwrap() error { return e.Reason }

func (e *CorruptDataError) Is(target error) bool { return target == ErrCorruptData }

// Deflate returns the zlib stream for input at the default compression level.
func Deflate(input []byte) []byte {
	var buf bytes.Buffer

	// writes into a bytes.Buffer never fail and the default level is always valid
	w := zlib.NewWriter(&buf)
	w.Write(input)
	w.Close()

	return buf.Bytes()
}

// Inflate reverses Deflate. Input that is not exactly one complete, checksummed zlib
// stream, or that expands past MaxInflatedBytes, returns a *CorruptDataError.
func Inflate(input []byte) ([]byte, error) {
	return InflateLimit(input, MaxInflatedBytes)
}

// InflateLimit is Inflate with a caller-chosen cap on the inflated size.
func InflateLimit(input []byte, limit int64) ([]byte, error) {
	source := bytes.NewReader(input)

	r, err := zlib.NewReader(source)
	if err != nil {
		return nil, &CorruptDataError{Reason: err}
	}
	defer r.Close()

	output, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, &CorruptDataError{Reason: err}
	} else if int64(len(output)) > limit {
		return nil, &CorruptDataError{Reason: fmt.Errorf("inflated data exceeds %d bytes", limit)}
	}

	if source.Len() > 0 {
		return nil, &CorruptDataError{Reason: fmt.Errorf("%d bytes of trailing data after the stream", source.Len())}
	}

	return output, nil
}
