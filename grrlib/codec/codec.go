/*
This package is the single place the wire encoding is configured. Envelopes and
message lists are CBOR, encoded deterministically so that the same message list
always produces the same bytes (and so the same signature).

The encoder and decoder modes are built by Init, which the client's static
initialization calls before any goroutine is started.
*/
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Protect against hostile peers claiming absurdly large collections
const maxArrayElements = 1 << 20

var ErrNotInitialized = errors.New("codec used before codec.Init")

var (
	initOnce sync.Once
	initErr  error

	encMode cbor.EncMode
	decMode cbor.DecMode
)

// Init builds the encoder and decoder modes. It is idempotent.
func Init() error {
	initOnce.Do(func() {
		if encMode, initErr = cbor.CoreDetEncOptions().EncMode(); initErr != nil {
			initErr = fmt.Errorf("failed to build cbor encoder: %w", initErr)
			return
		}

		if decMode, initErr = (cbor.DecOptions{
			MaxArrayElements: maxArrayElements,
			DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		}).DecMode(); initErr != nil {
			initErr = fmt.Errorf("failed to build cbor decoder: %w", initErr)
		}
	})
	return initErr
}

func Marshal(v interface{}) ([]byte, error) {
	if encMode == nil {
		return nil, ErrNotInitialized
	}
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	if decMode == nil {
		return ErrNotInitialized
	}
	return decMode.Unmarshal(data, v)
}
