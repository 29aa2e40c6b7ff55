package comms

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

const nonceRandomMask = 0x7FFFF

// NewNonce returns a request nonce: the current time in microseconds with the low
// bits randomized, so nonces increase across requests but cannot be predicted.
func NewNonce() (uint64, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to read random nonce: %w", err)
	}

	random := binary.BigEndian.Uint32(buf[:])
	if random == 0 {
		return 0, fmt.Errorf("random source returned zero")
	}

	return uint64(time.Now().Unix())*1000000 + uint64(random&nonceRandomMask), nil
}
