package comms

import (
	"github.com/dionyziz/grr/grrlib/message"
)

const ApiVersion = 3

// ClientCommunication is the body of every request to the control endpoint.
type ClientCommunication struct {
	ApiVersion int    `cbor:"1,keyasint"`
	ClientId   string `cbor:"2,keyasint"`
	Nonce      uint64 `cbor:"3,keyasint"`

	// The session key, encrypted to the server certificate, and the client's
	// signature over that ciphertext.
	EncryptedCipher          []byte `cbor:"4,keyasint"`
	EncryptedCipherSignature []byte `cbor:"5,keyasint"`

	// The packed message list, sealed with the session key
	Encrypted []byte `cbor:"6,keyasint"`
}

// ServerCommunication is the body of a 200 reply. It is sealed with the session key
// from the request it answers.
type ServerCommunication struct {
	ApiVersion int    `cbor:"1,keyasint"`
	Nonce      uint64 `cbor:"2,keyasint"`
	Encrypted  []byte `cbor:"3,keyasint"`
}

type MessageList struct {
	Messages []*message.Message `cbor:"1,keyasint,omitempty"`
}

// Certificate is the payload of an enrollment message.
type Certificate struct {
	Type string `cbor:"1,keyasint"`
	Pem  string `cbor:"2,keyasint"`
}
