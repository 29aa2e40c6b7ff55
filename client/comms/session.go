/*
Package comms implements the encrypted exchange between the client and the server.

A SecureSession lives as long as one connection. When it is created the client picks
a random session key, encrypts it to the server certificate's key and signs the
ciphertext with its own key. Every request then carries that encrypted key and the
client's message list, packed as CBOR, deflated and sealed with XChaCha20-Poly1305
under the session key. The server seals its reply with the same key. Both directions
bind the client id and the request nonce as associated data, so a reply can only be
opened as the answer to the request it was made for.
*/
package comms

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dionyziz/grr/grrlib/codec"
	"github.com/dionyziz/grr/grrlib/compression"
	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/message"
)

const sessionKeySize = chacha20poly1305.KeySize

var ErrNonceMismatch = errors.New("reply nonce does not match request")

type SecureSession struct {
	clientId string

	aead                     cipher.AEAD
	encryptedCipher          []byte
	encryptedCipherSignature []byte
}

func NewSecureSession(clientId string, clientKey *keypair.PrivateKey, serverCert *keypair.Certificate) (*SecureSession, error) {
	sessionKey := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cipher: %w", err)
	}

	encryptedCipher, err := serverCert.PublicKey().Encrypt(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt session key to server: %w", err)
	}

	signature, err := clientKey.SignSha256(encryptedCipher)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session key: %w", err)
	}

	return &SecureSession{
		clientId:                 clientId,
		aead:                     aead,
		encryptedCipher:          encryptedCipher,
		encryptedCipherSignature: signature,
	}, nil
}

// EncodeMessages builds the request body carrying messages.
func (s *SecureSession) EncodeMessages(messages []*message.Message, nonce uint64) ([]byte, error) {
	sealed, err := seal(s.aead, MessageList{Messages: messages}, s.clientId, nonce)
	if err != nil {
		return nil, err
	}

	return codec.Marshal(ClientCommunication{
		ApiVersion:               ApiVersion,
		ClientId:                 s.clientId,
		Nonce:                    nonce,
		EncryptedCipher:          s.encryptedCipher,
		EncryptedCipherSignature: s.encryptedCipherSignature,
		Encrypted:                sealed,
	})
}

// DecodeMessages opens the reply to the request that was sent with nonce.
func (s *SecureSession) DecodeMessages(reply []byte, nonce uint64) ([]*message.Message, error) {
	var response ServerCommunication
	if err := codec.Unmarshal(reply, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server reply: %w", err)
	}

	if response.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	list, err := open(s.aead, response.Encrypted, s.clientId, nonce)
	if err != nil {
		return nil, err
	}
	return list.Messages, nil
}

// Request is a ClientCommunication as the server sees it once it has recovered the
// session key.
type Request struct {
	ClientId string
	Nonce    uint64
	Messages []*message.Message

	aead                     cipher.AEAD
	encryptedCipher          []byte
	encryptedCipherSignature []byte
}

// DecodeRequest is the server's side of EncodeMessages. The caller still has to check
// the client's signature with VerifyClient once it knows the client's key.
func DecodeRequest(serverKey *keypair.PrivateKey, body []byte) (*Request, error) {
	var request ClientCommunication
	if err := codec.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client request: %w", err)
	}

	if request.ApiVersion != ApiVersion {
		return nil, fmt.Errorf("unsupported api version %d", request.ApiVersion)
	}

	sessionKey, err := serverKey.Decrypt(request.EncryptedCipher)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cipher: %w", err)
	}

	list, err := open(aead, request.Encrypted, request.ClientId, request.Nonce)
	if err != nil {
		return nil, err
	}

	return &Request{
		ClientId:                 request.ClientId,
		Nonce:                    request.Nonce,
		Messages:                 list.Messages,
		aead:                     aead,
		encryptedCipher:          request.EncryptedCipher,
		encryptedCipherSignature: request.EncryptedCipherSignature,
	}, nil
}

// VerifyClient reports whether the session key was signed by clientKey.
func (r *Request) VerifyClient(clientKey *keypair.PublicKey) bool {
	return clientKey.VerifySha256(r.encryptedCipher, r.encryptedCipherSignature)
}

// EncodeReply seals messages as the answer to this request.
func (r *Request) EncodeReply(messages []*message.Message) ([]byte, error) {
	sealed, err := seal(r.aead, MessageList{Messages: messages}, r.ClientId, r.Nonce)
	if err != nil {
		return nil, err
	}

	return codec.Marshal(ServerCommunication{
		ApiVersion: ApiVersion,
		Nonce:      r.Nonce,
		Encrypted:  sealed,
	})
}

func associatedData(clientId string, nonce uint64) []byte {
	aad := make([]byte, 8, 8+len(clientId))
	binary.BigEndian.PutUint64(aad, nonce)
	return append(aad, clientId...)
}

// Sealed lists are [nonce: 24 bytes][ciphertext+tag].
func seal(aead cipher.AEAD, list MessageList, clientId string, nonce uint64) ([]byte, error) {
	packed, err := codec.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to pack message list: %w", err)
	}
	plaintext := compression.Deflate(packed)

	output := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, output); err != nil {
		return nil, fmt.Errorf("failed to generate cipher nonce: %w", err)
	}

	return aead.Seal(output, output[:aead.NonceSize()], plaintext, associatedData(clientId, nonce)), nil
}

func open(aead cipher.AEAD, sealed []byte, clientId string, nonce uint64) (MessageList, error) {
	var list MessageList

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return list, &compression.CorruptDataError{Reason: fmt.Errorf("sealed message list is only %d bytes", len(sealed))}
	}

	plaintext, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], associatedData(clientId, nonce))
	if err != nil {
		return list, &compression.CorruptDataError{Reason: fmt.Errorf("failed to open message list: %w", err)}
	}

	packed, err := compression.Inflate(plaintext)
	if err != nil {
		return list, err
	}

	if err := codec.Unmarshal(packed, &list); err != nil {
		return list, fmt.Errorf("failed to unpack message list: %w", err)
	}

	for i, m := range list.Messages {
		if m == nil {
			return MessageList{}, &compression.CorruptDataError{Reason: fmt.Errorf("message list has an empty entry at %d", i)}
		}
	}
	return list, nil
}
