/*
This package defines the unit of traffic between the client and the server. The
client never looks inside a payload; it only routes, batches and compresses them.
*/
package message

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dionyziz/grr/grrlib/compression"
)

type Direction int

const (
	// Server to client
	Inbound Direction = iota + 1
	// Client to server
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

type CompressionType int

const (
	Uncompressed CompressionType = iota
	ZCompression
)

type Message struct {
	Id          string          `cbor:"1,keyasint"`
	SessionId   string          `cbor:"2,keyasint,omitempty"`
	Name        string          `cbor:"3,keyasint,omitempty"`
	Direction   Direction       `cbor:"4,keyasint"`
	Compression CompressionType `cbor:"5,keyasint,omitempty"`
	Payload     []byte          `cbor:"6,keyasint,omitempty"`
}

func New(direction Direction, sessionId string, name string, payload []byte) *Message {
	return &Message{
		Id:        uuid.New().String(),
		SessionId: sessionId,
		Name:      name,
		Direction: direction,
		Payload:   payload,
	}
}

// Size is what the message counts against a queue's byte limit.
func (m *Message) Size() int {
	return len(m.Payload)
}

// Compress deflates the payload in place, if it isn't already.
func (m *Message) Compress() {
	if m.Compression == ZCompression {
		return
	}
	m.Payload = compression.Deflate(m.Payload)
	m.Compression = ZCompression
}

// Decompress restores a payload flagged as compressed, leaving the message untouched
// if the payload turns out to be corrupt.
func (m *Message) Decompress() error {
	switch m.Compression {
	case Uncompressed:
		return nil
	case ZCompression:
		payload, err := compression.Inflate(m.Payload)
		if err != nil {
			return fmt.Errorf("failed to decompress message %s: %w", m.Id, err)
		}
		m.Payload = payload
		m.Compression = Uncompressed
		return nil
	default:
		return fmt.Errorf("message %s has unknown compression type %d", m.Id, m.Compression)
	}
}
