package comms

import (
	"fmt"

	"github.com/dionyziz/grr/grrlib/codec"
	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/message"
)

const (
	EnrollmentSessionId   = "E:Enrol"
	EnrollmentMessageName = "enrollment"

	certificateTypeCSR = "CSR"
)

// NewEnrollmentMessage asks the server to enroll the client, by sending it a signing
// request for the client's key with the client id as its subject.
func NewEnrollmentMessage(clientId string, key *keypair.PrivateKey) (*message.Message, error) {
	csr, err := key.CertificateRequestPEM(clientId)
	if err != nil {
		return nil, err
	}

	payload, err := codec.Marshal(Certificate{Type: certificateTypeCSR, Pem: csr})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enrollment request: %w", err)
	}

	return message.New(message.Outbound, EnrollmentSessionId, EnrollmentMessageName, payload), nil
}

func IsEnrollment(m *message.Message) bool {
	return m.SessionId == EnrollmentSessionId && m.Name == EnrollmentMessageName
}

// ParseEnrollment is the server's side of NewEnrollmentMessage. It returns the
// requested client id and the key it must belong to.
func ParseEnrollment(m *message.Message) (string, *keypair.PublicKey, error) {
	if !IsEnrollment(m) {
		return "", nil, fmt.Errorf("message %s is not an enrollment request", m.Id)
	}

	if err := m.Decompress(); err != nil {
		return "", nil, err
	}

	var cert Certificate
	if err := codec.Unmarshal(m.Payload, &cert); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal enrollment request: %w", err)
	} else if cert.Type != certificateTypeCSR {
		return "", nil, fmt.Errorf("unexpected enrollment certificate type %q", cert.Type)
	}

	return keypair.ParseCertificateRequest(cert.Pem)
}
