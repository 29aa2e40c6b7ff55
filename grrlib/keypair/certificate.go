package keypair

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const certificatePemType = "CERTIFICATE"

// Certificate is an X.509 certificate carrying an RSA key. The client holds one for
// the CA it trusts and one for the server it is currently talking to.
type Certificate struct {
	cert *x509.Certificate
}

func CertificateFromPEM(pemString string) (*Certificate, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil || block.Type != certificatePemType {
		return nil, fmt.Errorf("no certificate pem block found")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("certificate key is a %T, not an rsa key", cert.PublicKey)
	}

	return &Certificate{cert: cert}, nil
}

func CertificateFromDER(der []byte) (*Certificate, error) {
	return CertificateFromPEM(string(pem.EncodeToMemory(&pem.Block{Type: certificatePemType, Bytes: der})))
}

func (c *Certificate) DER() []byte {
	return c.cert.Raw
}

func (c *Certificate) PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: certificatePemType, Bytes: c.cert.Raw}))
}

// Verify reports whether candidate was signed by this certificate's key. Validity
// periods are not checked, stale server certificates are caught by serial number.
func (c *Certificate) Verify(candidate *Certificate) error {
	if candidate == nil {
		return fmt.Errorf("no certificate to verify")
	}
	if err := candidate.cert.CheckSignatureFrom(c.cert); err != nil {
		return fmt.Errorf("certificate %q is not signed by %q: %w", candidate.CommonName(), c.CommonName(), err)
	}
	return nil
}

// SerialNumber returns the certificate serial, which must fit in an int64.
func (c *Certificate) SerialNumber() (int64, error) {
	serial := c.cert.SerialNumber
	if serial == nil || !serial.IsInt64() {
		return 0, fmt.Errorf("certificate serial number %v does not fit in 64 bits", serial)
	}
	return serial.Int64(), nil
}

func (c *Certificate) CommonName() string {
	return c.cert.Subject.CommonName
}

func (c *Certificate) PublicKey() *PublicKey {
	return &PublicKey{key: c.cert.PublicKey.(*rsa.PublicKey)}
}
