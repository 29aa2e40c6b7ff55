package tests

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/dionyziz/grr/grrlib/keypair"
)

// TestCA is a throwaway certificate authority for tests and the fake server. It
// issues server certificates with whatever serial number a test needs.
type TestCA struct {
	Cert *keypair.Certificate
	Key  *keypair.PrivateKey
}

func NewTestCA() (*TestCA, error) {
	key, err := keypair.GenerateKey()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "grr test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Signer().Public(), key.Signer())
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign test ca: %w", err)
	}

	cert, err := keypair.CertificateFromDER(der)
	if err != nil {
		return nil, err
	}

	return &TestCA{Cert: cert, Key: key}, nil
}

// Issue signs a certificate for subject's key.
func (ca *TestCA) Issue(commonName string, serial int64, subject *keypair.PublicKey) (*keypair.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}

	parent, err := x509.ParseCertificate(ca.Cert.DER())
	if err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, subject.CryptoKey(), ca.Key.Signer())
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate for %s: %w", commonName, err)
	}
	return keypair.CertificateFromDER(der)
}

// IssueServer creates a fresh server key and a certificate for it.
func (ca *TestCA) IssueServer(serial int64) (*keypair.Certificate, *keypair.PrivateKey, error) {
	key, err := keypair.GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	cert, err := ca.Issue("grr server", serial, key.Public())
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}
