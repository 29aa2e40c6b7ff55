package keypair

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

const (
	keyBits = 2048

	rsaPrivateKeyPemType = "RSA PRIVATE KEY"
	privateKeyPemType    = "PRIVATE KEY"
	csrPemType           = "CERTIFICATE REQUEST"
)

type PrivateKey struct {
	key *rsa.PrivateKey
}

func GenerateKey() (*PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromPEM accepts both PKCS#1 ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY")
// encodings.
func PrivateKeyFromPEM(pemString string) (*PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("no pem block found in private key")
	}

	switch block.Type {
	case rsaPrivateKeyPemType:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pkcs1 private key: %w", err)
		}
		return &PrivateKey{key: key}, nil
	case privateKeyPemType:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pkcs8 private key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is a %T, not an rsa key", parsed)
		}
		return &PrivateKey{key: key}, nil
	default:
		return nil, fmt.Errorf("unexpected pem block type %q for a private key", block.Type)
	}
}

func (p *PrivateKey) PEM() string {
	if p == nil || p.key == nil {
		return ""
	}

	return string(pem.EncodeToMemory(&pem.Block{
		Type:  rsaPrivateKeyPemType,
		Bytes: x509.MarshalPKCS1PrivateKey(p.key),
	}))
}

func (p *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: &p.key.PublicKey}
}

// SignSha256 signs the sha256 digest of content with PKCS#1 v1.5.
func (p *PrivateKey) SignSha256(content []byte) ([]byte, error) {
	digest := sha256.Sum256(content)
	return rsa.SignPKCS1v15(rand.Reader, p.key, crypto.SHA256, digest[:])
}

// Decrypt reverses PublicKey.Encrypt.
func (p *PrivateKey) Decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, p.key, ciphertext, nil)
}

func (p *PrivateKey) Equals(other *PrivateKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.key.Equal(other.key)
}

// CertificateRequestPEM builds a PKCS#10 request for this key with commonName as the
// subject. It is what we send the server when we enroll.
func (p *PrivateKey) CertificateRequestPEM(commonName string) (string, error) {
	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, p.key)
	if err != nil {
		return "", fmt.Errorf("failed to create certificate request: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: csrPemType, Bytes: der})), nil
}

// Signer exposes the key to code that needs a crypto.Signer, such as certificate
// issuance in tests.
func (p *PrivateKey) Signer() crypto.Signer {
	return p.key
}
