package keypair

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
)

type PublicKey struct {
	key *rsa.PublicKey
}

// ParseCertificateRequest checks the signature on a PEM encoded PKCS#10 request and
// returns the requested subject common name and public key.
func ParseCertificateRequest(pemString string) (string, *PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil || block.Type != csrPemType {
		return "", nil, fmt.Errorf("no certificate request pem block found")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse certificate request: %w", err)
	}

	if err := csr.CheckSignature(); err != nil {
		return "", nil, fmt.Errorf("bad certificate request signature: %w", err)
	}

	key, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", nil, fmt.Errorf("certificate request key is a %T, not an rsa key", csr.PublicKey)
	}

	return csr.Subject.CommonName, &PublicKey{key: key}, nil
}

// ModulusMPI returns the public modulus in the OpenSSL MPI format: a four byte
// big-endian length followed by the big-endian magnitude, with a leading zero byte
// if the top bit is set.
func (p *PublicKey) ModulusMPI() []byte {
	magnitude := p.key.N.Bytes()
	if len(magnitude) > 0 && magnitude[0]&0x80 != 0 {
		magnitude = append([]byte{0}, magnitude...)
	}

	mpi := make([]byte, 4, 4+len(magnitude))
	binary.BigEndian.PutUint32(mpi, uint32(len(magnitude)))
	return append(mpi, magnitude...)
}

// VerifySha256 checks a signature produced by PrivateKey.SignSha256.
func (p *PublicKey) VerifySha256(content []byte, signature []byte) bool {
	digest := sha256.Sum256(content)
	return rsa.VerifyPKCS1v15(p.key, crypto.SHA256, digest[:], signature) == nil
}

// Encrypt uses RSA-OAEP with sha256, so plaintext must be well under the key size.
func (p *PublicKey) Encrypt(plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, p.key, plaintext, nil)
}

func (p *PublicKey) CryptoKey() crypto.PublicKey {
	return p.key
}

func (p *PublicKey) Equals(other *PublicKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.key.Equal(other.key)
}
