package keypair_test

import (
	"encoding/binary"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/tests"
)

func TestKeypair(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Keypair Suite")
}

var _ = Describe("Keypair", Ordered, func() {
	var key *keypair.PrivateKey
	var ca *tests.TestCA

	BeforeAll(func() {
		var err error
		key, err = keypair.GenerateKey()
		Expect(err).ToNot(HaveOccurred())

		ca, err = tests.NewTestCA()
		Expect(err).ToNot(HaveOccurred())
	})

	Context("Private keys", func() {
		It("round trips through PEM", func() {
			parsed, err := keypair.PrivateKeyFromPEM(key.PEM())
			Expect(err).ToNot(HaveOccurred())
			Expect(parsed.Equals(key)).To(BeTrue())
			Expect(parsed.Public().Equals(key.Public())).To(BeTrue())
		})

		It("rejects PEM that is not a private key", func() {
			_, err := keypair.PrivateKeyFromPEM("not a pem")
			Expect(err).To(HaveOccurred())

			_, err = keypair.PrivateKeyFromPEM(ca.Cert.PEM())
			Expect(err).To(HaveOccurred())
		})

		It("renders a nil key as an empty string", func() {
			var nilKey *keypair.PrivateKey
			Expect(nilKey.PEM()).To(BeEmpty())
		})

		It("signs content the public key verifies", func() {
			content := []byte("session key material")
			signature, err := key.SignSha256(content)
			Expect(err).ToNot(HaveOccurred())

			Expect(key.Public().VerifySha256(content, signature)).To(BeTrue())
			Expect(key.Public().VerifySha256([]byte("something else"), signature)).To(BeFalse())
		})

		It("decrypts what was encrypted to its public key", func() {
			plaintext := []byte("0123456789abcdef0123456789abcdef")
			ciphertext, err := key.Public().Encrypt(plaintext)
			Expect(err).ToNot(HaveOccurred())
			Expect(ciphertext).ToNot(Equal(plaintext))

			decrypted, err := key.Decrypt(ciphertext)
			Expect(err).ToNot(HaveOccurred())
			Expect(decrypted).To(Equal(plaintext))
		})
	})

	Context("Modulus MPI", func() {
		It("is length prefixed and positive", func() {
			mpi := key.Public().ModulusMPI()
			length := binary.BigEndian.Uint32(mpi[:4])
			Expect(int(length)).To(Equal(len(mpi) - 4))

			// a 2048 bit modulus always has its top bit set, so it needs the sign byte
			Expect(mpi[4]).To(Equal(byte(0)))
			Expect(mpi[5] & 0x80).ToNot(BeZero())
		})
	})

	Context("Certificate requests", func() {
		It("carries the common name and key", func() {
			csr, err := key.CertificateRequestPEM("C.1234567890abcdef")
			Expect(err).ToNot(HaveOccurred())

			commonName, public, err := keypair.ParseCertificateRequest(csr)
			Expect(err).ToNot(HaveOccurred())
			Expect(commonName).To(Equal("C.1234567890abcdef"))
			Expect(public.Equals(key.Public())).To(BeTrue())
		})

		It("rejects garbage", func() {
			_, _, err := keypair.ParseCertificateRequest("garbage")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Certificates", func() {
		It("verifies certificates issued by the CA", func() {
			cert, serverKey, err := ca.IssueServer(42)
			Expect(err).ToNot(HaveOccurred())

			Expect(ca.Cert.Verify(cert)).To(Succeed())
			Expect(cert.PublicKey().Equals(serverKey.Public())).To(BeTrue())

			serial, err := cert.SerialNumber()
			Expect(err).ToNot(HaveOccurred())
			Expect(serial).To(Equal(int64(42)))
		})

		It("rejects certificates from another CA", func() {
			otherCA, err := tests.NewTestCA()
			Expect(err).ToNot(HaveOccurred())

			cert, _, err := otherCA.IssueServer(1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ca.Cert.Verify(cert)).ToNot(Succeed())
		})

		It("round trips through PEM", func() {
			parsed, err := keypair.CertificateFromPEM(ca.Cert.PEM())
			Expect(err).ToNot(HaveOccurred())
			Expect(parsed.CommonName()).To(Equal("grr test ca"))
			Expect(parsed.DER()).To(Equal(ca.Cert.DER()))
		})

		It("rejects a private key where a certificate belongs", func() {
			_, err := keypair.CertificateFromPEM(key.PEM())
			Expect(err).To(HaveOccurred())
		})
	})
})
