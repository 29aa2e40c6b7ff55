package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	configclient "github.com/dionyziz/grr/client/config/client"
	"github.com/dionyziz/grr/client/config/data"
	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/logger"
)

func TestClientConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Client Config", func() {
	var dir string
	var configPath string

	logger := logger.MockLogger(GinkgoWriter)

	writeConfig := func(content string) {
		Expect(os.WriteFile(configPath, []byte(content), 0600)).To(Succeed())
	}

	loadConfig := func() (*ClientConfig, error) {
		config := New(logger, configclient.NewFileClient(configPath))
		return config, config.ReadConfig()
	}

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "grr-client-config")
		Expect(err).ToNot(HaveOccurred())
		configPath = filepath.Join(dir, "client.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Context("Reading", func() {
		When("The config file is malformed", func() {
			var config *ClientConfig
			var err error

			BeforeEach(func() {
				writeConfig("A bad config file::")
				config, err = loadConfig()
			})

			It("fails with a parse error", func() {
				var parseErr *ParseError
				Expect(errors.As(err, &parseErr)).To(BeTrue())
				Expect(parseErr.Path).To(Equal(configPath))
			})

			It("leaves no identity behind", func() {
				Expect(config.Key()).To(BeNil())
				Expect(config.ClientId()).To(BeEmpty())
				_, ok := config.LastServerCertSerialNumber()
				Expect(ok).To(BeFalse())
			})
		})

		When("The config file does not exist", func() {
			It("fails without calling it a parse error", func() {
				_, err := loadConfig()
				Expect(err).To(HaveOccurred())

				var parseErr *ParseError
				Expect(errors.As(err, &parseErr)).To(BeFalse())
			})
		})

		When("The config has no private key", func() {
			var config *ClientConfig
			var err error

			BeforeEach(func() {
				writeConfig("control_urls:\n  - http://localhost:8001/control\n")
				config, err = loadConfig()
			})

			It("loads without an identity", func() {
				Expect(err).ToNot(HaveOccurred())
				Expect(config.Key()).To(BeNil())
				Expect(config.ClientId()).To(BeEmpty())
				Expect(config.ControlUrls()).To(Equal([]string{"http://localhost:8001/control"}))
			})

			It("leaves unset tuning at zero", func() {
				Expect(config.PollMin()).To(BeZero())
				Expect(config.PollMax()).To(BeZero())
				Expect(config.MaxBatchCount()).To(BeZero())
				Expect(config.MaxBatchBytes()).To(BeZero())
			})

			It("keeps its writeback file next to the config", func() {
				Expect(config.WritebackPath()).To(Equal(filepath.Join(dir, "client.writeback.yaml")))
			})
		})

		When("The config carries a private key", func() {
			var key *keypair.PrivateKey

			BeforeEach(func() {
				var err error
				key, err = keypair.GenerateKey()
				Expect(err).ToNot(HaveOccurred())
			})

			It("derives the client id from it", func() {
				writeConfig(fmt.Sprintf("client_private_key_pem: |\n%s", indent(key.PEM())))

				config, err := loadConfig()
				Expect(err).ToNot(HaveOccurred())
				Expect(config.Key().Equals(key)).To(BeTrue())
				Expect(config.ClientId()).To(MatchRegexp(`^C\.[0-9a-f]{16}$`))
			})

			It("rejects a key that does not parse", func() {
				writeConfig("client_private_key_pem: not a key\n")

				_, err := loadConfig()
				var parseErr *ParseError
				Expect(errors.As(err, &parseErr)).To(BeTrue())
			})
		})

		When("The config names a CA that does not parse", func() {
			It("fails with a parse error", func() {
				writeConfig("ca_cert_pem: not a certificate\n")

				_, err := loadConfig()
				var parseErr *ParseError
				Expect(errors.As(err, &parseErr)).To(BeTrue())
			})
		})
	})

	Context("Writeback", func() {
		var config *ClientConfig
		writebackName := "state.yaml"

		BeforeEach(func() {
			var err error
			writeConfig(fmt.Sprintf("control_urls: [http://localhost:8001/control]\nwriteback_filename: %s\n", writebackName))
			config, err = loadConfig()
			Expect(err).ToNot(HaveOccurred())

			Expect(config.ResetKey()).To(Succeed())
		})

		It("gives the client an id once it has a key", func() {
			Expect(config.Key()).ToNot(BeNil())
			Expect(config.ClientId()).To(MatchRegexp(`^C\.[0-9a-f]{16}$`))
		})

		It("only lets the serial number move forward", func() {
			Expect(config.CheckUpdateServerSerial(100)).To(BeTrue())
			Expect(config.CheckUpdateServerSerial(200)).To(BeTrue())
			Expect(config.CheckUpdateServerSerial(150)).To(BeFalse())

			serial, ok := config.LastServerCertSerialNumber()
			Expect(ok).To(BeTrue())
			Expect(serial).To(Equal(int64(200)))

			Expect(config.CheckUpdateServerSerial(200)).To(BeTrue())
		})

		It("persists the identity to the writeback file", func() {
			Expect(config.CheckUpdateServerSerial(100)).To(BeTrue())
			Expect(config.CheckUpdateServerSerial(200)).To(BeTrue())
			Expect(config.CheckUpdateServerSerial(150)).To(BeFalse())

			By("Parsing the writeback file on its own")
			raw, err := os.ReadFile(filepath.Join(dir, writebackName))
			Expect(err).ToNot(HaveOccurred())

			writeback, err := data.ParseWriteback(raw)
			Expect(err).ToNot(HaveOccurred())
			Expect(writeback.ClientPrivateKeyPem).ToNot(BeEmpty())
			Expect(writeback.LastServerCertSerialNumber).To(HaveValue(Equal(int64(200))))
		})

		It("gives a second instance the same identity", func() {
			Expect(config.CheckUpdateServerSerial(200)).To(BeTrue())

			reloaded, err := loadConfig()
			Expect(err).ToNot(HaveOccurred())
			Expect(reloaded.ClientId()).To(Equal(config.ClientId()))

			serial, ok := reloaded.LastServerCertSerialNumber()
			Expect(ok).To(BeTrue())
			Expect(serial).To(Equal(int64(200)))

			By("Refusing a rolled back serial after the reload")
			Expect(reloaded.CheckUpdateServerSerial(150)).To(BeFalse())
		})

		It("changes the client id on a key reset", func() {
			before := config.ClientId()
			Expect(config.ResetKey()).To(Succeed())
			Expect(config.ClientId()).ToNot(Equal(before))
		})
	})

	Context("Persistence failures", func() {
		var config *ClientConfig
		var mockClient *MockClient

		BeforeEach(func() {
			serial := int64(100)
			mockClient = &MockClient{}
			mockClient.On("ConfigPath").Return("/etc/grr/client.yaml")
			mockClient.On("FetchConfig").Return(data.ConfigData{}, nil)
			mockClient.On("FetchWriteback", "/etc/grr/client.writeback.yaml").Return(data.WritebackData{
				LastServerCertSerialNumber: &serial,
			}, nil)
			mockClient.On("SaveWriteback", mock.Anything, mock.Anything).Return(fmt.Errorf("disk full"))

			config = New(logger, mockClient)
			Expect(config.ReadConfig()).To(Succeed())
		})

		It("does not accept a serial it could not record", func() {
			Expect(config.CheckUpdateServerSerial(200)).To(BeFalse())

			serial, _ := config.LastServerCertSerialNumber()
			Expect(serial).To(Equal(int64(100)))
		})

		It("accepts the current serial without writing", func() {
			Expect(config.CheckUpdateServerSerial(100)).To(BeTrue())
			mockClient.AssertNotCalled(GinkgoT(), "SaveWriteback", mock.Anything, mock.Anything)
		})

		It("keeps the old identity if the new key could not be saved", func() {
			Expect(config.ResetKey()).ToNot(Succeed())
			Expect(config.Key()).To(BeNil())
			Expect(config.ClientId()).To(BeEmpty())
		})
	})

	DescribeTable("Resolving the writeback path",
		func(configPath string, configured string, expected string) {
			Expect(resolveWritebackPath(configPath, configured)).To(Equal(expected))
		},
		Entry("default", "/etc/grr/client.yaml", "", "/etc/grr/client.writeback.yaml"),
		Entry("default without extension", "/etc/grr/client", "", "/etc/grr/client.writeback.yaml"),
		Entry("relative", "/etc/grr/client.yaml", "state/wb.yaml", "/etc/grr/state/wb.yaml"),
		Entry("absolute", "/etc/grr/client.yaml", "/var/lib/grr/wb.yaml", "/var/lib/grr/wb.yaml"),
	)
})

var lineStart = regexp.MustCompile(`(?m)^`)

func indent(s string) string {
	return lineStart.ReplaceAllString(s, "  ")
}
