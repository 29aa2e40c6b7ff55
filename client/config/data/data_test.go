package data

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestData(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Data Suite")
}

var _ = Describe("Config Data", func() {
	Context("Parsing a config", func() {
		It("reads every field", func() {
			config, err := ParseConfig([]byte(`
control_urls:
  - http://localhost:8001/control
proxy_servers:
  - http://proxy:3128
ca_cert_pem: "-----BEGIN CERTIFICATE-----"
last_server_cert_serial_number: 7
writeback_filename: /tmp/writeback.yaml
poll_min: 500ms
poll_max: 5m
max_batch_count: 10
max_batch_bytes: 2048
`))
			Expect(err).ToNot(HaveOccurred())
			Expect(config.ControlUrls).To(Equal([]string{"http://localhost:8001/control"}))
			Expect(config.ProxyServers).To(Equal([]string{"http://proxy:3128"}))
			Expect(config.CaCertPem).To(Equal("-----BEGIN CERTIFICATE-----"))
			Expect(config.LastServerCertSerialNumber).To(HaveValue(Equal(int64(7))))
			Expect(config.WritebackFilename).To(Equal("/tmp/writeback.yaml"))
			Expect(config.PollMin).To(Equal(500 * time.Millisecond))
			Expect(config.PollMax).To(Equal(5 * time.Minute))
			Expect(config.MaxBatchCount).To(Equal(10))
			Expect(config.MaxBatchBytes).To(Equal(2048))
		})

		It("accepts an empty file", func() {
			config, err := ParseConfig(nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(config.ControlUrls).To(BeEmpty())
			Expect(config.LastServerCertSerialNumber).To(BeNil())
		})

		DescribeTable("rejects malformed files",
			func(raw string) {
				_, err := ParseConfig([]byte(raw))
				Expect(err).To(MatchError(ErrMalformed))
			},
			Entry("not a config", "A bad config file::"),
			Entry("unknown key", "control_url: http://localhost/control"),
			Entry("wrong type", "control_urls: {a: b}"),
			Entry("bad duration", "poll_min: soon"),
		)
	})

	Context("Merging a writeback record", func() {
		serial := int64(42)
		config := ConfigData{
			ControlUrls:         []string{"http://localhost/control"},
			ClientPrivateKeyPem: "config key",
		}

		It("prefers the writeback values", func() {
			merged := config.Merge(WritebackData{
				ClientPrivateKeyPem:        "writeback key",
				LastServerCertSerialNumber: &serial,
			})
			Expect(merged.ClientPrivateKeyPem).To(Equal("writeback key"))
			Expect(merged.LastServerCertSerialNumber).To(HaveValue(Equal(serial)))
			Expect(merged.ControlUrls).To(Equal(config.ControlUrls))
		})

		It("keeps config values the writeback does not set", func() {
			merged := config.Merge(WritebackData{})
			Expect(merged.ClientPrivateKeyPem).To(Equal("config key"))
			Expect(merged.LastServerCertSerialNumber).To(BeNil())
		})
	})
})
