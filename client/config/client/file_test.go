package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dionyziz/grr/client/config/data"
)

func TestClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Client Suite")
}

var _ = Describe("File Client", func() {
	var dir string
	var client *FileClient
	var writebackPath string

	BeforeEach(func() {
		var err error
		By("Creating a temporary config directory")
		dir, err = os.MkdirTemp("", "grr-config")
		Expect(err).ToNot(HaveOccurred())

		client = NewFileClient(filepath.Join(dir, "client.yaml"))
		writebackPath = filepath.Join(dir, "client.writeback.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Context("Config", func() {
		It("fails when the config file does not exist", func() {
			_, err := client.FetchConfig()
			Expect(err).To(MatchError(os.ErrNotExist))
		})

		It("reads an existing config file", func() {
			Expect(os.WriteFile(client.ConfigPath(), []byte("control_urls: [http://localhost:8001/control]\n"), 0600)).To(Succeed())

			config, err := client.FetchConfig()
			Expect(err).ToNot(HaveOccurred())
			Expect(config.ControlUrls).To(ConsistOf("http://localhost:8001/control"))
		})

		It("reports a malformed config file", func() {
			Expect(os.WriteFile(client.ConfigPath(), []byte("A bad config file::"), 0600)).To(Succeed())

			_, err := client.FetchConfig()
			Expect(err).To(MatchError(data.ErrMalformed))
		})
	})

	Context("Writeback", func() {
		serial := int64(200)
		record := data.WritebackData{
			ClientPrivateKeyPem:        "key",
			LastServerCertSerialNumber: &serial,
		}

		It("returns an empty record before the first save", func() {
			writeback, err := client.FetchWriteback(writebackPath)
			Expect(err).ToNot(HaveOccurred())
			Expect(writeback).To(Equal(data.WritebackData{}))
		})

		It("round trips a record", func() {
			Expect(client.SaveWriteback(writebackPath, record)).To(Succeed())

			writeback, err := client.FetchWriteback(writebackPath)
			Expect(err).ToNot(HaveOccurred())
			Expect(writeback).To(Equal(record))
		})

		It("leaves only the writeback and its lock behind", func() {
			Expect(client.SaveWriteback(writebackPath, record)).To(Succeed())
			Expect(client.SaveWriteback(writebackPath, record)).To(Succeed())

			entries, err := os.ReadDir(dir)
			Expect(err).ToNot(HaveOccurred())

			var names []string
			for _, entry := range entries {
				names = append(names, entry.Name())
			}
			Expect(names).To(ConsistOf("client.writeback.yaml", "client.writeback.yaml.lock"))
		})

		It("keeps the file private", func() {
			Expect(client.SaveWriteback(writebackPath, record)).To(Succeed())

			info, err := os.Stat(writebackPath)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))
		})

		It("never exposes a partial record to concurrent readers", func() {
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()

					for j := 0; j < 20; j++ {
						value := int64(i*100 + j)
						Expect(client.SaveWriteback(writebackPath, data.WritebackData{
							ClientPrivateKeyPem:        "key",
							LastServerCertSerialNumber: &value,
						})).To(Succeed())

						writeback, err := client.FetchWriteback(writebackPath)
						Expect(err).ToNot(HaveOccurred())
						Expect(writeback.ClientPrivateKeyPem).To(Equal("key"))
						Expect(writeback.LastServerCertSerialNumber).ToNot(BeNil())
					}
				}(i)
			}
			wg.Wait()
		})
	})

	Context("Waiting for the config", func() {
		It("returns once the config is written", func() {
			done := make(chan error, 1)
			go func() {
				done <- client.WaitForConfig(context.Background())
			}()

			Consistently(done, 200*time.Millisecond).ShouldNot(Receive())

			By("Writing a config without control urls")
			Expect(os.WriteFile(client.ConfigPath(), []byte("poll_min: 1s\n"), 0600)).To(Succeed())
			Consistently(done, 200*time.Millisecond).ShouldNot(Receive())

			By("Writing a usable config")
			Expect(os.WriteFile(client.ConfigPath(), []byte("control_urls: [http://localhost/control]\n"), 0600)).To(Succeed())
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})

		It("returns immediately if the config already exists", func() {
			Expect(os.WriteFile(client.ConfigPath(), []byte("control_urls: [http://localhost/control]\n"), 0600)).To(Succeed())
			Expect(client.WaitForConfig(context.Background())).To(Succeed())
		})

		It("gives up when its context ends", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			Expect(client.WaitForConfig(ctx)).To(MatchError(context.DeadlineExceeded))
		})
	})
})
