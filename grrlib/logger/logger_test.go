package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

func TestLogger(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Logger Suite")
}

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	lastLine := func() map[string]interface{} {
		lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
		var entry map[string]interface{}
		Expect(json.Unmarshal(lines[len(lines)-1], &entry)).To(Succeed())
		return entry
	}

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	Context("Creation", func() {
		When("no writer and no file path are given", func() {
			It("fails", func() {
				_, err := New(&Config{})
				Expect(err).To(HaveOccurred())
			})
		})

		When("a file path is given", func() {
			It("creates the log directory", func() {
				path := filepath.Join(GinkgoT().TempDir(), "logs", "client.log")
				logger, err := New(&Config{FilePath: path, LogLevel: zerolog.InfoLevel})
				Expect(err).ToNot(HaveOccurred())
				logger.Info("hello")
				Expect(filepath.Dir(path)).To(BeADirectory())
			})
		})
	})

	Context("Fields", func() {
		It("tags component loggers", func() {
			logger := MockLogger(buf).GetComponentLogger("ConnectionManager")
			logger.Infof("state is %s", "Connected")

			entry := lastLine()
			Expect(entry["component"]).To(Equal("ConnectionManager"))
			Expect(entry["message"]).To(Equal("state is Connected"))
			Expect(entry["level"]).To(Equal("info"))
		})

		It("stamps the client id once added", func() {
			logger := MockLogger(buf)
			logger.AddClientId("C.1234567890abcdef")
			logger.Error(errors.New("boom"))

			entry := lastLine()
			Expect(entry["clientId"]).To(Equal("C.1234567890abcdef"))
			Expect(entry["level"]).To(Equal("error"))
		})

		It("stamps loggers derived before the client id was known", func() {
			root := MockLogger(buf)
			component := root.GetComponentLogger("ConnectionManager")
			component.Info("no identity yet")
			Expect(lastLine()).ToNot(HaveKey("clientId"))

			root.AddClientId("C.1234567890abcdef")
			component.GetConnectionLogger("http://localhost/control").Info("enrolled")

			entry := lastLine()
			Expect(entry["clientId"]).To(Equal("C.1234567890abcdef"))
			Expect(entry["component"]).To(Equal("ConnectionManager"))
		})
	})

	Context("Levels", func() {
		It("maps level names", func() {
			Expect(ToLogLevel("INFO")).To(Equal(zerolog.InfoLevel))
			Expect(ToLogLevel("warning")).To(Equal(zerolog.WarnLevel))
			Expect(ToLogLevel("disabled")).To(Equal(zerolog.Disabled))
			Expect(ToLogLevel("nonsense")).To(Equal(zerolog.DebugLevel))
		})

		It("drops lines below the configured level", func() {
			logger, err := New(&Config{ConsoleWriters: []io.Writer{buf}, LogLevel: zerolog.ErrorLevel})
			Expect(err).ToNot(HaveOccurred())
			logger.Info("quiet")
			Expect(buf.Len()).To(BeZero())
		})
	})
})
