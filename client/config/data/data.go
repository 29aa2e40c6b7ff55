/*
This package defines the on-disk layout of the client's configuration. There are two
files: the config file, which an administrator writes, and the writeback file, which
the client itself owns and rewrites whenever its identity or its view of the server
changes. Values in the writeback file take precedence over the config file.
*/
package data

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrMalformed = errors.New("malformed config")

type ConfigData struct {
	ControlUrls  []string `yaml:"control_urls,omitempty"`
	ProxyServers []string `yaml:"proxy_servers,omitempty"`
	CaCertPem    string   `yaml:"ca_cert_pem,omitempty"`

	ClientPrivateKeyPem        string `yaml:"client_private_key_pem,omitempty"`
	LastServerCertSerialNumber *int64 `yaml:"last_server_cert_serial_number,omitempty"`

	// Relative paths are relative to the config file's directory
	WritebackFilename string `yaml:"writeback_filename,omitempty"`

	PollMin       time.Duration `yaml:"poll_min,omitempty"`
	PollMax       time.Duration `yaml:"poll_max,omitempty"`
	MaxBatchCount int           `yaml:"max_batch_count,omitempty"`
	MaxBatchBytes int           `yaml:"max_batch_bytes,omitempty"`
}

type WritebackData struct {
	ClientPrivateKeyPem        string `yaml:"client_private_key_pem,omitempty"`
	LastServerCertSerialNumber *int64 `yaml:"last_server_cert_serial_number,omitempty"`
}

// Merge overlays the writeback record onto the config.
func (c ConfigData) Merge(w WritebackData) ConfigData {
	if w.ClientPrivateKeyPem != "" {
		c.ClientPrivateKeyPem = w.ClientPrivateKeyPem
	}
	if w.LastServerCertSerialNumber != nil {
		serial := *w.LastServerCertSerialNumber
		c.LastServerCertSerialNumber = &serial
	}
	return c
}

func ParseConfig(raw []byte) (ConfigData, error) {
	var config ConfigData
	err := parse(raw, &config)
	return config, err
}

func ParseWriteback(raw []byte) (WritebackData, error) {
	var writeback WritebackData
	err := parse(raw, &writeback)
	return writeback, err
}

// Unknown keys are an error, so a file that is not a config at all never parses
// into an empty one. An empty file is a valid, empty config.
func parse(raw []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)

	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return nil
}

func Marshal(v interface{}) ([]byte, error) {
	return yaml.Marshal(v)
}
