/*
Package config holds the client's persistent identity: its private key, the client id
derived from that key, and the highest server certificate serial number it has
accepted. It also exposes the settings the connection manager needs from the config
file.

Every change to the identity is written to the writeback file before the call that
made it returns. The serial number only ever moves forward, which stops a stale or
rolled back server certificate from being accepted after a newer one has been seen.
*/
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dionyziz/grr/client/comms"
	"github.com/dionyziz/grr/client/config/data"
	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/logger"
)

const writebackSuffix = ".writeback.yaml"

type configClient interface {
	ConfigPath() string
	FetchConfig() (data.ConfigData, error)
	FetchWriteback(path string) (data.WritebackData, error)
	SaveWriteback(path string, d data.WritebackData) error
}

type ClientConfig struct {
	logger *logger.Logger
	client configClient

	lock          sync.RWMutex
	data          data.ConfigData
	writebackPath string
	key           *keypair.PrivateKey
	clientId      string
	caCert        *keypair.Certificate
}

// New returns an empty config; nothing is loaded until ReadConfig.
func New(logger *logger.Logger, client configClient) *ClientConfig {
	return &ClientConfig{
		logger: logger,
		client: client,
	}
}

// ReadConfig loads the config file and the writeback file on top of it. If either
// cannot be read or parsed, the config is left as it was.
func (c *ClientConfig) ReadConfig() error {
	configPath := c.client.ConfigPath()

	config, err := c.client.FetchConfig()
	if err != nil {
		return wrapFetchError(configPath, err)
	}

	writebackPath := resolveWritebackPath(configPath, config.WritebackFilename)
	writeback, err := c.client.FetchWriteback(writebackPath)
	if err != nil {
		return wrapFetchError(writebackPath, err)
	}
	merged := config.Merge(writeback)

	var key *keypair.PrivateKey
	var clientId string
	if merged.ClientPrivateKeyPem != "" {
		if key, err = keypair.PrivateKeyFromPEM(merged.ClientPrivateKeyPem); err != nil {
			return &ParseError{Path: configPath, InnerErr: err}
		}
		clientId = comms.ClientIdFromKey(key.Public())
	}

	var caCert *keypair.Certificate
	if merged.CaCertPem != "" {
		if caCert, err = keypair.CertificateFromPEM(merged.CaCertPem); err != nil {
			return &ParseError{Path: configPath, InnerErr: err}
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.data = merged
	c.writebackPath = writebackPath
	c.key = key
	c.clientId = clientId
	c.caCert = caCert

	if clientId != "" {
		c.logger.Infof("Loaded client identity %s from %s", clientId, configPath)
	} else {
		c.logger.Infof("Loaded config from %s, no client identity yet", configPath)
	}
	return nil
}

func wrapFetchError(path string, err error) error {
	if errors.Is(err, data.ErrMalformed) {
		return &ParseError{Path: path, InnerErr: err}
	}
	return configFetchError(err.Error())
}

// By default the writeback file sits next to the config file: client.yaml keeps its
// state in client.writeback.yaml.
func resolveWritebackPath(configPath string, configured string) string {
	if configured == "" {
		return strings.TrimSuffix(configPath, filepath.Ext(configPath)) + writebackSuffix
	}
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(filepath.Dir(configPath), configured)
}

// ResetKey replaces the client's key, and so its id, with a freshly generated one.
func (c *ClientConfig) ResetKey() error {
	key, err := keypair.GenerateKey()
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	previous := c.data
	c.data.ClientPrivateKeyPem = key.PEM()
	if err := c.persist(); err != nil {
		c.data = previous
		return err
	}

	c.key = key
	c.clientId = comms.ClientIdFromKey(key.Public())
	c.logger.Infof("Generated new client identity %s", c.clientId)
	return nil
}

// CheckUpdateServerSerial reports whether a server certificate with this serial number
// may be trusted, recording it if it is the highest seen so far. A serial lower than
// one already seen is rejected.
func (c *ClientConfig) CheckUpdateServerSerial(serial int64) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if last := c.data.LastServerCertSerialNumber; last != nil {
		if serial < *last {
			c.logger.Infof("Rejecting server certificate serial %d, already seen %d", serial, *last)
			return false
		} else if serial == *last {
			return true
		}
	}

	previous := c.data.LastServerCertSerialNumber
	c.data.LastServerCertSerialNumber = &serial
	if err := c.persist(); err != nil {
		c.data.LastServerCertSerialNumber = previous
		c.logger.Error(fmt.Errorf("failed to record server certificate serial %d: %w", serial, err))
		return false
	}
	return true
}

// caller must hold the write lock
func (c *ClientConfig) persist() error {
	if c.writebackPath == "" {
		c.writebackPath = resolveWritebackPath(c.client.ConfigPath(), c.data.WritebackFilename)
	}

	writeback := data.WritebackData{
		ClientPrivateKeyPem:        c.data.ClientPrivateKeyPem,
		LastServerCertSerialNumber: c.data.LastServerCertSerialNumber,
	}

	if err := c.client.SaveWriteback(c.writebackPath, writeback); err != nil {
		return configSaveError(err.Error())
	}
	return nil
}

// ClientId is empty until the client has a key.
func (c *ClientConfig) ClientId() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.clientId
}

func (c *ClientConfig) Key() *keypair.PrivateKey {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.key
}

func (c *ClientConfig) CaCert() *keypair.Certificate {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.caCert
}

func (c *ClientConfig) LastServerCertSerialNumber() (int64, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.data.LastServerCertSerialNumber == nil {
		return 0, false
	}
	return *c.data.LastServerCertSerialNumber, true
}

func (c *ClientConfig) ControlUrls() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return append([]string(nil), c.data.ControlUrls...)
}

func (c *ClientConfig) ProxyServers() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return append([]string(nil), c.data.ProxyServers...)
}

func (c *ClientConfig) WritebackPath() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.writebackPath
}

// The tuning accessors return zero for settings the config file leaves out; the
// connection manager fills in its own defaults.

func (c *ClientConfig) PollMin() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.data.PollMin
}

func (c *ClientConfig) PollMax() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.data.PollMax
}

func (c *ClientConfig) MaxBatchCount() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.data.MaxBatchCount
}

func (c *ClientConfig) MaxBatchBytes() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.data.MaxBatchBytes
}
