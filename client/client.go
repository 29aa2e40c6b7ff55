/*
Package client assembles the pieces of the GRR client: the persistent identity, the
two message queues and the connection manager that moves messages between them and
the server.

The rest of the program talks to a Client only through its queues. Messages pushed
to Outbox are delivered to the server at least once; messages from the server show
up in Inbox.

StaticInit must be called once per process before New.
*/
package client

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dionyziz/grr/client/config"
	configclient "github.com/dionyziz/grr/client/config/client"
	"github.com/dionyziz/grr/client/connectionmanager"
	"github.com/dionyziz/grr/grrlib/codec"
	"github.com/dionyziz/grr/grrlib/logger"
	"github.com/dionyziz/grr/grrlib/messagequeue"
)

const (
	QueueMaxCount = 5000
	QueueMaxBytes = 1000000

	closeTimeout = 10 * time.Second
)

var (
	staticInitOnce sync.Once
	staticInitErr  error
	initialized    atomic.Bool
)

// StaticInit prepares process-wide state the client depends on. It is safe to call
// more than once; only the first call does anything.
func StaticInit() error {
	staticInitOnce.Do(func() {
		logger.Init()

		if err := codec.Init(); err != nil {
			staticInitErr = fmt.Errorf("failed to initialize codec: %w", err)
			return
		}

		// everything the client signs or encrypts depends on this
		probe := make([]byte, 16)
		if _, err := rand.Read(probe); err != nil {
			staticInitErr = fmt.Errorf("system random number generator is unavailable: %w", err)
			return
		}

		initialized.Store(true)
	})
	return staticInitErr
}

type Client struct {
	logger *logger.Logger
	config *config.ClientConfig

	inbox   *messagequeue.MessageQueue
	outbox  *messagequeue.MessageQueue
	manager *connectionmanager.ConnectionManager
}

// New loads the config at configPath and sets up, but does not start, the client.
func New(logger *logger.Logger, configPath string) (*Client, error) {
	if !initialized.Load() {
		return nil, fmt.Errorf("StaticInit must succeed before a client is created")
	}

	clientConfig := config.New(logger.GetComponentLogger("Config"), configclient.NewFileClient(configPath))
	if err := clientConfig.ReadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}

	if id := clientConfig.ClientId(); id != "" {
		logger.AddClientId(id)
	}

	c := &Client{
		logger: logger,
		config: clientConfig,
		inbox:  messagequeue.New(QueueMaxCount, QueueMaxBytes),
		outbox: messagequeue.New(QueueMaxCount, QueueMaxBytes),
	}

	c.manager = connectionmanager.New(
		logger.GetComponentLogger("ConnectionManager"),
		clientConfig,
		c.inbox,
		c.outbox,
		connectionmanager.Options{
			MaxBatchCount: clientConfig.MaxBatchCount(),
			MaxBatchBytes: clientConfig.MaxBatchBytes(),
			PollMin:       clientConfig.PollMin(),
			PollMax:       clientConfig.PollMax(),
		},
	)

	return c, nil
}

// Run talks to the server until Close is called and returns the reason given to
// Close.
func (c *Client) Run() error {
	c.logger.Infof("Client %s starting in state %s", c.config.ClientId(), c.manager.State())
	return c.manager.Run()
}

// Close stops the client. Messages still queued are dropped.
func (c *Client) Close(reason error) {
	c.logger.Infof("Client closing because: %s", reason)

	c.manager.Close(reason, closeTimeout)
	c.outbox.Close()
	c.inbox.Close()
}

func (c *Client) Done() <-chan struct{} {
	return c.manager.Done()
}

// Outbox takes messages for the server.
func (c *Client) Outbox() *messagequeue.MessageQueue {
	return c.outbox
}

// Inbox holds messages from the server.
func (c *Client) Inbox() *messagequeue.MessageQueue {
	return c.inbox
}

func (c *Client) ClientId() string {
	return c.config.ClientId()
}

func (c *Client) State() connectionmanager.State {
	return c.manager.State()
}
