/*
Package connectionmanager owns the client's conversation with the server. It runs a
single loop that keeps a connection open, drains the outbox onto it, feeds replies
into the inbox and, when the server does not recognize the client, enrolls it.

The loop moves between four states:

	Unenrolled          the server has never accepted this client
	AwaitingEnrollment  the server told us to enroll and we are waiting for it to finish
	Connected           the last exchange succeeded
	Disconnected        enrolled, but the last connection failed or none is open yet

While unenrolled the loop only sends enrollment requests and empty polls; ordinary
messages wait in the outbox until the server accepts the client. Every failure is
handled inside the loop by discarding the connection and backing off, so the rest of
the client only ever sees the two queues.

The connection and everything the loop keeps between iterations are only touched by
the loop's goroutine.
*/
package connectionmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/tomb.v2"

	"github.com/dionyziz/grr/client/comms"
	"github.com/dionyziz/grr/client/connection"
	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/logger"
	"github.com/dionyziz/grr/grrlib/message"
	"github.com/dionyziz/grr/grrlib/messagequeue"
)

const (
	DefaultEnrollmentInterval = 10 * time.Minute

	defaultRetryInitial = time.Second
	defaultRetryMax     = 5 * time.Minute
	retryMultiplier     = 1.5

	defaultPollMin = 200 * time.Millisecond
	defaultPollMax = 10 * time.Minute
	pollMultiplier = 1.05

	defaultMaxBatchCount = 1000
	defaultMaxBatchBytes = 1000000
)

type State int

const (
	Unenrolled State = iota
	AwaitingEnrollment
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unenrolled:
		return "Unenrolled"
	case AwaitingEnrollment:
		return "AwaitingEnrollment"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) enrolled() bool {
	return s == Connected || s == Disconnected
}

// The parts of the client config the manager reads and updates
type identity interface {
	ClientId() string
	Key() *keypair.PrivateKey
	CaCert() *keypair.Certificate
	ResetKey() error
	CheckUpdateServerSerial(serial int64) bool
	LastServerCertSerialNumber() (int64, bool)
	ControlUrls() []string
	ProxyServers() []string
}

// Establisher opens a connection to controlUrl, through proxy if it is not empty.
type Establisher func(ctx context.Context, controlUrl string, proxy string) (connection.Connection, error)

type Options struct {
	MaxBatchCount int
	MaxBatchBytes int

	// Idle polling starts at PollMin after any activity and stretches towards PollMax
	PollMin time.Duration
	PollMax time.Duration

	// Failed attempts back off exponentially from RetryInitial up to RetryMax
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Minimum time between two enrollment requests
	EnrollmentInterval time.Duration

	// Defaults to connection.Establish
	Establish Establisher
}

func (o *Options) setDefaults() {
	if o.MaxBatchCount <= 0 {
		o.MaxBatchCount = defaultMaxBatchCount
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = defaultMaxBatchBytes
	}
	if o.PollMin <= 0 {
		o.PollMin = defaultPollMin
	}
	if o.PollMax < o.PollMin {
		o.PollMax = defaultPollMax
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = defaultRetryInitial
	}
	if o.RetryMax < o.RetryInitial {
		o.RetryMax = defaultRetryMax
	}
	if o.EnrollmentInterval <= 0 {
		o.EnrollmentInterval = DefaultEnrollmentInterval
	}
}

type ConnectionManager struct {
	tmb     tomb.Tomb
	running atomic.Bool
	logger  *logger.Logger

	config  identity
	inbox   *messagequeue.MessageQueue
	outbox  *messagequeue.MessageQueue
	options Options

	stateLock sync.RWMutex
	state     State

	// loop state
	conn           connection.Connection
	pending        []*message.Message
	lastEnrollment time.Time
	retry          *backoff.ExponentialBackOff
	poll           *backoff.ExponentialBackOff
}

func New(
	logger *logger.Logger,
	config identity,
	inbox *messagequeue.MessageQueue,
	outbox *messagequeue.MessageQueue,
	options Options,
) *ConnectionManager {
	options.setDefaults()

	m := &ConnectionManager{
		logger:  logger,
		config:  config,
		inbox:   inbox,
		outbox:  outbox,
		options: options,
		retry:   newBackOff(options.RetryInitial, options.RetryMax, retryMultiplier, backoff.DefaultRandomizationFactor),
		poll:    newBackOff(options.PollMin, options.PollMax, pollMultiplier, 0),
	}

	if m.options.Establish == nil {
		m.options.Establish = func(ctx context.Context, controlUrl string, proxy string) (connection.Connection, error) {
			conn, err := connection.Establish(ctx, logger.GetConnectionLogger(controlUrl), config, controlUrl, proxy)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}

	if _, ok := config.LastServerCertSerialNumber(); config.ClientId() == "" || !ok {
		m.state = Unenrolled
	} else {
		m.state = Disconnected
	}

	return m
}

// Neither backoff ever gives up: the loop keeps trying for as long as it runs.
func newBackOff(initial time.Duration, max time.Duration, multiplier float64, randomization float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = multiplier
	b.RandomizationFactor = randomization
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *ConnectionManager) State() State {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()

	return m.state
}

func (m *ConnectionManager) setState(state State) {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()

	if m.state != state {
		m.logger.Infof("Connection state %s -> %s", m.state, state)
		m.state = state
	}
}

// Run drives the connection until Close is called. It returns the reason given to
// Close.
func (m *ConnectionManager) Run() error {
	m.running.Store(true)
	m.tmb.Go(m.loop)
	return m.tmb.Wait()
}

func (m *ConnectionManager) Done() <-chan struct{} {
	return m.tmb.Dead()
}

func (m *ConnectionManager) Err() error {
	return m.tmb.Err()
}

// Close stops the loop. An exchange already in flight is allowed to finish; Close
// waits up to timeout for that.
func (m *ConnectionManager) Close(reason error, timeout time.Duration) {
	if m.tmb.Alive() {
		m.logger.Infof("Connection manager closing because: %s", reason)

		m.tmb.Kill(reason)

		// a tomb that never ran a goroutine never dies
		if !m.running.Load() {
			return
		}

		select {
		case <-m.tmb.Dead():
		case <-time.After(timeout):
			m.logger.Infof("Timed out after %s waiting for connection manager to close", timeout.String())
		}
	} else {
		m.logger.Infof("Close was called while in a dying state")
	}
}

func (m *ConnectionManager) loop() error {
	ctx := m.tmb.Context(context.Background())

	m.logger.Infof("Connection manager has started in state %s", m.State())
	defer m.logger.Infof("Connection manager has stopped")

	for {
		select {
		case <-m.tmb.Dying():
			return nil
		default:
		}

		delay := m.iterate(ctx)

		if err := m.wait(ctx, delay); err != nil {
			return nil
		}
	}
}

// wait sleeps until the next poll is due. While connected, new outbound messages
// cut the wait short.
func (m *ConnectionManager) wait(ctx context.Context, delay time.Duration) error {
	if m.State() != Connected || len(m.pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			return nil
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, delay)
	defer cancel()

	batch, err := m.outbox.GetMessages(waitCtx, m.options.MaxBatchCount, m.options.MaxBatchBytes, true)
	m.pending = append(m.pending, batch...)

	if ctx.Err() != nil {
		return ctx.Err()
	} else if errors.Is(err, messagequeue.ErrQueueClosed) {
		// nothing more will ever arrive, so fall back to plain polling
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitCtx.Done():
		}
	}
	return nil
}

// iterate performs at most one exchange with the server and returns how long to
// wait before the next one.
func (m *ConnectionManager) iterate(ctx context.Context) time.Duration {
	if m.config.ClientId() == "" {
		if err := m.config.ResetKey(); err != nil {
			return m.failure(fmt.Errorf("failed to generate a client key: %w", err))
		}
		m.logger.AddClientId(m.config.ClientId())
	}

	if m.conn == nil {
		if err := m.TryEstablishConnection(ctx); err != nil {
			return m.failure(err)
		}
	}

	state := m.State()

	var batch []*message.Message
	sentEnrollment := false
	if state.enrolled() {
		if len(m.pending) == 0 {
			m.pending, _ = m.outbox.GetMessages(ctx, m.options.MaxBatchCount, m.options.MaxBatchBytes, false)
		}
		batch = m.pending
	} else if m.enrollmentDue() {
		enrollment, err := comms.NewEnrollmentMessage(m.config.ClientId(), m.config.Key())
		if err != nil {
			return m.failure(fmt.Errorf("failed to build enrollment request: %w", err))
		}

		m.logger.Infof("Requesting enrollment as %s", m.config.ClientId())
		m.lastEnrollment = time.Now()
		batch = []*message.Message{enrollment}
		sentEnrollment = true
	}

	// in-flight exchanges are never interrupted, shutdown waits for them
	received, err := m.conn.Send(context.Background(), batch)

	if errors.Is(err, connection.ErrNotEnrolled) {
		if !sentEnrollment {
			m.logger.Infof("Server at %s does not recognize client %s", m.conn.Url(), m.config.ClientId())
		}
		m.setState(AwaitingEnrollment)
		return m.retry.NextBackOff()
	} else if err != nil {
		m.conn = nil
		if state == AwaitingEnrollment {
			m.setState(Unenrolled)
		} else if state.enrolled() {
			m.setState(Disconnected)
		}
		return m.failure(err)
	}

	m.setState(Connected)
	m.retry.Reset()

	sent := len(batch)
	if state.enrolled() {
		m.pending = nil
	}

	for _, r := range received {
		if err := m.inbox.Push(ctx, r); err != nil {
			m.logger.Errorf("dropping %d received messages: %s", len(received), err)
			break
		}
	}

	if sent > 0 || len(received) > 0 {
		m.poll.Reset()
	}
	return m.poll.NextBackOff()
}

func (m *ConnectionManager) enrollmentDue() bool {
	return m.lastEnrollment.IsZero() || time.Since(m.lastEnrollment) >= m.options.EnrollmentInterval
}

func (m *ConnectionManager) failure(err error) time.Duration {
	delay := m.retry.NextBackOff()
	m.logger.Infof("Retrying in %s because: %s", delay.Round(time.Millisecond), err)
	return delay
}

// TryEstablishConnection tries every control url, first through each proxy and then
// directly, and keeps the first connection that succeeds.
func (m *ConnectionManager) TryEstablishConnection(ctx context.Context) error {
	controlUrls := m.config.ControlUrls()
	if len(controlUrls) == 0 {
		return fmt.Errorf("no control urls configured")
	}

	proxies := append(m.config.ProxyServers(), "")

	var errs []error
	for _, controlUrl := range controlUrls {
		for _, proxy := range proxies {
			conn, err := m.options.Establish(ctx, controlUrl, proxy)
			if err != nil {
				route := "directly"
				if proxy != "" {
					route = "via " + proxy
				}
				errs = append(errs, fmt.Errorf("%s %s: %w", controlUrl, route, err))
				continue
			}

			m.conn = conn
			m.logger.Infof("Established connection to %s", controlUrl)
			if m.State() == Disconnected {
				m.setState(Connected)
			}
			return nil
		}
	}

	if m.State() == Connected {
		m.setState(Disconnected)
	}
	return fmt.Errorf("failed to establish a connection: %w", errors.Join(errs...))
}
