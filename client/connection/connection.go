/*
Package connection implements one session with the server. A Connection is built by
Establish, which fetches the server's certificate and checks it against the CA and
the highest serial number seen so far, and is then used for any number of Send calls.

A Connection does no recovery of its own. After a transport error every further Send
fails and the owner is expected to establish a new one.
*/
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dionyziz/grr/client/comms"
	"github.com/dionyziz/grr/grrlib/connection/httpclient"
	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/logger"
	"github.com/dionyziz/grr/grrlib/message"
	"github.com/dionyziz/grr/grrlib/util"
)

const serverCertEndpoint = "server.pem"

type Connection interface {
	Send(ctx context.Context, messages []*message.Message) ([]*message.Message, error)
	Url() string
}

// The parts of the client's identity a connection needs
type identity interface {
	ClientId() string
	Key() *keypair.PrivateKey
	CaCert() *keypair.Certificate
	CheckUpdateServerSerial(serial int64) bool
}

type HttpConnection struct {
	logger *logger.Logger

	controlUrl string
	proxy      string

	serverSerial int64
	session      *comms.SecureSession

	// set by the first transport error
	invalid error
}

// Establish opens a session with the server behind controlUrl, optionally through an
// http proxy.
func Establish(ctx context.Context, logger *logger.Logger, id identity, controlUrl string, proxy string) (*HttpConnection, error) {
	clientId, key, caCert := id.ClientId(), id.Key(), id.CaCert()
	if clientId == "" || key == nil {
		return nil, fmt.Errorf("cannot connect without a client identity")
	} else if caCert == nil {
		return nil, fmt.Errorf("cannot connect without a ca certificate")
	}

	serverCert, err := FetchServerCertificate(ctx, logger, controlUrl, proxy)
	if err != nil {
		return nil, err
	}

	if err := caCert.Verify(serverCert); err != nil {
		return nil, fmt.Errorf("server certificate from %s is not trusted: %w", controlUrl, err)
	}

	serial, err := serverCert.SerialNumber()
	if err != nil {
		return nil, err
	}

	if !id.CheckUpdateServerSerial(serial) {
		return nil, fmt.Errorf("server certificate from %s has serial %d, older than one already seen", controlUrl, serial)
	}

	session, err := comms.NewSecureSession(clientId, key, serverCert)
	if err != nil {
		return nil, err
	}

	return &HttpConnection{
		logger:       logger,
		controlUrl:   controlUrl,
		proxy:        proxy,
		serverSerial: serial,
		session:      session,
	}, nil
}

// FetchServerCertificate downloads server.pem from the directory controlUrl lives in.
func FetchServerCertificate(ctx context.Context, logger *logger.Logger, controlUrl string, proxy string) (*keypair.Certificate, error) {
	baseUrl := util.UrlDirname(controlUrl)
	if baseUrl == "" {
		return nil, fmt.Errorf("malformed control url %q", controlUrl)
	}

	client, err := httpclient.New(logger, baseUrl, httpclient.HTTPOptions{
		Endpoint: serverCertEndpoint,
		Proxy:    proxy,
	})
	if err != nil {
		return nil, err
	}

	response, err := client.Get(ctx)
	if err != nil {
		if response != nil {
			response.Body.Close()
		}
		return nil, fmt.Errorf("failed to fetch server certificate: %w", err)
	}

	body, err := httpclient.ReadBody(response)
	if err != nil {
		return nil, err
	}

	return keypair.CertificateFromPEM(string(body))
}

func (c *HttpConnection) Url() string {
	return c.controlUrl
}

func (c *HttpConnection) ServerSerial() int64 {
	return c.serverSerial
}

// Send performs one exchange: it delivers messages and returns whatever the server
// has queued for us. ErrNotEnrolled leaves the connection usable; any other error is
// a *TransportError and invalidates it.
func (c *HttpConnection) Send(ctx context.Context, messages []*message.Message) ([]*message.Message, error) {
	if c.invalid != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConnection, c.invalid)
	}

	received, err := c.exchange(ctx, messages)
	if err != nil && !errors.Is(err, ErrNotEnrolled) {
		err = &TransportError{Url: c.controlUrl, InnerErr: err}
		c.invalid = err
	}
	return received, err
}

func (c *HttpConnection) exchange(ctx context.Context, messages []*message.Message) ([]*message.Message, error) {
	for _, m := range messages {
		m.Compress()
	}

	nonce, err := comms.NewNonce()
	if err != nil {
		return nil, err
	}

	body, err := c.session.EncodeMessages(messages, nonce)
	if err != nil {
		return nil, err
	}

	client, err := httpclient.New(c.logger, c.controlUrl, httpclient.HTTPOptions{
		Body: bytes.NewReader(body),
		Headers: http.Header{
			"Content-Type":  {"binary/octet-stream"},
			"Cache-Control": {"no-cache"},
		},
		Params: url.Values{"api": {strconv.Itoa(comms.ApiVersion)}},
		Proxy:  c.proxy,
	})
	if err != nil {
		return nil, err
	}

	response, err := client.Post(ctx)
	if err != nil {
		if response != nil {
			response.Body.Close()
		}

		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotAcceptable {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}

	reply, err := httpclient.ReadBody(response)
	if err != nil {
		return nil, err
	}

	received, err := c.session.DecodeMessages(reply, nonce)
	if err != nil {
		return nil, err
	}

	for _, m := range received {
		if err := m.Decompress(); err != nil {
			return nil, err
		}
	}

	c.logger.Debugf("Sent %d messages to %s and received %d", len(messages), c.controlUrl, len(received))
	return received, nil
}
