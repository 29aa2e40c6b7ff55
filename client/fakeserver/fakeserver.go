/*
Package fakeserver runs an in-process stand-in for the GRR server, good enough to
drive a real client through enrollment and message exchange in tests. It serves the
server certificate at /server.pem and the control endpoint at /control.

Clients it has not enrolled get 406 until they send a valid enrollment request.
Enrollment takes effect immediately, but the request that carried it is still
answered with 406, so the client sees itself enrolled on its next poll.
*/
package fakeserver

import (
	"io"
	"net/http"
	"sync"

	"github.com/dionyziz/grr/client/comms"
	"github.com/dionyziz/grr/grrlib/keypair"
	"github.com/dionyziz/grr/grrlib/logger"
	"github.com/dionyziz/grr/grrlib/message"
	"github.com/dionyziz/grr/grrlib/tests"
)

const (
	initialSerial = 1

	serverCertEndpoint = "/server.pem"
	controlEndpoint    = "/control"
)

type Server struct {
	logger *logger.Logger
	server *tests.MockServer
	ca     *tests.TestCA

	lock       sync.Mutex
	serverCert *keypair.Certificate
	serverKey  *keypair.PrivateKey

	enrolled map[string]*keypair.PublicKey
	received map[string][]*message.Message
	outbox   map[string][]*message.Message

	failingRequests int
}

func New(logger *logger.Logger) (*Server, error) {
	ca, err := tests.NewTestCA()
	if err != nil {
		return nil, err
	}

	serverCert, serverKey, err := ca.IssueServer(initialSerial)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:     logger,
		ca:         ca,
		serverCert: serverCert,
		serverKey:  serverKey,
		enrolled:   make(map[string]*keypair.PublicKey),
		received:   make(map[string][]*message.Message),
		outbox:     make(map[string][]*message.Message),
	}

	s.server = tests.NewMockServer(
		tests.MockHandler{Endpoint: serverCertEndpoint, Method: http.MethodGet, HandlerFunc: s.handleServerCert},
		tests.MockHandler{Endpoint: controlEndpoint, Method: http.MethodPost, HandlerFunc: s.handleControl},
	)
	return s, nil
}

func (s *Server) Close() {
	s.server.Close()
}

func (s *Server) ControlUrl() string {
	return s.server.EndpointUrl(controlEndpoint)
}

func (s *Server) CaCertPem() string {
	return s.ca.Cert.PEM()
}

// RotateCertificate switches the server to a new certificate with the given serial.
func (s *Server) RotateCertificate(serial int64) error {
	cert, key, err := s.ca.IssueServer(serial)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.serverCert, s.serverKey = cert, key
	return nil
}

// FailRequests makes the next n control requests fail with a 500.
func (s *Server) FailRequests(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failingRequests = n
}

// Enqueue queues messages for delivery to clientId on its next poll.
func (s *Server) Enqueue(clientId string, messages ...*message.Message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.outbox[clientId] = append(s.outbox[clientId], messages...)
}

// Received returns every message clientId has delivered, in order.
func (s *Server) Received(clientId string) []*message.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*message.Message(nil), s.received[clientId]...)
}

func (s *Server) IsEnrolled(clientId string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.enrolled[clientId]
	return ok
}

// Requests counts the control requests the server has seen.
func (s *Server) Requests() int {
	return s.server.Hits(controlEndpoint)
}

func (s *Server) handleServerCert(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	pem := s.serverCert.PEM()
	s.lock.Unlock()

	w.Write([]byte(pem))
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api") != "3" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.failingRequests > 0 {
		s.failingRequests--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	request, err := comms.DecodeRequest(s.serverKey, body)
	if err != nil {
		s.logger.Errorf("fake server could not decode request: %s", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	clientKey, ok := s.enrolled[request.ClientId]
	if !ok {
		s.enroll(request)
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	if !request.VerifyClient(clientKey) {
		s.logger.Errorf("fake server got a request for %s with a bad signature", request.ClientId)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, m := range request.Messages {
		if comms.IsEnrollment(m) {
			continue
		}
		if err := m.Decompress(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.received[request.ClientId] = append(s.received[request.ClientId], m)
	}

	reply, err := request.EncodeReply(s.outbox[request.ClientId])
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	delete(s.outbox, request.ClientId)

	w.Write(reply)
}

// caller must hold the lock
func (s *Server) enroll(request *comms.Request) {
	for _, m := range request.Messages {
		if !comms.IsEnrollment(m) {
			continue
		}

		requestedId, key, err := comms.ParseEnrollment(m)
		if err != nil {
			s.logger.Errorf("fake server got a bad enrollment request: %s", err)
			continue
		}

		if requestedId != request.ClientId || comms.ClientIdFromKey(key) != requestedId || !request.VerifyClient(key) {
			s.logger.Errorf("fake server refused enrollment for %s", request.ClientId)
			continue
		}

		s.enrolled[requestedId] = key
		s.logger.Infof("fake server enrolled %s", requestedId)
	}
}
