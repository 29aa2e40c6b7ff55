package tests

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockServer serves a fixed set of handlers on a local port and counts the requests
// each endpoint accepted.
type MockServer struct {
	server *httptest.Server

	Url string

	lock sync.Mutex
	hits map[string]int
}

type MockHandler struct {
	Endpoint string

	// If set, requests with any other method get 405 and never reach HandlerFunc
	Method string

	HandlerFunc http.HandlerFunc
}

func NewMockServer(handlers ...MockHandler) *MockServer {
	m := &MockServer{
		hits: make(map[string]int),
	}

	mux := http.NewServeMux()
	for _, handler := range handlers {
		mux.HandleFunc(handler.Endpoint, m.wrap(handler))
	}

	m.server = httptest.NewServer(mux)
	m.Url = m.server.URL
	return m
}

func (m *MockServer) wrap(handler MockHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if handler.Method != "" && r.Method != handler.Method {
			w.Header().Set("Allow", handler.Method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		m.lock.Lock()
		m.hits[handler.Endpoint]++
		m.lock.Unlock()

		handler.HandlerFunc(w, r)
	}
}

// EndpointUrl is the full url of one of the server's endpoints.
func (m *MockServer) EndpointUrl(endpoint string) string {
	return m.Url + endpoint
}

// Hits counts the requests endpoint has handled.
func (m *MockServer) Hits(endpoint string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.hits[endpoint]
}

func (m *MockServer) Close() {
	m.server.Close()
}
