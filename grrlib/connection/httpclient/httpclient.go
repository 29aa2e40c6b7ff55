package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/dionyziz/grr/grrlib/logger"
)

const (
	defaultTimeout = time.Second * 30

	// Server replies larger than this are cut off and treated as corrupt
	maxResponseBytes = 64 << 20
)

type HTTPOptions struct {
	Endpoint string
	Body     io.Reader
	Headers  http.Header
	Params   url.Values

	// Proxy, if set, is the url of an http proxy to send the request through. Without
	// one the request goes out directly, ignoring proxy environment variables.
	Proxy string

	Timeout time.Duration
}

// StatusError is returned along with the response when the server answers with a
// non-2xx status.
type StatusError struct {
	Method     string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed with status %s", e.Method, e.Status)
}

// One transport per proxy, shared by every client, so that polling reuses connections
var (
	transportsLock sync.Mutex
	transports     = map[string]*http.Transport{}
)

func transportFor(proxy string) (*http.Transport, error) {
	transportsLock.Lock()
	defer transportsLock.Unlock()

	if transport, ok := transports[proxy]; ok {
		return transport, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if proxy != "" {
		proxyUrl, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %s: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyUrl)
	}

	transports[proxy] = transport
	return transport, nil
}

type HttpClient struct {
	logger *logger.Logger

	client    http.Client
	targetUrl string
	body      io.Reader
	headers   http.Header
	params    url.Values
}

func New(
	logger *logger.Logger,
	serviceUrl string,
	options HTTPOptions,
) (*HttpClient, error) {

	if options.Endpoint != "" {
		combo, err := url.ParseRequestURI(serviceUrl)
		if err != nil {
			return nil, err
		}
		combo.Path = path.Join(combo.Path, options.Endpoint)
		serviceUrl = combo.String()
	}

	if options.Headers == nil {
		options.Headers = http.Header{}
	}

	if options.Params == nil {
		options.Params = url.Values{}
	}

	if options.Timeout == 0 {
		options.Timeout = defaultTimeout
	}

	transport, err := transportFor(options.Proxy)
	if err != nil {
		return nil, err
	}

	return &HttpClient{
		logger: logger,
		client: http.Client{
			Timeout:   options.Timeout,
			Transport: transport,
		},
		targetUrl: serviceUrl,
		body:      options.Body,
		headers:   options.Headers,
		params:    options.Params,
	}, nil
}

func (h *HttpClient) Url() string {
	return h.targetUrl
}

func (h *HttpClient) Post(ctx context.Context) (*http.Response, error) {
	return h.request(http.MethodPost, ctx)
}

func (h *HttpClient) Get(ctx context.Context) (*http.Response, error) {
	return h.request(http.MethodGet, ctx)
}

// ReadBody reads a response body to the end, refusing bodies that are unreasonably
// large, and closes it.
func ReadBody(response *http.Response) ([]byte, error) {
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	} else if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("response body is larger than %d bytes", maxResponseBytes)
	}
	return body, nil
}

func (h *HttpClient) request(method string, ctx context.Context) (*http.Response, error) {
	// Build our Request
	request, err := http.NewRequestWithContext(ctx, method, h.targetUrl, h.body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	request.Header = h.headers.Clone()

	// Add params to request URL
	if len(h.params) > 0 {
		request.URL.RawQuery = h.params.Encode()
	}

	h.logger.Tracef("%s %s", method, request.URL)

	// Make our Request
	response, err := h.client.Do(request)
	if err != nil {
		return response, fmt.Errorf("%s request failed: %w", method, err)
	}

	// Check if request was successful
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response, &StatusError{
			Method:     method,
			StatusCode: response.StatusCode,
			Status:     response.Status,
		}
	}

	return response, nil
}
