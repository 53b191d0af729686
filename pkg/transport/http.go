package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	merosserrors "github.com/aicarmic/meross-lan/pkg/errors"
	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/protocol"
)

const (
	// DefaultHTTPTimeout bounds a single request/response exchange.
	DefaultHTTPTimeout = 5 * time.Second

	// configPath is the single endpoint Meross appliances expose.
	configPath = "/config"
)

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPTimeout sets the per-request timeout.
func WithHTTPTimeout(timeout time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger logging.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// HTTPTransport speaks the direct LAN channel: each exchange is a POST of the
// signed envelope to http://<host>/config, with the reply in the response
// body. There is no asynchronous inbound path, so the message handler is
// never invoked.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	logger   logging.Logger
}

// NewHTTPTransport creates an HTTP transport for the appliance at host
// (an IP address or hostname, no scheme).
func NewHTTPTransport(host string, opts ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: fmt.Sprintf("http://%s%s", host, configPath),
		client:   &http.Client{Timeout: DefaultHTTPTimeout},
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind implements the Transport interface.
func (t *HTTPTransport) Kind() Kind { return KindHTTP }

// Start implements the Transport interface. HTTP is connectionless, so this
// is a no-op.
func (t *HTTPTransport) Start(ctx context.Context) error { return nil }

// Stop implements the Transport interface.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.client.CloseIdleConnections()
	return nil
}

// SendRequest implements the Transport interface. Connection failures, HTTP
// error statuses and unparseable bodies are all reported as transport errors;
// the caller owns retry and fail-over policy.
func (t *HTTPTransport) SendRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	body, err := msg.Marshal()
	if err != nil {
		return nil, merosserrors.MalformedPayload(err, msg.Header.Namespace)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, merosserrors.Wrap(err, merosserrors.CategoryInternal, merosserrors.SeverityError, "build http request")
	}
	req.Header.Set("Content-Type", "application/json")

	t.logger.Debug("http request",
		logging.String("namespace", msg.Header.Namespace),
		logging.String("method", msg.Header.Method))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, merosserrors.TransportUnreachable(err, "http post "+t.endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, merosserrors.TransportUnreachable(err, "read http response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, merosserrors.Newf(merosserrors.CategoryTransport, merosserrors.SeverityWarning,
			"unexpected status %d from %s", resp.StatusCode, t.endpoint)
	}

	reply, err := protocol.ParseMessage(data)
	if err != nil {
		return nil, merosserrors.MalformedPayload(err, msg.Header.Namespace)
	}
	return reply, nil
}

// Publish implements the Transport interface. HTTP has no fire-and-forget
// path.
func (t *HTTPTransport) Publish(ctx context.Context, msg *protocol.Message) error {
	return ErrSendStyle
}

// SetMessageHandler implements the Transport interface. HTTP never delivers
// asynchronous messages.
func (t *HTTPTransport) SetMessageHandler(handler MessageHandler) {}
