package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicarmic/meross-lan/pkg/protocol"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// recordingMetrics captures RecordRequest and RecordPush calls.
type recordingMetrics struct {
	NoopMetricsProvider

	mu       sync.Mutex
	requests []string // namespace/transport/status
	pushes   []string // namespace/transport
}

func (r *recordingMetrics) RecordRequest(ctx context.Context, namespace, transport, status string, duration time.Duration) {
	r.mu.Lock()
	r.requests = append(r.requests, namespace+"/"+transport+"/"+status)
	r.mu.Unlock()
}

func (r *recordingMetrics) RecordPush(ctx context.Context, namespace, transport string) {
	r.mu.Lock()
	r.pushes = append(r.pushes, namespace+"/"+transport)
	r.mu.Unlock()
}

// stubTransport answers SendRequest with a fixed reply or error.
type stubTransport struct {
	kind    transport.Kind
	reply   *protocol.Message
	err     error
	handler transport.MessageHandler
}

func (s *stubTransport) Kind() transport.Kind            { return s.kind }
func (s *stubTransport) Start(ctx context.Context) error { return nil }
func (s *stubTransport) Stop(ctx context.Context) error  { return nil }

func (s *stubTransport) SendRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return s.reply, s.err
}

func (s *stubTransport) Publish(ctx context.Context, msg *protocol.Message) error { return s.err }

func (s *stubTransport) SetMessageHandler(handler transport.MessageHandler) { s.handler = handler }

func newTestMiddleware(metrics MetricsProvider) *ObservabilityMiddleware {
	return &ObservabilityMiddleware{
		config:  ObservabilityConfig{DeviceID: "2205"},
		metrics: metrics,
	}
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	rec := &recordingMetrics{}
	reply, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGetAck, nil, "key")
	require.NoError(t, err)
	stub := &stubTransport{kind: transport.KindHTTP, reply: reply}
	wrapped := newTestMiddleware(rec).Wrap(stub)

	msg, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGet, nil, "key")
	require.NoError(t, err)

	got, err := wrapped.SendRequest(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, reply, got)

	stub.err = errors.New("no route to host")
	_, err = wrapped.SendRequest(context.Background(), msg)
	require.Error(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{
		"Appliance.System.All/http/success",
		"Appliance.System.All/http/error",
	}, rec.requests)
}

func TestMiddlewareRecordsPublishes(t *testing.T) {
	rec := &recordingMetrics{}
	stub := &stubTransport{kind: transport.KindMQTT}
	wrapped := newTestMiddleware(rec).Wrap(stub)

	msg, err := protocol.NewMessage(protocol.NamespaceControlToggleX, protocol.MethodSet, nil, "key")
	require.NoError(t, err)
	require.NoError(t, wrapped.Publish(context.Background(), msg))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"Appliance.Control.ToggleX/mqtt/success"}, rec.requests)
}

func TestMiddlewareCountsPushes(t *testing.T) {
	rec := &recordingMetrics{}
	stub := &stubTransport{kind: transport.KindMQTT}
	wrapped := newTestMiddleware(rec).Wrap(stub)

	var forwarded []*protocol.Message
	wrapped.SetMessageHandler(func(msg *protocol.Message, kind transport.Kind) {
		forwarded = append(forwarded, msg)
	})

	push, err := protocol.NewMessage(protocol.NamespaceControlToggleX, protocol.MethodPush, nil, "key")
	require.NoError(t, err)
	ack, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGetAck, nil, "key")
	require.NoError(t, err)

	stub.handler(push, transport.KindMQTT)
	stub.handler(ack, transport.KindMQTT)

	// Both messages reach the session, only the push is counted.
	assert.Len(t, forwarded, 2)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"Appliance.Control.ToggleX/mqtt"}, rec.pushes)
}

func TestNoopProviderSafe(t *testing.T) {
	p := NewNoopMetricsProvider()
	require.NoError(t, p.Start(context.Background()))
	p.RecordRequest(context.Background(), "ns", "http", "success", time.Second)
	p.RecordOnline(context.Background(), "2205", true)
	require.NoError(t, p.Shutdown(context.Background()))
}
