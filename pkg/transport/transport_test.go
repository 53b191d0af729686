package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicarmic/meross-lan/pkg/config"
	merosserrors "github.com/aicarmic/meross-lan/pkg/errors"
	"github.com/aicarmic/meross-lan/pkg/protocol"
)

func TestChainMiddleware(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return MiddlewareFunc(func(next Transport) Transport {
			return &taggedTransport{middlewareTransport{next: next}, name, &order}
		})
	}

	base := NewHTTPTransport("127.0.0.1")
	wrapped := ChainMiddleware(tag("outer"), tag("inner")).Wrap(base)

	// Publish is unsupported on HTTP but still traverses the chain.
	err := wrapped.Publish(context.Background(), &protocol.Message{})
	assert.ErrorIs(t, err, ErrSendStyle)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

type taggedTransport struct {
	middlewareTransport
	name  string
	order *[]string
}

func (t *taggedTransport) Publish(ctx context.Context, msg *protocol.Message) error {
	*t.order = append(*t.order, t.name)
	return t.next.Publish(ctx, msg)
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	const key = "super-secret"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		request, err := protocol.ParseMessage(body)
		require.NoError(t, err)
		assert.Equal(t, "/config", r.URL.Path)
		assert.Equal(t, protocol.MethodGet, request.Header.Method)
		assert.True(t, request.Verify(key))

		reply, err := protocol.NewMessage(request.Header.Namespace, protocol.MethodGetAck,
			map[string]interface{}{"all": map[string]interface{}{}}, key)
		require.NoError(t, err)
		data, err := reply.Marshal()
		require.NoError(t, err)
		w.Write(data)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop(context.Background())

	msg, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGet, nil, key)
	require.NoError(t, err)

	reply, err := tr.SendRequest(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodGetAck, reply.Header.Method)
	assert.Equal(t, protocol.NamespaceSystemAll, reply.Header.Namespace)
}

func TestHTTPTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(strings.TrimPrefix(srv.URL, "http://"))
	msg, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGet, nil, "")
	require.NoError(t, err)

	_, err = tr.SendRequest(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, merosserrors.IsCategory(err, merosserrors.CategoryTransport))
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	tr := NewHTTPTransport(host, WithHTTPTimeout(time.Second))
	msg, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGet, nil, "")
	require.NoError(t, err)

	_, err = tr.SendRequest(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, merosserrors.IsTransient(err))
}

func TestHTTPTransportGarbageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(strings.TrimPrefix(srv.URL, "http://"))
	msg, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGet, nil, "")
	require.NoError(t, err)

	_, err = tr.SendRequest(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, merosserrors.IsCategory(err, merosserrors.CategoryProtocol))
}

func TestHTTPTransportPublishUnsupported(t *testing.T) {
	tr := NewHTTPTransport("192.168.1.14")
	err := tr.Publish(context.Background(), &protocol.Message{})
	assert.ErrorIs(t, err, ErrSendStyle)
}

// fakeToken is a paho token that resolves immediately.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedMessage struct {
	topic   string
	payload []byte
}

// fakeMQTTClient stands in for the paho client. Connect fires the configured
// OnConnect handler synchronously, the way paho does after a successful
// connection.
type fakeMQTTClient struct {
	opts       *mqtt.ClientOptions
	connectErr error
	publishErr error

	mu            sync.Mutex
	connected     bool
	published     []publishedMessage
	subscriptions map[string]mqtt.MessageHandler
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{subscriptions: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeMQTTClient) factory(opts *mqtt.ClientOptions) mqtt.Client {
	c.opts = opts
	return c
}

func (c *fakeMQTTClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts != nil && c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return &fakeToken{}
}

func (c *fakeMQTTClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.mu.Lock()
	c.published = append(c.published, publishedMessage{topic: topic, payload: payload.([]byte)})
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subscriptions[topic] = callback
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token { return &fakeToken{} }

func (c *fakeMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (c *fakeMQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeMQTTClient) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	c.mu.Lock()
	callback, ok := c.subscriptions[topic]
	c.mu.Unlock()
	require.True(t, ok, "no subscription on %s", topic)
	callback(c, &fakeInbound{topic: topic, payload: payload})
}

type fakeInbound struct {
	topic   string
	payload []byte
}

func (m *fakeInbound) Duplicate() bool   { return false }
func (m *fakeInbound) Qos() byte         { return 0 }
func (m *fakeInbound) Retained() bool    { return false }
func (m *fakeInbound) Topic() string     { return m.topic }
func (m *fakeInbound) MessageID() uint16 { return 1 }
func (m *fakeInbound) Payload() []byte   { return m.payload }
func (m *fakeInbound) Ack()              {}

func TestMQTTTransportPublish(t *testing.T) {
	client := newFakeMQTTClient()
	tr := NewMQTTTransport("2205", config.MQTTConfig{BrokerURL: "tcp://127.0.0.1:1883"},
		WithMQTTClient(client.factory))

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop(context.Background())

	// Connecting subscribes to the appliance's publish topic.
	client.mu.Lock()
	_, subscribed := client.subscriptions[protocol.TopicInbound("2205")]
	client.mu.Unlock()
	assert.True(t, subscribed)

	msg, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGet, nil, "key")
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), msg))

	client.mu.Lock()
	published := client.published
	client.mu.Unlock()
	require.Len(t, published, 1)
	assert.Equal(t, protocol.TopicRequest("2205"), published[0].topic)

	sent, err := protocol.ParseMessage(published[0].payload)
	require.NoError(t, err)
	assert.Equal(t, msg.Header.MessageID, sent.Header.MessageID)
}

func TestMQTTTransportInbound(t *testing.T) {
	client := newFakeMQTTClient()
	tr := NewMQTTTransport("2205", config.MQTTConfig{BrokerURL: "tcp://127.0.0.1:1883"},
		WithMQTTClient(client.factory))

	var (
		mu       sync.Mutex
		received []*protocol.Message
	)
	tr.SetMessageHandler(func(msg *protocol.Message, kind Kind) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		assert.Equal(t, KindMQTT, kind)
	})
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop(context.Background())

	push, err := protocol.NewMessage("Appliance.Control.ToggleX", protocol.MethodPush,
		map[string]interface{}{"togglex": []interface{}{map[string]interface{}{"channel": 0, "onoff": 1}}}, "key")
	require.NoError(t, err)
	data, err := push.Marshal()
	require.NoError(t, err)

	client.deliver(t, protocol.TopicInbound("2205"), data)

	// Unparseable payloads are dropped without reaching the handler.
	client.deliver(t, protocol.TopicInbound("2205"), []byte("not json"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, protocol.MethodPush, received[0].Header.Method)
}

func TestMQTTTransportPublishBeforeStart(t *testing.T) {
	tr := NewMQTTTransport("2205", config.MQTTConfig{BrokerURL: "tcp://127.0.0.1:1883"},
		WithMQTTClient(newFakeMQTTClient().factory))

	msg, err := protocol.NewMessage(protocol.NamespaceSystemAll, protocol.MethodGet, nil, "")
	require.NoError(t, err)

	err = tr.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, merosserrors.IsCategory(err, merosserrors.CategoryTransport))
}

func TestMQTTTransportSendRequestUnsupported(t *testing.T) {
	tr := NewMQTTTransport("2205", config.MQTTConfig{}, WithMQTTClient(newFakeMQTTClient().factory))
	_, err := tr.SendRequest(context.Background(), &protocol.Message{})
	assert.ErrorIs(t, err, ErrSendStyle)
}
