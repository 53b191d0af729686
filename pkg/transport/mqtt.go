package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aicarmic/meross-lan/pkg/config"
	merosserrors "github.com/aicarmic/meross-lan/pkg/errors"
	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/protocol"
)

const (
	// DefaultMQTTConnectTimeout bounds the initial broker connection.
	DefaultMQTTConnectTimeout = 10 * time.Second

	// publishTimeout bounds a single publish token wait.
	publishTimeout = 5 * time.Second

	mqttQoS = 0
)

// MQTTTransportOption configures an MQTTTransport.
type MQTTTransportOption func(*MQTTTransport)

// WithMQTTLogger sets the logger.
func WithMQTTLogger(logger logging.Logger) MQTTTransportOption {
	return func(t *MQTTTransport) {
		t.logger = logger
	}
}

// WithMQTTClient replaces the paho client factory, for tests.
func WithMQTTClient(factory func(*mqtt.ClientOptions) mqtt.Client) MQTTTransportOption {
	return func(t *MQTTTransport) {
		t.newClient = factory
	}
}

// MQTTTransport speaks the publish/subscribe channel through the local
// broker: requests are published to the appliance's subscribe topic and
// everything the appliance emits (replies and spontaneous pushes alike)
// arrives on its publish topic. Delivery of a request says nothing about the
// reply; correlation happens at the session level.
type MQTTTransport struct {
	deviceID  string
	cfg       config.MQTTConfig
	logger    logging.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu      sync.Mutex
	client  mqtt.Client
	handler MessageHandler
	started bool
}

// NewMQTTTransport creates an MQTT transport bound to one appliance.
func NewMQTTTransport(deviceID string, cfg config.MQTTConfig, opts ...MQTTTransportOption) *MQTTTransport {
	t := &MQTTTransport{
		deviceID:  deviceID,
		cfg:       cfg,
		logger:    logging.NewNop(),
		newClient: mqtt.NewClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind implements the Transport interface.
func (t *MQTTTransport) Kind() Kind { return KindMQTT }

// Start implements the Transport interface: connect to the broker and
// subscribe to the appliance's publish topic.
func (t *MQTTTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	connectTimeout := t.cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultMQTTConnectTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.BrokerURL)
	opts.SetClientID(t.clientID())
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		t.logger.Info("mqtt connected", logging.String("broker", t.cfg.BrokerURL))
		// Resubscribe here so the subscription survives broker restarts.
		token := client.Subscribe(protocol.TopicInbound(t.deviceID), mqttQoS, t.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			t.logger.Error("mqtt subscribe failed", logging.ErrorField(err))
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		t.logger.Warn("mqtt connection lost", logging.ErrorField(err))
	})

	client := t.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return merosserrors.TransportUnreachable(
			fmt.Errorf("connect timeout after %s", connectTimeout), "mqtt connect "+t.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return merosserrors.TransportUnreachable(err, "mqtt connect "+t.cfg.BrokerURL)
	}

	t.client = client
	t.started = true
	return nil
}

// Stop implements the Transport interface.
func (t *MQTTTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.client.Disconnect(250)
	t.client = nil
	t.started = false
	return nil
}

// SendRequest implements the Transport interface. MQTT has no native
// request/response path.
func (t *MQTTTransport) SendRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return nil, ErrSendStyle
}

// Publish implements the Transport interface: the message goes to the
// appliance's subscribe topic and any reply comes back asynchronously through
// the message handler.
func (t *MQTTTransport) Publish(ctx context.Context, msg *protocol.Message) error {
	t.mu.Lock()
	client := t.client
	started := t.started
	t.mu.Unlock()
	if !started {
		return merosserrors.TransportClosed("mqtt transport not started")
	}

	data, err := msg.Marshal()
	if err != nil {
		return merosserrors.MalformedPayload(err, msg.Header.Namespace)
	}

	topic := protocol.TopicRequest(t.deviceID)
	t.logger.Debug("mqtt publish",
		logging.String("topic", topic),
		logging.String("namespace", msg.Header.Namespace),
		logging.String("method", msg.Header.Method))

	token := client.Publish(topic, mqttQoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return merosserrors.TransportUnreachable(
			fmt.Errorf("publish timeout after %s", publishTimeout), "mqtt publish "+topic)
	}
	if err := token.Error(); err != nil {
		return merosserrors.TransportUnreachable(err, "mqtt publish "+topic)
	}
	return nil
}

// SetMessageHandler implements the Transport interface.
func (t *MQTTTransport) SetMessageHandler(handler MessageHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *MQTTTransport) onMessage(client mqtt.Client, m mqtt.Message) {
	msg, err := protocol.ParseMessage(m.Payload())
	if err != nil {
		t.logger.Warn("discarding unparseable mqtt message",
			logging.String("topic", m.Topic()),
			logging.ErrorField(err))
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(msg, KindMQTT)
	}
}

func (t *MQTTTransport) clientID() string {
	if t.cfg.ClientID != "" {
		return t.cfg.ClientID
	}
	return "meross-lan-" + t.deviceID
}
