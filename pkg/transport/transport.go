// Package transport provides the two interchangeable channels a device
// session can speak over: a direct HTTP request/response client and an MQTT
// publish/subscribe client. Both carry the same signed JSON envelope; the
// session decides which one is active and fails over between them.
//
// Transports report delivery failure to the caller and never retry on their
// own: the session's liveness machinery is the only timeout and recovery
// layer.
package transport

import (
	"context"
	"errors"

	"github.com/aicarmic/meross-lan/pkg/protocol"
)

// ErrSendStyle is returned when a send style is requested that the transport
// does not support natively (Publish on HTTP, SendRequest on MQTT).
var ErrSendStyle = errors.New("transport: send style not supported")

// Kind identifies a transport channel.
type Kind string

const (
	// KindHTTP is the direct request/response channel.
	KindHTTP Kind = "http"
	// KindMQTT is the publish/subscribe channel.
	KindMQTT Kind = "mqtt"
)

// MessageHandler receives asynchronous inbound messages (pushes and pub/sub
// replies) together with the transport they arrived on.
type MessageHandler func(msg *protocol.Message, kind Kind)

// Transport is the contract both channels implement.
//
// SendRequest is the blocking request/response path: it returns the device's
// reply or a delivery error. Publish is fire-and-forget: the reply, if any,
// arrives later through the message handler as an independent inbound event.
// A transport supports one of the two send styles natively and returns
// ErrSendStyle for the other.
type Transport interface {
	// Kind identifies the channel.
	Kind() Kind

	// Start makes the transport ready for use.
	Start(ctx context.Context) error

	// Stop releases the underlying client. The transport is single-owner:
	// one device session per instance, never shared across sessions.
	Stop(ctx context.Context) error

	// SendRequest sends msg and waits for the reply.
	SendRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

	// Publish sends msg without awaiting a reply.
	Publish(ctx context.Context, msg *protocol.Message) error

	// SetMessageHandler registers the callback for asynchronous inbound
	// messages. Must be called before Start.
	SetMessageHandler(handler MessageHandler)
}

// Middleware wraps a Transport to add functionality such as observability.
type Middleware interface {
	// Wrap wraps the given transport.
	Wrap(transport Transport) Transport
}

// MiddlewareFunc is an adapter to allow ordinary functions as middleware.
type MiddlewareFunc func(Transport) Transport

// Wrap implements the Middleware interface.
func (f MiddlewareFunc) Wrap(t Transport) Transport {
	return f(t)
}

// ChainMiddleware chains multiple middleware together. The first middleware
// becomes the outermost wrapper.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(transport Transport) Transport {
		for i := len(middleware) - 1; i >= 0; i-- {
			transport = middleware[i].Wrap(transport)
		}
		return transport
	})
}

// middlewareTransport is a base type for middleware implementations.
type middlewareTransport struct {
	next Transport
}

func (m *middlewareTransport) Kind() Kind { return m.next.Kind() }

func (m *middlewareTransport) Start(ctx context.Context) error { return m.next.Start(ctx) }

func (m *middlewareTransport) Stop(ctx context.Context) error { return m.next.Stop(ctx) }

func (m *middlewareTransport) SendRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return m.next.SendRequest(ctx, msg)
}

func (m *middlewareTransport) Publish(ctx context.Context, msg *protocol.Message) error {
	return m.next.Publish(ctx, msg)
}

func (m *middlewareTransport) SetMessageHandler(handler MessageHandler) {
	m.next.SetMessageHandler(handler)
}
