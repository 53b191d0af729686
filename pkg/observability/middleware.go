package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aicarmic/meross-lan/pkg/protocol"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// ObservabilityConfig configures the observability middleware
type ObservabilityConfig struct {
	// DeviceID labels every measurement the middleware records
	DeviceID string

	// Tracing configuration
	EnableTracing bool
	TracingConfig TracingConfig

	// Metrics configuration
	EnableMetrics bool
	MetricsConfig MetricsConfig

	// Feature flags
	CapturePayloads bool // Capture message payloads in spans
}

// ObservabilityMiddleware wraps a transport with tracing and metrics. Sends
// in either style are timed and labelled by namespace, transport kind and
// outcome; inbound pushes are counted through the message handler.
type ObservabilityMiddleware struct {
	config  ObservabilityConfig
	tracer  *TracingProvider
	metrics MetricsProvider
}

// NewObservabilityMiddleware creates a new observability middleware
func NewObservabilityMiddleware(config ObservabilityConfig) (*ObservabilityMiddleware, error) {
	m := &ObservabilityMiddleware{
		config:  config,
		metrics: NewNoopMetricsProvider(),
	}

	if config.EnableTracing {
		t, err := NewTracingProvider(config.TracingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracing provider: %w", err)
		}
		m.tracer = t
	}

	if config.EnableMetrics {
		p, err := NewMetricsProvider(config.MetricsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		m.metrics = p
	}

	return m, nil
}

// Metrics exposes the middleware's metrics provider so the session can record
// state changes (liveness flips, transport switches) that do not pass through
// a transport call.
func (m *ObservabilityMiddleware) Metrics() MetricsProvider { return m.metrics }

// Wrap implements the transport.Middleware interface
func (m *ObservabilityMiddleware) Wrap(t transport.Transport) transport.Transport {
	return &observabilityTransport{
		middleware: m,
		next:       t,
	}
}

// observabilityTransport implements the Transport interface with observability
type observabilityTransport struct {
	middleware *ObservabilityMiddleware
	next       transport.Transport
}

func (ot *observabilityTransport) Kind() transport.Kind { return ot.next.Kind() }

// Start starts the underlying transport and the metrics server
func (ot *observabilityTransport) Start(ctx context.Context) error {
	if err := ot.middleware.metrics.Start(ctx); err != nil {
		return err
	}
	return ot.next.Start(ctx)
}

// Stop stops the transport and shuts down the observability providers
func (ot *observabilityTransport) Stop(ctx context.Context) error {
	err := ot.next.Stop(ctx)

	if ot.middleware.tracer != nil {
		if shutdownErr := ot.middleware.tracer.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	if shutdownErr := ot.middleware.metrics.Shutdown(ctx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	return err
}

// SendRequest sends a request with tracing and metrics
func (ot *observabilityTransport) SendRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	ctx, span := ot.startSpan(ctx, msg)
	if span != nil {
		defer span.End()
	}

	start := time.Now()
	reply, err := ot.next.SendRequest(ctx, msg)
	duration := time.Since(start)

	ot.middleware.metrics.RecordRequest(ctx,
		msg.Header.Namespace, string(ot.next.Kind()), statusLabel(err), duration)
	ot.finishSpan(span, duration, err)

	return reply, err
}

// Publish sends a fire-and-forget message with tracing and metrics
func (ot *observabilityTransport) Publish(ctx context.Context, msg *protocol.Message) error {
	ctx, span := ot.startSpan(ctx, msg)
	if span != nil {
		defer span.End()
	}

	start := time.Now()
	err := ot.next.Publish(ctx, msg)
	duration := time.Since(start)

	ot.middleware.metrics.RecordRequest(ctx,
		msg.Header.Namespace, string(ot.next.Kind()), statusLabel(err), duration)
	ot.finishSpan(span, duration, err)

	return err
}

// SetMessageHandler counts inbound pushes before forwarding them
func (ot *observabilityTransport) SetMessageHandler(handler transport.MessageHandler) {
	ot.next.SetMessageHandler(func(msg *protocol.Message, kind transport.Kind) {
		if msg.Header.Method == protocol.MethodPush {
			ot.middleware.metrics.RecordPush(context.Background(),
				msg.Header.Namespace, string(kind))
		}
		handler(msg, kind)
	})
}

func (ot *observabilityTransport) startSpan(ctx context.Context, msg *protocol.Message) (context.Context, trace.Span) {
	if ot.middleware.tracer == nil {
		return ctx, nil
	}

	ctx, span := ot.middleware.tracer.StartRequestSpan(ctx,
		ot.middleware.config.DeviceID, msg.Header.Namespace)
	span.SetAttributes(
		attribute.String("device.method", msg.Header.Method),
		attribute.String("device.transport", string(ot.next.Kind())),
	)
	if ot.middleware.config.CapturePayloads && len(msg.Payload) > 0 {
		span.SetAttributes(attribute.String("device.request.payload", string(msg.Payload)))
	}
	return ctx, span
}

func (ot *observabilityTransport) finishSpan(span trace.Span, duration time.Duration, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Float64("device.duration_ms", float64(duration.Milliseconds())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
