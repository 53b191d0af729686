// Package merosslan manages the live communication lifecycle of Meross LAN
// appliances: transport selection between direct HTTP and broker MQTT,
// online/offline liveness, periodic state polling, and dispatch of replies
// and pushes to capability handlers.
package merosslan

import (
	"context"
	"os"
	"time"

	"github.com/aicarmic/meross-lan/pkg/config"
	"github.com/aicarmic/meross-lan/pkg/device"
	"github.com/aicarmic/meross-lan/pkg/diag"
	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/observability"
	"github.com/aicarmic/meross-lan/pkg/persist"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// Version is the current module version.
const Version = "1.0.0"

// Direct access to the core components for callers that wire their own
// stack.
var (
	// NewDevice creates a device session from explicit transports.
	NewDevice = device.New

	// NewHTTPTransport creates the direct request/response transport.
	NewHTTPTransport = transport.NewHTTPTransport

	// NewMQTTTransport creates the broker pub/sub transport.
	NewMQTTTransport = transport.NewMQTTTransport

	// NewMemoryStore creates an in-process snapshot store.
	NewMemoryStore = persist.NewMemoryStore

	// OpenSQLiteStore opens the SQLite snapshot store.
	OpenSQLiteStore = persist.OpenSQLite
)

// Session bundles one device session with the stack built around it.
type Session struct {
	Device *device.Device
	Logger logging.Logger

	store    persist.Store
	recorder *diag.Recorder
}

// NewSession builds a fully wired session from a configuration: logger,
// transports with observability middleware, snapshot store, optional trace
// recorder, and the device actor. Start connects everything.
func NewSession(cfg *config.Config) (*Session, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log)
	s := &Session{Logger: logger}

	var httpT transport.Transport = transport.NewHTTPTransport(cfg.Device.Host,
		transport.WithHTTPLogger(logger))
	var mqttT transport.Transport = transport.NewMQTTTransport(cfg.Device.ID, cfg.MQTT,
		transport.WithMQTTLogger(logger))

	var mw *observability.ObservabilityMiddleware
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		var err error
		mw, err = observability.NewObservabilityMiddleware(observability.ObservabilityConfig{
			DeviceID:      cfg.Device.ID,
			EnableMetrics: cfg.Observability.MetricsEnabled,
			MetricsConfig: observability.MetricsConfig{
				ServiceName: "meross-lan",
				MetricsPort: cfg.Observability.MetricsPort,
			},
			EnableTracing: cfg.Observability.TracingEnabled,
			TracingConfig: observability.TracingConfig{
				ServiceName:  "meross-lan",
				ExporterType: exporterType(cfg.Observability),
				Endpoint:     cfg.Observability.OTLPEndpoint,
				Insecure:     cfg.Observability.OTLPInsecure,
			},
		})
		if err != nil {
			return nil, err
		}
		httpT = mw.Wrap(httpT)
		mqttT = mw.Wrap(mqttT)
	}

	opts := []device.Option{device.WithLogger(logger)}
	if mw != nil {
		// The session records liveness flips, transport switches, polls and
		// the auth/persist edge cases itself; they do not pass through a
		// transport call.
		opts = append(opts, device.WithMetrics(mw.Metrics()))
	}

	if cfg.Store.Path != "" {
		store, err := persist.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		s.store = store
		opts = append(opts, device.WithStore(store))
	}

	if cfg.Device.TraceDuration > 0 {
		rec, err := diag.NewRecorder(diag.RecorderConfig{
			Dir:      cfg.Device.TraceDir,
			DeviceID: cfg.Device.ID,
			Duration: cfg.Device.TraceDuration,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		s.recorder = rec
		opts = append(opts, device.WithRecorder(rec))
	}

	dev, err := device.New(cfg.Device, httpT, mqttT, opts...)
	if err != nil {
		return nil, err
	}
	s.Device = dev
	return s, nil
}

// Start connects the transports and launches the session loop.
func (s *Session) Start(ctx context.Context) error {
	return s.Device.Start(ctx)
}

// Run starts the session and drives its scheduler until ctx is cancelled.
func (s *Session) Run(ctx context.Context, tickInterval time.Duration) error {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.Close(context.Background())
		case now := <-ticker.C:
			s.Device.Tick(now)
		}
	}
}

// Close releases the session's transports and store.
func (s *Session) Close(ctx context.Context) error {
	err := s.Device.Close(ctx)
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func newLogger(cfg config.LogConfig) logging.Logger {
	var formatter logging.Formatter
	if cfg.Format == "json" {
		formatter = logging.NewJSONFormatter()
	} else {
		formatter = logging.NewTextFormatter()
	}
	logger := logging.New(os.Stderr, formatter)
	logger.SetLevel(parseLevel(cfg.Level))
	return logger
}

func parseLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.DebugLevel
	case "warn":
		return logging.WarnLevel
	case "error":
		return logging.ErrorLevel
	default:
		return logging.InfoLevel
	}
}

func exporterType(cfg config.ObservabilityConfig) observability.ExporterType {
	if cfg.OTLPEndpoint == "" {
		return observability.ExporterTypeNoop
	}
	return observability.ExporterTypeOTLPGRPC
}
