// Package device implements the session state machine for one Meross
// appliance: transport selection with fail-over and fail-back, online/offline
// liveness tracking, periodic state polling with offline back-off, and
// dispatch of inbound replies and pushes to capability handlers.
//
// A Device is a single-consumer actor. Every public method posts an event to
// the session's queue and all state mutation happens on the loop goroutine,
// so transitions are atomic without locking. HTTP exchanges run in their own
// goroutine and re-enter the loop as events; MQTT publishes are
// fire-and-forget from the loop.
package device

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aicarmic/meross-lan/pkg/config"
	"github.com/aicarmic/meross-lan/pkg/diag"
	merosserrors "github.com/aicarmic/meross-lan/pkg/errors"
	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/observability"
	"github.com/aicarmic/meross-lan/pkg/persist"
	"github.com/aicarmic/meross-lan/pkg/protocol"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

const (
	// authMismatchLogInterval rate-limits the signature mismatch warning.
	// A device with a wrong key mismatches every message; one line every
	// four hours is enough to surface it to an operator.
	authMismatchLogInterval = 4 * time.Hour

	// sendErrorLogInterval rate-limits transport failure logging while a
	// device stays unreachable.
	sendErrorLogInterval = 5 * time.Minute

	eventQueueSize = 64
)

// Handler processes a capability payload extracted from a push or a
// full-state digest. The key is the capability tag the handler was
// registered under.
type Handler func(key string, payload json.RawMessage)

// AvailabilityFunc is notified when the session's online verdict flips.
type AvailabilityFunc func(online bool)

// AckFunc receives the confirmation reply for a submitted request. It fires
// only for request/response SETACK confirmations; pub/sub confirmations
// arrive later as independent pushes.
type AckFunc func(reply *protocol.Message)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the session logger.
func WithLogger(logger logging.Logger) Option {
	return func(d *Device) {
		d.logger = logger.WithDevice(d.cfg.ID)
		d.rlog = logging.NewRateLimited(d.logger)
	}
}

// WithStore sets the persistence sink for descriptor snapshots.
func WithStore(store persist.Store) Option {
	return func(d *Device) {
		d.store = store
	}
}

// WithMetrics sets the metrics provider.
func WithMetrics(metrics observability.MetricsProvider) Option {
	return func(d *Device) {
		d.metrics = metrics
	}
}

// WithAvailabilityFunc sets the availability change callback. It is invoked
// from the session loop; it must not call back into the Device synchronously.
func WithAvailabilityFunc(fn AvailabilityFunc) Option {
	return func(d *Device) {
		d.availability = fn
	}
}

// WithClock replaces the session's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		d.now = now
	}
}

// WithRecorder attaches a diagnostic trace recorder.
func WithRecorder(rec *diag.Recorder) Option {
	return func(d *Device) {
		d.recorder = rec
	}
}

// Device is the session aggregate for one appliance.
type Device struct {
	cfg        config.DeviceConfig
	transports map[transport.Kind]transport.Transport

	logger       logging.Logger
	rlog         *logging.RateLimited
	metrics      observability.MetricsProvider
	store        persist.Store
	recorder     *diag.Recorder
	availability AvailabilityFunc
	now          func() time.Time

	// Loop-owned state. Touched only by the event loop goroutine.
	descriptor  *protocol.Descriptor
	replyKey    string
	confMode    string
	preferred   transport.Kind
	active      transport.Kind
	handlers    map[string]Handler
	pollTargets []pollTarget

	lastRequestAt  time.Time
	lastResponseAt time.Time
	lastPushAt     time.Time
	lastPollAt     time.Time
	retryBackoff   time.Duration
	online         bool

	needsPersist bool
	firstMessage bool
	timezoneSet  bool

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
}

// pollTarget is a namespace polled routinely, with its request payload
// template. Built once at construction and never mutated afterward.
type pollTarget struct {
	namespace string
	payload   json.RawMessage
}

type event interface{}

type tickEvent struct{ now time.Time }

type inboundEvent struct {
	msg  *protocol.Message
	kind transport.Kind
}

type submitEvent struct {
	namespace string
	method    string
	payload   json.RawMessage
	onAck     AckFunc
}

type queryEvent struct{ reply chan bool }

type reconfigureEvent struct{ cfg config.DeviceConfig }

// httpResultEvent re-enters the loop when an HTTP exchange finishes.
type httpResultEvent struct {
	request *protocol.Message
	reply   *protocol.Message
	err     error
	onAck   AckFunc
}

// New creates a session for the appliance described by cfg. Both transports
// must be provided; which one carries traffic is the session's decision.
// Capability handlers are registered before Start and the set is fixed for
// the session's lifetime.
func New(cfg config.DeviceConfig, httpT, mqttT transport.Transport, opts ...Option) (*Device, error) {
	if cfg.ID == "" {
		return nil, merosserrors.New(merosserrors.CategoryConfig, merosserrors.SeverityError, "device id is required")
	}
	if httpT == nil || mqttT == nil {
		return nil, merosserrors.New(merosserrors.CategoryConfig, merosserrors.SeverityError, "both transports are required")
	}
	if cfg.PollingPeriod < config.MinPollingPeriod {
		cfg.PollingPeriod = config.DefaultPollingPeriod
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = config.DefaultHeartbeatPeriod
	}

	d := &Device{
		cfg: cfg,
		transports: map[transport.Kind]transport.Transport{
			transport.KindHTTP: httpT,
			transport.KindMQTT: mqttT,
		},
		logger:       logging.NewNop(),
		metrics:      observability.NewNoopMetricsProvider(),
		now:          time.Now,
		confMode:     cfg.Protocol,
		handlers:     make(map[string]Handler),
		firstMessage: true,
		events:       make(chan event, eventQueueSize),
		done:         make(chan struct{}),
	}
	if d.confMode == "" {
		d.confMode = config.ProtocolAuto
	}
	d.rlog = logging.NewRateLimited(d.logger)
	d.preferred = d.derivePreferred()
	d.active = d.preferred

	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// RegisterHandler maps a capability tag to a handler. The tag may be a full
// namespace or a digest key; inbound messages try the exact namespace first,
// then its digest key. Call before Start.
func (d *Device) RegisterHandler(tag string, handler Handler) {
	d.handlers[tag] = handler
}

// Start connects both transports, warms the descriptor from the persistence
// store when a snapshot exists, and launches the session loop.
func (d *Device) Start(ctx context.Context) error {
	for _, t := range d.transports {
		t.SetMessageHandler(d.HandleInbound)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range d.transports {
		t := t
		g.Go(func() error { return t.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if d.store != nil {
		if snapshot, err := d.store.Load(ctx, d.cfg.ID); err == nil {
			if desc, derr := protocol.NewDescriptor(snapshot, nil); derr == nil {
				d.descriptor = desc
			} else {
				d.logger.Warn("ignoring unreadable persisted state", logging.ErrorField(derr))
			}
		} else if !merosserrors.Is(err, persist.ErrNotFound) {
			d.logger.Warn("persisted state load failed", logging.ErrorField(err))
		}
	}
	d.pollTargets = buildPollTargets(d.descriptor)

	go d.loop()
	return nil
}

// Close shuts the session down and releases both transports. Safe to call
// more than once.
func (d *Device) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.done) })

	var firstErr error
	for _, t := range d.transports {
		if err := t.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.recorder != nil {
		_ = d.recorder.Close()
	}
	return firstErr
}

// Tick drives the poll scheduler. Call it at a fixed cadence.
func (d *Device) Tick(now time.Time) {
	d.post(tickEvent{now: now})
}

// HandleInbound feeds one inbound message into the dispatcher. It is the
// transports' message handler and may be called from any goroutine.
func (d *Device) HandleInbound(msg *protocol.Message, kind transport.Kind) {
	d.post(inboundEvent{msg: msg, kind: kind})
}

// Submit enqueues an outbound request routed through the active transport.
// onAck may be nil.
func (d *Device) Submit(namespace, method string, payload json.RawMessage, onAck AckFunc) {
	d.post(submitEvent{namespace: namespace, method: method, payload: payload, onAck: onAck})
}

// IsOnline runs the liveness check on the session loop and returns the
// verdict. A closed session is offline.
func (d *Device) IsOnline() bool {
	reply := make(chan bool, 1)
	select {
	case d.events <- queryEvent{reply: reply}:
	case <-d.done:
		return false
	}
	select {
	case v := <-reply:
		return v
	case <-d.done:
		return false
	}
}

// Reconfigure applies a configuration change: protocol mode, polling period,
// shared key, timezone. The preferred transport is re-derived and becomes
// active again.
func (d *Device) Reconfigure(cfg config.DeviceConfig) {
	d.post(reconfigureEvent{cfg: cfg})
}

// Descriptor returns the last applied full-state snapshot, or nil before the
// first full-state response. Safe only from handler callbacks and before
// Start; the loop owns it.
func (d *Device) Descriptor() *protocol.Descriptor {
	return d.descriptor
}

// Metrics returns the session's metrics provider, a noop implementation
// unless one was injected with WithMetrics.
func (d *Device) Metrics() observability.MetricsProvider {
	return d.metrics
}

func (d *Device) post(ev event) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

func (d *Device) loop() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.events:
			switch ev := ev.(type) {
			case tickEvent:
				d.handleTick(ev.now)
			case inboundEvent:
				d.dispatch(ev.msg, ev.kind)
			case submitEvent:
				d.send(ev.namespace, ev.method, ev.payload, ev.onAck)
			case queryEvent:
				ev.reply <- d.checkOnline(d.now())
			case reconfigureEvent:
				d.applyConfig(ev.cfg)
			case httpResultEvent:
				d.handleHTTPResult(ev)
			}
		}
	}
}

func (d *Device) applyConfig(cfg config.DeviceConfig) {
	if cfg.PollingPeriod < config.MinPollingPeriod {
		cfg.PollingPeriod = config.DefaultPollingPeriod
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = config.DefaultHeartbeatPeriod
	}
	cfg.ID = d.cfg.ID
	d.cfg = cfg

	d.confMode = cfg.Protocol
	if d.confMode == "" {
		d.confMode = config.ProtocolAuto
	}
	prev := d.active
	d.preferred = d.derivePreferred()
	d.active = d.preferred
	d.timezoneSet = false
	if prev != d.active {
		d.logTransportSwitch(prev, d.active, "reconfigure")
	}
	d.logger.Info("session reconfigured",
		logging.String("protocol", d.confMode),
		logging.Duration("polling_period", cfg.PollingPeriod))
}

// buildPollTargets derives the routine poll set from the capability
// snapshot. Without a descriptor the session polls full state only. A hub
// polls its subdevice digest instead of full state; shutters add their
// position and state namespaces.
func buildPollTargets(desc *protocol.Descriptor) []pollTarget {
	if desc == nil {
		return []pollTarget{{namespace: protocol.NamespaceSystemAll}}
	}

	var targets []pollTarget
	if desc.IsHub() {
		targets = append(targets, pollTarget{namespace: protocol.NamespaceDigestHub})
	} else {
		targets = append(targets, pollTarget{namespace: protocol.NamespaceSystemAll})
	}
	if desc.HasAbility(protocol.NamespaceRollerShutterPosition) {
		targets = append(targets, pollTarget{
			namespace: protocol.NamespaceRollerShutterPosition,
			payload:   json.RawMessage(`{"position":[]}`),
		})
		targets = append(targets, pollTarget{
			namespace: protocol.NamespaceRollerShutterState,
			payload:   json.RawMessage(`{"state":[]}`),
		})
	}
	return targets
}
