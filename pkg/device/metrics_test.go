package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicarmic/meross-lan/pkg/config"
	"github.com/aicarmic/meross-lan/pkg/observability"
	"github.com/aicarmic/meross-lan/pkg/protocol"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// recordingMetrics captures the session-level measurements the loop emits.
// Session code calls it from the loop goroutine while tests read it, hence
// the mutex.
type recordingMetrics struct {
	observability.NoopMetricsProvider

	mu         sync.Mutex
	online     []bool
	switches   []string
	polls      int
	mismatches int
	persists   []string
}

func (m *recordingMetrics) RecordOnline(ctx context.Context, device string, online bool) {
	m.mu.Lock()
	m.online = append(m.online, online)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTransportSwitch(ctx context.Context, device, from, to, reason string) {
	m.mu.Lock()
	m.switches = append(m.switches, from+"->"+to+":"+reason)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordPoll(ctx context.Context, device string) {
	m.mu.Lock()
	m.polls++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordAuthMismatch(ctx context.Context, device string) {
	m.mu.Lock()
	m.mismatches++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordPersist(ctx context.Context, device, status string) {
	m.mu.Lock()
	m.persists = append(m.persists, status)
	m.mu.Unlock()
}

func (m *recordingMetrics) snapshot() (online []bool, switches, persists []string, polls, mismatches int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.online...), append([]string(nil), m.switches...),
		append([]string(nil), m.persists...), m.polls, m.mismatches
}

func TestSessionMetricsRecorded(t *testing.T) {
	rec := &recordingMetrics{}
	store := newCountingStore()
	f := newSession(t, config.DeviceConfig{
		Protocol: config.ProtocolAuto, Key: "secret", AuthPolicy: config.AuthFailOpen,
	}, WithMetrics(rec), WithStore(store))

	// A mismatched auth tag under fail-open is counted and still applied, so
	// the same snapshot also drives the liveness flip and the persist.
	f.dev.HandleInbound(fullStateAck(t, "wrong"), transport.KindMQTT)
	require.True(t, f.fence())

	online, switches, persists, polls, mismatches := rec.snapshot()
	assert.Equal(t, []bool{true}, online)
	assert.Empty(t, switches)
	assert.Equal(t, []string{"success"}, persists)
	assert.Equal(t, 0, polls)
	assert.Equal(t, 1, mismatches)

	// One polling cycle. The active pub/sub channel carries no poll request,
	// but the cycle itself is counted.
	f.clock.Advance(31 * time.Second)
	f.tick()
	_, _, _, polls, _ = rec.snapshot()
	assert.Equal(t, 1, polls)

	// Broker failure while submitting: exactly one transport switch.
	f.http.setReply(ackEcho(t, "secret"))
	f.mqtt.setPublishErr(errors.New("broker down"))
	f.dev.Submit(protocol.NamespaceSystemAll, protocol.MethodGet, nil, nil)
	f.fence()

	_, switches, _, _, _ = rec.snapshot()
	assert.Equal(t, []string{"mqtt->http:publish-error"}, switches)
}

func TestWithMetricsDefaultsToNoop(t *testing.T) {
	dev, err := New(config.DeviceConfig{ID: "2205"},
		newFakeHTTPTransport(), newFakeMQTTTransport())
	require.NoError(t, err)
	_, ok := dev.Metrics().(observability.NoopMetricsProvider)
	assert.True(t, ok)

	rec := &recordingMetrics{}
	dev, err = New(config.DeviceConfig{ID: "2205"},
		newFakeHTTPTransport(), newFakeMQTTTransport(), WithMetrics(rec))
	require.NoError(t, err)
	assert.Same(t, rec, dev.Metrics())
}
