package device

import (
	"context"
	"time"

	"github.com/aicarmic/meross-lan/pkg/config"
	"github.com/aicarmic/meross-lan/pkg/protocol"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// handleTick runs one scheduler cycle. Decision order per cycle:
//
//  1. Heartbeat stall: total silence in both directions beyond the heartbeat
//     threshold gets one full-state probe and nothing else this tick. This
//     short-circuit keeps the probe from overlapping the offline backoff
//     retry below.
//  2. Online: routine polling, gated by the polling period. Polls go out
//     only on the HTTP channel and only when no push arrived within the
//     heartbeat window; a live push stream supplies fresh state by itself.
//  3. Offline: opportunistic fail-back toward a preferred pub/sub channel,
//     then a full-state retry under linear, unbounded backoff.
func (d *Device) handleTick(now time.Time) {
	if now.Sub(d.lastRequestAt) > d.cfg.HeartbeatPeriod &&
		now.Sub(d.lastResponseAt) > d.cfg.HeartbeatPeriod {
		d.requestFullState(now)
		return
	}

	if d.checkOnline(now) {
		if now.Sub(d.lastPollAt) < d.cfg.PollingPeriod {
			return
		}
		d.lastPollAt = now
		d.metrics.RecordPoll(context.Background(), d.cfg.ID)

		if d.active == transport.KindHTTP && now.Sub(d.lastPushAt) >= d.cfg.HeartbeatPeriod {
			for _, target := range d.pollTargets {
				d.sendAt(now, target.namespace, protocol.MethodGet, target.payload, nil)
			}
		}
		return
	}

	// Offline. Push arrival is the primary fail-back trigger; retry it
	// here too so a broker that recovered while we were offline gets used.
	if d.confMode == config.ProtocolAuto &&
		d.preferred == transport.KindMQTT && d.active == transport.KindHTTP {
		d.attemptFailBack()
	}

	if now.Sub(d.lastRequestAt) > d.retryBackoff {
		d.requestFullState(now)
		d.retryBackoff += d.cfg.PollingPeriod
	}
}

func (d *Device) requestFullState(now time.Time) {
	d.sendAt(now, protocol.NamespaceSystemAll, protocol.MethodGet, nil, nil)
}
