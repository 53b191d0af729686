package device

import (
	"context"
	"time"

	"github.com/aicarmic/meross-lan/pkg/config"
	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// checkOnline evaluates the liveness verdict at time now. It runs on the
// session loop. The ordering is load-bearing: the grace period is checked
// before the one-shot fail-over, and the fail-over before declaring offline,
// so a stalled pub/sub path gets exactly one alternate-channel attempt
// before the device is marked unreachable.
func (d *Device) checkOnline(now time.Time) bool {
	if !d.online {
		return false
	}

	// Grace period: a fresher response than the last request, or an
	// outstanding request younger than the polling period, is not failure.
	if d.lastResponseAt.After(d.lastRequestAt) {
		return true
	}
	if now.Sub(d.lastRequestAt) < d.cfg.PollingPeriod {
		return true
	}

	// The push path may be stalled. Try the direct channel once before
	// giving up; the next check lands in the offline branch if it also
	// stays silent.
	if d.active == transport.KindMQTT && d.confMode == config.ProtocolAuto {
		d.failOver(transport.KindHTTP, "liveness-stall")
		return true
	}

	d.markOffline()
	return false
}

// markOnline is idempotent. It resets the offline retry backoff and notifies
// dependents of the availability change.
func (d *Device) markOnline() {
	if d.online {
		return
	}
	d.online = true
	d.retryBackoff = 0
	d.logger.Info("device online", logging.String("transport", string(d.active)))
	d.metrics.RecordOnline(context.Background(), d.cfg.ID, true)
	if d.recorder != nil {
		d.recorder.RecordEvent("liveness", "online")
	}
	if d.availability != nil {
		d.availability(true)
	}
}

// markOffline is idempotent. Capability state becomes unavailable for the
// dependents; the retry backoff restarts from zero.
func (d *Device) markOffline() {
	if !d.online {
		return
	}
	d.online = false
	d.retryBackoff = 0
	d.logger.Warn("device offline")
	d.metrics.RecordOnline(context.Background(), d.cfg.ID, false)
	if d.recorder != nil {
		d.recorder.RecordEvent("liveness", "offline")
	}
	if d.availability != nil {
		d.availability(false)
	}
}
