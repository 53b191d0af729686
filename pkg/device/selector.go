package device

import (
	"context"

	"github.com/aicarmic/meross-lan/pkg/config"
	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// derivePreferred computes the preferred transport from the configured
// protocol mode. Under auto a known LAN address makes the direct HTTP
// channel preferred; without one the broker is the only path.
func (d *Device) derivePreferred() transport.Kind {
	switch d.confMode {
	case config.ProtocolHTTP:
		return transport.KindHTTP
	case config.ProtocolMQTT:
		return transport.KindMQTT
	}
	if d.cfg.Host != "" {
		return transport.KindHTTP
	}
	return transport.KindMQTT
}

// failOver switches the active transport. Only valid under auto mode; forced
// modes never switch.
func (d *Device) failOver(to transport.Kind, reason string) {
	if d.confMode != config.ProtocolAuto || d.active == to {
		return
	}
	from := d.active
	d.active = to
	d.logTransportSwitch(from, to, reason)
}

// attemptFailBack returns to the preferred transport while failed over.
// Called when a pub/sub message proves the preferred channel reachable, and
// opportunistically from the offline branch of the scheduler.
func (d *Device) attemptFailBack() {
	if d.confMode != config.ProtocolAuto || d.active == d.preferred {
		return
	}
	from := d.active
	d.active = d.preferred
	d.logTransportSwitch(from, d.preferred, "fail-back")
}

func (d *Device) logTransportSwitch(from, to transport.Kind, reason string) {
	d.logger.Info("switching transport",
		logging.String("from", string(from)),
		logging.String("to", string(to)),
		logging.String("reason", reason))
	d.metrics.RecordTransportSwitch(context.Background(), d.cfg.ID, string(from), string(to), reason)
	if d.recorder != nil {
		d.recorder.RecordEvent("transport", string(from)+"->"+string(to)+" ("+reason+")")
	}
}
