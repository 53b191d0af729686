package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aicarmic/meross-lan/pkg/config"
	"github.com/aicarmic/meross-lan/pkg/diag"
	merosserrors "github.com/aicarmic/meross-lan/pkg/errors"
	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/protocol"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// dispatch routes one inbound message. Runs on the session loop.
func (d *Device) dispatch(msg *protocol.Message, kind transport.Kind) {
	// Under a forced HTTP override the broker's deliveries are discarded
	// entirely, so the forced channel stays the only source of state.
	if kind == transport.KindMQTT && d.confMode == config.ProtocolHTTP {
		return
	}

	now := d.now()

	// The header sign doubles as the device's auth tag; it is mirrored back
	// on outbound requests when no shared secret is configured.
	d.replyKey = msg.Header.Sign

	if d.cfg.Key != "" && !msg.Verify(d.cfg.Key) {
		d.rlog.Log("auth-mismatch", logging.WarnLevel, authMismatchLogInterval,
			"message signature does not match configured key",
			logging.String("namespace", msg.Header.Namespace),
			logging.ErrorField(merosserrors.AuthMismatch(d.cfg.ID)))
		d.metrics.RecordAuthMismatch(context.Background(), d.cfg.ID)
		if d.cfg.AuthPolicy == config.AuthFailClosed {
			return
		}
		// Fail-open: observed devices mis-encode the sign rather than
		// carry a different key, so the payload is still applied.
	}

	if d.recorder != nil {
		d.recorder.Record(diag.DirectionRX, msg)
	}

	if kind == transport.KindMQTT {
		d.lastPushAt = now
		// A broker delivery is proof the pub/sub path works again.
		if d.preferred == transport.KindMQTT && d.active != transport.KindMQTT {
			d.attemptFailBack()
		}
	}
	d.lastResponseAt = now

	// A device that announces its own departure is taken at its word;
	// availability flips without waiting out the liveness timeout.
	if msg.Header.Namespace == protocol.NamespaceSystemOnline {
		switch protocol.OnlineStatus(msg.Payload) {
		case protocol.StatusOffline, protocol.StatusNotOnline:
			d.markOffline()
			return
		}
	}

	fullState := msg.Header.Namespace == protocol.NamespaceSystemAll && msg.IsAck()
	if !d.online {
		switch {
		case fullState:
			// Online transition happens after the descriptor applies.
		case d.firstMessage:
			// Populate the descriptor before declaring availability; the
			// online transition waits for the full-state reply.
			d.firstMessage = false
			d.requestFullState(now)
			d.applyPayload(msg)
			return
		}
	}
	d.firstMessage = false

	d.applyPayload(msg)
	d.markOnline()
}

// applyPayload updates session state from the message payload. A payload
// that does not parse skips only its own application; liveness bookkeeping
// already happened.
func (d *Device) applyPayload(msg *protocol.Message) {
	ns := msg.Header.Namespace
	switch ns {
	case protocol.NamespaceSystemAll:
		if msg.IsAck() {
			d.applyFullState(msg.Payload)
		}
	case protocol.NamespaceSystemAbility:
		d.applyAbility(msg.Payload)
	default:
		d.routeToHandler(ns, msg.Payload)
	}
}

// applyFullState replaces the descriptor as a whole, diffs the identifying
// fields against the previous snapshot, and triggers the follow-ups a fresh
// snapshot can require: persistence, a timezone correction, and digest
// fan-out to capability handlers.
func (d *Device) applyFullState(payload json.RawMessage) {
	prevIP := ""
	if d.descriptor != nil {
		prevIP = d.descriptor.InnerIP()
	}

	if d.descriptor == nil {
		desc, err := protocol.NewDescriptor(payload, nil)
		if err != nil {
			d.logger.Warn("skipping malformed full-state payload", logging.ErrorField(err))
			return
		}
		d.descriptor = desc
		if len(d.pollTargets) == 0 {
			d.pollTargets = buildPollTargets(desc)
		}
	} else if err := d.descriptor.Update(payload); err != nil {
		d.logger.Warn("skipping malformed full-state payload", logging.ErrorField(err))
		return
	}

	if ip := d.descriptor.InnerIP(); ip != prevIP && ip != "" {
		d.needsPersist = true
	}
	if d.needsPersist {
		d.persistDescriptor()
	}

	d.maybeSetTimezone()

	for key, block := range d.descriptor.Digest {
		if handler, ok := d.handlers[key]; ok {
			handler(key, block)
		}
	}
}

func (d *Device) applyAbility(payload json.RawMessage) {
	desc, err := protocol.NewDescriptor(nil, payload)
	if err != nil {
		d.logger.Warn("skipping malformed ability payload", logging.ErrorField(err))
		return
	}
	if d.descriptor == nil {
		d.descriptor = desc
		return
	}
	d.descriptor.Ability = desc.Ability
}

// routeToHandler looks a namespace up in the static handler map, trying the
// exact namespace first and its digest key second. An unmapped namespace is
// a no-op, not an error.
func (d *Device) routeToHandler(namespace string, payload json.RawMessage) {
	if handler, ok := d.handlers[namespace]; ok {
		handler(namespace, payload)
		return
	}
	key := protocol.DigestKey(namespace)
	if handler, ok := d.handlers[key]; ok {
		handler(key, payload)
	}
}

// persistDescriptor writes the snapshot to the store. On failure the
// needsPersist flag stays set so the next full-state cycle retries; on
// success it clears.
func (d *Device) persistDescriptor() {
	if d.store == nil {
		d.needsPersist = false
		return
	}
	if err := d.store.Persist(context.Background(), d.cfg.ID, d.descriptor.All); err != nil {
		d.logger.Warn("descriptor persist failed", logging.ErrorField(err))
		d.metrics.RecordPersist(context.Background(), d.cfg.ID, "error")
		return
	}
	d.needsPersist = false
	d.metrics.RecordPersist(context.Background(), d.cfg.ID, "success")
}

// maybeSetTimezone pushes the configured timezone once if the device reports
// a different one.
func (d *Device) maybeSetTimezone() {
	if d.timezoneSet || d.cfg.Timezone == "" {
		return
	}
	if d.descriptor.Timezone() == d.cfg.Timezone {
		return
	}
	d.timezoneSet = true
	payload := json.RawMessage(fmt.Sprintf(`{"time":{"timezone":%q}}`, d.cfg.Timezone))
	d.send(protocol.NamespaceSystemTime, protocol.MethodSet, payload, nil)
}
