package device

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aicarmic/meross-lan/pkg/config"
	"github.com/aicarmic/meross-lan/pkg/diag"
	merosserrors "github.com/aicarmic/meross-lan/pkg/errors"
	"github.com/aicarmic/meross-lan/pkg/logging"
	"github.com/aicarmic/meross-lan/pkg/protocol"
	"github.com/aicarmic/meross-lan/pkg/transport"
)

// signKey returns the key outbound messages are signed with. Without a
// configured shared secret the session mirrors back the device's own auth
// tag, which the appliance accepts as its reply key.
func (d *Device) signKey() string {
	if d.cfg.Key != "" {
		return d.cfg.Key
	}
	return d.replyKey
}

// sendErrorLogLevel keeps recoverable delivery errors at warning; anything
// that will not clear on its own escalates.
func sendErrorLogLevel(err error) logging.Level {
	if merosserrors.IsTransient(err) {
		return logging.WarnLevel
	}
	return logging.ErrorLevel
}

func (d *Device) send(namespace, method string, payload json.RawMessage, onAck AckFunc) {
	d.sendAt(d.now(), namespace, method, payload, onAck)
}

// sendAt builds, signs and routes one outbound request through the active
// transport. Runs on the session loop; the HTTP exchange itself happens on
// its own goroutine and re-enters the loop as an event.
func (d *Device) sendAt(now time.Time, namespace, method string, payload json.RawMessage, onAck AckFunc) {
	msg, err := protocol.NewMessage(namespace, method, payload, d.signKey())
	if err != nil {
		d.logger.Error("dropping unencodable request",
			logging.String("namespace", namespace), logging.ErrorField(err))
		return
	}

	d.lastRequestAt = now
	if d.recorder != nil {
		d.recorder.Record(diag.DirectionTX, msg)
	}

	switch d.active {
	case transport.KindHTTP:
		d.sendHTTP(msg, onAck)
	case transport.KindMQTT:
		d.publishMQTT(msg, onAck)
	}
}

// sendHTTP runs the blocking exchange off the loop. The result re-enters
// through the event queue, so only the before/after state updates are
// serialized.
func (d *Device) sendHTTP(msg *protocol.Message, onAck AckFunc) {
	t := d.transports[transport.KindHTTP]
	go func() {
		reply, err := t.SendRequest(context.Background(), msg)
		d.post(httpResultEvent{request: msg, reply: reply, err: err, onAck: onAck})
	}()
}

// publishMQTT is fire-and-forget: a delivery error is the only feedback, and
// any reply arrives later as an independent inbound event. onAck never fires
// on this path, but it rides along so a fail-over to the request/response
// channel keeps the caller's confirmation.
func (d *Device) publishMQTT(msg *protocol.Message, onAck AckFunc) {
	t := d.transports[transport.KindMQTT]
	err := t.Publish(context.Background(), msg)
	if err == nil {
		return
	}
	d.rlog.Log("mqtt-publish-error", sendErrorLogLevel(err), sendErrorLogInterval,
		"mqtt publish failed", logging.String("namespace", msg.Header.Namespace),
		logging.ErrorField(err))

	if d.confMode == config.ProtocolAuto {
		d.failOver(transport.KindHTTP, "publish-error")
		d.sendHTTP(msg, onAck)
		return
	}
	d.markOffline()
}

// handleHTTPResult processes the outcome of an HTTP exchange back on the
// loop.
func (d *Device) handleHTTPResult(ev httpResultEvent) {
	if ev.err != nil {
		d.rlog.Log("http-request-error", sendErrorLogLevel(ev.err), sendErrorLogInterval,
			"http request failed", logging.String("namespace", ev.request.Header.Namespace),
			logging.ErrorField(ev.err))

		// A broker that has delivered traffic before is worth one more
		// try. Forget the push timestamp first so a second HTTP failure
		// does not bounce back again.
		if d.confMode == config.ProtocolAuto && !d.lastPushAt.IsZero() {
			d.lastPushAt = time.Time{}
			d.failOver(transport.KindMQTT, "request-error")
			d.publishMQTT(ev.request, ev.onAck)
			return
		}
		d.markOffline()
		return
	}

	if ev.reply == nil {
		return
	}
	d.dispatch(ev.reply, transport.KindHTTP)
	if ev.onAck != nil && ev.reply.Header.Method == protocol.MethodSetAck {
		ev.onAck(ev.reply)
	}
}
