// Package merosslan implements the session layer for Meross smart
// appliances reachable on the local network. A session speaks the device's
// signed JSON envelope over two interchangeable transports, a direct HTTP
// channel and an MQTT broker, and converges the competing signals from both
// into one consistent online/offline verdict.
//
// # Overview
//
// The module consists of several sub-packages:
//
//   - pkg/device: the session state machine (transport selection, liveness,
//     polling, dispatch)
//   - pkg/protocol: the signed message envelope and the full-state descriptor
//   - pkg/transport: the HTTP and MQTT transports plus middleware
//   - pkg/config: YAML configuration with environment overrides
//   - pkg/persist: descriptor snapshot storage (SQLite or in-memory)
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//   - pkg/diag: diagnostic traffic traces
//
// # Creating a Session
//
// The quickest path is a configuration file:
//
//	cfg, err := config.Load("meross.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session, err := merosslan.NewSession(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := session.Run(ctx, time.Second); err != nil {
//	    log.Fatal(err)
//	}
//
// Callers that need their own wiring can build the pieces directly with
// NewDevice, NewHTTPTransport and NewMQTTTransport.
//
// # Transport policy
//
// Under the default auto protocol the session prefers the HTTP channel when
// the device's LAN address is known and the broker otherwise. Delivery
// failures fail the session over to the other channel; an inbound broker
// message is the proof of reachability that fails it back. Forced http or
// mqtt modes never switch.
package merosslan
