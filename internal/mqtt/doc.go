// Package mqtt runs the device-side telemetry publisher: it connects to
// an MQTT broker once, publishes a synthetic [telemetry.Sample] to
// iot/device/{id}/telemetry at a fixed interval with QoS 1, and
// disconnects exactly once when its context is cancelled or a publish
// fails.
//
// Two transports sit behind the [Conn] interface. MQTT v3.1.1, the
// default, uses the Eclipse Paho v1 client; MQTT v5 uses Eclipse Paho
// v2's low-level [paho] client over a plain TCP connection. Neither
// reconnects: a dropped connection surfaces as a publish error and ends
// the loop.
//
// When enabled in config, the publisher also maintains a retained
// online/offline status topic (with a will message for unexpected
// disconnects), sends periodic heartbeats, and logs commands received
// on the device command topic.
package mqtt
