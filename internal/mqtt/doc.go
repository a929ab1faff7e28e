// Package mqtt publishes the agent's presence, a retained telemetry
// snapshot, and proactive alerts to an MQTT broker.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic; a will message flips the topic to "offline" on
// unexpected disconnects. Topics live under
// <topic_prefix>/<client_id>/.
package mqtt
