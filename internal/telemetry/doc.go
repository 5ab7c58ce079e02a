// Package telemetry publishes Home Assistant style MQTT discovery
// messages and retained scalar state for campaign measurement results,
// so a running campaign's latest readings appear as native HA sensors
// on whatever broker the test bench already uses.
//
// Unlike the rest of the pipeline's sinks, this one is entirely
// optional and best-effort: a broker that is unreachable degrades to
// dropped publishes, never a stalled campaign. One discovery message
// is published per measurement label the first time that label is
// seen, then state is republished (retained) every time the DataLogger
// flushes a record containing it.
//
// The publisher uses Eclipse Paho v2's autopaho package for connection
// management with automatic reconnection. A will message ensures the
// availability topic transitions to "offline" on unexpected disconnects.
package telemetry
