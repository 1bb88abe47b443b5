// Package mqtt mirrors engine telemetry to an MQTT broker. When
// enabled, the engine publishes a retained availability flag, every
// internal bus event under a per-kind topic, and periodic state
// counters (uptime, active sessions, quota usage), so external
// dashboards can observe a fleet of engines without polling the HTTP
// API.
//
// The mirror uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. A will message flips the
// availability topic to "offline" on unexpected disconnects; on every
// (re-)connect "online" is republished.
package mqtt
