// Package mqtt bridges the loop's event bus to an MQTT broker.
//
// Every forwarded event is published as JSON to
// <topic_prefix>/<device>/events/<source>/<kind>. Alongside the event
// stream the bridge maintains a small set of Home Assistant sensors
// (turns, tokens and tool calls today, breaker trips, last model) so a
// running loop shows up as a device with availability tracking.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the bridge publishes retained discovery configs and
// an "online" birth message; a will message flips availability to
// "offline" on unexpected disconnects.
package mqtt
