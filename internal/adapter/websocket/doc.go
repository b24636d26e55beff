// Package websocket accepts WebSocket upgrades, applies admission control and
// registers each connection with the broadcast registry.
package websocket
