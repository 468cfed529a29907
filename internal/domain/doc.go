// Package domain holds the message types shared by the Redis reader, the broadcast bus
// and the WebSocket forwarders, plus the sentinel errors they return.
package domain
