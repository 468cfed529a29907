// Package websocket serves relay clients over WebSocket.
//
// Acceptor admits and upgrades connections and registers a bus handle for each.
// Forwarder drains that handle into the connection, one text frame per message,
// and is the only writer on it. ConnectionLimits caps concurrent connections
// globally and per address and rate-limits new connections per address.
package websocket
