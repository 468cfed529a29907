// Package server is the relay's HTTP front door, built on Echo.
//
// It routes WebSocket upgrades on "/" and "/ws" to the acceptor and exposes
// /health/live, /health/ready, /version and /metrics.
package server
