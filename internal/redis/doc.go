// Package redis is the relay's subscription source.
//
// NewClient connects with a bounded retry, Subscribe issues one PSUBSCRIBE for all
// configured patterns, and Reader turns the subscription into domain messages published
// on the broadcast bus.
//
// The reader retries a failed receive immediately. Only consecutive transport failures
// count toward the circuit breaker; once it opens, the reader pauses for the breaker
// timeout before trying again. Malformed payloads are skipped and never count.
package redis
