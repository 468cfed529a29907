// Package broadcast implements the fan-out core of the relay.
//
// A single Bus owns the registry of live subscriber handles. Publish snapshots the
// registry and pushes the message into each handle's bounded ring queue; a full queue
// evicts its oldest entry (drop-oldest), so a lagging client loses history but never
// stalls the publisher or any other client. Each handle is drained by exactly one
// forwarder.
package broadcast
