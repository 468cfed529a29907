package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is a single payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload string
}

// Envelope is the wire shape sent to every WebSocket client.
type Envelope struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// Envelope returns the wire representation of the message.
func (m Message) Envelope() Envelope {
	return Envelope{Channel: m.Channel, Message: m.Payload}
}

// Encode serializes the message as {"channel":"...","message":"..."}.
// HTML characters are written verbatim and no trailing newline is emitted.
func (m Message) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m.Envelope()); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
