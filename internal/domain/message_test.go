package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Encode(t *testing.T) {
	data, err := Message{Channel: "news", Payload: "hello"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"channel":"news","message":"hello"}`, string(data))
}

func TestMessage_EncodeDoesNotEscapeHTML(t *testing.T) {
	data, err := Message{Channel: "chat:<room>", Payload: "a & b"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"channel":"chat:<room>","message":"a & b"}`, string(data))
}

func TestMessage_EncodeEscapesJSONPayload(t *testing.T) {
	payload := `{"user":"bob","text":"hi\n"}`
	data, err := Message{Channel: "chat:1", Payload: payload}.Encode()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "chat:1", env.Channel)
	assert.Equal(t, payload, env.Message)
}
