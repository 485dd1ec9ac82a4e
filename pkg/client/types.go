package client

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Config describes how to reach a relay server.
type Config struct {
	// BaseURL is the server's HTTP root, e.g. "http://localhost:8080".
	BaseURL string
	// Origin is sent on the WebSocket handshake. Defaults to BaseURL.
	Origin string
	// HTTPClient fetches the public key. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	// ReadLimit caps inbound message size; 0 keeps the library default.
	ReadLimit int64
	Logger    *zap.Logger
}

// Event is one decoded server event.
type Event struct {
	Name string
	// Payload is the JSON body, already decrypted when Encrypted is true.
	Payload   []byte
	Encrypted bool
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// ServerError is an "error" event returned in place of an expected event.
type ServerError struct {
	Message   string
	Encrypted bool
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
