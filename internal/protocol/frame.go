// Package protocol defines the event names, payload shapes and binary frame
// layout spoken between clients and the relay.
//
// Each WebSocket binary message carries exactly one frame:
//
//	len(event) (1 byte) || event || payload
//
// The payload is opaque to this package: an RSA ciphertext for exchangeKey,
// an AES-GCM envelope for encrypted events, or plain JSON for the single
// unkeyed error event.
package protocol

import (
	"errors"
	"fmt"
)

// MaxEventNameLen is the longest event name a frame can carry.
const MaxEventNameLen = 255

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is a decoded event with its raw payload.
type Frame struct {
	Event   string
	Payload []byte
}

// EncodeFrame serializes an event name and payload into a single message.
func EncodeFrame(event string, payload []byte) ([]byte, error) {
	if event == "" || len(event) > MaxEventNameLen {
		return nil, fmt.Errorf("%w: event name length %d", ErrMalformedFrame, len(event))
	}
	out := make([]byte, 0, 1+len(event)+len(payload))
	out = append(out, byte(len(event)))
	out = append(out, event...)
	out = append(out, payload...)
	return out, nil
}

// DecodeFrame splits a message into its event name and payload. The
// returned payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	n := int(data[0])
	if n == 0 {
		return Frame{}, fmt.Errorf("%w: empty event name", ErrMalformedFrame)
	}
	if len(data) < 1+n {
		return Frame{}, fmt.Errorf("%w: event name truncated", ErrMalformedFrame)
	}
	return Frame{Event: string(data[1 : 1+n]), Payload: data[1+n:]}, nil
}
