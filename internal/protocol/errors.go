package protocol

// Kind classifies a failure reported back to a connection.
type Kind uint8

const (
	KindInternal Kind = iota
	KindKeyNotEstablished
	KindDecryptionFailure
	KindMalformedPayload
	KindRoomNotFound
	KindSenderNotInRoom
	KindAlreadyMember
	KindUnknownEvent
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindKeyNotEstablished: "key_not_established",
	KindDecryptionFailure: "decryption_failure",
	KindMalformedPayload:  "malformed_payload",
	KindRoomNotFound:      "room_not_found",
	KindSenderNotInRoom:   "sender_not_in_room",
	KindAlreadyMember:     "already_member",
	KindUnknownEvent:      "unknown_event",
	KindRateLimited:       "rate_limited",
}

var kindMessages = map[Kind]string{
	KindInternal:          "Internal server error.",
	KindKeyNotEstablished: "Session key not established!",
	KindDecryptionFailure: "Unable to decrypt payload.",
	KindMalformedPayload:  "Malformed payload.",
	KindRoomNotFound:      "Room does not exist.",
	KindSenderNotInRoom:   "You are not a member of this room.",
	KindAlreadyMember:     "You are already in this chat.",
	KindUnknownEvent:      "Unknown event.",
	KindRateLimited:       "Too many requests, slow down.",
}

// String returns a stable label usable in logs and metrics.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindInternal]
}

// UserMessage returns the text sent to the client for k. It never includes
// payload or key material.
func (k Kind) UserMessage() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindInternal]
}
