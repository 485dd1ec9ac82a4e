package protocol

import "time"

// Client to server events.
const (
	EventExchangeKey = "exchangeKey"
	EventCreate      = "create"
	EventJoin        = "join"
	EventSend        = "send"
)

// Server to client events.
const (
	EventExchangeKeySuccess = "exchangeKeySuccess"
	EventChatCreated        = "chatCreated"
	EventChatJoined         = "chatJoined"
	EventSomeoneJoined      = "someoneJoined"
	EventReceiveMessage     = "receiveMessage"
	EventSomeoneLeft        = "someoneLeft"
	EventError              = "error"
)

// KeyExchangeAck is sealed under a freshly established session key.
type KeyExchangeAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CreateRequest asks for a new room with the requester as its first member.
type CreateRequest struct {
	Handle   string `json:"handle"`
	RoomName string `json:"roomName"`
}

// JoinRequest asks to join an existing room.
type JoinRequest struct {
	RoomID string `json:"roomId"`
	Handle string `json:"handle"`
}

// SendRequest posts a message to a room the sender belongs to.
type SendRequest struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// Member is a room member as seen by clients.
type Member struct {
	Handle   string    `json:"handle"`
	SID      string    `json:"sid"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomDescriptor is returned by chatCreated, chatJoined and someoneJoined.
// Handle is the requester for create/join and the joiner for someoneJoined.
type RoomDescriptor struct {
	RoomID      string    `json:"roomId"`
	RoomName    string    `json:"roomName"`
	Handle      string    `json:"handle"`
	CreatedAt   time.Time `json:"createdAt"`
	MemberCount int       `json:"memberCount"`
	Members     []Member  `json:"members"`
}

// MessageEvent is delivered to every member of a room, sender included.
type MessageEvent struct {
	Message      string    `json:"message"`
	SenderHandle string    `json:"senderHandle"`
	SenderID     string    `json:"senderId"`
	RoomID       string    `json:"roomId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// LeftEvent tells remaining members that a connection has left a room.
type LeftEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// ErrorEvent carries a short human-readable failure description.
type ErrorEvent struct {
	Message string `json:"message"`
}
