package chat

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrSenderNotInRoom = errors.New("sender is not a member of the room")
	ErrAlreadyMember   = errors.New("connection is already a member of the room")
	ErrInvalidRequest  = errors.New("invalid request")
)
