package websocket

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MessageType distinguishes the purpose of a socket message
type MessageType int

const (
	// Update is broadcast to every client when a job changes
	Update MessageType = iota
	// Command is the only type a client may send
	Command
	Response
	ErrorResponse
	// Welcome carries the initial job index to a newly connected client
	Welcome
)

const (
	TitleConnected      = "CONNECTION_ESTABLISHED"
	TitleCommandSuccess = "COMMAND_SUCCESS"
	TitleCommandFailure = "COMMAND_FAILURE"
)

var ErrInvalidArgument = errors.New("invalid command argument")

// SocketMessage is a single frame on the activity socket. Replies to a
// command reuse its ID so the client can pair them. Origin and Target
// identify the socket client a message came from or is addressed to; a
// message without a Target is broadcast to every client.
type SocketMessage struct {
	Title  string         `json:"title"`
	Body   map[string]any `json:"arguments"`
	ID     int            `json:"id"`
	Type   MessageType    `json:"type"`
	Origin *uuid.UUID     `json:"-"`
	Target *uuid.UUID     `json:"-"`
}

// StringArgument returns the non-empty string argument stored under key
func (message *SocketMessage) StringArgument(key string) (string, error) {
	value, ok := message.Body[key]
	if !ok {
		return "", fmt.Errorf("%w: '%s' is missing", ErrInvalidArgument, key)
	}

	str, ok := value.(string)
	if !ok || str == "" {
		return "", fmt.Errorf("%w: '%s' must be a non-empty string, got %#v", ErrInvalidArgument, key, value)
	}

	return str, nil
}

// JobIDArgument returns the ID of the job a command refers to, which
// clients send as the 'id' argument.
func (message *SocketMessage) JobIDArgument() (uuid.UUID, error) {
	raw, err := message.StringArgument("id")
	if err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: 'id' is not a job ID: %v", ErrInvalidArgument, err)
	}

	return id, nil
}

// Reply returns a successful Response to this command carrying the payload
func (message *SocketMessage) Reply(payload any) *SocketMessage {
	return message.FormReply(TitleCommandSuccess, map[string]any{"payload": payload}, Response)
}

// FormReply returns a new message addressed to the sender of this one,
// with the same ID. The original arguments are echoed under 'command'.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]any, replyType MessageType) *SocketMessage {
	if replyBody != nil {
		replyBody["command"] = message.Body
	}

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		ID:     message.ID,
		Target: message.Origin,
	}
}
