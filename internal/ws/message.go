package ws

import "github.com/msgcore/internal/events"

const (
	// Входящие от клиента.
	InTyping = "typing"
	InRead   = "read"

	EventError = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Payload        any    `json:"payload"`
}

// ErrorPayload повторяет тело ошибки REST API.
type ErrorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func outgoing(e events.Event) OutgoingMessage {
	return OutgoingMessage{Type: string(e.Type), ConversationID: e.ConversationID, Payload: e.Payload}
}
