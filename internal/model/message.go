package model

import "time"

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageVoice MessageType = "voice"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageVoice:
		return true
	}
	return false
}

// Message — сообщение беседы. Seq строго возрастает внутри беседы и разрешает равные CreatedAt.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Content        string            `json:"content"`
	Type           MessageType       `json:"type"`
	VoiceDuration  *int              `json:"voiceDuration,omitempty"`
	ReplyToID      *string           `json:"replyToId,omitempty"`
	Seq            int64             `json:"seq"`
	CreatedAt      time.Time         `json:"createdAt"`
	IsMine         bool              `json:"isMine"`
	Sender         *UserPublic       `json:"sender,omitempty"`
	ReplyTo        *ReplyQuote       `json:"replyTo,omitempty"`
	Reactions      []ReactionSummary `json:"reactions"`
}

type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReactionSummary — реакции одного emoji на сообщение; ByMe: реагировал ли смотрящий.
type ReactionSummary struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	ByMe  bool   `json:"byMe"`
}

// ReplyQuote — краткая цитата сообщения, на которое отвечают.
type ReplyQuote struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
}

// PreviewText — текст для списка бесед и пушей.
func (m *Message) PreviewText() string {
	switch m.Type {
	case MessageVoice:
		return "Voice message"
	case MessageImage:
		return "Image"
	case MessageFile:
		return "File"
	}
	return m.Content
}

func (m *Message) Preview() *MessagePreview {
	return &MessagePreview{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.PreviewText(),
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}
