package model

import "time"

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

func (k ConversationKind) Valid() bool {
	return k == ConversationDirect || k == ConversationGroup
}

type Conversation struct {
	ID            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Name          string           `json:"name"`
	DirectKey     *string          `json:"-"`
	CreatedBy     string           `json:"createdBy"`
	LastMessageID *string          `json:"lastMessageId,omitempty"`
	LastSeq       int64            `json:"lastSeq"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Member — участник беседы; LastReadMessageID/LastReadSeq: его watermark прочитанного.
type Member struct {
	ConversationID    string    `json:"conversationId"`
	UserID            string    `json:"userId"`
	JoinedAt          time.Time `json:"joinedAt"`
	LastReadMessageID *string   `json:"lastReadMessageId,omitempty"`
	LastReadSeq       int64     `json:"lastReadSeq"`
}

// DirectKey — ключ уникальности личной беседы для неупорядоченной пары участников.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

type MessagePreview struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Text      string      `json:"text"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ConversationSummary — элемент списка бесед с точки зрения конкретного участника.
type ConversationSummary struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	IsGroup        bool             `json:"isGroup"`
	Name           string           `json:"name"`
	LastMessage    *MessagePreview  `json:"lastMessage,omitempty"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
	Members        []UserPublic     `json:"members"`
	UnreadCount    int              `json:"unreadCount"`
	CreatedAt      time.Time        `json:"createdAt"`
}

type ReadState struct {
	ConversationID    string  `json:"conversationId"`
	UserID            string  `json:"userId"`
	LastReadMessageID *string `json:"lastReadMessageId,omitempty"`
	LastReadSeq       int64   `json:"lastReadSeq"`
	Advanced          bool    `json:"advanced"`
}
