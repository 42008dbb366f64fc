package repository

import (
	"context"
	"errors"
	"time"

	"github.com/msgcore/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ConversationRepository: беседы и их участники.
type ConversationRepository interface {
	// Create вставляет беседу. Для личной беседы с уже занятым direct_key возвращает created=false без ошибки.
	Create(ctx context.Context, c *model.Conversation) (created bool, err error)
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	GetByDirectKey(ctx context.Context, key string) (*model.Conversation, error)
	// ListForUser: беседы участника по убыванию updated_at.
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	AddMembers(ctx context.Context, members []model.Member) error
	GetMember(ctx context.Context, conversationID, userID string) (*model.Member, error)
	ListMembers(ctx context.Context, conversationIDs []string) (map[string][]model.Member, error)
	// NextSeq выделяет следующий номер сообщения и блокирует строку беседы до конца транзакции.
	// lastActivity: updated_at беседы до выделения.
	NextSeq(ctx context.Context, conversationID string) (seq int64, lastActivity time.Time, err error)
	SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
}

type MessageRepository interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]model.Message, error)
	// ListRecent возвращает последние limit сообщений с seq < beforeSeq (0: без границы) по возрастанию.
	ListRecent(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error)
	// UnreadCounts: число чужих сообщений после watermark пользователя, по беседам.
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)
}

type ReactionRepository interface {
	// Toggle удаляет реакцию, если она есть, иначе добавляет. active: есть ли реакция после вызова.
	Toggle(ctx context.Context, messageID, userID, emoji string, at time.Time) (active bool, err error)
	Summaries(ctx context.Context, messageIDs []string, viewerID string) (map[string][]model.ReactionSummary, error)
}

type ReadStateRepository interface {
	// Advance переносит watermark участника на последнее сообщение беседы, только вперёд.
	Advance(ctx context.Context, conversationID, userID string) (*model.ReadState, error)
}

// UserDirectory: внешний справочник пользователей, только чтение.
type UserDirectory interface {
	Lookup(ctx context.Context, ids []string) (map[string]model.UserPublic, error)
}

// Repos: репозитории, привязанные к одной транзакции.
type Repos struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	Reactions     ReactionRepository
	ReadState     ReadStateRepository
}

// Store выполняет fn атомарно: при ошибке fn все изменения откатываются.
type Store interface {
	InTx(ctx context.Context, fn func(r Repos) error) error
}
