package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/model"
)

type PgReadStateRepository struct {
	db DBTX
}

func NewReadStateRepository(db DBTX) *PgReadStateRepository {
	return &PgReadStateRepository{db: db}
}

// Advance обновляет строку участника, только если в беседе есть сообщения новее его watermark.
func (r *PgReadStateRepository) Advance(ctx context.Context, conversationID, userID string) (*model.ReadState, error) {
	defer logger.DeferLogDuration("readState.Advance", time.Now())()
	rs := &model.ReadState{ConversationID: conversationID, UserID: userID}
	err := r.db.QueryRow(ctx,
		`UPDATE conversation_members cm
		 SET last_read_message_id = c.last_message_id, last_read_seq = c.last_seq
		 FROM conversations c
		 WHERE c.id = cm.conversation_id
		   AND cm.conversation_id = $1 AND cm.user_id = $2
		   AND c.last_message_id IS NOT NULL
		   AND c.last_seq > cm.last_read_seq
		 RETURNING cm.last_read_message_id, cm.last_read_seq`,
		conversationID, userID,
	).Scan(&rs.LastReadMessageID, &rs.LastReadSeq)
	if err == nil {
		rs.Advanced = true
		return rs, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("readStateRepo.Advance: %w", err)
	}

	err = r.db.QueryRow(ctx,
		`SELECT last_read_message_id, last_read_seq FROM conversation_members
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&rs.LastReadMessageID, &rs.LastReadSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("readStateRepo.Advance current: %w", err)
	}
	return rs, nil
}
