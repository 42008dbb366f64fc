package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/model"
)

type PgReactionRepository struct {
	db DBTX
}

func NewReactionRepository(db DBTX) *PgReactionRepository {
	return &PgReactionRepository{db: db}
}

func (r *PgReactionRepository) Toggle(ctx context.Context, messageID, userID, emoji string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("reaction.Toggle", time.Now())()
	tag, err := r.db.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Toggle delete: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		messageID, userID, emoji, at,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Toggle insert: %w", err)
	}
	return true, nil
}

// Summaries группирует реакции по emoji в порядке первой реакции.
func (r *PgReactionRepository) Summaries(ctx context.Context, messageIDs []string, viewerID string) (map[string][]model.ReactionSummary, error) {
	defer logger.DeferLogDuration("reaction.Summaries", time.Now())()
	out := make(map[string][]model.ReactionSummary, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT message_id, emoji, COUNT(*), BOOL_OR(user_id = $2)
		 FROM message_reactions
		 WHERE message_id = ANY($1::uuid[])
		 GROUP BY message_id, emoji
		 ORDER BY message_id, MIN(created_at), emoji`, messageIDs, viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.Summaries query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID string
			s         model.ReactionSummary
		)
		if err := rows.Scan(&messageID, &s.Emoji, &s.Count, &s.ByMe); err != nil {
			return nil, fmt.Errorf("reactionRepo.Summaries scan: %w", err)
		}
		out[messageID] = append(out[messageID], s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.Summaries rows: %w", err)
	}
	return out, nil
}
