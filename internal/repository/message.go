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

const messageCols = `id, conversation_id, sender_id, content, type, voice_duration, reply_to_id, seq, created_at`

type PgMessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *PgMessageRepository {
	return &PgMessageRepository{db: db}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.VoiceDuration, &m.ReplyToID, &m.Seq, &m.CreatedAt)
}

func (r *PgMessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, type, voice_duration, reply_to_id, seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Type, m.VoiceDuration, m.ReplyToID, m.Seq, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.db.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

func (r *PgMessageRepository) GetByIDs(ctx context.Context, ids []string) (map[string]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByIDs", time.Now())()
	out := make(map[string]model.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByIDs query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetByIDs scan: %w", err)
		}
		out[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetByIDs rows: %w", err)
	}
	return out, nil
}

// ListRecent выбирает хвост по seq DESC и разворачивает его в порядок возрастания.
func (r *PgMessageRepository) ListRecent(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListRecent", time.Now())()
	rows, err := r.db.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages
		 WHERE conversation_id = $1 AND ($2::bigint = 0 OR seq < $2)
		 ORDER BY seq DESC
		 LIMIT $3`, conversationID, beforeSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListRecent query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListRecent scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListRecent rows: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *PgMessageRepository) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	defer logger.DeferLogDuration("msg.UnreadCounts", time.Now())()
	rows, err := r.db.Query(ctx,
		`SELECT m.conversation_id, COUNT(*)
		 FROM messages m
		 JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = $1
		 WHERE m.seq > cm.last_read_seq AND m.sender_id <> $1
		 GROUP BY m.conversation_id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadCounts query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int, 16)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("msgRepo.UnreadCounts scan: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadCounts rows: %w", err)
	}
	return out, nil
}
