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

const conversationCols = `id, kind, COALESCE(name, ''), direct_key, created_by, last_message_id, last_seq, created_at, updated_at`

type PgConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *PgConversationRepository {
	return &PgConversationRepository{db: db}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Kind, &c.Name, &c.DirectKey, &c.CreatedBy, &c.LastMessageID, &c.LastSeq, &c.CreatedAt, &c.UpdatedAt)
}

// Create для личной беседы опирается на UNIQUE(direct_key): конкурентная вставка той же пары
// ждёт коммита первой и ничего не вставляет.
func (r *PgConversationRepository) Create(ctx context.Context, c *model.Conversation) (bool, error) {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	var name *string
	if c.Name != "" {
		name = &c.Name
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO conversations (id, kind, name, direct_key, created_by, last_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		 ON CONFLICT (direct_key) DO NOTHING`,
		c.ID, c.Kind, name, c.DirectKey, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrConflict
		}
		return false, fmt.Errorf("convRepo.Create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	c.UpdatedAt = c.CreatedAt
	return true, nil
}

func (r *PgConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := scanConversation(r.db.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *PgConversationRepository) GetByDirectKey(ctx context.Context, key string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByDirectKey", time.Now())()
	c := &model.Conversation{}
	err := scanConversation(r.db.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations WHERE direct_key = $1`, key), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByDirectKey: %w", err)
	}
	return c, nil
}

func (r *PgConversationRepository) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.ListForUser", time.Now())()
	rows, err := r.db.Query(ctx,
		`SELECT c.id, c.kind, COALESCE(c.name, ''), c.direct_key, c.created_by, c.last_message_id, c.last_seq, c.created_at, c.updated_at
		 FROM conversations c
		 JOIN conversation_members cm ON cm.conversation_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.updated_at DESC, c.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convRepo.ListForUser scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser rows: %w", err)
	}
	return convs, nil
}

func (r *PgConversationRepository) AddMembers(ctx context.Context, members []model.Member) error {
	defer logger.DeferLogDuration("conv.AddMembers", time.Now())()
	for _, m := range members {
		_, err := r.db.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, joined_at)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			m.ConversationID, m.UserID, m.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("convRepo.AddMembers: %w", err)
		}
	}
	return nil
}

func (r *PgConversationRepository) GetMember(ctx context.Context, conversationID, userID string) (*model.Member, error) {
	defer logger.DeferLogDuration("conv.GetMember", time.Now())()
	m := &model.Member{}
	err := r.db.QueryRow(ctx,
		`SELECT conversation_id, user_id, joined_at, last_read_message_id, last_read_seq
		 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&m.ConversationID, &m.UserID, &m.JoinedAt, &m.LastReadMessageID, &m.LastReadSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetMember: %w", err)
	}
	return m, nil
}

func (r *PgConversationRepository) ListMembers(ctx context.Context, conversationIDs []string) (map[string][]model.Member, error) {
	defer logger.DeferLogDuration("conv.ListMembers", time.Now())()
	out := make(map[string][]model.Member, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, user_id, joined_at, last_read_message_id, last_read_seq
		 FROM conversation_members
		 WHERE conversation_id = ANY($1::uuid[])
		 ORDER BY joined_at, user_id`, conversationIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListMembers query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.JoinedAt, &m.LastReadMessageID, &m.LastReadSeq); err != nil {
			return nil, fmt.Errorf("convRepo.ListMembers scan: %w", err)
		}
		out[m.ConversationID] = append(out[m.ConversationID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListMembers rows: %w", err)
	}
	return out, nil
}

// NextSeq: UPDATE берёт блокировку строки беседы, поэтому seq выдаются без пропусков и дублей.
func (r *PgConversationRepository) NextSeq(ctx context.Context, conversationID string) (int64, time.Time, error) {
	defer logger.DeferLogDuration("conv.NextSeq", time.Now())()
	var (
		seq  int64
		last time.Time
	)
	err := r.db.QueryRow(ctx,
		`UPDATE conversations SET last_seq = last_seq + 1
		 WHERE id = $1
		 RETURNING last_seq, updated_at`, conversationID,
	).Scan(&seq, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("convRepo.NextSeq: %w", err)
	}
	return seq, last, nil
}

func (r *PgConversationRepository) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("conv.SetLastMessage", time.Now())()
	tag, err := r.db.Exec(ctx,
		`UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1`,
		conversationID, messageID, at,
	)
	if err != nil {
		return fmt.Errorf("convRepo.SetLastMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
