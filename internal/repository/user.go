package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/model"
)

// PgUserDirectory читает таблицу users подсистемы идентификации. Записи здесь не меняются.
type PgUserDirectory struct {
	db DBTX
}

func NewUserDirectory(db DBTX) *PgUserDirectory {
	return &PgUserDirectory{db: db}
}

// Lookup возвращает найденных пользователей; отсутствующие id в результат не попадают.
func (r *PgUserDirectory) Lookup(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	defer logger.DeferLogDuration("user.Lookup", time.Now())()
	out := make(map[string]model.UserPublic, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, COALESCE(full_name, ''), COALESCE(email, ''), COALESCE(avatar_url, '')
		 FROM users WHERE id = ANY($1::uuid[])`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("userDir.Lookup query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.FullName, &u.Email, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("userDir.Lookup scan: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userDir.Lookup rows: %w", err)
	}
	return out, nil
}
