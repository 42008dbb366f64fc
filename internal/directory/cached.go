// Package directory — обращения к внешнему справочнику пользователей с кешем карточек.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/model"
	"github.com/msgcore/internal/repository"
	"github.com/msgcore/internal/storage"
)

const keyPrefix = "user:"

// Cached кеширует карточки пользователей на ttl. Ошибки кеша не мешают чтению из справочника.
type Cached struct {
	next  repository.UserDirectory
	cache storage.Cache
	ttl   time.Duration
}

func NewCached(next repository.UserDirectory, cache storage.Cache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{next: next, cache: cache, ttl: ttl}
}

func (c *Cached) Lookup(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	out := make(map[string]model.UserPublic, len(ids))
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		raw, err := c.cache.Get(ctx, keyPrefix+id)
		if err != nil {
			if !errors.Is(err, storage.ErrCacheMiss) {
				logger.Warnf("directory cache get %s: %v", id, err)
			}
			missing = append(missing, id)
			continue
		}
		var u model.UserPublic
		if err := json.Unmarshal(raw, &u); err != nil {
			missing = append(missing, id)
			continue
		}
		out[id] = u
	}
	if len(missing) == 0 {
		return out, nil
	}

	found, err := c.next.Lookup(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, u := range found {
		out[id] = u
		raw, err := json.Marshal(u)
		if err != nil {
			continue
		}
		if err := c.cache.Set(ctx, keyPrefix+id, raw, c.ttl); err != nil {
			logger.Warnf("directory cache set %s: %v", id, err)
		}
	}
	return out, nil
}
