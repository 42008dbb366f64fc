package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss: ключа нет или он истёк.
var ErrCacheMiss = errors.New("cache miss")

// Cache: короткоживущий кеш (карточки справочника пользователей).
// Реализации: redis.Client, memory.Client (для -memory без Redis).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Close() error
}

// PubSub: рассылка событий между экземплярами API.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe вызывает fn для каждого сообщения канала и блокируется до отмены ctx.
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error
}
