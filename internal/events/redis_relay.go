package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/storage"
)

const relayChannel = "events"

// RedisRelay публикует события в общий канал; Run на каждом экземпляре доставляет их в локальный sink.
type RedisRelay struct {
	ps    storage.PubSub
	local Sink
}

func NewRedisRelay(ps storage.PubSub, local Sink) *RedisRelay {
	return &RedisRelay{ps: ps, local: local}
}

type wireEvent struct {
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversationId"`
	ActorID        string          `json:"actorId"`
	Recipients     []string        `json:"recipients"`
	Payload        json.RawMessage `json:"payload"`
}

func (r *RedisRelay) Deliver(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("relay marshal: %w", err)
	}
	return r.ps.Publish(ctx, relayChannel, data)
}

// Run блокируется до отмены ctx.
func (r *RedisRelay) Run(ctx context.Context) error {
	return r.ps.Subscribe(ctx, relayChannel, func(payload []byte) {
		var w wireEvent
		if err := json.Unmarshal(payload, &w); err != nil {
			logger.Errorf("relay unmarshal: %v", err)
			return
		}
		e := Event{
			Type:           w.Type,
			ConversationID: w.ConversationID,
			ActorID:        w.ActorID,
			Recipients:     w.Recipients,
			Payload:        w.Payload,
		}
		if err := r.local.Deliver(ctx, e); err != nil {
			logger.Errorf("relay deliver type=%s: %v", e.Type, err)
		}
	})
}
