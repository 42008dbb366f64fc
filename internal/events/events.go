// Package events доставляет уведомления об изменениях бесед участникам:
// в WebSocket-хаб, через Redis другим экземплярам API и в сервис пушей.
package events

import (
	"context"
	"sync"

	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/metrics"
)

type Type string

const (
	MessageCreated      Type = "message_created"
	ConversationCreated Type = "conversation_created"
	ReactionToggled     Type = "reaction_toggled"
	ConversationRead    Type = "conversation_read"
	Typing              Type = "typing"
)

// Event — уведомление для Recipients. Payload сериализуется в JSON как есть.
type Event struct {
	Type           Type     `json:"type"`
	ConversationID string   `json:"conversationId"`
	ActorID        string   `json:"actorId"`
	Recipients     []string `json:"recipients"`
	Payload        any      `json:"payload"`
}

type ReactionPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
	Active         bool   `json:"active"`
}

type ReadPayload struct {
	ConversationID    string  `json:"conversationId"`
	UserID            string  `json:"userId"`
	LastReadMessageID *string `json:"lastReadMessageId,omitempty"`
}

type ConversationPayload struct {
	ConversationID string   `json:"conversationId"`
	Kind           string   `json:"kind"`
	Name           string   `json:"name,omitempty"`
	CreatedBy      string   `json:"createdBy"`
	MemberIDs      []string `json:"memberIds"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Sink — получатель событий (хаб, Redis, пуши).
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher рассылает событие во все sinks. Ошибка одного sink не влияет на остальные и на операцию.
type Dispatcher struct {
	mu      sync.RWMutex
	sinks   []namedSink
	metrics *metrics.Metrics
}

func NewDispatcher(m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{metrics: m}
}

func (d *Dispatcher) AddSink(name string, s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: s})
	d.mu.Unlock()
}

func (d *Dispatcher) Notify(ctx context.Context, e Event) {
	if len(e.Recipients) == 0 {
		return
	}
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()
	for _, s := range sinks {
		if err := s.sink.Deliver(ctx, e); err != nil {
			logger.Errorf("events: sink=%s type=%s conversation=%s: %v", s.name, e.Type, e.ConversationID, err)
			d.metrics.EventDropped(s.name)
		}
	}
}
