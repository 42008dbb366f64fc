package ws

import (
	"context"
	"sync"
	"time"

	"github.com/msgcore/internal/apperror"
	"github.com/msgcore/internal/events"
	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/metrics"
	"github.com/msgcore/internal/model"
)

// Actions: операции, которые клиент может вызвать через сокет.
type Actions interface {
	Typing(ctx context.Context, requesterID, conversationID string) error
	MarkRead(ctx context.Context, requesterID, conversationID string) (model.ReadState, error)
}

type Options struct {
	MaxConns       int
	SendBufferSize int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	return o
}

// Hub держит соединения пользователей этого экземпляра и доставляет им события.
// Реализует events.Sink.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	opts       Options
	actions    Actions
	metrics    *metrics.Metrics
	register   chan *Client
	unregister chan *Client
	// stopping закрывается перед отключением клиентов: после этого Register и Unregister
	// не ждут Run, который уже не читает каналы.
	stopping chan struct{}
	done     chan struct{}
}

func NewHub(actions Actions, opts Options, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		opts:       opts.withDefaults(),
		actions:    actions,
		metrics:    m,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			close(h.stopping)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Done закрывается, когда Run завершился и все клиенты отключены.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) shutdown() {
	// Клиентов собираем под блокировкой, закрываем уже без неё.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
		h.metrics.WSDisconnected()
	}
	// Клиенты, которые успели встать в очередь регистрации, в карту не попали.
	pending := h.drainRegister()
	for _, c := range pending {
		c.Close()
	}
	for _, c := range append(allClients, pending...) {
		c.Wait()
	}
}

func (h *Hub) drainRegister() []*Client {
	var out []*Client
	for {
		select {
		case c := <-h.register:
			out = append(out, c)
		default:
			return out
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	h.metrics.WSConnected()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	h.metrics.WSDisconnected()

	// Сетевой ввод-вывод вне блокировки.
	c.Close()
}

// Connected: число соединений пользователя на этом экземпляре.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Deliver отправляет событие всем соединениям получателей. Медленные клиенты отключаются, ошибки нет.
func (h *Hub) Deliver(_ context.Context, e events.Event) error {
	out := outgoing(e)
	for _, uid := range e.Recipients {
		h.sendToUser(uid, out)
	}
	return nil
}

// HandleMessage выполняет входящее сообщение клиента. Ошибка уходит ему же кадром error.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.HandleMessage "+msg.Type, time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch msg.Type {
	case InTyping:
		err = h.actions.Typing(ctx, c.userID, msg.ConversationID)
	case InRead:
		_, err = h.actions.MarkRead(ctx, c.userID, msg.ConversationID)
	default:
		err = apperror.InvalidArgument("unknown event type")
	}
	if err != nil {
		h.sendToClient(c, OutgoingMessage{
			Type:           EventError,
			ConversationID: msg.ConversationID,
			Payload:        ErrorPayload{Error: apperror.MessageOf(err), Kind: string(apperror.KindOf(err))},
		})
	}
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Буфер отправки полон: медленного клиента отключаем.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

// Register добавляет клиента. После остановки хаба клиент сразу закрывается.
func (h *Hub) Register(c *Client) {
	select {
	case <-h.stopping:
		c.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.stopping:
		c.Close()
	}
}

// Unregister не блокируется после остановки хаба: shutdown сам убирает всех клиентов.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopping:
	}
}
