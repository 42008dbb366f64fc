package memory

import (
	"context"
	"sync"
	"time"

	"github.com/msgcore/internal/storage"
)

type item struct {
	val []byte
	exp time.Time
}

// Client: кеш и pub/sub в памяти процесса для режима -memory и тестов.
type Client struct {
	mu   sync.RWMutex
	data map[string]item
	subs map[string]map[chan []byte]struct{}
}

func New() *Client {
	return &Client{
		data: make(map[string]item),
		subs: make(map[string]map[chan []byte]struct{}),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	if !ok || (!v.exp.IsZero() && time.Now().After(v.exp)) {
		return nil, storage.ErrCacheMiss
	}
	return append([]byte(nil), v.val...), nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := item{val: append([]byte(nil), val...)}
	if ttl > 0 {
		it.exp = time.Now().Add(ttl)
	}
	c.data[key] = it
	return nil
}

// Publish не блокируется: медленный подписчик теряет сообщение.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch := range c.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error {
	ch := make(chan []byte, 256)
	c.mu.Lock()
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[chan []byte]struct{})
	}
	c.subs[channel][ch] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.subs[channel], ch)
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-ch:
			fn(p)
		}
	}
}

// Subscribers: число активных подписок на канал.
func (c *Client) Subscribers(channel string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[channel])
}
