package events

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/model"
)

const (
	pushTimeout   = 10 * time.Second
	pushBodyLimit = 120
	pushWorkers   = 8
	pushQueueSize = 1024
)

// PushNotifier отправляет пуш пользователю; реализуется push.Client.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// PushSink шлёт пуш о новом сообщении всем получателям, кроме автора.
// Отправку выполняет фиксированный пул воркеров; при переполненной очереди пуш теряется.
type PushSink struct {
	client  PushNotifier
	workers int
	jobs    chan pushJob
	start   sync.Once
	stop    sync.Once
	pending sync.WaitGroup
	done    sync.WaitGroup
}

type pushJob struct {
	ctx         context.Context
	userID      string
	title, body string
	data        map[string]string
}

func NewPushSink(client PushNotifier) *PushSink {
	return newPushSink(client, pushWorkers, pushQueueSize)
}

func newPushSink(client PushNotifier, workers, queue int) *PushSink {
	return &PushSink{client: client, workers: workers, jobs: make(chan pushJob, queue)}
}

func (p *PushSink) Deliver(ctx context.Context, e Event) error {
	if e.Type != MessageCreated {
		return nil
	}
	var msg model.Message
	switch v := e.Payload.(type) {
	case model.Message:
		msg = v
	case *model.Message:
		msg = *v
	default:
		return nil
	}
	title := "New message"
	if msg.Sender != nil {
		title = msg.Sender.DisplayName()
	}
	body := truncate(msg.PreviewText(), pushBodyLimit)
	data := map[string]string{"conversationId": msg.ConversationID, "messageId": msg.ID}

	p.start.Do(p.runWorkers)
	bg := context.WithoutCancel(ctx)
	for _, uid := range e.Recipients {
		if uid == e.ActorID {
			continue
		}
		p.pending.Add(1)
		select {
		case p.jobs <- pushJob{ctx: bg, userID: uid, title: title, body: body, data: data}:
		default:
			p.pending.Done()
			logger.Warnf("push queue full, dropping notification user=%s message=%s", uid, msg.ID)
		}
	}
	return nil
}

func (p *PushSink) runWorkers() {
	p.done.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			defer p.done.Done()
			for job := range p.jobs {
				ctx, cancel := context.WithTimeout(job.ctx, pushTimeout)
				p.client.Notify(ctx, job.userID, job.title, job.body, job.data)
				cancel()
				p.pending.Done()
			}
		}()
	}
}

// Wait дожидается отправки всех поставленных в очередь пушей.
func (p *PushSink) Wait() {
	p.pending.Wait()
}

// Close дожидается очереди и останавливает воркеров. После Close вызывать Deliver нельзя.
func (p *PushSink) Close() {
	p.stop.Do(func() {
		p.pending.Wait()
		close(p.jobs)
		p.done.Wait()
	})
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
