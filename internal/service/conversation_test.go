package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgcore/internal/apperror"
	"github.com/msgcore/internal/events"
	"github.com/msgcore/internal/metrics"
	"github.com/msgcore/internal/model"
	"github.com/msgcore/internal/repository"
	"github.com/msgcore/internal/storage/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// clock выдаёт время с шагом step на каждый вызов.
type clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type fixture struct {
	svc   *ConversationService
	store *memory.Store
	rec   *recorder
	alice model.UserPublic
	bob   model.UserPublic
	carol model.UserPublic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil, time.Second)
}

func newFixtureWithStore(t *testing.T, wrap func(repository.Store) repository.Store, step time.Duration) *fixture {
	t.Helper()
	st := memory.NewStore()
	f := &fixture{
		store: st,
		rec:   &recorder{},
		alice: model.UserPublic{ID: uuid.NewString(), FullName: "Alice", Email: "alice@example.com"},
		bob:   model.UserPublic{ID: uuid.NewString(), FullName: "Bob", Email: "bob@example.com"},
		carol: model.UserPublic{ID: uuid.NewString(), Email: "carol@example.com"},
	}
	for _, u := range []model.UserPublic{f.alice, f.bob, f.carol} {
		st.AddUser(u)
	}
	var store repository.Store = st
	if wrap != nil {
		store = wrap(st)
	}
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), step: step}
	f.svc = NewConversationService(store, st, Options{Now: c.Now})
	f.svc.SetNotifier(f.rec)
	return f
}

func (f *fixture) direct(t *testing.T, a, b model.UserPublic) model.ConversationSummary {
	t.Helper()
	res, err := f.svc.CreateConversation(context.Background(), a.ID, CreateConversationInput{
		Kind:           model.ConversationDirect,
		ParticipantIDs: []string{b.ID},
	})
	require.NoError(t, err)
	return res.Conversation
}

func (f *fixture) send(t *testing.T, from model.UserPublic, convID, text string) model.Message {
	t.Helper()
	msg, err := f.svc.SendMessage(context.Background(), from.ID, convID, SendMessageInput{Content: text})
	require.NoError(t, err)
	return msg
}

func requireKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperror.KindOf(err), err.Error())
}

func TestConversationFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conv := f.direct(t, f.alice, f.bob)
	assert.Equal(t, model.ConversationDirect, conv.Kind)
	assert.False(t, conv.IsGroup)
	assert.Equal(t, "Bob", conv.Name)
	assert.Len(t, conv.Members, 2)

	hi := f.send(t, f.alice, conv.ID, "hi")
	assert.True(t, hi.IsMine)
	assert.Equal(t, int64(1), hi.Seq)
	require.NotNil(t, hi.Sender)
	assert.Equal(t, "Alice", hi.Sender.FullName)

	bobList, err := f.svc.ListConversations(ctx, f.bob.ID)
	require.NoError(t, err)
	require.Len(t, bobList, 1)
	assert.Equal(t, "Alice", bobList[0].Name)
	assert.Equal(t, 1, bobList[0].UnreadCount)
	require.NotNil(t, bobList[0].LastMessage)
	assert.Equal(t, "hi", bobList[0].LastMessage.Text)

	res, err := f.svc.ToggleReaction(ctx, f.bob.ID, hi.ID, "👍")
	require.NoError(t, err)
	assert.True(t, res.Active)

	msgs, err := f.svc.ListMessages(ctx, f.alice.ID, conv.ID, ListMessagesInput{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsMine)
	assert.Equal(t, []model.ReactionSummary{{Emoji: "👍", Count: 1, ByMe: false}}, msgs[0].Reactions)

	bobMsgs, err := f.svc.ListMessages(ctx, f.bob.ID, conv.ID, ListMessagesInput{})
	require.NoError(t, err)
	assert.False(t, bobMsgs[0].IsMine)
	assert.True(t, bobMsgs[0].Reactions[0].ByMe)

	rs, err := f.svc.MarkRead(ctx, f.bob.ID, conv.ID)
	require.NoError(t, err)
	assert.True(t, rs.Advanced)
	require.NotNil(t, rs.LastReadMessageID)
	assert.Equal(t, hi.ID, *rs.LastReadMessageID)

	bobList, err = f.svc.ListConversations(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, bobList[0].UnreadCount)

	assert.Len(t, f.rec.ofType(events.ConversationCreated), 1)
	assert.Len(t, f.rec.ofType(events.MessageCreated), 1)
	assert.Len(t, f.rec.ofType(events.ReactionToggled), 1)
	assert.Len(t, f.rec.ofType(events.ConversationRead), 1)
}

func TestCreateDirectDeduplicatesBothOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.CreateConversation(ctx, f.alice.ID, CreateConversationInput{
		Kind: model.ConversationDirect, ParticipantIDs: []string{f.bob.ID},
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	again, err := f.svc.CreateConversation(ctx, f.alice.ID, CreateConversationInput{
		Kind: model.ConversationDirect, ParticipantIDs: []string{f.bob.ID, f.alice.ID},
	})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Conversation.ID, again.Conversation.ID)

	reverse, err := f.svc.CreateConversation(ctx, f.bob.ID, CreateConversationInput{
		Kind: model.ConversationDirect, ParticipantIDs: []string{f.alice.ID},
	})
	require.NoError(t, err)
	assert.False(t, reverse.Created)
	assert.Equal(t, first.Conversation.ID, reverse.Conversation.ID)
	assert.Equal(t, "Alice", reverse.Conversation.Name)

	assert.Len(t, f.rec.ofType(events.ConversationCreated), 1)
}

func TestCreateDirectConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]struct{}{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := f.alice, f.bob
			if i%2 == 1 {
				a, b = b, a
			}
			res, err := f.svc.CreateConversation(ctx, a.ID, CreateConversationInput{
				Kind: model.ConversationDirect, ParticipantIDs: []string{b.ID},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[res.Conversation.ID] = struct{}{}
			if res.Created {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}

func TestCreateConversationValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := map[string]struct {
		requester string
		in        CreateConversationInput
		kind      apperror.Kind
	}{
		"no requester": {
			requester: "",
			in:        CreateConversationInput{Kind: model.ConversationDirect, ParticipantIDs: []string{f.bob.ID}},
			kind:      apperror.KindUnauthorized,
		},
		"empty participants": {
			requester: f.alice.ID,
			in:        CreateConversationInput{Kind: model.ConversationGroup, Name: "x"},
			kind:      apperror.KindInvalidArgument,
		},
		"unknown kind": {
			requester: f.alice.ID,
			in:        CreateConversationInput{Kind: "channel", ParticipantIDs: []string{f.bob.ID}},
			kind:      apperror.KindInvalidArgument,
		},
		"direct with self only": {
			requester: f.alice.ID,
			in:        CreateConversationInput{Kind: model.ConversationDirect, ParticipantIDs: []string{f.alice.ID}},
			kind:      apperror.KindInvalidArgument,
		},
		"direct with two others": {
			requester: f.alice.ID,
			in:        CreateConversationInput{Kind: model.ConversationDirect, ParticipantIDs: []string{f.bob.ID, f.carol.ID}},
			kind:      apperror.KindInvalidArgument,
		},
		"group without name": {
			requester: f.alice.ID,
			in:        CreateConversationInput{Kind: model.ConversationGroup, ParticipantIDs: []string{f.bob.ID}},
			kind:      apperror.KindInvalidArgument,
		},
		"malformed participant": {
			requester: f.alice.ID,
			in:        CreateConversationInput{Kind: model.ConversationDirect, ParticipantIDs: []string{"bob"}},
			kind:      apperror.KindInvalidArgument,
		},
		"unknown participant": {
			requester: f.alice.ID,
			in:        CreateConversationInput{Kind: model.ConversationDirect, ParticipantIDs: []string{uuid.NewString()}},
			kind:      apperror.KindNotFound,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateConversation(ctx, tc.requester, tc.in)
			requireKind(t, err, tc.kind)
		})
	}

	list, err := f.svc.ListConversations(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGroupNameAndRoster(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.CreateConversation(ctx, f.alice.ID, CreateConversationInput{
		Kind:           model.ConversationGroup,
		Name:           "  Team  ",
		ParticipantIDs: []string{f.bob.ID, f.carol.ID, f.bob.ID},
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Conversation.IsGroup)
	assert.Equal(t, "Team", res.Conversation.Name)
	assert.Len(t, res.Conversation.Members, 3)

	created := f.rec.ofType(events.ConversationCreated)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{f.alice.ID, f.bob.ID, f.carol.ID}, created[0].Recipients)

	got, err := f.svc.GetConversation(ctx, f.carol.ID, res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, "Team", got.Name)

	// Второй вызов с теми же участниками создаёт новую группу.
	again, err := f.svc.CreateConversation(ctx, f.alice.ID, CreateConversationInput{
		Kind: model.ConversationGroup, Name: "Team", ParticipantIDs: []string{f.bob.ID, f.carol.ID},
	})
	require.NoError(t, err)
	assert.NotEqual(t, res.Conversation.ID, again.Conversation.ID)
}

func TestDisplayNameFallbacks(t *testing.T) {
	alice := model.UserPublic{ID: "a", FullName: "Alice"}
	bob := model.UserPublic{ID: "b", Email: "bob@example.com"}
	carol := model.UserPublic{ID: "c"}
	dave := model.UserPublic{ID: "d", FullName: "Dave"}

	direct := model.Conversation{Kind: model.ConversationDirect}
	assert.Equal(t, "bob@example.com", displayName(direct, []model.UserPublic{alice, bob}, "a"))
	assert.Equal(t, "c", displayName(direct, []model.UserPublic{carol, alice}, "a"))

	group := model.Conversation{Kind: model.ConversationGroup}
	assert.Equal(t, "Alice, bob@example.com, c", displayName(group, []model.UserPublic{alice, bob, carol, dave}, "a"))
	group.Name = "Team"
	assert.Equal(t, "Team", displayName(group, nil, "a"))
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)
	neg := -1

	cases := map[string]struct {
		requester string
		convID    string
		in        SendMessageInput
		kind      apperror.Kind
	}{
		"unauthorized":       {"", conv.ID, SendMessageInput{Content: "x"}, apperror.KindUnauthorized},
		"empty content":      {f.alice.ID, conv.ID, SendMessageInput{Content: "   "}, apperror.KindInvalidArgument},
		"unknown type":       {f.alice.ID, conv.ID, SendMessageInput{Content: "x", Type: "sticker"}, apperror.KindInvalidArgument},
		"negative duration":  {f.alice.ID, conv.ID, SendMessageInput{Type: model.MessageVoice, VoiceDuration: &neg}, apperror.KindInvalidArgument},
		"malformed conv id":  {f.alice.ID, "nope", SendMessageInput{Content: "x"}, apperror.KindInvalidArgument},
		"missing conv":       {f.alice.ID, uuid.NewString(), SendMessageInput{Content: "x"}, apperror.KindNotFound},
		"not a member":       {f.carol.ID, conv.ID, SendMessageInput{Content: "x"}, apperror.KindForbidden},
		"missing reply":      {f.alice.ID, conv.ID, SendMessageInput{Content: "x", ReplyToID: uuid.NewString()}, apperror.KindNotFound},
		"malformed reply id": {f.alice.ID, conv.ID, SendMessageInput{Content: "x", ReplyToID: "1"}, apperror.KindInvalidArgument},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.SendMessage(ctx, tc.requester, tc.convID, tc.in)
			requireKind(t, err, tc.kind)
		})
	}

	long := make([]rune, DefaultMaxContentLength+1)
	for i := range long {
		long[i] = 'я'
	}
	_, err := f.svc.SendMessage(ctx, f.alice.ID, conv.ID, SendMessageInput{Content: string(long)})
	requireKind(t, err, apperror.KindInvalidArgument)

	msgs, err := f.svc.ListMessages(ctx, f.alice.ID, conv.ID, ListMessagesInput{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, f.rec.ofType(events.MessageCreated))
}

func TestVoiceMessageWithoutContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)
	d := 7

	msg, err := f.svc.SendMessage(ctx, f.alice.ID, conv.ID, SendMessageInput{Type: model.MessageVoice, VoiceDuration: &d})
	require.NoError(t, err)
	require.NotNil(t, msg.VoiceDuration)
	assert.Equal(t, 7, *msg.VoiceDuration)

	list, err := f.svc.ListConversations(ctx, f.bob.ID)
	require.NoError(t, err)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "Voice message", list[0].LastMessage.Text)

	_, err = f.svc.SendMessage(ctx, f.alice.ID, conv.ID, SendMessageInput{Type: model.MessageVoice})
	requireKind(t, err, apperror.KindInvalidArgument)
}

func TestReplyQuote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)
	other := f.direct(t, f.alice, f.carol)

	orig := f.send(t, f.alice, conv.ID, "question")
	foreign := f.send(t, f.alice, other.ID, "elsewhere")

	_, err := f.svc.SendMessage(ctx, f.bob.ID, conv.ID, SendMessageInput{Content: "x", ReplyToID: foreign.ID})
	requireKind(t, err, apperror.KindNotFound)

	reply, err := f.svc.SendMessage(ctx, f.bob.ID, conv.ID, SendMessageInput{Content: "answer", ReplyToID: orig.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "Alice", reply.ReplyTo.SenderName)

	// Цитата вне страницы подгружается отдельно.
	msgs, err := f.svc.ListMessages(ctx, f.alice.ID, conv.ID, ListMessagesInput{Limit: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ReplyTo)
	assert.Equal(t, orig.ID, msgs[0].ReplyTo.ID)
	assert.Equal(t, "question", msgs[0].ReplyTo.Content)
	assert.Equal(t, model.MessageText, msgs[0].ReplyTo.Type)
}

func TestMessagesOrderedWithEqualTimestamps(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithStore(t, nil, 0)
	conv := f.direct(t, f.alice, f.bob)

	var sent []string
	for _, text := range []string{"one", "two", "three", "four"} {
		sent = append(sent, f.send(t, f.alice, conv.ID, text).ID)
	}

	msgs, err := f.svc.ListMessages(ctx, f.bob.ID, conv.ID, ListMessagesInput{})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, sent[i], m.ID)
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, msgs[0].CreatedAt, m.CreatedAt)
	}
}

func TestListMessagesPaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)

	for i := 0; i < DefaultPageSize+5; i++ {
		f.send(t, f.alice, conv.ID, "m")
	}

	latest, err := f.svc.ListMessages(ctx, f.alice.ID, conv.ID, ListMessagesInput{Limit: 1000})
	require.NoError(t, err)
	require.Len(t, latest, DefaultPageSize)
	assert.Equal(t, int64(6), latest[0].Seq)
	assert.Equal(t, int64(DefaultPageSize+5), latest[len(latest)-1].Seq)
	for i := 1; i < len(latest); i++ {
		assert.False(t, latest[i].CreatedAt.Before(latest[i-1].CreatedAt))
	}

	older, err := f.svc.ListMessages(ctx, f.alice.ID, conv.ID, ListMessagesInput{BeforeSeq: latest[0].Seq})
	require.NoError(t, err)
	require.Len(t, older, 5)
	assert.Equal(t, int64(1), older[0].Seq)

	_, err = f.svc.ListMessages(ctx, f.carol.ID, conv.ID, ListMessagesInput{})
	requireKind(t, err, apperror.KindForbidden)
	_, err = f.svc.ListMessages(ctx, f.alice.ID, uuid.NewString(), ListMessagesInput{})
	requireKind(t, err, apperror.KindNotFound)
}

func TestLastMessagePointerFollowsSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)
	group, err := f.svc.CreateConversation(ctx, f.alice.ID, CreateConversationInput{
		Kind: model.ConversationGroup, Name: "g", ParticipantIDs: []string{f.bob.ID},
	})
	require.NoError(t, err)

	f.send(t, f.bob, conv.ID, "first")
	last := f.send(t, f.alice, conv.ID, "second")

	list, err := f.svc.ListConversations(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, conv.ID, list[0].ID)
	assert.Equal(t, group.Conversation.ID, list[1].ID)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, last.ID, list[0].LastMessage.ID)
	assert.Equal(t, last.CreatedAt, list[0].LastActivityAt)
	assert.Nil(t, list[1].LastMessage)
}

// failingStore подменяет SetLastMessage, чтобы проверить откат вставки сообщения.
type failingStore struct {
	repository.Store
}

type failingConversations struct {
	repository.ConversationRepository
}

func (failingConversations) SetLastMessage(context.Context, string, string, time.Time) error {
	return errors.New("disk full")
}

func (s failingStore) InTx(ctx context.Context, fn func(r repository.Repos) error) error {
	return s.Store.InTx(ctx, func(r repository.Repos) error {
		r.Conversations = failingConversations{r.Conversations}
		return fn(r)
	})
}

func TestSendMessageRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	var broken bool
	f := newFixtureWithStore(t, func(s repository.Store) repository.Store {
		return storeSwitch{Store: s, broken: &broken}
	}, time.Second)
	conv := f.direct(t, f.alice, f.bob)

	broken = true
	_, err := f.svc.SendMessage(ctx, f.alice.ID, conv.ID, SendMessageInput{Content: "lost"})
	requireKind(t, err, apperror.KindInternal)
	assert.Equal(t, "internal error", apperror.MessageOf(err))
	broken = false

	msgs, err := f.svc.ListMessages(ctx, f.alice.ID, conv.ID, ListMessagesInput{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msg := f.send(t, f.alice, conv.ID, "kept")
	assert.Equal(t, int64(1), msg.Seq)
	assert.Len(t, f.rec.ofType(events.MessageCreated), 1)
}

type storeSwitch struct {
	repository.Store
	broken *bool
}

func (s storeSwitch) InTx(ctx context.Context, fn func(r repository.Repos) error) error {
	if *s.broken {
		return failingStore{s.Store}.InTx(ctx, fn)
	}
	return s.Store.InTx(ctx, fn)
}

func TestToggleReactionIsInvolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)
	msg := f.send(t, f.alice, conv.ID, "hi")

	for i, want := range []bool{true, false, true} {
		res, err := f.svc.ToggleReaction(ctx, f.bob.ID, msg.ID, "🔥")
		require.NoError(t, err, i)
		assert.Equal(t, want, res.Active, i)
	}
	_, err := f.svc.ToggleReaction(ctx, f.alice.ID, msg.ID, "🔥")
	require.NoError(t, err)
	_, err = f.svc.ToggleReaction(ctx, f.alice.ID, msg.ID, "❤️")
	require.NoError(t, err)

	msgs, err := f.svc.ListMessages(ctx, f.alice.ID, conv.ID, ListMessagesInput{})
	require.NoError(t, err)
	assert.Equal(t, []model.ReactionSummary{
		{Emoji: "🔥", Count: 2, ByMe: true},
		{Emoji: "❤️", Count: 1, ByMe: true},
	}, msgs[0].Reactions)

	_, err = f.svc.ToggleReaction(ctx, f.carol.ID, msg.ID, "🔥")
	requireKind(t, err, apperror.KindForbidden)
	_, err = f.svc.ToggleReaction(ctx, f.bob.ID, uuid.NewString(), "🔥")
	requireKind(t, err, apperror.KindNotFound)
	_, err = f.svc.ToggleReaction(ctx, f.bob.ID, msg.ID, " ")
	requireKind(t, err, apperror.KindInvalidArgument)
	_, err = f.svc.ToggleReaction(ctx, f.bob.ID, msg.ID, "0123456789012345678901234567890123")
	requireKind(t, err, apperror.KindInvalidArgument)
}

func TestMarkReadIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)

	rs, err := f.svc.MarkRead(ctx, f.bob.ID, conv.ID)
	require.NoError(t, err)
	assert.False(t, rs.Advanced)
	assert.Nil(t, rs.LastReadMessageID)

	first := f.send(t, f.alice, conv.ID, "1")
	second := f.send(t, f.alice, conv.ID, "2")

	rs, err = f.svc.MarkRead(ctx, f.bob.ID, conv.ID)
	require.NoError(t, err)
	assert.True(t, rs.Advanced)
	assert.Equal(t, second.ID, *rs.LastReadMessageID)
	assert.Equal(t, second.Seq, rs.LastReadSeq)
	assert.NotEqual(t, first.ID, *rs.LastReadMessageID)

	rs, err = f.svc.MarkRead(ctx, f.bob.ID, conv.ID)
	require.NoError(t, err)
	assert.False(t, rs.Advanced)
	assert.Equal(t, second.ID, *rs.LastReadMessageID)
	assert.Len(t, f.rec.ofType(events.ConversationRead), 1)

	f.send(t, f.alice, conv.ID, "3")
	list, err := f.svc.ListConversations(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, list[0].UnreadCount)

	_, err = f.svc.MarkRead(ctx, f.carol.ID, conv.ID)
	requireKind(t, err, apperror.KindForbidden)
	_, err = f.svc.MarkRead(ctx, f.bob.ID, uuid.NewString())
	requireKind(t, err, apperror.KindNotFound)
}

func TestUnreadIgnoresOwnMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)

	f.send(t, f.alice, conv.ID, "a")
	f.send(t, f.bob, conv.ID, "b")
	f.send(t, f.alice, conv.ID, "c")

	alice, err := f.svc.ListConversations(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, alice[0].UnreadCount)

	bob, err := f.svc.ListConversations(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, bob[0].UnreadCount)
}

func TestMessageEventRecipients(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)
	f.send(t, f.alice, conv.ID, "hi")

	created := f.rec.ofType(events.MessageCreated)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{f.alice.ID, f.bob.ID}, created[0].Recipients)
	assert.Equal(t, f.alice.ID, created[0].ActorID)
	payload, ok := created[0].Payload.(model.Message)
	require.True(t, ok)
	assert.False(t, payload.IsMine)
	assert.Equal(t, "hi", payload.Content)
}

func TestTypingExcludesRequester(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)

	require.NoError(t, f.svc.Typing(ctx, f.alice.ID, conv.ID))
	typing := f.rec.ofType(events.Typing)
	require.Len(t, typing, 1)
	assert.Equal(t, []string{f.bob.ID}, typing[0].Recipients)

	requireKind(t, f.svc.Typing(ctx, f.carol.ID, conv.ID), apperror.KindForbidden)
}

func TestOperationsAreCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	f.svc.SetMetrics(metrics.New(reg))

	conv := f.direct(t, f.alice, f.bob)
	_, err := f.svc.ListMessages(ctx, f.carol.ID, conv.ID, ListMessagesInput{})
	requireKind(t, err, apperror.KindForbidden)

	n, err := testutil.GatherAndCount(reg, "msgcore_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIDsAreCanonicalized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.direct(t, f.alice, f.bob)

	upperBob := strings.ToUpper(f.bob.ID)
	braced := "{" + f.bob.ID + "}"
	urnAlice := "urn:uuid:" + f.alice.ID

	for _, tc := range []struct {
		name      string
		requester string
		other     string
	}{
		{"upper-case participant", f.alice.ID, upperBob},
		{"braced participant", f.alice.ID, braced},
		{"urn requester", urnAlice, f.bob.ID},
		{"upper-case requester", strings.ToUpper(f.bob.ID), strings.ToUpper(f.alice.ID)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.svc.CreateConversation(ctx, tc.requester, CreateConversationInput{
				Kind: model.ConversationDirect, ParticipantIDs: []string{tc.other},
			})
			require.NoError(t, err)
			assert.False(t, res.Created)
			assert.Equal(t, conv.ID, res.Conversation.ID)
		})
	}

	// Тот же пользователь в другой записи не считается вторым участником.
	_, err := f.svc.CreateConversation(ctx, f.alice.ID, CreateConversationInput{
		Kind: model.ConversationDirect, ParticipantIDs: []string{strings.ToUpper(f.alice.ID)},
	})
	requireKind(t, err, apperror.KindInvalidArgument)

	msg, err := f.svc.SendMessage(ctx, urnAlice, strings.ToUpper(conv.ID), SendMessageInput{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, msg.SenderID)
	assert.Equal(t, conv.ID, msg.ConversationID)

	msgs, err := f.svc.ListMessages(ctx, strings.ToUpper(f.alice.ID), conv.ID, ListMessagesInput{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsMine)

	list, err := f.svc.ListConversations(ctx, urnAlice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Bob", list[0].Name)

	created := f.rec.ofType(events.MessageCreated)
	require.NotEmpty(t, created)
	assert.ElementsMatch(t, []string{f.alice.ID, f.bob.ID}, created[len(created)-1].Recipients)
}
