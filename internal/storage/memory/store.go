package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/msgcore/internal/model"
	"github.com/msgcore/internal/repository"
)

type state struct {
	conversations map[string]model.Conversation
	directKeys    map[string]string
	members       map[string]map[string]model.Member
	messages      map[string]model.Message
	byConv        map[string][]string
	reactions     map[string][]model.Reaction
}

func newState() *state {
	return &state{
		conversations: make(map[string]model.Conversation),
		directKeys:    make(map[string]string),
		members:       make(map[string]map[string]model.Member),
		messages:      make(map[string]model.Message),
		byConv:        make(map[string][]string),
		reactions:     make(map[string][]model.Reaction),
	}
}

func (s *state) clone() *state {
	c := &state{
		conversations: make(map[string]model.Conversation, len(s.conversations)),
		directKeys:    make(map[string]string, len(s.directKeys)),
		members:       make(map[string]map[string]model.Member, len(s.members)),
		messages:      make(map[string]model.Message, len(s.messages)),
		byConv:        make(map[string][]string, len(s.byConv)),
		reactions:     make(map[string][]model.Reaction, len(s.reactions)),
	}
	for k, v := range s.conversations {
		c.conversations[k] = v
	}
	for k, v := range s.directKeys {
		c.directKeys[k] = v
	}
	for k, ms := range s.members {
		cm := make(map[string]model.Member, len(ms))
		for uid, m := range ms {
			cm[uid] = m
		}
		c.members[k] = cm
	}
	for k, v := range s.messages {
		c.messages[k] = v
	}
	for k, v := range s.byConv {
		c.byConv[k] = append([]string(nil), v...)
	}
	for k, v := range s.reactions {
		c.reactions[k] = append([]model.Reaction(nil), v...)
	}
	return c
}

// Store — repository.Store в памяти процесса. Транзакция работает над копией состояния
// и подменяет его только при успехе, поэтому ошибка откатывает все изменения.
// Транзакции выполняются строго по одной.
type Store struct {
	mu sync.Mutex
	st *state

	usersMu sync.RWMutex
	users   map[string]model.UserPublic
}

func NewStore() *Store {
	return &Store{st: newState(), users: make(map[string]model.UserPublic)}
}

func (s *Store) InTx(ctx context.Context, fn func(r repository.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(repos(work)); err != nil {
		return err
	}
	s.st = work
	return nil
}

func repos(st *state) repository.Repos {
	return repository.Repos{
		Conversations: &conversationRepo{st: st},
		Messages:      &messageRepo{st: st},
		Reactions:     &reactionRepo{st: st},
		ReadState:     &readStateRepo{st: st},
	}
}

// AddUser добавляет пользователя в справочник.
func (s *Store) AddUser(u model.UserPublic) {
	s.usersMu.Lock()
	s.users[u.ID] = u
	s.usersMu.Unlock()
}

func (s *Store) Lookup(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	out := make(map[string]model.UserPublic, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

type conversationRepo struct{ st *state }

func (r *conversationRepo) Create(ctx context.Context, c *model.Conversation) (bool, error) {
	if _, ok := r.st.conversations[c.ID]; ok {
		return false, repository.ErrConflict
	}
	if c.DirectKey != nil {
		if _, ok := r.st.directKeys[*c.DirectKey]; ok {
			return false, nil
		}
		r.st.directKeys[*c.DirectKey] = c.ID
	}
	c.UpdatedAt = c.CreatedAt
	r.st.conversations[c.ID] = *c
	return true, nil
}

func (r *conversationRepo) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	c, ok := r.st.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *conversationRepo) GetByDirectKey(ctx context.Context, key string) (*model.Conversation, error) {
	id, ok := r.st.directKeys[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *conversationRepo) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	out := make([]model.Conversation, 0, 16)
	for id, ms := range r.st.members {
		if _, ok := ms[userID]; ok {
			out = append(out, r.st.conversations[id])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *conversationRepo) AddMembers(ctx context.Context, members []model.Member) error {
	for _, m := range members {
		if _, ok := r.st.conversations[m.ConversationID]; !ok {
			return repository.ErrNotFound
		}
		ms := r.st.members[m.ConversationID]
		if ms == nil {
			ms = make(map[string]model.Member)
			r.st.members[m.ConversationID] = ms
		}
		if _, ok := ms[m.UserID]; !ok {
			ms[m.UserID] = m
		}
	}
	return nil
}

func (r *conversationRepo) GetMember(ctx context.Context, conversationID, userID string) (*model.Member, error) {
	m, ok := r.st.members[conversationID][userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (r *conversationRepo) ListMembers(ctx context.Context, conversationIDs []string) (map[string][]model.Member, error) {
	out := make(map[string][]model.Member, len(conversationIDs))
	for _, id := range conversationIDs {
		ms := r.st.members[id]
		list := make([]model.Member, 0, len(ms))
		for _, m := range ms {
			list = append(list, m)
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
				return list[i].JoinedAt.Before(list[j].JoinedAt)
			}
			return list[i].UserID < list[j].UserID
		})
		if len(list) > 0 {
			out[id] = list
		}
	}
	return out, nil
}

func (r *conversationRepo) NextSeq(ctx context.Context, conversationID string) (int64, time.Time, error) {
	c, ok := r.st.conversations[conversationID]
	if !ok {
		return 0, time.Time{}, repository.ErrNotFound
	}
	c.LastSeq++
	r.st.conversations[conversationID] = c
	return c.LastSeq, c.UpdatedAt, nil
}

func (r *conversationRepo) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	c, ok := r.st.conversations[conversationID]
	if !ok {
		return repository.ErrNotFound
	}
	id := messageID
	c.LastMessageID = &id
	c.UpdatedAt = at
	r.st.conversations[conversationID] = c
	return nil
}

type messageRepo struct{ st *state }

func (r *messageRepo) Create(ctx context.Context, m *model.Message) error {
	if _, ok := r.st.messages[m.ID]; ok {
		return repository.ErrConflict
	}
	for _, id := range r.st.byConv[m.ConversationID] {
		if r.st.messages[id].Seq == m.Seq {
			return repository.ErrConflict
		}
	}
	stored := *m
	stored.Sender, stored.ReplyTo, stored.Reactions, stored.IsMine = nil, nil, nil, false
	r.st.messages[m.ID] = stored
	ids := r.st.byConv[m.ConversationID]
	ids = append(ids, m.ID)
	sort.SliceStable(ids, func(i, j int) bool { return r.st.messages[ids[i]].Seq < r.st.messages[ids[j]].Seq })
	r.st.byConv[m.ConversationID] = ids
	return nil
}

func (r *messageRepo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	m, ok := r.st.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (r *messageRepo) GetByIDs(ctx context.Context, ids []string) (map[string]model.Message, error) {
	out := make(map[string]model.Message, len(ids))
	for _, id := range ids {
		if m, ok := r.st.messages[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (r *messageRepo) ListRecent(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error) {
	ids := r.st.byConv[conversationID]
	end := len(ids)
	if beforeSeq > 0 {
		end = sort.Search(len(ids), func(i int) bool { return r.st.messages[ids[i]].Seq >= beforeSeq })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, r.st.messages[id])
	}
	return out, nil
}

func (r *messageRepo) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	out := make(map[string]int)
	for convID, ms := range r.st.members {
		m, ok := ms[userID]
		if !ok {
			continue
		}
		n := 0
		for _, id := range r.st.byConv[convID] {
			msg := r.st.messages[id]
			if msg.Seq > m.LastReadSeq && msg.SenderID != userID {
				n++
			}
		}
		if n > 0 {
			out[convID] = n
		}
	}
	return out, nil
}

type reactionRepo struct{ st *state }

func (r *reactionRepo) Toggle(ctx context.Context, messageID, userID, emoji string, at time.Time) (bool, error) {
	list := r.st.reactions[messageID]
	for i, rc := range list {
		if rc.UserID == userID && rc.Emoji == emoji {
			r.st.reactions[messageID] = append(list[:i:i], list[i+1:]...)
			return false, nil
		}
	}
	r.st.reactions[messageID] = append(list, model.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: at})
	return true, nil
}

func (r *reactionRepo) Summaries(ctx context.Context, messageIDs []string, viewerID string) (map[string][]model.ReactionSummary, error) {
	out := make(map[string][]model.ReactionSummary, len(messageIDs))
	for _, mid := range messageIDs {
		list := r.st.reactions[mid]
		if len(list) == 0 {
			continue
		}
		type group struct {
			model.ReactionSummary
			first time.Time
		}
		idx := make(map[string]int)
		groups := make([]group, 0, 4)
		for _, rc := range list {
			i, ok := idx[rc.Emoji]
			if !ok {
				i = len(groups)
				idx[rc.Emoji] = i
				groups = append(groups, group{ReactionSummary: model.ReactionSummary{Emoji: rc.Emoji}, first: rc.CreatedAt})
			}
			g := &groups[i]
			g.Count++
			if rc.UserID == viewerID {
				g.ByMe = true
			}
			if rc.CreatedAt.Before(g.first) {
				g.first = rc.CreatedAt
			}
		}
		sort.SliceStable(groups, func(i, j int) bool {
			if !groups[i].first.Equal(groups[j].first) {
				return groups[i].first.Before(groups[j].first)
			}
			return groups[i].Emoji < groups[j].Emoji
		})
		summaries := make([]model.ReactionSummary, 0, len(groups))
		for _, g := range groups {
			summaries = append(summaries, g.ReactionSummary)
		}
		out[mid] = summaries
	}
	return out, nil
}

type readStateRepo struct{ st *state }

func (r *readStateRepo) Advance(ctx context.Context, conversationID, userID string) (*model.ReadState, error) {
	m, ok := r.st.members[conversationID][userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rs := &model.ReadState{ConversationID: conversationID, UserID: userID}
	c := r.st.conversations[conversationID]
	if c.LastMessageID != nil && c.LastSeq > m.LastReadSeq {
		id := *c.LastMessageID
		m.LastReadMessageID = &id
		m.LastReadSeq = c.LastSeq
		r.st.members[conversationID][userID] = m
		rs.Advanced = true
	}
	rs.LastReadMessageID = m.LastReadMessageID
	rs.LastReadSeq = m.LastReadSeq
	return rs, nil
}
