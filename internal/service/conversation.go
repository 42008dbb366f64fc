package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/msgcore/internal/apperror"
	"github.com/msgcore/internal/events"
	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/metrics"
	"github.com/msgcore/internal/model"
	"github.com/msgcore/internal/repository"
)

const (
	DefaultPageSize         = 100
	DefaultMaxContentLength = 4000
	MaxNameLength           = 128
	MaxEmojiBytes           = 32
	groupNameFallbackSize   = 3
)

// Notifier получает события после успешного коммита.
type Notifier interface {
	Notify(ctx context.Context, e events.Event)
}

type Options struct {
	PageSize         int
	MaxContentLength int
	// Now подменяется в тестах.
	Now func() time.Time
}

// ConversationService — операции над беседами. Каждая операция выполняется одной транзакцией Store;
// личность вызывающего передаётся явно первым аргументом.
type ConversationService struct {
	store    repository.Store
	users    repository.UserDirectory
	notifier Notifier
	metrics  *metrics.Metrics
	opts     Options
}

func NewConversationService(store repository.Store, users repository.UserDirectory, opts Options) *ConversationService {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ConversationService{store: store, users: users, opts: opts}
}

func (s *ConversationService) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *ConversationService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

type CreateConversationInput struct {
	Kind           model.ConversationKind
	Name           string
	ParticipantIDs []string
}

type CreateResult struct {
	Conversation model.ConversationSummary
	Created      bool
}

type SendMessageInput struct {
	Content       string
	Type          model.MessageType
	ReplyToID     string
	VoiceDuration *int
}

type ListMessagesInput struct {
	Limit int
	// BeforeSeq > 0: вернуть страницу сообщений старше этого seq.
	BeforeSeq int64
}

type ToggleResult struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Active    bool   `json:"active"`
}

func (s *ConversationService) ListConversations(ctx context.Context, requesterID string) (_ []model.ConversationSummary, err error) {
	defer s.observe("ListConversations", time.Now(), &err)
	if requesterID, err = canonicalRequester(requesterID); err != nil {
		return nil, err
	}

	var data *conversationData
	err = s.store.InTx(ctx, func(r repository.Repos) error {
		convs, err := r.Conversations.ListForUser(ctx, requesterID)
		if err != nil {
			return err
		}
		data, err = loadConversationData(ctx, r, requesterID, convs)
		return err
	})
	if err != nil {
		return nil, s.fail("ListConversations", err)
	}
	out, err := s.summarize(ctx, requesterID, data)
	if err != nil {
		return nil, s.fail("ListConversations", err)
	}
	return out, nil
}

func (s *ConversationService) GetConversation(ctx context.Context, requesterID, conversationID string) (_ model.ConversationSummary, err error) {
	defer s.observe("GetConversation", time.Now(), &err)
	if requesterID, err = canonicalRequester(requesterID); err != nil {
		return model.ConversationSummary{}, err
	}
	if conversationID, err = canonicalID(conversationID, "conversation id"); err != nil {
		return model.ConversationSummary{}, err
	}

	var data *conversationData
	err = s.store.InTx(ctx, func(r repository.Repos) error {
		conv, err := requireMember(ctx, r, conversationID, requesterID)
		if err != nil {
			return err
		}
		data, err = loadConversationData(ctx, r, requesterID, []model.Conversation{*conv})
		return err
	})
	if err != nil {
		return model.ConversationSummary{}, s.fail("GetConversation", err)
	}
	out, err := s.summarize(ctx, requesterID, data)
	if err != nil {
		return model.ConversationSummary{}, s.fail("GetConversation", err)
	}
	return out[0], nil
}

func (s *ConversationService) CreateConversation(ctx context.Context, requesterID string, in CreateConversationInput) (_ CreateResult, err error) {
	defer s.observe("CreateConversation", time.Now(), &err)
	if requesterID, err = canonicalRequester(requesterID); err != nil {
		return CreateResult{}, err
	}
	memberIDs, name, err := s.validateCreate(requesterID, in)
	if err != nil {
		return CreateResult{}, err
	}

	others := memberIDs[1:]
	known, err := s.users.Lookup(ctx, others)
	if err != nil {
		return CreateResult{}, s.fail("CreateConversation", err)
	}
	for _, id := range others {
		if _, ok := known[id]; !ok {
			return CreateResult{}, apperror.NotFound("user " + id + " not found")
		}
	}

	var (
		data    *conversationData
		created bool
	)
	err = s.store.InTx(ctx, func(r repository.Repos) error {
		now := s.now()
		conv := model.Conversation{
			ID:        uuid.NewString(),
			Kind:      in.Kind,
			Name:      name,
			CreatedBy: requesterID,
			CreatedAt: now,
		}
		if in.Kind == model.ConversationDirect {
			key := model.DirectKey(memberIDs[0], memberIDs[1])
			conv.DirectKey = &key
			existing, err := r.Conversations.GetByDirectKey(ctx, key)
			if err == nil {
				data, err = loadConversationData(ctx, r, requesterID, []model.Conversation{*existing})
				return err
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}

		ok, err := r.Conversations.Create(ctx, &conv)
		if errors.Is(err, repository.ErrConflict) {
			return apperror.Conflict("conversation already exists")
		}
		if err != nil {
			return err
		}
		if !ok {
			// Параллельный запрос той же пары успел закоммитить беседу.
			existing, err := r.Conversations.GetByDirectKey(ctx, *conv.DirectKey)
			if errors.Is(err, repository.ErrNotFound) {
				return apperror.Conflict("direct conversation is being created concurrently")
			}
			if err != nil {
				return err
			}
			data, err = loadConversationData(ctx, r, requesterID, []model.Conversation{*existing})
			return err
		}

		members := make([]model.Member, 0, len(memberIDs))
		for _, uid := range memberIDs {
			members = append(members, model.Member{ConversationID: conv.ID, UserID: uid, JoinedAt: now})
		}
		if err := r.Conversations.AddMembers(ctx, members); err != nil {
			return err
		}
		created = true
		data, err = loadConversationData(ctx, r, requesterID, []model.Conversation{conv})
		return err
	})
	if err != nil {
		return CreateResult{}, s.fail("CreateConversation", err)
	}
	out, err := s.summarize(ctx, requesterID, data)
	if err != nil {
		return CreateResult{}, s.fail("CreateConversation", err)
	}
	summary := out[0]

	if created {
		ids := memberIDsOf(data.members[summary.ID])
		s.notify(ctx, events.Event{
			Type:           events.ConversationCreated,
			ConversationID: summary.ID,
			ActorID:        requesterID,
			Recipients:     ids,
			Payload: events.ConversationPayload{
				ConversationID: summary.ID,
				Kind:           string(summary.Kind),
				Name:           name,
				CreatedBy:      requesterID,
				MemberIDs:      ids,
			},
		})
	}
	return CreateResult{Conversation: summary, Created: created}, nil
}

// validateCreate возвращает участников (вызывающий первым, без повторов) и имя беседы.
func (s *ConversationService) validateCreate(requesterID string, in CreateConversationInput) ([]string, string, error) {
	if !in.Kind.Valid() {
		return nil, "", apperror.InvalidArgument("type must be direct or group")
	}
	if len(in.ParticipantIDs) == 0 {
		return nil, "", apperror.InvalidArgument("participantIds must not be empty")
	}
	memberIDs := make([]string, 0, len(in.ParticipantIDs)+1)
	seen := make(map[string]struct{}, len(in.ParticipantIDs)+1)
	for _, id := range append([]string{requesterID}, in.ParticipantIDs...) {
		id, err := canonicalID(strings.TrimSpace(id), "participant id")
		if err != nil {
			return nil, "", err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		memberIDs = append(memberIDs, id)
	}

	name := strings.TrimSpace(in.Name)
	switch in.Kind {
	case model.ConversationDirect:
		if len(memberIDs) != 2 {
			return nil, "", apperror.InvalidArgument("direct conversation needs exactly one other participant")
		}
		name = ""
	case model.ConversationGroup:
		if len(memberIDs) < 2 {
			return nil, "", apperror.InvalidArgument("group conversation needs at least one other participant")
		}
		if name == "" {
			return nil, "", apperror.InvalidArgument("name is required for group conversations")
		}
		if utf8.RuneCountInString(name) > MaxNameLength {
			return nil, "", apperror.InvalidArgument("name is too long")
		}
	}
	return memberIDs, name, nil
}

func (s *ConversationService) SendMessage(ctx context.Context, requesterID, conversationID string, in SendMessageInput) (_ model.Message, err error) {
	defer s.observe("SendMessage", time.Now(), &err)
	if requesterID, err = canonicalRequester(requesterID); err != nil {
		return model.Message{}, err
	}
	if conversationID, err = canonicalID(conversationID, "conversation id"); err != nil {
		return model.Message{}, err
	}
	msgType := in.Type
	if msgType == "" {
		msgType = model.MessageText
	}
	if !msgType.Valid() {
		return model.Message{}, apperror.InvalidArgument("type must be one of text, image, file, voice")
	}
	in.Content = strings.TrimSpace(in.Content)
	if msgType != model.MessageVoice && in.Content == "" {
		return model.Message{}, apperror.InvalidArgument("content is required")
	}
	if utf8.RuneCountInString(in.Content) > s.opts.MaxContentLength {
		return model.Message{}, apperror.InvalidArgument("content is too long")
	}
	voiceDuration := in.VoiceDuration
	if voiceDuration != nil && *voiceDuration < 0 {
		return model.Message{}, apperror.InvalidArgument("voiceDuration must not be negative")
	}
	// У голосового сообщения длительность заменяет текст.
	if msgType == model.MessageVoice && voiceDuration == nil {
		return model.Message{}, apperror.InvalidArgument("voiceDuration is required for voice messages")
	}
	if msgType != model.MessageVoice {
		voiceDuration = nil
	}
	var replyToID *string
	if in.ReplyToID != "" {
		id, err := canonicalID(in.ReplyToID, "replyToId")
		if err != nil {
			return model.Message{}, err
		}
		replyToID = &id
	}

	var (
		msg       model.Message
		replyTo   *model.Message
		memberIDs []string
	)
	err = s.store.InTx(ctx, func(r repository.Repos) error {
		if _, err := requireMember(ctx, r, conversationID, requesterID); err != nil {
			return err
		}
		if replyToID != nil {
			target, err := r.Messages.GetByID(ctx, *replyToID)
			if errors.Is(err, repository.ErrNotFound) || (err == nil && target.ConversationID != conversationID) {
				return apperror.NotFound("reply target not found")
			}
			if err != nil {
				return err
			}
			replyTo = target
		}

		seq, lastActivity, err := r.Conversations.NextSeq(ctx, conversationID)
		if err != nil {
			return err
		}
		createdAt := s.now()
		if createdAt.Before(lastActivity) {
			createdAt = lastActivity
		}
		msg = model.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       requesterID,
			Content:        in.Content,
			Type:           msgType,
			VoiceDuration:  voiceDuration,
			ReplyToID:      replyToID,
			Seq:            seq,
			CreatedAt:      createdAt,
		}
		if err := r.Messages.Create(ctx, &msg); err != nil {
			return err
		}
		if err := r.Conversations.SetLastMessage(ctx, conversationID, msg.ID, msg.CreatedAt); err != nil {
			return err
		}
		members, err := r.Conversations.ListMembers(ctx, []string{conversationID})
		if err != nil {
			return err
		}
		memberIDs = memberIDsOf(members[conversationID])
		return nil
	})
	if err != nil {
		return model.Message{}, s.fail("SendMessage", err)
	}

	lookup := []string{requesterID}
	if replyTo != nil {
		lookup = append(lookup, replyTo.SenderID)
	}
	users, err := s.users.Lookup(ctx, lookup)
	if err != nil {
		// Сообщение уже сохранено: без имён отвечаем, но не ошибкой.
		logger.Errorf("SendMessage: directory lookup: %v", err)
		users = map[string]model.UserPublic{}
	}
	sender := userOrID(users, requesterID)
	msg.Sender = &sender
	msg.Reactions = []model.ReactionSummary{}
	if replyTo != nil {
		msg.ReplyTo = quoteOf(replyTo, users)
	}

	broadcast := msg
	s.notify(ctx, events.Event{
		Type:           events.MessageCreated,
		ConversationID: conversationID,
		ActorID:        requesterID,
		Recipients:     memberIDs,
		Payload:        broadcast,
	})

	msg.IsMine = true
	return msg, nil
}

func (s *ConversationService) ListMessages(ctx context.Context, requesterID, conversationID string, in ListMessagesInput) (_ []model.Message, err error) {
	defer s.observe("ListMessages", time.Now(), &err)
	if requesterID, err = canonicalRequester(requesterID); err != nil {
		return nil, err
	}
	if conversationID, err = canonicalID(conversationID, "conversation id"); err != nil {
		return nil, err
	}
	if in.BeforeSeq < 0 {
		return nil, apperror.InvalidArgument("before must not be negative")
	}
	limit := in.Limit
	if limit <= 0 || limit > s.opts.PageSize {
		limit = s.opts.PageSize
	}

	var (
		msgs      []model.Message
		replies   map[string]model.Message
		reactions map[string][]model.ReactionSummary
	)
	err = s.store.InTx(ctx, func(r repository.Repos) error {
		if _, err := requireMember(ctx, r, conversationID, requesterID); err != nil {
			return err
		}
		var err error
		msgs, err = r.Messages.ListRecent(ctx, conversationID, in.BeforeSeq, limit)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(msgs))
		inPage := make(map[string]model.Message, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
			inPage[m.ID] = m
		}
		missing := make([]string, 0)
		for _, m := range msgs {
			if m.ReplyToID == nil {
				continue
			}
			if _, ok := inPage[*m.ReplyToID]; !ok {
				missing = append(missing, *m.ReplyToID)
			}
		}
		replies, err = r.Messages.GetByIDs(ctx, missing)
		if err != nil {
			return err
		}
		for id, m := range inPage {
			replies[id] = m
		}
		reactions, err = r.Reactions.Summaries(ctx, ids, requesterID)
		return err
	})
	if err != nil {
		return nil, s.fail("ListMessages", err)
	}

	userIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		userIDs = append(userIDs, m.SenderID)
		if m.ReplyToID != nil {
			if rm, ok := replies[*m.ReplyToID]; ok {
				userIDs = append(userIDs, rm.SenderID)
			}
		}
	}
	users, err := s.users.Lookup(ctx, uniq(userIDs))
	if err != nil {
		return nil, s.fail("ListMessages", err)
	}

	for i := range msgs {
		m := &msgs[i]
		sender := userOrID(users, m.SenderID)
		m.Sender = &sender
		m.IsMine = m.SenderID == requesterID
		m.Reactions = reactions[m.ID]
		if m.Reactions == nil {
			m.Reactions = []model.ReactionSummary{}
		}
		if m.ReplyToID != nil {
			if rm, ok := replies[*m.ReplyToID]; ok {
				m.ReplyTo = quoteOf(&rm, users)
			}
		}
	}
	return msgs, nil
}

func (s *ConversationService) ToggleReaction(ctx context.Context, requesterID, messageID, emoji string) (_ ToggleResult, err error) {
	defer s.observe("ToggleReaction", time.Now(), &err)
	if requesterID, err = canonicalRequester(requesterID); err != nil {
		return ToggleResult{}, err
	}
	if messageID, err = canonicalID(messageID, "message id"); err != nil {
		return ToggleResult{}, err
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ToggleResult{}, apperror.InvalidArgument("emoji is required")
	}
	if len(emoji) > MaxEmojiBytes || !utf8.ValidString(emoji) {
		return ToggleResult{}, apperror.InvalidArgument("emoji is invalid")
	}

	var (
		res       = ToggleResult{MessageID: messageID, Emoji: emoji}
		convID    string
		memberIDs []string
	)
	err = s.store.InTx(ctx, func(r repository.Repos) error {
		msg, err := r.Messages.GetByID(ctx, messageID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperror.NotFound("message not found")
		}
		if err != nil {
			return err
		}
		convID = msg.ConversationID
		if _, err := r.Conversations.GetMember(ctx, convID, requesterID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return apperror.Forbidden("not a member of this conversation")
			}
			return err
		}
		res.Active, err = r.Reactions.Toggle(ctx, messageID, requesterID, emoji, s.now())
		if err != nil {
			return err
		}
		members, err := r.Conversations.ListMembers(ctx, []string{convID})
		if err != nil {
			return err
		}
		memberIDs = memberIDsOf(members[convID])
		return nil
	})
	if err != nil {
		return ToggleResult{}, s.fail("ToggleReaction", err)
	}

	s.notify(ctx, events.Event{
		Type:           events.ReactionToggled,
		ConversationID: convID,
		ActorID:        requesterID,
		Recipients:     memberIDs,
		Payload: events.ReactionPayload{
			MessageID:      messageID,
			ConversationID: convID,
			UserID:         requesterID,
			Emoji:          emoji,
			Active:         res.Active,
		},
	})
	return res, nil
}

func (s *ConversationService) MarkRead(ctx context.Context, requesterID, conversationID string) (_ model.ReadState, err error) {
	defer s.observe("MarkRead", time.Now(), &err)
	if requesterID, err = canonicalRequester(requesterID); err != nil {
		return model.ReadState{}, err
	}
	if conversationID, err = canonicalID(conversationID, "conversation id"); err != nil {
		return model.ReadState{}, err
	}

	var (
		rs        *model.ReadState
		memberIDs []string
	)
	err = s.store.InTx(ctx, func(r repository.Repos) error {
		if _, err := requireMember(ctx, r, conversationID, requesterID); err != nil {
			return err
		}
		var err error
		rs, err = r.ReadState.Advance(ctx, conversationID, requesterID)
		if err != nil {
			return err
		}
		if !rs.Advanced {
			return nil
		}
		members, err := r.Conversations.ListMembers(ctx, []string{conversationID})
		if err != nil {
			return err
		}
		memberIDs = memberIDsOf(members[conversationID])
		return nil
	})
	if err != nil {
		return model.ReadState{}, s.fail("MarkRead", err)
	}

	if rs.Advanced {
		s.notify(ctx, events.Event{
			Type:           events.ConversationRead,
			ConversationID: conversationID,
			ActorID:        requesterID,
			Recipients:     memberIDs,
			Payload: events.ReadPayload{
				ConversationID:    conversationID,
				UserID:            requesterID,
				LastReadMessageID: rs.LastReadMessageID,
			},
		})
	}
	return *rs, nil
}

// Typing рассылает эфемерный индикатор набора остальным участникам; ничего не сохраняет.
func (s *ConversationService) Typing(ctx context.Context, requesterID, conversationID string) (err error) {
	defer s.observe("Typing", time.Now(), &err)
	if requesterID, err = canonicalRequester(requesterID); err != nil {
		return err
	}
	if conversationID, err = canonicalID(conversationID, "conversation id"); err != nil {
		return err
	}
	var others []string
	err = s.store.InTx(ctx, func(r repository.Repos) error {
		if _, err := requireMember(ctx, r, conversationID, requesterID); err != nil {
			return err
		}
		members, err := r.Conversations.ListMembers(ctx, []string{conversationID})
		if err != nil {
			return err
		}
		for _, id := range memberIDsOf(members[conversationID]) {
			if id != requesterID {
				others = append(others, id)
			}
		}
		return nil
	})
	if err != nil {
		return s.fail("Typing", err)
	}
	s.notify(ctx, events.Event{
		Type:           events.Typing,
		ConversationID: conversationID,
		ActorID:        requesterID,
		Recipients:     others,
		Payload:        events.TypingPayload{ConversationID: conversationID, UserID: requesterID},
	})
	return nil
}

func (s *ConversationService) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Microsecond)
}

func (s *ConversationService) notify(ctx context.Context, e events.Event) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, e)
	}
}

func (s *ConversationService) observe(op string, start time.Time, errp *error) {
	logger.LogDuration("service."+op, start)
	s.metrics.ObserveOp(op, start, *errp)
}

// fail пропускает ошибки apperror как есть, остальные логирует и превращает в Internal.
func (s *ConversationService) fail(op string, err error) error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return ae
	}
	logger.Errorf("%s: %v", op, err)
	return apperror.Internal(err)
}

func requireMember(ctx context.Context, r repository.Repos, conversationID, userID string) (*model.Conversation, error) {
	conv, err := r.Conversations.GetByID(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.NotFound("conversation not found")
	}
	if err != nil {
		return nil, err
	}
	if _, err := r.Conversations.GetMember(ctx, conversationID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.Forbidden("not a member of this conversation")
		}
		return nil, err
	}
	return conv, nil
}

// canonicalRequester приводит id вызывающего к каноническому виду UUID (нижний регистр, без скобок и urn:).
func canonicalRequester(id string) (string, error) {
	u, err := uuid.Parse(id)
	if id == "" || err != nil {
		return "", apperror.Unauthorized("unauthorized")
	}
	return u.String(), nil
}

// canonicalID проверяет id и возвращает его каноническую запись: с ней сравниваются
// участники, строится direct_key и маршрутизируются события.
func canonicalID(id, field string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", apperror.InvalidArgument("invalid " + field)
	}
	return u.String(), nil
}

func memberIDsOf(members []model.Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func userOrID(users map[string]model.UserPublic, id string) model.UserPublic {
	if u, ok := users[id]; ok {
		return u
	}
	return model.UserPublic{ID: id}
}

func quoteOf(m *model.Message, users map[string]model.UserPublic) *model.ReplyQuote {
	return &model.ReplyQuote{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: userOrID(users, m.SenderID).DisplayName(),
		Content:    m.Content,
		Type:       m.Type,
	}
}
