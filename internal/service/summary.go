package service

import (
	"context"
	"strings"

	"github.com/msgcore/internal/model"
	"github.com/msgcore/internal/repository"
)

// conversationData — сырые данные бесед, прочитанные внутри транзакции.
// Имена пользователей подставляются уже после коммита.
type conversationData struct {
	convs   []model.Conversation
	members map[string][]model.Member
	last    map[string]model.Message
	unread  map[string]int
}

func loadConversationData(ctx context.Context, r repository.Repos, requesterID string, convs []model.Conversation) (*conversationData, error) {
	data := &conversationData{convs: convs}
	ids := make([]string, 0, len(convs))
	lastIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
		if c.LastMessageID != nil {
			lastIDs = append(lastIDs, *c.LastMessageID)
		}
	}
	var err error
	if data.members, err = r.Conversations.ListMembers(ctx, ids); err != nil {
		return nil, err
	}
	if data.last, err = r.Messages.GetByIDs(ctx, lastIDs); err != nil {
		return nil, err
	}
	if data.unread, err = r.Messages.UnreadCounts(ctx, requesterID); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *ConversationService) summarize(ctx context.Context, requesterID string, data *conversationData) ([]model.ConversationSummary, error) {
	userIDs := make([]string, 0, len(data.convs)*2)
	for _, c := range data.convs {
		userIDs = append(userIDs, memberIDsOf(data.members[c.ID])...)
	}
	users, err := s.users.Lookup(ctx, uniq(userIDs))
	if err != nil {
		return nil, err
	}

	out := make([]model.ConversationSummary, 0, len(data.convs))
	for _, c := range data.convs {
		members := data.members[c.ID]
		roster := make([]model.UserPublic, 0, len(members))
		for _, m := range members {
			roster = append(roster, userOrID(users, m.UserID))
		}
		sum := model.ConversationSummary{
			ID:             c.ID,
			Kind:           c.Kind,
			IsGroup:        c.Kind == model.ConversationGroup,
			Name:           displayName(c, roster, requesterID),
			LastActivityAt: c.UpdatedAt,
			Members:        roster,
			UnreadCount:    data.unread[c.ID],
			CreatedAt:      c.CreatedAt,
		}
		if c.LastMessageID != nil {
			if m, ok := data.last[*c.LastMessageID]; ok {
				sum.LastMessage = m.Preview()
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

// displayName возвращает имя собеседника для личной беседы, для группы сохранённое имя
// или первые участники через запятую.
func displayName(c model.Conversation, roster []model.UserPublic, requesterID string) string {
	if c.Kind == model.ConversationDirect {
		for _, u := range roster {
			if u.ID != requesterID {
				return u.DisplayName()
			}
		}
		return ""
	}
	if c.Name != "" {
		return c.Name
	}
	names := make([]string, 0, groupNameFallbackSize)
	for _, u := range roster {
		if len(names) == groupNameFallbackSize {
			break
		}
		names = append(names, u.DisplayName())
	}
	return strings.Join(names, ", ")
}
