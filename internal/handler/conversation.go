package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/middleware"
	"github.com/msgcore/internal/model"
	"github.com/msgcore/internal/service"
)

// Conversations — операции сервиса бесед, которые отдаёт REST API.
type Conversations interface {
	ListConversations(ctx context.Context, requesterID string) ([]model.ConversationSummary, error)
	GetConversation(ctx context.Context, requesterID, conversationID string) (model.ConversationSummary, error)
	CreateConversation(ctx context.Context, requesterID string, in service.CreateConversationInput) (service.CreateResult, error)
	SendMessage(ctx context.Context, requesterID, conversationID string, in service.SendMessageInput) (model.Message, error)
	ListMessages(ctx context.Context, requesterID, conversationID string, in service.ListMessagesInput) ([]model.Message, error)
	ToggleReaction(ctx context.Context, requesterID, messageID, emoji string) (service.ToggleResult, error)
	MarkRead(ctx context.Context, requesterID, conversationID string) (model.ReadState, error)
}

type ConversationHandler struct {
	svc Conversations
}

func NewConversationHandler(svc Conversations) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

// Routes монтирует маршруты бесед и сообщений (под /api).
func (h *ConversationHandler) Routes(r chi.Router) {
	r.Get("/conversations", h.List)
	r.Post("/conversations", h.Create)
	r.Get("/conversations/{id}", h.Get)
	r.Get("/conversations/{id}/messages", h.ListMessages)
	r.Post("/conversations/{id}/messages", h.SendMessage)
	r.Post("/conversations/{id}/read", h.MarkRead)
	r.Post("/messages/{id}/react", h.React)
}

type CreateConversationRequest struct {
	Type           model.ConversationKind `json:"type"`
	Name           string                 `json:"name"`
	ParticipantIDs []string               `json:"participantIds"`
}

type SendMessageRequest struct {
	Content       string            `json:"content"`
	Type          model.MessageType `json:"type"`
	ReplyToID     string            `json:"replyToId"`
	VoiceDuration *int              `json:"voiceDuration"`
}

type ReactRequest struct {
	Emoji string `json:"emoji"`
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.List", time.Now())()
	list, err := h.svc.ListConversations(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.Get", time.Now())()
	conv, err := h.svc.GetConversation(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.Create", time.Now())()
	var req CreateConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.CreateConversation(r.Context(), middleware.GetUserID(r.Context()), service.CreateConversationInput{
		Kind:           req.Type,
		Name:           req.Name,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Conversation)
}

func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.SendMessage", time.Now())()
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.svc.SendMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), service.SendMessageInput{
		Content:       req.Content,
		Type:          req.Type,
		ReplyToID:     req.ReplyToID,
		VoiceDuration: req.VoiceDuration,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.ListMessages", time.Now())()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	before, err := queryInt(r, "before", 0)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	msgs, err := h.svc.ListMessages(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), service.ListMessagesInput{
		Limit:     int(limit),
		BeforeSeq: before,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ConversationHandler) React(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.React", time.Now())()
	var req ReactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.ToggleReaction(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Emoji)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("ConversationHandler.MarkRead", time.Now())()
	rs, err := h.svc.MarkRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}
