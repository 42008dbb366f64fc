package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgcore/internal/events"
	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/middleware"
	"github.com/msgcore/internal/model"
	"github.com/msgcore/internal/service"
	"github.com/msgcore/internal/storage/memory"
	"github.com/msgcore/internal/ws"
)

// testAuth берёт пользователя из заголовка X-User-Id (или query user) вместо настоящей авторизации.
func testAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-User-Id")
		if id == "" {
			id = r.URL.Query().Get("user")
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), id)))
	})
}

type api struct {
	srv   *httptest.Server
	hub   *ws.Hub
	alice model.UserPublic
	bob   model.UserPublic
	carol model.UserPublic
}

func newAPI(t *testing.T) *api {
	t.Helper()
	st := memory.NewStore()
	a := &api{
		alice: model.UserPublic{ID: uuid.NewString(), FullName: "Alice"},
		bob:   model.UserPublic{ID: uuid.NewString(), FullName: "Bob"},
		carol: model.UserPublic{ID: uuid.NewString(), FullName: "Carol"},
	}
	for _, u := range []model.UserPublic{a.alice, a.bob, a.carol} {
		st.AddUser(u)
	}

	svc := service.NewConversationService(st, st, service.Options{})
	hub := ws.NewHub(svc, ws.Options{}, nil)
	dispatcher := events.NewDispatcher(nil)
	dispatcher.AddSink("hub", hub)
	svc.SetNotifier(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Route("/api", func(r chi.Router) {
		r.Use(testAuth)
		NewConversationHandler(svc).Routes(r)
	})
	r.With(testAuth).Get("/ws", NewWSHandler(hub, []string{"*"}).ServeWS)

	a.hub = hub
	a.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		a.srv.Close()
	})
	return a
}

func (a *api) do(t *testing.T, method, path string, as model.UserPublic, body any) (int, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if as.ID != "" {
		req.Header.Set("X-User-Id", as.ID)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestRESTConversationLifecycle(t *testing.T) {
	a := newAPI(t)

	status, raw := a.do(t, http.MethodPost, "/api/conversations", a.alice, map[string]any{
		"type": "direct", "participantIds": []string{a.bob.ID},
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
	conv := decode[model.ConversationSummary](t, raw)
	assert.Equal(t, "Bob", conv.Name)

	status, raw = a.do(t, http.MethodPost, "/api/conversations", a.bob, map[string]any{
		"type": "direct", "participantIds": []string{a.alice.ID},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, conv.ID, decode[model.ConversationSummary](t, raw).ID)

	status, raw = a.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", a.alice, map[string]any{"content": "hi"})
	require.Equal(t, http.StatusCreated, status, string(raw))
	msg := decode[map[string]any](t, raw)
	assert.Equal(t, true, msg["isMine"])
	assert.Equal(t, "hi", msg["content"])
	msgID := msg["id"].(string)

	status, raw = a.do(t, http.MethodPost, "/api/messages/"+msgID+"/react", a.bob, map[string]any{"emoji": "👍"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, decode[service.ToggleResult](t, raw).Active)

	status, raw = a.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", a.bob, nil)
	require.Equal(t, http.StatusOK, status)
	msgs := decode[[]map[string]any](t, raw)
	require.Len(t, msgs, 1)
	assert.Equal(t, false, msgs[0]["isMine"])
	reactions := msgs[0]["reactions"].([]any)
	require.Len(t, reactions, 1)
	assert.Equal(t, map[string]any{"emoji": "👍", "count": float64(1), "byMe": true}, reactions[0])

	status, raw = a.do(t, http.MethodGet, "/api/conversations", a.bob, nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[[]model.ConversationSummary](t, raw)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnreadCount)

	status, raw = a.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/read", a.bob, nil)
	require.Equal(t, http.StatusOK, status)
	rs := decode[model.ReadState](t, raw)
	require.NotNil(t, rs.LastReadMessageID)
	assert.Equal(t, msgID, *rs.LastReadMessageID)

	status, _ = a.do(t, http.MethodGet, "/api/conversations/"+conv.ID, a.bob, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRESTErrorMapping(t *testing.T) {
	a := newAPI(t)
	_, raw := a.do(t, http.MethodPost, "/api/conversations", a.alice, map[string]any{
		"type": "direct", "participantIds": []string{a.bob.ID},
	})
	conv := decode[model.ConversationSummary](t, raw)

	cases := []struct {
		name   string
		method string
		path   string
		as     model.UserPublic
		body   any
		status int
		kind   string
	}{
		{"no identity", http.MethodGet, "/api/conversations", model.UserPublic{}, nil, http.StatusUnauthorized, "unauthorized"},
		{"empty body", http.MethodPost, "/api/conversations", a.alice, nil, http.StatusBadRequest, "invalid_argument"},
		{"empty content", http.MethodPost, "/api/conversations/" + conv.ID + "/messages", a.alice, map[string]any{"content": " "}, http.StatusBadRequest, "invalid_argument"},
		{"not a member", http.MethodGet, "/api/conversations/" + conv.ID + "/messages", a.carol, nil, http.StatusForbidden, "forbidden"},
		{"missing conversation", http.MethodPost, "/api/conversations/" + uuid.NewString() + "/read", a.alice, nil, http.StatusNotFound, "not_found"},
		{"missing message", http.MethodPost, "/api/messages/" + uuid.NewString() + "/react", a.alice, map[string]any{"emoji": "x"}, http.StatusNotFound, "not_found"},
		{"bad limit", http.MethodGet, "/api/conversations/" + conv.ID + "/messages?limit=ten", a.alice, nil, http.StatusBadRequest, "invalid_argument"},
		{"malformed id", http.MethodGet, "/api/conversations/abc", a.alice, nil, http.StatusBadRequest, "invalid_argument"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, raw := a.do(t, tc.method, tc.path, tc.as, tc.body)
			assert.Equal(t, tc.status, status, string(raw))
			assert.Equal(t, tc.kind, decode[errorResponse](t, raw).Kind)
		})
	}
}

func dial(t *testing.T, a *api, u model.UserPublic) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws?user=" + u.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.OutgoingMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg ws.OutgoingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketReceivesEvents(t *testing.T) {
	a := newAPI(t)
	_, raw := a.do(t, http.MethodPost, "/api/conversations", a.alice, map[string]any{
		"type": "direct", "participantIds": []string{a.bob.ID},
	})
	conv := decode[model.ConversationSummary](t, raw)

	bob := dial(t, a, a.bob)
	alice := dial(t, a, a.alice)

	// Регистрация в хабе асинхронна.
	require.Eventually(t, func() bool {
		return a.hub.Connected(a.bob.ID) == 1 && a.hub.Connected(a.alice.ID) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteJSON(ws.IncomingMessage{Type: ws.InTyping, ConversationID: conv.ID}))
	typing := readEvent(t, bob)
	assert.Equal(t, string(events.Typing), typing.Type)
	assert.Equal(t, a.alice.ID, typing.Payload.(map[string]any)["userId"])

	status, _ := a.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", a.alice, map[string]any{"content": "hello"})
	require.Equal(t, http.StatusCreated, status)

	created := readEvent(t, bob)
	assert.Equal(t, string(events.MessageCreated), created.Type)
	assert.Equal(t, conv.ID, created.ConversationID)
	assert.Equal(t, "hello", created.Payload.(map[string]any)["content"])

	require.NoError(t, bob.WriteJSON(ws.IncomingMessage{Type: ws.InRead, ConversationID: conv.ID}))
	read := readEvent(t, bob)
	assert.Equal(t, string(events.ConversationRead), read.Type)
	assert.Equal(t, a.bob.ID, read.Payload.(map[string]any)["userId"])

	require.NoError(t, bob.WriteJSON(ws.IncomingMessage{Type: "dance"}))
	errMsg := readEvent(t, bob)
	assert.Equal(t, ws.EventError, errMsg.Type)
	assert.Equal(t, "invalid_argument", errMsg.Payload.(map[string]any)["kind"])
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	a := newAPI(t)
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRESTHandlersLogDuration(t *testing.T) {
	out := &syncBuffer{}
	logger.SetOutput(out, zerolog.DebugLevel)
	t.Cleanup(func() { logger.SetOutput(os.Stdout, zerolog.InfoLevel) })

	a := newAPI(t)
	status, raw := a.do(t, http.MethodPost, "/api/conversations", a.alice, map[string]any{
		"type": "direct", "participantIds": []string{a.bob.ID},
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
	conv := decode[model.ConversationSummary](t, raw)
	status, raw = a.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", a.alice, map[string]any{"content": "hi"})
	require.Equal(t, http.StatusCreated, status, string(raw))
	msgID := decode[map[string]any](t, raw)["id"].(string)

	a.do(t, http.MethodGet, "/api/conversations", a.bob, nil)
	a.do(t, http.MethodGet, "/api/conversations/"+conv.ID, a.bob, nil)
	a.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", a.bob, nil)
	a.do(t, http.MethodPost, "/api/messages/"+msgID+"/react", a.bob, map[string]any{"emoji": "👍"})
	a.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/read", a.bob, nil)

	logs := out.String()
	for _, fn := range []string{"List", "Get", "Create", "SendMessage", "ListMessages", "React", "MarkRead"} {
		assert.Contains(t, logs, `"fn":"ConversationHandler.`+fn+`"`, fn)
	}
}
