package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/msgcore/internal/apperror"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// GetUserID возвращает user_id из контекста (устанавливается AuthServiceValidate или JWTAuth).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// writeError отвечает JSON-ошибкой того же вида, что и обработчики API.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": kind})
}

func writeKind(w http.ResponseWriter, kind apperror.Kind, msg string) {
	writeError(w, apperror.HTTPStatus(kind), string(kind), msg)
}

func unauthorized(w http.ResponseWriter) {
	writeKind(w, apperror.KindUnauthorized, "unauthorized")
}
