package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msgcore/internal/apperror"
	"github.com/msgcore/internal/logger"
)

// AuthServiceValidate вызывает микросервис авторизации для проверки сессии (X-Session-Id, X-Timestamp, X-Signature).
// Для WebSocket параметры можно передать в query (session_id, timestamp, signature).
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	validateURL := strings.TrimSuffix(authServiceURL, "/") + "/internal/validate"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := headerOrQuery(r, "X-Session-Id", "session_id")
			timestamp := headerOrQuery(r, "X-Timestamp", "timestamp")
			signature := headerOrQuery(r, "X-Signature", "signature")
			if sessionID == "" || timestamp == "" || signature == "" {
				unauthorized(w)
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					writeKind(w, apperror.KindInvalidArgument, "bad request")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			// Подписывается только pathname (без query) и сырое тело запроса.
			jsonBody, _ := json.Marshal(map[string]string{
				"session_id": sessionID,
				"timestamp":  timestamp,
				"signature":  signature,
				"method":     r.Method,
				"path":       r.URL.Path,
				"body":       string(body),
			})
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, validateURL, bytes.NewReader(jsonBody))
			if err != nil {
				writeKind(w, apperror.KindInternal, "internal error")
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				logger.Warnf("auth validate: %v", err)
				unauthorized(w)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				unauthorized(w)
				return
			}
			var result struct {
				UserID string `json:"user_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				unauthorized(w)
				return
			}
			userID, err := uuid.Parse(result.UserID)
			if err != nil {
				logger.Warnf("auth validate: malformed user_id %q", result.UserID)
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID.String())))
		})
	}
}

func headerOrQuery(r *http.Request, header, param string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(param)
}
