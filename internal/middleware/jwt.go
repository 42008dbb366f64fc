package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTAuth проверяет Bearer-токен (HS256) и кладёт claim sub в контекст как user_id.
// Для WebSocket токен можно передать в query-параметре token.
func JWTAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.URL.Query().Get("token")
			if header := r.Header.Get("Authorization"); header != "" {
				var ok bool
				tokenStr, ok = strings.CutPrefix(header, "Bearer ")
				if !ok {
					unauthorized(w)
					return
				}
			}
			if tokenStr == "" {
				unauthorized(w)
				return
			}

			token, err := parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				unauthorized(w)
				return
			}
			sub, err := token.Claims.GetSubject()
			if err != nil {
				unauthorized(w)
				return
			}
			userID, err := uuid.Parse(sub)
			if err != nil {
				unauthorized(w)
				return
			}
			// В контекст кладётся каноническая запись: по ней хаб маршрутизирует события.
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID.String())))
		})
	}
}
