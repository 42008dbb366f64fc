package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/msgcore/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время выполнения.
// Успешные быстрые запросы пишутся на уровне debug, ошибки 5xx: на уровне error.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)

		l := logger.Logger()
		ev := l.Debug()
		switch {
		case wrap.status >= http.StatusInternalServerError:
			ev = l.Error()
		case time.Since(start) >= 100*time.Millisecond:
			ev = l.Info()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrap.status).
			Str("request_id", chimw.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("http")
	})
}
