package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiterPool — token bucket на ключ (IP или пользователь). Давно не использованные ключи вычищаются.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rate.Limit(rps), burst: burst}
}

func (p *limiterPool) allow(key string) bool {
	now := time.Now()
	p.mu.Lock()
	if now.Sub(p.lastSweep) > limiterIdleTTL {
		for k, e := range p.m {
			if now.Sub(e.seen) > limiterIdleTTL {
				delete(p.m, k)
			}
		}
		p.lastSweep = now
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.seen = now
	p.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// RateLimit ограничивает запросы по user_id (если есть в контексте), иначе по IP. 429 при превышении.
// IP-лимит вдвое мягче пользовательского: за одним адресом может быть несколько клиентов.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	byIP := newLimiterPool(rps*2, burst*2)
	byUser := newLimiterPool(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var allowed bool
			if userID := GetUserID(r.Context()); userID != "" {
				allowed = byUser.allow(userID)
			} else {
				allowed = byIP.allow(clientIP(r))
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP: RemoteAddr уже переписан chi RealIP, если он стоит раньше в цепочке.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
