package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.jsonResponse(w, errorBody{
					Error: apperrors.New(apperrors.CodeInternal, "internal server error"),
				}, http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// rateLimit 每個客戶端一個 token bucket；超過時回傳 429
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next(w, r)
			return
		}
		lim := h.limiter.get(clientKey(r))
		if !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			h.jsonResponse(w, errorBody{
				Error: apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"),
			}, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientKey 限流維度：來源 IP
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientLimiter 每個客戶端的限流器
//
// 閒置超過 idleTTL 的限流器在下次取得時順便清掉，map 不會無限成長。
type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleTTL = 5 * time.Minute

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		limiters:  make(map[string]*limiterEntry),
		lastSweep: time.Now(),
	}
}

func (c *clientLimiter) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastSweep) > idleTTL {
		for k, e := range c.limiters {
			if now.Sub(e.lastSeen) > idleTTL {
				delete(c.limiters, k)
			}
		}
		c.lastSweep = now
	}

	e, ok := c.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(c.rps, c.burst)}
		c.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
//
// WebSocket 升級需要 Hijack、SSE 需要 Flush，都轉給底層實作。
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
