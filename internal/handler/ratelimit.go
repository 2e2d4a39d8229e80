package handler

import (
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-math-arena/pkg/errors"
)

// errRateLimited 超過動作頻率限制
var errRateLimited = apperrors.New(apperrors.ErrCodeRateLimited, "rate limit exceeded")

// tokenBucket 令牌桶（呼叫端持有 limiter 的鎖）
//
// 桶容量決定可容忍的突發量，填充速率決定平均每秒動作數。
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// limiter 以客戶端為單位的令牌桶限流
//
// 系統設計考量：
//   - update-progress 每答一題就送一次，是最頻繁的動作，
//     容量需容納快速作答時的連續請求
//   - 單機記憶體實作；閒置超過 idleTTL 的桶在 Allow 時順便清除
type limiter struct {
	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	capacity   float64
	refillRate float64
	idleTTL    time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

func newLimiter(capacity, refillPerSecond int, now func() time.Time) *limiter {
	return &limiter{
		buckets:    make(map[string]*tokenBucket),
		capacity:   float64(capacity),
		refillRate: float64(refillPerSecond),
		idleTTL:    5 * time.Minute,
		lastSweep:  now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (l *limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastRefill) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(l.capacity, b.tokens+elapsed*l.refillRate)
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// rateLimit 限流中間件（未設定限流時直接放行）
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			h.errorResponse(w, r, errRateLimited)
			return
		}
		next(w, r)
	}
}

// clientKey 限流維度：客戶端 IP
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
