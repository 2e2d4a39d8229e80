// Package handler 遊戲動作路由（HTTP 入口）
//
// 系統設計考量：
//
//  1. 單一入口：
//     POST /api/multiplayer 依 body 的 action 欄位分派到房間生命週期操作，
//     DELETE /api/multiplayer?action=quick-match 取消配對，OPTIONS 一律 200。
//
//  2. 先變更、後廣播：
//     只有操作成功才廣播；驗證失敗、找不到房間時不發任何事件。
//     廣播失敗只記錄日誌，已完成的房間變更不回滾。
//
//  3. 錯誤映射：
//     生命週期返回帶錯誤碼的 AppError，這裡統一轉成 HTTP 狀態：
//     INVALID_INPUT/CONFLICT → 400、FORBIDDEN → 403、NOT_FOUND → 404、
//     RATE_LIMITED → 429、其他 → 500。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/cors"

	"github.com/koopa0/system-design/14-math-arena/internal/broadcast"
	"github.com/koopa0/system-design/14-math-arena/internal/matchmaking"
	"github.com/koopa0/system-design/14-math-arena/internal/registry"
	"github.com/koopa0/system-design/14-math-arena/internal/storage"
	apperrors "github.com/koopa0/system-design/14-math-arena/pkg/errors"
	"github.com/koopa0/system-design/14-math-arena/pkg/logger"
)

const (
	maxBodyBytes   = 64 << 10
	maxIDLength    = 64
	defaultHistory = 20
	maxHistory     = 100
)

// Handler HTTP 請求處理器
type Handler struct {
	registry *registry.Registry
	queue    *matchmaking.Queue
	store    storage.ResultStore
	notifier *broadcast.Notifier
	hub      *broadcast.Hub
	logger   *slog.Logger
	now      func() time.Time

	allowedOrigins []string
	limiter        *limiter
	actions        map[string]actionFunc
}

// Option 處理器選項
type Option func(*Handler)

// WithHub 啟用 WebSocket 訂閱端點 GET /ws/{channel}
func WithHub(hub *broadcast.Hub) Option {
	return func(h *Handler) { h.hub = hub }
}

// WithAllowedOrigins 設定 CORS 允許的來源（預設 *）
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) { h.allowedOrigins = origins }
}

// WithRateLimit 以客戶端 IP 限制動作頻率（capacity <= 0 表示不限流）
func WithRateLimit(capacity, refillPerSecond int) Option {
	return func(h *Handler) {
		if capacity > 0 {
			h.limiter = newLimiter(capacity, refillPerSecond, func() time.Time { return h.now() })
		}
	}
}

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New 創建 HTTP 處理器
func New(reg *registry.Registry, queue *matchmaking.Queue, store storage.ResultStore, b broadcast.Broadcaster, log *slog.Logger, opts ...Option) *Handler {
	log = log.With("component", "handler")
	h := &Handler{
		registry:       reg,
		queue:          queue,
		store:          store,
		notifier:       broadcast.NewNotifier(b, log),
		logger:         log,
		now:            time.Now,
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.actions = h.actionTable()
	return h
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 遊戲動作
	mux.HandleFunc("POST /api/multiplayer", wrap(h.rateLimit(h.dispatch)))
	mux.HandleFunc("DELETE /api/multiplayer", wrap(h.rateLimit(h.cancel)))
	mux.HandleFunc("OPTIONS /api/multiplayer", h.preflight)

	mux.HandleFunc("GET /api/players/{playerId}/matches", wrap(h.playerMatches))

	// 即時訂閱（升級後的連線不經過日誌中間件）
	if h.hub != nil {
		mux.HandleFunc("GET /ws/{channel}", h.recoverer(h.hub.ServeWS))
	}

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return cors.Handler(cors.Options{
		AllowedOrigins:     h.allowedOrigins,
		AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:     []string{"Content-Type", "X-Request-ID"},
		MaxAge:             300,
		OptionsPassthrough: true,
	})(mux)
}

// preflight CORS 預檢（標頭由 cors 中介層寫入）
func (h *Handler) preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// playerMatches 玩家最近的對局紀錄
func (h *Handler) playerMatches(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerId")
	if len(playerID) > maxIDLength {
		h.errorResponse(w, r, apperrors.InvalidInput("playerId is too long"))
		return
	}

	limit := defaultHistory
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= maxHistory {
			limit = val
		}
	}

	matches, err := h.store.RecentMatches(r.Context(), playerID, limit)
	if err != nil {
		h.errorResponse(w, r, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load match history"))
		return
	}
	if matches == nil {
		matches = []storage.MatchRecord{}
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"matches": matches,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   h.now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"rooms":     h.registry.Stats(),
		"queueSize": h.queue.Len(),
	}
	if h.hub != nil {
		resp["subscribers"] = h.hub.Subscribers()
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// errorResponse 依錯誤碼返回錯誤響應
//
// 內部錯誤只返回通用訊息，細節寫進日誌。
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal server error")
	}

	status := statusFor(appErr.Code)
	body := map[string]any{
		"success": false,
		"error":   appErr.Message,
		"code":    appErr.Code,
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "error", err)
		body["error"] = "internal server error"
	} else if appErr.Details != "" {
		body["details"] = appErr.Details
	}

	h.jsonResponse(w, body, status)
}

// statusFor 錯誤碼對應的 HTTP 狀態
func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeConflict:
		return http.StatusBadRequest
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID != "" {
			r = r.WithContext(logger.WithRequestID(r.Context(), reqID))
		}

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
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
				h.logger.Error("panic while handling request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.jsonResponse(w, map[string]any{
					"success": false,
					"error":   "internal server error",
					"code":    apperrors.ErrCodeInternal,
				}, http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// background 脫離請求生命週期的 context（計時器回呼、對局存檔）
func background(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
