// Package registry 管理所有存活中的遊戲房間
//
// 系統設計考量：
//
//  1. 雙索引：
//     rooms（roomID → Room）與 codes（加入碼 → roomID）在同一把鎖下同時更新，
//     任何時刻兩個索引都一致。
//
//  2. 加入碼唯一性：
//     所有建立房間的路徑（一般、快速配對、AI、再戰）都走同一個 allocate：
//     抽碼 → 檢查本機存活房間 → 向 CodeReserver 預留（可選，Redis SET NX）→ 寫入索引。
//     最多重試 MaxCodeAttempts 次，用完則整個操作失敗。
//
//  3. 硬性 TTL：
//     每分鐘掃描一次，createdAt 超過 1 小時的房間無論狀態一律刪除。
//
//  4. 生命週期：
//     Registry 由 main 建立並注入 handler，Stop 停止清理 goroutine 並關閉所有房間，
//     測試可以各自建立獨立的 Registry。
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"

	"github.com/koopa0/system-design/14-math-arena/internal/aiopponent"
	"github.com/koopa0/system-design/14-math-arena/internal/question"
	"github.com/koopa0/system-design/14-math-arena/internal/room"
	apperrors "github.com/koopa0/system-design/14-math-arena/pkg/errors"
)

const (
	// CodeAlphabet 加入碼字元集（不分大小寫，一律以大寫儲存）
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// CodeLength 加入碼長度
	CodeLength = 6
)

// ErrCodeSpaceExhausted 重試次數用完仍找不到可用的加入碼
var ErrCodeSpaceExhausted = apperrors.New(apperrors.ErrCodeInternal, "failed to allocate a unique join code")

// CodeReserver 跨程序的加入碼預留（如 Redis SET NX）
type CodeReserver interface {
	Reserve(ctx context.Context, code string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, code string) error
}

// Registry 房間註冊表
type Registry struct {
	rooms map[string]*room.Room // roomID -> Room
	codes map[string]string     // joinCode -> roomID
	mu    sync.RWMutex

	logger    *slog.Logger
	codeMu    sync.Mutex
	newCode   func() string
	reserver  CodeReserver
	generator question.Generator
	now       func() time.Time

	roomTTL         time.Duration
	sweepInterval   time.Duration
	countdown       time.Duration
	rematchTimeout  time.Duration
	maxCodeAttempts int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option 註冊表選項
type Option func(*Registry)

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCodeReserver 啟用跨程序加入碼預留
func WithCodeReserver(cr CodeReserver) Option {
	return func(r *Registry) { r.reserver = cr }
}

// WithCodeGenerator 替換加入碼產生器（測試用）
func WithCodeGenerator(gen func() string) Option {
	return func(r *Registry) { r.newCode = gen }
}

// WithQuestionGenerator 替換題目產生器
func WithQuestionGenerator(g question.Generator) Option {
	return func(r *Registry) { r.generator = g }
}

// WithRoomTTL 房間硬性存活時間
func WithRoomTTL(d time.Duration) Option {
	return func(r *Registry) { r.roomTTL = d }
}

// WithSweepInterval 清理掃描間隔（0 表示不啟動背景清理）
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithTimers 倒數與再戰逾時
func WithTimers(countdown, rematchTimeout time.Duration) Option {
	return func(r *Registry) {
		r.countdown = countdown
		r.rematchTimeout = rematchTimeout
	}
}

// WithMaxCodeAttempts 加入碼重試次數
func WithMaxCodeAttempts(n int) Option {
	return func(r *Registry) { r.maxCodeAttempts = n }
}

// New 創建註冊表並啟動清理 goroutine
func New(logger *slog.Logger, opts ...Option) (*Registry, error) {
	newCode, err := nanoid.CustomASCII(CodeAlphabet, CodeLength)
	if err != nil {
		return nil, fmt.Errorf("create join code generator: %w", err)
	}

	r := &Registry{
		rooms:           make(map[string]*room.Room),
		codes:           make(map[string]string),
		logger:          logger.With("component", "registry"),
		newCode:         newCode,
		generator:       question.NewGenerator(),
		now:             time.Now,
		roomTTL:         time.Hour,
		sweepInterval:   time.Minute,
		countdown:       3 * time.Second,
		rematchTimeout:  30 * time.Second,
		maxCodeAttempts: 10,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.sweepInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop()
	}

	return r, nil
}

// CreateRoom 創建房間，房主為第一位玩家
func (r *Registry) CreateRoom(ctx context.Context, hostID, hostName string, isQuickMatch bool, settings room.Settings) (*room.Room, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	rm, err := r.insert(ctx, func(id, code string) *room.Room {
		return room.New(room.Config{
			ID:             id,
			Code:           code,
			HostID:         hostID,
			HostName:       hostName,
			IsQuickMatch:   isQuickMatch,
			Settings:       settings,
			Generator:      r.generator,
			Now:            r.now,
			Countdown:      r.countdown,
			RematchTimeout: r.rematchTimeout,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("room created",
		"room_id", rm.ID,
		"join_code", rm.Code,
		"host_id", hostID,
		"quick_match", isQuickMatch,
		"operation", settings.Operation)

	return rm, nil
}

// insert 分配加入碼並寫入雙索引
func (r *Registry) insert(ctx context.Context, build func(id, code string) *room.Room) (*room.Room, error) {
	for attempt := 1; attempt <= r.maxCodeAttempts; attempt++ {
		code := r.drawCode()

		r.mu.RLock()
		_, taken := r.codes[code]
		r.mu.RUnlock()
		if taken {
			continue
		}

		reserved, err := r.reserve(ctx, code)
		if err != nil {
			return nil, err
		}
		if !reserved {
			continue
		}

		rm := build(uuid.NewString(), code)

		r.mu.Lock()
		if _, taken := r.codes[code]; taken {
			// 預留與寫入之間被本機其他請求搶先
			r.mu.Unlock()
			r.release(code)
			continue
		}
		r.rooms[rm.ID] = rm
		r.codes[code] = rm.ID
		r.mu.Unlock()

		return rm, nil
	}

	r.logger.Error("join code allocation exhausted", "attempts", r.maxCodeAttempts)
	return nil, ErrCodeSpaceExhausted
}

// drawCode 抽一個候選加入碼（產生器共享緩衝區，序列化呼叫）
func (r *Registry) drawCode() string {
	r.codeMu.Lock()
	defer r.codeMu.Unlock()
	return strings.ToUpper(r.newCode())
}

// reserve 向 CodeReserver 預留加入碼
//
// 預留服務不可用時只記錄警告，退回本機唯一性檢查。
func (r *Registry) reserve(ctx context.Context, code string) (bool, error) {
	if r.reserver == nil {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "request cancelled")
	}

	ok, err := r.reserver.Reserve(ctx, code, r.roomTTL)
	if err != nil {
		r.logger.Warn("code reservation unavailable, using local check only", "code", code, "error", err)
		return true, nil
	}
	return ok, nil
}

func (r *Registry) release(code string) {
	if r.reserver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.reserver.Release(ctx, code); err != nil {
		r.logger.Warn("failed to release join code", "code", code, "error", err)
	}
}

// GetRoom 依 ID 查詢房間
func (r *Registry) GetRoom(roomID string) (*room.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	return rm, ok
}

// GetRoomByCode 依加入碼查詢房間（不分大小寫）
func (r *Registry) GetRoomByCode(code string) (*room.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.codes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, false
	}
	rm, ok := r.rooms[roomID]
	return rm, ok
}

// DeleteRoom 刪除房間（兩個索引、計時器、加入碼預留）
func (r *Registry) DeleteRoom(roomID string) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
		delete(r.codes, rm.Code)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	rm.Close()
	r.release(rm.Code)
	r.logger.Info("room deleted", "room_id", roomID, "join_code", rm.Code)
	return true
}

// CreateAIRoom 創建 AI 對戰房間並直接開局
func (r *Registry) CreateAIRoom(ctx context.Context, hostID, hostName string, settings room.Settings, difficulty aiopponent.Difficulty) (*room.Room, error) {
	profile, ok := aiopponent.ProfileFor(difficulty)
	if !ok {
		return nil, apperrors.InvalidInput("unknown difficulty: %q", difficulty)
	}
	settings.MaxPlayers = room.MinPlayers
	settings.GameMode = room.ModeFFA

	rm, err := r.CreateRoom(ctx, hostID, hostName, false, settings)
	if err != nil {
		return nil, err
	}

	if _, err := rm.StartAIGame("ai-"+uuid.NewString()[:8], profile); err != nil {
		r.DeleteRoom(rm.ID)
		return nil, err
	}

	r.logger.Info("ai game started", "room_id", rm.ID, "difficulty", difficulty)
	return rm, nil
}

// CreateRematchRoom 依再戰計畫建立新房間
//
// 原房主擔任房主、連線中的玩家依原順序加入、設定原樣複製；
// 團隊模式下依計畫保留分隊，否則重新隨機分隊。
func (r *Registry) CreateRematchRoom(ctx context.Context, plan *room.RematchPlan) (*room.Room, error) {
	if plan.AIDifficulty != "" {
		return r.CreateAIRoom(ctx, plan.HostID, plan.HostName, plan.Settings, plan.AIDifficulty)
	}

	rm, err := r.CreateRoom(ctx, plan.HostID, plan.HostName, plan.IsQuickMatch, plan.Settings)
	if err != nil {
		return nil, err
	}

	for _, p := range plan.Players {
		if _, err := rm.Join(p.ID, p.Name); err != nil {
			r.DeleteRoom(rm.ID)
			return nil, err
		}
	}

	if plan.Settings.GameMode == room.ModeTeams {
		if plan.KeepTeams {
			err = rm.RestoreTeams(plan.Teams)
		} else {
			err = rm.ShuffleTeams()
		}
		if err != nil {
			r.DeleteRoom(rm.ID)
			return nil, err
		}
	}

	r.logger.Info("rematch room created",
		"room_id", rm.ID,
		"source_room_id", plan.SourceRoomID,
		"players", len(plan.Players)+1)

	return rm, nil
}

// sweepLoop 定期清理過期房間
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep 刪除 createdAt 超過 TTL 的房間（不論狀態），返回刪除數量
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.roomTTL)

	r.mu.RLock()
	var expired []string
	for id, rm := range r.rooms {
		if rm.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if r.DeleteRoom(id) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("expired rooms swept", "count", removed)
	}
	return removed
}

// Stats 統計資訊
type Stats struct {
	TotalRooms      int                `json:"totalRooms"`
	TotalPlayers    int                `json:"totalPlayers"`
	QuickMatchRooms int                `json:"quickMatchRooms"`
	AIRooms         int                `json:"aiRooms"`
	ByState         map[room.State]int `json:"byState"`
}

// Stats 獲取統計資訊
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	rooms := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	s := Stats{TotalRooms: len(rooms), ByState: make(map[room.State]int)}
	for _, rm := range rooms {
		s.ByState[rm.State()]++
		s.TotalPlayers += rm.PlayerCount()
		if rm.IsQuickMatch {
			s.QuickMatchRooms++
		}
		if rm.IsAIGame() {
			s.AIRooms++
		}
	}
	return s
}

// Stop 停止清理 goroutine 並關閉所有房間
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()

	r.mu.Lock()
	for _, rm := range r.rooms {
		rm.Close()
	}
	r.mu.Unlock()

	r.logger.Info("registry stopped")
}
