// Package matchmaking 實現快速配對隊列
//
// 配對是請求方主動拉取：呼叫 FindOpponent 時依加入順序掃描，
// 第一個題目類型相同、且不是自己的項目即為對手（先到先配，不做實力排序）。
// 兩個玩家同時配對時由隊列的鎖序列化，先取得鎖的一方配對成功。
package matchmaking

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-math-arena/internal/question"
)

// Entry 隊列項目
type Entry struct {
	PlayerID   string             `json:"playerId"`
	PlayerName string             `json:"playerName"`
	Operation  question.Operation `json:"operation"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
}

// Queue 快速配對隊列
type Queue struct {
	entries []Entry // 依加入順序
	mu      sync.Mutex

	logger        *slog.Logger
	now           func() time.Time
	entryTTL      time.Duration
	sweepInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option 隊列選項
type Option func(*Queue)

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithEntryTTL 項目存活時間
func WithEntryTTL(d time.Duration) Option {
	return func(q *Queue) { q.entryTTL = d }
}

// WithSweepInterval 清理間隔（0 表示不啟動背景清理）
func WithSweepInterval(d time.Duration) Option {
	return func(q *Queue) { q.sweepInterval = d }
}

// New 創建隊列並啟動清理 goroutine
func New(logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		logger:        logger.With("component", "matchmaking"),
		now:           time.Now,
		entryTTL:      5 * time.Minute,
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.sweepInterval > 0 {
		q.wg.Add(1)
		go q.sweepLoop()
	}
	return q
}

// Add 加入隊列（同一玩家重複加入時覆蓋舊項目，並移到隊尾）
func (q *Queue) Add(playerID, playerName string, op question.Operation) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.remove(playerID)
	e := Entry{
		PlayerID:   playerID,
		PlayerName: playerName,
		Operation:  op,
		EnqueuedAt: q.now(),
	}
	q.entries = append(q.entries, e)

	q.logger.Debug("player queued", "player_id", playerID, "operation", op, "queue_size", len(q.entries))
	return e
}

// FindOpponent 尋找對手
//
// 找到時同時移除對手與呼叫者自己的項目。
func (q *Queue) FindOpponent(playerID string, op question.Operation) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := slices.IndexFunc(q.entries, func(e Entry) bool {
		return e.Operation == op && e.PlayerID != playerID
	})
	if idx < 0 {
		return Entry{}, false
	}

	opponent := q.entries[idx]
	q.entries = slices.Delete(q.entries, idx, idx+1)
	q.remove(playerID)

	q.logger.Info("players matched",
		"player_id", playerID,
		"opponent_id", opponent.PlayerID,
		"operation", op)
	return opponent, true
}

// Remove 取消配對
func (q *Queue) Remove(playerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(playerID)
}

func (q *Queue) remove(playerID string) bool {
	before := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, func(e Entry) bool { return e.PlayerID == playerID })
	return len(q.entries) != before
}

// Len 隊列長度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries 隊列副本（依加入順序）
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// Sweep 清除超過 TTL 的項目，返回清除數量
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.entryTTL)
	before := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, func(e Entry) bool { return e.EnqueuedAt.Before(cutoff) })

	removed := before - len(q.entries)
	if removed > 0 {
		q.logger.Info("stale queue entries purged", "count", removed)
	}
	return removed
}

func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Sweep()
		case <-q.stopCh:
			return
		}
	}
}

// Stop 停止清理 goroutine
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}
