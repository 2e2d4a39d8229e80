// Package broadcast 將房間狀態變更推送給訂閱者
//
// 房間核心只依賴 Broadcaster 介面：
//
//	Trigger(ctx, channel, event, payload)
//
// 頻道以房間（room-<roomId>）或快速配對玩家（quickmatch-<playerId>）為單位。
// 廣播發生在狀態變更之後，失敗只記錄日誌，不回滾已完成的變更。
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// 事件名稱
const (
	EventPlayerJoined          = "player-joined"
	EventPlayerLeft            = "player-left"
	EventTeamsUpdated          = "teams-updated"
	EventSettingsUpdated       = "settings-updated"
	EventReadyPhaseStarted     = "ready-phase-started"
	EventPlayerReady           = "player-ready"
	EventGameStarting          = "game-starting"
	EventGameStarted           = "game-started"
	EventOpponentProgress      = "opponent-progress"
	EventOpponentFinished      = "opponent-finished"
	EventGameEnded             = "game-ended"
	EventRematchRequested      = "rematch-requested"
	EventRematchPlayerAccepted = "rematch-player-accepted"
	EventRematchAccepted       = "rematch-accepted"
	EventRematchDeclined       = "rematch-declined"
	EventPlayerDisconnected    = "player-disconnected"
	EventMatchFound            = "match-found"
)

const (
	roomPrefix       = "room-"
	quickMatchPrefix = "quickmatch-"
)

// RoomChannel 房間頻道
func RoomChannel(roomID string) string {
	return roomPrefix + roomID
}

// QuickMatchChannel 快速配對玩家的私人頻道
func QuickMatchChannel(playerID string) string {
	return quickMatchPrefix + playerID
}

// ValidChannel 檢查頻道名稱
func ValidChannel(channel string) bool {
	for _, prefix := range []string{roomPrefix, quickMatchPrefix} {
		if id, ok := strings.CutPrefix(channel, prefix); ok {
			return id != "" && !strings.ContainsAny(id, " .*>")
		}
	}
	return false
}

// Message 推送給訂閱者的訊息
type Message struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage 序列化 payload 並建立訊息
func NewMessage(channel, event string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: channel, Event: event, Data: data, Timestamp: time.Now()}, nil
}

// Broadcaster 推送介面
type Broadcaster interface {
	Trigger(ctx context.Context, channel, event string, payload any) error
}

// Nop 不推送任何訊息
type Nop struct{}

// Trigger 實現 Broadcaster
func (Nop) Trigger(context.Context, string, string, any) error { return nil }

// Multi 同時推送到多個 Broadcaster
//
// 所有目標都會嘗試，錯誤合併返回。
type Multi []Broadcaster

// Trigger 實現 Broadcaster
func (m Multi) Trigger(ctx context.Context, channel, event string, payload any) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, b := range m {
		g.Go(func() error {
			if err := b.Trigger(ctx, channel, event, payload); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Notifier 盡力推送：失敗只記錄日誌
type Notifier struct {
	b      Broadcaster
	logger *slog.Logger
}

// NewNotifier 創建 Notifier
func NewNotifier(b Broadcaster, logger *slog.Logger) *Notifier {
	if b == nil {
		b = Nop{}
	}
	return &Notifier{b: b, logger: logger.With("component", "broadcast")}
}

// Send 推送訊息，錯誤不會傳回呼叫端
func (n *Notifier) Send(ctx context.Context, channel, event string, payload any) {
	if err := n.b.Trigger(ctx, channel, event, payload); err != nil {
		n.logger.WarnContext(ctx, "broadcast failed",
			"channel", channel,
			"event", event,
			"error", err)
	}
}
