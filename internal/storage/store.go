// Package storage 保存已結束對局的結果，並提供跨程序的加入碼預留
//
// 房間本身只存在記憶體中；這裡只處理兩件事：
//   - ResultStore：對局結束時寫入一筆紀錄（Postgres 或記憶體）
//   - RedisCodeReserver：以 SET NX 預留加入碼，多個程序共用同一個碼空間
//
// 寫入失敗只記錄日誌，不影響房間狀態。
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-math-arena/internal/question"
	"github.com/koopa0/system-design/14-math-arena/internal/room"
)

// PlayerResult 單一玩家的對局結果
type PlayerResult struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Rank       int    `json:"rank"`
	Score      int    `json:"score"`
	FinishTime *int64 `json:"finishTime"`
	TeamID     string `json:"teamId,omitempty"`
	IsAI       bool   `json:"isAI,omitempty"`
}

// MatchRecord 一局對戰的紀錄
type MatchRecord struct {
	ID            string             `json:"id"`
	RoomID        string             `json:"roomId"`
	RoomCode      string             `json:"roomCode"`
	Operation     question.Operation `json:"operation"`
	GameMode      room.GameMode      `json:"gameMode"`
	QuestionCount int                `json:"questionCount"`
	IsQuickMatch  bool               `json:"isQuickMatch"`
	IsAIGame      bool               `json:"isAIGame"`
	WinningTeamID string             `json:"winningTeamId,omitempty"`
	StartedAt     *time.Time         `json:"startedAt"`
	FinishedAt    time.Time          `json:"finishedAt"`
	Players       []PlayerResult     `json:"players"`
}

// ResultStore 對局紀錄儲存
type ResultStore interface {
	// SaveMatch 寫入對局紀錄；同一房間重複寫入時忽略
	SaveMatch(ctx context.Context, m MatchRecord) error
	// RecentMatches 玩家最近的對局（新到舊）
	RecentMatches(ctx context.Context, playerID string, limit int) ([]MatchRecord, error)
}

// NewMatchRecord 從已結束的房間快照建立紀錄
func NewMatchRecord(snap room.Snapshot, finishedAt time.Time) MatchRecord {
	m := MatchRecord{
		ID:            uuid.NewString(),
		RoomID:        snap.ID,
		RoomCode:      snap.Code,
		Operation:     snap.Settings.Operation,
		GameMode:      snap.Settings.GameMode,
		QuestionCount: len(snap.Questions),
		IsQuickMatch:  snap.IsQuickMatch,
		IsAIGame:      snap.IsAIGame,
		StartedAt:     snap.GameStartTime,
		FinishedAt:    finishedAt,
	}

	rankings := room.RankPlayers(snap.PlayerStates)
	if snap.Results != nil {
		rankings = snap.Results.Rankings
		m.WinningTeamID = snap.Results.WinningTeamID
	}

	players := make(map[string]room.Player, len(snap.Players))
	for _, p := range snap.Players {
		players[p.ID] = p
	}
	for _, r := range rankings {
		p := players[r.PlayerID]
		m.Players = append(m.Players, PlayerResult{
			PlayerID:   r.PlayerID,
			PlayerName: r.PlayerName,
			Rank:       r.Rank,
			Score:      r.Score,
			FinishTime: r.FinishTime,
			TeamID:     p.TeamID,
			IsAI:       p.IsAI,
		})
	}
	return m
}
