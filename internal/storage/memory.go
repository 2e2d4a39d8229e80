package storage

import (
	"context"
	"slices"
	"sync"
)

// Memory 記憶體中的 ResultStore（未設定 Postgres 時使用，重啟即遺失）
type Memory struct {
	mu      sync.RWMutex
	matches []MatchRecord
	rooms   map[string]bool
}

// NewMemory 創建記憶體儲存
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]bool)}
}

// SaveMatch 實現 ResultStore
func (s *Memory) SaveMatch(_ context.Context, m MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rooms[m.RoomID] {
		return nil
	}
	s.rooms[m.RoomID] = true
	m.Players = slices.Clone(m.Players)
	s.matches = append(s.matches, m)
	return nil
}

// RecentMatches 實現 ResultStore
func (s *Memory) RecentMatches(_ context.Context, playerID string, limit int) ([]MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MatchRecord
	for i := len(s.matches) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.matches[i]
		if slices.ContainsFunc(m.Players, func(p PlayerResult) bool { return p.PlayerID == playerID }) {
			m.Players = slices.Clone(m.Players)
			out = append(out, m)
		}
	}
	return out, nil
}
