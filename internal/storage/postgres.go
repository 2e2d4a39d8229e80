package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool 建立連接池並驗證連線
func NewPostgresPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Postgres 以 PostgreSQL 實現 ResultStore
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres 創建 Postgres 儲存
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger.With("component", "postgres")}
}

// SaveMatch 實現 ResultStore
//
// matches 與 match_players 在同一個交易中寫入，任何一步失敗整筆回滾；
// room_id 唯一，重複寫入時不做任何事。
func (s *Postgres) SaveMatch(ctx context.Context, m MatchRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// Commit 之後 Rollback 返回 ErrTxClosed，可忽略
		_ = tx.Rollback(ctx)
	}()

	var winning *string
	if m.WinningTeamID != "" {
		winning = &m.WinningTeamID
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO matches (id, room_id, room_code, operation, game_mode, question_count,
			is_quick_match, is_ai_game, winning_team_id, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (room_id) DO NOTHING`,
		m.ID, m.RoomID, m.RoomCode, string(m.Operation), string(m.GameMode), m.QuestionCount,
		m.IsQuickMatch, m.IsAIGame, winning, m.StartedAt, m.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.DebugContext(ctx, "match already saved", "room_id", m.RoomID)
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range m.Players {
		var team *string
		if p.TeamID != "" {
			team = &p.TeamID
		}
		batch.Queue(`
			INSERT INTO match_players (match_id, player_id, player_name, rank, score, finish_time_ms, team_id, is_ai)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, p.PlayerID, p.PlayerName, p.Rank, p.Score, p.FinishTime, team, p.IsAI)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert match players: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit match: %w", err)
	}

	s.logger.InfoContext(ctx, "match saved", "match_id", m.ID, "room_id", m.RoomID, "players", len(m.Players))
	return nil
}

// RecentMatches 實現 ResultStore
func (s *Postgres) RecentMatches(ctx context.Context, playerID string, limit int) ([]MatchRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.room_id, m.room_code, m.operation, m.game_mode, m.question_count,
			m.is_quick_match, m.is_ai_game, COALESCE(m.winning_team_id, ''), m.started_at, m.finished_at
		FROM matches m
		JOIN match_players mp ON mp.match_id = m.id
		WHERE mp.player_id = $1
		ORDER BY m.finished_at DESC
		LIMIT $2`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MatchRecord, error) {
		var m MatchRecord
		err := row.Scan(&m.ID, &m.RoomID, &m.RoomCode, &m.Operation, &m.GameMode, &m.QuestionCount,
			&m.IsQuickMatch, &m.IsAIGame, &m.WinningTeamID, &m.StartedAt, &m.FinishedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan matches: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	index := make(map[string]int, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err = s.pool.Query(ctx, `
		SELECT match_id, player_id, player_name, rank, score, finish_time_ms, COALESCE(team_id, ''), is_ai
		FROM match_players
		WHERE match_id = ANY($1::uuid[])
		ORDER BY rank`, ids)
	if err != nil {
		return nil, fmt.Errorf("query match players: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var matchID string
		var p PlayerResult
		if err := rows.Scan(&matchID, &p.PlayerID, &p.PlayerName, &p.Rank, &p.Score, &p.FinishTime, &p.TeamID, &p.IsAI); err != nil {
			return nil, fmt.Errorf("scan match player: %w", err)
		}
		i := index[matchID]
		matches[i].Players = append(matches[i].Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match players: %w", err)
	}
	return matches, nil
}
