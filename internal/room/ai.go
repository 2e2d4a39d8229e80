package room

import (
	"strings"
	"time"

	"github.com/koopa0/system-design/14-math-arena/internal/aiopponent"
	"github.com/koopa0/system-design/14-math-arena/internal/question"
)

// AIProgress AI 對手在某時間點的估算進度
type AIProgress struct {
	PlayerID        string `json:"playerId"`
	CurrentQuestion int    `json:"currentQuestion"`
	Score           int    `json:"score"`
	Finished        bool   `json:"finished"`
}

// StartAIGame 加入 AI 對手並直接開局（waiting → playing，不經過準備與倒數）
//
// AI 的整局作答在開局時一次模擬完成，其 PlayerState 直接標記為完成，
// 完成時間為模擬的總思考時間；遊戲中的 AI 進度由 AIProgress 依經過時間估算。
func (r *Room) StartAIGame(aiPlayerID string, profile aiopponent.Profile) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	if !r.state.Can(EventStartAI) {
		return Snapshot{}, ErrGameInProgress
	}

	ai := &Player{
		ID:           aiPlayerID,
		Name:         aiName(profile.Difficulty),
		IsReady:      true,
		IsConnected:  true,
		IsAI:         true,
		AIDifficulty: profile.Difficulty,
	}
	r.players = append(r.players, ai)
	r.isAIGame = true
	r.settings.GameMode = ModeFFA
	r.settings.MaxPlayers = max(r.settings.MaxPlayers, len(r.players))

	if err := r.prepareRound(); err != nil {
		r.players = r.players[:len(r.players)-1]
		r.isAIGame = false
		return Snapshot{}, err
	}

	pt := aiopponent.Simulate(profile, r.questions, r.rng)
	r.ai = &pt
	total := pt.TotalTime.Milliseconds()
	ps := r.playerState(aiPlayerID)
	ps.Answers = append([]question.Answer(nil), pt.Answers...)
	ps.Score = pt.Score
	ps.CurrentQuestion = len(r.questions)
	ps.Finished = true
	ps.FinishTime = &total

	_ = r.transition(EventStartAI)
	r.stampStart()
	return r.snapshot(), nil
}

// AIProgress 依開局至今的時間估算 AI 進度（非 AI 房間返回 false）
func (r *Room) AIProgress() (AIProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.aiProgress()
	if p == nil {
		return AIProgress{}, false
	}
	return *p, true
}

func (r *Room) aiProgress() *AIProgress {
	if r.ai == nil {
		return nil
	}
	var aiID string
	for _, p := range r.players {
		if p.IsAI {
			aiID = p.ID
		}
	}

	elapsed := time.Duration(r.elapsedMS()) * time.Millisecond
	if r.state == StateFinished {
		elapsed = r.ai.TotalTime
	}
	done := r.ai.ProgressAt(elapsed)
	return &AIProgress{
		PlayerID:        aiID,
		CurrentQuestion: done,
		Score:           r.ai.ScoreAt(elapsed),
		Finished:        done == len(r.ai.Answers),
	}
}

func aiName(d aiopponent.Difficulty) string {
	s := string(d)
	if s == "" {
		return "AI"
	}
	return "AI (" + strings.ToUpper(s[:1]) + s[1:] + ")"
}
