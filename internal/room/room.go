// Package room 實現遊戲房間模型與生命週期引擎
//
// 系統設計問題：
//
//	多個 HTTP 請求同時修改同一個房間（加入、準備、提交答案、斷線），
//	還有倒數與再戰逾時兩種計時器在背景改變房間狀態，如何保證一致？
//
// 設計方案：
//   - 每個房間一把 mutex，所有生命週期操作在鎖內一次完成（單房間原子性）
//   - 狀態只經由 transition 表修改（見 state.go）
//   - 計時器由房間持有，房間關閉或守護的狀態改變時取消（見 timer.go）
//   - 對外只暴露 Snapshot 副本，廣播與持久化在鎖外進行
package room

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/koopa0/system-design/14-math-arena/internal/aiopponent"
	"github.com/koopa0/system-design/14-math-arena/internal/question"
)

const (
	// MaxNameLength 玩家名稱最大長度（rune）
	MaxNameLength = 20

	// MinPlayers 開局最少人數
	MinPlayers = 2

	// MaxPlayersLimit 房間人數上限
	MaxPlayersLimit = 8
)

// GameMode 計分模式
type GameMode string

const (
	ModeFFA   GameMode = "ffa"   // 個人賽
	ModeTeams GameMode = "teams" // 團隊賽
)

// Settings 房間設定
type Settings struct {
	Operation        question.Operation `json:"operation"`
	SelectedOperands []int              `json:"selectedOperands,omitempty"`
	QuestionCount    int                `json:"questionCount"`
	TimeLimit        int                `json:"timeLimit"` // 秒，0 表示不限時
	MaxPlayers       int                `json:"maxPlayers"`
	GameMode         GameMode           `json:"gameMode"`
}

// DefaultSettings 預設設定
func DefaultSettings() Settings {
	return Settings{
		Operation:     question.OpAddition,
		QuestionCount: 10,
		TimeLimit:     60,
		MaxPlayers:    4,
		GameMode:      ModeFFA,
	}
}

// Validate 檢查設定
func (s Settings) Validate() error {
	switch {
	case !s.Operation.Valid():
		return ErrInvalidSettings.WithDetails("unsupported operation: " + string(s.Operation))
	case s.QuestionCount < 1 || s.QuestionCount > question.MaxCount:
		return ErrInvalidSettings.WithDetails("questionCount out of range")
	case s.TimeLimit < 0:
		return ErrInvalidSettings.WithDetails("timeLimit must not be negative")
	case s.MaxPlayers < MinPlayers || s.MaxPlayers > MaxPlayersLimit:
		return ErrInvalidSettings.WithDetails("maxPlayers out of range")
	case s.GameMode != ModeFFA && s.GameMode != ModeTeams:
		return ErrInvalidSettings.WithDetails("unsupported gameMode: " + string(s.GameMode))
	}
	return nil
}

func (s Settings) clone() Settings {
	s.SelectedOperands = slices.Clone(s.SelectedOperands)
	return s
}

// Player 房間內的玩家
type Player struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	IsHost       bool                  `json:"isHost"`
	IsReady      bool                  `json:"isReady"`
	IsConnected  bool                  `json:"isConnected"`
	TeamID       string                `json:"teamId,omitempty"`
	IsAI         bool                  `json:"isAI,omitempty"`
	AIDifficulty aiopponent.Difficulty `json:"aiDifficulty,omitempty"`
}

// Team 團隊（只有 team-a / team-b 兩隊）
type Team struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	PlayerIDs []string `json:"playerIds"`
}

// PlayerState 玩家本局進度（finished 後不再修改）
type PlayerState struct {
	PlayerID        string            `json:"playerId"`
	PlayerName      string            `json:"playerName"`
	Answers         []question.Answer `json:"answers"`
	CurrentQuestion int               `json:"currentQuestion"`
	Finished        bool              `json:"finished"`
	FinishTime      *int64            `json:"finishTime"` // 距開局毫秒數
	Score           int               `json:"score"`
}

// RematchState 進行中的再戰協商
type RematchState struct {
	RequesterID   string   `json:"requesterId"`
	RequesterName string   `json:"requesterName"`
	KeepTeams     bool     `json:"keepTeams"`
	AcceptedIDs   []string `json:"acceptedIds"`
}

func (rs *RematchState) accepted(playerID string) bool {
	return slices.Contains(rs.AcceptedIDs, playerID)
}

// Config 建立房間所需的協作者與參數
type Config struct {
	ID           string
	Code         string
	HostID       string
	HostName     string
	IsQuickMatch bool
	Settings     Settings

	Generator      question.Generator
	Rand           *rand.Rand       // 分隊洗牌、AI 模擬；nil 時隨機種子
	Now            func() time.Time // nil 時 time.Now
	Countdown      time.Duration
	RematchTimeout time.Duration
}

// Room 遊戲房間
//
// 系統設計考量：
//
//  1. 並發控制（sync.Mutex）：
//     大部分操作都是寫入（加入、準備、提交），讀寫鎖沒有優勢，
//     使用單一 Mutex 讓每個生命週期操作在鎖內完整執行。
//
//  2. 順序：
//     players 與 playerStates 都是 slice，保留加入順序，
//     房主轉移、排名同分時的輸出都依賴這個順序。
//
//  3. 回呼：
//     計時器觸發的狀態變更透過回呼通知上層，回呼一律在鎖外呼叫。
type Room struct {
	ID           string
	Code         string
	CreatedAt    time.Time
	IsQuickMatch bool

	mu            sync.Mutex
	hostID        string
	players       []*Player
	teams         []*Team
	settings      Settings
	questions     []question.Question
	state         State
	gameStartTime *time.Time
	playerStates  []*PlayerState
	rematch       *RematchState
	rematchDone   bool
	results       *Results
	isAIGame      bool
	ai            *aiopponent.Playthrough

	gen            question.Generator
	rng            *rand.Rand
	now            func() time.Time
	countdown      time.Duration
	rematchTimeout time.Duration
	timers         map[timerKind]*time.Timer
	closed         bool
}

// New 創建房間，房主為第一位玩家
func New(cfg Config) *Room {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Generator == nil {
		cfg.Generator = question.NewGenerator()
	}
	if cfg.Countdown <= 0 {
		cfg.Countdown = 3 * time.Second
	}
	if cfg.RematchTimeout <= 0 {
		cfg.RematchTimeout = 30 * time.Second
	}

	r := &Room{
		ID:             cfg.ID,
		Code:           cfg.Code,
		CreatedAt:      cfg.Now(),
		IsQuickMatch:   cfg.IsQuickMatch,
		hostID:         cfg.HostID,
		settings:       cfg.Settings.clone(),
		state:          StateWaiting,
		gen:            cfg.Generator,
		rng:            cfg.Rand,
		now:            cfg.Now,
		countdown:      cfg.Countdown,
		rematchTimeout: cfg.RematchTimeout,
		timers:         make(map[timerKind]*time.Timer),
	}
	r.players = append(r.players, &Player{
		ID:          cfg.HostID,
		Name:        TruncateName(cfg.HostName),
		IsHost:      true,
		IsConnected: true,
	})
	if r.settings.GameMode == ModeTeams {
		r.assignRandomTeams()
	}
	return r
}

// TruncateName 截斷名稱至 MaxNameLength 個字元
func TruncateName(name string) string {
	if utf8.RuneCountInString(name) <= MaxNameLength {
		return name
	}
	return string([]rune(name)[:MaxNameLength])
}

// State 當前狀態
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// HostID 當前房主
func (r *Room) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// PlayerCount 玩家人數
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// HasPlayer 檢查玩家是否在房間內
func (r *Room) HasPlayer(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.player(playerID) != nil
}

// IsAIGame 是否為 AI 對戰房間
func (r *Room) IsAIGame() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isAIGame
}

// Results 結算結果（未結束時為 nil）
func (r *Room) Results() *Results {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results.clone()
}

// Snapshot 房間的唯讀副本（JSON 輸出、廣播用）
type Snapshot struct {
	ID            string              `json:"id"`
	Code          string              `json:"code"`
	HostID        string              `json:"hostId"`
	Players       []Player            `json:"players"`
	Teams         []Team              `json:"teams"`
	Settings      Settings            `json:"settings"`
	Questions     []question.Question `json:"questions"`
	State         State               `json:"gameState"`
	GameStartTime *time.Time          `json:"gameStartTime"`
	PlayerStates  []PlayerState       `json:"playerStates"`
	CreatedAt     time.Time           `json:"createdAt"`
	IsQuickMatch  bool                `json:"isQuickMatch"`
	IsAIGame      bool                `json:"isAIGame"`
	Rematch       *RematchState       `json:"rematch"`
	Results       *Results            `json:"results,omitempty"`
}

// Snapshot 取得房間副本
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Room) snapshot() Snapshot {
	s := Snapshot{
		ID:           r.ID,
		Code:         r.Code,
		HostID:       r.hostID,
		Players:      make([]Player, 0, len(r.players)),
		Teams:        make([]Team, 0, len(r.teams)),
		Settings:     r.settings.clone(),
		Questions:    slices.Clone(r.questions),
		State:        r.state,
		PlayerStates: make([]PlayerState, 0, len(r.playerStates)),
		CreatedAt:    r.CreatedAt,
		IsQuickMatch: r.IsQuickMatch,
		IsAIGame:     r.isAIGame,
		Results:      r.results.clone(),
	}
	for _, p := range r.players {
		s.Players = append(s.Players, *p)
	}
	for _, t := range r.teams {
		s.Teams = append(s.Teams, Team{ID: t.ID, Name: t.Name, PlayerIDs: slices.Clone(t.PlayerIDs)})
	}
	for _, ps := range r.playerStates {
		s.PlayerStates = append(s.PlayerStates, ps.clone())
	}
	if r.gameStartTime != nil {
		t := *r.gameStartTime
		s.GameStartTime = &t
	}
	if r.rematch != nil {
		rs := *r.rematch
		rs.AcceptedIDs = slices.Clone(r.rematch.AcceptedIDs)
		s.Rematch = &rs
	}
	return s
}

func (ps *PlayerState) clone() PlayerState {
	c := *ps
	c.Answers = slices.Clone(ps.Answers)
	if ps.FinishTime != nil {
		ft := *ps.FinishTime
		c.FinishTime = &ft
	}
	return c
}

// Player 查詢（需持有鎖）
func (r *Room) player(playerID string) *Player {
	for _, p := range r.players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

func (r *Room) playerState(playerID string) *PlayerState {
	for _, ps := range r.playerStates {
		if ps.PlayerID == playerID {
			return ps
		}
	}
	return nil
}

func (r *Room) transition(ev Event) error {
	to, err := next(r.state, ev)
	if err != nil {
		return err
	}
	r.state = to
	return nil
}

func (r *Room) checkOpen() error {
	if r.closed {
		return ErrRoomClosed
	}
	return nil
}

func (r *Room) requireHost(playerID string) error {
	if r.player(playerID) == nil {
		return ErrPlayerNotInRoom
	}
	if r.hostID != playerID {
		return ErrNotHost
	}
	return nil
}

// elapsedMS 距開局的毫秒數（未開局為 0）
func (r *Room) elapsedMS() int64 {
	if r.gameStartTime == nil {
		return 0
	}
	ms := r.now().Sub(*r.gameStartTime).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
