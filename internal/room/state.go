package room

import (
	"fmt"

	apperrors "github.com/koopa0/system-design/14-math-arena/pkg/errors"
)

// State 房間狀態
//
// 有限狀態機：
//
//	waiting ──open-ready-phase──→ ready-phase ──all-ready──→ playing ──all-finished──→ finished
//	   │  ↖──────underpopulated───────┘                         ↑
//	   ├──start──→ countdown ──countdown-elapsed────────────────┘
//	   └──start-ai───────────────────────────────────────────────┘
//
// 所有轉換集中在 transitions 表中，狀態欄位只能經由 transition 修改。
type State string

const (
	StateWaiting    State = "waiting"
	StateReadyPhase State = "ready-phase"
	StateCountdown  State = "countdown"
	StatePlaying    State = "playing"
	StateFinished   State = "finished"
)

// Event 觸發狀態轉換的事件
type Event string

const (
	EventOpenReadyPhase   Event = "open-ready-phase"
	EventUnderpopulated   Event = "underpopulated"
	EventAllReady         Event = "all-ready"
	EventStart            Event = "start"
	EventCountdownElapsed Event = "countdown-elapsed"
	EventStartAI          Event = "start-ai"
	EventAllFinished      Event = "all-finished"
)

var transitions = map[State]map[Event]State{
	StateWaiting: {
		EventOpenReadyPhase: StateReadyPhase,
		EventStart:          StateCountdown,
		EventStartAI:        StatePlaying,
	},
	StateReadyPhase: {
		EventAllReady:       StatePlaying,
		EventStart:          StateCountdown,
		EventUnderpopulated: StateWaiting,
	},
	StateCountdown: {
		EventCountdownElapsed: StatePlaying,
		// 倒數期間所有人斷線
		EventAllFinished: StateFinished,
	},
	StatePlaying: {
		EventAllFinished: StateFinished,
	},
	StateFinished: {},
}

// ErrIllegalTransition 當前狀態不接受該事件
var ErrIllegalTransition = apperrors.New(apperrors.ErrCodeConflict, "action not allowed in current game state")

// next 查表取得下一個狀態
func next(from State, ev Event) (State, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, ErrIllegalTransition.WithDetails(fmt.Sprintf("cannot %s while %s", ev, from))
	}
	return to, nil
}

// Can 檢查事件在當前狀態是否合法
func (s State) Can(ev Event) bool {
	_, ok := transitions[s][ev]
	return ok
}

// InRound 倒數或遊戲中（PlayerState 已建立、斷線會被視為完成）
func (s State) InRound() bool {
	return s == StateCountdown || s == StatePlaying
}

// Lobby 等待或準備階段（可加入、可修改設定）
func (s State) Lobby() bool {
	return s == StateWaiting || s == StateReadyPhase
}
