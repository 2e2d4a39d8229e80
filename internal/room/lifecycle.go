package room

import (
	"slices"

	"github.com/koopa0/system-design/14-math-arena/internal/question"
	apperrors "github.com/koopa0/system-design/14-math-arena/pkg/errors"
)

// JoinResult 加入結果
type JoinResult struct {
	Room     Snapshot
	Player   Player
	Rejoined bool // 已在房間內，只恢復連線
}

// Join 加入房間
//
// 重複加入是冪等的：不新增玩家，只將 connected 設回 true，
// 因此任何狀態都允許重新加入；新玩家只能在大廳階段加入。
func (r *Room) Join(playerID, playerName string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return JoinResult{}, err
	}

	if p := r.player(playerID); p != nil {
		p.IsConnected = true
		return JoinResult{Room: r.snapshot(), Player: *p, Rejoined: true}, nil
	}

	if !r.state.Lobby() {
		return JoinResult{}, ErrGameInProgress
	}
	if len(r.players) >= r.settings.MaxPlayers {
		return JoinResult{}, ErrRoomFull
	}

	p := &Player{
		ID:          playerID,
		Name:        TruncateName(playerName),
		IsConnected: true,
	}
	r.players = append(r.players, p)
	if r.settings.GameMode == ModeTeams {
		r.ensureTeamsFor(p)
	}

	return JoinResult{Room: r.snapshot(), Player: *p}, nil
}

// ensureTeamsFor 團隊模式下安置新玩家
func (r *Room) ensureTeamsFor(p *Player) {
	if len(r.teams) == 2 {
		r.placeInSmallerTeam(p)
		return
	}
	r.assignRandomTeams()
}

// LeaveResult 離開結果
type LeaveResult struct {
	Room      Snapshot
	NewHostID string       // 房主轉移時的新房主
	Empty     bool         // 房間已無玩家並已關閉（由呼叫端從 Registry 移除）
	Started   bool         // 剩餘玩家全部已準備，直接開局
	Finished  bool         // 剩餘玩家全部完成，本局結束
	Rematch   *RematchPlan // 剩餘玩家已全部同意再戰
}

// Leave 離開房間
//
// 房主離開時由剩餘的第一位玩家接任；
// 遊戲中離開時移除其未完成的進度，可能使本局直接結束。
func (r *Room) Leave(playerID string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return LeaveResult{}, err
	}
	if r.player(playerID) == nil {
		return LeaveResult{}, ErrPlayerNotInRoom
	}

	var res LeaveResult
	r.players = slices.DeleteFunc(r.players, func(p *Player) bool { return p.ID == playerID })
	r.removeFromTeams(playerID)
	r.playerStates = slices.DeleteFunc(r.playerStates, func(ps *PlayerState) bool {
		return ps.PlayerID == playerID && !ps.Finished
	})

	// 最後一位玩家離開時在鎖內關閉，之後的 Join 會得到 ErrRoomClosed
	if len(r.players) == 0 {
		r.rematch = nil
		r.closeLocked()
		res.Empty = true
		res.Room = r.snapshot()
		return res, nil
	}

	if r.hostID == playerID {
		r.hostID = r.players[0].ID
		r.players[0].IsHost = true
		res.NewHostID = r.hostID
	}

	switch {
	case r.state == StateReadyPhase && len(r.players) < MinPlayers:
		_ = r.transition(EventUnderpopulated)
		r.resetReady()
	case r.state == StateReadyPhase:
		started, err := r.startIfAllReady()
		if err != nil {
			return LeaveResult{}, err
		}
		res.Started = started
	case r.state.InRound() && r.allFinished():
		r.finishRound()
		res.Finished = true
	}

	if r.rematch != nil {
		r.rematch.AcceptedIDs = slices.DeleteFunc(r.rematch.AcceptedIDs, func(id string) bool { return id == playerID })
		res.Rematch = r.completeRematch()
	}

	res.Room = r.snapshot()
	return res, nil
}

func (r *Room) resetReady() {
	for _, p := range r.players {
		p.IsReady = false
	}
}

// StartReadyPhase 房主開啟準備階段（至少 2 人，重置所有準備狀態）
func (r *Room) StartReadyPhase(hostID string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	if err := r.requireHost(hostID); err != nil {
		return Snapshot{}, err
	}
	if len(r.players) < MinPlayers {
		return Snapshot{}, ErrNotEnoughPlayers
	}
	if err := r.transition(EventOpenReadyPhase); err != nil {
		return Snapshot{}, err
	}
	r.resetReady()

	return r.snapshot(), nil
}

// ReadyResult 準備結果
type ReadyResult struct {
	Room    Snapshot
	Started bool // 全員準備完成，已直接進入 playing
}

// SetReady 設定準備狀態
//
// 準備階段中，人數 >= 2 且全員準備時自動出題、分隊、
// 建立 PlayerState 並直接進入 playing（不經過倒數）。
func (r *Room) SetReady(playerID string, ready bool) (ReadyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return ReadyResult{}, err
	}
	p := r.player(playerID)
	if p == nil {
		return ReadyResult{}, ErrPlayerNotInRoom
	}
	if !r.state.Lobby() {
		return ReadyResult{}, ErrGameInProgress
	}

	p.IsReady = ready

	var res ReadyResult
	if r.state == StateReadyPhase {
		started, err := r.startIfAllReady()
		if err != nil {
			return ReadyResult{}, err
		}
		res.Started = started
	}
	res.Room = r.snapshot()
	return res, nil
}

// startIfAllReady 全員準備時開局（需持有鎖，狀態為 ready-phase）
func (r *Room) startIfAllReady() (bool, error) {
	if len(r.players) < MinPlayers {
		return false, nil
	}
	for _, p := range r.players {
		if !p.IsReady {
			return false, nil
		}
	}
	if !r.state.Can(EventAllReady) {
		return false, nil
	}
	if err := r.prepareRound(); err != nil {
		return false, err
	}
	_ = r.transition(EventAllReady)
	r.stampStart()
	return true, nil
}

// StartGame 房主開始遊戲
//
// 立即出題並進入 countdown，倒數結束後由房間持有的計時器切換到 playing
// 並記錄開局時間，再以 onPlaying 通知呼叫端（在鎖外執行）。
// 房間關閉或倒數期間本局已結束時，計時器不會改變狀態。
func (r *Room) StartGame(hostID string, onPlaying func(Snapshot)) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	if err := r.requireHost(hostID); err != nil {
		return Snapshot{}, err
	}
	if len(r.players) < MinPlayers {
		return Snapshot{}, ErrNotEnoughPlayers
	}
	if !r.state.Can(EventStart) {
		return Snapshot{}, ErrGameInProgress
	}
	if err := r.prepareRound(); err != nil {
		return Snapshot{}, err
	}
	_ = r.transition(EventStart)

	r.schedule(timerCountdown, r.countdown, func() func() {
		if r.transition(EventCountdownElapsed) != nil {
			return nil
		}
		r.stampStart()
		snap := r.snapshot()
		if onPlaying == nil {
			return nil
		}
		return func() { onPlaying(snap) }
	})

	return r.snapshot(), nil
}

// Countdown 倒數時長
func (r *Room) Countdown() int64 {
	return r.countdown.Milliseconds()
}

// prepareRound 出題、分隊、建立 PlayerState（需持有鎖）
//
// 開局時已斷線的玩家直接視為完成（0 分、時間 0），避免本局無法結束。
func (r *Room) prepareRound() error {
	qs, err := r.gen.Generate(r.settings.Operation, r.settings.SelectedOperands, r.settings.QuestionCount)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to generate questions")
	}

	r.questions = qs
	r.results = nil
	r.rematch = nil
	r.ensureTeams()

	r.playerStates = make([]*PlayerState, 0, len(r.players))
	for _, p := range r.players {
		ps := &PlayerState{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			Answers:    []question.Answer{},
		}
		if !p.IsConnected {
			var zero int64
			ps.Finished = true
			ps.FinishTime = &zero
		}
		r.playerStates = append(r.playerStates, ps)
	}
	return nil
}

func (r *Room) stampStart() {
	now := r.now()
	r.gameStartTime = &now
}

func (r *Room) allFinished() bool {
	if len(r.playerStates) == 0 {
		return false
	}
	for _, ps := range r.playerStates {
		if !ps.Finished {
			return false
		}
	}
	return true
}

// finishRound 進入 finished 並結算（需持有鎖）
func (r *Room) finishRound() {
	if r.transition(EventAllFinished) != nil {
		return
	}
	r.cancelTimer(timerCountdown)
	r.results = r.computeResults()
}

// SettingsPatch 設定修改（nil 欄位不變）
type SettingsPatch struct {
	Operation        *question.Operation `json:"operation,omitempty"`
	SelectedOperands *[]int              `json:"selectedOperands,omitempty"`
	QuestionCount    *int                `json:"questionCount,omitempty"`
	TimeLimit        *int                `json:"timeLimit,omitempty"`
	MaxPlayers       *int                `json:"maxPlayers,omitempty"`
	GameMode         *GameMode           `json:"gameMode,omitempty"`
}

// Apply 套用到設定副本
func (p SettingsPatch) Apply(s Settings) Settings {
	s = s.clone()
	if p.Operation != nil {
		s.Operation = *p.Operation
	}
	if p.SelectedOperands != nil {
		s.SelectedOperands = slices.Clone(*p.SelectedOperands)
	}
	if p.QuestionCount != nil {
		s.QuestionCount = *p.QuestionCount
	}
	if p.TimeLimit != nil {
		s.TimeLimit = *p.TimeLimit
	}
	if p.MaxPlayers != nil {
		s.MaxPlayers = *p.MaxPlayers
	}
	if p.GameMode != nil {
		s.GameMode = *p.GameMode
	}
	return s
}

// UpdateSettings 房主修改設定（僅大廳階段）
//
// 切換到團隊模式時隨機分隊，切回個人賽時清除分隊；
// 準備階段中修改設定會重置所有人的準備狀態。
func (r *Room) UpdateSettings(hostID string, patch SettingsPatch) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	if err := r.requireHost(hostID); err != nil {
		return Snapshot{}, err
	}
	if !r.state.Lobby() {
		return Snapshot{}, ErrGameInProgress
	}

	updated := patch.Apply(r.settings)
	if err := updated.Validate(); err != nil {
		return Snapshot{}, err
	}
	if updated.MaxPlayers < len(r.players) {
		return Snapshot{}, ErrInvalidSettings.WithDetails("maxPlayers is below current player count")
	}

	prevMode := r.settings.GameMode
	r.settings = updated
	switch {
	case updated.GameMode == ModeTeams && prevMode != ModeTeams:
		r.assignRandomTeams()
	case updated.GameMode != ModeTeams:
		r.clearTeams()
	}
	if r.state == StateReadyPhase {
		r.resetReady()
	}

	return r.snapshot(), nil
}

// ProgressResult 進度更新結果
type ProgressResult struct {
	PlayerID        string
	PlayerName      string
	CurrentQuestion int
	Ignored         bool        // 玩家已完成，指標不再更新
	AI              *AIProgress // AI 對戰時的對手進度估算
}

// UpdateProgress 更新目前題號
//
// 只是廣播用的指標，不檢查是否遞增；finished 之後一律拒絕，
// 房間狀態維持 finished。
func (r *Room) UpdateProgress(playerID string, currentQuestion int) (ProgressResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return ProgressResult{}, err
	}
	p := r.player(playerID)
	if p == nil {
		return ProgressResult{}, ErrPlayerNotInRoom
	}
	if r.state != StatePlaying {
		return ProgressResult{}, ErrNotPlaying
	}
	ps := r.playerState(playerID)
	if ps == nil {
		return ProgressResult{}, ErrPlayerNotInRoom
	}

	res := ProgressResult{PlayerID: p.ID, PlayerName: p.Name, CurrentQuestion: currentQuestion}
	if ps.Finished {
		res.Ignored = true
		res.CurrentQuestion = ps.CurrentQuestion
	} else {
		ps.CurrentQuestion = currentQuestion
	}
	res.AI = r.aiProgress()
	return res, nil
}

// SubmitResult 提交結果
type SubmitResult struct {
	Room      Snapshot
	State     PlayerState
	Duplicate bool // 重複提交，未做任何修改
	Finished  bool // 本次提交使本局結束
}

// Submit 提交最終答案與分數（每位玩家只有一次）
//
// 已完成的玩家再次提交是 no-op；最後一位完成時進入 finished 並結算。
func (r *Room) Submit(playerID string, answers []question.Answer, score int) (SubmitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return SubmitResult{}, err
	}
	if r.player(playerID) == nil {
		return SubmitResult{}, ErrPlayerNotInRoom
	}
	ps := r.playerState(playerID)
	if ps != nil && ps.Finished {
		return SubmitResult{Room: r.snapshot(), State: ps.clone(), Duplicate: true}, nil
	}
	if r.state != StatePlaying || ps == nil {
		return SubmitResult{}, ErrNotPlaying
	}
	if score < 0 || score > len(r.questions) {
		return SubmitResult{}, ErrInvalidScore
	}
	if len(answers) > len(r.questions) {
		return SubmitResult{}, ErrTooManyAnswers
	}

	elapsed := r.elapsedMS()
	ps.Answers = slices.Clone(answers)
	ps.Score = score
	ps.CurrentQuestion = len(r.questions)
	ps.Finished = true
	ps.FinishTime = &elapsed

	var res SubmitResult
	if r.allFinished() {
		r.finishRound()
		res.Finished = true
	}
	res.State = ps.clone()
	res.Room = r.snapshot()
	return res, nil
}

// DisconnectResult 斷線結果
type DisconnectResult struct {
	Room           Snapshot
	ImplicitFinish bool         // 倒數/遊戲中斷線，視為 0 分完成
	Finished       bool         // 本局因此結束
	Rematch        *RematchPlan // 剩餘連線玩家已全部同意再戰
}

// Disconnect 標記玩家斷線
//
// 倒數或遊戲中斷線視為完成：分數 0，完成時間為開局至今的毫秒數（未開局為 0）。
// 斷線玩家不再需要同意再戰，可能因此完成再戰協商。
func (r *Room) Disconnect(playerID string) (DisconnectResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return DisconnectResult{}, err
	}
	p := r.player(playerID)
	if p == nil {
		return DisconnectResult{}, ErrPlayerNotInRoom
	}
	p.IsConnected = false

	var res DisconnectResult
	if r.state.InRound() {
		if ps := r.playerState(playerID); ps != nil && !ps.Finished {
			elapsed := r.elapsedMS()
			ps.Finished = true
			ps.Score = 0
			ps.FinishTime = &elapsed
			res.ImplicitFinish = true

			if r.allFinished() {
				r.finishRound()
				res.Finished = true
			}
		}
	}

	if r.rematch != nil {
		res.Rematch = r.completeRematch()
	}

	res.Room = r.snapshot()
	return res, nil
}
