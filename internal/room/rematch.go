package room

import "github.com/koopa0/system-design/14-math-arena/internal/aiopponent"

// PlanPlayer 再戰房間的玩家
type PlanPlayer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RematchPlan 再戰協商完成後建立新房間所需的資料
//
// 房間本身不建立新房間，由 Registry 依計畫建立。
type RematchPlan struct {
	SourceRoomID string                `json:"sourceRoomId"`
	HostID       string                `json:"hostId"`
	HostName     string                `json:"hostName"`
	Players      []PlanPlayer          `json:"players"` // 不含房主，依原順序
	Settings     Settings              `json:"settings"`
	IsQuickMatch bool                  `json:"isQuickMatch"`
	KeepTeams    bool                  `json:"keepTeams"`
	Teams        map[string]string     `json:"teams,omitempty"` // playerID -> teamID
	AIDifficulty aiopponent.Difficulty `json:"aiDifficulty,omitempty"`
}

// RematchOutcome 再戰請求或同意的結果
type RematchOutcome struct {
	Room Snapshot
	Plan *RematchPlan // 全員同意時不為 nil
}

// RequestRematch 發起再戰（本局結束後，任一連線中的玩家）
//
// 發起者自動同意；先發起者勝出，協商進行中再次發起返回衝突。
// 協商在 RematchTimeout 後自動取消並呼叫 onTimeout（在鎖外執行）。
func (r *Room) RequestRematch(playerID string, keepTeams bool, onTimeout func()) (RematchOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return RematchOutcome{}, err
	}
	p := r.player(playerID)
	if p == nil {
		return RematchOutcome{}, ErrPlayerNotInRoom
	}
	if !p.IsConnected {
		return RematchOutcome{}, ErrPlayerOffline
	}
	if r.state != StateFinished {
		return RematchOutcome{}, ErrNotFinished
	}
	if r.rematch != nil {
		return RematchOutcome{}, ErrRematchPending
	}
	if r.rematchDone {
		return RematchOutcome{}, ErrRematchStarted
	}

	rs := &RematchState{
		RequesterID:   p.ID,
		RequesterName: p.Name,
		KeepTeams:     keepTeams && r.settings.GameMode == ModeTeams,
		AcceptedIDs:   []string{p.ID},
	}
	r.rematch = rs

	if plan := r.completeRematch(); plan != nil {
		return RematchOutcome{Room: r.snapshot(), Plan: plan}, nil
	}

	r.schedule(timerRematch, r.rematchTimeout, func() func() {
		if r.rematch != rs {
			return nil
		}
		r.rematch = nil
		return onTimeout
	})

	return RematchOutcome{Room: r.snapshot()}, nil
}

// AcceptRematch 同意再戰（重複同意是 no-op）
func (r *Room) AcceptRematch(playerID string) (RematchOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return RematchOutcome{}, err
	}
	p := r.player(playerID)
	if p == nil {
		return RematchOutcome{}, ErrPlayerNotInRoom
	}
	if r.rematch == nil {
		return RematchOutcome{}, ErrNoRematch
	}
	if !p.IsConnected {
		return RematchOutcome{}, ErrPlayerOffline
	}

	if !r.rematch.accepted(playerID) {
		r.rematch.AcceptedIDs = append(r.rematch.AcceptedIDs, playerID)
	}
	plan := r.completeRematch()
	return RematchOutcome{Room: r.snapshot(), Plan: plan}, nil
}

// DeclineRematch 拒絕再戰，清除協商，不建立新房間
func (r *Room) DeclineRematch(playerID string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	if r.player(playerID) == nil {
		return Snapshot{}, ErrPlayerNotInRoom
	}
	if r.rematch == nil {
		return Snapshot{}, ErrNoRematch
	}

	r.rematch = nil
	r.cancelTimer(timerRematch)
	return r.snapshot(), nil
}

// completeRematch 所有連線中的真人玩家都已同意時產生計畫並結束協商（需持有鎖）
func (r *Room) completeRematch() *RematchPlan {
	rs := r.rematch
	if rs == nil {
		return nil
	}

	var connected []*Player
	for _, p := range r.players {
		if p.IsAI || !p.IsConnected {
			continue
		}
		if !rs.accepted(p.ID) {
			return nil
		}
		connected = append(connected, p)
	}
	if len(connected) == 0 {
		return nil
	}

	// 原房主仍在線時繼續擔任房主
	host := connected[0]
	if h := r.player(r.hostID); h != nil && h.IsConnected && !h.IsAI {
		host = h
	}

	plan := &RematchPlan{
		SourceRoomID: r.ID,
		HostID:       host.ID,
		HostName:     host.Name,
		Settings:     r.settings.clone(),
		IsQuickMatch: r.IsQuickMatch,
		KeepTeams:    rs.KeepTeams,
	}
	for _, p := range connected {
		if p != host {
			plan.Players = append(plan.Players, PlanPlayer{ID: p.ID, Name: p.Name})
		}
	}
	if rs.KeepTeams {
		plan.Teams = make(map[string]string)
		for _, t := range r.teams {
			for _, id := range t.PlayerIDs {
				plan.Teams[id] = t.ID
			}
		}
	}
	if r.isAIGame {
		for _, p := range r.players {
			if p.IsAI {
				plan.AIDifficulty = p.AIDifficulty
			}
		}
	}

	r.rematch = nil
	r.rematchDone = true
	r.cancelTimer(timerRematch)
	return plan
}

// RematchPending 是否有進行中的再戰協商
func (r *Room) RematchPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rematch != nil
}

