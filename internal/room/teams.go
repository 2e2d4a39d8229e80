package room

import "slices"

// 固定兩隊
const (
	TeamAID = "team-a"
	TeamBID = "team-b"
)

func newTeams() []*Team {
	return []*Team{
		{ID: TeamAID, Name: "Team A", PlayerIDs: []string{}},
		{ID: TeamBID, Name: "Team B", PlayerIDs: []string{}},
	}
}

func (r *Room) team(teamID string) *Team {
	for _, t := range r.teams {
		if t.ID == teamID {
			return t
		}
	}
	return nil
}

// assignRandomTeams 隨機分隊（需持有鎖）
//
// Fisher–Yates 洗牌後在 ceil(n/2) 處切分：前半 Team A，後半 Team B。
func (r *Room) assignRandomTeams() {
	ids := make([]string, len(r.players))
	for i, p := range r.players {
		ids[i] = p.ID
	}
	for i := len(ids) - 1; i > 0; i-- {
		j := r.rng.IntN(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}

	split := (len(ids) + 1) / 2
	r.teams = newTeams()
	r.teams[0].PlayerIDs = append(r.teams[0].PlayerIDs, ids[:split]...)
	r.teams[1].PlayerIDs = append(r.teams[1].PlayerIDs, ids[split:]...)
	r.syncTeamPointers()
}

// clearTeams 清除分隊（切回個人賽）
func (r *Room) clearTeams() {
	r.teams = nil
	for _, p := range r.players {
		p.TeamID = ""
	}
}

// syncTeamPointers 以名單為準更新玩家的隊伍指標
func (r *Room) syncTeamPointers() {
	for _, p := range r.players {
		p.TeamID = ""
	}
	for _, t := range r.teams {
		for _, id := range t.PlayerIDs {
			if p := r.player(id); p != nil {
				p.TeamID = t.ID
			}
		}
	}
}

// removeFromTeams 從所有隊伍名單移除玩家
func (r *Room) removeFromTeams(playerID string) {
	for _, t := range r.teams {
		t.PlayerIDs = slices.DeleteFunc(t.PlayerIDs, func(id string) bool { return id == playerID })
	}
}

// ensureTeams 團隊模式下尚未分隊時隨機分隊；個人賽清除分隊
func (r *Room) ensureTeams() {
	if r.settings.GameMode != ModeTeams {
		r.clearTeams()
		return
	}
	assigned := 0
	for _, t := range r.teams {
		assigned += len(t.PlayerIDs)
	}
	if len(r.teams) != 2 || assigned != len(r.players) {
		r.assignRandomTeams()
	}
}

// placeInSmallerTeam 新加入的玩家放入人數較少的隊伍（同數時 Team A）
func (r *Room) placeInSmallerTeam(p *Player) {
	if len(r.teams) != 2 {
		return
	}
	dst := r.teams[0]
	if len(r.teams[1].PlayerIDs) < len(dst.PlayerIDs) {
		dst = r.teams[1]
	}
	dst.PlayerIDs = append(dst.PlayerIDs, p.ID)
	p.TeamID = dst.ID
}

// AssignTeam 房主手動調整玩家隊伍
//
// 從原隊伍移除並加到目標隊伍末端，允許兩隊人數不均。
func (r *Room) AssignTeam(hostID, playerID, teamID string) (Snapshot, error) {
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
	if r.settings.GameMode != ModeTeams {
		return Snapshot{}, ErrNotTeamMode
	}
	p := r.player(playerID)
	if p == nil {
		return Snapshot{}, ErrPlayerNotInRoom
	}
	r.ensureTeams()
	dst := r.team(teamID)
	if dst == nil {
		return Snapshot{}, ErrUnknownTeam.WithDetails(teamID)
	}

	r.removeFromTeams(playerID)
	dst.PlayerIDs = append(dst.PlayerIDs, playerID)
	p.TeamID = dst.ID

	return r.snapshot(), nil
}

// ShuffleTeams 重新隨機分隊（僅團隊模式、大廳階段）
func (r *Room) ShuffleTeams() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	if !r.state.Lobby() {
		return ErrGameInProgress
	}
	if r.settings.GameMode != ModeTeams {
		return ErrNotTeamMode
	}
	r.assignRandomTeams()
	return nil
}

// RestoreTeams 依玩家 ID 恢復分隊（再戰保留隊伍用）
//
// 不在 assignment 中的玩家放入人數較少的隊伍。
func (r *Room) RestoreTeams(assignment map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	if r.settings.GameMode != ModeTeams {
		return ErrNotTeamMode
	}

	r.teams = newTeams()
	var unplaced []*Player
	for _, p := range r.players {
		t := r.team(assignment[p.ID])
		if t == nil {
			unplaced = append(unplaced, p)
			continue
		}
		t.PlayerIDs = append(t.PlayerIDs, p.ID)
	}
	r.syncTeamPointers()
	for _, p := range unplaced {
		r.placeInSmallerTeam(p)
	}
	return nil
}
