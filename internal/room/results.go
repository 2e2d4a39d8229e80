package room

import (
	"cmp"
	"slices"
)

// Ranking 個人排名
type Ranking struct {
	Rank       int    `json:"rank"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Score      int    `json:"score"`
	FinishTime *int64 `json:"finishTime"`
	TeamID     string `json:"teamId,omitempty"`
}

// TeamResult 團隊成績
//
// AverageTime 為 nil 表示隊上沒有人留下完成時間（比較時視為無限大）。
type TeamResult struct {
	TeamID       string   `json:"teamId"`
	TeamName     string   `json:"teamName"`
	PlayerIDs    []string `json:"playerIds"`
	AverageScore float64  `json:"averageScore"`
	AverageTime  *float64 `json:"averageTime"`
	IsWinner     bool     `json:"isWinner"`
}

// Results 一局的結算
type Results struct {
	Rankings      []Ranking    `json:"rankings"`
	Teams         []TeamResult `json:"teams,omitempty"`
	WinningTeamID string       `json:"winningTeamId,omitempty"`
}

func (res *Results) clone() *Results {
	if res == nil {
		return nil
	}
	c := &Results{
		Rankings:      slices.Clone(res.Rankings),
		Teams:         make([]TeamResult, len(res.Teams)),
		WinningTeamID: res.WinningTeamID,
	}
	for i, t := range res.Teams {
		t.PlayerIDs = slices.Clone(t.PlayerIDs)
		c.Teams[i] = t
	}
	if len(c.Teams) == 0 {
		c.Teams = nil
	}
	return c
}

// RankPlayers 個人排名
//
// 分數降序，同分時完成時間升序，沒有完成時間的排最後。
// 使用穩定排序，完全相同時保留原順序。
func RankPlayers(states []PlayerState) []Ranking {
	sorted := slices.Clone(states)
	slices.SortStableFunc(sorted, func(a, b PlayerState) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return compareTimes(a.FinishTime, b.FinishTime)
	})

	rankings := make([]Ranking, len(sorted))
	for i, ps := range sorted {
		rankings[i] = Ranking{
			Rank:       i + 1,
			PlayerID:   ps.PlayerID,
			PlayerName: ps.PlayerName,
			Score:      ps.Score,
			FinishTime: ps.FinishTime,
		}
	}
	return rankings
}

// compareTimes nil 視為無限大
func compareTimes(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp.Compare(*a, *b)
}

func compareAverages(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp.Compare(*a, *b)
}

// ScoreTeams 計算團隊成績並判定勝負
//
// 成員以隊伍名單為準（玩家身上的隊伍指標只是快取）。
// 平均分數高者勝，同分比較平均時間（低者勝），完全相同時沒有勝者。
func ScoreTeams(teams []Team, states []PlayerState) ([]TeamResult, string) {
	byID := make(map[string]PlayerState, len(states))
	for _, ps := range states {
		byID[ps.PlayerID] = ps
	}

	results := make([]TeamResult, 0, len(teams))
	for _, t := range teams {
		tr := TeamResult{TeamID: t.ID, TeamName: t.Name, PlayerIDs: slices.Clone(t.PlayerIDs)}

		var scoreSum, timeSum float64
		var scored, timed int
		for _, id := range t.PlayerIDs {
			ps, ok := byID[id]
			if !ok {
				continue
			}
			scoreSum += float64(ps.Score)
			scored++
			if ps.FinishTime != nil {
				timeSum += float64(*ps.FinishTime)
				timed++
			}
		}
		if scored > 0 {
			tr.AverageScore = scoreSum / float64(scored)
		}
		if timed > 0 {
			avg := timeSum / float64(timed)
			tr.AverageTime = &avg
		}
		results = append(results, tr)
	}

	if len(results) < 2 {
		return results, ""
	}

	best := 0
	tied := false
	for i := 1; i < len(results); i++ {
		c := compareTeams(results[i], results[best])
		switch {
		case c < 0:
			best, tied = i, false
		case c == 0:
			tied = true
		}
	}
	if tied {
		return results, ""
	}
	results[best].IsWinner = true
	return results, results[best].TeamID
}

// compareTeams 負數表示 a 較佳
func compareTeams(a, b TeamResult) int {
	if c := cmp.Compare(b.AverageScore, a.AverageScore); c != 0 {
		return c
	}
	return compareAverages(a.AverageTime, b.AverageTime)
}

// computeResults 結算（需持有鎖）
func (r *Room) computeResults() *Results {
	states := make([]PlayerState, len(r.playerStates))
	for i, ps := range r.playerStates {
		states[i] = ps.clone()
	}

	res := &Results{Rankings: RankPlayers(states)}
	for i := range res.Rankings {
		if p := r.player(res.Rankings[i].PlayerID); p != nil {
			res.Rankings[i].TeamID = p.TeamID
		}
	}

	if r.settings.GameMode == ModeTeams && len(r.teams) > 0 {
		teams := make([]Team, len(r.teams))
		for i, t := range r.teams {
			teams[i] = Team{ID: t.ID, Name: t.Name, PlayerIDs: t.PlayerIDs}
		}
		res.Teams, res.WinningTeamID = ScoreTeams(teams, states)
	}
	return res
}
