package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koopa0/system-design/14-math-arena/internal/aiopponent"
	"github.com/koopa0/system-design/14-math-arena/internal/broadcast"
	"github.com/koopa0/system-design/14-math-arena/internal/question"
	"github.com/koopa0/system-design/14-math-arena/internal/room"
	"github.com/koopa0/system-design/14-math-arena/internal/storage"
	apperrors "github.com/koopa0/system-design/14-math-arena/pkg/errors"
	"github.com/koopa0/system-design/14-math-arena/pkg/logger"
)

// 動作名稱
const (
	ActionCreateRoom       = "create-room"
	ActionJoinRoom         = "join-room"
	ActionLeaveRoom        = "leave-room"
	ActionQuickMatch       = "quick-match"
	ActionSetReady         = "set-ready"
	ActionStartReadyPhase  = "start-ready-phase"
	ActionUpdateSettings   = "update-room-settings"
	ActionStartGame        = "start-game"
	ActionUpdateProgress   = "update-progress"
	ActionSubmit           = "submit-multiplayer"
	ActionRematch          = "rematch"
	ActionAssignTeam       = "assign-team"
	ActionCreateAIGame     = "create-ai-game"
	ActionPlayerDisconnect = "player-disconnect"
	ActionGetRoom          = "get-room"
)

// 再戰回應
const (
	RematchRequest = "request"
	RematchAccept  = "accept"
	RematchDecline = "decline"
)

const saveTimeout = 5 * time.Second

var errRoomNotFound = apperrors.New(apperrors.ErrCodeNotFound, "room not found")

// actionFunc 單一動作；返回的欄位會與 success: true 一起輸出
type actionFunc func(ctx context.Context, body []byte) (map[string]any, error)

func (h *Handler) actionTable() map[string]actionFunc {
	return map[string]actionFunc{
		ActionCreateRoom:       h.createRoom,
		ActionJoinRoom:         h.joinRoom,
		ActionLeaveRoom:        h.leaveRoom,
		ActionQuickMatch:       h.quickMatch,
		ActionSetReady:         h.setReady,
		ActionStartReadyPhase:  h.startReadyPhase,
		ActionUpdateSettings:   h.updateSettings,
		ActionStartGame:        h.startGame,
		ActionUpdateProgress:   h.updateProgress,
		ActionSubmit:           h.submit,
		ActionRematch:          h.rematch,
		ActionAssignTeam:       h.assignTeam,
		ActionCreateAIGame:     h.createAIGame,
		ActionPlayerDisconnect: h.playerDisconnect,
		ActionGetRoom:          h.getRoom,
	}
}

// envelope 所有動作共有的欄位
type envelope struct {
	Action   string `json:"action"`
	PlayerID string `json:"playerId"`
}

// dispatch 處理 POST /api/multiplayer
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.errorResponse(w, r, apperrors.InvalidInput("failed to read request body"))
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.errorResponse(w, r, apperrors.InvalidInput("invalid request body"))
		return
	}
	if env.Action == "" {
		h.errorResponse(w, r, apperrors.InvalidInput("action is required"))
		return
	}

	action, ok := h.actions[env.Action]
	if !ok {
		h.errorResponse(w, r, apperrors.InvalidInput("unknown action: %q", env.Action))
		return
	}

	ctx := r.Context()
	if env.PlayerID != "" {
		ctx = logger.WithPlayerID(ctx, env.PlayerID)
	}

	resp, err := action(ctx, body)
	if err != nil {
		h.logger.DebugContext(ctx, "action rejected", "action", env.Action, "error", err)
		h.errorResponse(w, r, err)
		return
	}
	if resp == nil {
		resp = make(map[string]any)
	}
	resp["success"] = true
	h.jsonResponse(w, resp, http.StatusOK)
}

// cancel 處理 DELETE /api/multiplayer?action=quick-match&playerId=...
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if action := query.Get("action"); action != ActionQuickMatch {
		h.errorResponse(w, r, apperrors.InvalidInput("unknown action: %q", action))
		return
	}

	playerID := query.Get("playerId")
	if playerID == "" && r.Body != nil {
		var env envelope
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&env)
		playerID = env.PlayerID
	}
	if err := requireID("playerId", playerID); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	removed := h.queue.Remove(playerID)
	h.jsonResponse(w, map[string]any{
		"success": true,
		"removed": removed,
	}, http.StatusOK)
}

// 請求結構

type roomRequest struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

func (req roomRequest) validate() error {
	if err := requireID("roomId", req.RoomID); err != nil {
		return err
	}
	return requireID("playerId", req.PlayerID)
}

type createRoomRequest struct {
	PlayerID   string              `json:"playerId"`
	PlayerName string              `json:"playerName"`
	Settings   *room.SettingsPatch `json:"settings"`
}

type joinRoomRequest struct {
	RoomCode   string `json:"roomCode"`
	RoomID     string `json:"roomId"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

type quickMatchRequest struct {
	PlayerID   string             `json:"playerId"`
	PlayerName string             `json:"playerName"`
	Operation  question.Operation `json:"operation"`
}

type setReadyRequest struct {
	roomRequest
	Ready *bool `json:"ready"`
}

type updateSettingsRequest struct {
	roomRequest
	Settings *room.SettingsPatch `json:"settings"`
}

type progressRequest struct {
	roomRequest
	CurrentQuestion *int `json:"currentQuestion"`
}

type submitRequest struct {
	roomRequest
	Answers []question.Answer `json:"answers"`
	Score   *int              `json:"score"`
}

type rematchRequest struct {
	roomRequest
	Response  string `json:"response"`
	KeepTeams bool   `json:"keepTeams"`
}

type assignTeamRequest struct {
	roomRequest
	TargetPlayerID string `json:"targetPlayerId"`
	TeamID         string `json:"teamId"`
}

type aiGameRequest struct {
	PlayerID   string                `json:"playerId"`
	PlayerName string                `json:"playerName"`
	Difficulty aiopponent.Difficulty `json:"difficulty"`
	Settings   *room.SettingsPatch   `json:"settings"`
}

type getRoomRequest struct {
	RoomID   string `json:"roomId"`
	RoomCode string `json:"roomCode"`
}

func decode[T any](body []byte) (T, error) {
	var req T
	if err := json.Unmarshal(body, &req); err != nil {
		return req, apperrors.InvalidInput("invalid request body")
	}
	return req, nil
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperrors.InvalidInput("%s is required", field)
	}
	if len(v) > maxIDLength {
		return apperrors.InvalidInput("%s is too long", field)
	}
	return nil
}

func requirePlayer(id, name string) error {
	if err := requireID("playerId", id); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return apperrors.InvalidInput("playerName is required")
	}
	return nil
}

func settingsFrom(patch *room.SettingsPatch) room.Settings {
	s := room.DefaultSettings()
	if patch != nil {
		s = patch.Apply(s)
	}
	return s
}

// lookup 依 ID 取得房間
func (h *Handler) lookup(roomID string) (*room.Room, error) {
	rm, ok := h.registry.GetRoom(roomID)
	if !ok {
		return nil, errRoomNotFound
	}
	return rm, nil
}

func roomPayload(snap room.Snapshot) map[string]any {
	return map[string]any{
		"roomId":   snap.ID,
		"roomCode": snap.Code,
		"room":     snap,
	}
}

// createRoom 創建房間
func (h *Handler) createRoom(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[createRoomRequest](body)
	if err != nil {
		return nil, err
	}
	if err := requirePlayer(req.PlayerID, req.PlayerName); err != nil {
		return nil, err
	}

	rm, err := h.registry.CreateRoom(ctx, req.PlayerID, req.PlayerName, false, settingsFrom(req.Settings))
	if err != nil {
		return nil, err
	}
	return roomPayload(rm.Snapshot()), nil
}

// joinRoom 以加入碼（或房間 ID）加入房間
func (h *Handler) joinRoom(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[joinRoomRequest](body)
	if err != nil {
		return nil, err
	}
	if err := requirePlayer(req.PlayerID, req.PlayerName); err != nil {
		return nil, err
	}

	var (
		rm *room.Room
		ok bool
	)
	switch {
	case req.RoomCode != "":
		rm, ok = h.registry.GetRoomByCode(req.RoomCode)
	case req.RoomID != "":
		rm, ok = h.registry.GetRoom(req.RoomID)
	default:
		return nil, apperrors.InvalidInput("roomCode is required")
	}
	if !ok {
		return nil, errRoomNotFound
	}

	res, err := rm.Join(req.PlayerID, req.PlayerName)
	if err != nil {
		return nil, err
	}

	h.notifier.Send(ctx, broadcast.RoomChannel(rm.ID), broadcast.EventPlayerJoined, map[string]any{
		"player":   res.Player,
		"rejoined": res.Rejoined,
		"room":     res.Room,
	})

	resp := roomPayload(res.Room)
	resp["rejoined"] = res.Rejoined
	return resp, nil
}

// leaveRoom 離開房間，最後一人離開時刪除房間
func (h *Handler) leaveRoom(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[roomRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	res, err := rm.Leave(req.PlayerID)
	if err != nil {
		return nil, err
	}
	if res.Empty {
		h.registry.DeleteRoom(rm.ID)
		return map[string]any{"roomDeleted": true}, nil
	}

	channel := broadcast.RoomChannel(rm.ID)
	h.notifier.Send(ctx, channel, broadcast.EventPlayerLeft, map[string]any{
		"playerId":  req.PlayerID,
		"newHostId": res.NewHostID,
		"room":      res.Room,
	})
	if res.Started {
		h.gameStarted(ctx, res.Room)
	}
	if res.Finished {
		h.gameEnded(ctx, res.Room)
	}

	resp := map[string]any{"roomDeleted": false}
	if res.Rematch != nil {
		h.rematchFollowUp(ctx, res.Rematch, resp)
	}
	return resp, nil
}

// quickMatch 快速配對
//
// 佇列中有相同運算的玩家時立即建房：等待者為房主，呼叫者加入，
// 直接進入準備階段並通知等待者；否則將呼叫者加入佇列。
func (h *Handler) quickMatch(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[quickMatchRequest](body)
	if err != nil {
		return nil, err
	}
	if err := requirePlayer(req.PlayerID, req.PlayerName); err != nil {
		return nil, err
	}
	if req.Operation == "" {
		req.Operation = question.OpAddition
	}
	if !req.Operation.Valid() {
		return nil, apperrors.InvalidInput("unsupported operation: %q", req.Operation)
	}

	opp, ok := h.queue.FindOpponent(req.PlayerID, req.Operation)
	if !ok {
		h.queue.Add(req.PlayerID, req.PlayerName, req.Operation)
		return map[string]any{
			"matched":   false,
			"queueSize": h.queue.Len(),
		}, nil
	}

	snap, err := h.createMatchRoom(ctx, opp.PlayerID, opp.PlayerName, req.PlayerID, req.PlayerName, req.Operation)
	if err != nil {
		// 對手放回佇列，下一位仍可配對
		h.queue.Add(opp.PlayerID, opp.PlayerName, opp.Operation)
		return nil, err
	}

	found := roomPayload(snap)
	found["opponent"] = map[string]any{"id": req.PlayerID, "name": room.TruncateName(req.PlayerName)}
	h.notifier.Send(ctx, broadcast.QuickMatchChannel(opp.PlayerID), broadcast.EventMatchFound, found)

	h.logger.InfoContext(ctx, "quick match paired",
		"room_id", snap.ID,
		"host_id", opp.PlayerID,
		"player_id", req.PlayerID,
		"operation", req.Operation)

	resp := roomPayload(snap)
	resp["matched"] = true
	resp["opponent"] = map[string]any{"id": opp.PlayerID, "name": opp.PlayerName}
	return resp, nil
}

func (h *Handler) createMatchRoom(ctx context.Context, hostID, hostName, playerID, playerName string, op question.Operation) (room.Snapshot, error) {
	settings := room.DefaultSettings()
	settings.Operation = op
	settings.MaxPlayers = room.MinPlayers

	rm, err := h.registry.CreateRoom(ctx, hostID, hostName, true, settings)
	if err != nil {
		return room.Snapshot{}, err
	}
	if _, err := rm.Join(playerID, playerName); err != nil {
		h.registry.DeleteRoom(rm.ID)
		return room.Snapshot{}, err
	}
	snap, err := rm.StartReadyPhase(hostID)
	if err != nil {
		h.registry.DeleteRoom(rm.ID)
		return room.Snapshot{}, err
	}
	return snap, nil
}

// setReady 設定準備狀態（ready 省略時視為 true）
func (h *Handler) setReady(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[setReadyRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	ready := true
	if req.Ready != nil {
		ready = *req.Ready
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	res, err := rm.SetReady(req.PlayerID, ready)
	if err != nil {
		return nil, err
	}

	h.notifier.Send(ctx, broadcast.RoomChannel(rm.ID), broadcast.EventPlayerReady, map[string]any{
		"playerId": req.PlayerID,
		"isReady":  ready,
		"room":     res.Room,
	})
	if res.Started {
		h.gameStarted(ctx, res.Room)
	}

	resp := roomPayload(res.Room)
	resp["gameStarted"] = res.Started
	return resp, nil
}

// startReadyPhase 房主開啟準備階段
func (h *Handler) startReadyPhase(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[roomRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	snap, err := rm.StartReadyPhase(req.PlayerID)
	if err != nil {
		return nil, err
	}

	h.notifier.Send(ctx, broadcast.RoomChannel(rm.ID), broadcast.EventReadyPhaseStarted, map[string]any{
		"room": snap,
	})
	return roomPayload(snap), nil
}

// updateSettings 房主修改設定
func (h *Handler) updateSettings(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[updateSettingsRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Settings == nil {
		return nil, apperrors.InvalidInput("settings is required")
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	snap, err := rm.UpdateSettings(req.PlayerID, *req.Settings)
	if err != nil {
		return nil, err
	}

	channel := broadcast.RoomChannel(rm.ID)
	h.notifier.Send(ctx, channel, broadcast.EventSettingsUpdated, map[string]any{
		"settings": snap.Settings,
		"room":     snap,
	})
	if req.Settings.GameMode != nil {
		h.notifier.Send(ctx, channel, broadcast.EventTeamsUpdated, map[string]any{
			"teams": snap.Teams,
			"room":  snap,
		})
	}
	return roomPayload(snap), nil
}

// startGame 房主開始遊戲：先廣播倒數，倒數結束後廣播開局
func (h *Handler) startGame(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[roomRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	timerCtx := background(ctx)
	snap, err := rm.StartGame(req.PlayerID, func(playing room.Snapshot) {
		h.gameStarted(timerCtx, playing)
	})
	if err != nil {
		return nil, err
	}

	h.notifier.Send(ctx, broadcast.RoomChannel(rm.ID), broadcast.EventGameStarting, map[string]any{
		"countdown": rm.Countdown(),
		"room":      snap,
	})

	resp := roomPayload(snap)
	resp["countdown"] = rm.Countdown()
	return resp, nil
}

// updateProgress 更新目前題號（只廣播，不驗證遞增）
func (h *Handler) updateProgress(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[progressRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.CurrentQuestion == nil {
		return nil, apperrors.InvalidInput("currentQuestion is required")
	}
	if *req.CurrentQuestion < 0 {
		return nil, apperrors.InvalidInput("currentQuestion must not be negative")
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	res, err := rm.UpdateProgress(req.PlayerID, *req.CurrentQuestion)
	if err != nil {
		return nil, err
	}

	channel := broadcast.RoomChannel(rm.ID)
	if !res.Ignored {
		h.notifier.Send(ctx, channel, broadcast.EventOpponentProgress, map[string]any{
			"playerId":        res.PlayerID,
			"playerName":      res.PlayerName,
			"currentQuestion": res.CurrentQuestion,
		})
	}

	resp := map[string]any{"currentQuestion": res.CurrentQuestion}
	if res.AI != nil {
		h.notifier.Send(ctx, channel, broadcast.EventOpponentProgress, map[string]any{
			"playerId":        res.AI.PlayerID,
			"currentQuestion": res.AI.CurrentQuestion,
			"isAI":            true,
		})
		resp["aiProgress"] = res.AI
	}
	return resp, nil
}

// submit 提交最終答案與分數
func (h *Handler) submit(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[submitRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Score == nil {
		return nil, apperrors.InvalidInput("score is required")
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	res, err := rm.Submit(req.PlayerID, req.Answers, *req.Score)
	if err != nil {
		return nil, err
	}

	resp := map[string]any{
		"playerState":  res.State,
		"duplicate":    res.Duplicate,
		"gameFinished": res.Room.State == room.StateFinished,
	}
	if res.Room.Results != nil {
		resp["results"] = res.Room.Results
	}
	if res.Duplicate {
		return resp, nil
	}

	h.notifier.Send(ctx, broadcast.RoomChannel(rm.ID), broadcast.EventOpponentFinished, map[string]any{
		"playerId":   res.State.PlayerID,
		"playerName": res.State.PlayerName,
		"score":      res.State.Score,
		"finishTime": res.State.FinishTime,
	})
	if res.Finished {
		h.gameEnded(ctx, res.Room)
	}
	return resp, nil
}

// rematch 再戰協商：request / accept / decline
func (h *Handler) rematch(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[rematchRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}
	channel := broadcast.RoomChannel(rm.ID)

	switch req.Response {
	case RematchRequest:
		timerCtx := background(ctx)
		out, err := rm.RequestRematch(req.PlayerID, req.KeepTeams, func() {
			h.logger.InfoContext(timerCtx, "rematch timed out", "room_id", rm.ID)
			h.notifier.Send(timerCtx, channel, broadcast.EventRematchDeclined, map[string]any{
				"reason": "timeout",
			})
		})
		if err != nil {
			return nil, err
		}

		h.notifier.Send(ctx, channel, broadcast.EventRematchRequested, map[string]any{
			"requesterId": req.PlayerID,
			"keepTeams":   req.KeepTeams,
			"rematch":     out.Room.Rematch,
		})
		if out.Plan != nil {
			return h.startRematch(ctx, out.Plan)
		}
		return map[string]any{"rematch": out.Room.Rematch}, nil

	case RematchAccept:
		out, err := rm.AcceptRematch(req.PlayerID)
		if err != nil {
			return nil, err
		}
		h.notifier.Send(ctx, channel, broadcast.EventRematchPlayerAccepted, map[string]any{
			"playerId": req.PlayerID,
			"rematch":  out.Room.Rematch,
		})
		if out.Plan != nil {
			return h.startRematch(ctx, out.Plan)
		}
		return map[string]any{"rematch": out.Room.Rematch}, nil

	case RematchDecline:
		if _, err := rm.DeclineRematch(req.PlayerID); err != nil {
			return nil, err
		}
		h.notifier.Send(ctx, channel, broadcast.EventRematchDeclined, map[string]any{
			"playerId": req.PlayerID,
			"reason":   "declined",
		})
		return map[string]any{}, nil

	default:
		return nil, apperrors.InvalidInput("response must be one of request, accept, decline")
	}
}

// assignTeam 房主手動調整隊伍
func (h *Handler) assignTeam(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[assignTeamRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := requireID("targetPlayerId", req.TargetPlayerID); err != nil {
		return nil, err
	}
	if err := requireID("teamId", req.TeamID); err != nil {
		return nil, err
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	snap, err := rm.AssignTeam(req.PlayerID, req.TargetPlayerID, req.TeamID)
	if err != nil {
		return nil, err
	}

	h.notifier.Send(ctx, broadcast.RoomChannel(rm.ID), broadcast.EventTeamsUpdated, map[string]any{
		"teams": snap.Teams,
		"room":  snap,
	})
	return roomPayload(snap), nil
}

// createAIGame 建立 AI 對戰並直接開局（difficulty 省略時為 medium）
func (h *Handler) createAIGame(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[aiGameRequest](body)
	if err != nil {
		return nil, err
	}
	if err := requirePlayer(req.PlayerID, req.PlayerName); err != nil {
		return nil, err
	}
	if req.Difficulty == "" {
		req.Difficulty = aiopponent.Medium
	}

	rm, err := h.registry.CreateAIRoom(ctx, req.PlayerID, req.PlayerName, settingsFrom(req.Settings), req.Difficulty)
	if err != nil {
		return nil, err
	}
	return roomPayload(rm.Snapshot()), nil
}

// playerDisconnect 標記玩家斷線
func (h *Handler) playerDisconnect(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := decode[roomRequest](body)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	rm, err := h.lookup(req.RoomID)
	if err != nil {
		return nil, err
	}

	res, err := rm.Disconnect(req.PlayerID)
	if err != nil {
		return nil, err
	}

	h.notifier.Send(ctx, broadcast.RoomChannel(rm.ID), broadcast.EventPlayerDisconnected, map[string]any{
		"playerId":       req.PlayerID,
		"implicitFinish": res.ImplicitFinish,
		"room":           res.Room,
	})
	if res.Finished {
		h.gameEnded(ctx, res.Room)
	}

	resp := map[string]any{"implicitFinish": res.ImplicitFinish}
	if res.Rematch != nil {
		h.rematchFollowUp(ctx, res.Rematch, resp)
	}
	return resp, nil
}

// getRoom 查詢房間快照
func (h *Handler) getRoom(_ context.Context, body []byte) (map[string]any, error) {
	req, err := decode[getRoomRequest](body)
	if err != nil {
		return nil, err
	}

	var (
		rm *room.Room
		ok bool
	)
	switch {
	case req.RoomID != "":
		rm, ok = h.registry.GetRoom(req.RoomID)
	case req.RoomCode != "":
		rm, ok = h.registry.GetRoomByCode(req.RoomCode)
	default:
		return nil, apperrors.InvalidInput("roomId or roomCode is required")
	}
	if !ok {
		return nil, errRoomNotFound
	}
	return roomPayload(rm.Snapshot()), nil
}

// gameStarted 廣播開局
func (h *Handler) gameStarted(ctx context.Context, snap room.Snapshot) {
	h.notifier.Send(ctx, broadcast.RoomChannel(snap.ID), broadcast.EventGameStarted, map[string]any{
		"gameStartTime": snap.GameStartTime,
		"questions":     snap.Questions,
		"room":          snap,
	})
}

// gameEnded 廣播結算並保存對局紀錄
func (h *Handler) gameEnded(ctx context.Context, snap room.Snapshot) {
	h.notifier.Send(ctx, broadcast.RoomChannel(snap.ID), broadcast.EventGameEnded, map[string]any{
		"results": snap.Results,
		"room":    snap,
	})

	saveCtx, cancel := context.WithTimeout(background(ctx), saveTimeout)
	defer cancel()
	if err := h.store.SaveMatch(saveCtx, storage.NewMatchRecord(snap, h.now())); err != nil {
		h.logger.ErrorContext(ctx, "failed to save match", "room_id", snap.ID, "error", err)
	}
}

// rematchFollowUp 離開或斷線使再戰成立時建立新房間，並把新房間帶入回應
//
// 建立失敗時 startRematch 已記錄並推送 rematch-declined，原動作仍然成功。
func (h *Handler) rematchFollowUp(ctx context.Context, plan *room.RematchPlan, resp map[string]any) {
	out, err := h.startRematch(ctx, plan)
	if err != nil {
		return
	}
	resp["newRoomId"] = out["newRoomId"]
	resp["newRoomCode"] = out["newRoomCode"]
}

// startRematch 依再戰計畫建立新房間並通知原房間
func (h *Handler) startRematch(ctx context.Context, plan *room.RematchPlan) (map[string]any, error) {
	channel := broadcast.RoomChannel(plan.SourceRoomID)

	rm, err := h.registry.CreateRematchRoom(ctx, plan)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create rematch room", "source_room_id", plan.SourceRoomID, "error", err)
		h.notifier.Send(ctx, channel, broadcast.EventRematchDeclined, map[string]any{
			"reason": "failed",
		})
		return nil, err
	}

	snap := rm.Snapshot()
	h.notifier.Send(ctx, channel, broadcast.EventRematchAccepted, map[string]any{
		"newRoomId":   snap.ID,
		"newRoomCode": snap.Code,
		"room":        snap,
	})

	return map[string]any{
		"newRoomId":   snap.ID,
		"newRoomCode": snap.Code,
		"room":        snap,
	}, nil
}
