package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-math-arena/internal/broadcast"
	"github.com/koopa0/system-design/14-math-arena/internal/broadcast/broadcasttest"
	"github.com/koopa0/system-design/14-math-arena/internal/handler"
	"github.com/koopa0/system-design/14-math-arena/internal/matchmaking"
	"github.com/koopa0/system-design/14-math-arena/internal/question"
	"github.com/koopa0/system-design/14-math-arena/internal/registry"
	"github.com/koopa0/system-design/14-math-arena/internal/room"
	"github.com/koopa0/system-design/14-math-arena/internal/storage"
	"github.com/koopa0/system-design/14-math-arena/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	http     http.Handler
	registry *registry.Registry
	queue    *matchmaking.Queue
	store    *storage.Memory
	recorder *broadcasttest.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Discard()

	reg, err := registry.New(log,
		registry.WithSweepInterval(0),
		registry.WithTimers(50*time.Millisecond, 200*time.Millisecond),
		registry.WithQuestionGenerator(question.NewSeededGenerator(7)),
	)
	require.NoError(t, err)
	t.Cleanup(reg.Stop)

	queue := matchmaking.New(log, matchmaking.WithSweepInterval(0))
	t.Cleanup(queue.Stop)

	ts := &testServer{
		registry: reg,
		queue:    queue,
		store:    storage.NewMemory(),
		recorder: broadcasttest.NewRecorder(),
	}
	ts.http = handler.New(reg, queue, ts.store, ts.recorder, log).Routes()
	return ts
}

// do 發送 POST /api/multiplayer
func (ts *testServer) do(t *testing.T, body map[string]any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/multiplayer", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return ts.serve(t, req)
}

func (ts *testServer) serve(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	ts.http.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

// ok 發送動作並要求成功
func (ts *testServer) ok(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	status, resp := ts.do(t, body)
	require.Equal(t, http.StatusOK, status, "response: %v", resp)
	require.Equal(t, true, resp["success"])
	return resp
}

// createRoom 建立房間並讓其他玩家加入，返回 roomId 與 roomCode
func (ts *testServer) createRoom(t *testing.T, host string, others ...string) (string, string) {
	t.Helper()
	resp := ts.ok(t, map[string]any{
		"action":     "create-room",
		"playerId":   host,
		"playerName": "Player " + host,
	})
	roomID := resp["roomId"].(string)
	roomCode := resp["roomCode"].(string)

	for _, id := range others {
		ts.ok(t, map[string]any{
			"action":     "join-room",
			"roomCode":   roomCode,
			"playerId":   id,
			"playerName": "Player " + id,
		})
	}
	return roomID, roomCode
}

// startPlaying 經由準備階段開局
func (ts *testServer) startPlaying(t *testing.T, roomID string, host string, players ...string) {
	t.Helper()
	ts.ok(t, map[string]any{"action": "start-ready-phase", "roomId": roomID, "playerId": host})

	var resp map[string]any
	for _, id := range append([]string{host}, players...) {
		resp = ts.ok(t, map[string]any{"action": "set-ready", "roomId": roomID, "playerId": id, "ready": true})
	}
	require.Equal(t, true, resp["gameStarted"])
}

func gameState(resp map[string]any) string {
	rm, _ := resp["room"].(map[string]any)
	s, _ := rm["gameState"].(string)
	return s
}

func TestDispatch_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"invalid json", `{not json`, http.StatusBadRequest, "invalid request body"},
		{"missing action", `{"playerId":"p1"}`, http.StatusBadRequest, "action is required"},
		{"unknown action", `{"action":"fly"}`, http.StatusBadRequest, "unknown action"},
		{"missing player id", `{"action":"create-room","playerName":"A"}`, http.StatusBadRequest, "playerId is required"},
		{"missing player name", `{"action":"create-room","playerId":"p1"}`, http.StatusBadRequest, "playerName is required"},
		{"player id too long", `{"action":"create-room","playerId":"` + strings.Repeat("x", 65) + `","playerName":"A"}`, http.StatusBadRequest, "playerId is too long"},
		{"invalid settings", `{"action":"create-room","playerId":"p1","playerName":"A","settings":{"maxPlayers":20}}`, http.StatusBadRequest, "invalid room settings"},
		{"room not found", `{"action":"set-ready","roomId":"nope","playerId":"p1"}`, http.StatusNotFound, "room not found"},
		{"rematch on missing room", `{"action":"rematch","roomId":"nope","playerId":"p1","response":"maybe"}`, http.StatusNotFound, "room not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/multiplayer", strings.NewReader(tt.body))
			status, resp := ts.serve(t, req)

			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, false, resp["success"])
			assert.Contains(t, resp["error"], tt.wantError)
		})
	}

	assert.Empty(t, ts.recorder.Messages(), "failed actions must not broadcast")
}

func TestOptions_AlwaysOK(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/multiplayer", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	w := httptest.NewRecorder()
	ts.http.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// 沒有預檢標頭也一樣返回 200
	w = httptest.NewRecorder()
	ts.http.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/multiplayer", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJoinRoom(t *testing.T) {
	ts := newTestServer(t)
	roomID, roomCode := ts.createRoom(t, "host")

	t.Run("case insensitive code", func(t *testing.T) {
		resp := ts.ok(t, map[string]any{
			"action":     "join-room",
			"roomCode":   strings.ToLower(roomCode),
			"playerId":   "p2",
			"playerName": "Bob",
		})
		assert.Equal(t, roomID, resp["roomId"])
		assert.Equal(t, false, resp["rejoined"])
		assert.Equal(t, []string{"player-joined"}, ts.recorder.Events(broadcast.RoomChannel(roomID)))
	})

	t.Run("rejoin is idempotent", func(t *testing.T) {
		resp := ts.ok(t, map[string]any{
			"action":     "join-room",
			"roomCode":   roomCode,
			"playerId":   "p2",
			"playerName": "Bob",
		})
		assert.Equal(t, true, resp["rejoined"])

		rm, ok := ts.registry.GetRoom(roomID)
		require.True(t, ok)
		assert.Equal(t, 2, rm.PlayerCount())
	})

	t.Run("unknown code", func(t *testing.T) {
		ts.recorder.Reset()
		status, _ := ts.do(t, map[string]any{
			"action":     "join-room",
			"roomCode":   "ZZZZZZ",
			"playerId":   "p3",
			"playerName": "Carol",
		})
		assert.Equal(t, http.StatusNotFound, status)
		assert.Empty(t, ts.recorder.Messages())
	})
}

func TestHostOnlyActions(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host")

	// 人數不足是狀態衝突
	status, resp := ts.do(t, map[string]any{"action": "start-ready-phase", "roomId": roomID, "playerId": "host"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "CONFLICT", resp["code"])

	ts.ok(t, map[string]any{"action": "join-room", "roomId": roomID, "playerId": "p2", "playerName": "Bob"})

	status, resp = ts.do(t, map[string]any{"action": "start-game", "roomId": roomID, "playerId": "p2"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", resp["code"])

	status, _ = ts.do(t, map[string]any{"action": "start-ready-phase", "roomId": roomID, "playerId": "stranger"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestFullGame_ReadyPhase(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host", "p2")
	channel := broadcast.RoomChannel(roomID)

	ts.startPlaying(t, roomID, "host", "p2")
	assert.Contains(t, ts.recorder.Events(channel), "game-started")

	resp := ts.ok(t, map[string]any{"action": "update-progress", "roomId": roomID, "playerId": "p2", "currentQuestion": 3})
	assert.EqualValues(t, 3, resp["currentQuestion"])

	var progress map[string]any
	require.True(t, ts.recorder.Last(channel, "opponent-progress", &progress))
	assert.Equal(t, "p2", progress["playerId"])

	resp = ts.ok(t, map[string]any{
		"action":   "submit-multiplayer",
		"roomId":   roomID,
		"playerId": "host",
		"answers":  []any{1, 2, "3/4"},
		"score":    7,
	})
	assert.Equal(t, false, resp["gameFinished"])

	// 重複提交是 no-op
	resp = ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "host", "score": 1})
	assert.Equal(t, true, resp["duplicate"])
	assert.EqualValues(t, 7, resp["playerState"].(map[string]any)["score"])

	resp = ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "p2", "score": 4})
	assert.Equal(t, true, resp["gameFinished"])
	require.NotNil(t, resp["results"])

	rankings := resp["results"].(map[string]any)["rankings"].([]any)
	require.Len(t, rankings, 2)
	assert.Equal(t, "host", rankings[0].(map[string]any)["playerId"])

	events := ts.recorder.Events(channel)
	assert.Equal(t, 2, countOf(events, "opponent-finished"))
	assert.Equal(t, "game-ended", events[len(events)-1])

	// 結束後的進度更新被拒絕，狀態維持 finished
	status, _ := ts.do(t, map[string]any{"action": "update-progress", "roomId": roomID, "playerId": "p2", "currentQuestion": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	rm, _ := ts.registry.GetRoom(roomID)
	assert.Equal(t, "finished", string(rm.State()))

	matches, err := ts.store.RecentMatches(context.Background(), "p2", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, roomID, matches[0].RoomID)

	status, history := ts.serve(t, httptest.NewRequest(http.MethodGet, "/api/players/p2/matches?limit=5", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, history["matches"], 1)
}

func TestStartGame_Countdown(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host", "p2")
	channel := broadcast.RoomChannel(roomID)

	resp := ts.ok(t, map[string]any{"action": "start-game", "roomId": roomID, "playerId": "host"})
	assert.Equal(t, "countdown", gameState(resp))
	assert.EqualValues(t, 50, resp["countdown"])
	assert.Contains(t, ts.recorder.Events(channel), "game-starting")

	require.Eventually(t, func() bool {
		return countOf(ts.recorder.Events(channel), "game-started") == 1
	}, time.Second, 10*time.Millisecond)

	var started map[string]any
	require.True(t, ts.recorder.Last(channel, "game-started", &started))
	assert.NotNil(t, started["gameStartTime"])

	status, _ := ts.do(t, map[string]any{"action": "start-game", "roomId": roomID, "playerId": "host"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestQuickMatch(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.ok(t, map[string]any{"action": "quick-match", "playerId": "p1", "playerName": "Alice", "operation": "multiplication"})
	assert.Equal(t, false, resp["matched"])
	assert.Equal(t, 1, ts.queue.Len())

	// 不同運算不會配對
	resp = ts.ok(t, map[string]any{"action": "quick-match", "playerId": "p3", "playerName": "Carol", "operation": "addition"})
	assert.Equal(t, false, resp["matched"])

	resp = ts.ok(t, map[string]any{"action": "quick-match", "playerId": "p2", "playerName": "Bob", "operation": "multiplication"})
	require.Equal(t, true, resp["matched"])
	assert.Equal(t, "ready-phase", gameState(resp))
	assert.Equal(t, "p1", resp["opponent"].(map[string]any)["id"])

	roomID := resp["roomId"].(string)
	rm, ok := ts.registry.GetRoom(roomID)
	require.True(t, ok)
	assert.True(t, rm.IsQuickMatch)
	assert.Equal(t, "p1", rm.HostID())

	var found map[string]any
	require.True(t, ts.recorder.Last(broadcast.QuickMatchChannel("p1"), "match-found", &found))
	assert.Equal(t, roomID, found["roomId"])
	assert.Equal(t, "p2", found["opponent"].(map[string]any)["id"])

	// 只剩下 p3
	assert.Equal(t, 1, ts.queue.Len())

	t.Run("cancel", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/multiplayer?action=quick-match&playerId=p3", nil)
		status, resp := ts.serve(t, req)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, resp["removed"])
		assert.Equal(t, 0, ts.queue.Len())
	})

	t.Run("cancel with wrong action", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/multiplayer?action=leave-room&playerId=p3", nil)
		status, _ := ts.serve(t, req)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("unsupported operation", func(t *testing.T) {
		status, _ := ts.do(t, map[string]any{"action": "quick-match", "playerId": "p9", "playerName": "X", "operation": "calculus"})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestLeaveRoom(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host", "p2")

	resp := ts.ok(t, map[string]any{"action": "leave-room", "roomId": roomID, "playerId": "host"})
	assert.Equal(t, false, resp["roomDeleted"])

	var left map[string]any
	require.True(t, ts.recorder.Last(broadcast.RoomChannel(roomID), "player-left", &left))
	assert.Equal(t, "p2", left["newHostId"])

	resp = ts.ok(t, map[string]any{"action": "leave-room", "roomId": roomID, "playerId": "p2"})
	assert.Equal(t, true, resp["roomDeleted"])

	status, _ := ts.do(t, map[string]any{"action": "get-room", "roomId": roomID})
	assert.Equal(t, http.StatusNotFound, status)
}

// TestLeaveRoom_FollowUps 離開後觸發的開局、結算與再戰
func TestLeaveRoom_FollowUps(t *testing.T) {
	t.Run("ready phase starts", func(t *testing.T) {
		ts := newTestServer(t)
		roomID, _ := ts.createRoom(t, "host", "p2", "p3")
		ts.ok(t, map[string]any{"action": "start-ready-phase", "roomId": roomID, "playerId": "host"})
		for _, id := range []string{"host", "p2"} {
			resp := ts.ok(t, map[string]any{"action": "set-ready", "roomId": roomID, "playerId": id, "ready": true})
			require.Equal(t, false, resp["gameStarted"])
		}
		ts.recorder.Reset()

		resp := ts.ok(t, map[string]any{"action": "leave-room", "roomId": roomID, "playerId": "p3"})
		assert.Equal(t, false, resp["roomDeleted"])
		assert.Equal(t, []string{"player-left", "game-started"}, ts.recorder.Events(broadcast.RoomChannel(roomID)))

		rm, ok := ts.registry.GetRoom(roomID)
		require.True(t, ok)
		assert.Equal(t, "playing", string(rm.State()))
	})

	t.Run("round finishes", func(t *testing.T) {
		ts := newTestServer(t)
		roomID, _ := ts.createRoom(t, "host", "p2", "p3")
		ts.startPlaying(t, roomID, "host", "p2", "p3")
		ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "host", "score": 6})
		ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "p2", "score": 3})
		ts.recorder.Reset()

		ts.ok(t, map[string]any{"action": "leave-room", "roomId": roomID, "playerId": "p3"})
		channel := broadcast.RoomChannel(roomID)
		assert.Equal(t, []string{"player-left", "game-ended"}, ts.recorder.Events(channel))

		var ended map[string]any
		require.True(t, ts.recorder.Last(channel, "game-ended", &ended))
		rankings := ended["results"].(map[string]any)["rankings"].([]any)
		require.Len(t, rankings, 2)
		assert.Equal(t, "host", rankings[0].(map[string]any)["playerId"])

		matches, err := ts.store.RecentMatches(context.Background(), "host", 10)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, roomID, matches[0].RoomID)
	})

	t.Run("rematch completes", func(t *testing.T) {
		ts := newTestServer(t)
		roomID, _ := ts.createRoom(t, "host", "p2", "p3")
		ts.startPlaying(t, roomID, "host", "p2", "p3")
		for _, id := range []string{"host", "p2", "p3"} {
			ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": id, "score": 2})
		}
		ts.ok(t, map[string]any{"action": "rematch", "roomId": roomID, "playerId": "p2", "response": "request"})
		ts.ok(t, map[string]any{"action": "rematch", "roomId": roomID, "playerId": "host", "response": "accept"})
		ts.recorder.Reset()

		resp := ts.ok(t, map[string]any{"action": "leave-room", "roomId": roomID, "playerId": "p3"})
		newRoomID, _ := resp["newRoomId"].(string)
		require.NotEmpty(t, newRoomID)
		assert.NotEmpty(t, resp["newRoomCode"])

		channel := broadcast.RoomChannel(roomID)
		assert.Equal(t, []string{"player-left", "rematch-accepted"}, ts.recorder.Events(channel))

		rm, ok := ts.registry.GetRoom(newRoomID)
		require.True(t, ok)
		assert.Equal(t, "host", rm.HostID())
		assert.Equal(t, 2, rm.PlayerCount())
		assert.False(t, rm.HasPlayer("p3"))
	})
}

// TestLeaveRoom_LastPlayerRejectsLateJoin 最後一位玩家離開後，持有舊房間的加入請求失敗
func TestLeaveRoom_LastPlayerRejectsLateJoin(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host")
	rm, ok := ts.registry.GetRoom(roomID)
	require.True(t, ok)

	resp := ts.ok(t, map[string]any{"action": "leave-room", "roomId": roomID, "playerId": "host"})
	assert.Equal(t, true, resp["roomDeleted"])

	_, err := rm.Join("late", "Late")
	assert.ErrorIs(t, err, room.ErrRoomClosed)
	assert.Zero(t, ts.registry.Stats().TotalRooms)
}

func TestPlayerDisconnect_FinishesRound(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host", "p2")
	ts.startPlaying(t, roomID, "host", "p2")

	ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "host", "score": 5})

	resp := ts.ok(t, map[string]any{"action": "player-disconnect", "roomId": roomID, "playerId": "p2"})
	assert.Equal(t, true, resp["implicitFinish"])

	events := ts.recorder.Events(broadcast.RoomChannel(roomID))
	assert.Contains(t, events, "player-disconnected")
	assert.Equal(t, "game-ended", events[len(events)-1])

	rm, _ := ts.registry.GetRoom(roomID)
	res := rm.Results()
	require.NotNil(t, res)
	assert.Equal(t, "host", res.Rankings[0].PlayerID)
	assert.Equal(t, 0, res.Rankings[1].Score)
}

func TestRematch(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host", "p2")
	ts.startPlaying(t, roomID, "host", "p2")
	ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "host", "score": 5})
	ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "p2", "score": 6})

	channel := broadcast.RoomChannel(roomID)

	resp := ts.ok(t, map[string]any{"action": "rematch", "roomId": roomID, "playerId": "p2", "response": "request"})
	assert.NotNil(t, resp["rematch"])

	status, _ := ts.do(t, map[string]any{"action": "rematch", "roomId": roomID, "playerId": "host", "response": "request"})
	assert.Equal(t, http.StatusBadRequest, status, "second request conflicts with the pending one")

	resp = ts.ok(t, map[string]any{"action": "rematch", "roomId": roomID, "playerId": "host", "response": "accept"})
	newRoomID, _ := resp["newRoomId"].(string)
	require.NotEmpty(t, newRoomID)
	assert.NotEqual(t, roomID, newRoomID)

	var accepted map[string]any
	require.True(t, ts.recorder.Last(channel, "rematch-accepted", &accepted))
	assert.Equal(t, newRoomID, accepted["newRoomId"])

	rm, ok := ts.registry.GetRoom(newRoomID)
	require.True(t, ok)
	assert.Equal(t, "host", rm.HostID())
	assert.Equal(t, 2, rm.PlayerCount())
	assert.Equal(t, "waiting", string(rm.State()))
}

func TestRematch_Decline(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host", "p2")
	ts.startPlaying(t, roomID, "host", "p2")
	ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "host", "score": 5})
	ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "p2", "score": 6})

	ts.ok(t, map[string]any{"action": "rematch", "roomId": roomID, "playerId": "host", "response": "request"})
	ts.ok(t, map[string]any{"action": "rematch", "roomId": roomID, "playerId": "p2", "response": "decline"})

	assert.Contains(t, ts.recorder.Events(broadcast.RoomChannel(roomID)), "rematch-declined")
	assert.Equal(t, 1, ts.registry.Stats().TotalRooms)
}

func TestAssignTeam(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.ok(t, map[string]any{
		"action":     "create-room",
		"playerId":   "host",
		"playerName": "Host",
		"settings":   map[string]any{"gameMode": "teams"},
	})
	roomID := resp["roomId"].(string)
	ts.ok(t, map[string]any{"action": "join-room", "roomId": roomID, "playerId": "p2", "playerName": "Bob"})

	resp = ts.ok(t, map[string]any{
		"action":         "assign-team",
		"roomId":         roomID,
		"playerId":       "host",
		"targetPlayerId": "p2",
		"teamId":         "team-a",
	})

	teams := resp["room"].(map[string]any)["teams"].([]any)
	require.Len(t, teams, 2)
	teamA := teams[0].(map[string]any)
	assert.Equal(t, "team-a", teamA["id"])
	assert.Contains(t, teamA["playerIds"], "p2")
	assert.Contains(t, ts.recorder.Events(broadcast.RoomChannel(roomID)), "teams-updated")

	status, _ := ts.do(t, map[string]any{
		"action":         "assign-team",
		"roomId":         roomID,
		"playerId":       "host",
		"targetPlayerId": "p2",
		"teamId":         "team-z",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUpdateSettings(t *testing.T) {
	ts := newTestServer(t)
	roomID, _ := ts.createRoom(t, "host", "p2")

	resp := ts.ok(t, map[string]any{
		"action":   "update-room-settings",
		"roomId":   roomID,
		"playerId": "host",
		"settings": map[string]any{"operation": "division", "questionCount": 20},
	})
	settings := resp["room"].(map[string]any)["settings"].(map[string]any)
	assert.Equal(t, "division", settings["operation"])
	assert.EqualValues(t, 20, settings["questionCount"])
	assert.Equal(t, []string{"player-joined", "settings-updated"}, ts.recorder.Events(broadcast.RoomChannel(roomID)))

	status, _ := ts.do(t, map[string]any{
		"action":   "update-room-settings",
		"roomId":   roomID,
		"playerId": "p2",
		"settings": map[string]any{"questionCount": 5},
	})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestCreateAIGame(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.ok(t, map[string]any{
		"action":     "create-ai-game",
		"playerId":   "p1",
		"playerName": "Alice",
		"difficulty": "hard",
	})
	assert.Equal(t, "playing", gameState(resp))
	roomID := resp["roomId"].(string)

	players := resp["room"].(map[string]any)["players"].([]any)
	require.Len(t, players, 2)
	assert.Equal(t, true, players[1].(map[string]any)["isAI"])

	resp = ts.ok(t, map[string]any{"action": "update-progress", "roomId": roomID, "playerId": "p1", "currentQuestion": 1})
	assert.NotNil(t, resp["aiProgress"])

	resp = ts.ok(t, map[string]any{"action": "submit-multiplayer", "roomId": roomID, "playerId": "p1", "score": 10})
	assert.Equal(t, true, resp["gameFinished"])

	status, _ := ts.do(t, map[string]any{"action": "create-ai-game", "playerId": "p1", "playerName": "Alice", "difficulty": "impossible"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBroadcastFailure_KeepsMutation(t *testing.T) {
	ts := newTestServer(t)
	roomID, roomCode := ts.createRoom(t, "host")
	ts.recorder.FailWith(errors.New("broker down"))

	ts.ok(t, map[string]any{"action": "join-room", "roomCode": roomCode, "playerId": "p2", "playerName": "Bob"})

	rm, ok := ts.registry.GetRoom(roomID)
	require.True(t, ok)
	assert.True(t, rm.HasPlayer("p2"))
}

func TestHealthAndStats(t *testing.T) {
	ts := newTestServer(t)
	ts.createRoom(t, "host", "p2")

	status, resp := ts.serve(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", resp["status"])

	status, resp = ts.serve(t, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, status)
	rooms := resp["rooms"].(map[string]any)
	assert.EqualValues(t, 1, rooms["totalRooms"])
	assert.EqualValues(t, 2, rooms["totalPlayers"])
}

func TestRateLimit(t *testing.T) {
	log := logger.Discard()
	reg, err := registry.New(log, registry.WithSweepInterval(0))
	require.NoError(t, err)
	t.Cleanup(reg.Stop)
	queue := matchmaking.New(log, matchmaking.WithSweepInterval(0))
	t.Cleanup(queue.Stop)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := handler.New(reg, queue, storage.NewMemory(), broadcast.Nop{}, log,
		handler.WithClock(func() time.Time { return now }),
		handler.WithRateLimit(2, 1),
	).Routes()

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/multiplayer", strings.NewReader(`{"action":"get-room","roomId":"x"}`))
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNotFound, send("192.0.2.1:1000"))
	assert.Equal(t, http.StatusNotFound, send("192.0.2.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.1:1002"))

	// 其他客戶端不受影響
	assert.Equal(t, http.StatusNotFound, send("192.0.2.2:1000"))

	// 一秒後補充一個令牌
	now = now.Add(time.Second)
	assert.Equal(t, http.StatusNotFound, send("192.0.2.1:1003"))
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.1:1004"))
}

func countOf(events []string, event string) int {
	n := 0
	for _, e := range events {
		if e == event {
			n++
		}
	}
	return n
}
