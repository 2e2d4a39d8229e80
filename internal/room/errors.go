package room

import (
	apperrors "github.com/koopa0/system-design/14-math-arena/pkg/errors"
)

// 生命週期哨兵錯誤
//
// 錯誤碼決定 HTTP 狀態（handler 層映射），
// 呼叫端用 errors.Is 判斷具體原因。
var (
	ErrRoomClosed       = apperrors.New(apperrors.ErrCodeNotFound, "room not found")
	ErrPlayerNotInRoom  = apperrors.New(apperrors.ErrCodeForbidden, "player is not in this room")
	ErrNotHost          = apperrors.New(apperrors.ErrCodeForbidden, "only the host can perform this action")
	ErrPlayerOffline    = apperrors.New(apperrors.ErrCodeForbidden, "player is disconnected")
	ErrRoomFull         = apperrors.New(apperrors.ErrCodeConflict, "room is full")
	ErrGameInProgress   = apperrors.New(apperrors.ErrCodeConflict, "game already started")
	ErrNotEnoughPlayers = apperrors.New(apperrors.ErrCodeConflict, "at least 2 players are required")
	ErrNotPlaying       = apperrors.New(apperrors.ErrCodeConflict, "game is not in progress")
	ErrNotFinished      = apperrors.New(apperrors.ErrCodeConflict, "game has not finished")
	ErrNotTeamMode      = apperrors.New(apperrors.ErrCodeConflict, "room is not in team mode")
	ErrRematchPending   = apperrors.New(apperrors.ErrCodeConflict, "a rematch is already being negotiated")
	ErrNoRematch        = apperrors.New(apperrors.ErrCodeConflict, "no rematch is pending")
	ErrRematchStarted   = apperrors.New(apperrors.ErrCodeConflict, "rematch room already created")
	ErrTooManyAnswers   = apperrors.New(apperrors.ErrCodeInvalidInput, "more answers than questions")
	ErrUnknownTeam      = apperrors.New(apperrors.ErrCodeInvalidInput, "unknown team")
	ErrInvalidScore     = apperrors.New(apperrors.ErrCodeInvalidInput, "score out of range")
	ErrInvalidSettings  = apperrors.New(apperrors.ErrCodeInvalidInput, "invalid room settings")
)
