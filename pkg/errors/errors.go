// Package errors 提供應用程式錯誤處理
//
// 錯誤分類（對應 HTTP 狀態碼由 handler 層決定）：
//   - INVALID_INPUT：請求欄位缺失或格式錯誤
//   - NOT_FOUND：房間或玩家不存在
//   - FORBIDDEN：非房主執行房主操作、非房間成員操作房間
//   - CONFLICT：房間狀態不允許該操作（如重複開始遊戲）
//   - RATE_LIMITED：動作頻率超過限制
//   - INTERNAL_ERROR：未預期錯誤
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeForbidden 沒有權限
	ErrCodeForbidden = "FORBIDDEN"
	// ErrCodeConflict 狀態衝突
	ErrCodeConflict = "CONFLICT"
	// ErrCodeRateLimited 超過頻率限制
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 錯誤碼與訊息都相同才視為相等（WithDetails 的副本仍匹配原哨兵），
// 所有 NOT_FOUND 錯誤不會互相匹配。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e == t || (e.Code == t.Code && e.Message == t.Message)
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊（返回副本，不修改哨兵錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// InvalidInput 建立輸入驗證錯誤
func InvalidInput(format string, args ...any) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf(format, args...))
}

// CodeOf 取得錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsForbidden 檢查是否為權限錯誤
func IsForbidden(err error) bool {
	return CodeOf(err) == ErrCodeForbidden
}

// IsConflict 檢查是否為狀態衝突錯誤
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsInvalidInput 檢查是否為輸入錯誤
func IsInvalidInput(err error) bool {
	return CodeOf(err) == ErrCodeInvalidInput
}
