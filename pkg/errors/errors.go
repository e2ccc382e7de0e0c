// Package errors 提供房間同步服務的錯誤分類
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 錯誤碼（同時是 HTTP 錯誤回應與客戶端判斷的依據）
const (
	// CodeValidation 無效輸入
	CodeValidation = "VALIDATION_ERROR"
	// CodeNotYourTurn 不是該玩家的回合或玩家未入座
	CodeNotYourTurn = "NOT_YOUR_TURN"
	// CodeInvalidMove 規則引擎拒絕的著法
	CodeInvalidMove = "INVALID_MOVE"
	// CodeRoomNotFound 房間不存在
	CodeRoomNotFound = "ROOM_NOT_FOUND"
	// CodeRoomFull 兩個顏色都已被佔用
	CodeRoomFull = "ROOM_FULL"
	// CodeColorTaken 指定的顏色已被佔用
	CodeColorTaken = "COLOR_TAKEN"
	// CodeStaleStateVersion 樂觀並發檢查失敗
	CodeStaleStateVersion = "STALE_STATE_VERSION"
	// CodeUnsupportedRulesVersion 規則版本不支援（載入時致命）
	CodeUnsupportedRulesVersion = "UNSUPPORTED_RULES_VERSION"
	// CodeGameOver 對局已結束
	CodeGameOver = "GAME_OVER"
	// CodeForbidden 無權觀看或操作
	CodeForbidden = "FORBIDDEN"
	// CodeIntegrity 持久化資料不一致
	CodeIntegrity = "INTEGRITY_ERROR"
	// CodeRateLimited 請求過於頻繁
	CodeRateLimited = "RATE_LIMITED"
	// CodeInternal 內部錯誤
	CodeInternal = "INTERNAL_ERROR"
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

// Is 以錯誤碼比對，讓 errors.Is(err, ErrRoomNotFound) 對任何同碼錯誤成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 以格式化訊息創建錯誤
func Newf(code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本，不修改預定義的錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrValidation              = New(CodeValidation, "invalid request")
	ErrNotYourTurn             = New(CodeNotYourTurn, "not your turn")
	ErrInvalidMove             = New(CodeInvalidMove, "invalid move")
	ErrRoomNotFound            = New(CodeRoomNotFound, "room not found")
	ErrRoomFull                = New(CodeRoomFull, "room is full")
	ErrColorTaken              = New(CodeColorTaken, "color already taken")
	ErrStaleStateVersion       = New(CodeStaleStateVersion, "stale state version")
	ErrUnsupportedRulesVersion = New(CodeUnsupportedRulesVersion, "unsupported rules version")
	ErrGameOver                = New(CodeGameOver, "game is over")
	ErrForbidden               = New(CodeForbidden, "forbidden")
	ErrIntegrity               = New(CodeIntegrity, "persisted room failed integrity check")
)

// CodeOf 取出錯誤碼；非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsNotFound 檢查是否為房間不存在錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeRoomNotFound
}

// IsStale 檢查是否為樂觀並發衝突
func IsStale(err error) bool {
	return CodeOf(err) == CodeStaleStateVersion
}

// IsValidation 檢查是否為輸入錯誤
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// HTTPStatus 錯誤對應的 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRoomNotFound:
		return http.StatusNotFound
	case CodeNotYourTurn, CodeStaleStateVersion, CodeRoomFull, CodeColorTaken, CodeGameOver:
		return http.StatusConflict
	case CodeInvalidMove:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
