package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
)

// EventType 事件標籤
type EventType string

const (
	TypeGameCreated EventType = "GameCreated"
	TypeMoveApplied EventType = "MoveApplied"
	TypeGameOver    EventType = "GameOver"
)

// MoveApplied 的 action
const (
	ActionMove              = "move"
	ActionFinalizeCapture   = "finalizeCaptureChain"
	ActionEndTurn           = "endTurn"
	ActionResign            = "resign"
	ActionTimeout           = "timeout"
	ActionDisconnectTimeout = "disconnectTimeout"
)

// ErrUnknownEventType 事件標籤不在已知集合中
var ErrUnknownEventType = errors.New("unknown event type")

// Header 所有事件共有的欄位
type Header struct {
	Type         EventType `json:"type"`
	TS           int64     `json:"ts"`
	RoomID       string    `json:"roomId"`
	RulesVersion string    `json:"rulesVersion"`
	StateVersion int64     `json:"stateVersion"`
}

// EventHeader 取得事件標頭
func (h Header) EventHeader() Header {
	return h
}

// Event 持久化事件：GameCreated | MoveApplied | GameOver
type Event interface {
	EventHeader() Header
	sealed()
}

// GameCreated 房間建立；只有在沒有快照時才作為重播基準
type GameCreated struct {
	Header
	VariantID   string                `json:"variantId"`
	Snapshot    game.WireSnapshot     `json:"snapshot"`
	Players     map[string]game.Color `json:"players"`
	ColorsTaken []game.Color          `json:"colorsTaken"`
	Settings    *Settings             `json:"settings,omitempty"`
}

// MoveApplied 一次被接受的變更，攜帶變更後的完整快照
type MoveApplied struct {
	Header
	Action      string                `json:"action"`
	Move        *game.Move            `json:"move,omitempty"`
	Snapshot    game.WireSnapshot     `json:"snapshot"`
	Players     map[string]game.Color `json:"players"`
	ColorsTaken []game.Color          `json:"colorsTaken"`
	Clock       *game.ClockState      `json:"clock,omitempty"`
}

// GameOver 對局結束的中繼資料，不改變棋盤
type GameOver struct {
	Header
	Winner game.Color `json:"winner,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

func (GameCreated) sealed() {}
func (MoveApplied) sealed() {}
func (GameOver) sealed()    {}

// EncodeEvent 序列化為一行 JSON，並依具體型別填入 type
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case GameCreated:
		e.Type = TypeGameCreated
		return json.Marshal(e)
	case MoveApplied:
		e.Type = TypeMoveApplied
		return json.Marshal(e)
	case GameOver:
		e.Type = TypeGameOver
		return json.Marshal(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}
}

// DecodeEvent 依 type 解析事件；未知標籤回傳 ErrUnknownEventType
func DecodeEvent(line []byte) (Event, error) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	switch h.Type {
	case TypeGameCreated:
		var e GameCreated
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", h.Type, err)
		}
		return e, nil
	case TypeMoveApplied:
		var e MoveApplied
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", h.Type, err)
		}
		return e, nil
	case TypeGameOver:
		var e GameOver
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", h.Type, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, h.Type)
	}
}
