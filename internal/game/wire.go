package game

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// BoardEntry 棋盤上的一格，序列化為 [nodeId, stack]
type BoardEntry struct {
	Node  string
	Stack Stack
}

// MarshalJSON 輸出 [nodeId, stack] 二元組
func (e BoardEntry) MarshalJSON() ([]byte, error) {
	stack := e.Stack
	if stack == nil {
		stack = Stack{}
	}
	return json.Marshal([2]any{e.Node, stack})
}

// UnmarshalJSON 解析 [nodeId, stack] 二元組
func (e *BoardEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("board entry: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("board entry: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Node); err != nil {
		return fmt.Errorf("board entry node: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Stack); err != nil {
		return fmt.Errorf("board entry stack: %w", err)
	}
	return nil
}

// WireGameState 網路與磁碟上唯一的棋局表示
type WireGameState struct {
	Board          []BoardEntry    `json:"board"`
	ToMove         Color           `json:"toMove"`
	Phase          Phase           `json:"phase"`
	Meta           Meta            `json:"meta"`
	CaptureChain   *CaptureChain   `json:"captureChain,omitempty"`
	ForcedGameOver *ForcedGameOver `json:"forcedGameOver,omitempty"`
}

// WireHistory 歷史紀錄的序列化形式
type WireHistory struct {
	States       []WireGameState `json:"states"`
	Notation     []string        `json:"notation"`
	CurrentIndex int             `json:"currentIndex"`
}

// WireSnapshot 完整快照：狀態 + 歷史 + 版本
type WireSnapshot struct {
	State        WireGameState `json:"state"`
	History      WireHistory   `json:"history"`
	StateVersion int64         `json:"stateVersion"`
}

// ToWire 轉為序列化形式，棋盤依節點排序以保持輸出穩定
func ToWire(s GameState) WireGameState {
	c := s.Clone()
	w := WireGameState{
		Board:          make([]BoardEntry, 0, len(c.Board)),
		ToMove:         c.ToMove,
		Phase:          c.Phase,
		Meta:           c.Meta,
		CaptureChain:   c.CaptureChain,
		ForcedGameOver: c.ForcedGameOver,
	}
	for _, node := range c.Nodes() {
		w.Board = append(w.Board, BoardEntry{Node: node, Stack: c.Board[node]})
	}
	return w
}

// FromWire 由序列化形式還原；重複節點視為資料損毀
func FromWire(w WireGameState) (GameState, error) {
	s := GameState{
		Board:  make(map[string]Stack, len(w.Board)),
		ToMove: w.ToMove,
		Phase:  w.Phase,
		Meta:   w.Meta,
	}
	for _, entry := range w.Board {
		if _, dup := s.Board[entry.Node]; dup {
			return GameState{}, fmt.Errorf("duplicate board node %q", entry.Node)
		}
		s.Board[entry.Node] = slices.Clone(entry.Stack)
	}
	if s.Phase == "" {
		s.Phase = PhaseIdle
	}
	if w.CaptureChain != nil {
		s.CaptureChain = &CaptureChain{Node: w.CaptureChain.Node, Jumped: slices.Clone(w.CaptureChain.Jumped)}
	}
	if w.ForcedGameOver != nil {
		fgo := *w.ForcedGameOver
		s.ForcedGameOver = &fgo
	}
	return s, nil
}

// StateHash 完整狀態的穩定雜湊
func StateHash(s GameState) string {
	data, _ := json.Marshal(ToWire(s))
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PositionKey 只看棋盤與行棋方，用於重複局面判斷
func PositionKey(s GameState) string {
	w := ToWire(s)
	data, _ := json.Marshal(struct {
		Board  []BoardEntry `json:"board"`
		ToMove Color        `json:"toMove"`
	}{w.Board, w.ToMove})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
