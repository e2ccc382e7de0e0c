package game

import (
	"fmt"
	"slices"
)

// HistoryManager 歷史紀錄抽象
type HistoryManager interface {
	Push(state GameState, notation string)
	ReplaceAll(states []GameState, notation []string, current int) error
	ExportSnapshots() WireHistory
	Current() GameState
}

// History 每一回合結束後的狀態序列；States[0] 為開局
//
// Notation[i] 描述從 States[i-1] 到 States[i] 的著法，Notation[0] 恆為空字串。
type History struct {
	states   []GameState
	notation []string
	current  int
}

var _ HistoryManager = (*History)(nil)

// NewHistory 以開局狀態建立歷史
func NewHistory(initial GameState) *History {
	return &History{
		states:   []GameState{initial.Clone()},
		notation: []string{""},
	}
}

// Push 追加一筆；目前位置若不在末端，之後的紀錄會被截斷
func (h *History) Push(state GameState, notation string) {
	if h.current < len(h.states)-1 {
		h.states = h.states[:h.current+1]
		h.notation = h.notation[:h.current+1]
	}
	h.states = append(h.states, state.Clone())
	h.notation = append(h.notation, notation)
	h.current = len(h.states) - 1
}

// ReplaceAll 整份替換（用於與權威狀態對齊）
func (h *History) ReplaceAll(states []GameState, notation []string, current int) error {
	if len(states) == 0 {
		return fmt.Errorf("history: empty states")
	}
	if len(notation) != len(states) {
		return fmt.Errorf("history: %d states but %d notation entries", len(states), len(notation))
	}
	if current < 0 || current >= len(states) {
		return fmt.Errorf("history: current index %d out of range", current)
	}

	h.states = make([]GameState, len(states))
	for i, s := range states {
		h.states[i] = s.Clone()
	}
	h.notation = slices.Clone(notation)
	h.current = current
	return nil
}

// ExportSnapshots 匯出為 Wire 形式
func (h *History) ExportSnapshots() WireHistory {
	w := WireHistory{
		States:       make([]WireGameState, len(h.states)),
		Notation:     slices.Clone(h.notation),
		CurrentIndex: h.current,
	}
	for i, s := range h.states {
		w.States[i] = ToWire(s)
	}
	return w
}

// Current 目前位置的狀態
func (h *History) Current() GameState {
	return h.states[h.current].Clone()
}

// Len 紀錄筆數
func (h *History) Len() int {
	return len(h.states)
}

// Notation 所有記譜
func (h *History) Notation() []string {
	return slices.Clone(h.notation)
}

// Occurrences 截至目前位置，與 key 相同的局面出現次數（key 來自 PositionKey）
func (h *History) Occurrences(key string) int {
	n := 0
	for _, s := range h.states[:h.current+1] {
		if PositionKey(s) == key {
			n++
		}
	}
	return n
}

// HistoryFromWire 由 Wire 形式還原
func HistoryFromWire(w WireHistory) (*History, error) {
	states := make([]GameState, 0, len(w.States))
	for i, ws := range w.States {
		s, err := FromWire(ws)
		if err != nil {
			return nil, fmt.Errorf("history state %d: %w", i, err)
		}
		states = append(states, s)
	}

	notation := w.Notation
	if len(notation) < len(states) {
		// 舊資料可能缺少記譜，補空字串
		notation = append(slices.Clone(notation), make([]string, len(states)-len(notation))...)
	}

	h := &History{}
	if err := h.ReplaceAll(states, notation, w.CurrentIndex); err != nil {
		return nil, err
	}
	return h, nil
}
