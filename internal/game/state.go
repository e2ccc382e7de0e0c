// Package game 定義房間同步核心與規則引擎之間的資料模型與契約
//
// 記憶體中的 GameState / History 只在行程內使用；任何跨越網路或磁碟的邊界一律
// 轉換為 Wire 形式（見 wire.go）。規則引擎透過 Engine 介面接入，核心不理解棋規本身。
package game

import (
	"fmt"
	"maps"
	"slices"
)

// Color 棋子顏色 / 座位
type Color string

const (
	White Color = "W"
	Black Color = "B"
)

// Colors 固定的座位順序
var Colors = []Color{White, Black}

// Opponent 回傳對手顏色；無效顏色回傳空字串
func (c Color) Opponent() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return ""
	}
}

// Valid 是否為 W 或 B
func (c Color) Valid() bool {
	return c == White || c == Black
}

// ParseColor 解析顏色字串，接受 "W"/"B" 與 "white"/"black"
func ParseColor(s string) (Color, error) {
	switch s {
	case "W", "w", "white", "WHITE":
		return White, nil
	case "B", "b", "black", "BLACK":
		return Black, nil
	default:
		return "", fmt.Errorf("unknown color %q", s)
	}
}

// Phase 回合內的階段
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseCapture Phase = "capture"
)

// 對局結束原因
const (
	ReasonDisconnectTimeout = "DISCONNECT_TIMEOUT"
	ReasonTimeout           = "TIMEOUT"
	ReasonResign            = "RESIGN"
	ReasonNoMoves           = "NO_MOVES"
	ReasonThreefold         = "THREEFOLD"
)

// IsForcedReason 是否為核心（而非規則引擎）強制結束的原因
func IsForcedReason(reason string) bool {
	switch reason {
	case ReasonDisconnectTimeout, ReasonTimeout, ReasonResign, ReasonThreefold:
		return true
	}
	return false
}

// Piece 單一棋子
type Piece struct {
	Owner   Color `json:"owner"`
	Officer bool  `json:"officer,omitempty"`
}

// Stack 一個節點上的棋柱，index 0 為頂端（指揮者）
type Stack []Piece

// Top 取得頂端棋子
func (s Stack) Top() (Piece, bool) {
	if len(s) == 0 {
		return Piece{}, false
	}
	return s[0], true
}

// Meta 棋盤描述
type Meta struct {
	VariantID string `json:"variantId"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

// CaptureChain 進行中的連續吃子
type CaptureChain struct {
	Node   string   `json:"node"`
	Jumped []string `json:"jumped"`
}

// ForcedGameOver 由逾時、認輸或和棋規則強制結束對局；Winner 為空代表和局
type ForcedGameOver struct {
	ReasonCode string `json:"reasonCode"`
	Winner     Color  `json:"winner,omitempty"`
	Message    string `json:"message,omitempty"`
}

// GameState 記憶體中的棋局狀態，只能經由 Engine 契約變更
type GameState struct {
	Board          map[string]Stack
	ToMove         Color
	Phase          Phase
	Meta           Meta
	CaptureChain   *CaptureChain
	ForcedGameOver *ForcedGameOver
}

// Clone 深拷貝
func (s GameState) Clone() GameState {
	out := GameState{
		Board:  make(map[string]Stack, len(s.Board)),
		ToMove: s.ToMove,
		Phase:  s.Phase,
		Meta:   s.Meta,
	}
	for node, stack := range s.Board {
		out.Board[node] = slices.Clone(stack)
	}
	if s.CaptureChain != nil {
		out.CaptureChain = &CaptureChain{
			Node:   s.CaptureChain.Node,
			Jumped: slices.Clone(s.CaptureChain.Jumped),
		}
	}
	if s.ForcedGameOver != nil {
		fgo := *s.ForcedGameOver
		out.ForcedGameOver = &fgo
	}
	return out
}

// Nodes 依字典序回傳所有節點
func (s GameState) Nodes() []string {
	return slices.Sorted(maps.Keys(s.Board))
}

// Move 一步著法；Over 非空代表吃子
type Move struct {
	From string `json:"from"`
	To   string `json:"to"`
	Over string `json:"over,omitempty"`
}

// IsCapture 是否為吃子
func (m Move) IsCapture() bool {
	return m.Over != ""
}

// Notation 單步記譜：走子 "a-b"、吃子 "axb"
func (m Move) Notation() string {
	if m.IsCapture() {
		return m.From + "x" + m.To
	}
	return m.From + "-" + m.To
}
