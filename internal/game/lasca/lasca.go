// Package lasca 實現 7x7 Lasca 規則引擎
//
// 棋盤只使用 row+col 為偶數的 25 個節點，節點 ID 為 "r{row}c{col}"。
// 白方從 row 0 往 row 6 前進，黑方反向。吃子為強制，吃子時取走被跳棋柱的頂端棋子，
// 壓到吃子棋柱的最底部。連續吃子期間回合不交換，必須由 FinalizeCaptureChain 結束。
package lasca

import (
	"fmt"
	"slices"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
)

// VariantID 變體識別碼
const VariantID = "lasca-7x7"

const size = 7

// Engine Lasca 規則引擎（無狀態）
type Engine struct{}

var _ game.Engine = Engine{}

// New 創建引擎
func New() Engine {
	return Engine{}
}

// VariantID 實現 game.Engine
func (Engine) VariantID() string {
	return VariantID
}

// NewGame 開局：白方 row 0-2、黑方 row 4-6 各 11 個士兵，白方先行
func (Engine) NewGame() game.GameState {
	s := game.GameState{
		Board:  make(map[string]game.Stack),
		ToMove: game.White,
		Phase:  game.PhaseIdle,
		Meta:   game.Meta{VariantID: VariantID, Rows: size, Cols: size},
	}
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			if !playable(r, c) {
				continue
			}
			switch {
			case r <= 2:
				s.Board[node(r, c)] = game.Stack{{Owner: game.White}}
			case r >= 4:
				s.Board[node(r, c)] = game.Stack{{Owner: game.Black}}
			}
		}
	}
	return s
}

// GenerateLegalMoves 產生合法著法；有吃子時只回傳吃子
func (e Engine) GenerateLegalMoves(s game.GameState, c *game.Constraints) []game.Move {
	if s.ForcedGameOver != nil {
		return nil
	}

	var moves []game.Move
	if s.CaptureChain != nil {
		moves = chainCaptures(s)
	} else {
		for _, n := range s.Nodes() {
			top, ok := s.Board[n].Top()
			if !ok || top.Owner != s.ToMove {
				continue
			}
			moves = append(moves, captures(s, n, nil)...)
		}
		if len(moves) == 0 {
			for _, n := range s.Nodes() {
				top, ok := s.Board[n].Top()
				if !ok || top.Owner != s.ToMove {
					continue
				}
				moves = append(moves, steps(s, n)...)
			}
		}
	}

	if c != nil && c.From != "" {
		moves = slices.DeleteFunc(moves, func(m game.Move) bool { return m.From != c.From })
	}
	return moves
}

// ApplyMove 套用一步著法；吃子後進入 capture 階段，回合不交換
func (e Engine) ApplyMove(s game.GameState, m game.Move) (game.GameState, error) {
	if s.ForcedGameOver != nil {
		return game.GameState{}, game.IllegalMovef("game is over")
	}
	if !slices.Contains(e.GenerateLegalMoves(s, nil), m) {
		return game.GameState{}, game.IllegalMovef("%s is not legal", m.Notation())
	}

	next := s.Clone()
	moving := next.Board[m.From]
	delete(next.Board, m.From)

	if !m.IsCapture() {
		next.Board[m.To] = moving
		promote(next.Board, m.To)
		next.ToMove = s.ToMove.Opponent()
		next.Phase = game.PhaseIdle
		next.CaptureChain = nil
		return next, nil
	}

	jumped := next.Board[m.Over]
	prisoner := jumped[0]
	if len(jumped) == 1 {
		delete(next.Board, m.Over)
	} else {
		next.Board[m.Over] = jumped[1:]
	}
	next.Board[m.To] = append(moving, prisoner)

	chain := &game.CaptureChain{Node: m.To}
	if s.CaptureChain != nil {
		chain.Jumped = slices.Clone(s.CaptureChain.Jumped)
	}
	chain.Jumped = append(chain.Jumped, m.Over)
	next.CaptureChain = chain
	next.Phase = game.PhaseCapture
	return next, nil
}

// FinalizeCaptureChain 結束連續吃子：升變、交換回合
func (e Engine) FinalizeCaptureChain(s game.GameState, landing string, jumped []string) (game.GameState, error) {
	if s.CaptureChain == nil {
		return game.GameState{}, game.IllegalMovef("no capture chain in progress")
	}
	if landing != s.CaptureChain.Node {
		return game.GameState{}, game.IllegalMovef("chain is at %s, not %s", s.CaptureChain.Node, landing)
	}
	if jumped != nil && !slices.Equal(jumped, s.CaptureChain.Jumped) {
		return game.GameState{}, game.IllegalMovef("jumped nodes do not match chain")
	}
	if len(chainCaptures(s)) > 0 {
		return game.GameState{}, game.IllegalMovef("capture must continue from %s", landing)
	}

	next := s.Clone()
	promote(next.Board, landing)
	next.CaptureChain = nil
	next.Phase = game.PhaseIdle
	next.ToMove = s.ToMove.Opponent()
	return next, nil
}

// CheckCurrentPlayerLost 行棋方無子可動即判負
func (e Engine) CheckCurrentPlayerLost(s game.GameState) game.Outcome {
	if s.ForcedGameOver != nil {
		return game.Outcome{Over: true, Winner: s.ForcedGameOver.Winner, Reason: s.ForcedGameOver.ReasonCode}
	}
	if s.CaptureChain != nil {
		return game.Outcome{}
	}
	if len(e.GenerateLegalMoves(s, nil)) == 0 {
		return game.Outcome{Over: true, Winner: s.ToMove.Opponent(), Reason: game.ReasonNoMoves}
	}
	return game.Outcome{}
}

func chainCaptures(s game.GameState) []game.Move {
	at := s.CaptureChain.Node
	top, ok := s.Board[at].Top()
	if !ok {
		return nil
	}
	// 士兵在連續吃子中抵達底線，必須停下升變
	if !top.Officer && onFarRow(at, top.Owner) {
		return nil
	}
	return captures(s, at, s.CaptureChain.Jumped)
}

func captures(s game.GameState, from string, jumped []string) []game.Move {
	top, _ := s.Board[from].Top()
	r, c, err := parseNode(from)
	if err != nil {
		return nil
	}

	var moves []game.Move
	for _, d := range directions(top) {
		overR, overC := r+d[0], c+d[1]
		toR, toC := r+2*d[0], c+2*d[1]
		if !onBoard(toR, toC) {
			continue
		}
		over, to := node(overR, overC), node(toR, toC)
		if slices.Contains(jumped, over) {
			continue
		}
		victim, ok := s.Board[over].Top()
		if !ok || victim.Owner == top.Owner {
			continue
		}
		if _, occupied := s.Board[to]; occupied {
			continue
		}
		moves = append(moves, game.Move{From: from, To: to, Over: over})
	}
	return moves
}

func steps(s game.GameState, from string) []game.Move {
	top, _ := s.Board[from].Top()
	r, c, err := parseNode(from)
	if err != nil {
		return nil
	}

	var moves []game.Move
	for _, d := range directions(top) {
		toR, toC := r+d[0], c+d[1]
		if !onBoard(toR, toC) {
			continue
		}
		to := node(toR, toC)
		if _, occupied := s.Board[to]; occupied {
			continue
		}
		moves = append(moves, game.Move{From: from, To: to})
	}
	return moves
}

func promote(board map[string]game.Stack, at string) {
	stack := board[at]
	if len(stack) == 0 || stack[0].Officer {
		return
	}
	if onFarRow(at, stack[0].Owner) {
		stack[0].Officer = true
	}
}

func directions(p game.Piece) [][2]int {
	forward := 1
	if p.Owner == game.Black {
		forward = -1
	}
	dirs := [][2]int{{forward, -1}, {forward, 1}}
	if p.Officer {
		dirs = append(dirs, [2]int{-forward, -1}, [2]int{-forward, 1})
	}
	return dirs
}

func onFarRow(n string, owner game.Color) bool {
	r, _, err := parseNode(n)
	if err != nil {
		return false
	}
	if owner == game.White {
		return r == size-1
	}
	return r == 0
}

func playable(r, c int) bool {
	return (r+c)%2 == 0
}

func onBoard(r, c int) bool {
	return r >= 0 && r < size && c >= 0 && c < size && playable(r, c)
}

func node(r, c int) string {
	return fmt.Sprintf("r%dc%d", r, c)
}

func parseNode(n string) (int, int, error) {
	var r, c int
	if _, err := fmt.Sscanf(n, "r%dc%d", &r, &c); err != nil {
		return 0, 0, fmt.Errorf("parse node %q: %w", n, err)
	}
	if !onBoard(r, c) {
		return 0, 0, fmt.Errorf("node %q is off board", n)
	}
	return r, c, nil
}
