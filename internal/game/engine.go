package game

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrIllegalMove 規則引擎拒絕的操作；引擎回傳的錯誤都應包裝它
var ErrIllegalMove = errors.New("illegal move")

// IllegalMovef 建立包裝 ErrIllegalMove 的錯誤
func IllegalMovef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalMove, fmt.Sprintf(format, args...))
}

// Constraints 產生合法著法時的限制
type Constraints struct {
	// From 只產生從此節點出發的著法
	From string
}

// Outcome 勝負判定結果；Over 為 false 時其餘欄位無意義
type Outcome struct {
	Over   bool
	Winner Color
	Reason string
}

// Engine 規則引擎契約
//
// 所有方法都不得修改輸入的 state，成功時回傳新的狀態。
type Engine interface {
	VariantID() string
	NewGame() GameState
	ApplyMove(state GameState, move Move) (GameState, error)
	GenerateLegalMoves(state GameState, c *Constraints) []Move
	FinalizeCaptureChain(state GameState, landing string, jumped []string) (GameState, error)
	CheckCurrentPlayerLost(state GameState) Outcome
}

// Engines 變體 ID → 規則引擎
type Engines struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewEngines 創建並註冊引擎
func NewEngines(engines ...Engine) *Engines {
	r := &Engines{engines: make(map[string]Engine)}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register 註冊引擎，同 ID 覆蓋
func (r *Engines) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.VariantID()] = e
}

// Get 取得引擎
func (r *Engines) Get(variantID string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[variantID]
	return e, ok
}

// Variants 已註冊的變體 ID
func (r *Engines) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CheckOutcome 綜合強制結束與引擎判定
func CheckOutcome(e Engine, s GameState) Outcome {
	if s.ForcedGameOver != nil {
		return Outcome{Over: true, Winner: s.ForcedGameOver.Winner, Reason: s.ForcedGameOver.ReasonCode}
	}
	return e.CheckCurrentPlayerLost(s)
}
