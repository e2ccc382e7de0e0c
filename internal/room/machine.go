package room

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// 房間狀態機
//
// 沒有顯式的狀態列舉，只有「進行中」與「已結束」：
// state.ForcedGameOver 已設定，或規則引擎判定行棋方已輸，即為結束。
//
// 每個變更都走同一條流水線：
//
//	結算計時 → 已結束則拒絕 → 座位/回合 → CAS → 規則引擎 → 記憶體變更（version+1）
//	→ 持久化入列 → 廣播
//
// 引擎失敗時房間狀態完全不變，不會被持久化或廣播。

// transition 規則引擎產生下一個狀態
type transition func(r *Room, color game.Color) (game.GameState, error)

// SubmitMove 走一步
func (reg *Registry) SubmitMove(roomID, playerID string, move game.Move, expected *int64) (View, error) {
	if move.From == "" || move.To == "" {
		return View{}, apperrors.ErrValidation.WithDetails("move requires from and to")
	}
	mv := move
	return reg.mutate(roomID, playerID, expected, store.ActionMove, &mv,
		func(r *Room, _ game.Color) (game.GameState, error) {
			return r.engine.ApplyMove(r.state, move)
		})
}

// FinalizeCaptureChain 在 landing 結束連續吃子
func (reg *Registry) FinalizeCaptureChain(roomID, playerID, landing string, jumped []string, expected *int64) (View, error) {
	if landing == "" {
		return View{}, apperrors.ErrValidation.WithDetails("landing is required")
	}
	return reg.mutate(roomID, playerID, expected, store.ActionFinalizeCapture, nil,
		func(r *Room, _ game.Color) (game.GameState, error) {
			return r.engine.FinalizeCaptureChain(r.state, landing, jumped)
		})
}

// EndTurn 在連續吃子目前的落點結束回合
func (reg *Registry) EndTurn(roomID, playerID string, expected *int64) (View, error) {
	return reg.mutate(roomID, playerID, expected, store.ActionEndTurn, nil,
		func(r *Room, _ game.Color) (game.GameState, error) {
			chain := r.state.CaptureChain
			if chain == nil {
				return game.GameState{}, game.IllegalMovef("no capture chain to end")
			}
			return r.engine.FinalizeCaptureChain(r.state, chain.Node, chain.Jumped)
		})
}

// Resign 認輸；任何入座玩家隨時可以認輸，不限自己的回合
func (reg *Registry) Resign(roomID, playerID string, expected *int64) (View, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return View{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := reg.now()
	color, err := r.precheckLocked(now, playerID, expected, false)
	if err != nil {
		return View{}, err
	}

	r.forceEndLocked(now, game.ReasonResign, color.Opponent(), store.ActionResign,
		fmt.Sprintf("%s resigned", color))
	r.afterChangeLocked(now)
	return r.viewLocked(now.UnixMilli()), nil
}

func (reg *Registry) mutate(roomID, playerID string, expected *int64, action string, mv *game.Move, next transition) (View, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return View{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := reg.now()
	color, err := r.precheckLocked(now, playerID, expected, true)
	if err != nil {
		return View{}, err
	}

	state, err := next(r, color)
	if err != nil {
		if errors.Is(err, game.ErrIllegalMove) {
			return View{}, apperrors.Wrap(err, apperrors.CodeInvalidMove, "invalid move")
		}
		return View{}, apperrors.Wrap(err, apperrors.CodeInternal, "rules engine failure")
	}

	r.commitLocked(now, state, action, mv)
	r.afterChangeLocked(now)
	return r.viewLocked(now.UnixMilli()), nil
}

// precheckLocked 結算計時、檢查結束、座位、回合與 CAS；失敗時不改變任何狀態
func (r *Room) precheckLocked(now time.Time, playerID string, expected *int64, requireTurn bool) (game.Color, error) {
	if r.settleLocked(now) {
		r.afterChangeLocked(now)
	}
	if r.outcome().Over {
		return "", apperrors.ErrGameOver
	}

	color, ok := r.players[playerID]
	if !ok {
		return "", apperrors.ErrNotYourTurn.WithDetails("player is not seated in this room")
	}
	if requireTurn && color != r.state.ToMove {
		return "", apperrors.ErrNotYourTurn.WithDetails(fmt.Sprintf("%s to move", r.state.ToMove))
	}
	if expected != nil && *expected != r.version {
		return "", apperrors.ErrStaleStateVersion.WithDetails(
			fmt.Sprintf("expected %d, current %d", *expected, r.version))
	}
	return color, nil
}

// commitLocked 套用引擎結果：換手時寫入歷史並切換棋鐘，version+1 後入列持久化
func (r *Room) commitLocked(now time.Time, next game.GameState, action string, mv *game.Move) {
	nowMs := now.UnixMilli()
	flipped := next.ToMove != r.state.ToMove

	if mv != nil {
		switch {
		case r.pendingNotation == "":
			r.pendingNotation = mv.Notation()
		case mv.IsCapture():
			r.pendingNotation += "x" + mv.To
		}
	}

	r.state = next
	if flipped {
		r.history.Push(next, r.pendingNotation)
		r.pendingNotation = ""

		if r.clock != nil {
			r.clock.Switch(next.ToMove, nowMs, r.settings.TimeControl.IncrementMs)
		}
		if r.settings.Rules.DrawByThreefold && r.history.Occurrences(game.PositionKey(next)) >= 3 {
			drawn := next.Clone()
			drawn.ForcedGameOver = &game.ForcedGameOver{
				ReasonCode: game.ReasonThreefold,
				Message:    "threefold repetition",
			}
			r.state = drawn
		}
	}

	r.version++
	r.updatedAt = nowMs
	r.persistMutationLocked(nowMs, action, mv)
}

// forceEndLocked 由核心強制結束對局；這也是一次變更（version+1）
func (r *Room) forceEndLocked(now time.Time, reason string, winner game.Color, action, message string) {
	nowMs := now.UnixMilli()

	next := r.state.Clone()
	next.ForcedGameOver = &game.ForcedGameOver{ReasonCode: reason, Winner: winner, Message: message}
	r.state = next
	r.pendingNotation = ""
	r.version++
	r.updatedAt = nowMs

	r.reg.logger.Info("game forced over",
		"room_id", r.id,
		"reason", reason,
		"winner", winner,
		"state_version", r.version)
	r.persistMutationLocked(nowMs, action, nil)
}

// persistMutationLocked MoveApplied → GameOver（每個版本至多一次）→ 快照
//
// GameOver 永遠緊跟在編碼了結束狀態的 MoveApplied 之後，載入時會檢查這個耦合。
func (r *Room) persistMutationLocked(nowMs int64, action string, mv *game.Move) {
	out := r.outcome()
	if out.Over {
		r.stopTimersLocked()
		if r.clock != nil {
			r.clock.Pause(nowMs)
		}
	}

	ev := store.MoveApplied{
		Header:      r.header(nowMs),
		Action:      action,
		Snapshot:    r.wireSnapshotLocked(),
		Players:     maps.Clone(r.players),
		ColorsTaken: slices.Clone(r.colorsTaken),
		Clock:       r.clock.Clone(),
	}
	if mv != nil {
		m := *mv
		ev.Move = &m
	}
	r.reg.writer.enqueueEvent(r.id, ev, store.WriteOptions{})

	if out.Over && r.lastGameOverVersion < r.version {
		r.lastGameOverVersion = r.version
		r.reg.writer.enqueueEvent(r.id, store.GameOver{
			Header: r.header(nowMs),
			Winner: out.Winner,
			Reason: out.Reason,
		}, store.WriteOptions{})
	}

	if r.version%r.reg.opts.SnapshotEvery == 0 || out.Over {
		r.persistSnapshotLocked()
	}
}

// persistSnapshotLocked 入列一份快照（入座、在線狀態變化時不增加版本）
func (r *Room) persistSnapshotLocked() {
	r.reg.writer.enqueueSnapshot(r.id, r.snapshotFileLocked(), store.WriteOptions{})
}

// afterChangeLocked 重新評估棋鐘與計時器並廣播
func (r *Room) afterChangeLocked(now time.Time) {
	if r.deleted {
		return
	}
	r.updateClockLocked(now)
	r.armClockTimerLocked(now)
	r.reg.broadcast(r.id, r.viewLocked(now.UnixMilli()))
}
