package room

import (
	"time"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
)

// 棋鐘管理
//
// 沒有常駐的背景 goroutine：每條讀取路徑與每次變更都先呼叫 settleLocked，
// 依 (持久化的時間錨點, now) 推算是否已超時。watchdog 計時器只是在沒有請求時
// 觸發同一條 settle 路徑，重啟後只需要 remainingMs 與 lastTickMs 就能繼續。

// settleLocked 結算超時與斷線寬限；回傳 true 代表對局因此結束
func (r *Room) settleLocked(now time.Time) bool {
	if r.deleted || r.outcome().Over {
		return false
	}
	nowMs := now.UnixMilli()

	if r.clock != nil && r.clock.Flagged(nowMs) {
		loser := r.clock.Active
		r.clock.Pause(nowMs)
		r.forceEndLocked(now, game.ReasonTimeout, loser.Opponent(), store.ActionTimeout,
			string(loser)+" ran out of time")
		return true
	}

	if id, ok := r.expiredGraceLocked(nowMs); ok {
		color := r.players[id]
		r.presence[id].InGrace = false
		r.forceEndLocked(now, game.ReasonDisconnectTimeout, color.Opponent(), store.ActionDisconnectTimeout,
			string(color)+" did not reconnect in time")
		return true
	}
	return false
}

// updateClockLocked 雙方入座且沒有人在寬限期內才計時
func (r *Room) updateClockLocked(now time.Time) {
	if r.clock == nil {
		return
	}
	nowMs := now.UnixMilli()
	if r.outcome().Over {
		r.clock.Pause(nowMs)
		return
	}

	running := r.seated(game.White) && r.seated(game.Black) && !r.anyInGraceLocked()
	if running {
		r.clock.Resume(nowMs)
	} else {
		r.clock.Pause(nowMs)
	}
}

// armClockTimerLocked 在行棋方時間耗盡時觸發一次 settle
func (r *Room) armClockTimerLocked(now time.Time) {
	if r.clockTimer != nil {
		r.clockTimer.Stop()
		r.clockTimer = nil
	}
	if r.clock == nil || r.clock.Paused || r.deleted || r.outcome().Over {
		return
	}

	remaining := r.clock.RemainingAt(r.clock.Active, now.UnixMilli())
	d := time.Duration(remaining)*time.Millisecond + 5*time.Millisecond
	r.clockTimer = time.AfterFunc(d, func() {
		r.reg.tick(r)
	})
}

func (r *Room) stopTimersLocked() {
	if r.clockTimer != nil {
		r.clockTimer.Stop()
		r.clockTimer = nil
	}
	for _, p := range r.presence {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
}

// rearmLocked 載入後重新佈署計時器：已過期的寬限立即生效，未過期的以剩餘時間重新計時
func (r *Room) rearmLocked(now time.Time) {
	nowMs := now.UnixMilli()
	for _, p := range r.presence {
		if p.InGrace && !p.GraceExpired(nowMs) {
			p.timer = time.AfterFunc(time.Duration(p.GraceUntil-nowMs)*time.Millisecond, func() {
				r.reg.tick(r)
			})
		}
	}
	r.settleLocked(now)
	r.afterChangeLocked(now)
}

// tick 計時器回呼
func (reg *Registry) tick(r *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return
	}
	now := reg.now()
	if r.settleLocked(now) {
		r.afterChangeLocked(now)
		return
	}
	// 計時器提早觸發或棋鐘被暫停過，重新佈署
	r.armClockTimerLocked(now)
}
