package room

import (
	"time"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
)

// 在線追蹤
//
// 系統設計問題：
//
//	同一個座位可能同時開多個分頁、多條連線。以布林值記錄在線，
//	關掉其中一個分頁就會被誤判為斷線。因此每個玩家記錄連線計數：
//	  計數 0 → 1：在線，取消寬限計時器
//	  計數 1 → 0：離線，開始寬限期（graceUntil 為絕對時間，寫入快照）
//	  寬限期滿仍為 0：強制結束對局（DISCONNECT_TIMEOUT，對手獲勝）
//	觀戰者不計入在線狀態。

// Connect 座位上的一條即時連線建立
func (reg *Registry) Connect(roomID, playerID string) error {
	r, err := reg.Get(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.presence[playerID]
	if !ok {
		return nil
	}
	now := reg.now()
	nowMs := now.UnixMilli()

	// 寬限期已過但計時器尚未觸發：先結算，重連救不回已經結束的對局
	ended := r.settleLocked(now)

	p.conns++
	p.LastSeenAt = nowMs
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.Connected && !p.InGrace && !ended {
		return nil
	}

	p.Connected = true
	p.InGrace = false
	p.GraceUntil = 0
	reg.logger.Debug("player connected", "room_id", r.id, "player_id", playerID, "conns", p.conns)

	r.updateClockLocked(now)
	r.persistSnapshotLocked()
	r.afterChangeLocked(now)
	return nil
}

// Disconnect 座位上的一條即時連線關閉；只影響在線狀態，不會取消進行中的請求
func (reg *Registry) Disconnect(roomID, playerID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.presence[playerID]
	if !ok || r.deleted {
		return
	}
	now := reg.now()
	nowMs := now.UnixMilli()

	if p.conns > 0 {
		p.conns--
	}
	p.LastSeenAt = nowMs
	if p.conns > 0 {
		return
	}

	r.settleLocked(now)
	p.Connected = false

	graceMs := r.settings.DisconnectGraceMs
	if graceMs > 0 && !r.outcome().Over && r.seated(game.White) && r.seated(game.Black) {
		p.InGrace = true
		p.GraceUntil = nowMs + graceMs
		if p.timer != nil {
			p.timer.Stop()
		}
		p.timer = time.AfterFunc(time.Duration(graceMs)*time.Millisecond, func() {
			reg.tick(r)
		})
	}
	reg.logger.Debug("player disconnected",
		"room_id", r.id,
		"player_id", playerID,
		"in_grace", p.InGrace,
		"grace_until", p.GraceUntil)

	r.updateClockLocked(now)
	r.persistSnapshotLocked()
	r.afterChangeLocked(now)
}

func (r *Room) anyInGraceLocked() bool {
	for id, p := range r.presence {
		if _, seated := r.players[id]; seated && p.InGrace {
			return true
		}
	}
	return false
}

// expiredGraceLocked 寬限期已過的玩家；多人同時過期時取最早的
func (r *Room) expiredGraceLocked(nowMs int64) (string, bool) {
	var (
		found string
		until int64
	)
	for id, p := range r.presence {
		if _, seated := r.players[id]; !seated || !p.GraceExpired(nowMs) {
			continue
		}
		if found == "" || p.GraceUntil < until || (p.GraceUntil == until && id < found) {
			found, until = id, p.GraceUntil
		}
	}
	return found, found != ""
}
