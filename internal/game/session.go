package game

import "maps"

// Rules 房間建立後不可變更的規則選項
type Rules struct {
	DrawByThreefold bool `json:"drawByThreefold"`
}

// Visibility 房間可見性
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Valid 是否為已知的可見性
func (v Visibility) Valid() bool {
	return v == Public || v == Private
}

// 計時模式
const (
	TimeControlNone  = "none"
	TimeControlClock = "clock"
)

// TimeControl 計時設定
type TimeControl struct {
	Mode        string `json:"mode"`
	InitialMs   int64  `json:"initialMs,omitempty"`
	IncrementMs int64  `json:"incrementMs,omitempty"`
}

// Enabled 是否啟用棋鐘
func (tc TimeControl) Enabled() bool {
	return tc.Mode == TimeControlClock
}

// ClockState 雙方棋鐘
//
// 只持久化 RemainingMs 與 LastTickMs 錨點，不保存計時器；
// 任何時刻的剩餘時間都由 RemainingAt(now) 推算。
type ClockState struct {
	RemainingMs map[Color]int64 `json:"remainingMs"`
	Active      Color           `json:"active"`
	Paused      bool            `json:"paused"`
	LastTickMs  int64           `json:"lastTickMs"`
}

// NewClock 依計時設定建立棋鐘；開局時暫停，等雙方入座
func NewClock(tc TimeControl, nowMs int64) *ClockState {
	return &ClockState{
		RemainingMs: map[Color]int64{White: tc.InitialMs, Black: tc.InitialMs},
		Active:      White,
		Paused:      true,
		LastTickMs:  nowMs,
	}
}

// Clone 深拷貝
func (c *ClockState) Clone() *ClockState {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RemainingMs = maps.Clone(c.RemainingMs)
	return &cp
}

// RemainingAt 在 nowMs 時 color 的剩餘時間（不小於 0）
func (c *ClockState) RemainingAt(color Color, nowMs int64) int64 {
	rem := c.RemainingMs[color]
	if color == c.Active && !c.Paused && nowMs > c.LastTickMs {
		rem -= nowMs - c.LastTickMs
	}
	return max(rem, 0)
}

// Flagged 行棋方是否已超時
func (c *ClockState) Flagged(nowMs int64) bool {
	return !c.Paused && c.RemainingAt(c.Active, nowMs) <= 0
}

// Switch 結算行棋方用時並加秒，換對方計時
func (c *ClockState) Switch(to Color, nowMs, incrementMs int64) {
	c.charge(nowMs)
	c.RemainingMs[c.Active] += incrementMs
	c.Active = to
	c.LastTickMs = nowMs
}

// Pause 暫停；暫停前的用時計入行棋方
func (c *ClockState) Pause(nowMs int64) {
	if c.Paused {
		return
	}
	c.charge(nowMs)
	c.Paused = true
	c.LastTickMs = nowMs
}

// Resume 恢復計時，暫停期間不計時
func (c *ClockState) Resume(nowMs int64) {
	if !c.Paused {
		return
	}
	c.Paused = false
	c.LastTickMs = nowMs
}

func (c *ClockState) charge(nowMs int64) {
	if c.Paused {
		return
	}
	c.RemainingMs[c.Active] = c.RemainingAt(c.Active, nowMs)
	c.LastTickMs = nowMs
}

// PresenceEntry 玩家連線狀態；GraceUntil 為絕對時間（Unix 毫秒）以便跨重啟判斷
type PresenceEntry struct {
	Connected  bool  `json:"connected"`
	LastSeenAt int64 `json:"lastSeenAt"`
	InGrace    bool  `json:"inGrace,omitempty"`
	GraceUntil int64 `json:"graceUntil,omitempty"`
}

// GraceExpired 寬限期是否已過
//
// 計時器回呼與所有讀取路徑都用這個判斷，沒有觸發的計時器不會留下過期的觀察結果。
func (p PresenceEntry) GraceExpired(nowMs int64) bool {
	return !p.Connected && p.InGrace && nowMs >= p.GraceUntil
}
