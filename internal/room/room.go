package room

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
)

// Room 一局進行中或已結束的對局
//
// 系統設計考量：
//
//  1. 並發控制（Mutex）：
//     同一房間的所有操作在 mu 下序列化，記憶體中的 state/version 先同步更新，
//     持久化與廣播之後才進行，任何請求都看不到只改了一半的房間。
//
//  2. 樂觀並發（stateVersion）：
//     客戶端送來 expectedStateVersion，不符即拒絕。這只偵測過期，不做排隊。
//     前提是單一權威行程；多行程部署需要共享儲存上的 CAS。
//
//  3. 計時器與重啟：
//     寬限期與棋鐘都以絕對時間保存，settle(now) 是唯一判斷點，
//     計時器回呼與每條讀取路徑都呼叫它，沒觸發的計時器不會留下過期觀察。
type Room struct {
	mu  sync.Mutex
	reg *Registry

	id           string
	variantID    string
	rulesVersion string
	createdAt    int64
	updatedAt    int64
	engine       game.Engine
	settings     store.Settings

	state   game.GameState
	history *game.History
	version int64

	players     map[string]game.Color
	colorsTaken []game.Color
	identity    map[string]string
	presence    map[string]*presence

	clock      *game.ClockState
	clockTimer *time.Timer

	lastGameOverVersion int64
	// pendingNotation 連續吃子中累積的記譜，只存在記憶體
	pendingNotation string
	deleted         bool
}

// presence 玩家連線：持久化欄位 + 連線計數 + 寬限計時器
type presence struct {
	game.PresenceEntry
	conns int
	timer *time.Timer
}

// View 房間的完整對外表示（GET /api/room 與即時推送共用）
type View struct {
	RoomID       string                        `json:"roomId"`
	VariantID    string                        `json:"variantId"`
	RulesVersion string                        `json:"rulesVersion"`
	Snapshot     game.WireSnapshot             `json:"snapshot"`
	Players      map[string]game.Color         `json:"players"`
	Identity     map[string]string             `json:"identity,omitempty"`
	Presence     map[string]game.PresenceEntry `json:"presence"`
	Rules        game.Rules                    `json:"rules"`
	Visibility   game.Visibility               `json:"visibility"`
	TimeControl  game.TimeControl              `json:"timeControl"`
	Clock        *ClockView                    `json:"clock,omitempty"`
	GameOver     *GameOver                     `json:"gameOver,omitempty"`
}

// ClockView 某一時刻的棋鐘讀數
type ClockView struct {
	RemainingMs map[game.Color]int64 `json:"remainingMs"`
	Active      game.Color           `json:"active"`
	Paused      bool                 `json:"paused"`
	ServerNowMs int64                `json:"serverNowMs"`
}

// GameOver 對局結果
type GameOver struct {
	Winner game.Color `json:"winner,omitempty"`
	Reason string     `json:"reason"`
}

// Meta 房間摘要（大廳與 /meta）
type Meta struct {
	RoomID       string              `json:"roomId"`
	VariantID    string              `json:"variantId"`
	Visibility   game.Visibility     `json:"visibility"`
	StateVersion int64               `json:"stateVersion"`
	Seats        map[game.Color]bool `json:"seats"`
	ToMove       game.Color          `json:"toMove"`
	TimeControl  game.TimeControl    `json:"timeControl"`
	GameOver     *GameOver           `json:"gameOver,omitempty"`
	CreatedAt    int64               `json:"createdAt"`
	UpdatedAt    int64               `json:"updatedAt"`
}

// ID 房間 ID
func (r *Room) ID() string {
	return r.id
}

func (r *Room) outcome() game.Outcome {
	return game.CheckOutcome(r.engine, r.state)
}

func (r *Room) gameOverLocked() *GameOver {
	out := r.outcome()
	if !out.Over {
		return nil
	}
	return &GameOver{Winner: out.Winner, Reason: out.Reason}
}

func (r *Room) seated(color game.Color) bool {
	return slices.Contains(r.colorsTaken, color)
}

func (r *Room) wireSnapshotLocked() game.WireSnapshot {
	return game.WireSnapshot{
		State:        game.ToWire(r.state),
		History:      r.history.ExportSnapshots(),
		StateVersion: r.version,
	}
}

func (r *Room) presenceLocked() map[string]game.PresenceEntry {
	out := make(map[string]game.PresenceEntry, len(r.presence))
	for id, p := range r.presence {
		out[id] = p.PresenceEntry
	}
	return out
}

func (r *Room) viewLocked(nowMs int64) View {
	v := View{
		RoomID:       r.id,
		VariantID:    r.variantID,
		RulesVersion: r.rulesVersion,
		Snapshot:     r.wireSnapshotLocked(),
		Players:      maps.Clone(r.players),
		Identity:     maps.Clone(r.identity),
		Presence:     r.presenceLocked(),
		Rules:        r.settings.Rules,
		Visibility:   r.settings.Visibility,
		TimeControl:  r.settings.TimeControl,
		GameOver:     r.gameOverLocked(),
	}
	if r.clock != nil {
		v.Clock = &ClockView{
			RemainingMs: map[game.Color]int64{
				game.White: r.clock.RemainingAt(game.White, nowMs),
				game.Black: r.clock.RemainingAt(game.Black, nowMs),
			},
			Active:      r.clock.Active,
			Paused:      r.clock.Paused,
			ServerNowMs: nowMs,
		}
	}
	return v
}

func (r *Room) metaLocked() Meta {
	seats := make(map[game.Color]bool, 2)
	for _, c := range game.Colors {
		seats[c] = r.seated(c)
	}
	return Meta{
		RoomID:       r.id,
		VariantID:    r.variantID,
		Visibility:   r.settings.Visibility,
		StateVersion: r.version,
		Seats:        seats,
		ToMove:       r.state.ToMove,
		TimeControl:  r.settings.TimeControl,
		GameOver:     r.gameOverLocked(),
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}
}

func (r *Room) snapshotFileLocked() store.SnapshotFile {
	return store.SnapshotFile{
		Meta: store.RoomMeta{
			RoomID:              r.id,
			VariantID:           r.variantID,
			RulesVersion:        r.rulesVersion,
			CreatedAt:           r.createdAt,
			UpdatedAt:           r.updatedAt,
			Players:             maps.Clone(r.players),
			ColorsTaken:         slices.Clone(r.colorsTaken),
			Identity:            maps.Clone(r.identity),
			Settings:            r.settings,
			Presence:            r.presenceLocked(),
			Clock:               r.clock.Clone(),
			LastGameOverVersion: r.lastGameOverVersion,
		},
		Snapshot: r.wireSnapshotLocked(),
	}
}

func (r *Room) header(nowMs int64) store.Header {
	return store.Header{
		TS:           nowMs,
		RoomID:       r.id,
		RulesVersion: r.rulesVersion,
		StateVersion: r.version,
	}
}

// restore 由載入結果建立房間；計時器由呼叫端在加入登錄表後重新佈署
func restore(reg *Registry, loaded *store.LoadedRoom, engine game.Engine) *Room {
	m := loaded.Meta
	r := &Room{
		reg:                 reg,
		id:                  m.RoomID,
		variantID:           m.VariantID,
		rulesVersion:        m.RulesVersion,
		createdAt:           m.CreatedAt,
		updatedAt:           m.UpdatedAt,
		engine:              engine,
		settings:            m.Settings,
		state:               loaded.State,
		history:             loaded.History,
		version:             loaded.StateVersion,
		players:             maps.Clone(m.Players),
		colorsTaken:         slices.Clone(m.ColorsTaken),
		identity:            maps.Clone(m.Identity),
		presence:            make(map[string]*presence),
		clock:               m.Clock.Clone(),
		lastGameOverVersion: m.LastGameOverVersion,
	}
	if r.players == nil {
		r.players = make(map[string]game.Color)
	}
	if r.identity == nil {
		r.identity = make(map[string]string)
	}
	if r.settings.Visibility == "" {
		r.settings.Visibility = game.Public
	}
	if r.clock == nil && r.settings.TimeControl.Enabled() {
		r.clock = game.NewClock(r.settings.TimeControl, m.CreatedAt)
	}

	for id := range r.players {
		entry := m.Presence[id]
		// 重啟後沒有任何存活的連線
		if entry.Connected {
			entry.Connected = false
			entry.InGrace = false
			entry.GraceUntil = 0
		}
		r.presence[id] = &presence{PresenceEntry: entry}
	}
	return r
}
