// Package realtime 將房間狀態推送給 WebSocket 與 SSE 訂閱者
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// 系統設計問題：
//   推送失敗時客戶端怎麼保證看到最新狀態？
//
// 設計方案：
//   每則推送都是完整快照（帶 stateVersion），不是增量。
//   訂閱者緩衝區滿了就直接關閉該訂閱者，而不是丟棄單則訊息：
//   客戶端重連後重新取得快照，只要最後一則送達，中間遺失的都不重要。
//   送達語義是 at-least-once + 版本去重，不追求 exactly-once。

// 訊息類型
const (
	TypeJoin     = "JOIN"
	TypePing     = "PING"
	TypePong     = "PONG"
	TypeSnapshot = "snapshot"
	TypeError    = "error"
)

// Message 伺服器推送的訊息
type Message struct {
	Type        string                        `json:"type"`
	RoomID      string                        `json:"roomId,omitempty"`
	Snapshot    *game.WireSnapshot            `json:"snapshot,omitempty"`
	Players     map[string]game.Color         `json:"players,omitempty"`
	Presence    map[string]game.PresenceEntry `json:"presence,omitempty"`
	Clock       *room.ClockView               `json:"clock,omitempty"`
	GameOver    *room.GameOver                `json:"gameOver,omitempty"`
	ServerNowMs int64                         `json:"serverNowMs,omitempty"`
	Error       *apperrors.AppError           `json:"error,omitempty"`
}

// SnapshotMessage 由房間狀態組成推送訊息
func SnapshotMessage(v room.View) Message {
	snap := v.Snapshot
	return Message{
		Type:     TypeSnapshot,
		RoomID:   v.RoomID,
		Snapshot: &snap,
		Players:  v.Players,
		Presence: v.Presence,
		Clock:    v.Clock,
		GameOver: v.GameOver,
	}
}

// JoinFrame 客戶端連線後的第一個訊息
type JoinFrame struct {
	Type            string `json:"type"`
	RoomID          string `json:"roomId"`
	PlayerID        string `json:"playerId"`
	// LastSeenVersion 客戶端手上的版本；已是最新時不送初始快照
	LastSeenVersion *int64 `json:"lastSeenVersion,omitempty"`
	WatchToken      string `json:"watchToken"`
}

// Rooms 推送層需要的房間操作
type Rooms interface {
	Authorize(roomID, playerID, watchToken string) (room.Access, error)
	View(roomID string) (room.View, error)
	Connect(roomID, playerID string) error
	Disconnect(roomID, playerID string)
}

// Config 連線參數
type Config struct {
	// HandshakeTimeout 升級後必須在此時間內收到 JOIN
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	// KeepAlive SSE 註解行的間隔
	KeepAlive  time.Duration
	SendBuffer int
}

// DefaultConfig 預設連線參數（54s ping / 60s pong）
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingPeriod:       54 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		KeepAlive:        15 * time.Second,
		SendBuffer:       256,
	}
}

// Hub 所有房間的即時訂閱者
//
// 系統設計考量：
//
//  1. Broadcast 在房間鎖內被呼叫（推送順序與 stateVersion 一致），
//     因此 Hub 不能回頭呼叫登錄表；連線計數在各連線自己的 goroutine 結束時才扣除。
//
//  2. 同一位玩家可以同時有多條連線（多分頁），以訂閱者指標為 key，
//     不像房間管理那樣踢掉舊連線。
type Hub struct {
	rooms    Rooms
	logger   *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

// subscriber 一條 WebSocket 或 SSE 連線
type subscriber struct {
	roomID string
	access room.Access
	kind   string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// trySend 非阻塞送出；已關閉或緩衝區滿回傳 false
func (s *subscriber) trySend(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// NewHub 創建推送中心
func NewHub(rooms Rooms, logger *slog.Logger, cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	return &Hub{
		rooms:  rooms,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 觀戰連結會從其他來源開啟
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Broadcast 推送房間快照；實現 room.Broadcaster
func (hub *Hub) Broadcast(roomID string, v room.View) {
	data, err := json.Marshal(SnapshotMessage(v))
	if err != nil {
		hub.logger.Error("序列化快照失敗", "room_id", roomID, "error", err)
		return
	}

	var slow []*subscriber
	hub.mu.RLock()
	for sub := range hub.subs[roomID] {
		if !sub.trySend(data) {
			slow = append(slow, sub)
		}
	}
	hub.mu.RUnlock()

	for _, sub := range slow {
		hub.logger.Warn("訂閱者緩衝區滿，關閉連線",
			"room_id", roomID,
			"player_id", sub.access.PlayerID,
			"kind", sub.kind)
		hub.remove(sub)
	}
}

// CloseRoom 房間被刪除後中斷所有訂閱者；實現 room.Broadcaster
func (hub *Hub) CloseRoom(roomID string) {
	hub.mu.Lock()
	subs := hub.subs[roomID]
	delete(hub.subs, roomID)
	hub.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	hub.logger.Info("房間訂閱者已中斷", "room_id", roomID, "subscribers", len(subs))
}

// Subscribers 每個房間的訂閱者數量
func (hub *Hub) Subscribers() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	out := make(map[string]int, len(hub.subs))
	for roomID, subs := range hub.subs {
		out[roomID] = len(subs)
	}
	return out
}

// Close 中斷所有訂閱者
func (hub *Hub) Close() {
	hub.mu.Lock()
	hub.closed = true
	all := hub.subs
	hub.subs = make(map[string]map[*subscriber]struct{})
	hub.mu.Unlock()

	for _, subs := range all {
		for sub := range subs {
			sub.close()
		}
	}
	hub.logger.Info("推送中心已停止")
}

// subscribe 驗證可見性並註冊訂閱者；入座玩家計入在線狀態
//
// 先註冊再取快照：註冊後的任何變更都會推送，初始快照的版本不會比已推送的舊。
// lastSeen 不為 nil 且不小於目前版本時略過初始快照。
func (hub *Hub) subscribe(roomID, playerID, watchToken, kind string, lastSeen *int64) (*subscriber, error) {
	access, err := hub.rooms.Authorize(roomID, playerID, watchToken)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		roomID: roomID,
		access: access,
		kind:   kind,
		send:   make(chan []byte, hub.cfg.SendBuffer),
	}

	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeInternal, "realtime hub closed")
	}
	if hub.subs[roomID] == nil {
		hub.subs[roomID] = make(map[*subscriber]struct{})
	}
	hub.subs[roomID][sub] = struct{}{}
	hub.mu.Unlock()

	if access.Seated {
		if err := hub.rooms.Connect(roomID, access.PlayerID); err != nil {
			hub.remove(sub)
			return nil, err
		}
	}

	v, err := hub.rooms.View(roomID)
	if err != nil {
		hub.unsubscribe(sub)
		return nil, err
	}
	current := lastSeen != nil && *lastSeen >= v.Snapshot.StateVersion
	if !current {
		data, err := json.Marshal(SnapshotMessage(v))
		if err != nil {
			hub.unsubscribe(sub)
			return nil, err
		}
		sub.trySend(data)
	}

	hub.logger.Info("訂閱者加入",
		"room_id", roomID,
		"player_id", access.PlayerID,
		"seated", access.Seated,
		"up_to_date", current,
		"kind", kind)
	return sub, nil
}

// unsubscribe 連線結束時呼叫
func (hub *Hub) unsubscribe(sub *subscriber) {
	hub.remove(sub)
	if sub.access.Seated {
		hub.rooms.Disconnect(sub.roomID, sub.access.PlayerID)
	}
	hub.logger.Info("訂閱者離開",
		"room_id", sub.roomID,
		"player_id", sub.access.PlayerID,
		"kind", sub.kind)
}

func (hub *Hub) remove(sub *subscriber) {
	hub.mu.Lock()
	if subs, ok := hub.subs[sub.roomID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(hub.subs, sub.roomID)
		}
	}
	hub.mu.Unlock()
	sub.close()
}
