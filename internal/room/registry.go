// Package room 房間登錄表、狀態機、在線追蹤與棋鐘
package room

import (
	"cmp"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/koopa0/system-design/14-lasca-sync/internal/eventbus"
	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// Broadcaster 房間狀態的即時推送
type Broadcaster interface {
	Broadcast(roomID string, v View)
	CloseRoom(roomID string)
}

// Options 登錄表設定
type Options struct {
	Store   *store.Store
	Engines *game.Engines
	Logger  *slog.Logger

	Publisher eventbus.Publisher
	// DefaultVariant 建立房間未指定變體時使用
	DefaultVariant string
	// SnapshotEvery 每 N 個版本寫一次快照
	SnapshotEvery int64
	// DisconnectGrace 新房間的斷線寬限期；0 代表斷線不判負
	DisconnectGrace time.Duration
	// QueueSize 持久化佇列長度
	QueueSize int
	Now       func() time.Time
}

// Registry 每個伺服器實例一份的房間登錄表，是行程內唯一的權威來源
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
	loads  singleflight.Group

	bmu         sync.RWMutex
	broadcaster Broadcaster

	writer *writer
}

// NewRegistry 創建房間登錄表
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("room registry: store is required")
	}
	if opts.Engines == nil {
		return nil, errors.New("room registry: engines are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = eventbus.Noop{}
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = store.DefaultSnapshotEvery
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultVariant == "" {
		if variants := opts.Engines.Variants(); len(variants) > 0 {
			opts.DefaultVariant = variants[0]
		}
	}

	return &Registry{
		opts:   opts,
		logger: opts.Logger,
		rooms:  make(map[string]*Room),
		writer: newWriter(opts.Store, opts.Publisher, opts.Logger, opts.QueueSize),
	}, nil
}

// SetBroadcaster 設定即時推送（Hub 依賴登錄表，因此建立後再注入）
func (reg *Registry) SetBroadcaster(b Broadcaster) {
	reg.bmu.Lock()
	reg.broadcaster = b
	reg.bmu.Unlock()
}

func (reg *Registry) broadcast(roomID string, v View) {
	reg.bmu.RLock()
	b := reg.broadcaster
	reg.bmu.RUnlock()
	if b != nil {
		b.Broadcast(roomID, v)
	}
}

func (reg *Registry) now() time.Time {
	return reg.opts.Now()
}

// Get 取得房間；不在記憶體時從持久化層載入
func (reg *Registry) Get(roomID string) (*Room, error) {
	if !store.ValidRoomID(roomID) {
		return nil, apperrors.ErrValidation.WithDetails(fmt.Sprintf("invalid room id %q", roomID))
	}

	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if ok {
		return r, nil
	}

	v, err, _ := reg.loads.Do(roomID, func() (any, error) {
		return reg.load(roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (reg *Registry) load(roomID string) (*Room, error) {
	loaded, err := reg.opts.Store.TryLoadRoom(roomID)
	if err != nil {
		reg.logger.Error("load room failed", "room_id", roomID, "error", err)
		return nil, err
	}
	if loaded == nil {
		return nil, apperrors.Newf(apperrors.CodeRoomNotFound, "room %s not found", roomID)
	}

	engine, ok := reg.opts.Engines.Get(loaded.Meta.VariantID)
	if !ok {
		return nil, apperrors.ErrValidation.WithDetails(fmt.Sprintf("unknown variant %q", loaded.Meta.VariantID))
	}
	r := restore(reg, loaded, engine)

	reg.mu.Lock()
	if existing, ok := reg.rooms[roomID]; ok {
		reg.mu.Unlock()
		return existing, nil
	}
	// 載入期間房間可能已被刪除
	if !reg.opts.Store.RoomExists(roomID) {
		reg.mu.Unlock()
		return nil, apperrors.Newf(apperrors.CodeRoomNotFound, "room %s not found", roomID)
	}
	reg.rooms[roomID] = r
	reg.mu.Unlock()

	r.mu.Lock()
	r.rearmLocked(reg.now())
	r.mu.Unlock()

	reg.logger.Info("room loaded",
		"room_id", roomID,
		"state_version", loaded.StateVersion,
		"from_snapshot", loaded.FromSnapshot,
		"replayed", loaded.Replayed,
		"skipped", loaded.Skipped)
	return r, nil
}

// CreateParams 建立房間參數
type CreateParams struct {
	RoomID            string
	VariantID         string
	PlayerID          string
	Name              string
	Color             game.Color
	Visibility        game.Visibility
	Rules             game.Rules
	TimeControl       game.TimeControl
	DisconnectGraceMs *int64
}

// CreateResult 建立結果；WatchToken 只在這裡回傳一次
type CreateResult struct {
	RoomID     string     `json:"roomId"`
	PlayerID   string     `json:"playerId"`
	Color      game.Color `json:"color"`
	WatchToken string     `json:"watchToken,omitempty"`
	View       View       `json:"room"`
}

// Create 建立房間並讓建立者入座（stateVersion = 0）
func (reg *Registry) Create(p CreateParams) (CreateResult, error) {
	if p.VariantID == "" {
		p.VariantID = reg.opts.DefaultVariant
	}
	engine, ok := reg.opts.Engines.Get(p.VariantID)
	if !ok {
		return CreateResult{}, apperrors.ErrValidation.WithDetails(fmt.Sprintf("unknown variant %q", p.VariantID))
	}
	if p.Visibility == "" {
		p.Visibility = game.Public
	}
	if !p.Visibility.Valid() {
		return CreateResult{}, apperrors.ErrValidation.WithDetails(fmt.Sprintf("unknown visibility %q", p.Visibility))
	}
	if p.Color == "" {
		p.Color = game.White
	}
	if !p.Color.Valid() {
		return CreateResult{}, apperrors.ErrValidation.WithDetails(fmt.Sprintf("unknown color %q", p.Color))
	}
	if err := validateTimeControl(&p.TimeControl); err != nil {
		return CreateResult{}, err
	}
	graceMs := reg.opts.DisconnectGrace.Milliseconds()
	if p.DisconnectGraceMs != nil {
		if *p.DisconnectGraceMs < 0 {
			return CreateResult{}, apperrors.ErrValidation.WithDetails("disconnectGraceMs must not be negative")
		}
		graceMs = *p.DisconnectGraceMs
	}
	if p.RoomID == "" {
		p.RoomID = uuid.NewString()
	}
	if !store.ValidRoomID(p.RoomID) {
		return CreateResult{}, apperrors.ErrValidation.WithDetails(fmt.Sprintf("invalid room id %q", p.RoomID))
	}
	if p.PlayerID == "" {
		p.PlayerID = uuid.NewString()
	}

	now := reg.now()
	nowMs := now.UnixMilli()
	settings := store.Settings{
		Rules:             p.Rules,
		Visibility:        p.Visibility,
		TimeControl:       p.TimeControl,
		DisconnectGraceMs: graceMs,
	}
	if p.Visibility == game.Private {
		settings.WatchToken = uuid.NewString()
	}

	state := engine.NewGame()
	r := &Room{
		reg:          reg,
		id:           p.RoomID,
		variantID:    p.VariantID,
		rulesVersion: store.SupportedRulesVersion,
		createdAt:    nowMs,
		updatedAt:    nowMs,
		engine:       engine,
		settings:     settings,
		state:        state,
		history:      game.NewHistory(state),
		players:      map[string]game.Color{p.PlayerID: p.Color},
		colorsTaken:  []game.Color{p.Color},
		identity:     make(map[string]string),
		presence: map[string]*presence{
			p.PlayerID: {PresenceEntry: game.PresenceEntry{LastSeenAt: nowMs}},
		},
	}
	if p.Name != "" {
		r.identity[p.PlayerID] = p.Name
	}
	if settings.TimeControl.Enabled() {
		r.clock = game.NewClock(settings.TimeControl, nowMs)
	}

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return CreateResult{}, errors.New("room registry closed")
	}
	if _, exists := reg.rooms[p.RoomID]; exists || reg.opts.Store.RoomExists(p.RoomID) {
		reg.mu.Unlock()
		return CreateResult{}, apperrors.ErrValidation.WithDetails(fmt.Sprintf("room %s already exists", p.RoomID))
	}
	reg.rooms[p.RoomID] = r
	r.mu.Lock()
	reg.mu.Unlock()
	defer r.mu.Unlock()

	created := store.GameCreated{
		Header:      r.header(nowMs),
		VariantID:   r.variantID,
		Snapshot:    r.wireSnapshotLocked(),
		Players:     maps.Clone(r.players),
		ColorsTaken: slices.Clone(r.colorsTaken),
		Settings:    &settings,
	}
	opts := store.WriteOptions{AllowCreateRoomDir: true}
	reg.writer.enqueueEvent(r.id, created, opts)
	reg.writer.enqueueSnapshot(r.id, r.snapshotFileLocked(), opts)

	reg.logger.Info("room created",
		"room_id", r.id,
		"variant", r.variantID,
		"visibility", settings.Visibility,
		"time_control", settings.TimeControl.Mode)

	return CreateResult{
		RoomID:     r.id,
		PlayerID:   p.PlayerID,
		Color:      p.Color,
		WatchToken: settings.WatchToken,
		View:       r.viewLocked(nowMs),
	}, nil
}

func validateTimeControl(tc *game.TimeControl) error {
	switch tc.Mode {
	case "", game.TimeControlNone:
		*tc = game.TimeControl{Mode: game.TimeControlNone}
		return nil
	case game.TimeControlClock:
		if tc.InitialMs <= 0 {
			return apperrors.ErrValidation.WithDetails("clock initialMs must be positive")
		}
		if tc.IncrementMs < 0 {
			return apperrors.ErrValidation.WithDetails("clock incrementMs must not be negative")
		}
		return nil
	default:
		return apperrors.ErrValidation.WithDetails(fmt.Sprintf("unknown time control mode %q", tc.Mode))
	}
}

// JoinParams 入座參數
type JoinParams struct {
	PlayerID    string
	Name        string
	Color       game.Color
	StrictColor bool
}

// JoinResult 入座結果
type JoinResult struct {
	PlayerID string     `json:"playerId"`
	Color    game.Color `json:"color"`
	View     View       `json:"room"`
}

// Join 入座；已入座的玩家重複加入為冪等操作。入座不增加 stateVersion
func (reg *Registry) Join(roomID string, p JoinParams) (JoinResult, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return JoinResult{}, err
	}
	if p.Color != "" && !p.Color.Valid() {
		return JoinResult{}, apperrors.ErrValidation.WithDetails(fmt.Sprintf("unknown color %q", p.Color))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := reg.now()
	nowMs := now.UnixMilli()
	if r.settleLocked(now) {
		r.afterChangeLocked(now)
	}

	if p.PlayerID != "" {
		if color, ok := r.players[p.PlayerID]; ok {
			return JoinResult{PlayerID: p.PlayerID, Color: color, View: r.viewLocked(nowMs)}, nil
		}
	}
	if r.outcome().Over {
		return JoinResult{}, apperrors.ErrGameOver
	}

	var free []game.Color
	for _, c := range game.Colors {
		if !r.seated(c) {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return JoinResult{}, apperrors.ErrRoomFull
	}

	color := free[0]
	if p.Color != "" {
		switch {
		case slices.Contains(free, p.Color):
			color = p.Color
		case p.StrictColor:
			return JoinResult{}, apperrors.ErrColorTaken.WithDetails(fmt.Sprintf("%s is taken", p.Color))
		}
	}
	if p.PlayerID == "" {
		p.PlayerID = uuid.NewString()
	}

	r.players[p.PlayerID] = color
	r.colorsTaken = append(r.colorsTaken, color)
	if p.Name != "" {
		r.identity[p.PlayerID] = p.Name
	}
	r.presence[p.PlayerID] = &presence{PresenceEntry: game.PresenceEntry{LastSeenAt: nowMs}}
	r.updatedAt = nowMs

	reg.logger.Info("player joined", "room_id", r.id, "player_id", p.PlayerID, "color", color)
	r.updateClockLocked(now)
	r.persistSnapshotLocked()
	r.afterChangeLocked(now)

	return JoinResult{PlayerID: p.PlayerID, Color: color, View: r.viewLocked(nowMs)}, nil
}

// View 目前的房間狀態（會先結算逾時）
func (reg *Registry) View(roomID string) (View, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return View{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := reg.now()
	if r.settleLocked(now) {
		r.afterChangeLocked(now)
	}
	return r.viewLocked(now.UnixMilli()), nil
}

// Meta 房間摘要
func (reg *Registry) Meta(roomID string) (Meta, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return Meta{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := reg.now()
	if r.settleLocked(now) {
		r.afterChangeLocked(now)
	}
	return r.metaLocked(), nil
}

// Version 目前的 stateVersion
func (reg *Registry) Version(roomID string) (int64, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, nil
}

// Access 訂閱者身分
type Access struct {
	PlayerID   string
	Seated     bool
	Color      game.Color
	WatchToken string
}

// Authorize 可見性閘門：入座玩家、公開房間或持有 watchToken 的觀戰者才能訂閱
func (reg *Registry) Authorize(roomID, playerID, watchToken string) (Access, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return Access{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if playerID != "" && playerID != SpectatorID {
		if color, ok := r.players[playerID]; ok {
			return Access{PlayerID: playerID, Seated: true, Color: color, WatchToken: r.settings.WatchToken}, nil
		}
	}

	tokenOK := watchToken != "" && r.settings.WatchToken != "" &&
		subtle.ConstantTimeCompare([]byte(watchToken), []byte(r.settings.WatchToken)) == 1
	if r.settings.Visibility == game.Public || tokenOK {
		access := Access{PlayerID: SpectatorID}
		if tokenOK {
			access.WatchToken = r.settings.WatchToken
		}
		return access, nil
	}
	return Access{}, apperrors.ErrForbidden.WithDetails("private room requires a seat or a watch token")
}

// SpectatorID 觀戰者使用的保留玩家 ID
const SpectatorID = "spectator"

// LobbyQuery 大廳查詢
type LobbyQuery struct {
	Page  int
	Limit int
}

// Lobby 公開房間列表，依最近更新排序並分頁
func (reg *Registry) Lobby(q LobbyQuery) ([]Meta, int, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	ids, err := reg.opts.Store.ListRoomIDs()
	if err != nil {
		return nil, 0, err
	}
	reg.mu.Lock()
	resident := make(map[string]bool, len(reg.rooms))
	for id := range reg.rooms {
		resident[id] = true
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	reg.mu.Unlock()

	metas := make([]Meta, 0, len(ids))
	for _, id := range ids {
		var m Meta
		if resident[id] {
			m, err = reg.Meta(id)
		} else {
			m, err = reg.peekMeta(id)
		}
		if err != nil {
			if !apperrors.IsNotFound(err) {
				reg.logger.Warn("lobby skip room", "room_id", id, "error", err)
			}
			continue
		}
		if m.Visibility != game.Public {
			continue
		}
		metas = append(metas, m)
	}

	slices.SortFunc(metas, func(a, b Meta) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RoomID, b.RoomID)
	})

	total := len(metas)
	start := (q.Page - 1) * q.Limit
	if start >= total {
		return []Meta{}, total, nil
	}
	end := min(start+q.Limit, total)
	return metas[start:end], total, nil
}

// peekMeta 直接由磁碟組出摘要，不放進登錄表也不啟動計時器
//
// 棋鐘與斷線寬限要等房間真正載入時才結算，大廳上的狀態可能稍微落後。
func (reg *Registry) peekMeta(roomID string) (Meta, error) {
	loaded, err := reg.opts.Store.PeekRoom(roomID)
	if err != nil {
		return Meta{}, err
	}
	if loaded == nil {
		return Meta{}, apperrors.Newf(apperrors.CodeRoomNotFound, "room %s not found", roomID)
	}
	engine, ok := reg.opts.Engines.Get(loaded.Meta.VariantID)
	if !ok {
		return Meta{}, apperrors.ErrValidation.WithDetails(fmt.Sprintf("unknown variant %q", loaded.Meta.VariantID))
	}

	seats := make(map[game.Color]bool, 2)
	for _, c := range game.Colors {
		seats[c] = slices.Contains(loaded.Meta.ColorsTaken, c)
	}
	var over *GameOver
	if out := game.CheckOutcome(engine, loaded.State); out.Over {
		over = &GameOver{Winner: out.Winner, Reason: out.Reason}
	}
	return Meta{
		RoomID:       roomID,
		VariantID:    loaded.Meta.VariantID,
		Visibility:   loaded.Meta.Visibility,
		StateVersion: loaded.StateVersion,
		Seats:        seats,
		ToMove:       loaded.State.ToMove,
		TimeControl:  loaded.Meta.TimeControl,
		GameOver:     over,
		CreatedAt:    loaded.Meta.CreatedAt,
		UpdatedAt:    loaded.Meta.UpdatedAt,
	}, nil
}

// ReplayEntry 持久化事件的摘要
type ReplayEntry struct {
	Type         store.EventType `json:"type"`
	StateVersion int64           `json:"stateVersion"`
	TS           int64           `json:"ts"`
	Action       string          `json:"action,omitempty"`
	Move         *game.Move      `json:"move,omitempty"`
	Winner       game.Color      `json:"winner,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Replay 依日誌順序列出房間的持久化事件
func (reg *Registry) Replay(ctx context.Context, roomID string) ([]ReplayEntry, error) {
	if _, err := reg.Get(roomID); err != nil {
		return nil, err
	}
	if err := reg.Flush(ctx); err != nil {
		return nil, err
	}

	events, err := reg.opts.Store.ReadEvents(roomID)
	if err != nil {
		return nil, err
	}

	entries := make([]ReplayEntry, 0, len(events))
	for _, ev := range events {
		h := ev.EventHeader()
		entry := ReplayEntry{StateVersion: h.StateVersion, TS: h.TS}
		switch e := ev.(type) {
		case store.GameCreated:
			entry.Type = store.TypeGameCreated
		case store.MoveApplied:
			entry.Type = store.TypeMoveApplied
			entry.Action = e.Action
			entry.Move = e.Move
		case store.GameOver:
			entry.Type = store.TypeGameOver
			entry.Winner = e.Winner
			entry.Reason = e.Reason
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete 管理員刪除房間：先清空持久化佇列再移除目錄，記憶體中殘留的物件之後的寫入都是 no-op
func (reg *Registry) Delete(ctx context.Context, roomID string) error {
	if !store.ValidRoomID(roomID) {
		return apperrors.ErrValidation.WithDetails(fmt.Sprintf("invalid room id %q", roomID))
	}
	if err := reg.Flush(ctx); err != nil {
		return err
	}

	reg.mu.Lock()
	r := reg.rooms[roomID]
	delete(reg.rooms, roomID)
	err := reg.opts.Store.DeleteRoom(roomID)
	reg.mu.Unlock()

	if r != nil {
		r.mu.Lock()
		r.deleted = true
		r.stopTimersLocked()
		r.mu.Unlock()
	}
	if err != nil {
		return err
	}

	reg.bmu.RLock()
	b := reg.broadcaster
	reg.bmu.RUnlock()
	if b != nil {
		b.CloseRoom(roomID)
	}

	reg.logger.Info("room deleted", "room_id", roomID)
	return nil
}

// Flush 等待目前為止的持久化工作全部寫入
func (reg *Registry) Flush(ctx context.Context) error {
	return reg.writer.flush(ctx)
}

// Close 停止所有計時器並寫出剩餘的持久化工作
func (reg *Registry) Close() {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.stopTimersLocked()
		r.mu.Unlock()
	}
	reg.writer.stop()
	reg.logger.Info("room registry closed", "rooms", len(rooms))
}
