// Package syncclient 客戶端同步驅動：讓本地畫面跟上伺服器的權威狀態
//
// 系統設計問題：
//
//	推送可能重複、亂序、遺失，也可能在短時間內大量湧入。
//	客戶端只信任 stateVersion：
//	  v <= last      → 舊的或重複的，忽略
//	  v == last + 1  → 套用
//	  v >  last + 1  → 中間漏了，丟棄並重新取得完整快照（同時間只會有一次）
//	沒有版本的快照以狀態雜湊比對。
package syncclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// Snapshot 伺服器快照；State 與 History 保持原始 JSON，不解析棋盤
type Snapshot struct {
	State        json.RawMessage `json:"state"`
	History      json.RawMessage `json:"history,omitempty"`
	StateVersion *int64          `json:"stateVersion,omitempty"`
}

// GameOver 對局結果
type GameOver struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

// Message 推送訊息與房間狀態回應共用的形狀
type Message struct {
	Type        string              `json:"type,omitempty"`
	RoomID      string              `json:"roomId,omitempty"`
	Snapshot    *Snapshot           `json:"snapshot,omitempty"`
	Players     map[string]string   `json:"players,omitempty"`
	Presence    json.RawMessage     `json:"presence,omitempty"`
	Clock       json.RawMessage     `json:"clock,omitempty"`
	GameOver    *GameOver           `json:"gameOver,omitempty"`
	ServerNowMs int64               `json:"serverNowMs,omitempty"`
	Error       *apperrors.AppError `json:"error,omitempty"`
}

// Update 交給畫面的一次更新
type Update struct {
	Message Message
	// Version 目前的 stateVersion；尚未取得任何有版本的快照時為 -1
	Version int64
	Hash    string
}

// Move 一步著法
type Move struct {
	From string `json:"from"`
	To   string `json:"to"`
	Over string `json:"over,omitempty"`
}

// Options 驅動設定
type Options struct {
	// BaseURL 伺服器位址，例如 http://localhost:8080
	BaseURL    string
	RoomID     string
	PlayerID   string
	WatchToken string

	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnUpdate 每次狀態前進時呼叫一次（同一個 tick 內的推送合併為一次）
	OnUpdate func(Update)

	// TickInterval 套用緩衝推送的間隔
	TickInterval time.Duration
	// BurstLimit 與 BurstWindow：窗口內超過 BurstLimit 則丟棄並重新同步
	BurstLimit  int
	BurstWindow time.Duration
	// WSFailuresBeforeSSE 連續幾次 WebSocket 失敗後改用 SSE
	WSFailuresBeforeSSE int
	// ForceSSE 直接使用 SSE
	ForceSSE bool
}

// Driver 客戶端同步驅動
type Driver struct {
	opts   Options
	logger *slog.Logger
	client *http.Client

	mu          sync.Mutex
	lastVersion int64
	lastHash    string
	pending     []Message
	arrivals    []time.Time

	resyncs   singleflight.Group
	resyncing atomic.Bool
	resyncN   atomic.Int64

	smu    sync.Mutex
	status Status
	subs   map[chan Status]struct{}
}

// New 創建同步驅動
func New(opts Options) *Driver {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	if opts.BurstLimit <= 0 {
		opts.BurstLimit = 25
	}
	if opts.BurstWindow <= 0 {
		opts.BurstWindow = 200 * time.Millisecond
	}
	if opts.WSFailuresBeforeSSE <= 0 {
		opts.WSFailuresBeforeSSE = 3
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")

	return &Driver{
		opts:        opts,
		logger:      opts.Logger.With("room_id", opts.RoomID),
		client:      opts.HTTPClient,
		lastVersion: -1,
		status:      StatusReconnecting,
		subs:        make(map[chan Status]struct{}),
	}
}

// Version 目前的 stateVersion；尚未同步時為 -1
func (d *Driver) Version() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastVersion
}

// Resyncs 已執行的重新同步次數
func (d *Driver) Resyncs() int64 {
	return d.resyncN.Load()
}

// ApplySnapshot 立即套用一個快照；回傳是否前進
func (d *Driver) ApplySnapshot(msg Message) bool {
	d.mu.Lock()
	up, gap := d.acceptLocked(msg)
	d.mu.Unlock()

	if gap {
		d.triggerResync()
	}
	if up != nil {
		d.notify(*up)
	}
	return up != nil
}

// Push 緩衝一則推送，下一個 tick 才套用
func (d *Driver) Push(msg Message) {
	d.mu.Lock()
	now := time.Now()
	cut := now.Add(-d.opts.BurstWindow)
	d.arrivals = slices.DeleteFunc(d.arrivals, func(t time.Time) bool { return t.Before(cut) })
	d.arrivals = append(d.arrivals, now)

	if len(d.arrivals) > d.opts.BurstLimit {
		dropped := len(d.pending) + 1
		d.pending = nil
		d.arrivals = nil
		d.mu.Unlock()

		d.logger.Warn("push burst, dropping buffered snapshots", "dropped", dropped)
		d.triggerResync()
		return
	}
	d.pending = append(d.pending, msg)
	d.mu.Unlock()
}

// Tick 依版本排序套用緩衝的推送，最多通知畫面一次
func (d *Driver) Tick() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	slices.SortStableFunc(pending, func(a, b Message) int {
		av, bv := sortVersion(a), sortVersion(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	})

	var (
		newest *Update
		gap    bool
	)
	for _, msg := range pending {
		up, g := d.acceptLocked(msg)
		if g {
			gap = true
			break
		}
		if up != nil {
			newest = up
		}
	}
	d.mu.Unlock()

	if newest != nil {
		d.notify(*newest)
	}
	if gap {
		d.triggerResync()
	}
}

func sortVersion(m Message) int64 {
	if m.Snapshot == nil || m.Snapshot.StateVersion == nil {
		return math.MaxInt64
	}
	return *m.Snapshot.StateVersion
}

// acceptLocked 版本判斷；回傳 (更新, 是否有缺口)
func (d *Driver) acceptLocked(msg Message) (*Update, bool) {
	s := msg.Snapshot
	if s == nil {
		return nil, false
	}

	if s.StateVersion == nil {
		h := hashState(s.State)
		if h == d.lastHash {
			return nil, false
		}
		d.lastHash = h
		return &Update{Message: msg, Version: d.lastVersion, Hash: h}, false
	}

	v := *s.StateVersion
	switch {
	case d.lastVersion >= 0 && v <= d.lastVersion:
		return nil, false
	case d.lastVersion < 0 || v == d.lastVersion+1:
		d.lastVersion = v
		d.lastHash = hashState(s.State)
		return &Update{Message: msg, Version: v, Hash: d.lastHash}, false
	default:
		d.logger.Debug("snapshot gap", "last", d.lastVersion, "got", v)
		return nil, true
	}
}

// adoptLocked 採用伺服器直接回覆的完整狀態（重新同步、變更回應），可以跨越缺口
func (d *Driver) adoptLocked(msg Message) *Update {
	s := msg.Snapshot
	if s == nil {
		return nil
	}
	if s.StateVersion == nil {
		up, _ := d.acceptLocked(msg)
		return up
	}

	v := *s.StateVersion
	if d.lastVersion >= 0 && v <= d.lastVersion {
		return nil
	}
	d.lastVersion = v
	d.lastHash = hashState(s.State)
	d.pending = slices.DeleteFunc(d.pending, func(m Message) bool { return sortVersion(m) <= v })
	return &Update{Message: msg, Version: v, Hash: d.lastHash}
}

func (d *Driver) adopt(msg Message) {
	d.mu.Lock()
	up := d.adoptLocked(msg)
	d.mu.Unlock()
	if up != nil {
		d.notify(*up)
	}
}

func (d *Driver) notify(up Update) {
	if d.opts.OnUpdate != nil {
		d.opts.OnUpdate(up)
	}
}

// triggerResync 背景重新同步；已有一次進行中時不重複觸發
func (d *Driver) triggerResync() {
	if !d.resyncing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer d.resyncing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Resync(ctx); err != nil {
			d.logger.Warn("resync failed", "error", err)
		}
	}()
}

// Resync 重新取得完整房間狀態；同時間的呼叫合併為一次請求
func (d *Driver) Resync(ctx context.Context) error {
	_, err, _ := d.resyncs.Do("resync", func() (any, error) {
		d.resyncN.Add(1)
		msg, err := d.fetch(ctx)
		if err != nil {
			return nil, err
		}
		d.adopt(msg)
		return nil, nil
	})
	return err
}

func (d *Driver) fetch(ctx context.Context) (Message, error) {
	q := url.Values{}
	if d.opts.PlayerID != "" {
		q.Set("playerId", d.opts.PlayerID)
	}
	if d.opts.WatchToken != "" {
		q.Set("watchToken", d.opts.WatchToken)
	}
	u := d.opts.BaseURL + "/api/room/" + url.PathEscape(d.opts.RoomID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Message{}, err
	}
	return d.do(req)
}

// SubmitMove 走一步
func (d *Driver) SubmitMove(ctx context.Context, move Move) (Message, error) {
	return d.mutate(ctx, "submitMove", map[string]any{"move": move})
}

// FinalizeCaptureChain 結束連續吃子
func (d *Driver) FinalizeCaptureChain(ctx context.Context, landing string, jumped []string) (Message, error) {
	return d.mutate(ctx, "finalizeCaptureChain", map[string]any{"landing": landing, "jumped": jumped})
}

// EndTurn 在目前落點結束回合
func (d *Driver) EndTurn(ctx context.Context) (Message, error) {
	return d.mutate(ctx, "endTurn", nil)
}

// Resign 認輸
func (d *Driver) Resign(ctx context.Context) (Message, error) {
	return d.mutate(ctx, "resign", nil)
}

// mutate 送出變更並帶上 expectedStateVersion
//
// 伺服器回覆 STALE_STATE_VERSION 時先重新同步一次再回傳錯誤，呼叫端看到錯誤時畫面已是最新。
func (d *Driver) mutate(ctx context.Context, endpoint string, fields map[string]any) (Message, error) {
	body := map[string]any{
		"roomId":   d.opts.RoomID,
		"playerId": d.opts.PlayerID,
	}
	for k, v := range fields {
		body[k] = v
	}
	if v := d.Version(); v >= 0 {
		body["expectedStateVersion"] = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.BaseURL+"/api/"+endpoint, bytes.NewReader(data))
	if err != nil {
		return Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	msg, err := d.do(req)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeStaleStateVersion {
			if rerr := d.Resync(ctx); rerr != nil {
				d.logger.Warn("resync after stale mutation failed", "error", rerr)
			}
		}
		return Message{}, err
	}
	d.adopt(msg)
	return msg, nil
}

// do 送出請求並解析房間狀態或錯誤回應
func (d *Driver) do(req *http.Request) (Message, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return Message{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Message{}, decodeError(resp)
	}
	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode room state: %w", err)
	}
	return msg, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error *apperrors.AppError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == nil {
		return apperrors.Newf(apperrors.CodeInternal, "unexpected status %d", resp.StatusCode)
	}
	return body.Error
}

func hashState(state json.RawMessage) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}
