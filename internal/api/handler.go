// Package api 房間同步服務的 HTTP 介面
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/realtime"
	"github.com/koopa0/system-design/14-lasca-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// maxBodyBytes 請求本文上限
const maxBodyBytes = 1 << 20

// Options 處理器設定
type Options struct {
	// AdminToken 為空時管理端點回傳 404
	AdminToken string
	// PublicURL 觀戰連結的前綴
	PublicURL string
	// RateRPS 每個客戶端每秒的變更請求數；0 代表不限制
	RateRPS   float64
	RateBurst int
}

// Handler HTTP 請求處理器
type Handler struct {
	reg     *room.Registry
	hub     *realtime.Hub
	logger  *slog.Logger
	opts    Options
	limiter *clientLimiter
}

// NewHandler 創建 HTTP 處理器
func NewHandler(reg *room.Registry, hub *realtime.Hub, logger *slog.Logger, opts Options) *Handler {
	h := &Handler{
		reg:    reg,
		hub:    hub,
		logger: logger,
		opts:   opts,
	}
	if opts.RateRPS > 0 {
		h.limiter = newClientLimiter(opts.RateRPS, opts.RateBurst)
	}
	return h
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}
	// 變更類請求額外限流
	mutation := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.rateLimit(handler))
	}

	mux.HandleFunc("POST /api/create", mutation(h.create))
	mux.HandleFunc("POST /api/join", mutation(h.join))
	mux.HandleFunc("POST /api/submitMove", mutation(h.submitMove))
	mux.HandleFunc("POST /api/finalizeCaptureChain", mutation(h.finalizeCaptureChain))
	mux.HandleFunc("POST /api/endTurn", mutation(h.endTurn))
	mux.HandleFunc("POST /api/resign", mutation(h.resign))

	mux.HandleFunc("GET /api/room/{roomId}", wrap(h.getRoom))
	mux.HandleFunc("GET /api/room/{roomId}/meta", wrap(h.getMeta))
	mux.HandleFunc("GET /api/room/{roomId}/replay", wrap(h.getReplay))
	mux.HandleFunc("GET /api/room/{roomId}/qr", wrap(h.getQR))
	mux.HandleFunc("GET /api/lobby", wrap(h.lobby))

	// 即時推送
	mux.HandleFunc("GET /api/stream/{roomId}", wrap(h.hub.ServeSSE))
	mux.HandleFunc("GET /api/ws", wrap(h.hub.ServeWS))

	mux.HandleFunc("DELETE /api/admin/room/{roomId}", wrap(h.adminOnly(h.deleteRoom)))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))

	return mux
}

// 請求結構
type createRequest struct {
	RoomID            string           `json:"roomId,omitempty"`
	VariantID         string           `json:"variantId,omitempty"`
	PlayerID          string           `json:"playerId,omitempty"`
	Name              string           `json:"name,omitempty"`
	Color             string           `json:"color,omitempty"`
	Visibility        game.Visibility  `json:"visibility,omitempty"`
	Rules             game.Rules       `json:"rules"`
	TimeControl       game.TimeControl `json:"timeControl"`
	DisconnectGraceMs *int64           `json:"disconnectGraceMs,omitempty"`
}

type joinRequest struct {
	RoomID      string `json:"roomId"`
	PlayerID    string `json:"playerId,omitempty"`
	Name        string `json:"name,omitempty"`
	Color       string `json:"color,omitempty"`
	StrictColor bool   `json:"strictColor,omitempty"`
}

// mutationRequest 所有對局變更共用的欄位
type mutationRequest struct {
	RoomID               string `json:"roomId"`
	PlayerID             string `json:"playerId"`
	ExpectedStateVersion *int64 `json:"expectedStateVersion,omitempty"`
}

type moveRequest struct {
	mutationRequest
	Move game.Move `json:"move"`
}

type finalizeRequest struct {
	mutationRequest
	Landing string   `json:"landing"`
	Jumped  []string `json:"jumped,omitempty"`
}

// create 建立房間
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, "", err)
		return
	}
	color, err := parseColor(req.Color)
	if err != nil {
		h.fail(w, "", err)
		return
	}

	result, err := h.reg.Create(room.CreateParams{
		RoomID:            req.RoomID,
		VariantID:         req.VariantID,
		PlayerID:          req.PlayerID,
		Name:              req.Name,
		Color:             color,
		Visibility:        req.Visibility,
		Rules:             req.Rules,
		TimeControl:       req.TimeControl,
		DisconnectGraceMs: req.DisconnectGraceMs,
	})
	if err != nil {
		h.fail(w, "", err)
		return
	}
	h.jsonResponse(w, result, http.StatusCreated)
}

// join 入座
func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, "", err)
		return
	}
	color, err := parseColor(req.Color)
	if err != nil {
		h.fail(w, req.RoomID, err)
		return
	}

	result, err := h.reg.Join(req.RoomID, room.JoinParams{
		PlayerID:    req.PlayerID,
		Name:        req.Name,
		Color:       color,
		StrictColor: req.StrictColor,
	})
	if err != nil {
		h.fail(w, req.RoomID, err)
		return
	}
	h.jsonResponse(w, result, http.StatusOK)
}

// submitMove 走一步
func (h *Handler) submitMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, "", err)
		return
	}
	v, err := h.reg.SubmitMove(req.RoomID, req.PlayerID, req.Move, req.ExpectedStateVersion)
	h.mutationResponse(w, req.RoomID, v, err)
}

// finalizeCaptureChain 結束連續吃子
func (h *Handler) finalizeCaptureChain(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, "", err)
		return
	}
	v, err := h.reg.FinalizeCaptureChain(req.RoomID, req.PlayerID, req.Landing, req.Jumped, req.ExpectedStateVersion)
	h.mutationResponse(w, req.RoomID, v, err)
}

// endTurn 在目前落點結束回合
func (h *Handler) endTurn(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, "", err)
		return
	}
	v, err := h.reg.EndTurn(req.RoomID, req.PlayerID, req.ExpectedStateVersion)
	h.mutationResponse(w, req.RoomID, v, err)
}

// resign 認輸
func (h *Handler) resign(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, "", err)
		return
	}
	v, err := h.reg.Resign(req.RoomID, req.PlayerID, req.ExpectedStateVersion)
	h.mutationResponse(w, req.RoomID, v, err)
}

func (h *Handler) mutationResponse(w http.ResponseWriter, roomID string, v room.View, err error) {
	if err != nil {
		h.fail(w, roomID, err)
		return
	}
	h.jsonResponse(w, v, http.StatusOK)
}

// authorize 讀取端點的可見性閘門
func (h *Handler) authorize(r *http.Request) (string, room.Access, error) {
	roomID := r.PathValue("roomId")
	q := r.URL.Query()
	access, err := h.reg.Authorize(roomID, q.Get("playerId"), q.Get("watchToken"))
	return roomID, access, err
}

// getRoom 完整的房間狀態
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID, _, err := h.authorize(r)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	v, err := h.reg.View(roomID)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	h.jsonResponse(w, v, http.StatusOK)
}

// getMeta 房間摘要
func (h *Handler) getMeta(w http.ResponseWriter, r *http.Request) {
	roomID, _, err := h.authorize(r)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	m, err := h.reg.Meta(roomID)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	h.jsonResponse(w, m, http.StatusOK)
}

// getReplay 依日誌順序列出持久化事件
func (h *Handler) getReplay(w http.ResponseWriter, r *http.Request) {
	roomID, _, err := h.authorize(r)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	entries, err := h.reg.Replay(r.Context(), roomID)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"roomId": roomID,
		"events": entries,
	}, http.StatusOK)
}

// getQR 觀戰連結的 QR code；私人房間的連結帶 watchToken
func (h *Handler) getQR(w http.ResponseWriter, r *http.Request) {
	roomID, access, err := h.authorize(r)
	if err != nil {
		h.fail(w, "", err)
		return
	}

	link := h.SpectatorLink(roomID, access.WatchToken)
	size := 320
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && s >= 64 && s <= 1024 {
		size = s
	}

	png, err := qrcode.Encode(link, qrcode.Medium, size)
	if err != nil {
		h.fail(w, "", apperrors.Wrap(err, apperrors.CodeInternal, "qr generation failed"))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Spectator-Link", link)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// SpectatorLink 觀戰連結
func (h *Handler) SpectatorLink(roomID, watchToken string) string {
	q := url.Values{}
	q.Set("roomId", roomID)
	if watchToken != "" {
		q.Set("watchToken", watchToken)
	}
	return strings.TrimSuffix(h.opts.PublicURL, "/") + "/watch?" + q.Encode()
}

// lobby 公開房間列表
func (h *Handler) lobby(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := 1
	if p := query.Get("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}

	limit := 20
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	rooms, total, err := h.reg.Lobby(room.LobbyQuery{Page: page, Limit: limit})
	if err != nil {
		h.fail(w, "", err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": total,
		"page":  page,
		"limit": limit,
	}, http.StatusOK)
}

// deleteRoom 管理員刪除房間
func (h *Handler) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	if err := h.reg.Delete(r.Context(), roomID); err != nil {
		h.fail(w, "", err)
		return
	}
	h.logger.Info("admin deleted room", "room_id", roomID, "remote", r.RemoteAddr)
	h.jsonResponse(w, map[string]any{
		"deleted": roomID,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status":      "healthy",
		"time":        time.Now().Unix(),
		"subscribers": h.hub.Subscribers(),
	}, http.StatusOK)
}

// adminOnly 以 Bearer token 保護管理端點；未設定 token 時端點不存在
func (h *Handler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.AdminToken == "" {
			http.NotFound(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) != 1 {
			h.fail(w, "", apperrors.ErrForbidden.WithDetails("admin token required"))
			return
		}
		next(w, r)
	}
}

// errorBody 錯誤回應
type errorBody struct {
	Error        *apperrors.AppError `json:"error"`
	StateVersion *int64              `json:"stateVersion,omitempty"`
}

// fail 錯誤回應；回合或版本衝突時附上目前的 stateVersion，讓客戶端決定是否重新同步
func (h *Handler) fail(w http.ResponseWriter, roomID string, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.CodeInternal, "internal error")
	}
	status := apperrors.HTTPStatus(appErr)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "room_id", roomID, "error", err)
	}

	body := errorBody{Error: appErr}
	switch appErr.Code {
	case apperrors.CodeStaleStateVersion, apperrors.CodeNotYourTurn, apperrors.CodeGameOver:
		if roomID != "" {
			if v, verr := h.reg.Version(roomID); verr == nil {
				body.StateVersion = &v
			}
		}
	}
	h.jsonResponse(w, body, status)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.ErrValidation.WithDetails("invalid request body: " + err.Error())
	}
	return nil
}

func parseColor(s string) (game.Color, error) {
	if s == "" {
		return "", nil
	}
	c, err := game.ParseColor(s)
	if err != nil {
		return "", apperrors.ErrValidation.WithDetails(err.Error())
	}
	return c, nil
}
