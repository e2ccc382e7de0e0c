package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// ServeWS 處理 GET /api/ws
//
// 升級後先等待 JOIN 訊息（房間、玩家、watchToken 都在訊息裡，不在 URL 上），
// 通過可見性檢查才註冊為訂閱者並回傳目前的快照。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}
	defer conn.Close()

	join, err := hub.readJoin(conn)
	if err != nil {
		hub.logger.Debug("WebSocket 握手失敗", "error", err)
		hub.rejectWS(conn, err)
		return
	}

	sub, err := hub.subscribe(join.RoomID, join.PlayerID, join.WatchToken, "ws", join.LastSeenVersion)
	if err != nil {
		hub.rejectWS(conn, err)
		return
	}
	defer hub.unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.writePump(conn, sub)
	}()

	hub.readPump(conn, sub)
	// 讀取端結束（斷線或逾時）後關閉送出佇列，讓 writePump 退出
	hub.remove(sub)
	<-done
}

// readJoin 在握手期限內讀取 JOIN
func (hub *Hub) readJoin(conn *websocket.Conn) (JoinFrame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(hub.cfg.HandshakeTimeout)); err != nil {
		return JoinFrame{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return JoinFrame{}, apperrors.ErrValidation.WithDetails("expected JOIN frame: " + err.Error())
	}

	var join JoinFrame
	if err := json.Unmarshal(data, &join); err != nil {
		return JoinFrame{}, apperrors.ErrValidation.WithDetails("malformed JOIN frame")
	}
	if join.Type != TypeJoin {
		return JoinFrame{}, apperrors.ErrValidation.WithDetails("first frame must be JOIN, got " + join.Type)
	}
	if join.RoomID == "" {
		return JoinFrame{}, apperrors.ErrValidation.WithDetails("JOIN requires roomId")
	}
	return join, nil
}

// rejectWS 送出錯誤訊息後以 policy violation 關閉
func (hub *Hub) rejectWS(conn *websocket.Conn, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.CodeInternal, "subscribe failed")
	}
	data, _ := json.Marshal(Message{Type: TypeError, Error: appErr})

	deadline := time.Now().Add(hub.cfg.WriteWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, appErr.Code), deadline)
}

// readPump 讀取客戶端訊息
//
// 收到 pong 或任何訊息都延長讀取期限；PongWait 內沒有動靜視為死連線。
func (hub *Hub) readPump(conn *websocket.Conn, sub *subscriber) {
	_ = conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hub.logger.Debug("WebSocket 讀取錯誤",
					"error", err,
					"room_id", sub.roomID,
					"player_id", sub.access.PlayerID)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait))

		if messageType == websocket.TextMessage {
			hub.handleMessage(sub, data)
		}
	}
}

func (hub *Hub) handleMessage(sub *subscriber, data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		hub.logger.Debug("解析客戶端訊息失敗", "error", err, "room_id", sub.roomID)
		return
	}

	switch msg.Type {
	case TypePing:
		pong, _ := json.Marshal(Message{Type: TypePong, ServerNowMs: time.Now().UnixMilli()})
		sub.trySend(pong)
	default:
		hub.logger.Debug("收到未知訊息類型", "type", msg.Type, "room_id", sub.roomID)
	}
}

// writePump 將送出佇列寫到連線，並定期送出 ping
func (hub *Hub) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		// 讓 readPump 的 ReadMessage 立即返回
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(hub.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(hub.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
