package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// ServeSSE 處理 GET /api/stream/{roomId}?playerId=&watchToken=
//
// WebSocket 被代理擋掉時的備援。推送內容與 WebSocket 相同，以 event: snapshot 送出；
// 定期送出註解行避免閒置連線被中間設備切斷。
func (hub *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeInternal, "streaming unsupported"))
		return
	}

	roomID := r.PathValue("roomId")
	q := r.URL.Query()
	sub, err := hub.subscribe(roomID, q.Get("playerId"), q.Get("watchToken"), "sse", nil)
	if err != nil {
		writeError(w, err)
		return
	}
	defer hub.unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 1000\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(hub.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case data, ok := <-sub.send:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", TypeSnapshot, data); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.CodeInternal, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": appErr})
}
