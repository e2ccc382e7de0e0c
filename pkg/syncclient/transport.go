package syncclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

// Status 連線狀態
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// pingPeriod 應用層 PING 的間隔
const pingPeriod = 20 * time.Second

// Status 目前的連線狀態
func (d *Driver) Status() Status {
	d.smu.Lock()
	defer d.smu.Unlock()
	return d.status
}

// Subscribe 訂閱連線狀態；慢的訂閱者只會看到最新的狀態
func (d *Driver) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	d.smu.Lock()
	d.subs[ch] = struct{}{}
	ch <- d.status
	d.smu.Unlock()

	return ch, func() {
		d.smu.Lock()
		delete(d.subs, ch)
		d.smu.Unlock()
	}
}

func (d *Driver) setStatus(s Status) {
	d.smu.Lock()
	defer d.smu.Unlock()
	if d.status == s {
		return
	}
	d.status = s
	for ch := range d.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	d.logger.Debug("sync status", "status", s)
}

// newBackoff 250ms → 500ms → 1s → 2s 封頂，不加抖動，永不放棄
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run 維持即時連線直到 ctx 結束
//
// 先用 WebSocket；連續失敗 WSFailuresBeforeSSE 次後改用 SSE。
// 串流錯誤只改變狀態，不會讓 Run 結束；房間不存在或無權觀看才會回傳錯誤。
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Tick()
			}
		}
	}()

	b := newBackoff()
	wsFailures := 0
	for {
		useSSE := d.opts.ForceSSE || wsFailures >= d.opts.WSFailuresBeforeSSE

		var (
			connected bool
			err       error
		)
		if useSSE {
			connected, err = d.streamSSE(ctx)
		} else {
			connected, err = d.streamWS(ctx)
			if connected {
				wsFailures = 0
			} else {
				wsFailures++
			}
		}

		d.setStatus(StatusReconnecting)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanent(err) {
			return err
		}
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		d.logger.Info("stream lost, reconnecting",
			"error", err,
			"transport", transportName(useSSE),
			"wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func transportName(sse bool) string {
	if sse {
		return "sse"
	}
	return "ws"
}

func isPermanent(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeForbidden, apperrors.CodeRoomNotFound, apperrors.CodeValidation:
		return true
	}
	return false
}

func (d *Driver) markConnected(connected *bool) {
	if !*connected {
		*connected = true
		d.setStatus(StatusConnected)
	}
}

func (d *Driver) onStreamMessage(msg Message, connected *bool) {
	d.markConnected(connected)
	d.Push(msg)
}

// streamWS 一次 WebSocket 連線；回傳訂閱是否曾經成功
func (d *Driver) streamWS(ctx context.Context) (bool, error) {
	u, err := url.Parse(d.opts.BaseURL)
	if err != nil {
		return false, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	join := map[string]any{
		"type":            "JOIN",
		"roomId":          d.opts.RoomID,
		"playerId":        d.opts.PlayerID,
		"lastSeenVersion": d.Version(),
		"watchToken":      d.opts.WatchToken,
	}
	if err := conn.WriteJSON(join); err != nil {
		return false, err
	}
	// 已是最新版本時伺服器不送初始快照，以 PONG 確認訂閱成功
	// 寫入失敗時照常讀取，拒絕原因會在錯誤訊息裡
	_ = conn.WriteJSON(map[string]string{"type": "PING"})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteJSON(map[string]string{"type": "PING"}); err != nil {
					return
				}
			}
		}
	}()

	connected := false
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return connected, err
		}
		switch msg.Type {
		case "snapshot":
			d.onStreamMessage(msg, &connected)
		case "PONG":
			d.markConnected(&connected)
		case "error":
			if msg.Error != nil {
				return connected, msg.Error
			}
			return connected, errors.New("stream error")
		}
	}
}

// streamSSE 一次 SSE 連線
func (d *Driver) streamSSE(ctx context.Context) (bool, error) {
	q := url.Values{}
	if d.opts.PlayerID != "" {
		q.Set("playerId", d.opts.PlayerID)
	}
	if d.opts.WatchToken != "" {
		q.Set("watchToken", d.opts.WatchToken)
	}
	u := d.opts.BaseURL + "/api/stream/" + url.PathEscape(d.opts.RoomID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	connected := false
	var (
		event string
		data  strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "snapshot" && data.Len() > 0 {
				var msg Message
				if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
					d.logger.Warn("malformed SSE payload", "error", err)
				} else {
					d.onStreamMessage(msg, &connected)
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return connected, err
	}
	return connected, io.EOF
}
