// Package eventbus 將已持久化的房間事件發布到外部
//
// 事件先寫入本地日誌，成功後才發布；發布失敗只記錄日誌，不影響房間狀態。
// 訂閱方（觀戰統計、排行榜等）必須以 stateVersion 做冪等處理。
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
)

// Publisher 事件發布者
type Publisher interface {
	Publish(ctx context.Context, ev store.Event) error
	Close() error
}

// Noop 不做任何事的發布者（未設定 NATS 時使用）
type Noop struct{}

// Publish 實現 Publisher
func (Noop) Publish(context.Context, store.Event) error { return nil }

// Close 實現 Publisher
func (Noop) Close() error { return nil }

// Config NATS 發布設定
type Config struct {
	URL           string
	SubjectPrefix string
	// Stream 非空時使用 JetStream 持久化，否則使用 core NATS
	Stream string
}

// Subject 事件主題：{prefix}.{roomId}.{type}，同一房間的事件落在同一主題前綴下
func Subject(prefix string, ev store.Event) string {
	h := ev.EventHeader()
	var typ store.EventType
	switch ev.(type) {
	case store.GameCreated:
		typ = store.TypeGameCreated
	case store.MoveApplied:
		typ = store.TypeMoveApplied
	case store.GameOver:
		typ = store.TypeGameOver
	}
	return fmt.Sprintf("%s.%s.%s", prefix, h.RoomID, typ)
}

// NATSPublisher 透過 NATS 發布
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS；設定 Stream 時確保 Stream 存在
func NewNATSPublisher(cfg Config, logger *slog.Logger) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "lasca.rooms"
	}

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("lasca-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p := &NATSPublisher{conn: conn, cfg: cfg, logger: logger}
	if cfg.Stream == "" {
		return p, nil
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	streamCfg := &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		Discard:   nats.DiscardOld,
		Replicas:  1,
	}
	if _, err := js.StreamInfo(cfg.Stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(streamCfg)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	} else if err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream info: %w", err)
	}
	p.js = js
	return p, nil
}

// Publish 發布一個事件
func (p *NATSPublisher) Publish(ctx context.Context, ev store.Event) error {
	data, err := store.EncodeEvent(ev)
	if err != nil {
		return err
	}
	subject := Subject(p.cfg.SubjectPrefix, ev)

	if p.js != nil {
		if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	if err != nil {
		p.logger.Warn("drain nats connection", "error", err)
		p.conn.Close()
	}
	return nil
}
