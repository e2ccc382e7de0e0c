package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-lasca-sync/internal/api"
	"github.com/koopa0/system-design/14-lasca-sync/internal/config"
	"github.com/koopa0/system-design/14-lasca-sync/internal/eventbus"
	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/game/lasca"
	"github.com/koopa0/system-design/14-lasca-sync/internal/realtime"
	"github.com/koopa0/system-design/14-lasca-sync/internal/room"
	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
	"github.com/koopa0/system-design/14-lasca-sync/pkg/logger"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "YAML 配置檔路徑（可省略）")
		envFile    = flag.String("env-file", ".env", ".env 檔路徑")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		slog.Error("載入配置失敗", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	st, err := store.New(cfg.Store.DataRoot, log, store.WithVerbose(cfg.Store.Verbose))
	if err != nil {
		return err
	}

	var publisher eventbus.Publisher = eventbus.Noop{}
	if cfg.NATS.URL != "" {
		p, err := eventbus.NewNATSPublisher(eventbus.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Stream:        cfg.NATS.Stream,
		}, log)
		if err != nil {
			return err
		}
		publisher = p
		log.Info("事件發布已啟用", "nats_url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
	}
	defer publisher.Close()

	// 創建房間登錄表；重啟時房間從磁碟延遲載入
	reg, err := room.NewRegistry(room.Options{
		Store:           st,
		Engines:         game.NewEngines(lasca.New()),
		Logger:          log,
		Publisher:       publisher,
		DefaultVariant:  cfg.Room.DefaultVariant,
		SnapshotEvery:   cfg.Store.SnapshotEvery,
		DisconnectGrace: cfg.Room.DisconnectGrace,
		QueueSize:       cfg.Store.QueueSize,
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	hub := realtime.NewHub(reg, log, realtime.Config{
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
		KeepAlive:        cfg.Realtime.KeepAlive,
		SendBuffer:       cfg.Realtime.SendBuffer,
	})
	reg.SetBroadcaster(hub)

	handler := api.NewHandler(reg, hub, log, api.Options{
		AdminToken: cfg.Admin.Token,
		PublicURL:  cfg.Server.PublicURL,
		RateRPS:    cfg.RateLimit.RPS,
		RateBurst:  cfg.RateLimit.Burst,
	})

	// WriteTimeout 保持 0：WebSocket 與 SSE 是長連線
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("遊戲同步服務器啟動",
			"addr", cfg.Server.Addr,
			"data_root", st.Root(),
			"admin", cfg.AdminEnabled())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("收到關閉信號，開始優雅關閉...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 先關掉推送連線，Shutdown 不會等待被接管的 WebSocket
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("服務器關閉失敗", "error", err)
		}
		if err := reg.Flush(shutdownCtx); err != nil {
			log.Error("持久化佇列未寫完", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("服務器已關閉")
	return nil
}
