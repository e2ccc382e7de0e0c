// watch 命令列觀戰：跟上房間狀態並在每次前進時印出一行摘要
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/koopa0/system-design/14-lasca-sync/pkg/logger"
	"github.com/koopa0/system-design/14-lasca-sync/pkg/syncclient"
)

func main() {
	var (
		baseURL    = flag.String("server", "http://localhost:8080", "服務器位址")
		roomID     = flag.String("room", "", "房間 ID")
		playerID   = flag.String("player", "", "以玩家身分連線（可省略）")
		watchToken = flag.String("token", "", "私人房間的觀戰 token")
		forceSSE   = flag.Bool("sse", false, "直接使用 SSE")
		logLevel   = flag.String("log-level", "warn", "日誌級別 (debug, info, warn, error)")
	)
	flag.Parse()

	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: watch -room <roomId> [-server url] [-token watchToken]")
		os.Exit(2)
	}

	log := logger.New(*logLevel, "text", os.Stderr)

	d := syncclient.New(syncclient.Options{
		BaseURL:    *baseURL,
		RoomID:     *roomID,
		PlayerID:   *playerID,
		WatchToken: *watchToken,
		Logger:     log,
		ForceSSE:   *forceSSE,
		OnUpdate:   printUpdate,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statuses, unsubscribe := d.Subscribe()
	defer unsubscribe()
	go func() {
		for s := range statuses {
			fmt.Fprintf(os.Stderr, "[%s]\n", s)
		}
	}()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "watch:", err)
		os.Exit(1)
	}
}

// printUpdate 只解析摘要需要的欄位
func printUpdate(up syncclient.Update) {
	var state struct {
		ToMove string `json:"toMove"`
		Phase  string `json:"phase"`
	}
	if up.Message.Snapshot != nil {
		_ = json.Unmarshal(up.Message.Snapshot.State, &state)
	}

	line := fmt.Sprintf("v%d to-move=%s", up.Version, state.ToMove)
	if state.Phase != "" {
		line += " phase=" + state.Phase
	}
	if over := up.Message.GameOver; over != nil {
		if over.Winner != "" {
			line += fmt.Sprintf(" game-over winner=%s reason=%s", over.Winner, over.Reason)
		} else {
			line += " game-over draw reason=" + over.Reason
		}
	}
	fmt.Println(line)
}
