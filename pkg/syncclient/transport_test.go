package syncclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-lasca-sync/internal/api"
	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/game/lasca"
	"github.com/koopa0/system-design/14-lasca-sync/internal/realtime"
	"github.com/koopa0/system-design/14-lasca-sync/internal/room"
	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
	"github.com/koopa0/system-design/14-lasca-sync/pkg/syncclient"
)

func newGameServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.New(t.TempDir(), testLogger())
	require.NoError(t, err)
	reg, err := room.NewRegistry(room.Options{
		Store:   st,
		Engines: game.NewEngines(lasca.New()),
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	hub := realtime.NewHub(reg, testLogger(), realtime.Config{})
	reg.SetBroadcaster(hub)

	srv := httptest.NewServer(api.NewHandler(reg, hub, testLogger(), api.Options{}).Routes())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		reg.Close()
	})
	return srv
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// startGame alice 執白、bob 執黑
func startGame(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	created := postJSON(t, srv.URL+"/api/create", map[string]any{"playerId": "alice"})
	roomID := created["roomId"].(string)
	postJSON(t, srv.URL+"/api/join", map[string]any{"roomId": roomID, "playerId": "bob"})
	return roomID
}

func TestDriver_Run(t *testing.T) {
	tests := []struct {
		name     string
		forceSSE bool
	}{
		{name: "websocket"},
		{name: "sse", forceSSE: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newGameServer(t)
			roomID := startGame(t, srv)

			u := &updates{}
			watcher := syncclient.New(syncclient.Options{
				BaseURL:      srv.URL,
				RoomID:       roomID,
				Logger:       testLogger(),
				OnUpdate:     u.add,
				TickInterval: 10 * time.Millisecond,
				ForceSSE:     tt.forceSSE,
			})
			statuses, cancelStatus := watcher.Subscribe()
			defer cancelStatus()

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- watcher.Run(ctx) }()

			assert.Eventually(t, func() bool {
				return watcher.Status() == syncclient.StatusConnected && watcher.Version() == 0
			}, 2*time.Second, 10*time.Millisecond)

			alice := syncclient.New(syncclient.Options{
				BaseURL:  srv.URL,
				RoomID:   roomID,
				PlayerID: "alice",
				Logger:   testLogger(),
			})
			require.NoError(t, alice.Resync(context.Background()))
			_, err := alice.SubmitMove(context.Background(), syncclient.Move{From: "r2c2", To: "r3c3"})
			require.NoError(t, err)
			assert.Equal(t, int64(1), alice.Version())

			assert.Eventually(t, func() bool { return watcher.Version() == 1 }, 2*time.Second, 10*time.Millisecond)
			assert.Zero(t, watcher.Resyncs())

			cancel()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
			assert.Equal(t, syncclient.StatusReconnecting, watcher.Status())

			var seen []syncclient.Status
			for len(statuses) > 0 {
				seen = append(seen, <-statuses)
			}
			assert.NotEmpty(t, seen)
			assert.Equal(t, []int64{0, 1}, u.versions())
		})
	}
}

func TestDriver_RunAlreadyCurrent(t *testing.T) {
	srv := newGameServer(t)
	roomID := startGame(t, srv)

	watcher := syncclient.New(syncclient.Options{
		BaseURL:      srv.URL,
		RoomID:       roomID,
		Logger:       testLogger(),
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, watcher.Resync(context.Background()))
	require.Equal(t, int64(0), watcher.Version())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	// 伺服器不再重送 v0，連線狀態由 PONG 確認
	assert.Eventually(t, func() bool {
		return watcher.Status() == syncclient.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	alice := syncclient.New(syncclient.Options{
		BaseURL:  srv.URL,
		RoomID:   roomID,
		PlayerID: "alice",
		Logger:   testLogger(),
	})
	require.NoError(t, alice.Resync(context.Background()))
	_, err := alice.SubmitMove(context.Background(), syncclient.Move{From: "r2c2", To: "r3c3"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return watcher.Version() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDriver_RunUnknownRoom(t *testing.T) {
	tests := []struct {
		name     string
		forceSSE bool
	}{
		{name: "websocket"},
		{name: "sse", forceSSE: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newGameServer(t)
			d := syncclient.New(syncclient.Options{
				BaseURL:  srv.URL,
				RoomID:   "no-such-room",
				Logger:   testLogger(),
				ForceSSE: tt.forceSSE,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := d.Run(ctx)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeRoomNotFound, apperrors.CodeOf(err))
		})
	}
}
