package syncclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
	"github.com/koopa0/system-design/14-lasca-sync/pkg/logger"
	"github.com/koopa0/system-design/14-lasca-sync/pkg/syncclient"
)

func testLogger() *slog.Logger {
	return logger.Discard()
}

func snap(v int64) syncclient.Message {
	return syncclient.Message{
		Type: "snapshot",
		Snapshot: &syncclient.Snapshot{
			State:        json.RawMessage(fmt.Sprintf(`{"turn":%d}`, v)),
			StateVersion: &v,
		},
	}
}

// fakeServer 只回覆 GET /api/room/{roomId}；release 關閉前請求會被擋住
type fakeServer struct {
	version atomic.Int64
	hits    atomic.Int32
	release chan struct{}
}

func newFakeServer(t *testing.T, version int64, blocking bool) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{release: make(chan struct{})}
	f.version.Store(version)
	if !blocking {
		close(f.release)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/room/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		select {
		case <-f.release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap(f.version.Load()))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

// updates 收集 OnUpdate 的呼叫
type updates struct {
	mu   sync.Mutex
	list []syncclient.Update
}

func (u *updates) add(up syncclient.Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.list = append(u.list, up)
}

func (u *updates) versions() []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]int64, 0, len(u.list))
	for _, up := range u.list {
		out = append(out, up.Version)
	}
	return out
}

func newDriver(baseURL string, u *updates) *syncclient.Driver {
	opts := syncclient.Options{
		BaseURL:  baseURL,
		RoomID:   "room-1",
		PlayerID: "alice",
		Logger:   testLogger(),
	}
	if u != nil {
		opts.OnUpdate = u.add
	}
	return syncclient.New(opts)
}

func TestDriver_ApplySnapshot_Ordering(t *testing.T) {
	_, srv := newFakeServer(t, 0, false)
	d := newDriver(srv.URL, nil)
	assert.Equal(t, int64(-1), d.Version())

	assert.True(t, d.ApplySnapshot(snap(5)), "first versioned snapshot is adopted")
	assert.False(t, d.ApplySnapshot(snap(3)), "older snapshot is ignored")
	assert.False(t, d.ApplySnapshot(snap(5)), "duplicate is ignored")
	assert.Equal(t, int64(5), d.Version())

	assert.True(t, d.ApplySnapshot(snap(6)))
	assert.Equal(t, int64(6), d.Version())
	assert.Zero(t, d.Resyncs())
}

func TestDriver_GapTriggersSingleResync(t *testing.T) {
	f, srv := newFakeServer(t, 10, true)
	u := &updates{}
	d := newDriver(srv.URL, u)

	require.True(t, d.ApplySnapshot(snap(5)))
	assert.False(t, d.ApplySnapshot(snap(8)), "gap is discarded")
	assert.False(t, d.ApplySnapshot(snap(9)))
	assert.False(t, d.ApplySnapshot(snap(10)))
	assert.Equal(t, int64(5), d.Version())

	assert.Eventually(t, func() bool { return f.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(f.release)

	assert.Eventually(t, func() bool { return d.Version() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, int64(1), d.Resyncs())
	assert.Equal(t, []int64{5, 10}, u.versions())
}

func TestDriver_ConcurrentResyncCollapse(t *testing.T) {
	f, srv := newFakeServer(t, 4, true)
	d := newDriver(srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Resync(ctx))
		}()
	}

	assert.Eventually(t, func() bool { return f.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, int64(1), d.Resyncs())
	assert.Equal(t, int64(4), d.Version())
}

func TestDriver_TickCoalesces(t *testing.T) {
	_, srv := newFakeServer(t, 0, false)
	u := &updates{}
	d := newDriver(srv.URL, u)
	require.True(t, d.ApplySnapshot(snap(0)))

	d.Push(snap(3))
	d.Push(snap(1))
	d.Push(snap(2))
	d.Push(snap(1))
	d.Tick()

	assert.Equal(t, int64(3), d.Version())
	assert.Equal(t, []int64{0, 3}, u.versions(), "one notification per tick with the newest state")
	assert.Zero(t, d.Resyncs())

	d.Tick()
	assert.Len(t, u.versions(), 2, "empty tick does not notify")
}

func TestDriver_TickGapResyncs(t *testing.T) {
	f, srv := newFakeServer(t, 3, false)
	u := &updates{}
	d := newDriver(srv.URL, u)
	require.True(t, d.ApplySnapshot(snap(0)))

	d.Push(snap(1))
	d.Push(snap(3))
	d.Tick()

	assert.Eventually(t, func() bool { return d.Version() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, []int64{0, 1, 3}, u.versions())
}

func TestDriver_BurstDropsAndResyncs(t *testing.T) {
	f, srv := newFakeServer(t, 30, false)
	u := &updates{}
	d := newDriver(srv.URL, u)
	require.True(t, d.ApplySnapshot(snap(0)))

	for v := int64(1); v <= 26; v++ {
		d.Push(snap(v))
	}
	assert.Eventually(t, func() bool { return d.Version() == 30 }, time.Second, 5*time.Millisecond)

	d.Tick()
	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, []int64{0, 30}, u.versions(), "buffered burst is never applied")
}

func TestDriver_UnversionedSnapshotsUseHash(t *testing.T) {
	_, srv := newFakeServer(t, 0, false)
	d := newDriver(srv.URL, nil)

	msg := func(state string) syncclient.Message {
		return syncclient.Message{Snapshot: &syncclient.Snapshot{State: json.RawMessage(state)}}
	}

	assert.True(t, d.ApplySnapshot(msg(`{"board":1}`)))
	assert.False(t, d.ApplySnapshot(msg(`{"board":1}`)), "same state hash is ignored")
	assert.True(t, d.ApplySnapshot(msg(`{"board":2}`)))
	assert.False(t, d.ApplySnapshot(syncclient.Message{Type: "snapshot"}), "message without snapshot")
	assert.Equal(t, int64(-1), d.Version())
}

func TestDriver_Mutations(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]any
		stale    atomic.Bool
		roomHits atomic.Int32
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/room/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		roomHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap(7))
	})
	mux.HandleFunc("POST /api/{action}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		body["action"] = r.PathValue("action")
		mu.Lock()
		received = append(received, body)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if stale.Load() {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{
				"error":        apperrors.New(apperrors.CodeStaleStateVersion, "state version mismatch"),
				"stateVersion": 7,
			})
			return
		}
		json.NewEncoder(w).Encode(snap(6))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	d := newDriver(srv.URL, nil)
	ctx := context.Background()

	t.Run("carries expected version and adopts the reply", func(t *testing.T) {
		require.True(t, d.ApplySnapshot(snap(5)))
		msg, err := d.SubmitMove(ctx, syncclient.Move{From: "r2c2", To: "r3c3"})
		require.NoError(t, err)
		assert.Equal(t, int64(6), *msg.Snapshot.StateVersion)
		assert.Equal(t, int64(6), d.Version())

		mu.Lock()
		last := received[len(received)-1]
		mu.Unlock()
		assert.Equal(t, "submitMove", last["action"])
		assert.Equal(t, float64(5), last["expectedStateVersion"])
		assert.Equal(t, "room-1", last["roomId"])
		assert.Equal(t, "alice", last["playerId"])
		assert.Equal(t, map[string]any{"from": "r2c2", "to": "r3c3"}, last["move"])
	})

	t.Run("stale reply resyncs before returning", func(t *testing.T) {
		stale.Store(true)
		_, err := d.Resign(ctx)
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeStaleStateVersion, apperrors.CodeOf(err))
		assert.Equal(t, int64(7), d.Version())
		assert.Equal(t, int32(1), roomHits.Load())
	})

	t.Run("end turn and finalize use their endpoints", func(t *testing.T) {
		stale.Store(false)
		_, err := d.EndTurn(ctx)
		require.NoError(t, err)
		_, err = d.FinalizeCaptureChain(ctx, "r6c6", []string{"r3c3", "r5c5"})
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.GreaterOrEqual(t, len(received), 2)
		end, fin := received[len(received)-2], received[len(received)-1]
		assert.Equal(t, "endTurn", end["action"])
		assert.Equal(t, float64(7), end["expectedStateVersion"])
		assert.Equal(t, "finalizeCaptureChain", fin["action"])
		assert.Equal(t, "r6c6", fin["landing"])
		assert.Equal(t, []any{"r3c3", "r5c5"}, fin["jumped"])
	})
}

func TestDriver_StatusSubscription(t *testing.T) {
	d := newDriver("http://127.0.0.1:0", nil)
	assert.Equal(t, syncclient.StatusReconnecting, d.Status())

	ch, cancel := d.Subscribe()
	defer cancel()
	select {
	case s := <-ch:
		assert.Equal(t, syncclient.StatusReconnecting, s)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the current status")
	}
}
