package store_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/game/lasca"
	"github.com/koopa0/system-design/14-lasca-sync/internal/store"
	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
	"github.com/koopa0/system-design/14-lasca-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return logger.Discard()
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), testLogger())
	require.NoError(t, err)
	return s
}

func header(roomID string, v int64) store.Header {
	return store.Header{TS: 1000 + v, RoomID: roomID, RulesVersion: store.SupportedRulesVersion, StateVersion: v}
}

func snapshotOf(h *game.History, s game.GameState, v int64) game.WireSnapshot {
	return game.WireSnapshot{State: game.ToWire(s), History: h.ExportSnapshots(), StateVersion: v}
}

var players = map[string]game.Color{"alice": game.White, "bob": game.Black}
var colors = []game.Color{game.White, game.Black}

// nextState 走第一個合法著法；連續吃子走不動時結束吃子
func nextState(t *testing.T, e game.Engine, s game.GameState) (game.GameState, string) {
	t.Helper()
	moves := e.GenerateLegalMoves(s, nil)
	if len(moves) == 0 && s.CaptureChain != nil {
		next, err := e.FinalizeCaptureChain(s, s.CaptureChain.Node, nil)
		require.NoError(t, err)
		return next, store.ActionFinalizeCapture
	}
	require.NotEmpty(t, moves)
	next, err := e.ApplyMove(s, moves[0])
	require.NoError(t, err)
	return next, store.ActionMove
}

type fixture struct {
	store   *store.Store
	roomID  string
	engine  game.Engine
	state   game.GameState
	history *game.History
	version int64
}

func createRoom(t *testing.T, st *store.Store, roomID string) *fixture {
	t.Helper()
	e := lasca.New()
	s := e.NewGame()
	f := &fixture{store: st, roomID: roomID, engine: e, state: s, history: game.NewHistory(s)}

	created := store.GameCreated{
		Header:      header(roomID, 0),
		VariantID:   lasca.VariantID,
		Snapshot:    snapshotOf(f.history, s, 0),
		Players:     players,
		ColorsTaken: colors,
		Settings:    &store.Settings{Visibility: game.Public, TimeControl: game.TimeControl{Mode: game.TimeControlNone}},
	}
	require.NoError(t, st.AppendEvent(roomID, created, store.WriteOptions{AllowCreateRoomDir: true}))
	f.writeSnapshot(t)
	return f
}

func (f *fixture) meta() store.RoomMeta {
	return store.RoomMeta{
		RoomID:       f.roomID,
		VariantID:    lasca.VariantID,
		RulesVersion: store.SupportedRulesVersion,
		Players:      players,
		ColorsTaken:  colors,
		Settings:     store.Settings{Visibility: game.Public},
	}
}

func (f *fixture) writeSnapshot(t *testing.T) {
	t.Helper()
	file := store.SnapshotFile{Meta: f.meta(), Snapshot: snapshotOf(f.history, f.state, f.version)}
	require.NoError(t, f.store.WriteSnapshotAtomic(f.roomID, file, store.WriteOptions{}))
}

func (f *fixture) mutate(t *testing.T, snapshotEvery int64) {
	t.Helper()
	next, action := nextState(t, f.engine, f.state)
	if next.ToMove != f.state.ToMove {
		f.history.Push(next, action)
	}
	f.state = next
	f.version++

	ev := store.MoveApplied{
		Header:      header(f.roomID, f.version),
		Action:      action,
		Snapshot:    snapshotOf(f.history, f.state, f.version),
		Players:     players,
		ColorsTaken: colors,
	}
	require.NoError(t, f.store.AppendEvent(f.roomID, ev, store.WriteOptions{}))
	if snapshotEvery > 0 && f.version%snapshotEvery == 0 {
		f.writeSnapshot(t)
	}
}

func TestTryLoadRoom_Missing(t *testing.T) {
	st := newStore(t)

	loaded, err := st.TryLoadRoom("nothing-here")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestTryLoadRoom_CrashConsistency(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "crash")

	for range 7 {
		f.mutate(t, 5)
	}

	// 重新開啟同一個根目錄模擬重啟
	reopened, err := store.New(st.Root(), testLogger())
	require.NoError(t, err)
	loaded, err := reopened.TryLoadRoom("crash")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.True(t, loaded.FromSnapshot)
	assert.Equal(t, int64(7), loaded.StateVersion)
	assert.Equal(t, 2, loaded.Replayed, "only v6 and v7 are replayed on top of the v5 snapshot")
	assert.Equal(t, f.state, loaded.State)
	assert.Equal(t, f.history.ExportSnapshots(), loaded.History.ExportSnapshots())
}

func TestTryLoadRoom_ReplayWithoutSnapshot(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "logonly")
	for range 3 {
		f.mutate(t, 0)
	}
	require.NoError(t, os.Remove(filepath.Join(st.Root(), "logonly", "logonly.snapshot.json")))

	loaded, err := st.TryLoadRoom("logonly")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.False(t, loaded.FromSnapshot)
	assert.Equal(t, int64(3), loaded.StateVersion)
	assert.Equal(t, 4, loaded.Replayed)
	assert.Equal(t, f.state, loaded.State)
	assert.Equal(t, game.Public, loaded.Meta.Visibility)
	assert.Equal(t, players, loaded.Meta.Players)
}

func TestTryLoadRoom_VersionsAreContiguous(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "count")
	for range 12 {
		f.mutate(t, 0)
	}

	events, err := st.ReadEvents("count")
	require.NoError(t, err)
	require.Len(t, events, 13)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.EventHeader().StateVersion)
	}
}

func TestAppendEvent_MissingDirIsNoop(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "gone")

	require.NoError(t, st.DeleteRoom("gone"))
	f.mutate(t, 1)

	_, err := os.Stat(filepath.Join(st.Root(), "gone"))
	assert.True(t, os.IsNotExist(err), "deleted room must not be resurrected")
	assert.False(t, st.RoomExists("gone"))

	loaded, err := st.TryLoadRoom("gone")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDeleteRoom_NotFound(t *testing.T) {
	st := newStore(t)
	err := st.DeleteRoom("never")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_InvalidRoomID(t *testing.T) {
	st := newStore(t)

	for _, id := range []string{"", "../etc", "a/b", strings.Repeat("x", 65)} {
		_, err := st.TryLoadRoom(id)
		assert.True(t, apperrors.IsValidation(err), "id %q", id)
	}
}

func TestTryLoadRoom_UnsupportedRulesVersion(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "legacy")

	file := store.SnapshotFile{Meta: f.meta(), Snapshot: snapshotOf(f.history, f.state, 0)}
	file.Meta.RulesVersion = "v0"
	require.NoError(t, st.WriteSnapshotAtomic("legacy", file, store.WriteOptions{}))

	_, err := st.TryLoadRoom("legacy")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedRulesVersion)
}

func TestTryLoadRoom_VariantMismatch(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "mismatch")

	file := store.SnapshotFile{Meta: f.meta(), Snapshot: snapshotOf(f.history, f.state, 0)}
	file.Meta.VariantID = "other-variant"
	require.NoError(t, st.WriteSnapshotAtomic("mismatch", file, store.WriteOptions{}))

	_, err := st.TryLoadRoom("mismatch")
	assert.Equal(t, apperrors.CodeIntegrity, apperrors.CodeOf(err))
}

func TestTryLoadRoom_SkipsUnknownAndTornLines(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "noisy")
	f.mutate(t, 0)

	path := filepath.Join(st.Root(), "noisy", "noisy.events.jsonl")
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString(`{"type":"ChatMessage","stateVersion":99,"rulesVersion":"v1"}` + "\n")
	require.NoError(t, err)
	_, err = fh.WriteString(`{"type":"MoveApplied","stateVer`)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	loaded, err := st.TryLoadRoom("noisy")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Skipped)
	assert.Equal(t, int64(1), loaded.StateVersion)
}

func TestAppendEvent_AfterTornTail(t *testing.T) {
	tests := []struct {
		name string
		// reload 追加前先載入一次（重啟路徑）
		reload bool
		tail   string
	}{
		{name: "restart then append", reload: true, tail: `{"type":"MoveApplied","ts":1,"roomId`},
		{name: "append without restart", reload: false, tail: `{"type":"MoveApplied","ts":1,"roomId`},
		{name: "complete but malformed last line", reload: true, tail: `{"type":"MoveApplied","stateVersion":` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			f := createRoom(t, st, "torn")
			f.mutate(t, 0)
			f.mutate(t, 0)

			path := filepath.Join(st.Root(), "torn", "torn.events.jsonl")
			fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			require.NoError(t, err)
			_, err = fh.WriteString(tt.tail)
			require.NoError(t, err)
			require.NoError(t, fh.Close())

			if tt.reload {
				loaded, err := st.TryLoadRoom("torn")
				require.NoError(t, err)
				assert.Equal(t, int64(2), loaded.StateVersion)
			}

			f.mutate(t, 0)
			f.mutate(t, 0)

			loaded, err := st.TryLoadRoom("torn")
			require.NoError(t, err)
			assert.Equal(t, int64(4), loaded.StateVersion)
			assert.Zero(t, loaded.Skipped)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.NotContains(t, string(data), tt.tail)
			assert.True(t, strings.HasSuffix(string(data), "\n"))
		})
	}
}

func TestPeekRoom_LeavesTornTail(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "peek")
	f.mutate(t, 0)

	path := filepath.Join(st.Root(), "peek", "peek.events.jsonl")
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString(`{"type":"MoveApplied","ts":1`)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	loaded, err := st.PeekRoom("peek")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.StateVersion)
	assert.Equal(t, 1, loaded.Skipped)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTryLoadRoom_GameOverCoupling(t *testing.T) {
	t.Run("forced reason encoded in state", func(t *testing.T) {
		st := newStore(t)
		f := createRoom(t, st, "resigned")
		f.mutate(t, 0)

		f.state.ForcedGameOver = &game.ForcedGameOver{ReasonCode: game.ReasonResign, Winner: game.White}
		f.version++
		require.NoError(t, st.AppendEvent("resigned", store.MoveApplied{
			Header: header("resigned", f.version), Action: store.ActionResign,
			Snapshot: snapshotOf(f.history, f.state, f.version), Players: players, ColorsTaken: colors,
		}, store.WriteOptions{}))
		require.NoError(t, st.AppendEvent("resigned", store.GameOver{
			Header: header("resigned", f.version), Winner: game.White, Reason: game.ReasonResign,
		}, store.WriteOptions{}))

		loaded, err := st.TryLoadRoom("resigned")
		require.NoError(t, err)
		assert.Equal(t, f.version, loaded.Meta.LastGameOverVersion)
		require.NotNil(t, loaded.State.ForcedGameOver)
		assert.Equal(t, game.ReasonResign, loaded.State.ForcedGameOver.ReasonCode)
	})

	t.Run("forced reason missing from state", func(t *testing.T) {
		st := newStore(t)
		f := createRoom(t, st, "broken")
		f.mutate(t, 0)
		require.NoError(t, st.AppendEvent("broken", store.GameOver{
			Header: header("broken", f.version), Winner: game.Black, Reason: game.ReasonDisconnectTimeout,
		}, store.WriteOptions{}))

		_, err := st.TryLoadRoom("broken")
		assert.Equal(t, apperrors.CodeIntegrity, apperrors.CodeOf(err))
	})

	t.Run("version mismatch", func(t *testing.T) {
		st := newStore(t)
		f := createRoom(t, st, "ahead")
		f.mutate(t, 0)
		require.NoError(t, st.AppendEvent("ahead", store.GameOver{
			Header: header("ahead", f.version+3), Winner: game.White, Reason: game.ReasonNoMoves,
		}, store.WriteOptions{}))

		_, err := st.TryLoadRoom("ahead")
		assert.Equal(t, apperrors.CodeIntegrity, apperrors.CodeOf(err))
	})
}

func TestWriteSnapshotAtomic_LeavesNoTempFiles(t *testing.T) {
	st := newStore(t)
	f := createRoom(t, st, "tidy")
	for range 3 {
		f.mutate(t, 1)
	}

	entries, err := os.ReadDir(filepath.Join(st.Root(), "tidy"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"tidy.snapshot.json", "tidy.events.jsonl"}, names)
}

func TestListRoomIDs(t *testing.T) {
	st := newStore(t)
	createRoom(t, st, "b-room")
	createRoom(t, st, "a-room")
	require.NoError(t, os.Mkdir(filepath.Join(st.Root(), "empty"), 0o755))

	ids, err := st.ListRoomIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-room", "b-room"}, ids)
}

func TestDecodeEvent_UnknownType(t *testing.T) {
	_, err := store.DecodeEvent([]byte(`{"type":"Mystery"}`))
	assert.ErrorIs(t, err, store.ErrUnknownEventType)
}
