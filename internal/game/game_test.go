package game_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/14-lasca-sync/internal/game"
	"github.com/koopa0/system-design/14-lasca-sync/internal/game/lasca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoardEntry_JSONShape(t *testing.T) {
	entry := game.BoardEntry{Node: "r2c2", Stack: game.Stack{{Owner: game.White}, {Owner: game.Black, Officer: true}}}

	data, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.JSONEq(t, `["r2c2",[{"owner":"W"},{"owner":"B","officer":true}]]`, string(data))

	var decoded game.BoardEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, entry, decoded)

	assert.Error(t, json.Unmarshal([]byte(`["r2c2"]`), &decoded))
}

func TestToWire_SortedAndStable(t *testing.T) {
	s := lasca.New().NewGame()

	w1 := game.ToWire(s)
	w2 := game.ToWire(s.Clone())

	for i := 1; i < len(w1.Board); i++ {
		assert.Less(t, w1.Board[i-1].Node, w1.Board[i].Node)
	}
	assert.Equal(t, w1, w2)
	assert.Equal(t, game.StateHash(s), game.StateHash(s.Clone()))
}

func TestFromWire_RejectsDuplicateNodes(t *testing.T) {
	w := game.WireGameState{
		Board: []game.BoardEntry{
			{Node: "r0c0", Stack: game.Stack{{Owner: game.White}}},
			{Node: "r0c0", Stack: game.Stack{{Owner: game.Black}}},
		},
		ToMove: game.White,
	}

	_, err := game.FromWire(w)
	assert.Error(t, err)
}

func TestFromWire_RestoresState(t *testing.T) {
	s := lasca.New().NewGame()
	s.CaptureChain = &game.CaptureChain{Node: "r2c2", Jumped: []string{"r3c3"}}
	s.Phase = game.PhaseCapture

	data, err := json.Marshal(game.ToWire(s))
	require.NoError(t, err)

	var w game.WireGameState
	require.NoError(t, json.Unmarshal(data, &w))
	back, err := game.FromWire(w)
	require.NoError(t, err)

	assert.Equal(t, s, back)
}

func TestStateHash_ChangesWithState(t *testing.T) {
	e := lasca.New()
	s := e.NewGame()
	next, err := e.ApplyMove(s, game.Move{From: "r2c2", To: "r3c3"})
	require.NoError(t, err)

	assert.NotEqual(t, game.StateHash(s), game.StateHash(next))
}

func TestHistory_PushAndExport(t *testing.T) {
	e := lasca.New()
	s0 := e.NewGame()
	h := game.NewHistory(s0)

	s1, err := e.ApplyMove(s0, game.Move{From: "r2c2", To: "r3c3"})
	require.NoError(t, err)
	h.Push(s1, "r2c2-r3c3")

	assert.Equal(t, 2, h.Len())
	assert.Equal(t, s1, h.Current())

	w := h.ExportSnapshots()
	assert.Equal(t, []string{"", "r2c2-r3c3"}, w.Notation)
	assert.Equal(t, 1, w.CurrentIndex)
	require.Len(t, w.States, 2)

	restored, err := game.HistoryFromWire(w)
	require.NoError(t, err)
	assert.Equal(t, h.ExportSnapshots(), restored.ExportSnapshots())
}

func TestHistory_ReplaceAllValidates(t *testing.T) {
	s := lasca.New().NewGame()
	h := game.NewHistory(s)

	tests := []struct {
		name     string
		states   []game.GameState
		notation []string
		current  int
	}{
		{"empty", nil, nil, 0},
		{"notation mismatch", []game.GameState{s}, []string{"", "x"}, 0},
		{"index out of range", []game.GameState{s}, []string{""}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, h.ReplaceAll(tt.states, tt.notation, tt.current))
		})
	}
	assert.Equal(t, 1, h.Len(), "failed replace leaves history intact")
}

func TestHistory_Occurrences(t *testing.T) {
	s := lasca.New().NewGame()
	h := game.NewHistory(s)
	h.Push(s, "a")
	h.Push(s, "b")

	assert.Equal(t, 3, h.Occurrences(game.PositionKey(s)))
}

func TestEngines(t *testing.T) {
	engines := game.NewEngines(lasca.New())

	e, ok := engines.Get(lasca.VariantID)
	require.True(t, ok)
	assert.Equal(t, lasca.VariantID, e.VariantID())

	_, ok = engines.Get("chess")
	assert.False(t, ok)
	assert.Equal(t, []string{lasca.VariantID}, engines.Variants())
}

func TestCheckOutcome_ForcedWins(t *testing.T) {
	e := lasca.New()
	s := e.NewGame()
	s.ForcedGameOver = &game.ForcedGameOver{ReasonCode: game.ReasonThreefold}

	out := game.CheckOutcome(e, s)
	assert.True(t, out.Over)
	assert.Equal(t, game.Color(""), out.Winner)
	assert.Equal(t, game.ReasonThreefold, out.Reason)
}
