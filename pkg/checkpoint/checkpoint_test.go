package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state struct {
	Stage string `json:"stage"`
	Rows  int    `json:"rows"`
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, SaveJSON(ctx, store, StateKey("b1"), state{Stage: "clean", Rows: 10}))

	var got state
	require.NoError(t, LoadJSON(ctx, store, StateKey("b1"), &got))
	assert.Equal(t, state{Stage: "clean", Rows: 10}, got)

	require.NoError(t, SaveJSON(ctx, store, StateKey("b1"), state{Stage: "score"}))
	require.NoError(t, LoadJSON(ctx, store, StateKey("b1"), &got))
	assert.Equal(t, "score", got.Stage)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), StageKey("b1", "clean", "tickets"), []byte("{}")))

	entries, err := os.ReadDir(filepath.Join(dir, "batch", "b1", "clean"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tickets.json", entries[0].Name())
}

func TestFileStore_MissingAndDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(ctx, StateKey("nope"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, StateKey("b2"), []byte("1")))
	require.NoError(t, store.Save(ctx, StageKey("b2", "clean", "comments"), []byte("2")))
	require.NoError(t, store.Save(ctx, StateKey("b3"), []byte("3")))

	require.NoError(t, store.Delete(ctx, BatchPrefix("b2")))

	_, err = store.Load(ctx, StateKey("b2"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load(ctx, StageKey("b2", "clean", "comments"))
	assert.ErrorIs(t, err, ErrNotFound)

	data, err := store.Load(ctx, StateKey("b3"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.Save(context.Background(), "../outside", []byte("x")))
	assert.Error(t, store.Delete(context.Background(), "../"))
}

func TestNopStore(t *testing.T) {
	var s Store = NopStore{}
	require.NoError(t, s.Save(context.Background(), "k", []byte("v")))
	_, err := s.Load(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
