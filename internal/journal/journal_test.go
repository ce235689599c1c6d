package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestDatabaseURL() string {
	return os.Getenv("SEGPUSH_TEST_DATABASE_URL")
}

func skipIfNoDatabase(t *testing.T) {
	if getTestDatabaseURL() == "" {
		t.Skip("Skipping integration test: SEGPUSH_TEST_DATABASE_URL not set")
	}
}

// exercise runs the same lifecycle against any Store.
func exercise(t *testing.T, store Store, table string) {
	ctx := context.Background()

	first := &Run{Table: table, TableType: "OFFLINE", Mode: "METADATA", SegmentsTo: []string{"a", "b"}}
	require.NoError(t, store.Begin(ctx, first))
	require.NotEmpty(t, first.ID)
	assert.Equal(t, StateStarted, first.State)
	assert.False(t, first.StartedAt.IsZero())

	second := &Run{Table: table, TableType: "OFFLINE", Mode: "TAR"}
	require.NoError(t, store.Begin(ctx, second))

	first.EntryID = "entry-1"
	first.State = StateUploaded
	require.NoError(t, store.Update(ctx, first))

	second.State = StateCompleted
	require.NoError(t, store.Update(ctx, second))

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "entry-1", got.EntryID)
	assert.Equal(t, StateUploaded, got.State)
	assert.Equal(t, []string{"a", "b"}, got.SegmentsTo)

	open, err := store.ListOpen(ctx, table, "OFFLINE")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, first.ID, open[0].ID)

	open, err = store.ListOpen(ctx, table, "REALTIME")
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = store.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Run{ID: uuid.NewString()}), ErrRunNotFound)
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore(), "events")
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := &Run{Table: "events", TableType: "OFFLINE", SegmentsTo: []string{"a"}}
	require.NoError(t, store.Begin(ctx, run))
	run.SegmentsTo[0] = "mutated"

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.SegmentsTo)
}

func TestMemoryStore_ListOpenOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"late", "early"} {
		run := &Run{ID: id, Table: "events", TableType: "OFFLINE", StartedAt: base.Add(time.Duration(1-i) * time.Minute)}
		require.NoError(t, store.Begin(ctx, run))
	}
	open, err := store.ListOpen(ctx, "events", "OFFLINE")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "early", open[0].ID)
}

func TestStateOpen(t *testing.T) {
	assert.True(t, StateStarted.Open())
	assert.True(t, StateUploaded.Open())
	assert.False(t, StateCompleted.Open())
	assert.False(t, StateFailed.Open())
}

func TestPostgresStore(t *testing.T) {
	skipIfNoDatabase(t)
	store, err := NewPostgresStore(context.Background(), getTestDatabaseURL())
	require.NoError(t, err)
	defer store.Close()
	exercise(t, store, "events_"+uuid.NewString()[:8])
}

func TestNewPostgresStore_RequiresURL(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), "")
	assert.Error(t, err)
}
