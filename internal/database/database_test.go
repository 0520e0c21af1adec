package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/heroes-agent/internal/models"
)

var baseTime = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T, opts ...Option) *Database {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDatabase(dbPath, opts...)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEvent(i int) models.Event {
	return models.Event{
		ID:          fmt.Sprintf("event-%03d", i),
		ClassroomID: "class-1",
		SessionID:   "session-1",
		EventType:   "screen_viewed",
		Properties:  map[string]any{"screen": "home", "position": i},
		CreatedAt:   baseTime.Add(time.Duration(i) * time.Second),
	}
}

func insertEvents(t *testing.T, db *Database, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.InsertEvent(context.Background(), testEvent(i)))
	}
}

func TestNewDatabase(t *testing.T) {
	db := setupTestDB(t)

	if db.db == nil {
		t.Fatal("Expected non-nil sql.DB")
	}

	var tables int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('events','batches')`).Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 2, tables)
}

func TestNewDatabaseReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := NewDatabase(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.InsertEvent(context.Background(), testEvent(1)))
	require.NoError(t, db.Close())

	db, err = NewDatabase(dbPath)
	require.NoError(t, err)
	defer db.Close()

	count, err := db.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInsertEventRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	lesson := "lesson-9"
	event := testEvent(1)
	event.LessonID = &lesson
	event.Properties = map[string]any{
		"mood":   "happy",
		"nested": map[string]any{"step": float64(2)},
	}
	require.NoError(t, db.InsertEvent(ctx, event))

	batch, err := db.CreateOpenBatch(ctx, "batch-1", baseTime, 10)
	require.NoError(t, err)
	require.Equal(t, []string{event.ID}, batch.EventIDs)

	events, err := db.BatchEvents(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "lesson-9", *got.LessonID)
	assert.Equal(t, "happy", got.Properties["mood"])
	assert.Equal(t, map[string]any{"step": float64(2)}, got.Properties["nested"])
	assert.True(t, got.CreatedAt.Equal(event.CreatedAt))
}

func TestInsertEventDuplicateID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertEvent(ctx, testEvent(1)))
	err := db.InsertEvent(ctx, testEvent(1))
	assert.ErrorIs(t, err, models.ErrStorage)
}

func TestInsertEventCapacity(t *testing.T) {
	db := setupTestDB(t, WithCapacity(3))
	ctx := context.Background()

	insertEvents(t, db, 3)
	err := db.InsertEvent(ctx, testEvent(3))
	assert.ErrorIs(t, err, models.ErrStorageFull)
	assert.ErrorIs(t, err, models.ErrStorage)

	count, err := db.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCapacityIgnoresSentEvents(t *testing.T) {
	db := setupTestDB(t, WithCapacity(2))
	ctx := context.Background()

	insertEvents(t, db, 2)
	_, err := db.CreateOpenBatch(ctx, "b1", baseTime, 2)
	require.NoError(t, err)
	require.NoError(t, db.SealBatch(ctx, "b1", []byte(`[]`), baseTime))
	require.NoError(t, db.MarkSending(ctx, "b1"))
	require.NoError(t, db.MarkSent(ctx, "b1", baseTime))

	assert.NoError(t, db.InsertEvent(ctx, testEvent(10)))
}

func TestOldestPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, ok, err := db.OldestPending(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	insertEvents(t, db, 3)
	oldest, ok, err := db.OldestPending(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, oldest.Equal(baseTime))
}

func TestEventsAreImmutable(t *testing.T) {
	db := setupTestDB(t)
	insertEvents(t, db, 1)

	_, err := db.db.Exec(`UPDATE events SET properties_json = '{}' WHERE id = 'event-000'`)
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	insertEvents(t, db, 5)
	_, err := db.CreateOpenBatch(ctx, "b1", baseTime, 2)
	require.NoError(t, err)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PendingEvents)
	assert.Equal(t, 1, stats.Batches[models.BatchOpen])
}

func TestDatabaseClose(t *testing.T) {
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}
