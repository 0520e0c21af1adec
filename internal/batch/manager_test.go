package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/heroes-agent/internal/compliance"
	"github.com/vincentbai/heroes-agent/internal/database"
	"github.com/vincentbai/heroes-agent/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db      *database.Database
	manager *Manager
	clock   *fakeClock
}

func setup(t *testing.T, thresholds Thresholds) *fixture {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	manager := NewManager(db, compliance.New(nil, nil), thresholds,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &fixture{db: db, manager: manager, clock: clock}
}

func (f *fixture) record(t *testing.T, n int, props map[string]any) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ev-%d-%d", f.clock.Now().UnixNano(), i)
		require.NoError(t, f.db.InsertEvent(context.Background(), models.Event{
			ID:          id,
			ClassroomID: "class-1",
			SessionID:   "s-1",
			EventType:   "screen_viewed",
			Properties:  props,
			CreatedAt:   f.clock.Now(),
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestFormBatchTakesMaxEvents(t *testing.T) {
	f := setup(t, Thresholds{MaxEvents: 50, MaxAge: time.Hour, MinEvents: 10})
	ctx := context.Background()
	f.record(t, 75, nil)

	batch, err := f.manager.FormBatch(ctx, 50, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, models.BatchSealed, batch.Status)
	assert.Len(t, batch.EventIDs, 50)

	pending, err := f.db.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, pending)

	sealed, err := f.db.ListBatches(ctx, models.BatchSealed)
	require.NoError(t, err)
	assert.Len(t, sealed, 1)
}

func TestFormBatchBelowMinimumIsNoop(t *testing.T) {
	f := setup(t, Thresholds{MaxEvents: 50, MaxAge: 10 * time.Minute, MinEvents: 10})
	ctx := context.Background()
	f.record(t, 3, nil)

	batch, err := f.manager.FormBatch(ctx, 50, 10*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, batch)

	pending, err := f.db.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestFormBatchAgeTrigger(t *testing.T) {
	f := setup(t, Thresholds{MaxEvents: 50, MaxAge: 10 * time.Minute, MinEvents: 10})
	ctx := context.Background()
	f.record(t, 3, nil)

	f.clock.Advance(10 * time.Minute)
	batch, err := f.manager.FormBatch(ctx, 50, 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Len(t, batch.EventIDs, 3)
}

func TestFormBatchEmptyStore(t *testing.T) {
	f := setup(t, DefaultThresholds())
	batch, err := f.manager.FormBatch(context.Background(), 50, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestFormBatchRejectsNonPositiveMax(t *testing.T) {
	f := setup(t, DefaultThresholds())
	_, err := f.manager.FormBatch(context.Background(), 0, time.Minute)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestEveryEventInExactlyOneBatch(t *testing.T) {
	f := setup(t, Thresholds{MaxEvents: 7, MinEvents: 1})
	ctx := context.Background()
	recorded := f.record(t, 30, nil)
	f.clock.Advance(time.Second)
	recorded = append(recorded, f.record(t, 12, nil)...)

	batches, err := f.manager.FormAll(ctx)
	require.NoError(t, err)
	assert.Len(t, batches, 6)

	seen := map[string]int{}
	for _, b := range batches {
		assert.LessOrEqual(t, len(b.EventIDs), 7)
		for _, id := range b.EventIDs {
			seen[id]++
		}
	}
	require.Len(t, seen, len(recorded))
	for _, id := range recorded {
		assert.Equal(t, 1, seen[id], "event %s", id)
	}
}

func TestConcurrentFormationKeepsOneOpenBatch(t *testing.T) {
	f := setup(t, Thresholds{MaxEvents: 5, MinEvents: 1})
	ctx := context.Background()
	f.record(t, 40, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.FormBatch(ctx, 5, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sealed, err := f.db.ListBatches(ctx, models.BatchSealed)
	require.NoError(t, err)
	assert.Len(t, sealed, 8)

	open, err := f.db.OpenBatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestSealedPayloadIsRedacted(t *testing.T) {
	f := setup(t, Thresholds{MaxEvents: 10, MinEvents: 1})
	ctx := context.Background()
	f.record(t, 3, map[string]any{
		"studentName": "Lea",
		"email":       "lea@example.com",
		"score":       float64(4),
		"notes":       "I felt sad today",
		"secretCode":  "1234",
	})

	batch, err := f.manager.FormBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, batch)

	payload, err := f.db.BatchPayload(ctx, batch.ID)
	require.NoError(t, err)
	events, err := models.DecodeEvents(payload)
	require.NoError(t, err)
	require.Len(t, events, 3)

	gate := compliance.New(nil, nil)
	for _, e := range events {
		for key := range e.Properties {
			assert.False(t, gate.Disallowed(key), "disallowed key %q in sealed payload", key)
		}
		assert.Equal(t, float64(4), e.Properties["score"])
		assert.Equal(t, compliance.RedactedValue, e.Properties["secretCode"])
	}

	// the recorded events themselves stay untouched
	stored, err := f.db.BatchEvents(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lea", stored[0].Properties["studentName"])
}

func TestFormBatchResumesOpenBatch(t *testing.T) {
	f := setup(t, Thresholds{MaxEvents: 10, MinEvents: 1})
	ctx := context.Background()
	f.record(t, 4, nil)

	// an interrupted formation left an open batch behind
	_, err := f.db.CreateOpenBatch(ctx, "left-open", f.clock.Now(), 2)
	require.NoError(t, err)

	batch, err := f.manager.FormBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "left-open", batch.ID)
	assert.Equal(t, models.BatchSealed, batch.Status)
	assert.Len(t, batch.EventIDs, 2)

	next, err := f.manager.FormBatch(ctx, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Len(t, next.EventIDs, 2)
}

func TestRetryRecoverPurge(t *testing.T) {
	f := setup(t, Thresholds{MaxEvents: 10, MinEvents: 1})
	ctx := context.Background()
	f.record(t, 2, nil)

	batch, err := f.manager.FormBatch(ctx, 10, 0)
	require.NoError(t, err)

	require.NoError(t, f.db.MarkSending(ctx, batch.ID))
	require.NoError(t, f.manager.Recover(ctx))
	got, err := f.manager.Get(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchSealed, got.Status)

	require.NoError(t, f.db.MarkSending(ctx, batch.ID))
	require.NoError(t, f.db.RecordFailure(ctx, batch.ID, database.Failure{AttemptCount: 3, Failed: true}))
	require.NoError(t, f.manager.Retry(ctx, batch.ID))
	assert.ErrorIs(t, f.manager.Retry(ctx, batch.ID), models.ErrStateTransition)

	require.NoError(t, f.db.MarkSending(ctx, batch.ID))
	require.NoError(t, f.db.MarkSent(ctx, batch.ID, f.clock.Now()))
	f.clock.Advance(48 * time.Hour)
	n, err := f.manager.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingEvents)
	assert.Empty(t, stats.Batches)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	f := setup(t, DefaultThresholds())
	_, err := f.manager.List(context.Background(), "archived")
	assert.ErrorIs(t, err, models.ErrValidation)
}
