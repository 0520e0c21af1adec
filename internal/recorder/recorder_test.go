package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/heroes-agent/internal/database"
	"github.com/vincentbai/heroes-agent/internal/models"
)

type memoryStore struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (m *memoryStore) InsertEvent(_ context.Context, event models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

var fixedNow = time.Date(2026, 9, 1, 8, 0, 0, 123_456_789, time.UTC)

func newTestRecorder(store EventStore, opts ...Option) *Recorder {
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(store, opts...)
}

func TestRecordStampsEvent(t *testing.T) {
	store := &memoryStore{}
	r := newTestRecorder(store)

	lesson := "lesson-1"
	event, err := r.Record(context.Background(), models.EventInput{
		ClassroomID: "class-1",
		LessonID:    &lesson,
		EventType:   "lesson_started",
		Properties:  map[string]any{"screen": "intro"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, event.ID)
	assert.NotEmpty(t, event.SessionID)
	assert.Equal(t, fixedNow.Truncate(time.Millisecond), event.CreatedAt)
	require.Len(t, store.events, 1)
	assert.Equal(t, event, store.events[0])
}

func TestRecordValidation(t *testing.T) {
	empty := " "
	tests := []struct {
		name  string
		input models.EventInput
	}{
		{"empty classroom", models.EventInput{EventType: "app_opened"}},
		{"empty type", models.EventInput{ClassroomID: "c"}},
		{"unknown type", models.EventInput{ClassroomID: "c", EventType: "keylogger"}},
		{"blank lesson", models.EventInput{ClassroomID: "c", EventType: "lesson_started", LessonID: &empty}},
		{"blank property key", models.EventInput{ClassroomID: "c", EventType: "app_opened", Properties: map[string]any{"": 1}}},
		{"unencodable property", models.EventInput{ClassroomID: "c", EventType: "app_opened", Properties: map[string]any{"score": math.Inf(1)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memoryStore{}
			r := newTestRecorder(store)

			_, err := r.Record(context.Background(), tt.input)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Empty(t, store.events)
		})
	}
}

func TestRecordStorageErrorDropsEvent(t *testing.T) {
	store := &memoryStore{err: models.StorageError("insert", errors.New("disk I/O error"))}
	r := newTestRecorder(store)

	_, err := r.Record(context.Background(), models.EventInput{ClassroomID: "c", EventType: "app_opened"})
	assert.ErrorIs(t, err, models.ErrStorage)
}

func TestExtraEventTypes(t *testing.T) {
	r := newTestRecorder(&memoryStore{}, WithEventTypes("quiz_answered", " "))

	_, err := r.Record(context.Background(), models.EventInput{ClassroomID: "c", EventType: "quiz_answered"})
	assert.NoError(t, err)
}

func TestSessions(t *testing.T) {
	store := &memoryStore{}
	r := newTestRecorder(store)
	ctx := context.Background()

	assert.Empty(t, r.SessionID())

	first, err := r.Record(ctx, models.EventInput{ClassroomID: "c", EventType: "app_opened"})
	require.NoError(t, err)
	assert.Equal(t, r.SessionID(), first.SessionID)

	second := r.StartSession()
	assert.NotEqual(t, first.SessionID, second)

	explicit, err := r.Record(ctx, models.EventInput{ClassroomID: "c", EventType: "app_opened", SessionID: "from-caller"})
	require.NoError(t, err)
	assert.Equal(t, "from-caller", explicit.SessionID)

	r.EndSession()
	assert.Empty(t, r.SessionID())
	third, err := r.Record(ctx, models.EventInput{ClassroomID: "c", EventType: "app_opened"})
	require.NoError(t, err)
	assert.NotEqual(t, second, third.SessionID)
}

func TestRecordCopiesProperties(t *testing.T) {
	store := &memoryStore{}
	r := newTestRecorder(store)
	props := map[string]any{"score": 1}

	_, err := r.Record(context.Background(), models.EventInput{ClassroomID: "c", EventType: "app_opened", Properties: props})
	require.NoError(t, err)

	props["score"] = 2
	assert.Equal(t, 1, store.events[0].Properties["score"])
}

func TestRecordIntoDatabaseConcurrently(t *testing.T) {
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	r := New(db, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Record(context.Background(), models.EventInput{ClassroomID: "c", EventType: "button_tapped"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := db.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}
