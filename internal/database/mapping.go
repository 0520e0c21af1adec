package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vincentbai/heroes-agent/internal/models"
)

// Field-by-field mapping between rows and models. Column order in the
// select lists below must match the Scan calls.

const eventColumns = `id, classroom_id, lesson_id, session_id, event_type, properties_json, created_at`

const batchColumns = `id, status, created_at, sealed_at, sent_at, attempt_count, next_attempt_at, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (models.Event, error) {
	var (
		event          models.Event
		lessonID       sql.NullString
		propertiesJSON string
		createdAt      int64
	)
	if err := row.Scan(&event.ID, &event.ClassroomID, &lessonID, &event.SessionID,
		&event.EventType, &propertiesJSON, &createdAt); err != nil {
		return models.Event{}, err
	}
	if lessonID.Valid {
		event.LessonID = &lessonID.String
	}
	if err := json.Unmarshal([]byte(propertiesJSON), &event.Properties); err != nil {
		return models.Event{}, fmt.Errorf("event %s: decode properties: %w", event.ID, err)
	}
	event.CreatedAt = fromMillis(createdAt)
	return event, nil
}

func scanBatch(row scanner) (models.Batch, error) {
	var (
		batch         models.Batch
		status        string
		createdAt     int64
		sealedAt      sql.NullInt64
		sentAt        sql.NullInt64
		nextAttemptAt sql.NullInt64
		lastError     sql.NullString
	)
	if err := row.Scan(&batch.ID, &status, &createdAt, &sealedAt, &sentAt,
		&batch.AttemptCount, &nextAttemptAt, &lastError); err != nil {
		return models.Batch{}, err
	}
	batch.Status = models.BatchStatus(status)
	batch.CreatedAt = fromMillis(createdAt)
	batch.SealedAt = timePtr(sealedAt)
	batch.SentAt = timePtr(sentAt)
	batch.NextAttemptAt = timePtr(nextAttemptAt)
	batch.LastError = lastError.String
	return batch, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
