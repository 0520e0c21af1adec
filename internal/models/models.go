package models

import "time"

// Event is a single behavioural or interaction event. Immutable once recorded.
type Event struct {
	ID          string
	ClassroomID string
	LessonID    *string // nullable
	SessionID   string
	EventType   string
	Properties  map[string]any
	CreatedAt   time.Time
}

// EventInput is what feature code hands to the recorder.
type EventInput struct {
	ClassroomID string         `json:"classroomId"`
	LessonID    *string        `json:"lessonId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"` // defaults to the current session
	EventType   string         `json:"eventType"`
	Properties  map[string]any `json:"properties"`
}

type BatchStatus string

const (
	BatchOpen    BatchStatus = "open"
	BatchSealed  BatchStatus = "sealed"
	BatchSending BatchStatus = "sending"
	BatchSent    BatchStatus = "sent"
	BatchFailed  BatchStatus = "failed"
)

// Valid reports whether s is a known batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchOpen, BatchSealed, BatchSending, BatchSent, BatchFailed:
		return true
	}
	return false
}

// Batch is a bounded group of events transmitted together.
type Batch struct {
	ID            string      `json:"id"`
	Status        BatchStatus `json:"status"`
	EventIDs      []string    `json:"eventIds"` // record order
	CreatedAt     time.Time   `json:"createdAt"`
	SealedAt      *time.Time  `json:"sealedAt,omitempty"`
	SentAt        *time.Time  `json:"sentAt,omitempty"`
	AttemptCount  int         `json:"attemptCount"`
	NextAttemptAt *time.Time  `json:"nextAttemptAt,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
}

// DeviceState is the connectivity and power state reported by the platform shell.
type DeviceState struct {
	Online         bool `json:"online"`
	Metered        bool `json:"metered"`
	Charging       bool `json:"charging"`
	BatteryPercent int  `json:"batteryPercent"`
}

// Stats summarises the local store.
type Stats struct {
	PendingEvents int                 `json:"pendingEvents"`
	Batches       map[BatchStatus]int `json:"batches"`
}
