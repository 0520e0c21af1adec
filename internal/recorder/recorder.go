// Package recorder accepts events from UI and feature code, stamps them and
// appends them to the pending-event store.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vincentbai/heroes-agent/internal/models"
)

// DefaultEventTypes are the interaction events the app emits.
var DefaultEventTypes = []string{
	"app_opened",
	"session_started",
	"session_ended",
	"screen_viewed",
	"lesson_started",
	"lesson_completed",
	"activity_started",
	"activity_completed",
	"emotional_checkin",
	"badge_earned",
	"video_played",
	"button_tapped",
}

// EventStore is the pending-event store.
type EventStore interface {
	InsertEvent(ctx context.Context, event models.Event) error
}

// Recorder validates, stamps and persists events.
type Recorder struct {
	store           EventStore
	validEventTypes map[string]bool
	now             func() time.Time
	newID           func() string
	logger          *slog.Logger

	mu        sync.Mutex
	sessionID string
}

type Option func(*Recorder)

// WithEventTypes adds accepted event types on top of DefaultEventTypes.
func WithEventTypes(types ...string) Option {
	return func(r *Recorder) {
		for _, t := range types {
			if t = strings.TrimSpace(t); t != "" {
				r.validEventTypes[t] = true
			}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func New(store EventStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:           store,
		validEventTypes: make(map[string]bool, len(DefaultEventTypes)),
		now:             time.Now,
		newID:           func() string { return uuid.NewString() },
		logger:          slog.Default(),
	}
	for _, t := range DefaultEventTypes {
		r.validEventTypes[t] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "recorder")
	return r
}

// Record validates input, assigns an ID and createdAt, fills the session and
// appends the event. Invalid events and events the store cannot take are
// dropped and the error is returned.
func (r *Recorder) Record(ctx context.Context, input models.EventInput) (models.Event, error) {
	if err := r.Validate(input); err != nil {
		r.logger.Warn("event dropped", "event_type", input.EventType, "error", err)
		return models.Event{}, err
	}

	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = r.currentSession()
	}

	event := models.Event{
		ID:          r.newID(),
		ClassroomID: input.ClassroomID,
		LessonID:    input.LessonID,
		SessionID:   sessionID,
		EventType:   input.EventType,
		Properties:  copyProperties(input.Properties),
		CreatedAt:   r.now().UTC().Truncate(time.Millisecond),
	}

	if err := r.store.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, models.ErrValidation) {
			r.logger.Warn("event dropped", "event_type", event.EventType, "error", err)
		} else {
			r.logger.Error("event dropped: local storage failure", "event_id", event.ID, "event_type", event.EventType, "error", err)
		}
		return models.Event{}, err
	}

	r.logger.Debug("event recorded", "event_id", event.ID, "event_type", event.EventType, "session_id", sessionID)
	return event, nil
}

// Validate checks the required fields of an event.
func (r *Recorder) Validate(input models.EventInput) error {
	const op = "recorder.Record"
	if strings.TrimSpace(input.ClassroomID) == "" {
		return models.ValidationError(op, "classroomId cannot be empty")
	}
	if input.EventType == "" {
		return models.ValidationError(op, "eventType cannot be empty")
	}
	if !r.validEventTypes[input.EventType] {
		return models.ValidationError(op, "invalid event type: %s", input.EventType)
	}
	if input.LessonID != nil && strings.TrimSpace(*input.LessonID) == "" {
		return models.ValidationError(op, "lessonId cannot be empty when set")
	}
	for key := range input.Properties {
		if strings.TrimSpace(key) == "" {
			return models.ValidationError(op, "property keys cannot be empty")
		}
	}
	if _, err := json.Marshal(input.Properties); err != nil {
		return models.ValidationError(op, "properties are not JSON encodable: %v", err)
	}
	return nil
}

// StartSession begins a new session and returns its ID.
func (r *Recorder) StartSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = r.newID()
	r.logger.Info("session started", "session_id", r.sessionID)
	return r.sessionID
}

// EndSession clears the current session. The next event without a session starts a new one.
func (r *Recorder) EndSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID != "" {
		r.logger.Info("session ended", "session_id", r.sessionID)
	}
	r.sessionID = ""
}

// SessionID returns the current session, or "" if none is active.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Recorder) currentSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID == "" {
		r.sessionID = r.newID()
		r.logger.Info("session started", "session_id", r.sessionID)
	}
	return r.sessionID
}

func copyProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
