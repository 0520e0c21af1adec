// Package batch groups pending events into bounded batches and owns the
// batch lifecycle up to sealing.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vincentbai/heroes-agent/internal/compliance"
	"github.com/vincentbai/heroes-agent/internal/database"
	"github.com/vincentbai/heroes-agent/internal/models"
)

// maxFormPasses bounds FormAll so a fast producer cannot pin it.
const maxFormPasses = 64

// Store is the slice of the local store the manager needs.
type Store interface {
	CountPending(ctx context.Context) (int, error)
	OldestPending(ctx context.Context) (time.Time, bool, error)
	OpenBatch(ctx context.Context) (*models.Batch, error)
	CreateOpenBatch(ctx context.Context, batchID string, createdAt time.Time, limit int) (*models.Batch, error)
	BatchEvents(ctx context.Context, batchID string) ([]models.Event, error)
	SealBatch(ctx context.Context, batchID string, payload []byte, sealedAt time.Time) error
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatches(ctx context.Context, status models.BatchStatus) ([]models.Batch, error)
	RequeueFailed(ctx context.Context, batchID string) error
	RecoverSending(ctx context.Context) (int64, error)
	PurgeSent(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
}

var _ Store = (*database.Database)(nil)

// Thresholds decide when pending events become a batch.
type Thresholds struct {
	MaxEvents int           // size trigger and batch size bound
	MaxAge    time.Duration // age trigger on the oldest pending event; zero disables
	MinEvents int           // below this, only the age trigger forms a batch
}

func DefaultThresholds() Thresholds {
	return Thresholds{MaxEvents: 50, MaxAge: 15 * time.Minute, MinEvents: 10}
}

// Manager forms and seals batches. Formation is serialized, so there is at
// most one open batch at a time.
type Manager struct {
	store      Store
	gate       *compliance.Gate
	thresholds Thresholds
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger

	mu sync.Mutex
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(store Store, gate *compliance.Gate, thresholds Thresholds, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		gate:       gate,
		thresholds: thresholds,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "batch")
	return m
}

// Thresholds returns the configured formation thresholds.
func (m *Manager) Thresholds() Thresholds { return m.thresholds }

// FormBatch seals one batch of up to maxEvents pending events. It returns
// nil, nil when neither the size/minimum nor the age trigger has fired.
// A batch left open by an interrupted formation is finished first.
func (m *Manager) FormBatch(ctx context.Context, maxEvents int, maxAge time.Duration) (*models.Batch, error) {
	if maxEvents <= 0 {
		return nil, models.ValidationError("batch.FormBatch", "maxEvents must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	open, err := m.store.OpenBatch(ctx)
	if err != nil {
		return nil, err
	}
	if open != nil {
		m.logger.Info("resuming open batch", "batch_id", open.ID, "events", len(open.EventIDs))
		return m.seal(ctx, open)
	}

	pending, err := m.store.CountPending(ctx)
	if err != nil || pending == 0 {
		return nil, err
	}

	if !m.ready(ctx, pending, maxEvents, maxAge) {
		return nil, ctx.Err()
	}

	batch, err := m.store.CreateOpenBatch(ctx, m.newID(), m.now(), maxEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch: %w", err)
	}
	return m.seal(ctx, batch)
}

func (m *Manager) ready(ctx context.Context, pending, maxEvents int, maxAge time.Duration) bool {
	minEvents := m.thresholds.MinEvents
	if minEvents > maxEvents {
		minEvents = maxEvents
	}
	if pending >= minEvents {
		return true
	}
	if maxAge <= 0 {
		return false
	}
	oldest, ok, err := m.store.OldestPending(ctx)
	if err != nil {
		m.logger.Warn("could not read oldest pending event", "error", err)
		return false
	}
	return ok && m.now().Sub(oldest) >= maxAge
}

// seal runs the compliance gate over the batch's events and freezes the
// redacted payload. On failure the batch stays open and is resumed next time.
func (m *Manager) seal(ctx context.Context, batch *models.Batch) (*models.Batch, error) {
	events, err := m.store.BatchEvents(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	redacted, report := m.gate.Apply(events)
	if report.Violations() > 0 {
		m.logger.Info("compliance redaction applied",
			"batch_id", batch.ID,
			"kind", models.ErrComplianceViolation.Error(),
			"stripped", report.Stripped,
			"replaced", report.Replaced,
		)
	}

	payload, err := models.EncodeEvents(redacted)
	if err != nil {
		return nil, err
	}

	if err := m.store.SealBatch(ctx, batch.ID, payload, m.now()); err != nil {
		return nil, fmt.Errorf("failed to seal batch %s: %w", batch.ID, err)
	}

	sealed, err := m.store.GetBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("batch sealed", "batch_id", sealed.ID, "events", len(sealed.EventIDs))
	return sealed, nil
}

// FormAll forms batches with the configured thresholds until formation is a no-op.
func (m *Manager) FormAll(ctx context.Context) ([]models.Batch, error) {
	var formed []models.Batch
	for i := 0; i < maxFormPasses; i++ {
		batch, err := m.FormBatch(ctx, m.thresholds.MaxEvents, m.thresholds.MaxAge)
		if err != nil {
			return formed, err
		}
		if batch == nil {
			break
		}
		formed = append(formed, *batch)
	}
	return formed, nil
}

// Retry moves a failed batch back to sealed with a fresh attempt budget.
func (m *Manager) Retry(ctx context.Context, batchID string) error {
	if err := m.store.RequeueFailed(ctx, batchID); err != nil {
		return err
	}
	m.logger.Info("failed batch requeued", "batch_id", batchID)
	return nil
}

// Recover returns batches stranded in sending by a previous process to sealed.
func (m *Manager) Recover(ctx context.Context) error {
	n, err := m.store.RecoverSending(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Warn("recovered interrupted sends", "batches", n)
	}
	return nil
}

// Purge deletes sent batches acknowledged more than retention ago.
func (m *Manager) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := m.store.PurgeSent(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged sent batches", "batches", n)
	}
	return n, nil
}

// Get returns one batch.
func (m *Manager) Get(ctx context.Context, batchID string) (*models.Batch, error) {
	return m.store.GetBatch(ctx, batchID)
}

// List returns batches in the given status; empty lists all.
func (m *Manager) List(ctx context.Context, status models.BatchStatus) ([]models.Batch, error) {
	if status != "" && !status.Valid() {
		return nil, models.ValidationError("batch.List", "unknown status %q", status)
	}
	return m.store.ListBatches(ctx, status)
}

// Stats reports pending events and batch counts.
func (m *Manager) Stats(ctx context.Context) (models.Stats, error) {
	return m.store.Stats(ctx)
}
