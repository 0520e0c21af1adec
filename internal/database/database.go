package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite" // CGO-free SQLite
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vincentbai/heroes-agent/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Database is the local pending-event and batch store.
// All mutations go through writeMu so there is a single writer at a time.
type Database struct {
	db       *sql.DB
	writeMu  sync.Mutex
	capacity int
}

type Option func(*Database)

// WithCapacity bounds the number of undelivered events kept locally. Zero means unbounded.
func WithCapacity(events int) Option {
	return func(d *Database) {
		if events >= 0 {
			d.capacity = events
		}
	}
}

func NewDatabase(databasePath string, opts ...Option) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	dsn := databasePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	d := &Database{db: db}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	defer source.Close()

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	// m.Close would close db through the driver, so it is not called.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// InsertEvent appends a recorded event to the pending store.
func (d *Database) InsertEvent(ctx context.Context, event models.Event) error {
	const op = "database.InsertEvent"

	propertiesJSON, err := encodeProperties(event.Properties)
	if err != nil {
		return models.ValidationError(op, "properties are not valid JSON: %v", err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.capacity > 0 {
		var stored int
		err := d.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM events e
			LEFT JOIN batches b ON b.id = e.batch_id
			WHERE b.status IS NULL OR b.status != 'sent'`).Scan(&stored)
		if err != nil {
			return models.StorageError(op, err)
		}
		if stored >= d.capacity {
			return models.StorageFullError(op, d.capacity)
		}
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO events(id, classroom_id, lesson_id, session_id, event_type, properties_json, created_at)
		 VALUES(?,?,?,?,?,json(?),?)`,
		event.ID, event.ClassroomID, event.LessonID, event.SessionID, event.EventType,
		propertiesJSON, toMillis(event.CreatedAt))
	if err != nil {
		return writeError(op, err, d.capacity)
	}
	return nil
}

// CountPending returns the number of events not yet assigned to a batch.
func (d *Database) CountPending(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE batch_id IS NULL`).Scan(&count); err != nil {
		return 0, models.StorageError("database.CountPending", err)
	}
	return count, nil
}

// OldestPending returns the createdAt of the oldest unbatched event.
// ok is false when nothing is pending.
func (d *Database) OldestPending(ctx context.Context) (time.Time, bool, error) {
	var v sql.NullInt64
	if err := d.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM events WHERE batch_id IS NULL`).Scan(&v); err != nil {
		return time.Time{}, false, models.StorageError("database.OldestPending", err)
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(v.Int64), true, nil
}

// Stats counts pending events and batches by status.
func (d *Database) Stats(ctx context.Context) (models.Stats, error) {
	const op = "database.Stats"
	stats := models.Stats{Batches: map[models.BatchStatus]int{}}

	pending, err := d.CountPending(ctx)
	if err != nil {
		return stats, err
	}
	stats.PendingEvents = pending

	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM batches GROUP BY status`)
	if err != nil {
		return stats, models.StorageError(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, models.StorageError(op, err)
		}
		stats.Batches[models.BatchStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, models.StorageError(op, err)
	}
	return stats, nil
}

func encodeProperties(props map[string]any) (string, error) {
	if props == nil {
		return "{}", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// writeError maps driver failures onto the storage error kinds.
func writeError(op string, err error, capacity int) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL {
		return models.StorageFullError(op, capacity)
	}
	return models.StorageError(op, err)
}
