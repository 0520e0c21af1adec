package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vincentbai/heroes-agent/internal/models"
)

// Failure describes the outcome of an unsuccessful send.
type Failure struct {
	AttemptCount  int
	NextAttemptAt *time.Time // nil when Failed
	Failed        bool       // terminal: needs manual retry
	Reason        string
}

// CreateOpenBatch creates a batch in the open state and moves up to limit of
// the oldest pending events into it, in one transaction.
func (d *Database) CreateOpenBatch(ctx context.Context, batchID string, createdAt time.Time, limit int) (*models.Batch, error) {
	const op = "database.CreateOpenBatch"
	if limit <= 0 {
		return nil, models.ValidationError(op, "limit must be positive")
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.StorageError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer transaction.Rollback()

	if _, err := transaction.ExecContext(ctx,
		`INSERT INTO batches(id, status, created_at) VALUES(?, 'open', ?)`,
		batchID, toMillis(createdAt)); err != nil {
		return nil, writeError(op, err, d.capacity)
	}

	if _, err := transaction.ExecContext(ctx, `
		UPDATE events SET batch_id = ?
		WHERE seq IN (SELECT seq FROM events WHERE batch_id IS NULL ORDER BY seq LIMIT ?)`,
		batchID, limit); err != nil {
		return nil, writeError(op, err, d.capacity)
	}

	eventIDs, err := queryEventIDs(ctx, transaction, batchID)
	if err != nil {
		return nil, models.StorageError(op, err)
	}

	if err := transaction.Commit(); err != nil {
		return nil, models.StorageError(op, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return &models.Batch{
		ID:        batchID,
		Status:    models.BatchOpen,
		EventIDs:  eventIDs,
		CreatedAt: fromMillis(toMillis(createdAt)),
	}, nil
}

// OpenBatch returns the batch currently in the open state, or nil if there is none.
func (d *Database) OpenBatch(ctx context.Context) (*models.Batch, error) {
	batches, err := d.ListBatches(ctx, models.BatchOpen)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return &batches[0], nil
}

// BatchEvents returns a batch's events in record order.
func (d *Database) BatchEvents(ctx context.Context, batchID string) ([]models.Event, error) {
	const op = "database.BatchEvents"
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE batch_id = ? ORDER BY seq`, batchID)
	if err != nil {
		return nil, models.StorageError(op, err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, models.StorageError(op, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError(op, err)
	}
	return events, nil
}

// SealBatch freezes the redacted payload and moves the batch from open to sealed.
func (d *Database) SealBatch(ctx context.Context, batchID string, payload []byte, sealedAt time.Time) error {
	return d.transition(ctx, "database.SealBatch", batchID, models.BatchOpen, models.BatchSealed,
		"payload_json = json(?), sealed_at = ?", string(payload), toMillis(sealedAt))
}

// MarkSending claims a sealed batch for a send attempt.
func (d *Database) MarkSending(ctx context.Context, batchID string) error {
	return d.transition(ctx, "database.MarkSending", batchID, models.BatchSealed, models.BatchSending, "")
}

// MarkSent records server acknowledgment.
func (d *Database) MarkSent(ctx context.Context, batchID string, sentAt time.Time) error {
	return d.transition(ctx, "database.MarkSent", batchID, models.BatchSending, models.BatchSent,
		"sent_at = ?, next_attempt_at = NULL, last_error = NULL", toMillis(sentAt))
}

// ReleaseBatch returns an aborted send to sealed without counting an attempt.
func (d *Database) ReleaseBatch(ctx context.Context, batchID string) error {
	return d.transition(ctx, "database.ReleaseBatch", batchID, models.BatchSending, models.BatchSealed, "")
}

// RecordFailure stores a failed attempt. The batch goes back to sealed for a
// later retry, or to failed when f.Failed is set.
func (d *Database) RecordFailure(ctx context.Context, batchID string, f Failure) error {
	to := models.BatchSealed
	if f.Failed {
		to = models.BatchFailed
	}
	return d.transition(ctx, "database.RecordFailure", batchID, models.BatchSending, to,
		"attempt_count = ?, next_attempt_at = ?, last_error = ?",
		f.AttemptCount, nullMillis(f.NextAttemptAt), f.Reason)
}

// RequeueFailed makes a failed batch eligible for sending again with a fresh attempt budget.
func (d *Database) RequeueFailed(ctx context.Context, batchID string) error {
	return d.transition(ctx, "database.RequeueFailed", batchID, models.BatchFailed, models.BatchSealed,
		"attempt_count = 0, next_attempt_at = NULL")
}

// RecoverSending moves batches left in sending by a dead process back to sealed.
func (d *Database) RecoverSending(ctx context.Context) (int64, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	result, err := d.db.ExecContext(ctx, `UPDATE batches SET status = 'sealed' WHERE status = 'sending'`)
	if err != nil {
		return 0, writeError("database.RecoverSending", err, d.capacity)
	}
	return result.RowsAffected()
}

// PurgeSent deletes sent batches acknowledged before cutoff together with their events.
func (d *Database) PurgeSent(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "database.PurgeSent"

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, models.StorageError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer transaction.Rollback()

	if _, err := transaction.ExecContext(ctx, `
		DELETE FROM events WHERE batch_id IN (
			SELECT id FROM batches WHERE status = 'sent' AND sent_at < ?)`, toMillis(cutoff)); err != nil {
		return 0, writeError(op, err, d.capacity)
	}
	result, err := transaction.ExecContext(ctx,
		`DELETE FROM batches WHERE status = 'sent' AND sent_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, writeError(op, err, d.capacity)
	}
	if err := transaction.Commit(); err != nil {
		return 0, models.StorageError(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return result.RowsAffected()
}

// GetBatch loads a batch with its ordered event IDs.
func (d *Database) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	const op = "database.GetBatch"
	batch, err := scanBatch(d.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = ?`, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.Error{Kind: models.ErrNotFound, Op: op, Message: fmt.Sprintf("batch %s not found", batchID)}
	}
	if err != nil {
		return nil, models.StorageError(op, err)
	}
	batch.EventIDs, err = queryEventIDs(ctx, d.db, batchID)
	if err != nil {
		return nil, models.StorageError(op, err)
	}
	return &batch, nil
}

// BatchPayload returns the frozen JSON payload of a sealed batch.
func (d *Database) BatchPayload(ctx context.Context, batchID string) ([]byte, error) {
	const op = "database.BatchPayload"
	var payload sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT payload_json FROM batches WHERE id = ?`, batchID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.Error{Kind: models.ErrNotFound, Op: op, Message: fmt.Sprintf("batch %s not found", batchID)}
	}
	if err != nil {
		return nil, models.StorageError(op, err)
	}
	if !payload.Valid {
		return nil, &models.Error{Kind: models.ErrStateTransition, Op: op, Message: fmt.Sprintf("batch %s is not sealed", batchID)}
	}
	return []byte(payload.String), nil
}

// ListBatches returns batches with the given status, oldest first. An empty status lists all.
func (d *Database) ListBatches(ctx context.Context, status models.BatchStatus) ([]models.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	return d.queryBatches(ctx, "database.ListBatches", query, args...)
}

// DueBatches returns sealed batches whose backoff timer has expired at now, oldest first.
func (d *Database) DueBatches(ctx context.Context, now time.Time) ([]models.Batch, error) {
	return d.queryBatches(ctx, "database.DueBatches", `
		SELECT `+batchColumns+` FROM batches
		WHERE status = 'sealed' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at, id`, toMillis(now))
}

func (d *Database) queryBatches(ctx context.Context, op, query string, args ...any) ([]models.Batch, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.StorageError(op, err)
	}
	var batches []models.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, models.StorageError(op, err)
		}
		batches = append(batches, batch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, models.StorageError(op, err)
	}

	for i := range batches {
		batches[i].EventIDs, err = queryEventIDs(ctx, d.db, batches[i].ID)
		if err != nil {
			return nil, models.StorageError(op, err)
		}
	}
	return batches, nil
}

// transition is a compare-and-set on batch status. extraSet is an optional
// "col = ?, ..." fragment whose arguments are passed in args.
func (d *Database) transition(ctx context.Context, op, batchID string, from, to models.BatchStatus, extraSet string, args ...any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	set := []string{"status = ?"}
	if extraSet != "" {
		set = append(set, extraSet)
	}
	query := `UPDATE batches SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND status = ?`

	queryArgs := make([]any, 0, len(args)+3)
	queryArgs = append(queryArgs, string(to))
	queryArgs = append(queryArgs, args...)
	queryArgs = append(queryArgs, batchID, string(from))

	result, err := d.db.ExecContext(ctx, query, queryArgs...)
	if err != nil {
		return writeError(op, err, d.capacity)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.StorageError(op, err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = d.db.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = ?`, batchID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.Error{Kind: models.ErrNotFound, Op: op, Message: fmt.Sprintf("batch %s not found", batchID)}
	}
	if err != nil {
		return models.StorageError(op, err)
	}
	return &models.Error{
		Kind:    models.ErrStateTransition,
		Op:      op,
		Message: fmt.Sprintf("batch %s: cannot move %s -> %s from %s", batchID, from, to, current),
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEventIDs(ctx context.Context, q querier, batchID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM events WHERE batch_id = ? ORDER BY seq`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
