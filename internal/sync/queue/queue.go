// Package queue provides the durable mutation log: an ordered record of
// every local write that has not yet been confirmed by the remote
// store. Entries live in the same SQLite database as the entities they
// describe, so a log append commits atomically with the write it
// records and a process crash or airplane-mode stretch never loses a
// local change.
package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/kimhsiao/famrx/backend/internal/errors"
	"github.com/kimhsiao/famrx/backend/internal/logging"
	"github.com/kimhsiao/famrx/backend/internal/models"
)

// Config holds the retry policy of the log.
type Config struct {
	BackoffBase time.Duration // first retry delay
	BackoffMax  time.Duration // backoff cap
	MaxAttempts int           // retry budget before dead-lettering
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		BackoffBase: 2 * time.Second,
		BackoffMax:  15 * time.Minute,
		MaxAttempts: 20,
	}
}

// Log manages mutation rows. All writes that must be atomic with an
// entity write take the caller's transaction; standalone operations
// (retry bookkeeping from the scheduler) use the shared connection.
type Log struct {
	db  *sql.DB
	cfg Config
}

// NewLog creates a mutation log over the given database.
func NewLog(db *sql.DB, cfg Config) *Log {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Log{db: db, cfg: cfg}
}

// EnqueueTx records a mutation inside the caller's transaction,
// enforcing the compaction invariant: at most one mutation row per
// entity. An existing entry for the same entity, pending or
// dead-lettered, is superseded in place: it keeps its ID, base
// revision, and creation time (so its position in the log and the
// remote write base are preserved) while taking the new payload, the
// merged operation, and a fresh retry budget. A create superseded by a
// delete cancels out entirely: the remote store never saw the entity,
// so there is nothing to sync; EnqueueTx then returns nil.
func (l *Log) EnqueueTx(tx *sql.Tx, m *models.Mutation) (*models.Mutation, error) {
	now := time.Now().UnixMilli()

	existing, err := entryForTx(tx, m.EntityType, m.EntityID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if m.ID == "" {
			m.ID = ulid.Make().String()
		}
		m.CreatedAt = now
		m.Status = models.MutationStatusPending
		m.AttemptCount = 0
		m.NextAttemptAt = now
		m.Seq = 0
		_, err := tx.Exec(`
			INSERT INTO mutations (id, entity_id, entity_type, op, payload, base_revision,
				created_at, attempt_count, next_attempt_at, status, last_error, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0)
		`, m.ID, m.EntityID, m.EntityType, m.Op, string(m.Payload), m.BaseRevision,
			m.CreatedAt, m.AttemptCount, m.NextAttemptAt, m.Status)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageFault, "enqueue mutation", err)
		}
		return m, nil
	}

	merged := mergeOps(existing.Op, m.Op)
	if merged == "" {
		// create + delete: the entity never existed remotely
		if _, err := tx.Exec(`DELETE FROM mutations WHERE id = ?`, existing.ID); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageFault, "cancel mutation", err)
		}
		return nil, nil
	}

	existing.Op = merged
	existing.Payload = m.Payload
	existing.Seq++
	existing.AttemptCount = 0
	existing.NextAttemptAt = now
	existing.LastError = ""
	existing.Status = models.MutationStatusPending
	_, err = tx.Exec(`
		UPDATE mutations
		SET op = ?, payload = ?, seq = ?, attempt_count = 0, next_attempt_at = ?,
		    last_error = '', status = ?
		WHERE id = ?
	`, existing.Op, string(existing.Payload), existing.Seq, existing.NextAttemptAt,
		existing.Status, existing.ID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "supersede mutation", err)
	}
	return existing, nil
}

// mergeOps collapses the existing pending operation with a new one.
// Empty result means the pair cancels out.
func mergeOps(existing, next models.Op) models.Op {
	switch {
	case existing == models.OpCreate && next == models.OpDelete:
		return ""
	case existing == models.OpCreate:
		// create + update stays a create carrying the final payload
		return models.OpCreate
	case next == models.OpDelete:
		return models.OpDelete
	default:
		// delete + create revives the entity remotely as an update
		return models.OpUpdate
	}
}

// PeekBatch returns up to max pending mutations whose retry time has
// arrived, in mutation-ID order (creation order, since IDs are ULIDs).
func (l *Log) PeekBatch(ctx context.Context, max int) ([]models.Mutation, error) {
	now := time.Now().UnixMilli()
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, entity_id, entity_type, op, payload, base_revision,
		       created_at, attempt_count, next_attempt_at, status, last_error, seq
		FROM mutations
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY id ASC
		LIMIT ?
	`, models.MutationStatusPending, now, max)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "peek batch", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// PendingFor returns the pending mutation for an entity, or nil.
func (l *Log) PendingFor(ctx context.Context, entityType models.EntityType, entityID models.UUID) (*models.Mutation, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, entity_id, entity_type, op, payload, base_revision,
		       created_at, attempt_count, next_attempt_at, status, last_error, seq
		FROM mutations
		WHERE entity_type = ? AND entity_id = ? AND status = ?
	`, entityType, entityID, models.MutationStatusPending)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "lookup pending mutation", err)
	}
	return m, nil
}

// MarkSucceeded deletes a confirmed mutation. The seq guard makes the
// delete a no-op when a newer local write superseded the entry while
// its old payload was in flight; the superseding intent then stays
// queued. Returns whether the entry was actually removed.
func (l *Log) MarkSucceeded(ctx context.Context, id string, seq int64) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE id = ? AND seq = ?`, id, seq)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorageFault, "mark succeeded", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Discard removes a mutation regardless of seq. Used when the conflict
// resolver decides the remote version wins.
func (l *Log) Discard(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "discard mutation", err)
	}
	return nil
}

// MarkFailed records a failed attempt: the attempt counter increments
// and the next attempt is scheduled with exponential backoff. Once the
// retry budget is spent the entry moves to the dead-letter state. It
// is kept, never deleted, so the user's original intent survives for a
// manual retry. Returns whether the mutation was dead-lettered.
func (l *Log) MarkFailed(ctx context.Context, id string, seq int64, cause error) (bool, error) {
	m, err := l.get(ctx, id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorageFault, "lookup failed mutation", err)
	}
	if m.Seq != seq {
		// Superseded mid-flight; the new intent has a fresh budget.
		return false, nil
	}

	m.AttemptCount++
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	if m.AttemptCount >= l.cfg.MaxAttempts {
		_, err := l.db.ExecContext(ctx, `
			UPDATE mutations SET attempt_count = ?, status = ?, last_error = ? WHERE id = ?
		`, m.AttemptCount, models.MutationStatusDead, lastErr, id)
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrStorageFault, "dead-letter mutation", err)
		}
		logging.Warn("Mutation dead-lettered after exhausting retries",
			map[string]interface{}{
				"mutation_id": id,
				"entity_id":   m.EntityID,
				"attempts":    m.AttemptCount,
				"last_error":  lastErr,
			})
		return true, nil
	}

	next := time.Now().Add(l.backoff(m.AttemptCount)).UnixMilli()
	_, err = l.db.ExecContext(ctx, `
		UPDATE mutations SET attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?
	`, m.AttemptCount, next, lastErr, id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorageFault, "reschedule mutation", err)
	}
	return false, nil
}

// Rebase points a pending mutation at a new remote base revision and
// makes it immediately eligible, used after a conflict resolves
// local-wins: the next attempt must target the revision that beat us.
func (l *Log) Rebase(ctx context.Context, id string, remoteRevision int64) error {
	now := time.Now().UnixMilli()
	_, err := l.db.ExecContext(ctx, `
		UPDATE mutations
		SET base_revision = ?, op = CASE WHEN op = 'create' THEN 'update' ELSE op END,
		    next_attempt_at = ?, attempt_count = 0, last_error = ''
		WHERE id = ? AND status = ?
	`, remoteRevision, now, id, models.MutationStatusPending)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "rebase mutation", err)
	}
	return nil
}

// Retry moves a dead-lettered mutation back to pending with a fresh
// retry budget. This is the "try again" action behind the couldn't-sync
// indicator.
func (l *Log) Retry(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
		UPDATE mutations
		SET status = ?, attempt_count = 0, next_attempt_at = ?, last_error = ''
		WHERE id = ? AND status = ?
	`, models.MutationStatusPending, now, id, models.MutationStatusDead)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "retry mutation", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "no dead-lettered mutation %s", id)
	}
	return nil
}

// RetryAll resets every dead-lettered mutation. Returns the count.
func (l *Log) RetryAll(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
		UPDATE mutations
		SET status = ?, attempt_count = 0, next_attempt_at = ?, last_error = ''
		WHERE status = ?
	`, models.MutationStatusPending, now, models.MutationStatusDead)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageFault, "retry all", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeadLetters returns every mutation waiting on manual intervention.
func (l *Log) DeadLetters(ctx context.Context) ([]models.Mutation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, entity_id, entity_type, op, payload, base_revision,
		       created_at, attempt_count, next_attempt_at, status, last_error, seq
		FROM mutations WHERE status = ? ORDER BY id ASC
	`, models.MutationStatusDead)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "list dead letters", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// Stats returns log counters for the status surface.
func (l *Log) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{"pending": 0, "dead": 0}
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageFault, "queue stats", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// backoff computes the delay before attempt n+1 (n = completed
// attempts, starting at 1): base doubling per attempt, capped.
func (l *Log) backoff(attempts int) time.Duration {
	d := l.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	if d > l.cfg.BackoffMax {
		return l.cfg.BackoffMax
	}
	return d
}

func (l *Log) get(ctx context.Context, id string) (*models.Mutation, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, entity_id, entity_type, op, payload, base_revision,
		       created_at, attempt_count, next_attempt_at, status, last_error, seq
		FROM mutations WHERE id = ?
	`, id)
	return scanMutation(row)
}

func entryForTx(tx *sql.Tx, entityType models.EntityType, entityID models.UUID) (*models.Mutation, error) {
	row := tx.QueryRow(`
		SELECT id, entity_id, entity_type, op, payload, base_revision,
		       created_at, attempt_count, next_attempt_at, status, last_error, seq
		FROM mutations
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "lookup mutation", err)
	}
	return m, nil
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(sc scanner) (*models.Mutation, error) {
	var m models.Mutation
	var payload string
	var lastError sql.NullString
	err := sc.Scan(&m.ID, &m.EntityID, &m.EntityType, &m.Op, &payload, &m.BaseRevision,
		&m.CreatedAt, &m.AttemptCount, &m.NextAttemptAt, &m.Status, &lastError, &m.Seq)
	if err != nil {
		return nil, err
	}
	m.Payload = []byte(payload)
	if lastError.Valid {
		m.LastError = lastError.String
	}
	return &m, nil
}

func scanMutations(rows *sql.Rows) ([]models.Mutation, error) {
	var out []models.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageFault, "scan mutation", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
