package store

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/kimhsiao/famrx/backend/internal/db"
	apperrors "github.com/kimhsiao/famrx/backend/internal/errors"
	"github.com/kimhsiao/famrx/backend/internal/logging"
	"github.com/kimhsiao/famrx/backend/internal/models"
	"github.com/kimhsiao/famrx/backend/internal/sync/queue"
	"github.com/kimhsiao/famrx/backend/internal/uuid"
)

// lockStripes is the number of per-entity lock stripes. Writes to the
// same entity always hash to the same stripe, so a UI write and a
// reconciliation write for one entity never interleave, while writes
// to unrelated entities proceed in parallel.
const lockStripes = 64

// defaultCacheSize bounds the LRU read cache.
const defaultCacheSize = 256

// Predicate filters query results. FamilyID is pushed down into SQL;
// Match, when set, runs over the decoded rows.
type Predicate struct {
	FamilyID models.UUID
	Match    func(*models.Entity) bool
}

// All matches every entity of the queried type.
var All = Predicate{}

// Store is the single source of truth for all application reads. Every
// local write commits the entity row and its mutation-log entry in one
// SQLite transaction; sync state flows back in through ConfirmSynced
// and ApplyRemote.
type Store struct {
	db        *db.DB
	log       *queue.Log
	cache     *entityCache
	locks     [lockStripes]sync.Mutex
	observers *observerHub

	// writeSignal wakes the scheduler for an opportunistic sync after a
	// local write. Buffered with one slot: bursts coalesce.
	writeSignal chan struct{}
}

// NewStore creates a Store over an opened database and mutation log.
func NewStore(database *db.DB, log *queue.Log) *Store {
	return &Store{
		db:          database,
		log:         log,
		cache:       newEntityCache(defaultCacheSize),
		observers:   newObserverHub(),
		writeSignal: make(chan struct{}, 1),
	}
}

// WriteSignal returns a channel that receives after every committed
// local write. The scheduler uses it for opportunistic sync.
func (s *Store) WriteSignal() <-chan struct{} {
	return s.writeSignal
}

func (s *Store) lockFor(t models.EntityType, id models.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(t))
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// Put upserts an entity. The write is immediately durable and visible
// to local reads; the matching mutation-log entry commits in the same
// transaction, so the change can never be persisted without its
// intent-to-sync (or vice versa). Storage failures surface here,
// synchronously; sync failures never do.
func (s *Store) Put(ctx context.Context, e *models.Entity) error {
	if !e.Type.IsValid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", e.Type)
	}
	if e.FamilyID == "" {
		return apperrors.New(apperrors.ErrValidation, "entity has no family")
	}
	if e.ID == "" {
		e.ID = models.UUID(uuid.New())
	} else if err := uuid.Validate(string(e.ID)); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "bad entity id", err)
	}

	lock := s.lockFor(e.Type, e.ID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "begin transaction", err)
	}
	defer tx.Rollback() // no-op if committed

	var curRevision int64
	op := models.OpCreate
	err = tx.QueryRow(
		`SELECT revision FROM entities WHERE entity_type = ? AND id = ?`,
		e.Type, e.ID,
	).Scan(&curRevision)
	switch {
	case err == sql.ErrNoRows:
		// create
	case err != nil:
		return apperrors.Wrap(apperrors.ErrStorageFault, "read current revision", err)
	default:
		op = models.OpUpdate
	}

	e.Revision = curRevision + 1
	e.UpdatedAt = time.Now().UnixMilli()
	e.SyncState = models.SyncStatePending
	e.Deleted = false

	_, err = tx.Exec(`
		INSERT INTO entities (id, entity_type, family_id, revision, updated_at, sync_state, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			family_id = excluded.family_id,
			revision = excluded.revision,
			updated_at = excluded.updated_at,
			sync_state = excluded.sync_state,
			deleted = 0,
			payload = excluded.payload
	`, e.ID, e.Type, e.FamilyID, e.Revision, e.UpdatedAt, e.SyncState, string(e.Payload))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "upsert entity", err)
	}

	snapshot, err := e.Snapshot()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "serialize snapshot", err)
	}
	// For a fresh log entry the write base is the revision the entity
	// had before this write: the last remote-confirmed revision for a
	// synced entity, zero for an offline create. A superseded entry
	// keeps its original base (see queue.EnqueueTx).
	_, err = s.log.EnqueueTx(tx, &models.Mutation{
		EntityID:     e.ID,
		EntityType:   e.Type,
		Op:           op,
		Payload:      snapshot,
		BaseRevision: curRevision,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "commit write", err)
	}

	s.cache.put(e)
	s.notifyObservers(e.Type)
	s.signalWrite()
	return nil
}

// Get returns the entity, or NOT_FOUND if it does not exist or is
// tombstoned.
func (s *Store) Get(ctx context.Context, t models.EntityType, id models.UUID) (*models.Entity, error) {
	if e, ok := s.cache.get(t, id); ok {
		if e.Deleted {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", t, id)
		}
		return e, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, family_id, revision, updated_at, sync_state, deleted, payload
		FROM entities WHERE entity_type = ? AND id = ?
	`, t, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", t, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "get entity", err)
	}
	s.cache.put(e)
	if e.Deleted {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", t, id)
	}
	return e, nil
}

// Query returns the entities of a type matching the predicate. The
// result is a finite snapshot, re-executable at will; live updates go
// through Observe.
func (s *Store) Query(ctx context.Context, t models.EntityType, pred Predicate) ([]models.Entity, error) {
	q := `
		SELECT id, entity_type, family_id, revision, updated_at, sync_state, deleted, payload
		FROM entities WHERE entity_type = ? AND deleted = 0
	`
	args := []any{t}
	if pred.FamilyID != "" {
		q += ` AND family_id = ?`
		args = append(args, pred.FamilyID)
	}
	q += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "query entities", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageFault, "scan entity", err)
		}
		if pred.Match != nil && !pred.Match(e) {
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Delete tombstones an entity and enqueues the delete mutation in the
// same transaction. The row is only physically removed once the remote
// store confirms (ConfirmSynced) or when the delete cancels a pending
// create that never reached the remote.
func (s *Store) Delete(ctx context.Context, t models.EntityType, id models.UUID) error {
	lock := s.lockFor(t, id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, entity_type, family_id, revision, updated_at, sync_state, deleted, payload
		FROM entities WHERE entity_type = ? AND id = ?
	`, t, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", t, id)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "read entity", err)
	}
	if e.Deleted {
		return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", t, id)
	}

	baseRevision := e.Revision
	e.Touch()
	e.Deleted = true
	e.SyncState = models.SyncStatePending

	snapshot, err := e.Snapshot()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "serialize snapshot", err)
	}

	pending, err := s.log.EnqueueTx(tx, &models.Mutation{
		EntityID:     e.ID,
		EntityType:   e.Type,
		Op:           models.OpDelete,
		Payload:      snapshot,
		BaseRevision: baseRevision,
	})
	if err != nil {
		return err
	}

	if pending == nil {
		// The delete cancelled a pending create: the remote never saw
		// this entity, so drop the row outright.
		if _, err := tx.Exec(
			`DELETE FROM entities WHERE entity_type = ? AND id = ?`, t, id); err != nil {
			return apperrors.Wrap(apperrors.ErrStorageFault, "remove entity", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE entities SET deleted = 1, revision = ?, updated_at = ?, sync_state = ?
			WHERE entity_type = ? AND id = ?
		`, e.Revision, e.UpdatedAt, e.SyncState, t, id); err != nil {
			return apperrors.Wrap(apperrors.ErrStorageFault, "tombstone entity", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "commit delete", err)
	}

	s.cache.invalidate(t, id)
	s.notifyObservers(t)
	s.signalWrite()
	return nil
}

// ApplyRemote is the reconciliation write path: it overwrites local
// state with an authoritative remote version (or removes it for a
// remote delete) without touching the mutation log. Writes are keyed
// by id and carry the exact remote revision, so replaying the same
// change is a no-op.
func (s *Store) ApplyRemote(ctx context.Context, op models.Op, e *models.Entity) error {
	lock := s.lockFor(e.Type, e.ID)
	lock.Lock()
	defer lock.Unlock()

	if op == models.OpDelete {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM entities WHERE entity_type = ? AND id = ?`, e.Type, e.ID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorageFault, "apply remote delete", err)
		}
		s.cache.invalidate(e.Type, e.ID)
		s.notifyObservers(e.Type)
		return nil
	}

	e.SyncState = models.SyncStateSynced
	e.Deleted = false
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, family_id, revision, updated_at, sync_state, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			family_id = excluded.family_id,
			revision = excluded.revision,
			updated_at = excluded.updated_at,
			sync_state = excluded.sync_state,
			deleted = 0,
			payload = excluded.payload
	`, e.ID, e.Type, e.FamilyID, e.Revision, e.UpdatedAt, e.SyncState, string(e.Payload))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "apply remote change", err)
	}

	s.cache.put(e)
	s.notifyObservers(e.Type)
	return nil
}

// ConfirmSynced records a successful remote write: the entity adopts
// the revision the remote assigned and leaves the pending state. A
// confirmed delete purges the tombstone. If a newer local write
// enqueued another mutation in the meantime, the entity stays pending
// and keeps its local revision.
func (s *Store) ConfirmSynced(ctx context.Context, op models.Op, t models.EntityType, id models.UUID, remoteRevision int64) error {
	lock := s.lockFor(t, id)
	lock.Lock()
	defer lock.Unlock()

	if op == models.OpDelete {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM entities
			WHERE entity_type = ? AND id = ? AND deleted = 1
			  AND NOT EXISTS (SELECT 1 FROM mutations WHERE entity_type = ? AND entity_id = ?)
		`, t, id, t, id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorageFault, "purge tombstone", err)
		}
		s.cache.invalidate(t, id)
		s.notifyObservers(t)
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET revision = ?, sync_state = ?
		WHERE entity_type = ? AND id = ?
		  AND NOT EXISTS (SELECT 1 FROM mutations WHERE entity_type = ? AND entity_id = ?)
	`, remoteRevision, models.SyncStateSynced, t, id, t, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "confirm synced", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.cache.invalidate(t, id)
		s.notifyObservers(t)
	}
	return nil
}

// SetSyncState flips an entity's sync indicator (conflicted while a
// conflict is being resolved, failed when its mutation dead-letters).
func (s *Store) SetSyncState(ctx context.Context, t models.EntityType, id models.UUID, state models.SyncState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET sync_state = ? WHERE entity_type = ? AND id = ?`,
		state, t, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "set sync state", err)
	}
	s.cache.invalidate(t, id)
	s.notifyObservers(t)
	return nil
}

// =====================================================
// Conflict audit trail
// =====================================================

// AppendAudit preserves the losing side of a resolved conflict.
func (s *Store) AppendAudit(ctx context.Context, a *models.ConflictAudit) error {
	if a.ID == "" {
		a.ID = models.UUID(uuid.New())
	}
	if a.DetectedAt == 0 {
		a.DetectedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_audit (id, entity_id, entity_type, losing_payload,
			local_updated_at, remote_updated_at, resolution, detected_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, a.ID, a.EntityID, a.EntityType, string(a.LosingPayload),
		a.LocalUpdatedAt, a.RemoteUpdatedAt, a.Resolution, a.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "append audit", err)
	}
	logging.Info("Conflict recorded to audit trail",
		map[string]interface{}{
			"entity_id":  a.EntityID,
			"resolution": a.Resolution,
		})
	return nil
}

// Audits lists audit entries, optionally only unacknowledged ones,
// newest first.
func (s *Store) Audits(ctx context.Context, onlyUnacknowledged bool) ([]models.ConflictAudit, error) {
	q := `
		SELECT id, entity_id, entity_type, losing_payload, local_updated_at,
		       remote_updated_at, resolution, detected_at, acknowledged
		FROM conflict_audit
	`
	if onlyUnacknowledged {
		q += ` WHERE acknowledged = 0`
	}
	q += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFault, "list audits", err)
	}
	defer rows.Close()

	var out []models.ConflictAudit
	for rows.Next() {
		var a models.ConflictAudit
		var payload string
		if err := rows.Scan(&a.ID, &a.EntityID, &a.EntityType, &payload,
			&a.LocalUpdatedAt, &a.RemoteUpdatedAt, &a.Resolution, &a.DetectedAt,
			&a.Acknowledged); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageFault, "scan audit", err)
		}
		a.LosingPayload = []byte(payload)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAudit dismisses the user-facing conflict notice.
func (s *Store) AcknowledgeAudit(ctx context.Context, id models.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflict_audit SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "acknowledge audit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "audit entry %s not found", id)
	}
	return nil
}

// =====================================================
// Sync cursors
// =====================================================

// Cursor returns the resumable change-stream watermark for a family,
// empty when the family has never reconciled.
func (s *Store) Cursor(ctx context.Context, familyID models.UUID) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE family_id = ?`, familyID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorageFault, "read cursor", err)
	}
	return cursor, nil
}

// AdvanceCursor durably records that every remote change up to cursor
// has been fully applied. Called only after the entity write committed.
func (s *Store) AdvanceCursor(ctx context.Context, familyID models.UUID, cursor string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (family_id, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (family_id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, familyID, cursor, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFault, "advance cursor", err)
	}
	return nil
}

func (s *Store) signalWrite() {
	select {
	case s.writeSignal <- struct{}{}:
	default:
	}
}

func scanEntity(sc interface{ Scan(...any) error }) (*models.Entity, error) {
	var e models.Entity
	var payload string
	err := sc.Scan(&e.ID, &e.Type, &e.FamilyID, &e.Revision, &e.UpdatedAt,
		&e.SyncState, &e.Deleted, &payload)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}
