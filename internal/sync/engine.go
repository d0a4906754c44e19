package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	apperrors "github.com/kimhsiao/famrx/backend/internal/errors"
	"github.com/kimhsiao/famrx/backend/internal/logging"
	"github.com/kimhsiao/famrx/backend/internal/models"
	"github.com/kimhsiao/famrx/backend/internal/store"
	"github.com/kimhsiao/famrx/backend/internal/sync/conflict"
	"github.com/kimhsiao/famrx/backend/internal/sync/queue"
)

// defaultBatchSize bounds how many mutations one drain pass loads.
const defaultBatchSize = 50

// Engine executes the two halves of a sync cycle against the gateway:
// Drain pushes the mutation log out, Reconcile pulls the hub's change
// stream in. It holds no goroutines of its own; the scheduler decides
// when each half runs.
type Engine struct {
	store     *store.Store
	log       *queue.Log
	gateway   Gateway
	resolver  *conflict.Resolver
	familyID  models.UUID
	batchSize int

	mu         stdsync.Mutex
	lastSyncAt time.Time
	lastError  string
}

// NewEngine creates an Engine for one family.
func NewEngine(st *store.Store, log *queue.Log, gw Gateway, familyID models.UUID, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Engine{
		store:     st,
		log:       log,
		gateway:   gw,
		resolver:  conflict.NewResolver(),
		familyID:  familyID,
		batchSize: batchSize,
	}
}

// Status is a point-in-time summary of sync health for the UI.
type Status struct {
	Pending    int       `json:"pending"`
	Dead       int       `json:"dead"`
	LastSyncAt time.Time `json:"last_sync_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status reports queue depth and the outcome of the last cycle.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	stats, err := e.log.Stats(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Status{
		Pending:    stats[string(models.MutationStatusPending)],
		Dead:       stats[string(models.MutationStatusDead)],
		LastSyncAt: e.lastSyncAt,
		LastError:  e.lastError,
	}, nil
}

// Drain pushes eligible mutations to the hub in log order until the
// queue is empty, an attempt hits the network, or ctx is cancelled.
// A NETWORK_ERROR ends the pass early: if the hub is unreachable for
// one mutation it is unreachable for the rest, and the scheduler will
// trigger a fresh pass when connectivity returns.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	drained := 0
	for {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		batch, err := e.log.PeekBatch(ctx, e.batchSize)
		if err != nil {
			return drained, e.finish(drained, err)
		}
		if len(batch) == 0 {
			return drained, e.finish(drained, nil)
		}
		progressed := false
		for i := range batch {
			m := &batch[i]
			ok, err := e.attempt(ctx, m)
			if err != nil {
				return drained, e.finish(drained, err)
			}
			if ok {
				drained++
				progressed = true
			}
		}
		if !progressed {
			// Every mutation in the batch failed and was rescheduled.
			return drained, e.finish(drained, nil)
		}
	}
}

// attempt pushes one mutation. Returns true when the mutation left the
// pending set (confirmed, discarded after a remote-wins conflict, or
// dead-lettered counts as false but not an error). A returned error is
// fatal for the whole pass.
func (e *Engine) attempt(ctx context.Context, m *models.Mutation) (bool, error) {
	var (
		result *WriteResult
		local  *models.Entity
		err    error
	)

	if m.Op == models.OpDelete {
		err = e.gateway.Delete(ctx, m.EntityType, m.EntityID, m.BaseRevision)
	} else {
		local, err = models.EntityFromSnapshot(m.Payload)
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrInternal, "decode mutation snapshot", err)
		}
		result, err = e.gateway.Write(ctx, local, m.BaseRevision)
	}

	switch {
	case err == nil:
		removed, serr := e.log.MarkSucceeded(ctx, m.ID, m.Seq)
		if serr != nil {
			return false, serr
		}
		if !removed {
			// Superseded while in flight. The new snapshot keeps its
			// stale base revision; the next attempt conflicts at the
			// hub and resolves through the normal path.
			return false, nil
		}
		newRevision := int64(0)
		if result != nil {
			newRevision = result.NewRevision
		}
		if cerr := e.store.ConfirmSynced(ctx, m.Op, m.EntityType, m.EntityID, newRevision); cerr != nil {
			return false, cerr
		}
		return true, nil

	case isConflict(err):
		return e.resolveWriteConflict(ctx, m, err.(*ConflictError))

	case apperrors.Is(err, apperrors.ErrNetwork):
		dead, ferr := e.log.MarkFailed(ctx, m.ID, m.Seq, err)
		if ferr != nil {
			return false, ferr
		}
		if dead {
			// The budget can be spent entirely on network failures; the
			// persistent indicator must surface all the same.
			if serr := e.store.SetSyncState(ctx, m.EntityType, m.EntityID, models.SyncStateFailed); serr != nil {
				return false, serr
			}
			logging.ErrorWithCode("Mutation exhausted its retry budget",
				string(apperrors.ErrSyncExhausted), err,
				map[string]interface{}{
					"mutation_id": m.ID,
					"entity_id":   m.EntityID,
				})
		}
		return false, err

	default:
		// Handoff failure the hub rejected for good. Burn an attempt;
		// the mutation dead-letters once the budget is spent.
		dead, ferr := e.log.MarkFailed(ctx, m.ID, m.Seq, err)
		if ferr != nil {
			return false, ferr
		}
		if dead {
			if serr := e.store.SetSyncState(ctx, m.EntityType, m.EntityID, models.SyncStateFailed); serr != nil {
				return false, serr
			}
			logging.ErrorWithCode("Mutation exhausted its retry budget",
				string(apperrors.ErrSyncExhausted), err,
				map[string]interface{}{
					"mutation_id": m.ID,
					"entity_id":   m.EntityID,
				})
			return false, nil
		}
		logging.Warn("Sync attempt failed",
			map[string]interface{}{
				"mutation_id": m.ID,
				"entity_id":   m.EntityID,
				"attempts":    m.AttemptCount + 1,
				"error":       err.Error(),
			})
		return false, nil
	}
}

// resolveWriteConflict handles a hub rejection: the entity moved past
// the mutation's base revision while this device was offline.
func (e *Engine) resolveWriteConflict(ctx context.Context, m *models.Mutation, ce *ConflictError) (bool, error) {
	logging.ErrorWithCode("Hub rejected write, entity moved past base revision",
		string(apperrors.ErrRemoteConflict), ce,
		map[string]interface{}{
			"entity_id":       m.EntityID,
			"base_revision":   m.BaseRevision,
			"remote_revision": ce.RemoteRevision,
		})
	if err := e.store.SetSyncState(ctx, m.EntityType, m.EntityID, models.SyncStateConflicted); err != nil {
		return false, err
	}

	local, err := models.EntityFromSnapshot(m.Payload)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrInternal, "decode mutation snapshot", err)
	}

	// The hub deleted the entity out from under a local edit. The hub
	// version no longer exists to compare timestamps against, so the
	// local intent survives as a re-create.
	if len(ce.RemotePayload) == 0 {
		if err := e.log.Rebase(ctx, m.ID, ce.RemoteRevision); err != nil {
			return false, err
		}
		if err := e.store.SetSyncState(ctx, m.EntityType, m.EntityID, models.SyncStatePending); err != nil {
			return false, err
		}
		return false, nil
	}

	outcome, err := e.resolver.Resolve(&conflict.Conflict{
		Local:          local,
		RemotePayload:  ce.RemotePayload,
		RemoteRevision: ce.RemoteRevision,
	})
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrInternal, "resolve conflict", err)
	}
	if err := e.store.AppendAudit(ctx, outcome.Audit); err != nil {
		return false, err
	}

	if outcome.Winner == conflict.WinnerRemote {
		removed, err := e.log.MarkSucceeded(ctx, m.ID, m.Seq)
		if err != nil {
			return false, err
		}
		if !removed {
			// A newer local write superseded this payload mid-flight;
			// let the superseding intent fight its own conflict. The
			// entity follows the still-queued mutation, not this one.
			if err := e.store.SetSyncState(ctx, m.EntityType, m.EntityID, models.SyncStatePending); err != nil {
				return false, err
			}
			return false, nil
		}
		if err := e.store.ApplyRemote(ctx, models.OpUpdate, outcome.Remote); err != nil {
			return false, err
		}
		return true, nil
	}

	// Local wins: keep the local state, retarget the mutation at the
	// revision that beat it so the next attempt is accepted.
	if err := e.log.Rebase(ctx, m.ID, ce.RemoteRevision); err != nil {
		return false, err
	}
	if err := e.store.SetSyncState(ctx, m.EntityType, m.EntityID, models.SyncStatePending); err != nil {
		return false, err
	}
	return false, nil
}

// Reconcile opens the family change stream at the persisted cursor and
// applies changes until the stream fails or ctx is cancelled. The
// cursor advances only after each change is durably applied, so a crash
// mid-stream replays from the last applied change; applying a change
// twice is a no-op because writes carry exact remote revisions.
func (e *Engine) Reconcile(ctx context.Context) error {
	cursor, err := e.store.Cursor(ctx, e.familyID)
	if err != nil {
		return err
	}
	stream, err := e.gateway.Subscribe(ctx, e.familyID, cursor)
	if err != nil {
		return err
	}
	defer stream.Close()

	logging.Info("Change stream open",
		map[string]interface{}{"family_id": e.familyID, "cursor": cursor})

	for {
		change, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := e.applyRemoteChange(ctx, change); err != nil {
			return err
		}
		if change.Cursor != "" {
			if err := e.store.AdvanceCursor(ctx, e.familyID, change.Cursor); err != nil {
				return err
			}
		}
	}
}

// applyRemoteChange folds one hub change into local state. A change
// for an entity with a pending local mutation is a concurrent edit and
// goes through the resolver; anything else applies directly.
func (e *Engine) applyRemoteChange(ctx context.Context, ch *RemoteChange) error {
	pending, err := e.log.PendingFor(ctx, ch.EntityType, ch.EntityID)
	if err != nil {
		return err
	}

	var local *models.Entity
	if pending != nil {
		local, err = models.EntityFromSnapshot(pending.Payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "decode mutation snapshot", err)
		}
	}
	if !e.resolver.DetectRemote(local, pending != nil) {
		return e.store.ApplyRemote(ctx, ch.Op, e.entityFromChange(ch))
	}

	if err := e.store.SetSyncState(ctx, ch.EntityType, ch.EntityID, models.SyncStateConflicted); err != nil {
		return err
	}

	// A remote delete carries no payload to diff against; compare
	// timestamps directly.
	if ch.Op == models.OpDelete {
		return e.resolveRemoteDelete(ctx, ch, pending, local)
	}

	outcome, err := e.resolver.Resolve(&conflict.Conflict{
		Local:          local,
		RemotePayload:  ch.Payload,
		RemoteRevision: ch.Revision,
		RemoteUpdated:  ch.UpdatedAt,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "resolve conflict", err)
	}
	if err := e.store.AppendAudit(ctx, outcome.Audit); err != nil {
		return err
	}

	if outcome.Winner == conflict.WinnerRemote {
		removed, err := e.log.MarkSucceeded(ctx, pending.ID, pending.Seq)
		if err != nil {
			return err
		}
		if !removed {
			// Superseded mid-stream; the newer local write is still queued.
			return e.store.SetSyncState(ctx, ch.EntityType, ch.EntityID, models.SyncStatePending)
		}
		return e.store.ApplyRemote(ctx, ch.Op, outcome.Remote)
	}

	if err := e.log.Rebase(ctx, pending.ID, ch.Revision); err != nil {
		return err
	}
	return e.store.SetSyncState(ctx, ch.EntityType, ch.EntityID, models.SyncStatePending)
}

func (e *Engine) resolveRemoteDelete(ctx context.Context, ch *RemoteChange, pending *models.Mutation, local *models.Entity) error {
	remoteWins := ch.UpdatedAt >= local.UpdatedAt

	audit := &models.ConflictAudit{
		EntityID:        ch.EntityID,
		EntityType:      ch.EntityType,
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: ch.UpdatedAt,
		DetectedAt:      time.Now().UnixMilli(),
	}
	if remoteWins {
		audit.Resolution = models.ResolutionRemoteWins
		snapshot, err := local.Snapshot()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "serialize snapshot", err)
		}
		audit.LosingPayload = snapshot
	} else {
		audit.Resolution = models.ResolutionLocalWins
		audit.LosingPayload = json.RawMessage(`{"deleted":true}`)
	}
	if err := e.store.AppendAudit(ctx, audit); err != nil {
		return err
	}

	if remoteWins {
		removed, err := e.log.MarkSucceeded(ctx, pending.ID, pending.Seq)
		if err != nil {
			return err
		}
		if !removed {
			// Superseded mid-stream; the newer local write is still queued.
			return e.store.SetSyncState(ctx, ch.EntityType, ch.EntityID, models.SyncStatePending)
		}
		return e.store.ApplyRemote(ctx, models.OpDelete, e.entityFromChange(ch))
	}

	// The local edit outlives the remote delete: it goes back to the
	// hub as a re-create of the entity.
	if err := e.log.Rebase(ctx, pending.ID, ch.Revision); err != nil {
		return err
	}
	return e.store.SetSyncState(ctx, ch.EntityType, ch.EntityID, models.SyncStatePending)
}

func (e *Engine) entityFromChange(ch *RemoteChange) *models.Entity {
	ent := &models.Entity{
		ID:        ch.EntityID,
		Type:      ch.EntityType,
		FamilyID:  ch.FamilyID,
		Revision:  ch.Revision,
		UpdatedAt: ch.UpdatedAt,
		Payload:   ch.Payload,
	}
	if len(ch.Payload) > 0 {
		if decoded, err := models.EntityFromSnapshot(ch.Payload); err == nil {
			if decoded.FamilyID != "" {
				ent.FamilyID = decoded.FamilyID
			}
			if decoded.UpdatedAt > 0 && ent.UpdatedAt == 0 {
				ent.UpdatedAt = decoded.UpdatedAt
			}
			ent.Payload = decoded.Payload
		}
	}
	return ent
}

func (e *Engine) finish(drained int, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSyncAt = time.Now()
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	if drained > 0 {
		logging.Info("Drain pass complete",
			map[string]interface{}{"drained": drained})
	}
	return err
}

func isConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
