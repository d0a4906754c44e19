package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/famrx/backend/internal/db"
	apperrors "github.com/kimhsiao/famrx/backend/internal/errors"
	"github.com/kimhsiao/famrx/backend/internal/models"
	"github.com/kimhsiao/famrx/backend/internal/sync/queue"
	"github.com/kimhsiao/famrx/backend/internal/uuid"
)

const testFamily = models.UUID("6f1b8a0e-4f6d-4c2e-9f23-74d1c0a9b001")

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	log := queue.NewLog(database.DB, queue.DefaultConfig())
	return NewStore(database, log)
}

func newMedication(name string) *models.Entity {
	payload, _ := json.Marshal(models.Medication{Name: name, Dosage: "250mg"})
	return &models.Entity{
		Type:     models.EntityTypeMedication,
		FamilyID: testFamily,
		Payload:  payload,
	}
}

func TestPut_Create(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// ACT: first write of a new entity
	med := newMedication("Amoxicillin")
	err := s.Put(ctx, med)

	// ASSERT: durable, visible, and queued for sync in one step
	require.NoError(t, err)
	assert.NotEmpty(t, med.ID, "ID should be generated on the device")
	assert.Equal(t, int64(1), med.Revision, "First local write starts at revision 1")
	assert.Equal(t, models.SyncStatePending, med.SyncState)

	got, err := s.Get(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	assert.Equal(t, med.ID, got.ID)
	assert.Equal(t, models.SyncStatePending, got.SyncState)

	pending, err := s.log.PendingFor(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	require.NotNil(t, pending, "The write must carry an intent-to-sync")
	assert.Equal(t, models.OpCreate, pending.Op)
	assert.Equal(t, int64(0), pending.BaseRevision, "An offline create has no remote base")
}

func TestPut_UpdateCompactsQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	med := newMedication("Amoxicillin")
	require.NoError(t, s.Put(ctx, med))

	// ACT: two more edits before any sync happens
	med.Payload, _ = json.Marshal(models.Medication{Name: "Amoxicillin", Dosage: "500mg"})
	require.NoError(t, s.Put(ctx, med))
	med.Payload, _ = json.Marshal(models.Medication{Name: "Amoxicillin", Dosage: "750mg"})
	require.NoError(t, s.Put(ctx, med))

	// ASSERT: revision advanced locally but only one mutation is queued
	assert.Equal(t, int64(3), med.Revision)

	pending, err := s.log.PendingFor(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, models.OpCreate, pending.Op, "Unsynced create stays a create")
	assert.Equal(t, int64(0), pending.BaseRevision)

	snapshot, err := models.EntityFromSnapshot(pending.Payload)
	require.NoError(t, err)
	var m models.Medication
	require.NoError(t, json.Unmarshal(snapshot.Payload, &m))
	assert.Equal(t, "750mg", m.Dosage, "The queued snapshot must be the latest state")
}

func TestPut_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Put(ctx, &models.Entity{Type: "grocery", FamilyID: testFamily})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	err = s.Put(ctx, &models.Entity{Type: models.EntityTypeMedication})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), models.EntityTypeMedication, models.UUID(uuid.New()))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestDelete_Tombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	med := newMedication("Amoxicillin")
	require.NoError(t, s.Put(ctx, med))
	// Pretend the create synced so the delete must travel to the hub.
	pending, err := s.log.PendingFor(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	_, err = s.log.MarkSucceeded(ctx, pending.ID, pending.Seq)
	require.NoError(t, err)
	require.NoError(t, s.ConfirmSynced(ctx, models.OpCreate, med.Type, med.ID, 1))

	// ACT
	require.NoError(t, s.Delete(ctx, models.EntityTypeMedication, med.ID))

	// ASSERT: gone from reads, delete queued, tombstone retained
	_, err = s.Get(ctx, models.EntityTypeMedication, med.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	pending, err = s.log.PendingFor(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, models.OpDelete, pending.Op)
	assert.Equal(t, int64(1), pending.BaseRevision)

	results, err := s.Query(ctx, models.EntityTypeMedication, Predicate{FamilyID: testFamily})
	require.NoError(t, err)
	assert.Empty(t, results, "Tombstoned entities never appear in queries")
}

func TestDelete_CancelsUnsyncedCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	med := newMedication("Amoxicillin")
	require.NoError(t, s.Put(ctx, med))

	// ACT: delete before the create ever reached the hub
	require.NoError(t, s.Delete(ctx, models.EntityTypeMedication, med.ID))

	// ASSERT: nothing remains, locally or in the queue
	pending, err := s.log.PendingFor(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	assert.Nil(t, pending, "Create plus delete while offline cancels out")

	_, err = s.Get(ctx, models.EntityTypeMedication, med.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestQuery_FamilyScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mine := newMedication("Amoxicillin")
	require.NoError(t, s.Put(ctx, mine))

	other := newMedication("Ibuprofen")
	other.FamilyID = models.UUID(uuid.New())
	require.NoError(t, s.Put(ctx, other))

	results, err := s.Query(ctx, models.EntityTypeMedication, Predicate{FamilyID: testFamily})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, mine.ID, results[0].ID)

	// In-memory predicate narrows further.
	results, err = s.Query(ctx, models.EntityTypeMedication, Predicate{
		FamilyID: testFamily,
		Match: func(e *models.Entity) bool {
			var m models.Medication
			return json.Unmarshal(e.Payload, &m) == nil && m.Name == "Nope"
		},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestConfirmSynced_AdoptsRemoteRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	med := newMedication("Amoxicillin")
	require.NoError(t, s.Put(ctx, med))
	pending, err := s.log.PendingFor(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	removed, err := s.log.MarkSucceeded(ctx, pending.ID, pending.Seq)
	require.NoError(t, err)
	require.True(t, removed)

	// ACT: hub acknowledged the write with its own revision
	require.NoError(t, s.ConfirmSynced(ctx, models.OpCreate, med.Type, med.ID, 41))

	got, err := s.Get(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(41), got.Revision)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)
}

func TestConfirmSynced_SkippedWhileNewerWritePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	med := newMedication("Amoxicillin")
	require.NoError(t, s.Put(ctx, med))

	// A mutation is still queued: the confirmation must not flip the
	// entity to synced under the user's newer edit.
	require.NoError(t, s.ConfirmSynced(ctx, models.OpCreate, med.Type, med.ID, 41))

	got, err := s.Get(ctx, models.EntityTypeMedication, med.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, got.SyncState)
	assert.Equal(t, int64(1), got.Revision)
}

func TestApplyRemote_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(models.Medication{Name: "Cetirizine", Dosage: "10mg"})
	remote := &models.Entity{
		ID:        models.UUID(uuid.New()),
		Type:      models.EntityTypeMedication,
		FamilyID:  testFamily,
		Revision:  12,
		UpdatedAt: time.Now().UnixMilli(),
		Payload:   payload,
	}

	// ACT: apply the same remote change twice
	require.NoError(t, s.ApplyRemote(ctx, models.OpCreate, remote))
	require.NoError(t, s.ApplyRemote(ctx, models.OpCreate, remote))

	// ASSERT: converged, no mutation enqueued
	got, err := s.Get(ctx, models.EntityTypeMedication, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Revision)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)

	pending, err := s.log.PendingFor(ctx, models.EntityTypeMedication, remote.ID)
	require.NoError(t, err)
	assert.Nil(t, pending, "Reconciliation writes never re-enqueue")

	// A remote delete removes the row outright.
	require.NoError(t, s.ApplyRemote(ctx, models.OpDelete, remote))
	_, err = s.Get(ctx, models.EntityTypeMedication, remote.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestAuditTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	audit := &models.ConflictAudit{
		EntityID:        models.UUID(uuid.New()),
		EntityType:      models.EntityTypeMedication,
		LosingPayload:   json.RawMessage(`{"name":"Old"}`),
		LocalUpdatedAt:  1000,
		RemoteUpdatedAt: 2000,
		Resolution:      models.ResolutionRemoteWins,
	}
	require.NoError(t, s.AppendAudit(ctx, audit))

	unreviewed, err := s.Audits(ctx, true)
	require.NoError(t, err)
	require.Len(t, unreviewed, 1)
	assert.Equal(t, models.ResolutionRemoteWins, unreviewed[0].Resolution)

	require.NoError(t, s.AcknowledgeAudit(ctx, unreviewed[0].ID))

	unreviewed, err = s.Audits(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, unreviewed)

	all, err := s.Audits(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1, "Acknowledged entries stay in the trail")

	err = s.AcknowledgeAudit(ctx, models.UUID(uuid.New()))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cursor, err := s.Cursor(ctx, testFamily)
	require.NoError(t, err)
	assert.Empty(t, cursor, "A family that never reconciled has no cursor")

	require.NoError(t, s.AdvanceCursor(ctx, testFamily, "c-100"))
	require.NoError(t, s.AdvanceCursor(ctx, testFamily, "c-200"))

	cursor, err = s.Cursor(ctx, testFamily)
	require.NoError(t, err)
	assert.Equal(t, "c-200", cursor)
}

func TestObserve_DeliversSnapshotsAndUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Observe(models.EntityTypeMedication, Predicate{FamilyID: testFamily})
	defer cancel()

	// Initial snapshot arrives without any write.
	select {
	case results := <-ch:
		assert.Empty(t, results)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an initial snapshot")
	}

	require.NoError(t, s.Put(ctx, newMedication("Amoxicillin")))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case results := <-ch:
			if len(results) == 1 {
				assert.Equal(t, models.SyncStatePending, results[0].SyncState)
				return
			}
		case <-deadline:
			t.Fatal("expected the observer to see the committed write")
		}
	}
}

func TestWriteSignal_Coalesces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newMedication("A")))
	require.NoError(t, s.Put(ctx, newMedication("B")))

	select {
	case <-s.WriteSignal():
	default:
		t.Fatal("expected a pending write signal")
	}
	// Burst collapsed into one signal.
	select {
	case <-s.WriteSignal():
		t.Fatal("expected signals to coalesce")
	default:
	}
}
