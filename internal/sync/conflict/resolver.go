// Package conflict resolves concurrent edits between this device and
// the family hub using "last write wins".
package conflict

import (
	"encoding/json"
	"time"

	"github.com/kimhsiao/famrx/backend/internal/logging"
	"github.com/kimhsiao/famrx/backend/internal/models"
)

// Winner identifies which side of a conflict prevailed.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Conflict is a detected concurrent edit: a local version the remote
// has not accepted, and the remote's current version of the same
// entity.
type Conflict struct {
	Local          *models.Entity
	RemotePayload  json.RawMessage
	RemoteRevision int64
	RemoteUpdated  int64
	DetectedAt     int64
}

// Outcome is the result of resolving a conflict. The losing version is
// never silently dropped: Audit preserves it for user review.
type Outcome struct {
	Winner Winner
	// Remote is the decoded remote entity, set regardless of winner so
	// callers can apply it (remote wins) or rebase against its
	// revision (local wins).
	Remote *models.Entity
	Audit  *models.ConflictAudit
}

// Resolver applies last-write-wins over entity timestamps.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve decides a conflict by comparing UpdatedAt timestamps. The
// newer version wins; on an exact tie the remote version wins, so
// every device converges to the same state without coordination.
func (r *Resolver) Resolve(c *Conflict) (*Outcome, error) {
	if c.Local == nil {
		return nil, ErrInvalidConflict
	}

	remote, err := models.EntityFromSnapshot(c.RemotePayload)
	if err != nil {
		return nil, err
	}
	remote.ID = c.Local.ID
	remote.Type = c.Local.Type
	remote.Revision = c.RemoteRevision
	if c.RemoteUpdated > 0 {
		remote.UpdatedAt = c.RemoteUpdated
	}

	detectedAt := c.DetectedAt
	if detectedAt == 0 {
		detectedAt = time.Now().UnixMilli()
	}

	winner := WinnerRemote
	resolution := models.ResolutionRemoteWins
	losing := c.Local
	if c.Local.UpdatedAt > remote.UpdatedAt {
		winner = WinnerLocal
		resolution = models.ResolutionLocalWins
		losing = remote
	}

	losingPayload, err := losing.Snapshot()
	if err != nil {
		return nil, err
	}

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"entity_id":         c.Local.ID,
			"entity_type":       c.Local.Type,
			"winner_side":       winner,
			"local_updated_at":  c.Local.UpdatedAt,
			"remote_updated_at": remote.UpdatedAt,
			"remote_revision":   remote.Revision,
		})

	return &Outcome{
		Winner: winner,
		Remote: remote,
		Audit: &models.ConflictAudit{
			EntityID:        c.Local.ID,
			EntityType:      c.Local.Type,
			LosingPayload:   losingPayload,
			LocalUpdatedAt:  c.Local.UpdatedAt,
			RemoteUpdatedAt: remote.UpdatedAt,
			Resolution:      resolution,
			DetectedAt:      detectedAt,
		},
	}, nil
}

// DetectRemote reports whether an incoming remote change conflicts
// with unsynced local state. A remote change only conflicts when the
// local entity still has a pending mutation; otherwise the remote
// version is simply newer and applies directly.
func (r *Resolver) DetectRemote(local *models.Entity, hasPending bool) bool {
	if local == nil || !hasPending {
		return false
	}
	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"entity_id":      local.ID,
			"entity_type":    local.Type,
			"local_revision": local.Revision,
		})
	return true
}

// ErrInvalidConflict reports a conflict missing its local version.
var ErrInvalidConflict = &Error{Message: "invalid conflict: local entity must be non-nil"}

// Error represents a conflict resolution error.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
