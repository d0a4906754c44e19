// Package sync drives the exchange between the local store and the
// remote hub: draining the mutation log outward and reconciling the
// hub's change stream inward.
package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/famrx/backend/internal/models"
)

// WriteResult is the hub's acknowledgement of an accepted write.
type WriteResult struct {
	NewRevision int64 `json:"new_revision"`
}

// ConflictError reports that the hub rejected a write because the
// entity moved past the expected revision. It carries the hub's
// current version so resolution needs no extra round trip.
type ConflictError struct {
	EntityID       models.UUID
	RemoteRevision int64
	RemotePayload  json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict on %s: entity is at revision %d", e.EntityID, e.RemoteRevision)
}

// RemoteChange is one entry of the hub's ordered per-family change
// stream. Cursor is the resume token valid once this change has been
// applied locally.
type RemoteChange struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   models.UUID       `json:"entity_id"`
	FamilyID   models.UUID       `json:"family_id"`
	Op         models.Op         `json:"op"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Revision   int64             `json:"revision"`
	UpdatedAt  int64             `json:"updated_at"`
	Cursor     string            `json:"cursor"`
}

// ChangeStream delivers remote changes in hub order. Next blocks until
// a change arrives, the stream fails, or ctx is cancelled.
type ChangeStream interface {
	Next(ctx context.Context) (*RemoteChange, error)
	Close() error
}

// Gateway is the transport contract to the remote hub. Writes use
// optimistic concurrency: expectedRevision is the revision the local
// change was based on, zero for a create the hub has never seen.
// Implementations distinguish transport failures (NETWORK_ERROR, will
// be retried) from rejections (*ConflictError, routed to resolution).
type Gateway interface {
	Write(ctx context.Context, e *models.Entity, expectedRevision int64) (*WriteResult, error)
	Delete(ctx context.Context, t models.EntityType, id models.UUID, expectedRevision int64) error
	Subscribe(ctx context.Context, familyID models.UUID, sinceCursor string) (ChangeStream, error)
}
