// Package models provides data model definitions for the FamRx sync core.
package models

import (
	"encoding/json"
	"time"
)

// Resolution records which side of a conflict won.
type Resolution string

const (
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionLocalWins  Resolution = "local_wins"
)

// ConflictAudit preserves the losing version of a resolved conflict so
// an overwritten change is never silently invisible to the user.
type ConflictAudit struct {
	ID              UUID            `db:"id" json:"id"`
	EntityID        UUID            `db:"entity_id" json:"entity_id"`
	EntityType      EntityType      `db:"entity_type" json:"entity_type"`
	LosingPayload   json.RawMessage `db:"losing_payload" json:"losing_payload"`
	LocalUpdatedAt  int64           `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt int64           `db:"remote_updated_at" json:"remote_updated_at"`
	Resolution      Resolution      `db:"resolution" json:"resolution"`
	DetectedAt      int64           `db:"detected_at" json:"detected_at"`
	Acknowledged    bool            `db:"acknowledged" json:"acknowledged"`
}

// TableName returns the table name for ConflictAudit.
func (ConflictAudit) TableName() string {
	return "conflict_audit"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (a *ConflictAudit) DetectedAtTime() time.Time {
	return time.UnixMilli(a.DetectedAt)
}
