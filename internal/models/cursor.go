// Package models provides data model definitions for the FamRx sync core.
package models

import "time"

// SyncCursor is the per-family watermark into the remote change stream.
// It is advanced only after a remote change has been fully applied to
// the local store, so a crash mid-reconciliation replays from the last
// durable position.
type SyncCursor struct {
	FamilyID  UUID   `db:"family_id" json:"family_id"`
	Cursor    string `db:"cursor" json:"cursor"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (c *SyncCursor) UpdatedAtTime() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}
