// Package models provides data model definitions for the FamRx sync core.
package models

import (
	"encoding/json"
	"time"
)

// Op is the kind of change a mutation records.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// MutationStatus is the lifecycle state of a mutation log entry.
type MutationStatus string

const (
	// MutationStatusPending entries are eligible for the next drain.
	MutationStatusPending MutationStatus = "pending"
	// MutationStatusDead entries exhausted their retry budget and wait
	// for a manual retry. They are never deleted automatically.
	MutationStatusDead MutationStatus = "dead"
)

// Mutation is a durable record of intent-to-sync: one local write that
// has not yet been confirmed by the remote store. The ID is a ULID, so
// lexicographic order is creation order; the Payload is always the full
// post-mutation entity snapshot, which is what makes log compaction
// safe (a later snapshot subsumes an earlier one).
type Mutation struct {
	ID            string          `db:"id" json:"id"`
	EntityID      UUID            `db:"entity_id" json:"entity_id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	Op            Op              `db:"op" json:"op"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	BaseRevision  int64           `db:"base_revision" json:"base_revision"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	AttemptCount  int             `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	Status        MutationStatus  `db:"status" json:"status"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`

	// Seq is bumped every time a newer local write supersedes this
	// entry's payload, guarding against an in-flight attempt confirming
	// a snapshot it never transmitted.
	Seq int64 `db:"seq" json:"-"`
}

// TableName returns the table name for Mutation.
func (Mutation) TableName() string {
	return "mutations"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (m *Mutation) CreatedAtTime() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Ready reports whether the mutation is eligible for a sync attempt at
// the given time.
func (m *Mutation) Ready(now time.Time) bool {
	return m.Status == MutationStatusPending && m.NextAttemptAt <= now.UnixMilli()
}
