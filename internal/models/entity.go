// Package models provides data model definitions for the FamRx sync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityType identifies a synchronized domain object kind.
type EntityType string

const (
	EntityTypeMedication EntityType = "medication"
	EntityTypeAssignment EntityType = "assignment"
	EntityTypeParent     EntityType = "parent"
	EntityTypeFamily     EntityType = "family"
)

// IsValid reports whether t is a known entity type.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityTypeMedication, EntityTypeAssignment, EntityTypeParent, EntityTypeFamily:
		return true
	}
	return false
}

// SyncState describes how an entity relates to the remote store.
type SyncState string

const (
	SyncStateSynced     SyncState = "synced"
	SyncStatePending    SyncState = "pending"
	SyncStateConflicted SyncState = "conflicted"
	SyncStateFailed     SyncState = "failed"
)

// Entity is the envelope every synchronized domain object travels in.
// IDs are generated on the device so entities can be created offline;
// Revision is a per-entity monotonic counter used for optimistic
// concurrency against the remote store. UpdatedAt is wall-clock unix
// milliseconds and is used only as a conflict tie-breaker.
type Entity struct {
	ID        UUID            `db:"id" json:"id"`
	Type      EntityType      `db:"entity_type" json:"entity_type"`
	FamilyID  UUID            `db:"family_id" json:"family_id"`
	Revision  int64           `db:"revision" json:"revision"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
	SyncState SyncState       `db:"sync_state" json:"-"`
	Deleted   bool            `db:"deleted" json:"deleted,omitempty"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
}

// TableName returns the table name for Entity.
func (Entity) TableName() string {
	return "entities"
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// Touch stamps the entity with the current wall clock and bumps its
// revision counter.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UnixMilli()
	e.Revision++
}

// Snapshot serializes the full post-mutation state of the entity as it
// is transmitted to the remote store. SyncState is local-only and is
// excluded by its json tag.
func (e *Entity) Snapshot() (json.RawMessage, error) {
	return json.Marshal(e)
}

// EntityFromSnapshot decodes an entity envelope from a wire snapshot.
func EntityFromSnapshot(data json.RawMessage) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Medication is the payload for EntityTypeMedication.
type Medication struct {
	Name      string   `json:"name"`
	Dosage    string   `json:"dosage"`
	Unit      string   `json:"unit,omitempty"`
	Schedule  []string `json:"schedule,omitempty"` // "08:00", "20:00"
	Notes     string   `json:"notes,omitempty"`
	ChildName string   `json:"child_name,omitempty"`
}

// Assignment is the payload for EntityTypeAssignment: which parent
// gives which medication on a given date.
type Assignment struct {
	MedicationID UUID   `json:"medication_id"`
	ParentID     UUID   `json:"parent_id"`
	Date         string `json:"date"` // "2026-08-29"
	Slot         string `json:"slot,omitempty"`
	Status       string `json:"status,omitempty"` // scheduled, given, skipped
}

// Parent is the payload for EntityTypeParent.
type Parent struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"` // owner, caregiver
}

// Family is the payload for EntityTypeFamily.
type Family struct {
	Name       string `json:"name"`
	InviteCode string `json:"invite_code,omitempty"`
}
