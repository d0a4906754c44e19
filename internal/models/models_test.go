// Package models provides unit tests for the core data models.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// TestEntityTypeIsValid verifies the known entity types.
func TestEntityTypeIsValid(t *testing.T) {
	valid := []EntityType{
		EntityTypeMedication,
		EntityTypeAssignment,
		EntityTypeParent,
		EntityTypeFamily,
	}
	for _, et := range valid {
		if !et.IsValid() {
			t.Errorf("Expected %s to be valid", et)
		}
	}

	if EntityType("grocery").IsValid() {
		t.Error("Expected unknown entity type to be invalid")
	}
	if EntityType("").IsValid() {
		t.Error("Expected empty entity type to be invalid")
	}
}

// TestEntityTouch verifies Touch bumps the revision and timestamp.
func TestEntityTouch(t *testing.T) {
	e := &Entity{
		ID:       "e1",
		Type:     EntityTypeMedication,
		Revision: 3,
	}

	before := time.Now().UnixMilli()
	e.Touch()

	if e.Revision != 4 {
		t.Errorf("Expected revision 4, got %d", e.Revision)
	}
	if e.UpdatedAt < before {
		t.Errorf("Expected UpdatedAt >= %d, got %d", before, e.UpdatedAt)
	}
}

// TestEntitySnapshotRoundTrip verifies the snapshot encoding carries
// everything except the local-only sync state.
func TestEntitySnapshotRoundTrip(t *testing.T) {
	payload, _ := json.Marshal(Medication{Name: "Amoxicillin", Dosage: "250mg"})
	e := &Entity{
		ID:        "med-1",
		Type:      EntityTypeMedication,
		FamilyID:  "fam-1",
		Revision:  7,
		UpdatedAt: 1700000000000,
		SyncState: SyncStatePending,
		Payload:   payload,
	}

	snapshot, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	decoded, err := EntityFromSnapshot(snapshot)
	if err != nil {
		t.Fatalf("EntityFromSnapshot failed: %v", err)
	}

	if decoded.ID != e.ID || decoded.Type != e.Type || decoded.FamilyID != e.FamilyID {
		t.Errorf("Identity fields lost in round trip: %+v", decoded)
	}
	if decoded.Revision != 7 || decoded.UpdatedAt != 1700000000000 {
		t.Errorf("Version fields lost in round trip: %+v", decoded)
	}
	if decoded.SyncState != "" {
		t.Errorf("SyncState must not cross the wire, got %q", decoded.SyncState)
	}

	var med Medication
	if err := json.Unmarshal(decoded.Payload, &med); err != nil {
		t.Fatalf("Payload lost in round trip: %v", err)
	}
	if med.Name != "Amoxicillin" {
		t.Errorf("Expected payload name Amoxicillin, got %s", med.Name)
	}
}

// TestMutationReady verifies attempt eligibility.
func TestMutationReady(t *testing.T) {
	now := time.Now()

	m := &Mutation{Status: MutationStatusPending, NextAttemptAt: now.UnixMilli() - 1000}
	if !m.Ready(now) {
		t.Error("Expected past-scheduled pending mutation to be ready")
	}

	m.NextAttemptAt = now.UnixMilli() + 60000
	if m.Ready(now) {
		t.Error("Expected future-scheduled mutation to not be ready")
	}

	m.NextAttemptAt = 0
	m.Status = MutationStatusDead
	if m.Ready(now) {
		t.Error("Expected dead-lettered mutation to not be ready")
	}
}

// TestUUIDScan verifies UUID database round trip.
func TestUUIDScan(t *testing.T) {
	var u UUID
	if err := u.Scan("abc-123"); err != nil {
		t.Fatalf("Scan string failed: %v", err)
	}
	if u != "abc-123" {
		t.Errorf("Expected abc-123, got %s", u)
	}

	if err := u.Scan([]byte("def-456")); err != nil {
		t.Fatalf("Scan bytes failed: %v", err)
	}
	if u != "def-456" {
		t.Errorf("Expected def-456, got %s", u)
	}

	v, err := u.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if v != "def-456" {
		t.Errorf("Expected def-456, got %v", v)
	}
}
