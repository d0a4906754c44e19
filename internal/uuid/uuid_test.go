// Package uuid provides unit tests for UUID generation and validation.
package uuid

import "testing"

func TestNewIsValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("Generated UUID %s is not valid", id)
		}
		if seen[id] {
			t.Fatalf("Generated duplicate UUID %s", id)
		}
		seen[id] = true
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Expected generated UUID to validate: %v", err)
	}
	if err := Validate("not-a-uuid"); err == nil {
		t.Error("Expected validation error for malformed UUID")
	}
	if err := Validate(""); err == nil {
		t.Error("Expected validation error for empty string")
	}
}
