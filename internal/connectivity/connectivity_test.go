// Package connectivity provides unit tests for the online monitor.
package connectivity

import (
	"sync"
	"testing"
	"time"
)

func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor(true)
	if !m.Online() {
		t.Fatal("Expected monitor to start online")
	}

	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(false)
	select {
	case online := <-ch:
		if online {
			t.Error("Expected offline notification")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a notification on transition")
	}
	if m.Online() {
		t.Error("Expected monitor to be offline")
	}

	m.Set(true)
	select {
	case online := <-ch:
		if !online {
			t.Error("Expected online notification")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a notification on transition")
	}
}

func TestMonitorNoNotifyWithoutTransition(t *testing.T) {
	m := NewMonitor(true)
	ch, cancel := m.Subscribe()
	defer cancel()

	// Setting the same state twice is not a transition.
	m.Set(true)
	m.Set(true)

	select {
	case <-ch:
		t.Error("Expected no notification without a state change")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMonitorConcurrentSetAndCancel hammers Set against subscriber
// cancellation; run under the race detector.
func TestMonitorConcurrentSetAndCancel(t *testing.T) {
	m := NewMonitor(false)

	cancels := make([]func(), 100)
	for i := range cancels {
		_, cancels[i] = m.Subscribe()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.Set(i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for _, cancel := range cancels {
			cancel()
		}
	}()
	wg.Wait()

	// The monitor keeps notifying after the churn.
	ch, cancel := m.Subscribe()
	defer cancel()
	m.Set(!m.Online())
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Expected a notification after subscriber churn")
	}
}
