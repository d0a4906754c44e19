// Package connectivity exposes the host environment's network
// availability hint. The hint is untrusted: a write attempt may still
// fail while the monitor reports online, so the scheduler treats it
// only as permission to try, never as a guarantee.
package connectivity

import "sync"

// Monitor is the injectable connectivity capability. The host platform
// layer calls Set from its reachability callbacks; the scheduler reads
// Online and subscribes to transitions.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   []chan bool
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online returns the current hint.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set updates the hint and notifies subscribers on a transition.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	// Copy before unlocking: cancel shifts the slice in place, so the
	// shared backing array must not be walked outside the lock.
	subs := append([]chan bool(nil), m.subs...)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, ch := range subs {
		// Non-blocking: a slow subscriber misses intermediate flaps but
		// always observes the latest state via Online().
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel receiving state transitions and a cancel
// function that releases it.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}
