package store

import (
	"context"
	"sync"

	"github.com/kimhsiao/famrx/backend/internal/logging"
	"github.com/kimhsiao/famrx/backend/internal/models"
)

// observerHub fans committed changes out to UI-facing observers. Each
// observer holds a finite query (entity type + predicate) that is
// re-executed after every commit touching that type; the channel always
// carries the latest full result set, coalescing bursts.
type observerHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*observation
}

type observation struct {
	entityType models.EntityType
	pred       Predicate
	ch         chan []models.Entity
}

func newObserverHub() *observerHub {
	return &observerHub{subs: make(map[int]*observation)}
}

// Observe registers a live query. The current results are delivered
// immediately, then again after every committed change to the entity
// type. The returned cancel func releases the subscription and closes
// the channel.
func (s *Store) Observe(entityType models.EntityType, pred Predicate) (<-chan []models.Entity, func()) {
	obs := &observation{
		entityType: entityType,
		pred:       pred,
		ch:         make(chan []models.Entity, 1),
	}

	s.observers.mu.Lock()
	s.observers.nextID++
	id := s.observers.nextID
	s.observers.subs[id] = obs
	s.observers.mu.Unlock()

	// Initial snapshot so the UI renders without waiting for a write.
	go s.publish(obs)

	cancel := func() {
		s.observers.mu.Lock()
		defer s.observers.mu.Unlock()
		if o, ok := s.observers.subs[id]; ok {
			delete(s.observers.subs, id)
			close(o.ch)
		}
	}
	return obs.ch, cancel
}

// notifyObservers re-runs every observation watching the given type.
func (s *Store) notifyObservers(entityType models.EntityType) {
	s.observers.mu.Lock()
	var matched []*observation
	for _, obs := range s.observers.subs {
		if obs.entityType == entityType {
			matched = append(matched, obs)
		}
	}
	s.observers.mu.Unlock()

	for _, obs := range matched {
		go s.publish(obs)
	}
}

func (s *Store) publish(obs *observation) {
	results, err := s.Query(context.Background(), obs.entityType, obs.pred)
	if err != nil {
		logging.Error("Observer query failed", err,
			map[string]interface{}{"entity_type": obs.entityType})
		return
	}

	s.observers.mu.Lock()
	defer s.observers.mu.Unlock()
	// The subscription may have been cancelled while we queried.
	for _, live := range s.observers.subs {
		if live == obs {
			// Coalesce: drop the stale pending result, keep the newest.
			select {
			case <-obs.ch:
			default:
			}
			obs.ch <- results
			return
		}
	}
}
