// Package scheduler owns when sync work happens: periodic drains,
// opportunistic drains after local writes, and keeping the change
// stream open while the device is online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/famrx/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/famrx/backend/internal/errors"
	"github.com/kimhsiao/famrx/backend/internal/logging"
	syncpkg "github.com/kimhsiao/famrx/backend/internal/sync"
)

// State is the scheduler's externally visible mode.
type State string

const (
	// StateIdle means online with nothing in flight.
	StateIdle State = "idle"
	// StateDraining means a mutation-log drain pass is running.
	StateDraining State = "draining"
	// StateReconciling means the change stream is open and applying.
	StateReconciling State = "reconciling"
	// StateSuspended means the device is offline; local writes queue up
	// and no network attempts are made.
	StateSuspended State = "suspended"
)

// Config holds scheduler timing knobs.
type Config struct {
	// SyncInterval is the periodic drain cadence while online.
	SyncInterval time.Duration
	// DrainTimeout bounds one drain pass.
	DrainTimeout time.Duration
	// StreamRetryBase is the initial delay before reopening a dropped
	// change stream; it doubles up to StreamRetryMax.
	StreamRetryBase time.Duration
	StreamRetryMax  time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    5 * time.Minute,
		DrainTimeout:    5 * time.Minute,
		StreamRetryBase: 2 * time.Second,
		StreamRetryMax:  time.Minute,
	}
}

// Scheduler runs the sync engine in the background. It never performs
// data operations itself; it only decides when Drain and Reconcile
// run, driven by a ticker, local write signals, manual triggers, and
// connectivity transitions.
type Scheduler struct {
	engine  *syncpkg.Engine
	monitor *connectivity.Monitor
	// writeSignal receives after every committed local write.
	writeSignal <-chan struct{}
	cfg         Config

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	drainInProgress bool
	reconciling     bool
	lastDrainAt     time.Time
}

// New creates a Scheduler.
func New(engine *syncpkg.Engine, monitor *connectivity.Monitor, writeSignal <-chan struct{}, cfg Config) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if cfg.StreamRetryBase <= 0 {
		cfg.StreamRetryBase = DefaultConfig().StreamRetryBase
	}
	if cfg.StreamRetryMax <= 0 {
		cfg.StreamRetryMax = DefaultConfig().StreamRetryMax
	}
	return &Scheduler{
		engine:      engine,
		monitor:     monitor,
		writeSignal: writeSignal,
		cfg:         cfg,
		triggerCh:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background loops. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.reconcileLoop(ctx)

	logging.Info("Sync scheduler started",
		map[string]interface{}{"interval": s.cfg.SyncInterval.String()})
}

// Stop shuts the loops down and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// State reports the scheduler's current mode.
func (s *Scheduler) State() State {
	if !s.monitor.Online() {
		return StateSuspended
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.drainInProgress:
		return StateDraining
	case s.reconciling:
		return StateReconciling
	default:
		return StateIdle
	}
}

// TriggerSync requests a drain pass without blocking. Requests made
// while a pass is pending coalesce into one.
func (s *Scheduler) TriggerSync() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// SyncNow runs one drain pass synchronously and returns its outcome.
// Returns SYNC_SUSPENDED while offline.
func (s *Scheduler) SyncNow(ctx context.Context) (int, error) {
	if !s.monitor.Online() {
		return 0, apperrors.New(apperrors.ErrSyncSuspended, "device is offline")
	}
	return s.runDrain(ctx)
}

// LastDrainAt returns when the last drain pass finished.
func (s *Scheduler) LastDrainAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDrainAt
}

// drainLoop waits for a reason to drain: the periodic ticker, a local
// write, a manual trigger, or connectivity coming back.
func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	connCh, cancel := s.monitor.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.writeSignal:
		case <-s.triggerCh:
		case online := <-connCh:
			if !online {
				logging.Info("Sync suspended, device offline", nil)
				continue
			}
			logging.Info("Connectivity restored, draining queued mutations", nil)
		}

		if !s.monitor.Online() {
			continue
		}
		if _, err := s.runDrain(ctx); err != nil && ctx.Err() == nil {
			logging.ErrorWithCode("Drain pass failed", string(apperrors.CodeOf(err)), err, nil)
		}
	}
}

func (s *Scheduler) runDrain(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.drainInProgress {
		s.mu.Unlock()
		return 0, nil
	}
	s.drainInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.drainInProgress = false
		s.lastDrainAt = time.Now()
		s.mu.Unlock()
	}()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	return s.engine.Drain(drainCtx)
}

// reconcileLoop keeps the change stream open while online. A dropped
// stream reopens with doubling delay; going offline parks the loop
// until connectivity returns. The engine resumes from its persisted
// cursor on every reopen, so nothing is lost across drops.
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	connCh, cancel := s.monitor.Subscribe()
	defer cancel()

	delay := s.cfg.StreamRetryBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if !s.monitor.Online() {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-connCh:
				continue
			}
		}

		streamCtx, cancelStream := context.WithCancel(ctx)
		go func() {
			select {
			case <-s.stopCh:
				cancelStream()
			case <-streamCtx.Done():
			}
		}()

		s.setReconciling(true)
		started := time.Now()
		err := s.engine.Reconcile(streamCtx)
		s.setReconciling(false)
		cancelStream()

		if ctx.Err() != nil {
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}

		// A stream that lived a while earned a fresh retry budget.
		if time.Since(started) > delay {
			delay = s.cfg.StreamRetryBase
		}
		if err != nil && s.monitor.Online() {
			logging.Warn("Change stream dropped",
				map[string]interface{}{
					"error":       err.Error(),
					"retry_after": delay.String(),
				})
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > s.cfg.StreamRetryMax {
			delay = s.cfg.StreamRetryMax
		}
	}
}

func (s *Scheduler) setReconciling(v bool) {
	s.mu.Lock()
	s.reconciling = v
	s.mu.Unlock()
}
