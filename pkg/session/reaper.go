package session

import (
	"context"
	"time"

	"github.com/dturbay/secmgr/internal/logger"
)

// Reaper periodically sweeps idle sessions out of the store.
//
// It runs as a single background goroutine; all per-session work happens in
// Manager.Sweep under per-record locks, so the reaper never blocks request
// handling for unrelated sessions.
//
// Thread Safety: All methods are safe for concurrent use.
type Reaper struct {
	manager  *Manager
	idleTTL  time.Duration
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReaper creates a reaper (not yet started) removing sessions idle
// longer than idleTTL, checked every interval.
func NewReaper(manager *Manager, idleTTL, interval time.Duration) *Reaper {
	return &Reaper{
		manager:  manager,
		idleTTL:  idleTTL,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (r *Reaper) Start() {
	go r.run()

	logger.Info("Session reaper started",
		logger.KeyIdle, r.idleTTL.String(),
		"interval", r.interval.String(),
	)
}

// Stop terminates the sweep loop and waits for an in-flight sweep to
// finish. Safe to call multiple times or on a reaper that was never
// started; a never-started reaper's Stop returns once the stop channel is
// closed.
func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
		// Already stopped
	default:
		close(r.stopCh)
	}
	select {
	case <-r.doneCh:
	case <-time.After(r.interval + time.Second):
	}
}

// run is the sweep loop.
func (r *Reaper) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.manager.Sweep(context.Background(), r.idleTTL)
		case <-r.stopCh:
			return
		}
	}
}
