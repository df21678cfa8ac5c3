// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl runs the periodic expiry sweep of the session store.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sweeper removes expired entries and reports how many it removed.
// *session.Store satisfies it.
type Sweeper interface {
	SweepExpired() int
}

// =============================================================================
// TTL Scheduler Implementation
// =============================================================================

// SchedulerConfig holds configuration for the TTL sweep scheduler.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 10 minutes.
type SchedulerConfig struct {
	Interval time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 10 * time.Minute}
}

// Scheduler periodically calls SweepExpired on a Sweeper.
//
// # Description
//
// Manages the lifecycle of a background goroutine using the ticker + done
// channel pattern. A sweep also runs once immediately on Start.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	sweeper Sweeper
	config  SchedulerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a scheduler for sweeper. A nil logger uses
// slog.Default().
func NewScheduler(sweeper Sweeper, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: sweeper, config: config, logger: logger}
}

// Start begins the background sweep loop.
//
// # Inputs
//
//   - ctx: When cancelled, the loop stops.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("session TTL scheduler starting", "interval", s.config.Interval.String())
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to exit and waits for it. Safe to call multiple
// times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("session TTL scheduler stopped")
}

// RunNow sweeps immediately and returns the number of removed entries.
func (s *Scheduler) RunNow() int {
	return s.sweep()
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() int {
	n := s.sweeper.SweepExpired()
	if n > 0 {
		s.logger.Info("expired sessions swept", "removed", n)
	} else {
		s.logger.Debug("TTL sweep found no expired sessions")
	}
	return n
}
