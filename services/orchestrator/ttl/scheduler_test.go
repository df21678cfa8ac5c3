// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingSweeper struct {
	calls   atomic.Int32
	removed int
}

func (c *countingSweeper) SweepExpired() int {
	c.calls.Add(1)
	return c.removed
}

func TestScheduler_SweepsOnStartAndTick(t *testing.T) {
	sw := &countingSweeper{removed: 1}
	s := NewScheduler(sw, SchedulerConfig{Interval: 10 * time.Millisecond}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return sw.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	after := sw.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sw.calls.Load(), "no sweeps after Stop returns")
}

func TestScheduler_StartTwice(t *testing.T) {
	s := NewScheduler(&countingSweeper{}, SchedulerConfig{Interval: time.Hour}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_StopIdempotentAndRestart(t *testing.T) {
	sw := &countingSweeper{}
	s := NewScheduler(sw, SchedulerConfig{Interval: time.Hour}, nil)

	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestScheduler_ContextCancelStopsLoop(t *testing.T) {
	sw := &countingSweeper{}
	s := NewScheduler(sw, SchedulerConfig{Interval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx))
	cancel()
	s.Stop()
}

func TestScheduler_RunNow(t *testing.T) {
	sw := &countingSweeper{removed: 4}
	s := NewScheduler(sw, SchedulerConfig{}, nil)
	assert.Equal(t, 4, s.RunNow())
	assert.Equal(t, DefaultSchedulerConfig().Interval, s.config.Interval)
}
