/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package leadership

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Leader reports leadership and its changes.
type Leader interface {
	IsLeader() bool
	LeaderCh() <-chan bool
}

// Always is a Leader for single-instance deployments.
type Always struct{}

func (Always) IsLeader() bool        { return true }
func (Always) LeaderCh() <-chan bool { return nil }

// Gate runs a set of workers only while this instance leads.
type Gate struct {
	leader  Leader
	workers map[string]func(context.Context) error
	logger  zerolog.Logger
}

// NewGate creates a gate over leader.
func NewGate(leader Leader, logger zerolog.Logger) *Gate {
	return &Gate{
		leader:  leader,
		workers: make(map[string]func(context.Context) error),
		logger:  logger.With().Str("component", "leader_gate").Logger(),
	}
}

// Add registers a worker. Workers must return when their context ends.
func (g *Gate) Add(name string, fn func(context.Context) error) {
	g.workers[name] = fn
}

// IsLeader reports whether workers are currently allowed to run.
func (g *Gate) IsLeader() bool {
	return g.leader.IsLeader()
}

// Run starts workers on gaining leadership and stops them on losing it, until ctx ends.
func (g *Gate) Run(ctx context.Context) error {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	start := func() {
		if cancel != nil {
			return
		}
		var runCtx context.Context
		runCtx, cancel = context.WithCancel(ctx)
		for name, fn := range g.workers {
			wg.Add(1)
			go func(name string, fn func(context.Context) error) {
				defer wg.Done()
				if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					g.logger.Error().Err(err).Str("worker", name).Msg("worker stopped with error")
				}
			}(name, fn)
		}
		g.logger.Info().Int("workers", len(g.workers)).Msg("leader workers started")
	}
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		wg.Wait()
		cancel = nil
		g.logger.Warn().Msg("leader workers stopped")
	}
	defer stop()

	if g.leader.IsLeader() {
		start()
	}
	changes := g.leader.LeaderCh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case isLeader := <-changes:
			if isLeader {
				start()
			} else {
				stop()
			}
		}
	}
}
