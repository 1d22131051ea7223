package leadership

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeLeader struct {
	leader atomic.Bool
	ch     chan bool
}

func newFakeLeader(initial bool) *fakeLeader {
	f := &fakeLeader{ch: make(chan bool, 1)}
	f.leader.Store(initial)
	return f
}

func (f *fakeLeader) IsLeader() bool        { return f.leader.Load() }
func (f *fakeLeader) LeaderCh() <-chan bool { return f.ch }

func (f *fakeLeader) set(v bool) {
	f.leader.Store(v)
	f.ch <- v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateFollowsLeadership(t *testing.T) {
	leader := newFakeLeader(false)
	gate := NewGate(leader, zerolog.Nop())

	var running atomic.Int32
	var starts atomic.Int32
	gate.Add("worker", func(ctx context.Context) error {
		starts.Add(1)
		running.Add(1)
		defer running.Add(-1)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gate.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if running.Load() != 0 {
		t.Fatal("worker ran without leadership")
	}

	leader.set(true)
	waitFor(t, "worker start", func() bool { return running.Load() == 1 })
	if !gate.IsLeader() {
		t.Error("IsLeader() = false while leading")
	}

	leader.set(false)
	waitFor(t, "worker stop", func() bool { return running.Load() == 0 })

	leader.set(true)
	waitFor(t, "worker restart", func() bool { return starts.Load() == 2 && running.Load() == 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if running.Load() != 0 {
		t.Error("worker still running after Run returned")
	}
}

func TestGateAlwaysLeads(t *testing.T) {
	gate := NewGate(Always{}, zerolog.Nop())
	started := make(chan struct{})
	gate.Add("worker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = gate.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker not started for single-instance deployment")
	}
}

func TestNewElectionFailsWithoutRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"

	if _, err := NewElection(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error when Redis is unreachable")
	}
}

func TestElectionConfigDefaults(t *testing.T) {
	cfg := ElectionConfig{}.withDefaults()
	if cfg.ElectionKey != defaultElectionKey || cfg.LeaseDuration != defaultLeaseDuration {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.InstanceID == "" {
		t.Error("expected generated instance id")
	}
	if cfg.RenewalInterval >= cfg.LeaseDuration {
		t.Error("renewal must happen before the lease expires")
	}
}
