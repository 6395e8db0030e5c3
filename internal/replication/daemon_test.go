package replication

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	calls atomic.Int64
	err   error
}

func (f *fakeSyncer) Role() Role { return RoleReplica }

func (f *fakeSyncer) Sync(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestDaemonRunOnce(t *testing.T) {
	f := &fakeSyncer{}
	d := NewDaemon(DaemonConfig{}, f)
	require.NoError(t, d.RunOnce(context.Background()))

	f.err = errors.New("share unreachable")
	assert.Error(t, d.RunOnce(context.Background()))

	cycles, failed := d.Stats()
	assert.Equal(t, int64(2), cycles)
	assert.Equal(t, int64(1), failed)
}

func TestDaemonRunOnceCancelled(t *testing.T) {
	f := &fakeSyncer{}
	d := NewDaemon(DefaultDaemonConfig(), f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.RunOnce(ctx), context.Canceled)
	assert.Equal(t, int64(0), f.calls.Load())
}

func TestDaemonStartStop(t *testing.T) {
	f := &fakeSyncer{}
	d := NewDaemon(DaemonConfig{Interval: 10 * time.Millisecond}, f)
	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()), "a running daemon cannot start twice")

	assert.Eventually(t, func() bool { return f.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())

	n := f.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, f.calls.Load())
}

func TestDaemonPrunesOnMaster(t *testing.T) {
	ctx := context.Background()
	m := newTestMaster(t, newShare(t))
	addExtractType(t, m, "field")
	_, err := m.SetCheckpoint(ctx, exportCheckpoint("field"))
	require.NoError(t, err)
	reg, err := m.RegisterReplica(ctx, "field", "alice", "laptop", 10)
	require.NoError(t, err)
	require.NoError(t, m.DropReplica(ctx, reg.ReplicaID))

	d := NewDaemon(DaemonConfig{PruneDead: true}, m)
	require.NoError(t, d.RunOnce(ctx))

	reps, err := m.dd.Replicas(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, reps)
}
