package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/config"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/replication"
	"github.com/myworld/mywdb/internal/upgrade"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Replication.Interval = time.Hour
	cfg.Sync.GeomEncoding = string(geom.EncodingEWKT)
	return cfg
}

func TestNewCreatesDirectories(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	for _, dir := range []string{cfg.Sync.Root, cfg.Replication.WorkDir, cfg.Replication.TileDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
	opts := a.Options()
	assert.Equal(t, geom.EncodingEWKT, opts.GeomEncoding)
	assert.Equal(t, cfg.Replication.WorkDir, opts.WorkDir)
	assert.Equal(t, int64(100000), opts.ShardSize)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Storage = "ftp"
	_, err := New(cfg)
	assert.Error(t, err)
}

func installedApp(t *testing.T) *App {
	t.Helper()
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	s, err := a.Session(context.Background())
	require.NoError(t, err)
	require.NoError(t, upgrade.InstallCore(context.Background(), s))
	return a
}

func TestEngineRoles(t *testing.T) {
	ctx := context.Background()
	a := installedApp(t)

	m, err := a.Master(ctx)
	require.NoError(t, err)
	assert.Equal(t, replication.RoleMaster, m.Role())
	assert.NotNil(t, m.Share())

	_, err = a.Replica(ctx)
	assert.Error(t, err, "a master has no replica engine")
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	a := installedApp(t)

	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx), "second start should fail")

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx))
}
