package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/schema"
)

func TestSQLiteVacuumAndStatistics(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	require.NoError(t, s.CreateTable(ctx, pipeTable()))

	require.NoError(t, s.Vacuum(ctx, "data", ""))
	require.NoError(t, s.UpdateStatistics(ctx))

	err := s.InTransaction(ctx, func(ctx context.Context) error {
		return s.Vacuum(ctx, "data", "pipe")
	})
	assert.Error(t, err)
}

func TestSQLiteDisableTriggersFor(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	def := pipeDef()
	require.NoError(t, s.CreateTable(ctx, pipeTable()))
	require.NoError(t, s.InstallFeatureTriggers(ctx, "data", def))

	require.NoError(t, s.DisableTriggersFor(ctx, "data", def))
	_, err := s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner) VALUES (1, 'bulk')`)
	require.NoError(t, err)
	n, err := s.Count(ctx, "myw", "transaction_log")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.EnableTriggersFor(ctx, "data", def))
	_, err = s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner) VALUES (2, 'edit')`)
	require.NoError(t, err)
	n, err = s.Count(ctx, "myw", "transaction_log")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteConstraints(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	tbl := pipeTable()
	require.NoError(t, s.CreateTable(ctx, tbl))
	_, err := s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner) VALUES (1, 'a')`)
	require.NoError(t, err)

	uniq := &schema.Constraint{Type: schema.ConstraintUnique, Columns: []string{"owner"}}
	require.NoError(t, s.AddConstraint(ctx, tbl, uniq))
	_, err = s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner) VALUES (2, 'a')`)
	assert.Error(t, err, "duplicate owner rejected")

	n, err := s.Count(ctx, "data", "pipe")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "rows survive the rebuild")

	constrained := tbl.Clone()
	constrained.AddConstraint(uniq)
	require.NoError(t, s.DropConstraint(ctx, constrained, uniq))
	_, err = s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner) VALUES (2, 'a')`)
	assert.NoError(t, err)
}

func TestSQLiteWithinExpr(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	require.NoError(t, s.CreateTable(ctx, pipeTable()))

	for i, wkt := range []string{"POINT(0 0)", "POINT(5 5)"} {
		wkb, err := s.CanonicaliseGeometry(wkt)
		require.NoError(t, err)
		_, err = s.Exec(ctx, `INSERT INTO "data$pipe" (id, the_geom) VALUES (?, ?)`, i+1, wkb)
		require.NoError(t, err)
	}

	pred := s.WithinExpr("the_geom", 1, false)
	assert.Contains(t, pred, "ST_DWithin(")
	assert.Contains(t, pred, `"the_geom"`)

	probe, err := s.CanonicaliseGeometry("POINT(0.5 0.5)")
	require.NoError(t, err)
	recs, err := s.Records(ctx, `SELECT id FROM "data$pipe" WHERE `+pred, probe)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].Int("id"))
}

func TestSQLiteStatementTimeout(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)

	restore, err := s.StatementTimeout(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, s.timeout)

	n, err := s.Count(ctx, "myw", "version_stamp")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, restore(ctx))
	assert.Zero(t, s.timeout)
}

func TestSQLiteLocksAndConfigTriggers(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)

	err := s.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.AcquireVersionStampLock(ctx, true); err != nil {
			return err
		}
		return s.AcquireShardLock(ctx)
	})
	require.NoError(t, err)

	release, err := s.VersionStampLock(ctx, false, false)
	require.NoError(t, err)
	assert.NoError(t, release(ctx))

	assert.False(t, s.Driver().SupportsConfigTriggers())
	assert.NoError(t, s.SetConfigTriggers(ctx, ConfigTriggerOptions{}))
}
