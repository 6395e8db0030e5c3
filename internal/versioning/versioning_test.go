package versioning

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/upgrade"
	"github.com/myworld/mywdb/pkg/types"
)

func newTestSession(t *testing.T) *driver.Session {
	t.Helper()
	ctx := context.Background()
	s, err := driver.Open(ctx, driver.DialectSQLite, filepath.Join(t.TempDir(), "myw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, upgrade.InstallCore(ctx, s))

	_, err = dd.NewManager(s).CreateFeatureType(ctx, &dd.FeatureDescriptor{
		Datasource: dd.DefaultDatasource,
		Name:       "valve",
		Versioned:  true,
		Fields: []*dd.FieldDesc{
			{Name: "id", Type: "integer", Key: true, Generator: "sequence"},
			{Name: "owner", Type: "string(50)"},
			{Name: "status", Type: "string(20)"},
			{Name: "location", Type: "point"},
		},
	})
	require.NoError(t, err)
	return s
}

func valves(t *testing.T, v *View) *TableView {
	t.Helper()
	tv, err := v.Table(context.Background(), "valve")
	require.NoError(t, err)
	return tv
}

func insertMaster(t *testing.T, s *driver.Session, owner string) interface{} {
	t.Helper()
	id, err := valves(t, NewView(s, "")).Insert(context.Background(), types.Record{
		"owner": owner, "status": "open", "location": "POINT(1 2)",
	})
	require.NoError(t, err)
	return id
}

func TestMasterView(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	tv := valves(t, NewView(s, ""))

	id := insertMaster(t, s, "alice")
	got, err := tv.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.String("owner"))

	require.NoError(t, tv.Update(ctx, types.Record{"id": id, "owner": "bob"}))
	got, err = tv.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.String("owner"))

	require.NoError(t, tv.Delete(ctx, id))
	got, err = tv.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = tv.Delete(ctx, id)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeBadValue))
}

func TestDeltaViewReadsThroughToMaster(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	a := insertMaster(t, s, "alice")
	b := insertMaster(t, s, "bob")
	c := insertMaster(t, s, "carol")

	design := valves(t, NewView(s, "design/1"))
	require.NoError(t, design.Update(ctx, types.Record{"id": a, "owner": "anne"}))
	require.NoError(t, design.Delete(ctx, b))
	newID, err := design.Insert(ctx, types.Record{"owner": "dave", "status": "planned"})
	require.NoError(t, err)

	got, err := design.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "anne", got.String("owner"))
	assert.NotContains(t, got, "myw_delta")

	got, err = design.Get(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, got, "deleted in delta")

	got, err = design.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.String("owner"), "unchanged rows come from master")

	recs, err := design.Records(ctx, "")
	require.NoError(t, err)
	var owners []string
	for _, r := range recs {
		owners = append(owners, r.String("owner"))
	}
	assert.Equal(t, []string{"anne", "carol", "dave"}, owners)

	filtered, err := design.Records(ctx, "owner = ?", "anne")
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	// Master is untouched.
	master := valves(t, NewView(s, ""))
	got, err = master.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.String("owner"))
	got, err = master.Get(ctx, newID)
	require.NoError(t, err)
	assert.Nil(t, got)

	base, err := design.baseRec(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, base)
	assert.Equal(t, "alice", base.String("owner"))
}

func TestDeleteOfDeltaInsertDiscardsRow(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	design := valves(t, NewView(s, "design/1"))

	id, err := design.Insert(ctx, types.Record{"owner": "eve"})
	require.NoError(t, err)
	require.NoError(t, design.Delete(ctx, id))

	rows, err := design.DeltaRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	changes, err := DeltaChanges(ctx, s, "valve", 0, types.SchemaDelta)
	require.NoError(t, err)
	assert.Empty(t, changes, "insert then delete cancels out")
}

func TestConflictFor(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	master := valves(t, NewView(s, ""))
	design := valves(t, NewView(s, "design/1"))

	a := insertMaster(t, s, "alice")
	b := insertMaster(t, s, "bob")
	c := insertMaster(t, s, "carol")
	require.NoError(t, design.Update(ctx, types.Record{"id": a, "owner": "anne"}))
	require.NoError(t, design.Update(ctx, types.Record{"id": b, "owner": "bert"}))
	require.NoError(t, design.Update(ctx, types.Record{"id": c, "owner": "cora"}))

	conflicts, err := design.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts, "master unchanged")

	require.NoError(t, master.Update(ctx, types.Record{"id": a, "owner": "alicia"}))
	require.NoError(t, master.Update(ctx, types.Record{"id": b, "status": "closed"}))
	require.NoError(t, master.Delete(ctx, c))

	conflicts, err = design.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)

	assert.Equal(t, "design/1", conflicts[0].Delta)
	assert.Equal(t, types.ChangeUpdate, conflicts[0].MasterChange)
	assert.Equal(t, []string{"owner"}, conflicts[0].Fields)
	assert.Equal(t, "alicia", conflicts[0].Master.String("owner"))
	assert.Equal(t, "alice", conflicts[0].Base.String("owner"))
	assert.Equal(t, "anne", conflicts[0].Edit.String("owner"))
	require.Len(t, conflicts[0].Changes, 1)
	owner := conflicts[0].Changes[0]
	assert.Equal(t, "owner", owner.Name)
	assert.Equal(t, "alice→alicia", owner.MasterTransition())
	assert.Equal(t, "alice→anne", owner.DeltaTransition())
	assert.Contains(t, conflicts[0].String(), "owner master_change='alice→alicia' delta_change='alice→anne'")

	assert.Equal(t, types.ChangeDelete, conflicts[1].MasterChange)
	assert.Contains(t, conflicts[1].String(), "master deleted")

	require.NoError(t, design.Rebase(ctx, a))
	conflicts, err = design.Conflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	master := valves(t, NewView(s, ""))
	design := valves(t, NewView(s, "design/2"))

	a := insertMaster(t, s, "alice")
	b := insertMaster(t, s, "bob")
	require.NoError(t, design.Update(ctx, types.Record{"id": a, "owner": "anne"}))
	require.NoError(t, design.Delete(ctx, b))
	newID, err := design.Insert(ctx, types.Record{"owner": "dave", "location": "POINT(3 4)"})
	require.NoError(t, err)

	n, err := design.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := master.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "anne", got.String("owner"))
	got, err = master.Get(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = master.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "dave", got.String("owner"))

	rows, err := design.DeltaRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeltaStatsAndChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	a := insertMaster(t, s, "alice")
	b := insertMaster(t, s, "bob")

	d1 := valves(t, NewView(s, "design/1"))
	d2 := valves(t, NewView(s, "design/2"))
	require.NoError(t, d1.Update(ctx, types.Record{"id": a, "owner": "anne"}))
	require.NoError(t, d1.Delete(ctx, b))
	_, err := d1.Insert(ctx, types.Record{"owner": "dave"})
	require.NoError(t, err)
	require.NoError(t, d2.Update(ctx, types.Record{"id": b, "status": "closed"}))

	stats, err := DeltaStats(ctx, s, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"design/1", "design/2"}, stats.Deltas())
	assert.Equal(t, map[types.ChangeType]int{types.ChangeUpdate: 1, types.ChangeDelete: 1, types.ChangeInsert: 1}, stats["design/1"]["valve"])
	assert.Equal(t, 1, stats["design/2"]["valve"][types.ChangeUpdate])

	only, err := DeltaStats(ctx, s, "design/2")
	require.NoError(t, err)
	assert.Equal(t, []string{"design/2"}, only.Deltas())

	changes, err := DeltaChanges(ctx, s, "valve", 0, types.SchemaDelta)
	require.NoError(t, err)
	assert.Len(t, changes, 4)
	assert.Equal(t, types.ChangeInsert, changes[DeltaKey{Delta: "design/2", ID: fmt.Sprint(b)}],
		"new delta rows appear as inserts")

	baseChanges, err := DeltaChanges(ctx, s, "valve", 0, types.SchemaBase)
	require.NoError(t, err)
	assert.Len(t, baseChanges, 3)

	_, err = DeltaChanges(ctx, s, "valve", 0, types.SchemaData)
	assert.Error(t, err)
}

func TestUnversionedTableRejectsDeltaView(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	_, err := dd.NewManager(s).CreateFeatureType(ctx, &dd.FeatureDescriptor{
		Datasource: dd.DefaultDatasource,
		Name:       "pole",
		Fields:     []*dd.FieldDesc{{Name: "id", Type: "integer", Key: true, Generator: "sequence"}},
	})
	require.NoError(t, err)

	_, err = NewView(s, "design/1").Table(ctx, "pole")
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeBadValue))

	_, err = NewView(s, "").Table(ctx, "pole")
	assert.NoError(t, err)
}
