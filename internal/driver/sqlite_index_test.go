package driver

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/expr"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

func mainTable() *schema.Table {
	return schema.NewTable("data", "main").
		Add("id", "integer", schema.Key()).
		Add("owner", "string").
		Add("the_geom", "point").
		Add("in_geom", "linestring").
		Add("myw_gwn_in_geom", "string(100)")
}

func mainDef() *FeatureDef {
	return &FeatureDef{
		Table:        "main",
		ExternalName: "Main",
		KeyField:     "id",
		GeomIndexed:  true,
		GeomFields: []GeomField{
			{Name: "the_geom"},
			{Name: "in_geom", WorldField: "myw_gwn_in_geom"},
		},
		Filters: []string{"owner"},
		Searches: []SearchRule{
			{ID: 11, Value: expr.Parse("[owner]"), Desc: expr.Parse("Main [id]")},
			{ID: 12, Value: expr.Parse("[owner] [id]"), Desc: expr.Parse("[owner]")},
		},
		TrackChanges: true,
	}
}

// indexSnapshot reads every index row of the main feature table in a stable order.
func indexSnapshot(t *testing.T, s *Session) map[string][]types.Record {
	t.Helper()
	ctx := context.Background()
	out := make(map[string][]types.Record)
	for _, world := range []string{worldGeo, worldInt} {
		for _, class := range geom.Classes {
			name := worldIndexTable(world, class, "data")
			recs, err := s.Records(ctx, "SELECT * FROM "+s.TableName("myw", name)+
				" WHERE feature_table = 'main' ORDER BY feature_id, field_name")
			require.NoError(t, err)
			out[name] = recs
		}
	}
	recs, err := s.Records(ctx, "SELECT * FROM "+s.TableName("myw", searchTable("data"))+
		" WHERE feature_name = 'main' ORDER BY search_rule_id, feature_id")
	require.NoError(t, err)
	out[searchTable("data")] = recs
	return out
}

func clearIndexes(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	for name := range indexSnapshot(t, s) {
		_, err := s.Exec(ctx, "DELETE FROM "+s.TableName("myw", name))
		require.NoError(t, err)
	}
}

func TestSQLiteTriggerAndRebuildIndexesAgree(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	def := mainDef()
	require.NoError(t, s.CreateTable(ctx, mainTable()))
	require.NoError(t, s.InstallFeatureTriggers(ctx, "data", def))

	long := strings.Repeat("Riverside Works ", 10)
	rows := []struct {
		id    int
		owner interface{}
		pt    string
		line  string
		world interface{}
	}{
		{1, "Alice", "POINT(1 1)", "LINESTRING(0 0, 1 1)", "int_pump_house"},
		{2, "Bob", "POINT(2 2)", "LINESTRING(0 0, 2 2)", "none"},
		{3, long, "POINT(3 3)", "LINESTRING(0 0, 3 3)", nil},
		{4, nil, "", "LINESTRING(0 0, 4 4)", "geo"},
		{5, "Eve", "POINT(5 5)", "", "int_pump_house"},
	}
	for _, r := range rows {
		var pt, line interface{}
		if r.pt != "" {
			b, err := s.CanonicaliseGeometry(r.pt)
			require.NoError(t, err)
			pt = b
		}
		if r.line != "" {
			b, err := s.CanonicaliseGeometry(r.line)
			require.NoError(t, err)
			line = b
		}
		_, err := s.Exec(ctx, `INSERT INTO "data$main" (id, owner, the_geom, in_geom, myw_gwn_in_geom) VALUES (?, ?, ?, ?, ?)`,
			r.id, r.owner, pt, line, r.world)
		require.NoError(t, err)
	}
	_, err := s.Exec(ctx, `UPDATE "data$main" SET owner = 'Alicia', myw_gwn_in_geom = 'int_substation' WHERE id = 1`)
	require.NoError(t, err)
	_, err = s.Exec(ctx, `DELETE FROM "data$main" WHERE id = 5`)
	require.NoError(t, err)

	byTrigger := indexSnapshot(t, s)

	intLines := byTrigger[worldIndexTable(worldInt, "linestring", "data")]
	require.Len(t, intLines, 1, "only the named internal world is indexed there")
	assert.Equal(t, "1", intLines[0].String("feature_id"))
	assert.Equal(t, "int_substation", intLines[0].String("myw_world_name"))

	geoLines := byTrigger[worldIndexTable(worldGeo, "linestring", "data")]
	require.Len(t, geoLines, 2, "'none' is indexed in no world")
	assert.Equal(t, "3", geoLines[0].String("feature_id"))
	assert.Equal(t, "4", geoLines[1].String("feature_id"))
	assert.Len(t, geoLines[0].String("filter1_val"), filterValLen)

	searches := byTrigger[searchTable("data")]
	require.Len(t, searches, 8)
	for _, r := range searches {
		assert.LessOrEqual(t, len(r.String("search_val")), searchValLen)
		assert.LessOrEqual(t, len(r.String("extra_values")), searchValLen)
	}
	assert.Equal(t, "alicia", searches[0].String("search_val"))
	assert.Equal(t, "main|alicia|alicia 1", searches[0].String("extra_values"))

	clearIndexes(t, s)
	require.NoError(t, s.RebuildGeomIndexesFor(ctx, "data", def))
	for _, rule := range def.Searches {
		require.NoError(t, s.RebuildSearchStringsFor(ctx, "data", def, rule))
	}
	byRebuild := indexSnapshot(t, s)

	for name, want := range byTrigger {
		assert.Equal(t, want, byRebuild[name], fmt.Sprintf("%s differs between triggers and rebuild", name))
	}
}
