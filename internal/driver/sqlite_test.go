package driver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/expr"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
)

func openTestSession(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, DialectSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateSchema(ctx, "myw"))
	for _, tbl := range testIndexTables() {
		require.NoError(t, s.CreateTable(ctx, tbl))
	}
	_, err = s.Exec(ctx, `INSERT INTO "myw$version_stamp" (component, version) VALUES ('data', 7)`)
	require.NoError(t, err)
	return s
}

// testIndexTables is the subset of system tables the feature triggers write to.
func testIndexTables() []*schema.Table {
	var out []*schema.Table

	vs := schema.NewTable("myw", "version_stamp").
		Add("component", "string(100)", schema.Key()).
		Add("version", "integer", schema.NotNull())
	out = append(out, vs)

	tl := schema.NewTable("myw", "transaction_log").
		Add("id", "integer", schema.Key(), schema.Generator(schema.GenSequence)).
		Add("operation", "string(10)").
		Add("feature_type", "string(200)").
		Add("feature_id", "string(100)").
		Add("version", "integer")
	out = append(out, tl)

	for _, world := range []string{worldGeo, worldInt} {
		for _, class := range geom.Classes {
			wt := schema.NewTable("myw", worldIndexTable(world, class, "data")).
				Add("feature_table", "string(200)", schema.Key()).
				Add("feature_id", "string(100)", schema.Key()).
				Add("field_name", "string(200)", schema.Key()).
				Add("the_geom", class)
			if world == worldInt {
				wt.Add("myw_world_name", "string(100)")
			}
			for k := 1; k <= MaxFilters; k++ {
				wt.Add("filter"+string(rune('0'+k))+"_val", "string(50)")
			}
			out = append(out, wt)
		}
	}

	ss := schema.NewTable("myw", "search_string").
		Add("search_rule_id", "integer", schema.Key()).
		Add("feature_name", "string(200)").
		Add("feature_id", "string(100)", schema.Key()).
		Add("search_val", "string(200)").
		Add("search_desc", "string").
		Add("extra_values", "string(200)")
	out = append(out, ss)
	return out
}

func pipeTable() *schema.Table {
	return schema.NewTable("data", "pipe").
		Add("id", "integer", schema.Key(), schema.Generator(schema.GenSequence)).
		Add("owner", "string(50)").
		Add("the_geom", "point")
}

func pipeDef() *FeatureDef {
	val := expr.Parse("[owner]")
	desc := expr.Parse("Pipe [id]")
	return &FeatureDef{
		Table:        "pipe",
		ExternalName: "Pipe",
		KeyField:     "id",
		KeyGenerator: schema.GenSequence,
		GeomIndexed:  true,
		GeomFields:   []GeomField{{Name: "the_geom"}},
		Filters:      []string{"owner"},
		Searches:     []SearchRule{{ID: 3, Value: val, Desc: desc}},
		TrackChanges: true,
	}
}

func TestSQLiteFeatureTriggers(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)

	require.NoError(t, s.CreateTable(ctx, pipeTable()))
	require.NoError(t, s.InstallFeatureTriggers(ctx, "data", pipeDef()))

	id, err := s.NextSequenceValue(ctx, "data", "pipe", "id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	wkb, err := s.CanonicaliseGeometry("POINT(0 0)")
	require.NoError(t, err)
	_, err = s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner, the_geom) VALUES (?, ?, ?)`, id, "a", wkb)
	require.NoError(t, err)

	rec, err := s.Record(ctx, `SELECT feature_table, feature_id, field_name, filter1_val FROM "myw$geo_world_point"`)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "pipe", rec.String("feature_table"))
	assert.Equal(t, "1", rec.String("feature_id"))
	assert.Equal(t, "the_geom", rec.String("field_name"))
	assert.Equal(t, "a", rec.String("filter1_val"))

	n, err := s.Count(ctx, "myw", "geo_world_polygon")
	require.NoError(t, err)
	assert.Zero(t, n)

	log, err := s.Records(ctx, `SELECT operation, feature_type, feature_id, version FROM "myw$transaction_log"`)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "insert", log[0].String("operation"))
	assert.Equal(t, "1", log[0].String("feature_id"))
	assert.Equal(t, int64(7), log[0].Int("version"))

	search, err := s.Record(ctx, `SELECT search_val, search_desc, extra_values FROM "myw$search_string"`)
	require.NoError(t, err)
	assert.Equal(t, "a", search.String("search_val"))
	assert.Equal(t, "Pipe 1", search.String("search_desc"))
	assert.Equal(t, "pipe|a", search.String("extra_values"))

	_, err = s.Exec(ctx, `UPDATE "data$pipe" SET owner = 'b' WHERE id = 1`)
	require.NoError(t, err)
	rec, err = s.Record(ctx, `SELECT filter1_val FROM "myw$geo_world_point"`)
	require.NoError(t, err)
	assert.Equal(t, "b", rec.String("filter1_val"))

	_, err = s.Exec(ctx, `DELETE FROM "data$pipe" WHERE id = 1`)
	require.NoError(t, err)
	n, err = s.Count(ctx, "myw", "geo_world_point")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.Count(ctx, "myw", "search_string")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.Count(ctx, "myw", "transaction_log")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSQLiteWithoutChangeTracking(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	require.NoError(t, s.CreateTable(ctx, pipeTable()))
	require.NoError(t, s.InstallFeatureTriggers(ctx, "data", pipeDef()))

	err := s.InTransaction(ctx, func(ctx context.Context) error {
		return s.WithoutChangeTracking(ctx, func(ctx context.Context) error {
			_, err := s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner) VALUES (5, 'x')`)
			return err
		})
	})
	require.NoError(t, err)

	n, err := s.Count(ctx, "myw", "transaction_log")
	require.NoError(t, err)
	assert.Zero(t, n)

	// index maintenance is not affected
	n, err = s.Count(ctx, "myw", "search_string")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Error(t, s.WithoutChangeTracking(ctx, func(context.Context) error { return nil }))
}

func TestSQLiteUntrackedNoGeomFeature(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)

	tbl := schema.NewTable("data", "note").
		Add("id", "integer", schema.Key()).
		Add("text", "string")
	require.NoError(t, s.CreateTable(ctx, tbl))

	def := &FeatureDef{Table: "note", ExternalName: "Note", KeyField: "id"}
	for _, tt := range TriggerTypes {
		assert.Len(t, s.Driver().FeatureTriggerSQLs("data", def, tt), 1, "only the drop is emitted")
	}
	require.NoError(t, s.InstallFeatureTriggers(ctx, "data", def))

	_, err := s.Exec(ctx, `INSERT INTO "data$note" (id, text) VALUES (1, 'hello')`)
	require.NoError(t, err)
	n, err := s.Count(ctx, "myw", "transaction_log")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteBulkRebuild(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	require.NoError(t, s.CreateTable(ctx, pipeTable()))

	wkb, err := s.CanonicaliseGeometry("POINT(1 1)")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner, the_geom) VALUES (?, 'o', ?)`, i, wkb)
		require.NoError(t, err)
	}

	def := pipeDef()
	require.NoError(t, s.RebuildGeomIndexesFor(ctx, "data", def))
	require.NoError(t, s.RebuildSearchStringsFor(ctx, "data", def, def.Searches[0]))

	n, err := s.Count(ctx, "myw", "geo_world_point")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = s.Count(ctx, "myw", "search_string")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// rebuilding twice does not duplicate
	require.NoError(t, s.RebuildGeomIndexesFor(ctx, "data", def))
	n, err = s.Count(ctx, "myw", "geo_world_point")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSQLiteMutateByCopy(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)

	old := schema.NewTable("data", "valve").
		Add("id", "integer", schema.Key()).
		Add("size", "string(20)").
		Add("obsolete", "string")
	old.AddIndex(schema.IndexPlain, false, "size")
	require.NoError(t, s.CreateTable(ctx, old))
	_, err := s.Exec(ctx, `INSERT INTO "data$valve" (id, size, obsolete) VALUES (1, ' 12.5 ', 'x'), (2, '', 'y')`)
	require.NoError(t, err)

	nt := schema.NewTable("data", "valve").
		Add("id", "integer", schema.Key()).
		Add("size", "double")
	nt.AddIndex(schema.IndexPlain, false, "size")
	require.NoError(t, s.AlterTable(ctx, old, nt, AlterOptions{}))

	cols, err := s.ColumnNames(ctx, "data", "valve")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "size"}, cols)

	recs, err := s.Records(ctx, `SELECT id, size FROM "data$valve" ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 12.5, recs[0]["size"])
	assert.Nil(t, recs[1]["size"])

	exists, err := s.TableExists(ctx, "data", "valve$old")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteAddColumnInPlace(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	tbl := schema.NewTable("data", "hydrant").Add("id", "integer", schema.Key())
	require.NoError(t, s.CreateTable(ctx, tbl))

	require.NoError(t, s.AddColumn(ctx, tbl, &schema.Column{Name: "colour", Type: schema.MustParseType("string"), Nullable: true}))
	cols, err := s.ColumnNames(ctx, "data", "hydrant")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "colour"}, cols)
}

func TestSQLiteShardExhaustion(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	require.NoError(t, s.CreateTable(ctx, pipeTable()))

	_, err := s.Exec(ctx, `INSERT INTO "data$pipe" (id, owner) VALUES (101, 'pre')`)
	require.NoError(t, err)

	require.NoError(t, s.SetSequenceRange(ctx, "data", "pipe", "id", 100, 103))
	min, max, err := s.SequenceRange(ctx, "data", "pipe", "id")
	require.NoError(t, err)
	assert.Equal(t, int64(100), min)
	assert.Equal(t, int64(103), max)

	for _, want := range []int64{102, 103} {
		id, err := s.NextSequenceValue(ctx, "data", "pipe", "id")
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	_, err = s.NextSequenceValue(ctx, "data", "pipe", "id")
	require.Error(t, err)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryIntegrity, myerrors.CodeShardExhausted))

	// delta companions draw from the data generator
	require.NoError(t, s.SetSequenceValue(ctx, "delta", "pipe", "id", 100))
	id, err := s.NextSequenceValue(ctx, "data", "pipe", "id")
	require.NoError(t, err)
	assert.Equal(t, int64(100), id)
}

func TestSQLiteGeometryFunctions(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)

	pt, err := s.CanonicaliseGeometry("POINT(0 0)")
	require.NoError(t, err)
	near, err := s.CanonicaliseGeometry("POINT(0.5 0)")
	require.NoError(t, err)

	var typ string
	require.NoError(t, s.QueryRow(ctx, "SELECT GeometryType(?)", pt).Scan(&typ))
	assert.Equal(t, "POINT", typ)
	require.NoError(t, s.QueryRow(ctx, "SELECT ST_GeometryType(?)", pt).Scan(&typ))
	assert.Equal(t, "ST_Point", typ)

	var within int
	require.NoError(t, s.QueryRow(ctx, "SELECT ST_DWithin(?, ?, 1.0, 0)", pt, near).Scan(&within))
	assert.Equal(t, 1, within)
	require.NoError(t, s.QueryRow(ctx, "SELECT ST_DWithin(?, ?, 0.1, 0)", pt, near).Scan(&within))
	assert.Equal(t, 0, within)

	var null interface{}
	require.NoError(t, s.QueryRow(ctx, "SELECT GeometryType(NULL)").Scan(&null))
	assert.Nil(t, null)
}

func TestSQLiteSavepoints(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	require.NoError(t, s.CreateTable(ctx, pipeTable()))

	err := s.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.Exec(ctx, `INSERT INTO "data$pipe" (id) VALUES (1)`); err != nil {
			return err
		}
		inner := s.InTransaction(ctx, func(ctx context.Context) error {
			if _, err := s.Exec(ctx, `INSERT INTO "data$pipe" (id) VALUES (2)`); err != nil {
				return err
			}
			return assert.AnError
		})
		assert.ErrorIs(t, inner, assert.AnError)
		return nil
	})
	require.NoError(t, err)

	n, err := s.Count(ctx, "data", "pipe")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, s.InTx())
}

func TestSQLiteDeclaredTypes(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)
	tbl := schema.NewTable("data", "asset").
		Add("id", "integer", schema.Key()).
		Add("active", "boolean").
		Add("height", "double").
		Add("cost", "numeric(10,2)").
		Add("name", "string(20)").
		Add("notes", "string").
		Add("installed", "date").
		Add("inspected", "timestamp").
		Add("location", "point").
		Add("route", "linestring").
		Add("area", "polygon")
	require.NoError(t, s.CreateTable(ctx, tbl))

	recs, err := s.Records(ctx, `PRAGMA table_info("data$asset")`)
	require.NoError(t, err)
	got := make(map[string]string)
	for _, r := range recs {
		got[r.String("name")] = r.String("type")
	}
	assert.Equal(t, map[string]string{
		"id":        "INTEGER",
		"active":    "INTEGER",
		"height":    "REAL",
		"cost":      "NUMERIC",
		"name":      "TEXT",
		"notes":     "TEXT",
		"installed": "TEXT",
		"inspected": "TEXT",
		"location":  "GEOMETRY",
		"route":     "GEOMETRY",
		"area":      "GEOMETRY",
	}, got)

	// numeric-looking dates keep their text form
	_, err = s.Exec(ctx, `INSERT INTO "data$asset" (id, installed, inspected) VALUES (1, '20240301', '20240301101500')`)
	require.NoError(t, err)
	var typ string
	require.NoError(t, s.QueryRow(ctx, `SELECT typeof(installed) || typeof(inspected) FROM "data$asset"`).Scan(&typ))
	assert.Equal(t, "texttext", typ)
}

func TestSQLiteAlterWithDateFormat(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t)

	old := schema.NewTable("data", "survey").
		Add("id", "integer", schema.Key()).
		Add("visited", "string(20)").
		Add("logged", "string(30)")
	require.NoError(t, s.CreateTable(ctx, old))
	_, err := s.Exec(ctx, `INSERT INTO "data$survey" (id, visited, logged) VALUES (1, '01/03/2024', '01/03/2024 14:05'), (2, '', NULL)`)
	require.NoError(t, err)

	nt := schema.NewTable("data", "survey").
		Add("id", "integer", schema.Key()).
		Add("visited", "date").
		Add("logged", "timestamp")
	require.NoError(t, s.AlterTable(ctx, old, nt, AlterOptions{DateFormat: "DD/MM/YYYY", TimestampFormat: "DD/MM/YYYY HH24:MI"}))

	recs, err := s.Records(ctx, `SELECT visited, logged FROM "data$survey" ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2024-03-01", recs[0].String("visited"))
	assert.Equal(t, "2024-03-01 14:05:00", recs[0].String("logged"))
	assert.Nil(t, recs[1]["visited"])
	assert.Nil(t, recs[1]["logged"])

	bad := schema.NewTable("data", "survey2").
		Add("id", "integer", schema.Key()).
		Add("visited", "string(20)")
	require.NoError(t, s.CreateTable(ctx, bad))
	_, err = s.Exec(ctx, `INSERT INTO "data$survey2" (id, visited) VALUES (1, 'soon')`)
	require.NoError(t, err)
	nbad := schema.NewTable("data", "survey2").
		Add("id", "integer", schema.Key()).
		Add("visited", "date")
	assert.Error(t, s.AlterTable(ctx, bad, nbad, AlterOptions{DateFormat: "DD/MM/YYYY"}))
}

func TestTemplateLayout(t *testing.T) {
	assert.Equal(t, "02/01/2006", templateLayout("DD/MM/YYYY"))
	assert.Equal(t, "2006-01-02 15:04:05", templateLayout("YYYY-MM-DD HH24:MI:SS"))
	assert.Equal(t, "02 Jan 06 03:04 PM", templateLayout("DD Mon YY HH12:MI AM"))
	assert.Equal(t, "January 2006", templateLayout("Month YYYY"))
}
