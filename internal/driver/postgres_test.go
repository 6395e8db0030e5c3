package driver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
)

func TestPostgresNaming(t *testing.T) {
	d := NewPostgresDriver()
	assert.Equal(t, "data.pipe", d.TableName("data", "pipe"))
	assert.Equal(t, `myw."user"`, d.TableName("myw", "user"))
	assert.Equal(t, `data."Pipe"`, d.TableName("data", "Pipe"))

	s := NewSQLiteDriver()
	assert.Equal(t, `"data$pipe"`, s.TableName("data", "pipe"))
	assert.Equal(t, "delta$pipe", s.PhysicalName("delta", "pipe"))
}

func TestShortenIdent(t *testing.T) {
	long := strings.Repeat("a", 80)
	short := shortenIdent(long)
	assert.Len(t, short, maxIdentLen)
	assert.NotEqual(t, short, shortenIdent(strings.Repeat("a", 79)+"b"))
	assert.Equal(t, "abc", shortenIdent("abc"))
}

func TestPostgresCreateTable(t *testing.T) {
	d := NewPostgresDriver()
	tbl := pipeTable()
	tbl.AddIndex(schema.IndexSpatial, false, "the_geom")
	stmts := d.CreateTableSQLs(tbl)

	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE SEQUENCE IF NOT EXISTS data.pipe_id_seq", stmts[0])
	assert.Contains(t, stmts[1], "CREATE TABLE IF NOT EXISTS data.pipe")
	assert.Contains(t, stmts[1], "the_geom geometry")
	assert.Contains(t, stmts[1], "PRIMARY KEY (id)")
	assert.NotContains(t, stmts[1], "nextval", "data keys are assigned by the trigger")
	assert.Contains(t, stmts[2], "USING GIST (the_geom)")

	delta := schema.VersionedCompanion(pipeTable(), "delta")
	for _, stmt := range d.CreateTableSQLs(delta) {
		assert.NotContains(t, stmt, "CREATE SEQUENCE")
	}

	log := schema.NewTable("myw", "transaction_log").
		Add("id", "integer", schema.Key(), schema.Generator(schema.GenSequence))
	stmts = d.CreateTableSQLs(log)
	assert.Contains(t, stmts[1], "DEFAULT nextval('myw.transaction_log_id_seq')")
}

func TestPostgresFeatureTrigger(t *testing.T) {
	d := NewPostgresDriver()
	stmts := d.FeatureTriggerSQLs("data", pipeDef(), TriggerInsert)
	require.Len(t, stmts, 3)

	fn := stmts[0]
	assert.Contains(t, fn, "PERFORM pg_advisory_xact_lock_shared(1);")
	assert.Contains(t, fn, "IF NEW.id IS NULL THEN NEW.id := nextval('data.pipe_id_seq'); END IF;")
	assert.Contains(t, fn, "INSERT INTO myw.geo_world_point")
	assert.Contains(t, fn, "ST_GeometryType(NEW.the_geom) IN ('ST_Point', 'ST_MultiPoint')")
	assert.Contains(t, fn, "substr(CAST(NEW.owner AS text), 1, 50)")
	assert.Contains(t, fn, "INSERT INTO myw.transaction_log (operation, feature_type, feature_id, version)")
	assert.Contains(t, fn, "current_setting('myw.change_tracking', true)")
	assert.Contains(t, fn, "RETURN NEW;")
	assert.NotContains(t, fn, "DELETE FROM")
	assert.Contains(t, stmts[2], "CREATE TRIGGER pipe_insert BEFORE INSERT ON data.pipe")

	del := d.FeatureTriggerSQLs("delta", pipeDef(), TriggerDelete)[0]
	assert.Contains(t, del, "DELETE FROM myw.delta_geo_world_point")
	assert.Contains(t, del, "AND delta = OLD.myw_delta")
	assert.Contains(t, del, "INSERT INTO myw.delta_transaction_log")
	assert.Contains(t, del, "RETURN OLD;")
	assert.NotContains(t, del, "nextval")

	base := d.FeatureTriggerSQLs("base", pipeDef(), TriggerUpdate)[0]
	assert.NotContains(t, base, "world")
	assert.NotContains(t, base, "search_string")
	assert.Contains(t, base, "INSERT INTO myw.base_transaction_log")
}

func TestPostgresIntWorldTrigger(t *testing.T) {
	d := NewPostgresDriver()
	def := pipeDef()
	def.GeomFields = []GeomField{{Name: "the_geom", WorldField: "myw_gwn_the_geom"}}
	fn := d.FeatureTriggerSQLs("data", def, TriggerInsert)[0]

	assert.Contains(t, fn, "INSERT INTO myw.int_world_point")
	assert.Contains(t, fn, "(NEW.myw_gwn_the_geom IS NULL OR NEW.myw_gwn_the_geom IN ('default', 'geo'))")
	assert.Contains(t, fn, "NEW.myw_gwn_the_geom NOT IN ('default', 'geo', 'none')")
}

func TestPostgresConfigTrigger(t *testing.T) {
	d := NewPostgresDriver()

	stmts := d.ConfigTriggerSQLs(ConfigTriggerOptions{
		Table:            "dd_feature",
		IDColumns:        []string{"datasource_name", "feature_name"},
		LogIDUpdateAsNew: true,
		VersionStamp:     "myw_server_config",
	})
	require.Len(t, stmts, 3)
	fn := stmts[0]
	assert.Contains(t, fn, "coalesce(CAST(NEW.datasource_name AS text), '') || '/' || coalesce(CAST(NEW.feature_name AS text), '')")
	assert.Contains(t, fn, "IS DISTINCT FROM")
	assert.Contains(t, fn, "UPDATE myw.version_stamp SET version = version + 1 WHERE component = 'myw_server_config';")
	assert.Contains(t, stmts[2], "AFTER INSERT OR UPDATE OR DELETE ON myw.dd_feature")

	deep := d.ConfigTriggerSQLs(ConfigTriggerOptions{
		Table:          "dd_field_group_item",
		SubstructureOf: "dd_feature",
		ChangeLogIDFromTable: &ConfigJoin{
			Table: "dd_field_group", Column: "container_id", KeyColumn: "id",
			IDColumns: []string{"datasource_name", "feature_name"},
		},
	})[0]
	assert.Contains(t, deep, "SELECT 'update', 'dd_feature'")
	assert.Contains(t, deep, "FROM myw.dd_field_group j")
	assert.Contains(t, deep, "j.id = OLD.container_id")
	assert.NotContains(t, deep, "'delete'")
}

func TestPostgresAlterColumn(t *testing.T) {
	d := NewPostgresDriver()
	old := schema.NewTable("data", "valve").
		Add("id", "integer", schema.Key()).
		Add("size", "string").
		Add("the_geom", "point")
	nt := schema.NewTable("data", "valve").
		Add("id", "integer", schema.Key()).
		Add("size", "double").
		Add("the_geom", "string")

	changes := schema.Diff(old, nt)
	require.Len(t, changes, 2)

	stmts, err := d.AlterColumnSQLs(nt, changes[0], AlterOptions{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "ALTER TABLE data.valve ALTER COLUMN size TYPE double precision USING CAST(NULLIF(substring(size")

	_, err = d.AlterColumnSQLs(nt, changes[1], AlterOptions{})
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySchema, myerrors.CodeDDLConflict))

	date := schema.Change{
		Kind:       schema.AlterField,
		Old:        &schema.Column{Name: "installed", Type: schema.MustParseType("string"), Nullable: true},
		Column:     &schema.Column{Name: "installed", Type: schema.MustParseType("date"), Nullable: true},
		Conversion: schema.ConvStringToDate,
	}
	stmts, err = d.AlterColumnSQLs(nt, date, AlterOptions{DateFormat: "DD/MM/YYYY"})
	require.NoError(t, err)
	assert.Contains(t, stmts[0], "to_date(NULLIF(installed, ''), 'DD/MM/YYYY')")
}

func TestSessionRebind(t *testing.T) {
	s := &Session{drv: NewPostgresDriver()}
	assert.Equal(t, "SELECT $1, '?', $2", s.rebind("SELECT ?, '?', ?", 2))
	assert.Equal(t, "SELECT '?'", s.rebind("SELECT '?'", 0))

	lite := &Session{drv: NewSQLiteDriver()}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?", 1))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("server")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)
	d, err = ParseDialect("embedded")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)
	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}
