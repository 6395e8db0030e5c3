package dd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return openTestManager(t, filepath.Join(t.TempDir(), "dd.db"))
}

func openTestManager(t *testing.T, path string) *Manager {
	t.Helper()
	ctx := context.Background()
	s, err := driver.Open(ctx, driver.DialectSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, name := range []string{types.SchemaMyw, types.SchemaData, types.SchemaDelta, types.SchemaBase} {
		require.NoError(t, s.CreateSchema(ctx, name))
	}
	for _, tbl := range SystemTables() {
		require.NoError(t, s.CreateTable(ctx, tbl))
	}
	m := NewManager(s)
	require.NoError(t, m.SetVersionStamp(ctx, types.ComponentData, 1))
	return m
}

func pipeDescriptor() *FeatureDescriptor {
	min := 0.0
	return &FeatureDescriptor{
		Datasource:   DefaultDatasource,
		Name:         "pipe",
		ExternalName: "Pipe",
		Title:        "Pipe [id]",
		FilterFields: []string{"owner"},
		Fields: []*FieldDesc{
			{Name: "id", Type: "integer", Key: true, Generator: "sequence"},
			{Name: "owner", Type: "string(50)", Indexed: true},
			{Name: "status", Type: "string(20)", Enum: "pipe_status"},
			{Name: "length", Type: "double", Unit: "m", MinValue: &min},
			{Name: "the_geom", Type: "linestring"},
			{Name: "location", Type: "point"},
		},
		Groups:   []GroupDesc{{Name: "General", Expanded: true, Fields: []string{"owner", "status"}}},
		Searches: []SearchDesc{{Value: "[owner]", Description: "[title]"}},
		Queries:  []QueryDesc{{Name: "open pipes", Filter: "[status] = 'open'"}},
		Filters:  []FilterDesc{{Name: "mine", Value: "[owner] = 'me'"}},
	}
}

func createPipe(t *testing.T, m *Manager) *FeatureRec {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateEnum(ctx, &EnumRec{Name: "pipe_status", Values: []EnumValue{{Value: "open"}, {Value: "closed"}}}))
	rec, err := m.CreateFeatureType(ctx, pipeDescriptor())
	require.NoError(t, err)
	return rec
}

func insertPipe(t *testing.T, m *Manager, owner string) int64 {
	t.Helper()
	ctx := context.Background()
	s := m.Session()
	id, err := s.NextSequenceValue(ctx, types.SchemaData, "pipe", "id")
	require.NoError(t, err)
	_, err = s.Exec(ctx, "INSERT INTO "+s.TableName(types.SchemaData, "pipe")+" (id, owner, location) VALUES (?, ?, ?)",
		id, owner, "POINT(1 2)")
	require.NoError(t, err)
	return id
}

func TestCreateFeatureTypeDescriptorRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	rec := createPipe(t, m)

	assert.Equal(t, "id", rec.KeyName)
	assert.Equal(t, "the_geom", rec.PrimaryGeomName)
	assert.True(t, rec.TrackChanges)
	assert.Equal(t, "owner", rec.FilterFields[0])

	want, err := pipeDescriptor().Marshal()
	require.NoError(t, err)
	d, err := m.FeatureTypeDescriptor(ctx, DefaultDatasource, "pipe")
	require.NoError(t, err)
	got, err := d.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	exists, err := m.Session().TableExists(ctx, types.SchemaData, "pipe")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = m.Session().TableExists(ctx, types.SchemaDelta, "pipe")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateFeatureTypeRejectsUnknownEnum(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateFeatureType(context.Background(), pipeDescriptor())
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeUnknownEnum))
}

func TestCreateFeatureTypeTwice(t *testing.T) {
	m := newTestManager(t)
	createPipe(t, m)
	_, err := m.CreateFeatureType(context.Background(), pipeDescriptor())
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeConflictingOption))
}

func TestFeatureTypeRecUnknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.FeatureTypeRec(context.Background(), DefaultDatasource, "nothing")
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeUnknownFeatureType))
}

func TestFeatureTriggersMaintainIndexes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	createPipe(t, m)
	id := insertPipe(t, m, "Alice")
	s := m.Session()

	r, err := s.Record(ctx, "SELECT feature_id, field_name, filter1_val FROM "+s.TableName(types.SchemaMyw, "geo_world_point"))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "location", r.String("field_name"))
	assert.Equal(t, "Alice", r.String("filter1_val"))
	assert.Equal(t, id, r.Int("feature_id"))

	r, err = s.Record(ctx, "SELECT search_val, search_desc FROM "+s.TableName(types.SchemaMyw, "search_string"))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "alice", r.String("search_val"))
	assert.Equal(t, "Pipe 1", r.String("search_desc"))

	n, err := s.Count(ctx, types.SchemaMyw, "transaction_log")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestFeatureTypes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	createPipe(t, m)
	valve := &FeatureDescriptor{Name: "valve", Versioned: true, Fields: []*FieldDesc{
		{Name: "id", Type: "integer", Key: true, Generator: "sequence"},
		{Name: "state", Type: "string(20)"},
	}}
	_, err := m.CreateFeatureType(ctx, valve)
	require.NoError(t, err)

	all, err := m.FeatureTypes(ctx, DefaultDatasource, "", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "pipe", all[0].Name)

	versioned, err := m.FeatureTypes(ctx, "", "*", true)
	require.NoError(t, err)
	require.Len(t, versioned, 1)
	assert.Equal(t, "valve", versioned[0].Name)

	matched, err := m.FeatureTypes(ctx, "", "p*", false)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	for _, schemaName := range []string{types.SchemaDelta, types.SchemaBase} {
		exists, err := m.Session().TableExists(ctx, schemaName, "valve")
		require.NoError(t, err)
		assert.True(t, exists, schemaName)
	}
}

func TestAlterFeatureType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	rec := createPipe(t, m)
	insertPipe(t, m, "Bob")

	d := pipeDescriptor()
	d.Fields = append(d.Fields, &FieldDesc{Name: "diameter", Type: "double"})
	d.Searches = []SearchDesc{{Value: "[owner] [status]", Description: "[title]"}}
	require.NoError(t, m.AlterFeatureType(ctx, rec, d, driver.AlterOptions{}))

	cols, err := m.Session().ColumnNames(ctx, types.SchemaData, "pipe")
	require.NoError(t, err)
	assert.Contains(t, cols, "diameter")

	got, err := m.FeatureTypeDescriptor(ctx, DefaultDatasource, "pipe")
	require.NoError(t, err)
	assert.NotNil(t, got.Field("diameter"))

	s := m.Session()
	n, err := s.Count(ctx, types.SchemaMyw, "search_string")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	insertPipe(t, m, "Carol")
	n, err = s.Count(ctx, types.SchemaMyw, "search_string")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	n, err = s.Count(ctx, types.SchemaMyw, "geo_world_point")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestAlterFeatureTypeRejectsKeyChange(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	rec := createPipe(t, m)
	d := pipeDescriptor()
	d.Fields[0].Key = false
	d.Fields[1].Key = true
	err := m.AlterFeatureType(ctx, rec, d, driver.AlterOptions{})
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySchema, myerrors.CodeUnsupportedMutation))
}

func TestDropFeatureType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	createPipe(t, m)
	insertPipe(t, m, "Dave")

	err := m.DropFeatureType(ctx, DefaultDatasource, "pipe", false)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySchema, myerrors.CodeDDLConflict))

	require.NoError(t, m.DropFeatureType(ctx, DefaultDatasource, "pipe", true))
	exists, err := m.Session().TableExists(ctx, types.SchemaData, "pipe")
	require.NoError(t, err)
	assert.False(t, exists)

	fields, err := m.FieldRecs(ctx, DefaultDatasource, "pipe")
	require.NoError(t, err)
	assert.Empty(t, fields)
	n, err := m.Session().Count(ctx, types.SchemaMyw, "geo_world_point")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddSearchIndexesExistingRecords(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	rec := createPipe(t, m)
	insertPipe(t, m, "Erin")

	id, err := m.AddSearch(ctx, rec, SearchDesc{Value: "pipe [id]"})
	require.NoError(t, err)
	r, err := m.Session().Record(ctx, "SELECT search_val FROM "+m.Session().TableName(types.SchemaMyw, "search_string")+
		" WHERE search_rule_id = ?", id)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "pipe 1", r.String("search_val"))
}

func TestUnitScaleValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.SetSetting(ctx, UnitsSetting, map[string]map[string]float64{"length": {"m": 1, "km": 1000}}))

	d := &FeatureDescriptor{Name: "cable", Fields: []*FieldDesc{
		{Name: "id", Type: "integer", Key: true},
		{Name: "len", Type: "double", UnitScale: "length", Unit: "m", DisplayUnit: "ft"},
	}}
	err := m.ValidateFeatureDescriptor(ctx, d)
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeBadDescriptor))

	d.Fields[1].DisplayUnit = "km"
	assert.NoError(t, m.ValidateFeatureDescriptor(ctx, d))
}

func TestDescriptorCheck(t *testing.T) {
	tests := []struct {
		name string
		d    *FeatureDescriptor
	}{
		{"no key", &FeatureDescriptor{Name: "a", Fields: []*FieldDesc{{Name: "x", Type: "integer"}}}},
		{"bad type", &FeatureDescriptor{Name: "a", Fields: []*FieldDesc{{Name: "x", Type: "blob", Key: true}}}},
		{"bad filter", &FeatureDescriptor{Name: "a", FilterFields: []string{"y"},
			Fields: []*FieldDesc{{Name: "x", Type: "integer", Key: true}}}},
		{"duplicate", &FeatureDescriptor{Name: "a", Fields: []*FieldDesc{
			{Name: "x", Type: "integer", Key: true}, {Name: "x", Type: "integer"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Check()
			assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeBadDescriptor), "%v", err)
		})
	}
}

func TestUntrackedFeatureTypeStillIndexed(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	rec, err := m.CreateFeatureType(ctx, &FeatureDescriptor{
		Datasource:   DefaultDatasource,
		Name:         "marker",
		ExternalName: "Marker",
		Title:        "Marker [id]",
		Untracked:    true,
		FilterFields: []string{"label"},
		Fields: []*FieldDesc{
			{Name: "id", Type: "integer", Key: true, Generator: "sequence"},
			{Name: "label", Type: "string(50)"},
			{Name: "location", Type: "point"},
		},
		Searches: []SearchDesc{{Value: "[label]", Description: "[title]"}},
	})
	require.NoError(t, err)
	assert.False(t, rec.TrackChanges)

	s := m.Session()
	id, err := s.NextSequenceValue(ctx, types.SchemaData, "marker", "id")
	require.NoError(t, err)
	_, err = s.Exec(ctx, "INSERT INTO "+s.TableName(types.SchemaData, "marker")+" (id, label, location) VALUES (?, ?, ?)",
		id, "Depot", "POINT(3 4)")
	require.NoError(t, err)
	_, err = s.Exec(ctx, "UPDATE "+s.TableName(types.SchemaData, "marker")+" SET label = 'Yard' WHERE id = ?", id)
	require.NoError(t, err)

	n, err := s.Count(ctx, types.SchemaMyw, "transaction_log")
	require.NoError(t, err)
	assert.Zero(t, n, "untracked writes are not logged")

	r, err := s.Record(ctx, "SELECT feature_table, filter1_val FROM "+s.TableName(types.SchemaMyw, "geo_world_point"))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "marker", r.String("feature_table"))
	assert.Equal(t, "Yard", r.String("filter1_val"))

	r, err = s.Record(ctx, "SELECT search_val FROM "+s.TableName(types.SchemaMyw, "search_string")+" WHERE feature_name = 'marker'")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "yard", r.String("search_val"))

	d, err := m.FeatureTypeDescriptor(ctx, DefaultDatasource, "marker")
	require.NoError(t, err)
	assert.True(t, d.Untracked)
}
