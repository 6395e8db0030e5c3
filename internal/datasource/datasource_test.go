package datasource

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myworld/mywdb/internal/dd"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/pkg/types"
)

func hydrantSource() *Memory {
	m := NewMemory()
	m.AddFeatureType(&dd.FeatureDescriptor{
		Datasource: "esri",
		Name:       "hydrant",
		Fields: []*dd.FieldDesc{
			{Name: "id", Type: "integer", Key: true},
			{Name: "location", Type: "point"},
		},
	}, []types.Record{
		{"id": int64(1), "location": "POINT(1 1)"},
		{"id": int64(2), "location": "POINT(10 10)"},
		{"id": int64(3), "location": "POINT(2 3)"},
		{"id": int64(4), "location": nil},
	})
	return m
}

func TestMemoryFeatureData(t *testing.T) {
	ctx := context.Background()
	m := hydrantSource()

	names, err := m.FeatureTypes(ctx, "hyd*")
	require.NoError(t, err)
	assert.Equal(t, []string{"hydrant"}, names)

	info, err := m.FeatureTypeInfoFor(ctx, "hydrant")
	require.NoError(t, err)
	assert.Equal(t, 4, info.Count)
	assert.Equal(t, "point", info.GeomType)

	it, err := m.FeatureData(ctx, "hydrant", DataOptions{
		Bounds:     &types.Bounds{MinX: 0, MinY: 0, MaxX: 5, MaxY: 5},
		GeomFormat: geom.EncodingWKT,
		BatchSize:  1,
	})
	require.NoError(t, err)

	first, err := it.Next(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	recs, err := ReadAll(ctx, it)
	require.NoError(t, err)
	recs = append(first, recs...)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.True(t, strings.HasPrefix(r.String("location"), "POINT"), "geometry should be wkt: %v", r["location"])
	}
	assert.Equal(t, int64(1), recs[0]["id"])
	assert.Equal(t, int64(3), recs[1]["id"])
}

func TestMemoryWithoutBoundsKeepsNullGeometries(t *testing.T) {
	ctx := context.Background()
	it, err := hydrantSource().FeatureData(ctx, "hydrant", DataOptions{})
	require.NoError(t, err)
	recs, err := ReadAll(ctx, it)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Nil(t, recs[3]["location"])
}

func TestMemoryErrors(t *testing.T) {
	ctx := context.Background()
	m := hydrantSource()

	_, err := m.FeatureTypeDef(ctx, "valve")
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeUnknownFeatureType))

	boom := errors.New("service unavailable")
	m.SetFailure("hydrant", boom)
	_, err = m.FeatureData(ctx, "hydrant", DataOptions{})
	assert.ErrorIs(t, err, boom)

	m.SetFailure("hydrant", nil)
	_, err = m.FeatureData(ctx, "hydrant", DataOptions{})
	assert.NoError(t, err)
}

func TestRegistry(t *testing.T) {
	assert.Subset(t, Types(), []string{TypeGeoJSON, TypeMemory})

	m := hydrantSource()
	m.Attach("esri")
	a, err := New(types.Record{"name": "esri", "type": TypeMemory})
	require.NoError(t, err)
	assert.Same(t, m, a)

	_, err = New(types.Record{"name": "wfs", "type": "ogc"})
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeBadValue))

	_, err = New(types.Record{"name": "files", "type": TypeGeoJSON, "spec": `{}`})
	assert.Error(t, err, "a geojson source needs a dir")
}

const pipesGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "7", "geometry": {"type": "LineString", "coordinates": [[0, 0], [1, 1]]},
     "properties": {"Material": "PVC", "diameter": 100, "buried": true}},
    {"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[5, 5], [6, 6]]},
     "properties": {"Material": "steel", "diameter": 12.5, "buried": null}}
  ]
}`

func TestGeoJSONAdapter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "water_pipe.geojson"), []byte(pipesGeoJSON), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0644))

	a, err := New(types.Record{"name": "files", "type": TypeGeoJSON, "spec": `{"dir": "` + filepath.ToSlash(dir) + `"}`})
	require.NoError(t, err)

	names, err := a.FeatureTypes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"water_pipe"}, names)

	d, err := a.FeatureTypeDef(ctx, "water_pipe")
	require.NoError(t, err)
	assert.Equal(t, "water pipe", d.ExternalName)
	assert.Equal(t, "id", d.KeyName())
	assert.Equal(t, "linestring", d.Field("the_geom").Type)
	assert.Equal(t, "double", d.Field("diameter").Type)
	assert.Equal(t, "string", d.Field("material").Type)
	assert.Equal(t, "boolean", d.Field("buried").Type)

	info, err := a.FeatureTypeInfoFor(ctx, "water_pipe")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Count)

	it, err := a.FeatureData(ctx, "water_pipe", DataOptions{Bounds: &types.Bounds{MinX: 4, MinY: 4, MaxX: 10, MaxY: 10}})
	require.NoError(t, err)
	recs, err := ReadAll(ctx, it)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0]["id"], "features without a numeric id are keyed by position")
	assert.Equal(t, "steel", recs[0]["material"])

	_, err = a.FeatureTypeDef(ctx, "sewer")
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeUnknownFeatureType))
}

func TestWidenType(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "integer", "integer"},
		{"integer", "double", "double"},
		{"double", "integer", "double"},
		{"integer", "", "integer"},
		{"boolean", "integer", "string"},
		{"", "", "string"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, widenType(tt.a, tt.b), "widenType(%q, %q)", tt.a, tt.b)
	}
}

func TestSliceIteratorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	it := newSliceIterator([]types.Record{{"id": 1}}, 0)
	cancel()
	_, err := it.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	it = newSliceIterator(nil, 10)
	_, err = it.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}
