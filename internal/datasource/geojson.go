package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	gogeom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/myworld/mywdb/internal/dd"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/pkg/types"
)

// TypeGeoJSON is the datasource type of directories of GeoJSON files.
const TypeGeoJSON = "geojson"

// GeoJSON field names added to every feature type.
const (
	geoJSONKey  = "id"
	geoJSONGeom = "the_geom"
)

// GeoJSONSpec is the datasource spec of a GeoJSON source.
type GeoJSONSpec struct {
	Dir string `json:"dir"`
}

func init() {
	Register(TypeGeoJSON, func(name string, spec json.RawMessage) (Adapter, error) {
		var s GeoJSONSpec
		if len(spec) > 0 {
			if err := json.Unmarshal(spec, &s); err != nil {
				return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("datasource %s: bad spec: %v", name, err))
			}
		}
		if s.Dir == "" {
			return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("datasource %s: spec has no dir", name))
		}
		return NewGeoJSON(name, s.Dir), nil
	})
}

// GeoJSON serves each <name>.geojson feature collection in a directory as a
// feature type. Field types are inferred from the properties.
type GeoJSON struct {
	datasource string
	dir        string
}

// NewGeoJSON returns an adapter over a directory.
func NewGeoJSON(datasource, dir string) *GeoJSON {
	return &GeoJSON{datasource: datasource, dir: dir}
}

func (a *GeoJSON) FeatureTypes(ctx context.Context, spec string) ([]string, error) {
	if spec == "" {
		spec = "*"
	}
	matches, err := filepath.Glob(filepath.Join(a.dir, spec+".geojson"))
	if err != nil {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("bad feature type spec %q", spec))
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = strings.TrimSuffix(filepath.Base(m), ".geojson")
	}
	sort.Strings(out)
	return out, nil
}

func (a *GeoJSON) load(name string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, name+".geojson"))
	if os.IsNotExist(err) {
		return nil, myerrors.NewConfigError(myerrors.CodeUnknownFeatureType, fmt.Sprintf("no external feature type %s", name))
	}
	if err != nil {
		return nil, fmt.Errorf("datasource: failed to read %s: %w", name, err)
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("datasource: failed to parse %s: %w", name, err)
	}
	return &fc, nil
}

func (a *GeoJSON) FeatureTypeInfoFor(ctx context.Context, name string) (*FeatureTypeInfo, error) {
	d, err := a.FeatureTypeDef(ctx, name)
	if err != nil {
		return nil, err
	}
	fc, err := a.load(name)
	if err != nil {
		return nil, err
	}
	return &FeatureTypeInfo{Name: name, ExternalName: d.ExternalName, GeomType: d.Field(geoJSONGeom).Type, Count: len(fc.Features)}, nil
}

// FeatureTypeDef infers a descriptor: an integer key, one geometry field
// typed from the first feature and one field per property.
func (a *GeoJSON) FeatureTypeDef(ctx context.Context, name string) (*dd.FeatureDescriptor, error) {
	fc, err := a.load(name)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	geomType := "point"
	for i, f := range fc.Features {
		if i == 0 && f.Geometry != nil {
			if c := geom.ClassOf(f.Geometry); c != "" {
				geomType = c
			}
		}
		for k, v := range f.Properties {
			props[k] = widenType(props[k], propertyType(v))
		}
	}
	d := &dd.FeatureDescriptor{
		Datasource:   a.datasource,
		Name:         name,
		ExternalName: strings.ReplaceAll(name, "_", " "),
		Fields: []*dd.FieldDesc{
			{Name: geoJSONKey, Type: "integer", Key: true},
			{Name: geoJSONGeom, Type: geomType},
		},
	}
	names := make([]string, 0, len(props))
	for k := range props {
		if k != geoJSONKey && k != geoJSONGeom {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		d.Fields = append(d.Fields, &dd.FieldDesc{Name: strings.ToLower(k), Type: props[k]})
	}
	return d, nil
}

func propertyType(v interface{}) string {
	switch t := v.(type) {
	case bool:
		return "boolean"
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return "integer"
		}
		return "double"
	case nil:
		return ""
	}
	return "string"
}

// widenType merges the types seen for a property across features.
func widenType(a, b string) string {
	switch {
	case a == "" || a == b:
		if b == "" {
			return "string"
		}
		return b
	case b == "":
		return a
	case (a == "integer" && b == "double") || (a == "double" && b == "integer"):
		return "double"
	}
	return "string"
}

func (a *GeoJSON) FeatureData(ctx context.Context, name string, opts DataOptions) (Iterator, error) {
	d, err := a.FeatureTypeDef(ctx, name)
	if err != nil {
		return nil, err
	}
	fc, err := a.load(name)
	if err != nil {
		return nil, err
	}
	recs := make([]types.Record, 0, len(fc.Features))
	for i, f := range fc.Features {
		rec := types.Record{geoJSONKey: featureKey(f.ID, i)}
		if f.Geometry != nil {
			rec[geoJSONGeom] = gogeom.T(f.Geometry)
		}
		for k, v := range f.Properties {
			col := strings.ToLower(k)
			if col == geoJSONKey || col == geoJSONGeom {
				continue
			}
			if fd := d.Field(col); fd != nil && fd.Type == "string" && v != nil {
				v = fmt.Sprint(v)
			}
			rec[col] = v
		}
		recs = append(recs, rec)
	}
	recs, err = selectRecords(d, recs, opts)
	if err != nil {
		return nil, err
	}
	return newSliceIterator(recs, opts.BatchSize), nil
}

// featureKey uses a numeric feature id when present, else the position.
func featureKey(id string, pos int) int64 {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return int64(pos + 1)
}
