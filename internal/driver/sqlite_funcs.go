package driver

import (
	"github.com/mattn/go-sqlite3"
	gogeom "github.com/twpayne/go-geom"

	"github.com/myworld/mywdb/internal/geom"
)

// registerFuncs installs the spatial and date parsing SQL functions the
// embedded engine lacks. Geometries are stored as 2D WKB blobs; NULL in gives NULL out.
func registerFuncs(conn *sqlite3.SQLiteConn) error {
	funcs := map[string]interface{}{
		"GeometryType":    sqliteGeometryType,
		"ST_GeometryType": sqliteSTGeometryType,
		"ST_GeomFromWKB":  sqliteGeomFromWKB,
		"ST_AsBinary":     sqliteGeomFromWKB,
		"ST_Intersects":   sqliteIntersects,
		"ST_DWithin":      sqliteDWithin,
		"ST_MinX":         func(v interface{}) interface{} { return sqliteEnvelope(v, 0) },
		"ST_MinY":         func(v interface{}) interface{} { return sqliteEnvelope(v, 1) },
		"ST_MaxX":         func(v interface{}) interface{} { return sqliteEnvelope(v, 2) },
		"ST_MaxY":         func(v interface{}) interface{} { return sqliteEnvelope(v, 3) },
		"myw_to_date":      sqliteToDate,
		"myw_to_timestamp": sqliteToTimestamp,
	}
	for name, fn := range funcs {
		if err := conn.RegisterFunc(name, fn, true); err != nil {
			return err
		}
	}
	return nil
}

func decodeArg(v interface{}) gogeom.T {
	g, err := geom.Decode(v)
	if err != nil {
		return nil
	}
	return g
}

func sqliteGeometryType(v interface{}) interface{} {
	g := decodeArg(v)
	if g == nil {
		return nil
	}
	return geom.OGCType(g)
}

func sqliteSTGeometryType(v interface{}) interface{} {
	g := decodeArg(v)
	if g == nil {
		return nil
	}
	return "ST_" + postgisTypeName(geom.OGCType(g))
}

func sqliteGeomFromWKB(v interface{}) (interface{}, error) {
	b, err := geom.Canonicalise(v, 0)
	if err != nil || b == nil {
		return nil, err
	}
	return b, nil
}

func boolResult(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func sqliteIntersects(a, b interface{}) interface{} {
	ga, gb := decodeArg(a), decodeArg(b)
	if ga == nil || gb == nil {
		return nil
	}
	return boolResult(geom.Intersects(ga, gb))
}

func sqliteDWithin(a, b interface{}, tolerance float64, geographic int64) interface{} {
	ga, gb := decodeArg(a), decodeArg(b)
	if ga == nil || gb == nil {
		return nil
	}
	if geographic != 0 {
		tolerance = geom.MetersToDegrees(tolerance)
	}
	return boolResult(geom.Distance(ga, gb) <= tolerance)
}

func sqliteEnvelope(v interface{}, ord int) interface{} {
	g := decodeArg(v)
	if g == nil {
		return nil
	}
	b := geom.Envelope(g)
	return [...]float64{b.MinX, b.MinY, b.MaxX, b.MaxY}[ord]
}
