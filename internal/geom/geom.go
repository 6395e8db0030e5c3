// Package geom decodes, canonicalises and classifies feature geometries.
// Values arrive as WKB, EWKB, hex-encoded (E)WKB, WKT or EWKT and are stored as
// two-dimensional (E)WKB.
package geom

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	gogeom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/myworld/mywdb/pkg/types"
)

// SRIDWGS84 is the SRID of the geo world.
const SRIDWGS84 = 4326

// Encoding names a textual geometry representation used in record files.
type Encoding string

const (
	EncodingWKB  Encoding = "wkb"
	EncodingEWKB Encoding = "ewkb"
	EncodingWKT  Encoding = "wkt"
	EncodingEWKT Encoding = "ewkt"
)

// ParseEncoding validates an encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(s)); e {
	case EncodingWKB, EncodingEWKB, EncodingWKT, EncodingEWKT:
		return e, nil
	case "":
		return EncodingWKB, nil
	}
	return "", fmt.Errorf("geom: unknown encoding %q", s)
}

// Decode parses a geometry from any supported representation.
func Decode(v interface{}) (gogeom.T, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case gogeom.T:
		return t, nil
	case []byte:
		if len(t) == 0 {
			return nil, nil
		}
		if isHex(string(t)) {
			return Decode(string(t))
		}
		g, err := ewkb.Unmarshal(t)
		if err != nil {
			return nil, fmt.Errorf("geom: bad wkb: %w", err)
		}
		return g, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		if isHex(s) {
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("geom: bad hex wkb: %w", err)
			}
			return Decode(b)
		}
		return decodeText(s)
	}
	return nil, fmt.Errorf("geom: cannot decode %T", v)
}

func decodeText(s string) (gogeom.T, error) {
	srid := 0
	if strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		semi := strings.IndexByte(s, ';')
		if semi < 0 {
			return nil, fmt.Errorf("geom: bad ewkt %q", s)
		}
		n, err := strconv.Atoi(s[5:semi])
		if err != nil {
			return nil, fmt.Errorf("geom: bad srid in %q: %w", s, err)
		}
		srid, s = n, s[semi+1:]
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("geom: bad wkt: %w", err)
	}
	if srid != 0 {
		return withSRID(g, srid)
	}
	return g, nil
}

func isHex(s string) bool {
	if len(s) < 10 || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	// (E)WKB always starts with a byte-order marker of 00 or 01.
	return s[0] == '0' && (s[1] == '0' || s[1] == '1')
}

// Canonicalise decodes v, strips Z/M ordinates and re-encodes it as 2D WKB.
// When srid is non-zero the result is EWKB carrying that SRID.
func Canonicalise(v interface{}, srid int) ([]byte, error) {
	g, err := Decode(v)
	if err != nil || g == nil {
		return nil, err
	}
	flat, err := Force2D(g)
	if err != nil {
		return nil, err
	}
	if srid != 0 {
		if flat, err = withSRID(flat, srid); err != nil {
			return nil, err
		}
		return ewkb.Marshal(flat, ewkb.NDR)
	}
	return wkb.Marshal(flat, wkb.NDR)
}

// Force2D returns a copy of g with only X and Y ordinates.
func Force2D(g gogeom.T) (gogeom.T, error) {
	if g.Layout() == gogeom.XY {
		return g, nil
	}
	xy := func(c gogeom.Coord) gogeom.Coord { return gogeom.Coord{c[0], c[1]} }
	xys := func(cs []gogeom.Coord) []gogeom.Coord {
		out := make([]gogeom.Coord, len(cs))
		for i, c := range cs {
			out[i] = xy(c)
		}
		return out
	}
	xyss := func(css [][]gogeom.Coord) [][]gogeom.Coord {
		out := make([][]gogeom.Coord, len(css))
		for i, cs := range css {
			out[i] = xys(cs)
		}
		return out
	}

	switch t := g.(type) {
	case *gogeom.Point:
		if t.Empty() {
			return gogeom.NewPointEmpty(gogeom.XY).SetSRID(t.SRID()), nil
		}
		p, err := gogeom.NewPoint(gogeom.XY).SetCoords(xy(t.Coords()))
		if err != nil {
			return nil, err
		}
		return p.SetSRID(t.SRID()), nil
	case *gogeom.LineString:
		l, err := gogeom.NewLineString(gogeom.XY).SetCoords(xys(t.Coords()))
		if err != nil {
			return nil, err
		}
		return l.SetSRID(t.SRID()), nil
	case *gogeom.Polygon:
		p, err := gogeom.NewPolygon(gogeom.XY).SetCoords(xyss(t.Coords()))
		if err != nil {
			return nil, err
		}
		return p.SetSRID(t.SRID()), nil
	case *gogeom.MultiPoint:
		m, err := gogeom.NewMultiPoint(gogeom.XY).SetCoords(xys(t.Coords()))
		if err != nil {
			return nil, err
		}
		return m.SetSRID(t.SRID()), nil
	case *gogeom.MultiLineString:
		m, err := gogeom.NewMultiLineString(gogeom.XY).SetCoords(xyss(t.Coords()))
		if err != nil {
			return nil, err
		}
		return m.SetSRID(t.SRID()), nil
	case *gogeom.MultiPolygon:
		css := t.Coords()
		out := make([][][]gogeom.Coord, len(css))
		for i, p := range css {
			out[i] = xyss(p)
		}
		m, err := gogeom.NewMultiPolygon(gogeom.XY).SetCoords(out)
		if err != nil {
			return nil, err
		}
		return m.SetSRID(t.SRID()), nil
	case *gogeom.GeometryCollection:
		gc := gogeom.NewGeometryCollection()
		for _, sub := range t.Geoms() {
			f, err := Force2D(sub)
			if err != nil {
				return nil, err
			}
			if err := gc.Push(f); err != nil {
				return nil, err
			}
		}
		return gc.SetSRID(t.SRID()), nil
	}
	return nil, fmt.Errorf("geom: unsupported geometry %T", g)
}

func withSRID(g gogeom.T, srid int) (gogeom.T, error) {
	switch t := g.(type) {
	case *gogeom.Point:
		return t.SetSRID(srid), nil
	case *gogeom.LineString:
		return t.SetSRID(srid), nil
	case *gogeom.Polygon:
		return t.SetSRID(srid), nil
	case *gogeom.MultiPoint:
		return t.SetSRID(srid), nil
	case *gogeom.MultiLineString:
		return t.SetSRID(srid), nil
	case *gogeom.MultiPolygon:
		return t.SetSRID(srid), nil
	case *gogeom.GeometryCollection:
		return t.SetSRID(srid), nil
	}
	return nil, fmt.Errorf("geom: unsupported geometry %T", g)
}

// OGCType returns the upper-case OGC type name, e.g. "MULTIPOLYGON".
func OGCType(g gogeom.T) string {
	switch g.(type) {
	case *gogeom.Point:
		return "POINT"
	case *gogeom.LineString:
		return "LINESTRING"
	case *gogeom.Polygon:
		return "POLYGON"
	case *gogeom.MultiPoint:
		return "MULTIPOINT"
	case *gogeom.MultiLineString:
		return "MULTILINESTRING"
	case *gogeom.MultiPolygon:
		return "MULTIPOLYGON"
	case *gogeom.GeometryCollection:
		return "GEOMETRYCOLLECTION"
	}
	return ""
}

// World index geometry classes.
const (
	ClassPoint      = "point"
	ClassLineString = "linestring"
	ClassPolygon    = "polygon"
)

// Classes lists the world index geometry classes in table order.
var Classes = []string{ClassPoint, ClassLineString, ClassPolygon}

// OGCTypesFor returns the OGC type names indexed in a geometry class.
func OGCTypesFor(class string) []string {
	switch class {
	case ClassPoint:
		return []string{"POINT", "MULTIPOINT"}
	case ClassLineString:
		return []string{"LINESTRING", "MULTILINESTRING"}
	case ClassPolygon:
		return []string{"POLYGON", "MULTIPOLYGON"}
	}
	return nil
}

// ClassOf returns the world index class of a geometry, or "" if it has none.
func ClassOf(g gogeom.T) string {
	ogc := OGCType(g)
	for _, c := range Classes {
		for _, t := range OGCTypesFor(c) {
			if t == ogc {
				return c
			}
		}
	}
	return ""
}

// Envelope returns the bounding box of a geometry.
func Envelope(g gogeom.T) types.Bounds {
	if g == nil {
		return types.EmptyBounds()
	}
	b := g.Bounds()
	if b.IsEmpty() {
		return types.EmptyBounds()
	}
	return types.Bounds{MinX: b.Min(0), MinY: b.Min(1), MaxX: b.Max(0), MaxY: b.Max(1)}
}

// Intersects reports whether the envelopes of two geometries overlap.
func Intersects(a, b gogeom.T) bool {
	if a == nil || b == nil {
		return false
	}
	return Envelope(a).Intersects(Envelope(b))
}

// Distance returns the planar distance between two geometries, measured
// between their vertices and segments. Polygon interiors are not considered.
func Distance(a, b gogeom.T) float64 {
	if a == nil || b == nil {
		return math.Inf(1)
	}
	sa, sb := segments(a), segments(b)
	best := math.Inf(1)
	for _, p := range sa {
		for _, q := range sb {
			if d := segmentDistance(p, q); d < best {
				best = d
			}
		}
	}
	return best
}

type segment [4]float64

func segments(g gogeom.T) []segment {
	flat, stride := g.FlatCoords(), g.Stride()
	if stride == 0 || len(flat) == 0 {
		return nil
	}
	var ends []int
	switch t := g.(type) {
	case *gogeom.Point, *gogeom.MultiPoint:
		ends = nil
	case *gogeom.GeometryCollection:
		var out []segment
		for _, sub := range t.Geoms() {
			out = append(out, segments(sub)...)
		}
		return out
	default:
		if e := g.Ends(); len(e) > 0 {
			ends = e
		}
		for _, e := range g.Endss() {
			ends = append(ends, e...)
		}
		if len(ends) == 0 {
			ends = []int{len(flat)}
		}
	}

	var out []segment
	if ends == nil {
		for i := 0; i+1 < len(flat); i += stride {
			out = append(out, segment{flat[i], flat[i+1], flat[i], flat[i+1]})
		}
		return out
	}
	start := 0
	for _, end := range ends {
		if end-start == stride {
			out = append(out, segment{flat[start], flat[start+1], flat[start], flat[start+1]})
		}
		for i := start; i+stride < end; i += stride {
			out = append(out, segment{flat[i], flat[i+1], flat[i+stride], flat[i+stride+1]})
		}
		start = end
	}
	return out
}

func segmentDistance(p, q segment) float64 {
	if segmentsCross(p, q) {
		return 0
	}
	return math.Min(
		math.Min(pointSegment(p[0], p[1], q), pointSegment(p[2], p[3], q)),
		math.Min(pointSegment(q[0], q[1], p), pointSegment(q[2], q[3], p)),
	)
}

func pointSegment(x, y float64, s segment) float64 {
	dx, dy := s[2]-s[0], s[3]-s[1]
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return math.Hypot(x-s[0], y-s[1])
	}
	t := ((x-s[0])*dx + (y-s[1])*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(x-(s[0]+t*dx), y-(s[1]+t*dy))
}

func segmentsCross(p, q segment) bool {
	d1 := orient(q[0], q[1], q[2], q[3], p[0], p[1])
	d2 := orient(q[0], q[1], q[2], q[3], p[2], p[3])
	d3 := orient(p[0], p[1], p[2], p[3], q[0], q[1])
	d4 := orient(p[0], p[1], p[2], p[3], q[2], q[3])
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func orient(ax, ay, bx, by, cx, cy float64) float64 {
	return (bx-ax)*(cy-ay) - (by-ay)*(cx-ax)
}

// MetersToDegrees approximates a ground distance as degrees of latitude.
func MetersToDegrees(m float64) float64 {
	return m / 111320.0
}

// FromBounds returns the polygon covering a bounding box.
func FromBounds(b types.Bounds, srid int) (gogeom.T, error) {
	p, err := gogeom.NewPolygon(gogeom.XY).SetCoords([][]gogeom.Coord{{
		{b.MinX, b.MinY}, {b.MaxX, b.MinY}, {b.MaxX, b.MaxY}, {b.MinX, b.MaxY}, {b.MinX, b.MinY},
	}})
	if err != nil {
		return nil, err
	}
	return p.SetSRID(srid), nil
}
