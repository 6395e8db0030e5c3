package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gogeom "github.com/twpayne/go-geom"

	"github.com/myworld/mywdb/pkg/types"
)

func TestDecodeFormats(t *testing.T) {
	plain, err := WKB(MustPoint(1, 2))
	require.NoError(t, err)

	for name, in := range map[string]interface{}{
		"wkb":     plain,
		"wkt":     "POINT (1 2)",
		"ewkt":    "SRID=4326;POINT(1 2)",
		"hex wkb": "0101000000000000000000F03F0000000000000040",
	} {
		t.Run(name, func(t *testing.T) {
			g, err := Decode(in)
			require.NoError(t, err)
			assert.Equal(t, "POINT", OGCType(g))
			assert.Equal(t, types.Bounds{MinX: 1, MinY: 2, MaxX: 1, MaxY: 2}, Envelope(g))
		})
	}

	g, err := Decode(nil)
	assert.NoError(t, err)
	assert.Nil(t, g)
}

func TestCanonicaliseStripsZ(t *testing.T) {
	b, err := Canonicalise("LINESTRING Z (0 0 5, 1 1 6)", 0)
	require.NoError(t, err)
	g, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, gogeom.XY, g.Layout())
	assert.Equal(t, 0, g.SRID())

	b, err = Canonicalise("POINT (3 4)", SRIDWGS84)
	require.NoError(t, err)
	g, err = Decode(b)
	require.NoError(t, err)
	assert.Equal(t, SRIDWGS84, g.SRID())
}

func TestClassOf(t *testing.T) {
	cases := map[string]string{
		"POINT (0 0)":                           ClassPoint,
		"MULTIPOINT ((0 0), (1 1))":             ClassPoint,
		"LINESTRING (0 0, 1 1)":                 ClassLineString,
		"MULTIPOLYGON (((0 0, 1 0, 1 1, 0 0)))": ClassPolygon,
		"GEOMETRYCOLLECTION (POINT (0 0))":      "",
	}
	for in, want := range cases {
		g, err := Decode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, ClassOf(g), in)
	}
}

func TestEncodeStringRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingWKB, EncodingEWKB, EncodingWKT, EncodingEWKT} {
		s, err := EncodeString("POLYGON ((0 0, 4 0, 4 4, 0 0))", enc)
		require.NoError(t, err, enc)
		b, err := DecodeString(s, 0)
		require.NoError(t, err, enc)
		g, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, types.Bounds{MinX: 0, MinY: 0, MaxX: 4, MaxY: 4}, Envelope(g), enc)
	}
	s, err := EncodeString(nil, EncodingWKT)
	assert.NoError(t, err)
	assert.Empty(t, s)
}

func TestDistance(t *testing.T) {
	line, _ := Decode("LINESTRING (0 0, 10 0)")
	assert.InDelta(t, 5.0, Distance(MustPoint(5, 5), line), 1e-9)
	assert.InDelta(t, 0.0, Distance(MustPoint(3, 0), line), 1e-9)

	cross, _ := Decode("LINESTRING (5 -1, 5 1)")
	assert.Equal(t, 0.0, Distance(line, cross))
	assert.True(t, math.IsInf(Distance(nil, line), 1))
}

func TestIntersects(t *testing.T) {
	region, err := FromBounds(types.Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}, 0)
	require.NoError(t, err)
	assert.True(t, Intersects(region, MustPoint(5, 5)))
	assert.False(t, Intersects(region, MustPoint(20, 5)))
}
