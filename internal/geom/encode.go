package geom

import (
	"encoding/hex"
	"fmt"
	"strings"

	gogeom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// EncodeString renders a stored geometry in a record-file encoding. Binary
// encodings are hex strings. NULL geometries render as "".
func EncodeString(v interface{}, enc Encoding) (string, error) {
	g, err := Decode(v)
	if err != nil || g == nil {
		return "", err
	}
	switch enc {
	case EncodingWKB, "":
		b, err := wkb.Marshal(g, wkb.NDR)
		if err != nil {
			return "", err
		}
		return strings.ToUpper(hex.EncodeToString(b)), nil
	case EncodingEWKB:
		if g.SRID() == 0 {
			if g, err = withSRID(g, SRIDWGS84); err != nil {
				return "", err
			}
		}
		b, err := ewkb.Marshal(g, ewkb.NDR)
		if err != nil {
			return "", err
		}
		return strings.ToUpper(hex.EncodeToString(b)), nil
	case EncodingWKT:
		return wkt.Marshal(g)
	case EncodingEWKT:
		s, err := wkt.Marshal(g)
		if err != nil {
			return "", err
		}
		srid := g.SRID()
		if srid == 0 {
			srid = SRIDWGS84
		}
		return fmt.Sprintf("SRID=%d;%s", srid, s), nil
	}
	return "", fmt.Errorf("geom: unknown encoding %q", enc)
}

// DecodeString parses a geometry written by EncodeString and returns canonical
// storage bytes for the given SRID (0 for plain WKB).
func DecodeString(s string, srid int) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return Canonicalise(s, srid)
}

// MustPoint builds a 2D point. Intended for tests and fixed data.
func MustPoint(x, y float64) gogeom.T {
	return gogeom.NewPoint(gogeom.XY).MustSetCoords(gogeom.Coord{x, y})
}

// WKB encodes a geometry as plain little-endian WKB.
func WKB(g gogeom.T) ([]byte, error) {
	return wkb.Marshal(g, wkb.NDR)
}
