// Package schema describes tables, columns, indexes and constraints
// independently of any SQL dialect, and computes mutation diffs between them.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Base semantic type names.
const (
	TypeBoolean      = "boolean"
	TypeInteger      = "integer"
	TypeDouble       = "double"
	TypeNumeric      = "numeric"
	TypeString       = "string"
	TypeDate         = "date"
	TypeTimestamp    = "timestamp"
	TypeImage        = "image"
	TypeFile         = "file"
	TypeReference    = "reference"
	TypeReferenceSet = "reference_set"
	TypeForeignKey   = "foreign_key"
	TypeLink         = "link"
	TypePoint        = "point"
	TypeLineString   = "linestring"
	TypePolygon      = "polygon"

	// TypeRaster is stored as a generic geometry.
	TypeRaster = "raster"
)

var knownTypes = map[string]bool{
	TypeBoolean: true, TypeInteger: true, TypeDouble: true, TypeNumeric: true,
	TypeString: true, TypeDate: true, TypeTimestamp: true, TypeImage: true,
	TypeFile: true, TypeReference: true, TypeReferenceSet: true, TypeForeignKey: true,
	TypeLink: true, TypePoint: true, TypeLineString: true, TypePolygon: true,
	TypeRaster: true,
}

// Type is a parsed semantic type such as "string(100)", "numeric(10,2)",
// "timestamp_tz" or "foreign_key(pipe)".
type Type struct {
	Base      string
	Length    int    // string(n), reference(n)
	Precision int    // numeric(p,s)
	Scale     int    // numeric(p,s)
	TZ        bool   // timestamp with time zone
	Target    string // foreign_key(<feature>)
}

// ParseType parses a semantic type string.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Type{}, fmt.Errorf("schema: empty type")
	}

	base, args := s, ""
	if i := strings.IndexByte(s, '('); i >= 0 {
		if !strings.HasSuffix(s, ")") {
			return Type{}, fmt.Errorf("schema: malformed type %q", s)
		}
		base, args = strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:len(s)-1])
	}

	t := Type{Base: base}
	switch base {
	case "timestamp_tz", "timestamp/tz":
		t.Base, t.TZ = TypeTimestamp, true
	case "float", "real":
		t.Base = TypeDouble
	case "geometry":
		t.Base = TypeRaster
	}
	if !knownTypes[t.Base] {
		return Type{}, fmt.Errorf("schema: unknown type %q", s)
	}

	if args == "" {
		return t, nil
	}
	parts := strings.Split(args, ",")
	switch t.Base {
	case TypeString, TypeReference, TypeReferenceSet, TypeLink, TypeImage, TypeFile:
		n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || n < 0 || len(parts) != 1 {
			return Type{}, fmt.Errorf("schema: bad length in %q", s)
		}
		t.Length = n
	case TypeNumeric:
		p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || len(parts) > 2 {
			return Type{}, fmt.Errorf("schema: bad precision in %q", s)
		}
		t.Precision = p
		if len(parts) == 2 {
			sc, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil || sc > p {
				return Type{}, fmt.Errorf("schema: bad scale in %q", s)
			}
			t.Scale = sc
		}
	case TypeForeignKey:
		t.Target = strings.TrimSpace(args)
	default:
		return Type{}, fmt.Errorf("schema: type %q takes no arguments", t.Base)
	}
	return t, nil
}

// MustParseType is like ParseType but panics on error. Intended for
// statically known system table definitions.
func MustParseType(s string) Type {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String renders the type in its canonical textual form.
func (t Type) String() string {
	switch {
	case t.Base == TypeTimestamp && t.TZ:
		return "timestamp_tz"
	case t.Base == TypeNumeric && t.Precision > 0 && t.Scale > 0:
		return fmt.Sprintf("numeric(%d,%d)", t.Precision, t.Scale)
	case t.Base == TypeNumeric && t.Precision > 0:
		return fmt.Sprintf("numeric(%d)", t.Precision)
	case t.Base == TypeForeignKey && t.Target != "":
		return fmt.Sprintf("foreign_key(%s)", t.Target)
	case t.Length > 0:
		return fmt.Sprintf("%s(%d)", t.Base, t.Length)
	}
	return t.Base
}

// IsGeometry reports whether the type is stored as a geometry.
func (t Type) IsGeometry() bool {
	switch t.Base {
	case TypePoint, TypeLineString, TypePolygon, TypeRaster:
		return true
	}
	return false
}

// IsInteger reports whether the type is an integer.
func (t Type) IsInteger() bool { return t.Base == TypeInteger }

// IsNumber reports whether the type holds numeric values.
func (t Type) IsNumber() bool {
	return t.Base == TypeInteger || t.Base == TypeDouble || t.Base == TypeNumeric
}

// IsText reports whether values of the type are stored as character data.
func (t Type) IsText() bool {
	switch t.Base {
	case TypeString, TypeImage, TypeFile, TypeReference, TypeReferenceSet, TypeForeignKey, TypeLink:
		return true
	}
	return false
}

// Conversion is the rule applied to existing values when a column changes type.
type Conversion string

const (
	ConvNone              Conversion = ""
	ConvCast              Conversion = "cast"
	ConvStringToNumber    Conversion = "string_to_number"
	ConvStringToDate      Conversion = "string_to_date"
	ConvStringToTimestamp Conversion = "string_to_timestamp"
	ConvStringToBoolean   Conversion = "string_to_boolean"
)

// ConversionFor returns the conversion needed to change a column from one type to another.
func ConversionFor(from, to Type) Conversion {
	if from.Base == to.Base && from.TZ == to.TZ {
		return ConvNone
	}
	if from.IsText() {
		switch {
		case to.IsNumber():
			return ConvStringToNumber
		case to.Base == TypeDate:
			return ConvStringToDate
		case to.Base == TypeTimestamp:
			return ConvStringToTimestamp
		case to.Base == TypeBoolean:
			return ConvStringToBoolean
		case to.IsText():
			return ConvNone
		}
	}
	return ConvCast
}
