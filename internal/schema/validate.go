package schema

import (
	"fmt"
	"strings"
)

// Versioned companion columns.
const (
	DeltaColumn      = "myw_delta"
	ChangeTypeColumn = "myw_change_type"
)

// ValidateName checks that a table or column name is a plain identifier.
func ValidateName(name string) bool {
	if len(name) == 0 || len(name) > 100 {
		return false
	}
	first := name[0]
	if (first < 'a' || first > 'z') && (first < 'A' || first > 'Z') && first != '_' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// Validate checks the internal consistency of a table descriptor and returns
// every problem found.
func Validate(t *Table) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%s.%s: "+format, append([]interface{}{t.Schema, t.Name}, args...)...))
	}

	if !ValidateName(t.Name) {
		add("invalid table name")
	}

	for _, c := range t.Columns() {
		if !ValidateName(c.Name) {
			add("invalid column name %q", c.Name)
		}
		if c.Generator == GenSequence && !c.Type.IsInteger() {
			add("column %s: sequence generator requires integer type, got %s", c.Name, c.Type)
		}
		if (c.Generator == GenSystemNow || c.Generator == GenNowUTC) && c.Type.Base != TypeTimestamp {
			add("column %s: %s generator requires timestamp type, got %s", c.Name, c.Generator, c.Type)
		}
		if c.HasDefault() && c.Generator != "" {
			add("column %s: has both default and generator", c.Name)
		}
		if c.Key && c.Type.IsGeometry() {
			add("column %s: geometry column cannot be a key", c.Name)
		}
	}

	for _, k := range t.KeyColumns() {
		if !t.HasColumn(k) {
			add("key column %s does not exist", k)
		}
	}

	if t.PrimaryGeom != "" {
		c := t.Column(t.PrimaryGeom)
		switch {
		case c == nil:
			add("primary geometry %s does not exist", t.PrimaryGeom)
		case !c.Type.IsGeometry():
			add("primary geometry %s is not a geometry column", t.PrimaryGeom)
		}
	}

	for _, i := range t.Indexes {
		if len(i.Columns) == 0 {
			add("index with no columns")
		}
		for _, col := range i.Columns {
			if !t.HasColumn(col) {
				add("index column %s does not exist", col)
			}
		}
		if (i.Type == IndexSpatial || i.Type == IndexGeographic) && len(i.Columns) == 1 {
			if c := t.Column(i.Columns[0]); c != nil && !c.Type.IsGeometry() {
				add("spatial index on non-geometry column %s", c.Name)
			}
		}
	}

	for _, c := range t.Constraints {
		for _, col := range c.Columns {
			if !t.HasColumn(col) {
				add("constraint column %s does not exist", col)
			}
		}
		if c.Type == ConstraintForeignKey && c.Reference == nil {
			add("foreign key on %s has no reference", strings.Join(c.Columns, ","))
		}
	}

	return errs
}

// VersionedCompanion derives the delta or base table for a versioned feature
// table. Both are keyed by (key, myw_delta); delta rows also carry the change type.
func VersionedCompanion(t *Table, schemaName string) *Table {
	out := NewTable(schemaName, t.Name)
	out.PrimaryGeom = t.PrimaryGeom
	for _, c := range t.Columns() {
		cp := c.Clone()
		if cp.Key {
			cp.Generator = ""
		}
		_ = out.AddColumn(cp)
	}
	_ = out.AddColumn(&Column{Name: DeltaColumn, Type: Type{Base: TypeString, Length: 400}, Key: true})
	if schemaName == "delta" {
		_ = out.AddColumn(&Column{Name: ChangeTypeColumn, Type: Type{Base: TypeString, Length: 10}})
	}
	for _, i := range t.Indexes {
		ic := *i
		ic.DBName = ""
		out.Indexes = append(out.Indexes, &ic)
	}
	return out
}
