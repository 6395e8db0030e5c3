package schema

import "fmt"

// Column generators.
const (
	GenSequence    = "sequence"
	GenSystemNow   = "system_now"
	GenNowUTC      = "now_utc"
	GenApplication = "application"
	GenUser        = "user"
)

// Column describes one column of a table.
type Column struct {
	Name        string `json:"name"`
	Type        Type   `json:"-"`
	Nullable    bool   `json:"nullable"`
	Default     string `json:"default,omitempty"`
	Generator   string `json:"generator,omitempty"`
	Unit        string `json:"unit,omitempty"`
	DisplayUnit string `json:"display_unit,omitempty"`
	Key         bool   `json:"key,omitempty"`
}

// HasDefault reports whether the column declares a default value.
func (c *Column) HasDefault() bool { return c.Default != "" }

// Clone returns a copy of the column.
func (c *Column) Clone() *Column {
	cp := *c
	return &cp
}

// Equal reports whether two columns have the same shape.
func (c *Column) Equal(o *Column) bool {
	return c.Name == o.Name && c.Type == o.Type && c.Nullable == o.Nullable &&
		c.Default == o.Default && c.Generator == o.Generator && c.Key == o.Key &&
		c.Unit == o.Unit
}

// IndexType classifies how an index is built.
type IndexType string

const (
	IndexPlain      IndexType = "plain"
	IndexLike       IndexType = "like"
	IndexSpatial    IndexType = "spatial"
	IndexGeographic IndexType = "geographic"
)

// Index describes a secondary index.
type Index struct {
	Columns []string          `json:"columns"`
	Type    IndexType         `json:"type"`
	Unique  bool              `json:"unique,omitempty"`
	DBName  string            `json:"db_name,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Key identifies an index by shape, ignoring its database name.
func (i *Index) Key() string {
	return fmt.Sprintf("%s|%v|%v", i.Type, i.Unique, i.Columns)
}

// ConstraintType classifies a table constraint.
type ConstraintType string

const (
	ConstraintPrimaryKey ConstraintType = "PRIMARY KEY"
	ConstraintUnique     ConstraintType = "UNIQUE"
	ConstraintForeignKey ConstraintType = "FOREIGN KEY"
	ConstraintCheck      ConstraintType = "CHECK"
)

// Reference is the target of a foreign key constraint.
type Reference struct {
	Schema  string   `json:"schema,omitempty"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

// Constraint describes a table constraint.
type Constraint struct {
	Type      ConstraintType `json:"type"`
	Columns   []string       `json:"columns,omitempty"`
	Reference *Reference     `json:"reference,omitempty"`
	Check     string         `json:"check,omitempty"`
	Name      string         `json:"name,omitempty"`
}

// Key identifies a constraint by shape.
func (c *Constraint) Key() string {
	k := fmt.Sprintf("%s|%v|%s", c.Type, c.Columns, c.Check)
	if c.Reference != nil {
		k += fmt.Sprintf("|%s.%s%v", c.Reference.Schema, c.Reference.Table, c.Reference.Columns)
	}
	return k
}

// Table describes a physical table. Columns are kept in declaration order.
type Table struct {
	Schema      string
	Name        string
	PrimaryGeom string
	Indexes     []*Index
	Constraints []*Constraint

	columns []*Column
	byName  map[string]*Column
	keys    []string
}

// NewTable creates an empty table descriptor.
func NewTable(schemaName, name string) *Table {
	return &Table{Schema: schemaName, Name: name, byName: make(map[string]*Column)}
}

// ColumnOption customises a column added with Add.
type ColumnOption func(*Column)

// Key marks the column as part of the primary key.
func Key() ColumnOption { return func(c *Column) { c.Key = true } }

// NotNull makes the column mandatory.
func NotNull() ColumnOption { return func(c *Column) { c.Nullable = false } }

// Default sets the column default (an SQL literal).
func Default(v string) ColumnOption { return func(c *Column) { c.Default = v } }

// Generator sets the column value generator.
func Generator(g string) ColumnOption { return func(c *Column) { c.Generator = g } }

// Unit sets the stored unit of a numeric column.
func Unit(u string) ColumnOption { return func(c *Column) { c.Unit = u } }

// Add appends a column built from a semantic type string. It panics on an
// unparseable type or duplicate name and is intended for static definitions.
func (t *Table) Add(name, typ string, opts ...ColumnOption) *Table {
	c := &Column{Name: name, Type: MustParseType(typ), Nullable: true}
	for _, o := range opts {
		o(c)
	}
	if err := t.AddColumn(c); err != nil {
		panic(err)
	}
	return t
}

// AddColumn appends a column. Returns an error if the name is already used.
func (t *Table) AddColumn(c *Column) error {
	if t.byName == nil {
		t.byName = make(map[string]*Column)
	}
	if _, ok := t.byName[c.Name]; ok {
		return fmt.Errorf("schema: duplicate column %q in %s.%s", c.Name, t.Schema, t.Name)
	}
	if c.Key {
		c.Nullable = false
		t.keys = append(t.keys, c.Name)
	}
	t.columns = append(t.columns, c)
	t.byName[c.Name] = c
	return nil
}

// RemoveColumn drops a column from the descriptor.
func (t *Table) RemoveColumn(name string) {
	if _, ok := t.byName[name]; !ok {
		return
	}
	delete(t.byName, name)
	cols := t.columns[:0]
	for _, c := range t.columns {
		if c.Name != name {
			cols = append(cols, c)
		}
	}
	t.columns = cols
	keys := t.keys[:0]
	for _, k := range t.keys {
		if k != name {
			keys = append(keys, k)
		}
	}
	t.keys = keys
}

// AddIndex appends an index and returns the table for chaining.
func (t *Table) AddIndex(typ IndexType, unique bool, columns ...string) *Table {
	t.Indexes = append(t.Indexes, &Index{Columns: columns, Type: typ, Unique: unique})
	return t
}

// AddConstraint appends a constraint.
func (t *Table) AddConstraint(c *Constraint) *Table {
	t.Constraints = append(t.Constraints, c)
	return t
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column { return t.byName[name] }

// HasColumn reports whether the table has the named column.
func (t *Table) HasColumn(name string) bool { _, ok := t.byName[name]; return ok }

// Columns returns the columns in declaration order.
func (t *Table) Columns() []*Column { return t.columns }

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

// KeyColumns returns the primary key column names in declaration order.
func (t *Table) KeyColumns() []string { return t.keys }

// KeyColumn returns the single key column, or nil for composite or missing keys.
func (t *Table) KeyColumn() *Column {
	if len(t.keys) != 1 {
		return nil
	}
	return t.byName[t.keys[0]]
}

// GeomColumns returns the geometry columns in declaration order.
func (t *Table) GeomColumns() []*Column {
	var out []*Column
	for _, c := range t.columns {
		if c.Type.IsGeometry() {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy of the descriptor.
func (t *Table) Clone() *Table {
	cp := NewTable(t.Schema, t.Name)
	cp.PrimaryGeom = t.PrimaryGeom
	for _, c := range t.columns {
		_ = cp.AddColumn(c.Clone())
	}
	for _, i := range t.Indexes {
		ic := *i
		ic.Columns = append([]string(nil), i.Columns...)
		cp.Indexes = append(cp.Indexes, &ic)
	}
	for _, c := range t.Constraints {
		cc := *c
		cc.Columns = append([]string(nil), c.Columns...)
		cp.Constraints = append(cp.Constraints, &cc)
	}
	return cp
}

// WithSchema returns a copy of the descriptor placed in another schema.
func (t *Table) WithSchema(schemaName string) *Table {
	cp := t.Clone()
	cp.Schema = schemaName
	return cp
}
