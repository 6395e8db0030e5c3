package dd

import (
	"encoding/json"
	"fmt"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
)

// DefaultDatasource is the datasource of features stored in the database itself.
const DefaultDatasource = "myworld"

// WorldFieldPrefix names the column holding a geometry's world name.
const WorldFieldPrefix = "myw_gwn_"

// FieldDesc describes one field of a feature type.
type FieldDesc struct {
	Name             string          `json:"name"`
	ExternalName     string          `json:"external_name,omitempty"`
	Type             string          `json:"type"`
	Key              bool            `json:"key,omitempty"`
	Mandatory        bool            `json:"mandatory,omitempty"`
	Enum             string          `json:"enum,omitempty"`
	Generator        string          `json:"generator,omitempty"`
	Default          string          `json:"default,omitempty"`
	Hidden           bool            `json:"hidden,omitempty"`
	ReadOnly         bool            `json:"read_only,omitempty"`
	Unit             string          `json:"unit,omitempty"`
	DisplayUnit      string          `json:"display_unit,omitempty"`
	UnitScale        string          `json:"unit_scale,omitempty"`
	MinValue         *float64        `json:"min_value,omitempty"`
	MaxValue         *float64        `json:"max_value,omitempty"`
	Indexed          bool            `json:"indexed,omitempty"`
	ViewerClass      string          `json:"viewer_class,omitempty"`
	EditorClass      string          `json:"editor_class,omitempty"`
	NewRow           bool            `json:"new_row,omitempty"`
	Validators       json.RawMessage `json:"validators,omitempty"`
	CreatesWorldType string          `json:"creates_world_type,omitempty"`
}

// GroupDesc is a named group of fields in the editor.
type GroupDesc struct {
	Name     string   `json:"name"`
	Expanded bool     `json:"expanded,omitempty"`
	Fields   []string `json:"fields"`
}

// SearchDesc is a search rule in expression form.
type SearchDesc struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Lang        string `json:"lang,omitempty"`
}

// QueryDesc is a predefined query.
type QueryDesc struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Filter      string `json:"filter,omitempty"`
	Lang        string `json:"lang,omitempty"`
}

// FilterDesc is a named filter expression.
type FilterDesc struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FeatureDescriptor is the complete definition of a feature type, as held in
// .def files.
type FeatureDescriptor struct {
	Datasource       string          `json:"datasource,omitempty"`
	Name             string          `json:"name"`
	ExternalName     string          `json:"external_name,omitempty"`
	Title            string          `json:"title,omitempty"`
	ShortDescription string          `json:"short_description,omitempty"`
	PrimaryGeom      string          `json:"primary_geom_name,omitempty"`
	Untracked        bool            `json:"untracked,omitempty"`
	Versioned        bool            `json:"versioned,omitempty"`
	Editable         bool            `json:"editable,omitempty"`
	Unindexed        bool            `json:"geom_unindexed,omitempty"`
	FilterFields     []string        `json:"filter_fields,omitempty"`
	Fields           []*FieldDesc    `json:"fields"`
	Groups           []GroupDesc     `json:"groups,omitempty"`
	Searches         []SearchDesc    `json:"searches,omitempty"`
	Queries          []QueryDesc     `json:"queries,omitempty"`
	Filters          []FilterDesc    `json:"filters,omitempty"`
	EditorOptions    json.RawMessage `json:"editor_options,omitempty"`
	RemoteSpec       json.RawMessage `json:"remote_spec,omitempty"`
}

// ParseFeatureDescriptor decodes a .def document.
func ParseFeatureDescriptor(data []byte) (*FeatureDescriptor, error) {
	var d FeatureDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, myerrors.Wrap(myerrors.ErrCategoryConfig, myerrors.CodeBadDescriptor, "malformed feature definition", err)
	}
	if d.Datasource == "" {
		d.Datasource = DefaultDatasource
	}
	return &d, nil
}

// Marshal encodes the descriptor as an indented .def document.
func (d *FeatureDescriptor) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "   ")
}

// Field returns the named field, or nil.
func (d *FeatureDescriptor) Field(name string) *FieldDesc {
	for _, f := range d.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// KeyName returns the name of the key field.
func (d *FeatureDescriptor) KeyName() string {
	for _, f := range d.Fields {
		if f.Key {
			return f.Name
		}
	}
	return ""
}

// PrimaryGeomName returns the declared primary geometry, defaulting to the
// first geometry field.
func (d *FeatureDescriptor) PrimaryGeomName() string {
	if d.PrimaryGeom != "" {
		return d.PrimaryGeom
	}
	for _, f := range d.Fields {
		if t, err := schema.ParseType(f.Type); err == nil && t.IsGeometry() {
			return f.Name
		}
	}
	return ""
}

// TableName returns the physical table of the feature type. Features of
// external datasources mirrored locally are prefixed with the datasource.
func (d *FeatureDescriptor) TableName() string {
	return TableNameFor(d.Datasource, d.Name)
}

// TableNameFor returns the physical table name of a feature type.
func TableNameFor(datasource, name string) string {
	if datasource == "" || datasource == DefaultDatasource {
		return name
	}
	return datasource + "_" + name
}

// Check validates the descriptor's internal consistency.
func (d *FeatureDescriptor) Check() error {
	bad := func(format string, args ...interface{}) error {
		return myerrors.NewConfigError(myerrors.CodeBadDescriptor, fmt.Sprintf("feature %s: ", d.Name)+fmt.Sprintf(format, args...))
	}
	if !schema.ValidateName(d.Name) {
		return bad("invalid name")
	}
	if len(d.Fields) == 0 {
		return bad("no fields")
	}
	keys := 0
	seen := make(map[string]bool)
	for _, f := range d.Fields {
		if seen[f.Name] {
			return bad("duplicate field %s", f.Name)
		}
		seen[f.Name] = true
		if _, err := schema.ParseType(f.Type); err != nil {
			return bad("field %s: %v", f.Name, err)
		}
		if f.Key {
			keys++
		}
	}
	if keys != 1 {
		return bad("must have exactly one key field, has %d", keys)
	}
	if pg := d.PrimaryGeom; pg != "" && d.Field(pg) == nil {
		return bad("primary geometry %s is not a field", pg)
	}
	if len(d.FilterFields) > 8 {
		return bad("at most 8 filter fields")
	}
	for _, f := range d.FilterFields {
		if f != "" && d.Field(f) == nil {
			return bad("filter field %s is not a field", f)
		}
	}
	for _, g := range d.Groups {
		for _, f := range g.Fields {
			if d.Field(f) == nil {
				return bad("group %s references unknown field %s", g.Name, f)
			}
		}
	}
	return nil
}

// Table builds the physical table descriptor of the feature type in a schema.
func (d *FeatureDescriptor) Table(schemaName string) (*schema.Table, error) {
	data := schema.NewTable("data", d.TableName())
	data.PrimaryGeom = d.PrimaryGeomName()
	for _, f := range d.Fields {
		typ, err := schema.ParseType(f.Type)
		if err != nil {
			return nil, myerrors.NewConfigError(myerrors.CodeBadDescriptor, fmt.Sprintf("feature %s field %s: %v", d.Name, f.Name, err))
		}
		col := &schema.Column{
			Name:        f.Name,
			Type:        typ,
			Nullable:    !f.Mandatory && !f.Key,
			Default:     f.Default,
			Generator:   f.Generator,
			Unit:        f.Unit,
			DisplayUnit: f.DisplayUnit,
			Key:         f.Key,
		}
		if err := data.AddColumn(col); err != nil {
			return nil, err
		}
		switch {
		case typ.IsGeometry():
			data.AddIndex(schema.IndexSpatial, false, f.Name)
		case f.Indexed && typ.IsText():
			data.AddIndex(schema.IndexLike, false, f.Name)
		case f.Indexed:
			data.AddIndex(schema.IndexPlain, false, f.Name)
		}
	}
	if errs := schema.Validate(data); len(errs) > 0 {
		return nil, myerrors.Wrap(myerrors.ErrCategoryConfig, myerrors.CodeBadDescriptor, "invalid feature table", errs[0])
	}
	if schemaName == "data" {
		return data, nil
	}
	return schema.VersionedCompanion(data, schemaName), nil
}
