package dd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/expr"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// FeatureRec is a row of dd_feature.
type FeatureRec struct {
	ID                   int64
	Datasource           string
	Name                 string
	ExternalName         string
	KeyName              string
	PrimaryGeomName      string
	TitleExpr            string
	ShortDescriptionExpr string
	TrackChanges         bool
	Versioned            bool
	Editable             bool
	GeomIndexed          bool
	FilterFields         [driver.MaxFilters]string
	EditorOptions        string
	RemoteSpec           string
}

// TableName returns the physical table holding the feature's records.
func (r *FeatureRec) TableName() string { return TableNameFor(r.Datasource, r.Name) }

// RecordID is the configuration log id of the feature type.
func (r *FeatureRec) RecordID() string { return r.Datasource + "/" + r.Name }

// Schemas lists the schemas holding tables of the feature type.
func (r *FeatureRec) Schemas() []string { return featureSchemas(r.Versioned) }

func featureSchemas(versioned bool) []string {
	if versioned {
		return []string{types.SchemaData, types.SchemaDelta, types.SchemaBase}
	}
	return []string{types.SchemaData}
}

func featureRecFrom(r types.Record) *FeatureRec {
	rec := &FeatureRec{
		ID:                   r.Int("id"),
		Datasource:           r.String("datasource_name"),
		Name:                 r.String("feature_name"),
		ExternalName:         r.String("external_name"),
		KeyName:              r.String("key_name"),
		PrimaryGeomName:      r.String("primary_geom_name"),
		TitleExpr:            r.String("title_expr"),
		ShortDescriptionExpr: r.String("short_description_expr"),
		TrackChanges:         r.Bool("track_changes"),
		Versioned:            r.Bool("versioned"),
		Editable:             r.Bool("editable"),
		GeomIndexed:          r.Bool("geom_indexed"),
		EditorOptions:        r.String("editor_options"),
		RemoteSpec:           r.String("remote_spec"),
	}
	for k := range rec.FilterFields {
		rec.FilterFields[k] = r.String(filterFieldColumn(k))
	}
	return rec
}

func filterFieldColumn(k int) string { return fmt.Sprintf("filter%d_field", k+1) }

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func recordFloat(r types.Record, col string) *float64 {
	var f float64
	switch t := r[col].(type) {
	case float64:
		f = t
	case int64:
		f = float64(t)
	case []byte:
		v, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return nil
		}
		f = v
	case string:
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil
		}
		f = v
	default:
		return nil
	}
	return &f
}

// FeatureTypeRec returns the record of a feature type. Raises ConfigError
// UNKNOWN_FEATURE_TYPE when it does not exist.
func (m *Manager) FeatureTypeRec(ctx context.Context, datasource, name string) (*FeatureRec, error) {
	rec, err := m.findFeatureRec(ctx, datasource, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, myerrors.NewConfigError(myerrors.CodeUnknownFeatureType,
			fmt.Sprintf("no such feature type: %s/%s", datasource, name))
	}
	return rec, nil
}

func (m *Manager) findFeatureRec(ctx context.Context, datasource, name string) (*FeatureRec, error) {
	if datasource == "" {
		datasource = DefaultDatasource
	}
	recs, err := m.Records(ctx, "dd_feature", "datasource_name = ? AND feature_name = ?", datasource, name)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return featureRecFrom(recs[0]), nil
}

// FeatureTypes returns the feature types of a datasource whose names match a
// glob. An empty datasource matches all datasources and an empty spec all names.
func (m *Manager) FeatureTypes(ctx context.Context, datasource, nameSpec string, versionedOnly bool) ([]*FeatureRec, error) {
	where, args := "", []interface{}{}
	if datasource != "" {
		where, args = "datasource_name = ?", append(args, datasource)
	}
	recs, err := m.Records(ctx, "dd_feature", where, args...)
	if err != nil {
		return nil, err
	}
	var out []*FeatureRec
	for _, r := range recs {
		rec := featureRecFrom(r)
		if nameSpec != "" {
			if ok, err := path.Match(nameSpec, rec.Name); err != nil {
				return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("bad name spec %q", nameSpec))
			} else if !ok {
				continue
			}
		}
		if versionedOnly && !rec.Versioned {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Datasource != out[j].Datasource {
			return out[i].Datasource < out[j].Datasource
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// FieldRecs returns the dd_field rows of a feature type in position order.
func (m *Manager) FieldRecs(ctx context.Context, datasource, name string) ([]types.Record, error) {
	recs, err := m.Records(ctx, "dd_field", "datasource_name = ? AND table_name = ?", datasource, name)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Int("position") < recs[j].Int("position") })
	return recs, nil
}

// FeatureTypeDescriptor rebuilds the full descriptor of a feature type from
// the data dictionary.
func (m *Manager) FeatureTypeDescriptor(ctx context.Context, datasource, name string) (*FeatureDescriptor, error) {
	rec, err := m.FeatureTypeRec(ctx, datasource, name)
	if err != nil {
		return nil, err
	}
	d := &FeatureDescriptor{
		Datasource:       rec.Datasource,
		Name:             rec.Name,
		ExternalName:     rec.ExternalName,
		Title:            rec.TitleExpr,
		ShortDescription: rec.ShortDescriptionExpr,
		Untracked:        !rec.TrackChanges,
		Versioned:        rec.Versioned,
		Editable:         rec.Editable,
		Unindexed:        !rec.GeomIndexed,
	}
	if rec.EditorOptions != "" {
		d.EditorOptions = json.RawMessage(rec.EditorOptions)
	}
	if rec.RemoteSpec != "" {
		d.RemoteSpec = json.RawMessage(rec.RemoteSpec)
	}
	last := -1
	for k, f := range rec.FilterFields {
		if f != "" {
			last = k
		}
	}
	if last >= 0 {
		d.FilterFields = append([]string(nil), rec.FilterFields[:last+1]...)
	}

	fields, err := m.FieldRecs(ctx, rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	for _, r := range fields {
		f := &FieldDesc{
			Name:             r.String("internal_name"),
			ExternalName:     r.String("external_name"),
			Type:             r.String("type"),
			Key:              r.Bool("is_key"),
			Mandatory:        r.Bool("mandatory"),
			Enum:             r.String("enum"),
			Generator:        r.String("generator"),
			Default:          r.String("default_value"),
			Hidden:           !r.Bool("visible"),
			ReadOnly:         r.Bool("read_only"),
			Unit:             r.String("unit"),
			DisplayUnit:      r.String("display_unit"),
			UnitScale:        r.String("unit_scale"),
			MinValue:         recordFloat(r, "min_value"),
			MaxValue:         recordFloat(r, "max_value"),
			Indexed:          r.Bool("indexed"),
			ViewerClass:      r.String("viewer_class"),
			EditorClass:      r.String("editor_class"),
			NewRow:           r.Bool("new_row"),
			CreatesWorldType: r.String("creates_world_type"),
		}
		if v := r.String("validators"); v != "" {
			f.Validators = json.RawMessage(v)
		}
		d.Fields = append(d.Fields, f)
	}
	if rec.PrimaryGeomName != d.PrimaryGeomName() {
		d.PrimaryGeom = rec.PrimaryGeomName
	}

	groups, err := m.Records(ctx, "dd_field_group", "datasource_name = ? AND feature_name = ?", rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Int("display_position") < groups[j].Int("display_position")
	})
	for _, g := range groups {
		items, err := m.Records(ctx, "dd_field_group_item", "container_id = ?", g.Int("id"))
		if err != nil {
			return nil, err
		}
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Int("display_position") < items[j].Int("display_position")
		})
		gd := GroupDesc{Name: g.String("display_name"), Expanded: g.Bool("is_expanded"), Fields: []string{}}
		for _, it := range items {
			gd.Fields = append(gd.Fields, it.String("field_name"))
		}
		d.Groups = append(d.Groups, gd)
	}

	searches, err := m.Records(ctx, "search_rule", "datasource_name = ? AND feature_name = ?", rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	for _, s := range searches {
		d.Searches = append(d.Searches, SearchDesc{
			Value: s.String("search_val_expr"), Description: s.String("search_desc_expr"), Lang: s.String("lang"),
		})
	}

	queries, err := m.Records(ctx, "query", "datasource_name = ? AND myw_object_type = ?", rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	for _, q := range queries {
		d.Queries = append(d.Queries, QueryDesc{
			Name: q.String("myw_search_val1"), Description: q.String("myw_search_desc1"),
			Filter: q.String("attrib_query"), Lang: q.String("lang"),
		})
	}

	filters, err := m.Records(ctx, "filter", "datasource_name = ? AND feature_name = ?", rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	for _, f := range filters {
		d.Filters = append(d.Filters, FilterDesc{Name: f.String("name"), Value: f.String("value")})
	}
	return d, nil
}

// featureRecord renders the dd_feature row of a descriptor.
func featureRecord(d *FeatureDescriptor) types.Record {
	r := types.Record{
		"datasource_name":        d.Datasource,
		"feature_name":           d.Name,
		"external_name":          nullString(d.ExternalName),
		"key_name":               d.KeyName(),
		"primary_geom_name":      nullString(d.PrimaryGeomName()),
		"title_expr":             nullString(d.Title),
		"short_description_expr": nullString(d.ShortDescription),
		"track_changes":          !d.Untracked,
		"versioned":              d.Versioned,
		"editable":               d.Editable,
		"geom_indexed":           !d.Unindexed,
		"editor_options":         nullRaw(d.EditorOptions),
		"remote_spec":            nullRaw(d.RemoteSpec),
	}
	for k := 0; k < driver.MaxFilters; k++ {
		var f string
		if k < len(d.FilterFields) {
			f = d.FilterFields[k]
		}
		r[filterFieldColumn(k)] = nullString(f)
	}
	return r
}

func fieldRecord(d *FeatureDescriptor, pos int, f *FieldDesc) types.Record {
	r := types.Record{
		"datasource_name":    d.Datasource,
		"table_name":         d.Name,
		"internal_name":      f.Name,
		"external_name":      nullString(f.ExternalName),
		"type":               f.Type,
		"enum":               nullString(f.Enum),
		"generator":          nullString(f.Generator),
		"default_value":      nullString(f.Default),
		"mandatory":          f.Mandatory,
		"is_key":             f.Key,
		"visible":            !f.Hidden,
		"read_only":          f.ReadOnly,
		"unit":               nullString(f.Unit),
		"display_unit":       nullString(f.DisplayUnit),
		"unit_scale":         nullString(f.UnitScale),
		"indexed":            f.Indexed,
		"viewer_class":       nullString(f.ViewerClass),
		"editor_class":       nullString(f.EditorClass),
		"new_row":            f.NewRow,
		"validators":         nullRaw(f.Validators),
		"creates_world_type": nullString(f.CreatesWorldType),
		"position":           pos,
		"min_value":          nil,
		"max_value":          nil,
	}
	if f.MinValue != nil {
		r["min_value"] = *f.MinValue
	}
	if f.MaxValue != nil {
		r["max_value"] = *f.MaxValue
	}
	return r
}

// writeFeatureRecords stores the dd rows of a descriptor. An existing
// dd_feature row is updated in place; its substructure is replaced.
func (m *Manager) writeFeatureRecords(ctx context.Context, d *FeatureDescriptor, existing *FeatureRec) error {
	rec := featureRecord(d)
	if existing != nil {
		rec["id"] = existing.ID
		if _, err := m.UpdateRecord(ctx, "dd_feature", rec); err != nil {
			return err
		}
		if err := m.deleteFeatureSubstructure(ctx, existing.Datasource, existing.Name); err != nil {
			return err
		}
	} else if _, err := m.InsertRecord(ctx, "dd_feature", rec); err != nil {
		return err
	}

	for i, f := range d.Fields {
		if _, err := m.InsertRecord(ctx, "dd_field", fieldRecord(d, i, f)); err != nil {
			return err
		}
	}
	for i, g := range d.Groups {
		id, err := m.InsertRecord(ctx, "dd_field_group", types.Record{
			"datasource_name": d.Datasource, "feature_name": d.Name,
			"display_name": g.Name, "is_expanded": g.Expanded, "display_position": i,
		})
		if err != nil {
			return err
		}
		for j, f := range g.Fields {
			if _, err := m.InsertRecord(ctx, "dd_field_group_item", types.Record{
				"container_id": id, "field_name": f, "display_position": j,
			}); err != nil {
				return err
			}
		}
	}
	for _, s := range d.Searches {
		if _, err := m.insertSearchRule(ctx, d.Datasource, d.Name, s); err != nil {
			return err
		}
	}
	for _, q := range d.Queries {
		if _, err := m.insertQuery(ctx, d.Datasource, d.Name, q); err != nil {
			return err
		}
	}
	for _, f := range d.Filters {
		if _, err := m.InsertRecord(ctx, "filter", types.Record{
			"datasource_name": d.Datasource, "feature_name": d.Name, "name": f.Name, "value": f.Value,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) insertSearchRule(ctx context.Context, datasource, feature string, s SearchDesc) (int64, error) {
	return m.InsertRecord(ctx, "search_rule", types.Record{
		"datasource_name": datasource, "feature_name": feature,
		"search_val_expr": s.Value, "search_desc_expr": nullString(s.Description), "lang": nullString(s.Lang),
	})
}

func (m *Manager) insertQuery(ctx context.Context, datasource, feature string, q QueryDesc) (int64, error) {
	return m.InsertRecord(ctx, "query", types.Record{
		"datasource_name": datasource, "myw_object_type": feature,
		"myw_search_val1": q.Name, "myw_search_desc1": nullString(q.Description),
		"attrib_query": nullString(q.Filter), "lang": nullString(q.Lang),
	})
}

func (m *Manager) deleteFeatureSubstructure(ctx context.Context, datasource, name string) error {
	groupIDs := fmt.Sprintf("container_id IN (SELECT id FROM %s WHERE datasource_name = ? AND feature_name = ?)",
		m.mywTable("dd_field_group"))
	if _, err := m.DeleteRecords(ctx, "dd_field_group_item", groupIDs, datasource, name); err != nil {
		return err
	}
	for _, t := range []struct{ table, col string }{
		{"dd_field_group", "feature_name"},
		{"dd_field", "table_name"},
		{"search_rule", "feature_name"},
		{"query", "myw_object_type"},
		{"filter", "feature_name"},
	} {
		if _, err := m.DeleteRecords(ctx, t.table, "datasource_name = ? AND "+t.col+" = ?", datasource, name); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFeatureType stores the dictionary records of a feature type
// without creating tables. Used for external datasources.
func (m *Manager) RegisterFeatureType(ctx context.Context, d *FeatureDescriptor) (*FeatureRec, error) {
	if err := m.ValidateFeatureDescriptor(ctx, d); err != nil {
		return nil, err
	}
	existing, err := m.findFeatureRec(ctx, d.Datasource, d.Name)
	if err != nil {
		return nil, err
	}
	err = m.s.InTransaction(ctx, func(ctx context.Context) error {
		return m.writeFeatureRecords(ctx, d, existing)
	})
	if err != nil {
		return nil, err
	}
	m.invalidateFeature(d.Datasource, d.Name)
	return m.FeatureTypeRec(ctx, d.Datasource, d.Name)
}

// CreateFeatureType stores a new feature type and creates its tables and
// triggers.
func (m *Manager) CreateFeatureType(ctx context.Context, d *FeatureDescriptor) (*FeatureRec, error) {
	if d.Datasource == "" {
		d.Datasource = DefaultDatasource
	}
	if err := m.ValidateFeatureDescriptor(ctx, d); err != nil {
		return nil, err
	}
	existing, err := m.findFeatureRec(ctx, d.Datasource, d.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, myerrors.NewConfigError(myerrors.CodeConflictingOption,
			fmt.Sprintf("feature type %s already exists", existing.RecordID()))
	}

	var rec *FeatureRec
	err = m.s.InTransaction(ctx, func(ctx context.Context) error {
		if err := m.writeFeatureRecords(ctx, d, nil); err != nil {
			return err
		}
		for _, schemaName := range featureSchemas(d.Versioned) {
			t, err := d.Table(schemaName)
			if err != nil {
				return err
			}
			if err := m.s.CreateTable(ctx, t); err != nil {
				return err
			}
		}
		m.invalidateFeature(d.Datasource, d.Name)
		var err error
		if rec, err = m.FeatureTypeRec(ctx, d.Datasource, d.Name); err != nil {
			return err
		}
		return m.RebuildTriggers(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("dd: created feature type %s", rec.RecordID())
	return rec, nil
}

// AlterFeatureType mutates a feature type to match a new descriptor. The
// physical tables are altered, triggers rebuilt and index rows regenerated
// when the change affects them.
func (m *Manager) AlterFeatureType(ctx context.Context, rec *FeatureRec, d *FeatureDescriptor, opts driver.AlterOptions) error {
	if d.Datasource == "" {
		d.Datasource = rec.Datasource
	}
	if d.Datasource != rec.Datasource || d.Name != rec.Name {
		return myerrors.NewConfigError(myerrors.CodeConflictingOption, "feature type cannot be renamed")
	}
	if err := m.ValidateFeatureDescriptor(ctx, d); err != nil {
		return err
	}
	old, err := m.FeatureTypeDescriptor(ctx, rec.Datasource, rec.Name)
	if err != nil {
		return err
	}
	if old.KeyName() != d.KeyName() {
		return myerrors.NewSchemaError(myerrors.CodeUnsupportedMutation,
			fmt.Sprintf("feature type %s: key field cannot change", rec.RecordID()), nil)
	}
	oldDef, err := m.FeatureDef(ctx, rec)
	if err != nil {
		return err
	}

	err = m.s.InTransaction(ctx, func(ctx context.Context) error {
		for _, schemaName := range rec.Schemas() {
			if err := m.s.DropFeatureTriggers(ctx, schemaName, oldDef); err != nil {
				return err
			}
		}
		if err := m.alterFeatureTables(ctx, old, d, opts); err != nil {
			return err
		}
		if err := m.writeFeatureRecords(ctx, d, rec); err != nil {
			return err
		}
		m.invalidateFeature(rec.Datasource, rec.Name)

		nrec, err := m.FeatureTypeRec(ctx, rec.Datasource, rec.Name)
		if err != nil {
			return err
		}
		if err := m.RebuildTriggers(ctx, nrec); err != nil {
			return err
		}
		if geomIndexesAffected(old, d) {
			if err := m.rebuildGeomIndexes(ctx, nrec); err != nil {
				return err
			}
		}
		if searchesAffected(old, d) {
			return m.rebuildSearches(ctx, nrec, oldDef)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("dd: altered feature type %s", rec.RecordID())
	return nil
}

func (m *Manager) alterFeatureTables(ctx context.Context, old, d *FeatureDescriptor, opts driver.AlterOptions) error {
	for _, schemaName := range featureSchemas(old.Versioned || d.Versioned) {
		nt, err := d.Table(schemaName)
		if err != nil {
			return err
		}
		switch {
		case schemaName != types.SchemaData && !old.Versioned:
			if err := m.s.CreateTable(ctx, nt); err != nil {
				return err
			}
		case schemaName != types.SchemaData && !d.Versioned:
			n, err := m.s.Count(ctx, schemaName, nt.Name)
			if err != nil {
				return err
			}
			if n > 0 {
				return myerrors.NewSchemaError(myerrors.CodeDDLConflict,
					fmt.Sprintf("cannot unversion %s: %s table has %d rows", d.Name, schemaName, n), nil)
			}
			if err := m.s.DropTableIfExists(ctx, schemaName, nt.Name); err != nil {
				return err
			}
		default:
			ot, err := old.Table(schemaName)
			if err != nil {
				return err
			}
			if err := m.s.AlterTable(ctx, ot, nt, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

func geomIndexesAffected(old, d *FeatureDescriptor) bool {
	if old.Unindexed != d.Unindexed || !equalStrings(old.FilterFields, d.FilterFields) {
		return true
	}
	geomShape := func(fd *FeatureDescriptor) []string {
		var out []string
		for _, f := range fd.Fields {
			if t, err := schema.ParseType(f.Type); err == nil && t.IsGeometry() {
				out = append(out, f.Name+":"+f.Type)
			}
			if strings.HasPrefix(f.Name, WorldFieldPrefix) {
				out = append(out, f.Name)
			}
		}
		return out
	}
	return !equalStrings(geomShape(old), geomShape(d))
}

func searchesAffected(old, d *FeatureDescriptor) bool {
	if old.Title != d.Title || old.ShortDescription != d.ShortDescription || old.ExternalName != d.ExternalName {
		return true
	}
	if len(old.Searches) != len(d.Searches) {
		return true
	}
	for i := range old.Searches {
		if old.Searches[i] != d.Searches[i] {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DropFeatureType removes a feature type, its tables and its index rows. The
// data table must be empty unless force is set.
func (m *Manager) DropFeatureType(ctx context.Context, datasource, name string, force bool) error {
	rec, err := m.FeatureTypeRec(ctx, datasource, name)
	if err != nil {
		return err
	}
	table := rec.TableName()
	exists, err := m.s.TableExists(ctx, types.SchemaData, table)
	if err != nil {
		return err
	}
	if exists && !force {
		n, err := m.s.Count(ctx, types.SchemaData, table)
		if err != nil {
			return err
		}
		if n > 0 {
			return myerrors.NewSchemaError(myerrors.CodeDDLConflict,
				fmt.Sprintf("feature type %s has %d records", rec.RecordID(), n), nil)
		}
	}

	err = m.s.InTransaction(ctx, func(ctx context.Context) error {
		if exists {
			if err := m.deleteIndexRows(ctx, table, rec.Versioned); err != nil {
				return err
			}
			for _, schemaName := range rec.Schemas() {
				if err := m.s.DropTableIfExists(ctx, schemaName, table); err != nil {
					return err
				}
			}
		}
		if err := m.deleteFeatureSubstructure(ctx, rec.Datasource, rec.Name); err != nil {
			return err
		}
		_, err := m.DeleteRecords(ctx, "dd_feature", "id = ?", rec.ID)
		return err
	})
	if err != nil {
		return err
	}
	m.invalidateFeature(rec.Datasource, rec.Name)
	log.Printf("dd: dropped feature type %s", rec.RecordID())
	return nil
}

func (m *Manager) deleteIndexRows(ctx context.Context, table string, versioned bool) error {
	for _, delta := range []bool{false, true} {
		if delta && !versioned {
			continue
		}
		for _, t := range IndexTables(delta) {
			col := "feature_table"
			if t.Name == SearchStringTable(delta).Name {
				col = "feature_name"
			}
			if _, err := m.DeleteRecords(ctx, t.Name, col+" = ?", table); err != nil {
				return err
			}
		}
	}
	return nil
}

func featureDefKey(datasource, name string) string { return "featuredef:" + datasource + "/" + name }

func (m *Manager) invalidateFeature(datasource, name string) {
	m.s.Cache().Remove(featureDefKey(datasource, name))
}

// FeatureDef returns the trigger-level definition of a feature type, with
// search expressions expanded. Definitions are cached on the session.
func (m *Manager) FeatureDef(ctx context.Context, rec *FeatureRec) (*driver.FeatureDef, error) {
	k := featureDefKey(rec.Datasource, rec.Name)
	if v, ok := m.s.Cache().Get(k); ok {
		return v.(*driver.FeatureDef), nil
	}

	fields, err := m.FieldRecs(ctx, rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		names[f.String("internal_name")] = true
	}

	def := &driver.FeatureDef{
		Table:        rec.TableName(),
		ExternalName: rec.ExternalName,
		KeyField:     rec.KeyName,
		GeomIndexed:  rec.GeomIndexed,
		TrackChanges: rec.TrackChanges,
	}
	if def.ExternalName == "" {
		def.ExternalName = rec.Name
	}
	for _, f := range fields {
		name := f.String("internal_name")
		if f.Bool("is_key") {
			def.KeyGenerator = f.String("generator")
		}
		t, err := schema.ParseType(f.String("type"))
		if err != nil {
			return nil, myerrors.Wrap(myerrors.ErrCategoryConfig, myerrors.CodeBadDescriptor,
				fmt.Sprintf("field %s.%s", rec.Name, name), err)
		}
		if t.IsGeometry() {
			g := driver.GeomField{Name: name}
			if names[WorldFieldPrefix+name] {
				g.WorldField = WorldFieldPrefix + name
			}
			def.GeomFields = append(def.GeomFields, g)
		}
	}
	last := -1
	for k, f := range rec.FilterFields {
		if f != "" {
			last = k
		}
	}
	def.Filters = append([]string(nil), rec.FilterFields[:last+1]...)

	ectx := expr.Context{
		Fields:           names,
		ExternalName:     def.ExternalName,
		Title:            rec.TitleExpr,
		ShortDescription: rec.ShortDescriptionExpr,
	}
	rules, err := m.Records(ctx, "search_rule", "datasource_name = ? AND feature_name = ?", rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		val, err := expr.Expand(expr.Parse(r.String("search_val_expr")), ectx)
		if err != nil {
			return nil, myerrors.Wrap(myerrors.ErrCategoryConfig, myerrors.CodeBadDescriptor,
				fmt.Sprintf("search rule %d of %s", r.Int("id"), rec.Name), err)
		}
		desc, err := expr.Expand(expr.Parse(r.String("search_desc_expr")), ectx)
		if err != nil {
			return nil, myerrors.Wrap(myerrors.ErrCategoryConfig, myerrors.CodeBadDescriptor,
				fmt.Sprintf("search rule %d of %s", r.Int("id"), rec.Name), err)
		}
		def.Searches = append(def.Searches, driver.SearchRule{ID: r.Int("id"), Value: val, Desc: desc})
	}

	m.s.Cache().Add(k, def)
	return def, nil
}

// RebuildTriggers (re)installs the feature triggers on every table of a
// feature type.
func (m *Manager) RebuildTriggers(ctx context.Context, rec *FeatureRec) error {
	def, err := m.FeatureDef(ctx, rec)
	if err != nil {
		return err
	}
	for _, schemaName := range rec.Schemas() {
		if err := m.s.InstallFeatureTriggers(ctx, schemaName, def); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndexes regenerates the geometry and search index rows of a
// feature type in a schema from its current records.
func (m *Manager) RebuildIndexes(ctx context.Context, rec *FeatureRec, schemaName string) error {
	def, err := m.FeatureDef(ctx, rec)
	if err != nil {
		return err
	}
	if err := m.s.RebuildGeomIndexesFor(ctx, schemaName, def); err != nil {
		return fmt.Errorf("dd: failed to rebuild geometry indexes of %s: %w", rec.Name, err)
	}
	for _, rule := range def.Searches {
		if err := m.s.RebuildSearchStringsFor(ctx, schemaName, def, rule); err != nil {
			return fmt.Errorf("dd: failed to rebuild search strings of %s: %w", rec.Name, err)
		}
	}
	return nil
}

func (m *Manager) rebuildGeomIndexes(ctx context.Context, rec *FeatureRec) error {
	def, err := m.FeatureDef(ctx, rec)
	if err != nil {
		return err
	}
	for _, schemaName := range rec.Schemas() {
		if err := m.s.RebuildGeomIndexesFor(ctx, schemaName, def); err != nil {
			return err
		}
	}
	return nil
}

// rebuildSearches replaces the search strings of a feature type, removing
// those of rules that no longer exist.
func (m *Manager) rebuildSearches(ctx context.Context, rec *FeatureRec, oldDef *driver.FeatureDef) error {
	def, err := m.FeatureDef(ctx, rec)
	if err != nil {
		return err
	}
	for _, delta := range []bool{false, true} {
		if delta && !rec.Versioned {
			continue
		}
		for _, r := range oldDef.Searches {
			if _, err := m.DeleteRecords(ctx, SearchStringTable(delta).Name, "search_rule_id = ?", r.ID); err != nil {
				return err
			}
		}
	}
	for _, schemaName := range rec.Schemas() {
		for _, rule := range def.Searches {
			if err := m.s.RebuildSearchStringsFor(ctx, schemaName, def, rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddSearch adds a search rule to a feature type and indexes its records.
func (m *Manager) AddSearch(ctx context.Context, rec *FeatureRec, s SearchDesc) (int64, error) {
	var id int64
	err := m.s.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		if id, err = m.insertSearchRule(ctx, rec.Datasource, rec.Name, s); err != nil {
			return err
		}
		m.invalidateFeature(rec.Datasource, rec.Name)
		if err := m.RebuildTriggers(ctx, rec); err != nil {
			return err
		}
		def, err := m.FeatureDef(ctx, rec)
		if err != nil {
			return err
		}
		for _, rule := range def.Searches {
			if rule.ID != id {
				continue
			}
			for _, schemaName := range rec.Schemas() {
				if err := m.s.RebuildSearchStringsFor(ctx, schemaName, def, rule); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return id, err
}

// AddQuery adds a predefined query to a feature type.
func (m *Manager) AddQuery(ctx context.Context, rec *FeatureRec, q QueryDesc) (int64, error) {
	return m.insertQuery(ctx, rec.Datasource, rec.Name, q)
}

// AddFilter adds a named filter to a feature type.
func (m *Manager) AddFilter(ctx context.Context, rec *FeatureRec, f FilterDesc) (int64, error) {
	return m.InsertRecord(ctx, "filter", types.Record{
		"datasource_name": rec.Datasource, "feature_name": rec.Name, "name": f.Name, "value": f.Value,
	})
}
