package dd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// ConfigChild is a table whose rows belong to a configuration record.
type ConfigChild struct {
	Table string

	// ParentColumns match the parent's id columns, in order.
	ParentColumns []string
}

// ConfigKind is a kind of configuration record exchanged as a typed file.
type ConfigKind struct {
	Ext       string
	Table     string
	IDColumns []string
	Children  []ConfigChild
}

// KindDef is the extension of feature definition files.
const KindDef = "def"

// ConfigKinds lists the exchanged configuration kinds in load order.
var ConfigKinds = []*ConfigKind{
	{Ext: "settings", Table: "setting", IDColumns: []string{"name"}},
	{Ext: "datasource", Table: "datasource", IDColumns: []string{"name"}},
	{Ext: "enum", Table: "dd_enum", IDColumns: []string{"name"},
		Children: []ConfigChild{{"dd_enum_value", []string{"enum_name"}}}},
	{Ext: KindDef, Table: "dd_feature", IDColumns: []string{"datasource_name", "feature_name"}},
	{Ext: "layer", Table: "layer", IDColumns: []string{"name"},
		Children: []ConfigChild{{"layer_feature_item", []string{"layer_name"}}}},
	{Ext: "layer_group", Table: "layer_group", IDColumns: []string{"name"},
		Children: []ConfigChild{{"layer_group_item", []string{"layer_group_name"}}}},
	{Ext: "private_layer", Table: "private_layer", IDColumns: []string{"id"}},
	{Ext: "network", Table: "network", IDColumns: []string{"name"},
		Children: []ConfigChild{{"network_feature_item", []string{"network_name"}}}},
	{Ext: "application", Table: "application", IDColumns: []string{"name"},
		Children: []ConfigChild{{"application_layer", []string{"application_name"}}}},
	{Ext: "role", Table: "role", IDColumns: []string{"name"},
		Children: []ConfigChild{{"permission", []string{"role_name"}}}},
	{Ext: "group", Table: "group", IDColumns: []string{"id"},
		Children: []ConfigChild{{"group_item", []string{"group_id"}}}},
	{Ext: "table_set", Table: "table_set", IDColumns: []string{"name"},
		Children: []ConfigChild{
			{"table_set_layer_item", []string{"table_set_name"}},
			{"table_set_tile_file_item", []string{"table_set_name"}},
		}},
}

// ConfigKindFor returns the kind with a file extension or table name, or nil.
func ConfigKindFor(extOrTable string) *ConfigKind {
	for _, k := range ConfigKinds {
		if k.Ext == extOrTable || k.Table == extOrTable {
			return k
		}
	}
	return nil
}

func (k *ConfigKind) order() int {
	for i, c := range ConfigKinds {
		if c == k {
			return i
		}
	}
	return len(ConfigKinds)
}

// ConfigChange is one changed configuration record as carried in an update
// package.
type ConfigChange struct {
	Kind       string                              `json:"kind"`
	ChangeType types.ChangeType                    `json:"change_type"`
	ID         []string                            `json:"id"`
	Record     map[string]interface{}              `json:"record,omitempty"`
	Children   map[string][]map[string]interface{} `json:"children,omitempty"`
	Feature    *FeatureDescriptor                  `json:"feature,omitempty"`
}

// FileName returns the package file name of the change.
func (c *ConfigChange) FileName() string {
	r := strings.NewReplacer("/", ".", "\\", "_", ":", "_", " ", "_")
	return r.Replace(strings.Join(c.ID, "/")) + "." + c.Kind
}

// exportValue converts a stored value to its JSON form.
func exportValue(c *schema.Column, r types.Record) interface{} {
	v := r[c.Name]
	if v == nil {
		return nil
	}
	switch {
	case c.Type.Base == schema.TypeBoolean:
		return r.Bool(c.Name)
	case c.Type.IsInteger():
		return r.Int(c.Name)
	case c.Type.Base == schema.TypeTimestamp:
		return recordTime(r, c.Name).UTC().Format("2006-01-02T15:04:05.999999")
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// importValue converts a JSON value to a storable one.
func importValue(c *schema.Column, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	r := types.Record{c.Name: v}
	switch {
	case c.Type.Base == schema.TypeBoolean:
		return r.Bool(c.Name)
	case c.Type.IsInteger():
		return r.Int(c.Name)
	case c.Type.Base == schema.TypeTimestamp:
		return recordTime(r, c.Name)
	}
	return v
}

func exportRecord(t *schema.Table, r types.Record, omit []string) map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for _, c := range t.Columns() {
		skip := false
		for _, o := range omit {
			skip = skip || o == c.Name
		}
		if !skip {
			out[c.Name] = exportValue(c, r)
		}
	}
	return out
}

func importRecord(t *schema.Table, data map[string]interface{}) types.Record {
	out := make(types.Record, len(data))
	for k, v := range data {
		if c := t.Column(k); c != nil {
			out[k] = importValue(c, v)
		}
	}
	return out
}

func (m *Manager) idWhere(cols []string, id []string) (string, []interface{}, error) {
	if len(id) != len(cols) {
		return "", nil, myerrors.NewConfigError(myerrors.CodeBadValue,
			fmt.Sprintf("config id %v does not match columns %v", id, cols))
	}
	args := make([]interface{}, len(id))
	for i, v := range id {
		args[i] = v
	}
	return m.keyWhere(cols), args, nil
}

// DumpConfig returns the current content of a configuration record as an
// insert change, or nil when the record does not exist.
func (m *Manager) DumpConfig(ctx context.Context, kind *ConfigKind, id []string) (*ConfigChange, error) {
	ch := &ConfigChange{Kind: kind.Ext, ChangeType: types.ChangeInsert, ID: id}
	if kind.Ext == KindDef {
		d, err := m.FeatureTypeDescriptor(ctx, id[0], id[1])
		if myerrors.HasCode(err, myerrors.ErrCategoryConfig, myerrors.CodeUnknownFeatureType) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		ch.Feature = d
		return ch, nil
	}

	t := SystemTable(kind.Table)
	where, args, err := m.idWhere(kind.IDColumns, id)
	if err != nil {
		return nil, err
	}
	recs, err := m.Records(ctx, kind.Table, where, args...)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	ch.Record = exportRecord(t, recs[0], nil)

	for _, child := range kind.Children {
		ct := SystemTable(child.Table)
		where, args, err := m.idWhere(child.ParentColumns, id)
		if err != nil {
			return nil, err
		}
		rows, err := m.Records(ctx, child.Table, where, args...)
		if err != nil {
			return nil, err
		}
		if ch.Children == nil {
			ch.Children = make(map[string][]map[string]interface{})
		}
		items := make([]map[string]interface{}, 0, len(rows))
		for _, r := range rows {
			items = append(items, exportRecord(ct, r, child.ParentColumns))
		}
		ch.Children[child.Table] = items
	}
	return ch, nil
}

// configIDs lists the ids of every record of a kind.
func (m *Manager) configIDs(ctx context.Context, kind *ConfigKind) ([][]string, error) {
	recs, err := m.Records(ctx, kind.Table, "")
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(recs))
	for i, r := range recs {
		id := make([]string, len(kind.IDColumns))
		for j, c := range kind.IDColumns {
			id[j] = r.String(c)
		}
		out[i] = id
	}
	return out, nil
}

// AllConfig dumps every configuration record of the given kinds (all kinds
// when none are named) as insert changes.
func (m *Manager) AllConfig(ctx context.Context, kinds ...string) ([]*ConfigChange, error) {
	var out []*ConfigChange
	for _, k := range ConfigKinds {
		if !wanted(k.Ext, kinds) {
			continue
		}
		ids, err := m.configIDs(ctx, k)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if k.Ext == "settings" && types.IsExcludedSetting(id[0]) {
				continue
			}
			ch, err := m.DumpConfig(ctx, k, id)
			if err != nil {
				return nil, err
			}
			if ch != nil {
				out = append(out, ch)
			}
		}
	}
	return out, nil
}

func wanted(kind string, kinds []string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ConfigChangedSince returns the net change to each configuration record
// logged after since and up to until (unbounded when until is 0), keyed by
// table and record id.
func (m *Manager) ConfigChangedSince(ctx context.Context, since, until int64) (map[string]map[string]types.ChangeType, error) {
	where, args := "version > ?", []interface{}{since}
	if until > 0 {
		where, args = where+" AND version <= ?", append(args, until)
	}
	recs, err := m.Records(ctx, "configuration_log", where, args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]types.ChangeType)
	for _, r := range recs {
		op, err := types.ParseChangeType(r.String("operation"))
		if err != nil {
			return nil, err
		}
		table, id := r.String("table_name"), r.String("record_id")
		byID := out[table]
		if byID == nil {
			byID = make(map[string]types.ChangeType)
			out[table] = byID
		}
		prev, seen := byID[id]
		if !seen {
			byID[id] = op
			continue
		}
		if merged, keep := prev.Merge(op); keep {
			byID[id] = merged
		} else {
			delete(byID, id)
		}
	}
	return out, nil
}

// ConfigChanges returns the configuration changes logged after since and up
// to until, with current content for inserts and updates. Excluded settings
// are skipped.
func (m *Manager) ConfigChanges(ctx context.Context, since, until int64) ([]*ConfigChange, error) {
	changed, err := m.ConfigChangedSince(ctx, since, until)
	if err != nil {
		return nil, err
	}
	var out []*ConfigChange
	for _, k := range ConfigKinds {
		ids := make([]string, 0, len(changed[k.Table]))
		for id := range changed[k.Table] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, rid := range ids {
			id := strings.SplitN(rid, "/", len(k.IDColumns))
			if k.Ext == "settings" && types.IsExcludedSetting(id[0]) {
				continue
			}
			op := changed[k.Table][rid]
			var ch *ConfigChange
			if op != types.ChangeDelete {
				if ch, err = m.DumpConfig(ctx, k, id); err != nil {
					return nil, err
				}
			}
			if ch == nil {
				ch = &ConfigChange{Kind: k.Ext, ChangeType: types.ChangeDelete, ID: id}
			} else {
				ch.ChangeType = op
			}
			out = append(out, ch)
		}
	}
	return out, nil
}

// HasConfigChangesSince reports whether any configuration change other than
// to excluded settings was logged after a version.
func (m *Manager) HasConfigChangesSince(ctx context.Context, since int64) (bool, error) {
	changed, err := m.ConfigChangedSince(ctx, since, 0)
	if err != nil {
		return false, err
	}
	for table, ids := range changed {
		for id := range ids {
			if table == "setting" && types.IsExcludedSetting(id) {
				continue
			}
			return true, nil
		}
	}
	return false, nil
}

// ApplyConfigChange loads one configuration change into the database.
func (m *Manager) ApplyConfigChange(ctx context.Context, ch *ConfigChange) error {
	kind := ConfigKindFor(ch.Kind)
	if kind == nil {
		return myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("unknown config kind %q", ch.Kind))
	}
	if kind.Ext == "settings" && len(ch.ID) > 0 && types.IsExcludedSetting(ch.ID[0]) {
		return nil
	}
	if kind.Ext == KindDef {
		return m.applyFeatureChange(ctx, ch)
	}

	return m.s.InTransaction(ctx, func(ctx context.Context) error {
		for _, child := range kind.Children {
			where, args, err := m.idWhere(child.ParentColumns, ch.ID)
			if err != nil {
				return err
			}
			if _, err := m.DeleteRecords(ctx, child.Table, where, args...); err != nil {
				return err
			}
		}
		where, args, err := m.idWhere(kind.IDColumns, ch.ID)
		if err != nil {
			return err
		}
		if ch.ChangeType == types.ChangeDelete {
			_, err := m.DeleteRecords(ctx, kind.Table, where, args...)
			return err
		}

		rec := importRecord(SystemTable(kind.Table), ch.Record)
		for i, c := range kind.IDColumns {
			rec[c] = ch.ID[i]
		}
		if err := m.UpsertRecord(ctx, kind.Table, rec); err != nil {
			return err
		}
		for _, child := range kind.Children {
			ct := SystemTable(child.Table)
			for _, item := range ch.Children[child.Table] {
				r := importRecord(ct, item)
				for i, c := range child.ParentColumns {
					r[c] = ch.ID[i]
				}
				if _, err := m.InsertRecord(ctx, child.Table, r); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (m *Manager) applyFeatureChange(ctx context.Context, ch *ConfigChange) error {
	if len(ch.ID) != 2 {
		return myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("bad feature id %v", ch.ID))
	}
	rec, err := m.findFeatureRec(ctx, ch.ID[0], ch.ID[1])
	if err != nil {
		return err
	}
	if ch.ChangeType == types.ChangeDelete {
		if rec == nil {
			return nil
		}
		return m.DropFeatureType(ctx, rec.Datasource, rec.Name, true)
	}
	if ch.Feature == nil {
		return myerrors.NewConfigError(myerrors.CodeBadDescriptor, fmt.Sprintf("feature change %v has no definition", ch.ID))
	}
	return m.LoadFeatureDescriptor(ctx, ch.Feature)
}

// LoadFeatureDescriptor creates or alters a feature type to match a
// descriptor. External feature types without a local table only have their
// dictionary records updated.
func (m *Manager) LoadFeatureDescriptor(ctx context.Context, d *FeatureDescriptor) error {
	if d.Datasource == "" {
		d.Datasource = DefaultDatasource
	}
	rec, err := m.findFeatureRec(ctx, d.Datasource, d.Name)
	if err != nil {
		return err
	}
	switch {
	case rec == nil && d.Datasource == DefaultDatasource:
		_, err = m.CreateFeatureType(ctx, d)
	case rec == nil:
		_, err = m.RegisterFeatureType(ctx, d)
	default:
		var exists bool
		if exists, err = m.s.TableExists(ctx, types.SchemaData, rec.TableName()); err != nil {
			return err
		}
		if exists {
			err = m.AlterFeatureType(ctx, rec, d, driver.AlterOptions{})
		} else {
			_, err = m.RegisterFeatureType(ctx, d)
		}
	}
	return err
}

// WriteConfigChanges writes changes as typed files into a directory.
func WriteConfigChanges(dir string, changes []*ConfigChange) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("dd: failed to create %s: %w", dir, err)
	}
	var paths []string
	for _, ch := range changes {
		data, err := json.MarshalIndent(ch, "", "   ")
		if err != nil {
			return nil, fmt.Errorf("dd: failed to encode %s: %w", ch.FileName(), err)
		}
		p := filepath.Join(dir, ch.FileName())
		if err := os.WriteFile(p, append(data, '\n'), 0644); err != nil {
			return nil, fmt.Errorf("dd: failed to write %s: %w", p, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// ReadConfigChanges reads the typed configuration files of a directory in
// load order. Files of other types are ignored.
func ReadConfigChanges(dir string) ([]*ConfigChange, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dd: failed to list %s: %w", dir, err)
	}
	var out []*ConfigChange
	for _, e := range entries {
		ext := strings.TrimPrefix(filepath.Ext(e.Name()), ".")
		if e.IsDir() || ConfigKindFor(ext) == nil || ConfigKindFor(ext).Ext != ext {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("dd: failed to read %s: %w", e.Name(), err)
		}
		var ch ConfigChange
		if err := json.Unmarshal(data, &ch); err != nil {
			return nil, myerrors.Wrap(myerrors.ErrCategoryConfig, myerrors.CodeBadValue, "malformed config file "+e.Name(), err)
		}
		if ch.Kind == "" {
			ch.Kind = ext
		}
		out = append(out, &ch)
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := ConfigKindFor(out[i].Kind).order(), ConfigKindFor(out[j].Kind).order()
		if oi != oj {
			return oi < oj
		}
		return out[i].FileName() < out[j].FileName()
	})
	return out, nil
}

// ApplyConfigChanges loads changes in order.
func (m *Manager) ApplyConfigChanges(ctx context.Context, changes []*ConfigChange) error {
	for _, ch := range changes {
		if err := m.ApplyConfigChange(ctx, ch); err != nil {
			return fmt.Errorf("dd: failed to load %s: %w", ch.FileName(), err)
		}
	}
	if len(changes) > 0 {
		log.Printf("dd: loaded %d configuration changes", len(changes))
	}
	return nil
}

// DumpFeatureDefs writes a .def file per feature type. With since > 0 only
// feature types changed after that data version are written.
func (m *Manager) DumpFeatureDefs(ctx context.Context, dir string, since int64) ([]string, error) {
	var recs []*FeatureRec
	if since > 0 {
		changed, err := m.ConfigChangedSince(ctx, since, 0)
		if err != nil {
			return nil, err
		}
		for rid, op := range changed["dd_feature"] {
			if op == types.ChangeDelete {
				continue
			}
			id := strings.SplitN(rid, "/", 2)
			if len(id) != 2 {
				continue
			}
			rec, err := m.findFeatureRec(ctx, id[0], id[1])
			if err != nil {
				return nil, err
			}
			if rec != nil {
				recs = append(recs, rec)
			}
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].RecordID() < recs[j].RecordID() })
	} else {
		var err error
		if recs, err = m.FeatureTypes(ctx, "", "", false); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("dd: failed to create %s: %w", dir, err)
	}
	var paths []string
	for _, rec := range recs {
		d, err := m.FeatureTypeDescriptor(ctx, rec.Datasource, rec.Name)
		if err != nil {
			return nil, err
		}
		data, err := d.Marshal()
		if err != nil {
			return nil, err
		}
		name := rec.Name + "." + KindDef
		if rec.Datasource != DefaultDatasource {
			name = rec.Datasource + "." + name
		}
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, append(data, '\n'), 0644); err != nil {
			return nil, fmt.Errorf("dd: failed to write %s: %w", p, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// LoadFeatureDefFile creates or alters a feature type from a .def file.
func (m *Manager) LoadFeatureDefFile(ctx context.Context, p string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("dd: failed to read %s: %w", p, err)
	}
	d, err := ParseFeatureDescriptor(data)
	if err != nil {
		return err
	}
	return m.LoadFeatureDescriptor(ctx, d)
}
