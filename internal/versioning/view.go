// Package versioning implements the three-layer feature model: master rows
// in the data schema, per-delta edits in the delta schema and the as-seen
// master rows captured in the base schema for conflict detection.
package versioning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// View reads and writes features as seen from one delta. The master view
// has an empty delta and writes straight to the data schema.
type View struct {
	s     *driver.Session
	dd    *dd.Manager
	delta string
}

// NewView returns the view of a delta, or of master when delta is empty.
func NewView(s *driver.Session, delta string) *View {
	return &View{s: s, dd: dd.NewManager(s), delta: delta}
}

// Delta returns the view's delta name.
func (v *View) Delta() string { return v.delta }

// IsMaster reports whether the view is the master view.
func (v *View) IsMaster() bool { return v.delta == "" }

// Table returns the view of one myWorld feature type.
func (v *View) Table(ctx context.Context, featureType string) (*TableView, error) {
	rec, err := v.dd.FeatureTypeRec(ctx, dd.DefaultDatasource, featureType)
	if err != nil {
		return nil, err
	}
	if !v.IsMaster() && !rec.Versioned {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue,
			fmt.Sprintf("feature type %s is not versioned", featureType))
	}
	desc, err := v.dd.FeatureTypeDescriptor(ctx, rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	t, err := desc.Table(types.SchemaData)
	if err != nil {
		return nil, err
	}
	return &TableView{v: v, rec: rec, table: t, key: rec.KeyName}, nil
}

// TableView is the view of one feature type.
type TableView struct {
	v     *View
	rec   *dd.FeatureRec
	table *schema.Table
	key   string
}

// FeatureType returns the feature type name.
func (t *TableView) FeatureType() string { return t.rec.Name }

func (t *TableView) s() *driver.Session { return t.v.s }

func (t *TableView) q(name string) string { return t.s().Driver().QuoteIdent(name) }

func (t *TableView) tableName(schemaName string) string {
	return t.s().TableName(schemaName, t.rec.TableName())
}

func (t *TableView) columns() []string {
	cols := t.table.Columns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func (t *TableView) quotedList(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = t.q(c)
	}
	return strings.Join(q, ", ")
}

// stripVersionColumns removes the delta bookkeeping columns from a record.
func stripVersionColumns(r types.Record) types.Record {
	if r == nil {
		return nil
	}
	delete(r, schema.DeltaColumn)
	delete(r, schema.ChangeTypeColumn)
	return r
}

func (t *TableView) masterRec(ctx context.Context, id interface{}) (types.Record, error) {
	return t.s().Record(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", t.tableName(types.SchemaData), t.q(t.key)), id)
}

func (t *TableView) deltaRec(ctx context.Context, id interface{}) (types.Record, error) {
	return t.s().Record(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = ? AND %s = ?",
		t.tableName(types.SchemaDelta), t.q(t.key), t.q(schema.DeltaColumn)), id, t.v.delta)
}

func (t *TableView) baseRec(ctx context.Context, id interface{}) (types.Record, error) {
	return t.s().Record(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = ? AND %s = ?",
		t.tableName(types.SchemaBase), t.q(t.key), t.q(schema.DeltaColumn)), id, t.v.delta)
}

// Get returns the feature with a key as seen from the view, or nil.
func (t *TableView) Get(ctx context.Context, id interface{}) (types.Record, error) {
	if !t.v.IsMaster() {
		d, err := t.deltaRec(ctx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			if d.String(schema.ChangeTypeColumn) == string(types.ChangeDelete) {
				return nil, nil
			}
			return stripVersionColumns(d), nil
		}
	}
	return t.masterRec(ctx, id)
}

// Records returns the features matching a filter as seen from the view,
// ordered by key. Master rows edited in the delta are replaced by their
// delta row, or hidden when the delta deletes them.
func (t *TableView) Records(ctx context.Context, where string, args ...interface{}) ([]types.Record, error) {
	filter := ""
	if where != "" {
		filter = " WHERE " + where
	}
	master, err := t.s().Records(ctx, "SELECT * FROM "+t.tableName(types.SchemaData)+filter, args...)
	if err != nil {
		return nil, err
	}
	if t.v.IsMaster() {
		return sortByKey(master, t.key), nil
	}

	shadowed := make(map[string]bool)
	keys, err := t.s().Records(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		t.q(t.key), t.tableName(types.SchemaDelta), t.q(schema.DeltaColumn)), t.v.delta)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		shadowed[k.String(t.key)] = true
	}

	deltaFilter := fmt.Sprintf(" WHERE %s = ? AND %s <> ?", t.q(schema.DeltaColumn), t.q(schema.ChangeTypeColumn))
	if where != "" {
		deltaFilter += " AND (" + where + ")"
	}
	edits, err := t.s().Records(ctx, "SELECT * FROM "+t.tableName(types.SchemaDelta)+deltaFilter,
		append([]interface{}{t.v.delta, string(types.ChangeDelete)}, args...)...)
	if err != nil {
		return nil, err
	}

	var out []types.Record
	for _, r := range master {
		if !shadowed[r.String(t.key)] {
			out = append(out, r)
		}
	}
	for _, r := range edits {
		out = append(out, stripVersionColumns(r))
	}
	return sortByKey(out, t.key), nil
}

func sortByKey(recs []types.Record, key string) []types.Record {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i][key], recs[j][key]
		if ai, ok := a.(int64); ok {
			if bi, ok := b.(int64); ok {
				return ai < bi
			}
		}
		return recs[i].String(key) < recs[j].String(key)
	})
	return recs
}

// valueExpr returns the placeholder and bound value of a column, converting
// geometries to the dialect's canonical WKB.
func (t *TableView) valueExpr(col string, val interface{}) (string, interface{}, error) {
	c := t.table.Column(col)
	if c == nil || !c.Type.IsGeometry() || val == nil {
		return "?", val, nil
	}
	wkb, err := t.s().CanonicaliseGeometry(val)
	if err != nil {
		return "", nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("%s.%s: %v", t.rec.Name, col, err))
	}
	return t.s().Driver().GeomFromWKBExpr("?"), wkb, nil
}

// settable returns the record's stored columns other than the key, sorted.
func (t *TableView) settable(rec types.Record) []string {
	var cols []string
	for c := range rec {
		if c != t.key && t.table.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

func (t *TableView) insertRow(ctx context.Context, schemaName string, rec types.Record, extra types.Record) error {
	cols := append([]string{t.key}, t.settable(rec)...)
	var names, exprs []string
	var args []interface{}
	for _, c := range cols {
		e, a, err := t.valueExpr(c, rec[c])
		if err != nil {
			return err
		}
		names, exprs, args = append(names, t.q(c)), append(exprs, e), append(args, a)
	}
	for _, c := range sortedKeys(extra) {
		names, exprs, args = append(names, t.q(c)), append(exprs, "?"), append(args, extra[c])
	}
	_, err := t.s().Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.tableName(schemaName), strings.Join(names, ", "), strings.Join(exprs, ", ")), args...)
	return err
}

func (t *TableView) updateRow(ctx context.Context, schemaName string, rec types.Record, extra types.Record, where string, whereArgs ...interface{}) (int64, error) {
	var sets []string
	var args []interface{}
	for _, c := range t.settable(rec) {
		e, a, err := t.valueExpr(c, rec[c])
		if err != nil {
			return 0, err
		}
		sets, args = append(sets, t.q(c)+" = "+e), append(args, a)
	}
	for _, c := range sortedKeys(extra) {
		sets, args = append(sets, t.q(c)+" = ?"), append(args, extra[c])
	}
	if len(sets) == 0 {
		return 0, nil
	}
	res, err := t.s().Exec(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		t.tableName(schemaName), strings.Join(sets, ", "), where), append(args, whereArgs...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func sortedKeys(r types.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// copyMaster copies a master row into the delta or base schema, adding the
// delta bookkeeping columns.
func (t *TableView) copyMaster(ctx context.Context, schemaName string, id interface{}, changeType types.ChangeType) error {
	cols := t.quotedList(t.columns())
	target := cols + ", " + t.q(schema.DeltaColumn)
	source := cols + ", ?"
	args := []interface{}{t.v.delta}
	if schemaName == types.SchemaDelta {
		target += ", " + t.q(schema.ChangeTypeColumn)
		source += ", ?"
		args = append(args, string(changeType))
	}
	_, err := t.s().Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s = ?",
		t.tableName(schemaName), target, source, t.tableName(types.SchemaData), t.q(t.key)), append(args, id)...)
	return err
}

// captureBase records the master row as seen by the delta, once.
func (t *TableView) captureBase(ctx context.Context, id interface{}) error {
	b, err := t.baseRec(ctx, id)
	if err != nil || b != nil {
		return err
	}
	return t.copyMaster(ctx, types.SchemaBase, id, "")
}

func (t *TableView) nextKey(ctx context.Context) (int64, error) {
	return t.s().NextSequenceValue(ctx, types.SchemaData, t.rec.TableName(), t.key)
}

func (t *TableView) keyGenerated() bool {
	c := t.table.Column(t.key)
	return c != nil && c.Generator == schema.GenSequence
}

// Insert adds a feature and returns its key. A sequence key is allocated
// from the master sequence when the record omits it.
func (t *TableView) Insert(ctx context.Context, rec types.Record) (interface{}, error) {
	rec = rec.Clone()
	var id interface{}
	err := t.s().InTransaction(ctx, func(ctx context.Context) error {
		if rec[t.key] == nil {
			if !t.keyGenerated() {
				return myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("%s: missing key %s", t.rec.Name, t.key))
			}
			n, err := t.nextKey(ctx)
			if err != nil {
				return err
			}
			rec[t.key] = n
		}
		id = rec[t.key]
		if t.v.IsMaster() {
			return t.insertRow(ctx, types.SchemaData, rec, nil)
		}
		existing, err := t.deltaRec(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return myerrors.NewConfigError(myerrors.CodeConflictingOption,
				fmt.Sprintf("%s %v already exists in delta %s", t.rec.Name, id, t.v.delta))
		}
		return t.insertRow(ctx, types.SchemaDelta, rec, types.Record{
			schema.DeltaColumn:      t.v.delta,
			schema.ChangeTypeColumn: string(types.ChangeInsert),
		})
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (t *TableView) notFound(id interface{}) error {
	return myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("%s %v does not exist", t.rec.Name, id))
}

// Update changes the fields present in rec on the feature with rec's key.
// The first edit of a master row in a delta captures its base.
func (t *TableView) Update(ctx context.Context, rec types.Record) error {
	id := rec[t.key]
	if id == nil {
		return myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("%s: missing key %s", t.rec.Name, t.key))
	}
	return t.s().InTransaction(ctx, func(ctx context.Context) error {
		keyWhere := t.q(t.key) + " = ?"
		if t.v.IsMaster() {
			n, err := t.updateRow(ctx, types.SchemaData, rec, nil, keyWhere, id)
			if err == nil && n == 0 && len(t.settable(rec)) > 0 {
				return t.notFound(id)
			}
			return err
		}

		deltaWhere := keyWhere + " AND " + t.q(schema.DeltaColumn) + " = ?"
		existing, err := t.deltaRec(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.String(schema.ChangeTypeColumn) == string(types.ChangeDelete) {
				return t.notFound(id)
			}
			_, err := t.updateRow(ctx, types.SchemaDelta, rec, nil, deltaWhere, id, t.v.delta)
			return err
		}

		master, err := t.masterRec(ctx, id)
		if err != nil {
			return err
		}
		if master == nil {
			return t.notFound(id)
		}
		if err := t.captureBase(ctx, id); err != nil {
			return err
		}
		if err := t.copyMaster(ctx, types.SchemaDelta, id, types.ChangeUpdate); err != nil {
			return err
		}
		_, err = t.updateRow(ctx, types.SchemaDelta, rec, nil, deltaWhere, id, t.v.delta)
		return err
	})
}

// Delete removes the feature with a key. In a delta, deleting a feature the
// delta inserted discards the insert; deleting a master row records a delete.
func (t *TableView) Delete(ctx context.Context, id interface{}) error {
	return t.s().InTransaction(ctx, func(ctx context.Context) error {
		keyWhere := t.q(t.key) + " = ?"
		if t.v.IsMaster() {
			res, err := t.s().Exec(ctx, "DELETE FROM "+t.tableName(types.SchemaData)+" WHERE "+keyWhere, id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return t.notFound(id)
			}
			return nil
		}

		deltaWhere := keyWhere + " AND " + t.q(schema.DeltaColumn) + " = ?"
		existing, err := t.deltaRec(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			switch types.ChangeType(existing.String(schema.ChangeTypeColumn)) {
			case types.ChangeDelete:
				return t.notFound(id)
			case types.ChangeInsert:
				_, err := t.s().Exec(ctx, "DELETE FROM "+t.tableName(types.SchemaDelta)+" WHERE "+deltaWhere, id, t.v.delta)
				return err
			}
			_, err := t.updateRow(ctx, types.SchemaDelta, nil,
				types.Record{schema.ChangeTypeColumn: string(types.ChangeDelete)}, deltaWhere, id, t.v.delta)
			return err
		}

		master, err := t.masterRec(ctx, id)
		if err != nil {
			return err
		}
		if master == nil {
			return t.notFound(id)
		}
		if err := t.captureBase(ctx, id); err != nil {
			return err
		}
		return t.copyMaster(ctx, types.SchemaDelta, id, types.ChangeDelete)
	})
}

// DeltaRecords returns the view's delta rows with their change types.
func (t *TableView) DeltaRecords(ctx context.Context) ([]types.Record, error) {
	if t.v.IsMaster() {
		return nil, nil
	}
	return t.s().Records(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = ? ORDER BY %s",
		t.tableName(types.SchemaDelta), t.q(schema.DeltaColumn), t.q(t.key)), t.v.delta)
}
