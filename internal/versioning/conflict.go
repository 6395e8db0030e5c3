package versioning

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// Conflict describes a delta row whose master has moved on since the base
// was captured.
type Conflict struct {
	Delta       string
	FeatureType string
	ID          string

	// DeltaChange is the change the delta makes; MasterChange is update or
	// delete for the change made to master since the base capture.
	DeltaChange  types.ChangeType
	MasterChange types.ChangeType

	// Fields lists the columns changed on both sides, sorted. Changes holds
	// their values, in the same order.
	Fields  []string
	Changes []FieldChange

	Master types.Record
	Base   types.Record
	Edit   types.Record
}

func (c *Conflict) String() string {
	if c.MasterChange == types.ChangeDelete {
		return fmt.Sprintf("%s %s/%s: master deleted", c.Delta, c.FeatureType, c.ID)
	}
	parts := make([]string, len(c.Changes))
	for i, f := range c.Changes {
		parts[i] = fmt.Sprintf("%s master_change='%s' delta_change='%s'", f.Name, f.MasterTransition(), f.DeltaTransition())
	}
	return fmt.Sprintf("%s %s/%s: %s", c.Delta, c.FeatureType, c.ID, strings.Join(parts, "; "))
}

// FieldChange holds the values of one conflicting field at the base capture,
// in master and in the delta. Delta is nil when the delta deletes the row.
type FieldChange struct {
	Name   string
	Base   interface{}
	Master interface{}
	Delta  interface{}
}

// MasterTransition renders the master change as base→master.
func (f FieldChange) MasterTransition() string { return displayValue(f.Base) + "→" + displayValue(f.Master) }

// DeltaTransition renders the delta change as base→delta.
func (f FieldChange) DeltaTransition() string { return displayValue(f.Base) + "→" + displayValue(f.Delta) }

func displayValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		if wkt, err := geom.EncodeString(x, geom.EncodingWKT); err == nil {
			return wkt
		}
		return fmt.Sprintf("%x", x)
	}
	return fmt.Sprint(v)
}

func (c *Conflict) fillChanges(base, master, delta types.Record) {
	sort.Strings(c.Fields)
	c.Changes = make([]FieldChange, len(c.Fields))
	for i, f := range c.Fields {
		c.Changes[i] = FieldChange{Name: f, Base: base[f], Master: master[f]}
		if delta != nil {
			c.Changes[i].Delta = delta[f]
		}
	}
}

func sameValue(a, b interface{}) bool {
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return bytes.Equal(ab, bb)
		}
		a = string(ab)
	}
	if bb, ok := b.([]byte); ok {
		b = string(bb)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// changedFields returns the feature columns whose values differ between two records.
func (t *TableView) changedFields(from, to types.Record) map[string]bool {
	out := make(map[string]bool)
	for _, c := range t.columns() {
		if !sameValue(from[c], to[c]) {
			out[c] = true
		}
	}
	return out
}

// ConflictFor compares a delta row with its base and the current master
// row. It returns nil when the delta can be applied without losing a master
// change: the delta inserted the row, the master is unchanged, or the master
// and delta changes touch different fields.
func (t *TableView) ConflictFor(ctx context.Context, deltaRow types.Record) (*Conflict, error) {
	ct := types.ChangeType(deltaRow.String(schema.ChangeTypeColumn))
	if ct == types.ChangeInsert {
		return nil, nil
	}
	id := deltaRow[t.key]
	base, err := t.baseRec(ctx, id)
	if err != nil || base == nil {
		return nil, err
	}
	master, err := t.masterRec(ctx, id)
	if err != nil {
		return nil, err
	}
	c := &Conflict{
		Delta:       deltaRow.String(schema.DeltaColumn),
		FeatureType: t.rec.Name,
		ID:          deltaRow.String(t.key),
		DeltaChange: ct,
		Master:      master,
		Base:        stripVersionColumns(base.Clone()),
		Edit:        stripVersionColumns(deltaRow.Clone()),
	}
	if master == nil {
		c.MasterChange = types.ChangeDelete
		return c, nil
	}

	masterChanged := t.changedFields(base, master)
	if len(masterChanged) == 0 {
		return nil, nil
	}
	c.MasterChange = types.ChangeUpdate
	if ct == types.ChangeDelete {
		for f := range masterChanged {
			c.Fields = append(c.Fields, f)
		}
		c.fillChanges(base, master, nil)
		return c, nil
	}
	for f := range t.changedFields(base, deltaRow) {
		if masterChanged[f] {
			c.Fields = append(c.Fields, f)
		}
	}
	if len(c.Fields) == 0 {
		return nil, nil
	}
	c.fillChanges(base, master, deltaRow)
	return c, nil
}

// Conflicts returns the conflicts of every row in the view's delta.
func (t *TableView) Conflicts(ctx context.Context) ([]*Conflict, error) {
	rows, err := t.DeltaRecords(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Conflict
	for _, r := range rows {
		c, err := t.ConflictFor(ctx, r)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// Rebase accepts the current master row as the base of a delta edit, which
// marks a conflict on it as resolved.
func (t *TableView) Rebase(ctx context.Context, id interface{}) error {
	return t.s().InTransaction(ctx, func(ctx context.Context) error {
		if _, err := t.s().Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
			t.tableName(types.SchemaBase), t.q(t.key), t.q(schema.DeltaColumn)), id, t.v.delta); err != nil {
			return err
		}
		master, err := t.masterRec(ctx, id)
		if err != nil || master == nil {
			return err
		}
		return t.copyMaster(ctx, types.SchemaBase, id, "")
	})
}

// Promote applies the view's delta to master and clears the delta and its
// base rows. Conflicts are not checked; callers resolve them first.
func (t *TableView) Promote(ctx context.Context) (int, error) {
	rows, err := t.DeltaRecords(ctx)
	if err != nil {
		return 0, err
	}
	cols := t.columns()
	var settable []string
	for _, c := range cols {
		if c != t.key {
			settable = append(settable, c)
		}
	}
	err = t.s().InTransaction(ctx, func(ctx context.Context) error {
		from := fmt.Sprintf("FROM %s WHERE %s = ? AND %s = ?", t.tableName(types.SchemaDelta), t.q(t.key), t.q(schema.DeltaColumn))
		for _, r := range rows {
			id := r[t.key]
			var err error
			switch types.ChangeType(r.String(schema.ChangeTypeColumn)) {
			case types.ChangeInsert:
				_, err = t.s().Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s %s",
					t.tableName(types.SchemaData), t.quotedList(cols), t.quotedList(cols), from), id, t.v.delta)
			case types.ChangeUpdate:
				if len(settable) == 0 {
					continue
				}
				sets := make([]string, len(settable))
				var args []interface{}
				for i, c := range settable {
					sets[i] = fmt.Sprintf("%s = (SELECT %s %s)", t.q(c), t.q(c), from)
					args = append(args, id, t.v.delta)
				}
				_, err = t.s().Exec(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
					t.tableName(types.SchemaData), strings.Join(sets, ", "), t.q(t.key)), append(args, id)...)
			case types.ChangeDelete:
				_, err = t.s().Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.tableName(types.SchemaData), t.q(t.key)), id)
			}
			if err != nil {
				return fmt.Errorf("versioning: failed to promote %s %v: %w", t.rec.Name, id, err)
			}
		}
		for _, schemaName := range []string{types.SchemaDelta, types.SchemaBase} {
			if _, err := t.s().Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
				t.tableName(schemaName), t.q(schema.DeltaColumn)), t.v.delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
