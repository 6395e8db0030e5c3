package driver

import (
	"context"
	"fmt"

	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
)

// CreateSchema creates a namespace. A no-op on dialects without schemas.
func (s *Session) CreateSchema(ctx context.Context, name string) error {
	return s.ExecAll(ctx, s.drv.CreateSchemaSQLs(name))
}

// CreateTable creates a table with its indexes and constraints.
func (s *Session) CreateTable(ctx context.Context, t *schema.Table) error {
	if errs := schema.Validate(t); len(errs) > 0 {
		return fmt.Errorf("driver: invalid descriptor for %s.%s: %v", t.Schema, t.Name, errs[0])
	}
	return s.ExecAll(ctx, s.drv.CreateTableSQLs(t))
}

// DropTableIfExists drops a table and anything that depends on it.
func (s *Session) DropTableIfExists(ctx context.Context, schemaName, table string) error {
	return s.ExecAll(ctx, s.drv.DropTableSQLs(schemaName, table))
}

// TableExists reports whether a table is present.
func (s *Session) TableExists(ctx context.Context, schemaName, table string) (bool, error) {
	return s.drv.TableExists(ctx, s, schemaName, table)
}

// ColumnNames reflects the physical column names of a table in order.
func (s *Session) ColumnNames(ctx context.Context, schemaName, table string) ([]string, error) {
	return s.drv.ColumnNames(ctx, s, schemaName, table)
}

// Tables lists the tables of a schema.
func (s *Session) Tables(ctx context.Context, schemaName string) ([]string, error) {
	return s.drv.Tables(ctx, s, schemaName)
}

// AlterTable mutates a table from the old shape to the new one.
func (s *Session) AlterTable(ctx context.Context, old, new *schema.Table, opts AlterOptions) error {
	changes := schema.Diff(old, new)
	if len(changes) == 0 {
		return nil
	}
	return s.InTransaction(ctx, func(ctx context.Context) error {
		return s.drv.AlterTable(ctx, s, old, new, changes, opts)
	})
}

// AddColumn adds a column to an existing table.
func (s *Session) AddColumn(ctx context.Context, t *schema.Table, c *schema.Column) error {
	stmts, err := s.drv.AddColumnSQLs(t, c)
	if err != nil {
		nt := t.Clone()
		if aerr := nt.AddColumn(c.Clone()); aerr != nil {
			return aerr
		}
		return s.AlterTable(ctx, t, nt, AlterOptions{})
	}
	return s.ExecAll(ctx, stmts)
}

// AlterColumn changes a column's shape, converting existing values.
func (s *Session) AlterColumn(ctx context.Context, t *schema.Table, old, new *schema.Column, opts AlterOptions) error {
	nt := t.Clone()
	if c := nt.Column(old.Name); c != nil {
		*c = *new.Clone()
	}
	return s.AlterTable(ctx, t, nt, opts)
}

// DropColumn removes a column.
func (s *Session) DropColumn(ctx context.Context, t *schema.Table, c *schema.Column) error {
	nt := t.Clone()
	nt.RemoveColumn(c.Name)
	return s.AlterTable(ctx, t, nt, AlterOptions{})
}

// AddIndex creates an index.
func (s *Session) AddIndex(ctx context.Context, t *schema.Table, idx *schema.Index) error {
	return s.ExecAll(ctx, s.drv.AddIndexSQLs(t, idx))
}

// DropIndex removes an index.
func (s *Session) DropIndex(ctx context.Context, t *schema.Table, idx *schema.Index) error {
	return s.ExecAll(ctx, s.drv.DropIndexSQLs(t, idx))
}

// AddConstraint adds a constraint, copying the table where the dialect requires it.
func (s *Session) AddConstraint(ctx context.Context, t *schema.Table, c *schema.Constraint) error {
	nt := t.Clone()
	nt.AddConstraint(c)
	return s.AlterTable(ctx, t, nt, AlterOptions{})
}

// DropConstraint removes a constraint.
func (s *Session) DropConstraint(ctx context.Context, t *schema.Table, c *schema.Constraint) error {
	nt := t.Clone()
	kept := nt.Constraints[:0]
	for _, x := range nt.Constraints {
		if x.Key() != c.Key() {
			kept = append(kept, x)
		}
	}
	nt.Constraints = kept
	return s.AlterTable(ctx, t, nt, AlterOptions{})
}

// SequenceRange returns the id range of a key generator.
func (s *Session) SequenceRange(ctx context.Context, schemaName, table, field string) (int64, int64, error) {
	return s.drv.SequenceRange(ctx, s, schemaName, table, field)
}

// SetSequenceRange restricts a key generator to [min, max] and restarts it at min.
func (s *Session) SetSequenceRange(ctx context.Context, schemaName, table, field string, min, max int64) error {
	return s.drv.SetSequenceRange(ctx, s, schemaName, table, field, min, max)
}

// SetSequenceValue makes value the next id handed out.
func (s *Session) SetSequenceValue(ctx context.Context, schemaName, table, field string, value int64) error {
	return s.drv.SetSequenceValue(ctx, s, schemaName, table, field, value)
}

// NextSequenceValue allocates the next key value.
func (s *Session) NextSequenceValue(ctx context.Context, schemaName, table, field string) (int64, error) {
	return s.drv.NextSequenceValue(ctx, s, schemaName, table, field)
}

// NextValSQL returns an expression yielding the next key, or "" when the
// dialect leaves key allocation to the caller.
func (s *Session) NextValSQL(schemaName, table, field string) string {
	return s.drv.NextValSQL(schemaName, table, field)
}

// InstallFeatureTriggers (re)creates all feature triggers on a table.
func (s *Session) InstallFeatureTriggers(ctx context.Context, schemaName string, def *FeatureDef) error {
	for _, tt := range TriggerTypes {
		if err := s.ExecAll(ctx, s.drv.FeatureTriggerSQLs(schemaName, def, tt)); err != nil {
			return fmt.Errorf("driver: failed to install %s trigger on %s.%s: %w", tt, schemaName, def.Table, err)
		}
	}
	return nil
}

// DropFeatureTriggers removes all feature triggers from a table.
func (s *Session) DropFeatureTriggers(ctx context.Context, schemaName string, def *FeatureDef) error {
	for _, tt := range TriggerTypes {
		if err := s.ExecAll(ctx, s.drv.DropFeatureTriggerSQLs(schemaName, def, tt)); err != nil {
			return err
		}
	}
	return nil
}

// SetConfigTriggers installs configuration logging on a system table. It is
// a silent no-op on dialects without configuration triggers.
func (s *Session) SetConfigTriggers(ctx context.Context, opts ConfigTriggerOptions) error {
	if !s.drv.SupportsConfigTriggers() {
		return nil
	}
	return s.ExecAll(ctx, s.drv.ConfigTriggerSQLs(opts))
}

// RebuildGeomIndexesFor repopulates the world index rows of a feature table
// in bulk.
func (s *Session) RebuildGeomIndexesFor(ctx context.Context, schemaName string, def *FeatureDef) error {
	return s.ExecAll(ctx, s.drv.GeomIndexRebuildSQLs(schemaName, def))
}

// RebuildSearchStringsFor repopulates the search strings of one rule in bulk.
func (s *Session) RebuildSearchStringsFor(ctx context.Context, schemaName string, def *FeatureDef, rule SearchRule) error {
	return s.ExecAll(ctx, s.drv.SearchRebuildSQLs(schemaName, def, rule))
}

// DisableTriggersFor suspends feature triggers on a table.
func (s *Session) DisableTriggersFor(ctx context.Context, schemaName string, def *FeatureDef) error {
	return s.drv.DisableTriggersFor(ctx, s, schemaName, def)
}

// EnableTriggersFor resumes feature triggers on a table.
func (s *Session) EnableTriggersFor(ctx context.Context, schemaName string, def *FeatureDef) error {
	return s.drv.EnableTriggersFor(ctx, s, schemaName, def)
}

// CanonicaliseGeometry converts a geometry value to the stored form of the dialect.
func (s *Session) CanonicaliseGeometry(v interface{}) ([]byte, error) {
	return geom.Canonicalise(v, s.drv.GeometrySRID())
}

// WithinExpr returns a predicate true when col lies within tolerance of the
// geometry bound to the single placeholder. Geographic tolerances are meters.
func (s *Session) WithinExpr(col string, tolerance float64, geographic bool) string {
	return s.drv.WithinExpr(col, "?", tolerance, geographic)
}

// Vacuum reclaims space. Empty table means the whole schema or database.
func (s *Session) Vacuum(ctx context.Context, schemaName, table string) error {
	return s.drv.Vacuum(ctx, s, schemaName, table)
}

// UpdateStatistics refreshes planner statistics.
func (s *Session) UpdateStatistics(ctx context.Context) error {
	return s.drv.UpdateStatistics(ctx, s)
}

// BulkLoad upserts rows by key into a table.
func (s *Session) BulkLoad(ctx context.Context, t *schema.Table, cols []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	return s.drv.BulkLoad(ctx, s, t, cols, rows)
}

// columnDefault renders the DEFAULT clause value for a column, or "".
func columnDefault(d Driver, c *schema.Column) string {
	switch c.Generator {
	case schema.GenSystemNow, schema.GenNowUTC:
		if d.Dialect() == DialectPostgres {
			if c.Generator == schema.GenNowUTC {
				return "(now() at time zone 'utc')"
			}
			return "now()"
		}
		return "CURRENT_TIMESTAMP"
	}
	if !c.HasDefault() {
		return ""
	}
	switch {
	case c.Type.Base == schema.TypeBoolean && d.Dialect() == DialectSQLite:
		switch c.Default {
		case "true", "TRUE", "1":
			return "1"
		}
		return "0"
	case c.Type.IsNumber() || c.Type.Base == schema.TypeBoolean:
		return c.Default
	}
	return d.QuoteLiteral(c.Default)
}
