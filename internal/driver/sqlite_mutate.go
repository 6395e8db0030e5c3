package driver

import (
	"context"
	"fmt"
	"strings"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
)

// AlterTable applies additive changes in place and rebuilds the table by
// copy for everything else. Feature triggers do not survive a copy and must
// be reinstalled by the caller. Date and timestamp formats in opts use the
// server template syntax (DD/MM/YYYY, HH24:MI:SS).
func (d *SQLiteDriver) AlterTable(ctx context.Context, s *Session, old, new *schema.Table, changes []schema.Change, opts AlterOptions) error {
	if stmts, ok := d.inPlaceSQLs(old, new, changes); ok {
		return s.ExecAll(ctx, stmts)
	}
	stmts, err := d.copySQLs(old, new, changes, opts)
	if err != nil {
		return err
	}
	return s.ExecAll(ctx, stmts)
}

func (d *SQLiteDriver) inPlaceSQLs(old, new *schema.Table, changes []schema.Change) ([]string, bool) {
	var stmts []string
	for _, ch := range changes {
		switch ch.Kind {
		case schema.AddField:
			add, err := d.AddColumnSQLs(new, ch.Column)
			if err != nil {
				return nil, false
			}
			stmts = append(stmts, add...)
		case schema.AddIndex:
			stmts = append(stmts, d.AddIndexSQLs(new, ch.Index)...)
		case schema.DropIndex:
			stmts = append(stmts, d.DropIndexSQLs(old, ch.Index)...)
		default:
			return nil, false
		}
	}
	return stmts, true
}

// copySQLs renames the table aside, creates the new shape, copies the rows
// across with type conversion and drops the old copy.
func (d *SQLiteDriver) copySQLs(old, new *schema.Table, changes []schema.Change, opts AlterOptions) ([]string, error) {
	conv := make(map[string]schema.Change)
	for _, ch := range changes {
		if ch.Kind == schema.AlterField && ch.Old.Type != ch.Column.Type {
			if ch.Old.Type.IsGeometry() != ch.Column.Type.IsGeometry() {
				return nil, myerrors.NewSchemaError(myerrors.CodeDDLConflict,
					fmt.Sprintf("cannot convert %s.%s between geometry and %s", new.Name, ch.Column.Name, ch.Column.Type), nil)
			}
			conv[ch.Column.Name] = ch
		}
	}

	phys := d.PhysicalName(new.Schema, new.Name)
	aside := quoteIdent(phys + "$old")

	var stmts []string
	for _, idx := range old.Indexes {
		if idx.Type != schema.IndexSpatial && idx.Type != schema.IndexGeographic {
			stmts = append(stmts, d.DropIndexSQLs(old, idx)...)
		}
	}
	stmts = append(stmts,
		fmt.Sprintf("DELETE FROM %s WHERE table_name = %s", quoteIdent(geometryColumnsTable), quoteLiteral(phys)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.TableName(old.Schema, old.Name), aside))
	stmts = append(stmts, d.CreateTableSQLs(new)...)

	var cols, vals []string
	for _, c := range new.Columns() {
		if !old.HasColumn(c.Name) {
			continue
		}
		cols = append(cols, d.QuoteIdent(c.Name))
		src := d.QuoteIdent(c.Name)
		if ch, ok := conv[c.Name]; ok {
			src = d.conversionExpr(src, ch, opts)
		}
		vals = append(vals, src)
	}
	if len(cols) > 0 {
		stmts = append(stmts, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			d.TableName(new.Schema, new.Name), strings.Join(cols, ", "), strings.Join(vals, ", "), aside))
	}
	return append(stmts, "DROP TABLE "+aside), nil
}

func (d *SQLiteDriver) conversionExpr(col string, ch schema.Change, opts AlterOptions) string {
	switch ch.Conversion {
	case schema.ConvStringToNumber:
		affinity := "REAL"
		if ch.Column.Type.IsInteger() {
			affinity = "INTEGER"
		}
		return fmt.Sprintf("CAST(NULLIF(trim(%s), '') AS %s)", col, affinity)
	case schema.ConvStringToDate:
		if opts.DateFormat != "" {
			return fmt.Sprintf("myw_to_date(%s, %s)", col, quoteLiteral(opts.DateFormat))
		}
		return fmt.Sprintf("date(%s)", col)
	case schema.ConvStringToTimestamp:
		if opts.TimestampFormat != "" {
			return fmt.Sprintf("myw_to_timestamp(%s, %s)", col, quoteLiteral(opts.TimestampFormat))
		}
		return fmt.Sprintf("datetime(%s)", col)
	case schema.ConvStringToBoolean:
		return fmt.Sprintf("CASE WHEN lower(%s) IN ('true', 't', 'yes', 'y', '1') THEN 1 WHEN lower(%s) IN ('false', 'f', 'no', 'n', '0') THEN 0 END", col, col)
	}
	if ch.Column.Type.IsText() {
		return fmt.Sprintf("CAST(%s AS TEXT)", col)
	}
	return col
}
