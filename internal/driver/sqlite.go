package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
)

// sqliteDriverName is the database/sql driver with the geometry and date functions registered.
const sqliteDriverName = "sqlite3_myw"

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{ConnectHook: registerFuncs})
}

// sqliteDSN adds the connection options every embedded database is opened with.
func sqliteDSN(dsn string) string {
	opts := "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=off"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + opts
	}
	return "file:" + strings.TrimPrefix(dsn, "file:") + "?" + opts
}

// Embedded bookkeeping tables. They live outside the namespaced tables.
const (
	sessionFlagTable     = "myw$session_flag"
	geometryColumnsTable = "myw_sqlite$geometry_columns"
	shardRangeTable      = "myw_sqlite$shard_range"
	sequenceGenTable     = "myw_sqlite$sequence_generator"
)

var errCopyRequired = errors.New("driver: change requires a table copy")

// SQLiteDriver targets the embedded SQLite engine. Namespaces are emulated
// with a "<schema>$" table name prefix.
type SQLiteDriver struct{}

// NewSQLiteDriver creates the embedded dialect driver.
func NewSQLiteDriver() *SQLiteDriver { return &SQLiteDriver{} }

func (d *SQLiteDriver) Dialect() Dialect { return DialectSQLite }

func (d *SQLiteDriver) SupportsSchemas() bool           { return false }
func (d *SQLiteDriver) SupportsConfigTriggers() bool    { return false }
func (d *SQLiteDriver) SupportsDataModelRollback() bool { return false }
func (d *SQLiteDriver) GeometrySRID() int               { return 0 }

func (d *SQLiteDriver) QuoteIdent(name string) string {
	if needsQuote(name, false) {
		return quoteIdent(name)
	}
	return name
}

func (d *SQLiteDriver) QuoteLiteral(s string) string { return quoteLiteral(s) }

func (d *SQLiteDriver) PhysicalName(schemaName, table string) string {
	return schemaName + "$" + table
}

func (d *SQLiteDriver) TableName(schemaName, table string) string {
	return quoteIdent(d.PhysicalName(schemaName, table))
}

// SQLType maps a semantic type to its declared column type. Dates and
// timestamps are ISO text; geometries are WKB under the GEOMETRY declared type.
func (d *SQLiteDriver) SQLType(t schema.Type) string {
	switch t.Base {
	case schema.TypeBoolean, schema.TypeInteger:
		return "INTEGER"
	case schema.TypeDouble:
		return "REAL"
	case schema.TypeNumeric:
		return "NUMERIC"
	}
	if t.IsGeometry() {
		return "GEOMETRY"
	}
	return "TEXT"
}

// CreateSchemaSQLs creates the bookkeeping tables the embedded engine needs
// in place of server features.
func (d *SQLiteDriver) CreateSchemaSQLs(name string) []string {
	if name != "myw" {
		return nil
	}
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name text PRIMARY KEY, value text)", quoteIdent(sessionFlagTable)),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (table_name text, column_name text, geometry_type text, spatial_index integer DEFAULT 0, PRIMARY KEY (table_name, column_name))", quoteIdent(geometryColumnsTable)),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id integer PRIMARY KEY, min integer NOT NULL, max integer NOT NULL)", quoteIdent(shardRangeTable)),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (table_name text, field_name text, last_id_used integer NOT NULL, shard_range integer NOT NULL, PRIMARY KEY (table_name, field_name))", quoteIdent(sequenceGenTable)),
	}
}

func (d *SQLiteDriver) columnDef(c *schema.Column) string {
	def := d.QuoteIdent(c.Name) + " " + d.SQLType(c.Type)
	if dv := columnDefault(d, c); dv != "" {
		def += " DEFAULT " + dv
	}
	if !c.Nullable && !c.Key {
		def += " NOT NULL"
	}
	return def
}

func (d *SQLiteDriver) identList(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = d.QuoteIdent(n)
	}
	return strings.Join(q, ", ")
}

func (d *SQLiteDriver) createTableSQL(t *schema.Table, name string) string {
	var defs []string
	for _, c := range t.Columns() {
		defs = append(defs, d.columnDef(c))
	}
	if keys := t.KeyColumns(); len(keys) > 0 {
		defs = append(defs, "PRIMARY KEY ("+d.identList(keys)+")")
	}
	for _, c := range t.Constraints {
		switch c.Type {
		case schema.ConstraintUnique:
			defs = append(defs, "UNIQUE ("+d.identList(c.Columns)+")")
		case schema.ConstraintCheck:
			defs = append(defs, "CHECK ("+c.Check+")")
		case schema.ConstraintForeignKey:
			ref := c.Reference
			refSchema := ref.Schema
			if refSchema == "" {
				refSchema = t.Schema
			}
			defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
				d.identList(c.Columns), d.TableName(refSchema, ref.Table), d.identList(ref.Columns)))
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", name, strings.Join(defs, ",\n  "))
}

func (d *SQLiteDriver) registerGeomColumnSQL(t *schema.Table, c *schema.Column) string {
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (table_name, column_name, geometry_type) VALUES (%s, %s, %s)",
		quoteIdent(geometryColumnsTable), quoteLiteral(d.PhysicalName(t.Schema, t.Name)), quoteLiteral(c.Name), quoteLiteral(c.Type.Base))
}

func (d *SQLiteDriver) CreateTableSQLs(t *schema.Table) []string {
	stmts := []string{d.createTableSQL(t, d.TableName(t.Schema, t.Name))}
	for _, c := range t.GeomColumns() {
		stmts = append(stmts, d.registerGeomColumnSQL(t, c))
	}
	for _, idx := range t.Indexes {
		stmts = append(stmts, d.AddIndexSQLs(t, idx)...)
	}
	return stmts
}

func (d *SQLiteDriver) DropTableSQLs(schemaName, table string) []string {
	phys := quoteLiteral(d.PhysicalName(schemaName, table))
	stmts := []string{
		"DROP TABLE IF EXISTS " + d.TableName(schemaName, table),
		fmt.Sprintf("DELETE FROM %s WHERE table_name = %s", quoteIdent(geometryColumnsTable), phys),
	}
	if sequenceSchema(schemaName) == schemaName {
		stmts = append(stmts, fmt.Sprintf("DELETE FROM %s WHERE table_name = %s", quoteIdent(sequenceGenTable), phys))
	}
	return stmts
}

// AddColumnSQLs adds the column in place when the engine allows it.
func (d *SQLiteDriver) AddColumnSQLs(t *schema.Table, c *schema.Column) ([]string, error) {
	if c.Key || (!c.Nullable && !c.HasDefault()) {
		return nil, errCopyRequired
	}
	stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.TableName(t.Schema, t.Name), d.columnDef(c))}
	if c.Type.IsGeometry() {
		stmts = append(stmts, d.registerGeomColumnSQL(t, c))
	}
	return stmts, nil
}

func (d *SQLiteDriver) AlterColumnSQLs(t *schema.Table, ch schema.Change, opts AlterOptions) ([]string, error) {
	return nil, errCopyRequired
}

func (d *SQLiteDriver) DropColumnSQLs(t *schema.Table, c *schema.Column) ([]string, error) {
	return nil, errCopyRequired
}

func (d *SQLiteDriver) indexName(t *schema.Table, idx *schema.Index) string {
	if idx.DBName != "" {
		return idx.DBName
	}
	suffix := "idx"
	if idx.Type == schema.IndexLike {
		suffix = "like"
	}
	return indexBaseName(d.PhysicalName(t.Schema, t.Name), idx.Columns, suffix)
}

// AddIndexSQLs creates a btree index. Spatial indexes are recorded in the
// geometry registry, where queries can discover them.
func (d *SQLiteDriver) AddIndexSQLs(t *schema.Table, idx *schema.Index) []string {
	if idx.Type == schema.IndexSpatial || idx.Type == schema.IndexGeographic {
		return []string{fmt.Sprintf("UPDATE %s SET spatial_index = 1 WHERE table_name = %s AND column_name = %s",
			quoteIdent(geometryColumnsTable), quoteLiteral(d.PhysicalName(t.Schema, t.Name)), quoteLiteral(idx.Columns[0]))}
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return []string{fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, quoteIdent(d.indexName(t, idx)), d.TableName(t.Schema, t.Name), d.identList(idx.Columns))}
}

func (d *SQLiteDriver) DropIndexSQLs(t *schema.Table, idx *schema.Index) []string {
	if idx.Type == schema.IndexSpatial || idx.Type == schema.IndexGeographic {
		return []string{fmt.Sprintf("UPDATE %s SET spatial_index = 0 WHERE table_name = %s AND column_name = %s",
			quoteIdent(geometryColumnsTable), quoteLiteral(d.PhysicalName(t.Schema, t.Name)), quoteLiteral(idx.Columns[0]))}
	}
	return []string{"DROP INDEX IF EXISTS " + quoteIdent(d.indexName(t, idx))}
}

func (d *SQLiteDriver) AddConstraintSQLs(t *schema.Table, c *schema.Constraint) ([]string, error) {
	return nil, errCopyRequired
}

func (d *SQLiteDriver) DropConstraintSQLs(t *schema.Table, c *schema.Constraint) ([]string, error) {
	return nil, errCopyRequired
}

// NextValSQL returns "": embedded keys are allocated by the caller from the shard range.
func (d *SQLiteDriver) NextValSQL(schemaName, table, field string) string { return "" }

func (d *SQLiteDriver) geomTypeIn(e, class string) string {
	return "GeometryType(" + e + ") IN ('" + strings.Join(geom.OGCTypesFor(class), "', '") + "')"
}

func (d *SQLiteDriver) trackingOn() string {
	return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s WHERE name = 'change_tracking' AND value = 'off')", quoteIdent(sessionFlagTable))
}

func (d *SQLiteDriver) triggerName(schemaName, table string, tt TriggerType) string {
	return quoteIdent(d.PhysicalName(schemaName, table) + "_" + string(tt))
}

// FeatureTriggerSQLs builds an AFTER row trigger. A trigger with nothing to
// do is only dropped.
func (d *SQLiteDriver) FeatureTriggerSQLs(schemaName string, def *FeatureDef, tt TriggerType) []string {
	stmts := []string{"DROP TRIGGER IF EXISTS " + d.triggerName(schemaName, def.Table, tt)}
	body := featureTriggerStatements(d, schemaName, def, tt)
	if len(body) == 0 {
		return stmts
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW BEGIN\n",
		d.triggerName(schemaName, def.Table, tt), strings.ToUpper(string(tt)), d.TableName(schemaName, def.Table))
	for _, s := range body {
		b.WriteString("  " + s + ";\n")
	}
	b.WriteString("END")
	return append(stmts, b.String())
}

func (d *SQLiteDriver) DropFeatureTriggerSQLs(schemaName string, def *FeatureDef, tt TriggerType) []string {
	return []string{"DROP TRIGGER IF EXISTS " + d.triggerName(schemaName, def.Table, tt)}
}

// ConfigTriggerSQLs returns nothing: the embedded engine does not log configuration changes.
func (d *SQLiteDriver) ConfigTriggerSQLs(opts ConfigTriggerOptions) []string { return nil }

func (d *SQLiteDriver) GeomIndexRebuildSQLs(schemaName string, def *FeatureDef) []string {
	return geomIndexRebuildStatements(d, schemaName, def)
}

func (d *SQLiteDriver) SearchRebuildSQLs(schemaName string, def *FeatureDef, rule SearchRule) []string {
	return searchRebuildStatements(d, schemaName, def, rule)
}

func (d *SQLiteDriver) GeomFromWKBExpr(placeholder string) string {
	return "ST_GeomFromWKB(" + placeholder + ")"
}

func (d *SQLiteDriver) IntersectsExpr(col, placeholder string) string {
	return fmt.Sprintf("ST_Intersects(%s, %s)", d.QuoteIdent(col), d.GeomFromWKBExpr(placeholder))
}

func (d *SQLiteDriver) WithinExpr(col, placeholder string, tolerance float64, geographic bool) string {
	g := 0
	if geographic {
		g = 1
	}
	return fmt.Sprintf("ST_DWithin(%s, %s, %g, %d)", d.QuoteIdent(col), d.GeomFromWKBExpr(placeholder), tolerance, g)
}

func (d *SQLiteDriver) AcquireVersionStampLock(ctx context.Context, s *Session, exclusive, releaseOnCommit bool) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func (d *SQLiteDriver) AcquireShardLock(ctx context.Context, s *Session) error { return nil }

// SetStatementTimeout applies a client-side deadline to each statement; an
// expired statement is interrupted by the driver.
func (d *SQLiteDriver) SetStatementTimeout(ctx context.Context, s *Session, timeout time.Duration) (func(context.Context) error, error) {
	prev := s.timeout
	s.timeout = timeout
	return func(context.Context) error {
		s.timeout = prev
		return nil
	}, nil
}

func (d *SQLiteDriver) SetChangeTracking(ctx context.Context, s *Session, enabled bool) error {
	if enabled {
		_, err := s.Exec(ctx, "DELETE FROM "+quoteIdent(sessionFlagTable)+" WHERE name = 'change_tracking'")
		return err
	}
	_, err := s.Exec(ctx, "INSERT OR REPLACE INTO "+quoteIdent(sessionFlagTable)+" (name, value) VALUES ('change_tracking', 'off')")
	return err
}

func (d *SQLiteDriver) DisableTriggersFor(ctx context.Context, s *Session, schemaName string, def *FeatureDef) error {
	for _, tt := range TriggerTypes {
		if err := s.ExecAll(ctx, d.DropFeatureTriggerSQLs(schemaName, def, tt)); err != nil {
			return err
		}
	}
	return nil
}

func (d *SQLiteDriver) EnableTriggersFor(ctx context.Context, s *Session, schemaName string, def *FeatureDef) error {
	return s.InstallFeatureTriggers(ctx, schemaName, def)
}

func (d *SQLiteDriver) TableExists(ctx context.Context, s *Session, schemaName, table string) (bool, error) {
	var n int
	err := s.QueryRow(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		d.PhysicalName(schemaName, table)).Scan(&n)
	return n > 0, err
}

func (d *SQLiteDriver) ColumnNames(ctx context.Context, s *Session, schemaName, table string) ([]string, error) {
	recs, err := s.Records(ctx, "PRAGMA table_info("+d.TableName(schemaName, table)+")")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.String("name")
	}
	return out, nil
}

func (d *SQLiteDriver) Tables(ctx context.Context, s *Session, schemaName string) ([]string, error) {
	prefix := schemaName + "$"
	recs, err := s.Records(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND substr(name, 1, ?) = ? ORDER BY name",
		len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = strings.TrimPrefix(r.String("name"), prefix)
	}
	return out, nil
}

// Vacuum compacts the whole database file; the table argument is ignored.
func (d *SQLiteDriver) Vacuum(ctx context.Context, s *Session, schemaName, table string) error {
	if s.InTx() {
		return fmt.Errorf("driver: vacuum cannot run inside a transaction")
	}
	_, err := s.Exec(ctx, "VACUUM")
	return err
}

func (d *SQLiteDriver) UpdateStatistics(ctx context.Context, s *Session) error {
	_, err := s.Exec(ctx, "ANALYZE")
	return err
}

// BulkLoad upserts rows by key with a single prepared statement.
func (d *SQLiteDriver) BulkLoad(ctx context.Context, s *Session, t *schema.Table, cols []string, rows [][]interface{}) error {
	keys := t.KeyColumns()
	if len(keys) == 0 {
		return fmt.Errorf("driver: bulk load into %s.%s requires a key", t.Schema, t.Name)
	}
	var sets []string
	for _, c := range cols {
		if col := t.Column(c); col != nil && !col.Key {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.QuoteIdent(c), d.QuoteIdent(c)))
		}
	}
	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		d.TableName(t.Schema, t.Name), d.identList(cols),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		d.identList(keys), conflict)

	return s.InTransaction(ctx, func(ctx context.Context) error {
		ps, err := s.conn.PrepareContext(ctx, stmt)
		if err != nil {
			return err
		}
		defer ps.Close()
		for _, row := range rows {
			if _, err := ps.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("driver: bulk load into %s.%s failed: %w", t.Schema, t.Name, err)
			}
		}
		return nil
	})
}

func (d *SQLiteDriver) ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrInterrupt {
		return myerrors.NewQueryTimeout("statement timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return myerrors.NewQueryTimeout("statement timed out", err)
	}
	return err
}
