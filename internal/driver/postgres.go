package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
)

// Advisory lock resource ids.
const (
	versionStampLockID = 1
	shardLockID        = 2
)

// changeTrackingSetting is the session variable read by triggers.
const changeTrackingSetting = "myw.change_tracking"

// PostgresDriver targets PostgreSQL with PostGIS.
type PostgresDriver struct{}

// NewPostgresDriver creates the server dialect driver.
func NewPostgresDriver() *PostgresDriver { return &PostgresDriver{} }

func (d *PostgresDriver) Dialect() Dialect { return DialectPostgres }

func (d *PostgresDriver) SupportsSchemas() bool           { return true }
func (d *PostgresDriver) SupportsConfigTriggers() bool    { return true }
func (d *PostgresDriver) SupportsDataModelRollback() bool { return true }
func (d *PostgresDriver) GeometrySRID() int               { return geom.SRIDWGS84 }

func (d *PostgresDriver) QuoteIdent(name string) string {
	if needsQuote(name, true) {
		return quoteIdent(name)
	}
	return name
}

func (d *PostgresDriver) QuoteLiteral(s string) string { return quoteLiteral(s) }

func (d *PostgresDriver) PhysicalName(schemaName, table string) string { return table }

func (d *PostgresDriver) TableName(schemaName, table string) string {
	return d.QuoteIdent(schemaName) + "." + d.QuoteIdent(table)
}

func (d *PostgresDriver) SQLType(t schema.Type) string {
	switch t.Base {
	case schema.TypeBoolean:
		return "boolean"
	case schema.TypeInteger:
		return "integer"
	case schema.TypeDouble:
		return "double precision"
	case schema.TypeNumeric:
		if t.Precision > 0 {
			return fmt.Sprintf("numeric(%d,%d)", t.Precision, t.Scale)
		}
		return "numeric"
	case schema.TypeString:
		if t.Length > 0 {
			return fmt.Sprintf("character varying(%d)", t.Length)
		}
		return "text"
	case schema.TypeDate:
		return "date"
	case schema.TypeTimestamp:
		if t.TZ {
			return "timestamp with time zone"
		}
		return "timestamp"
	case schema.TypeImage, schema.TypeFile:
		return "character varying"
	case schema.TypeReference, schema.TypeReferenceSet, schema.TypeForeignKey, schema.TypeLink:
		n := t.Length
		if n == 0 {
			n = 1000
		}
		return fmt.Sprintf("character varying(%d)", n)
	}
	if t.IsGeometry() {
		return "geometry"
	}
	return "text"
}

func (d *PostgresDriver) CreateSchemaSQLs(name string) []string {
	return []string{"CREATE SCHEMA IF NOT EXISTS " + d.QuoteIdent(name)}
}

func (d *PostgresDriver) columnDef(t *schema.Table, c *schema.Column) string {
	def := d.QuoteIdent(c.Name) + " " + d.SQLType(c.Type)
	if c.Generator == schema.GenSequence && t.Schema == "myw" {
		def += " DEFAULT nextval(" + quoteLiteral(d.qualifiedSequence(t.Schema, t.Name, c.Name)) + ")"
	} else if dv := columnDefault(d, c); dv != "" {
		def += " DEFAULT " + dv
	}
	if !c.Nullable {
		def += " NOT NULL"
	}
	return def
}

func (d *PostgresDriver) qualifiedSequence(schemaName, table, field string) string {
	return d.QuoteIdent(sequenceSchema(schemaName)) + "." + d.QuoteIdent(sequenceName(table, field))
}

func (d *PostgresDriver) CreateTableSQLs(t *schema.Table) []string {
	var stmts []string
	for _, c := range t.Columns() {
		if c.Generator == schema.GenSequence && sequenceSchema(t.Schema) == t.Schema {
			stmts = append(stmts, "CREATE SEQUENCE IF NOT EXISTS "+d.qualifiedSequence(t.Schema, t.Name, c.Name))
		}
	}

	var defs []string
	for _, c := range t.Columns() {
		defs = append(defs, d.columnDef(t, c))
	}
	if keys := t.KeyColumns(); len(keys) > 0 {
		defs = append(defs, "PRIMARY KEY ("+d.identList(keys)+")")
	}
	for _, c := range t.Constraints {
		if c.Type != schema.ConstraintPrimaryKey {
			defs = append(defs, d.constraintClause(t, c))
		}
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		d.TableName(t.Schema, t.Name), strings.Join(defs, ",\n  ")))

	for _, idx := range t.Indexes {
		stmts = append(stmts, d.AddIndexSQLs(t, idx)...)
	}
	return stmts
}

func (d *PostgresDriver) identList(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = d.QuoteIdent(n)
	}
	return strings.Join(q, ", ")
}

func (d *PostgresDriver) constraintName(t *schema.Table, c *schema.Constraint) string {
	if c.Name != "" {
		return c.Name
	}
	suffix := map[schema.ConstraintType]string{
		schema.ConstraintUnique:     "key",
		schema.ConstraintForeignKey: "fkey",
		schema.ConstraintCheck:      "check",
		schema.ConstraintPrimaryKey: "pkey",
	}[c.Type]
	return shortenIdent(indexBaseName(t.Name, c.Columns, suffix))
}

func (d *PostgresDriver) constraintClause(t *schema.Table, c *schema.Constraint) string {
	clause := "CONSTRAINT " + d.QuoteIdent(d.constraintName(t, c)) + " "
	switch c.Type {
	case schema.ConstraintCheck:
		return clause + "CHECK (" + c.Check + ")"
	case schema.ConstraintForeignKey:
		ref := c.Reference
		refSchema := ref.Schema
		if refSchema == "" {
			refSchema = t.Schema
		}
		return clause + fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			d.identList(c.Columns), d.TableName(refSchema, ref.Table), d.identList(ref.Columns))
	}
	return clause + string(c.Type) + " (" + d.identList(c.Columns) + ")"
}

func (d *PostgresDriver) DropTableSQLs(schemaName, table string) []string {
	stmts := []string{"DROP TABLE IF EXISTS " + d.TableName(schemaName, table) + " CASCADE"}
	if sequenceSchema(schemaName) == schemaName {
		stmts = append(stmts, fmt.Sprintf(
			"DO $$ DECLARE s record; BEGIN FOR s IN SELECT sequencename FROM pg_sequences WHERE schemaname = %s AND sequencename LIKE %s LOOP EXECUTE format('DROP SEQUENCE IF EXISTS %%I.%%I', %s, s.sequencename); END LOOP; END $$",
			quoteLiteral(schemaName), quoteLiteral(strings.ReplaceAll(table, "_", `\_`)+`\_%\_seq`), quoteLiteral(schemaName)))
	}
	return stmts
}

func (d *PostgresDriver) AddColumnSQLs(t *schema.Table, c *schema.Column) ([]string, error) {
	var stmts []string
	if c.Generator == schema.GenSequence && sequenceSchema(t.Schema) == t.Schema {
		stmts = append(stmts, "CREATE SEQUENCE IF NOT EXISTS "+d.qualifiedSequence(t.Schema, t.Name, c.Name))
	}
	return append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s",
		d.TableName(t.Schema, t.Name), d.columnDef(t, c))), nil
}

// conversionExpr rewrites existing values of col for a type change.
func (d *PostgresDriver) conversionExpr(col string, ch schema.Change, opts AlterOptions) string {
	target := d.SQLType(ch.Column.Type)
	switch ch.Conversion {
	case schema.ConvStringToNumber:
		return fmt.Sprintf(`CAST(NULLIF(substring(%s from '^\s*([-+]?[0-9]*\.?[0-9]+([eE][-+]?[0-9]+)?)'), '') AS %s)`, col, target)
	case schema.ConvStringToDate:
		if opts.DateFormat != "" {
			return fmt.Sprintf("to_date(NULLIF(%s, ''), %s)", col, quoteLiteral(opts.DateFormat))
		}
		return fmt.Sprintf("CAST(NULLIF(%s, '') AS date)", col)
	case schema.ConvStringToTimestamp:
		if opts.TimestampFormat != "" {
			return fmt.Sprintf("CAST(to_timestamp(NULLIF(%s, ''), %s) AS %s)", col, quoteLiteral(opts.TimestampFormat), target)
		}
		return fmt.Sprintf("CAST(NULLIF(%s, '') AS %s)", col, target)
	case schema.ConvStringToBoolean:
		return fmt.Sprintf("CASE WHEN lower(%s) IN ('true', 't', 'yes', 'y', '1') THEN true WHEN lower(%s) IN ('false', 'f', 'no', 'n', '0') THEN false END", col, col)
	}
	return fmt.Sprintf("CAST(%s AS %s)", col, target)
}

func (d *PostgresDriver) AlterColumnSQLs(t *schema.Table, ch schema.Change, opts AlterOptions) ([]string, error) {
	old, c := ch.Old, ch.Column
	tbl := d.TableName(t.Schema, t.Name)
	col := d.QuoteIdent(c.Name)
	var stmts []string

	if old.Type != c.Type {
		switch {
		case old.Type.IsGeometry() && c.Type.IsGeometry():
			// all geometry classes share one column type
		case old.Type.IsGeometry() || c.Type.IsGeometry():
			return nil, myerrors.NewSchemaError(myerrors.CodeDDLConflict,
				fmt.Sprintf("cannot convert %s.%s between geometry and %s in place", t.Name, c.Name, c.Type), nil)
		default:
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s",
				tbl, col, d.SQLType(c.Type), d.conversionExpr(col, ch, opts)))
		}
	}
	if old.Default != c.Default || old.Generator != c.Generator {
		if dv := columnDefault(d, c); dv != "" {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s", tbl, col, dv))
		} else if c.Generator != schema.GenSequence {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", tbl, col))
		}
	}
	if old.Nullable != c.Nullable {
		op := "DROP NOT NULL"
		if !c.Nullable {
			op = "SET NOT NULL"
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", tbl, col, op))
	}
	return stmts, nil
}

func (d *PostgresDriver) DropColumnSQLs(t *schema.Table, c *schema.Column) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", d.TableName(t.Schema, t.Name), d.QuoteIdent(c.Name))}, nil
}

func (d *PostgresDriver) indexName(t *schema.Table, idx *schema.Index) string {
	if idx.DBName != "" {
		return idx.DBName
	}
	suffix := "idx"
	switch idx.Type {
	case schema.IndexLike:
		suffix = "like"
	case schema.IndexSpatial:
		suffix = "gist"
	case schema.IndexGeographic:
		suffix = "geog"
	}
	return shortenIdent(indexBaseName(t.Name, idx.Columns, suffix))
}

func (d *PostgresDriver) AddIndexSQLs(t *schema.Table, idx *schema.Index) []string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	var using, cols string
	switch idx.Type {
	case schema.IndexSpatial:
		using, cols = " USING GIST", d.identList(idx.Columns)
	case schema.IndexGeographic:
		using, cols = " USING GIST", "(CAST("+d.QuoteIdent(idx.Columns[0])+" AS geography))"
	case schema.IndexLike:
		parts := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			parts[i] = d.QuoteIdent(c) + " varchar_pattern_ops"
		}
		cols = strings.Join(parts, ", ")
	default:
		cols = d.identList(idx.Columns)
	}
	return []string{fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s%s (%s)",
		unique, d.QuoteIdent(d.indexName(t, idx)), d.TableName(t.Schema, t.Name), using, cols)}
}

func (d *PostgresDriver) DropIndexSQLs(t *schema.Table, idx *schema.Index) []string {
	return []string{"DROP INDEX IF EXISTS " + d.QuoteIdent(t.Schema) + "." + d.QuoteIdent(d.indexName(t, idx))}
}

func (d *PostgresDriver) AddConstraintSQLs(t *schema.Table, c *schema.Constraint) ([]string, error) {
	if c.Type == schema.ConstraintPrimaryKey {
		return []string{fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", d.TableName(t.Schema, t.Name), d.identList(c.Columns))}, nil
	}
	return []string{fmt.Sprintf("ALTER TABLE %s ADD %s", d.TableName(t.Schema, t.Name), d.constraintClause(t, c))}, nil
}

func (d *PostgresDriver) DropConstraintSQLs(t *schema.Table, c *schema.Constraint) ([]string, error) {
	name := d.constraintName(t, c)
	if c.Type == schema.ConstraintPrimaryKey && c.Name == "" {
		name = shortenIdent(t.Name + "_pkey")
	}
	return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", d.TableName(t.Schema, t.Name), d.QuoteIdent(name))}, nil
}

func (d *PostgresDriver) NextValSQL(schemaName, table, field string) string {
	return "nextval(" + quoteLiteral(d.qualifiedSequence(schemaName, table, field)) + ")"
}

// geomTypeIn uses PostGIS type names, e.g. ST_MultiPoint.
func (d *PostgresDriver) geomTypeIn(e, class string) string {
	var names []string
	for _, t := range geom.OGCTypesFor(class) {
		names = append(names, quoteLiteral("ST_"+postgisTypeName(t)))
	}
	return "ST_GeometryType(" + e + ") IN (" + strings.Join(names, ", ") + ")"
}

func postgisTypeName(ogc string) string {
	switch ogc {
	case "POINT":
		return "Point"
	case "MULTIPOINT":
		return "MultiPoint"
	case "LINESTRING":
		return "LineString"
	case "MULTILINESTRING":
		return "MultiLineString"
	case "POLYGON":
		return "Polygon"
	case "MULTIPOLYGON":
		return "MultiPolygon"
	}
	return ogc
}

func (d *PostgresDriver) trackingOn() string {
	return fmt.Sprintf("coalesce(current_setting('%s', true), '') <> 'off'", changeTrackingSetting)
}

func (d *PostgresDriver) triggerFunctionName(schemaName, table string, tt TriggerType) string {
	return d.QuoteIdent(schemaName) + "." + d.QuoteIdent(shortenIdent(table+"_"+string(tt)+"_trigger"))
}

func (d *PostgresDriver) triggerName(table string, tt TriggerType) string {
	return d.QuoteIdent(shortenIdent(table + "_" + string(tt)))
}

// FeatureTriggerSQLs builds a BEFORE row trigger backed by a plpgsql function.
func (d *PostgresDriver) FeatureTriggerSQLs(schemaName string, def *FeatureDef, tt TriggerType) []string {
	body := []string{fmt.Sprintf("PERFORM pg_advisory_xact_lock_shared(%d)", versionStampLockID)}

	if tt == TriggerInsert && def.KeyGenerator == schema.GenSequence && schemaName != "base" {
		key := "NEW." + d.QuoteIdent(def.KeyField)
		body = append(body, fmt.Sprintf("IF %s IS NULL THEN %s := %s; END IF", key, key, d.NextValSQL(schemaName, def.Table, def.KeyField)))
	}
	body = append(body, featureTriggerStatements(d, schemaName, def, tt)...)

	ret := "NEW"
	if tt == TriggerDelete {
		ret = "OLD"
	}
	fn := d.triggerFunctionName(schemaName, def.Table, tt)

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$\nBEGIN\n", fn)
	for _, stmt := range body {
		b.WriteString("  " + stmt + ";\n")
	}
	fmt.Fprintf(&b, "  RETURN %s;\nEND;\n$$ LANGUAGE plpgsql", ret)

	return []string{
		b.String(),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", d.triggerName(def.Table, tt), d.TableName(schemaName, def.Table)),
		fmt.Sprintf("CREATE TRIGGER %s BEFORE %s ON %s FOR EACH ROW EXECUTE PROCEDURE %s()",
			d.triggerName(def.Table, tt), strings.ToUpper(string(tt)), d.TableName(schemaName, def.Table), fn),
	}
}

func (d *PostgresDriver) DropFeatureTriggerSQLs(schemaName string, def *FeatureDef, tt TriggerType) []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", d.triggerName(def.Table, tt), d.TableName(schemaName, def.Table)),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", d.triggerFunctionName(schemaName, def.Table, tt)),
	}
}

func (d *PostgresDriver) GeomIndexRebuildSQLs(schemaName string, def *FeatureDef) []string {
	return geomIndexRebuildStatements(d, schemaName, def)
}

func (d *PostgresDriver) SearchRebuildSQLs(schemaName string, def *FeatureDef, rule SearchRule) []string {
	return searchRebuildStatements(d, schemaName, def, rule)
}

func (d *PostgresDriver) GeomFromWKBExpr(placeholder string) string {
	return fmt.Sprintf("ST_GeomFromEWKB(%s)", placeholder)
}

func (d *PostgresDriver) IntersectsExpr(col, placeholder string) string {
	return fmt.Sprintf("ST_Intersects(%s, %s)", d.QuoteIdent(col), d.GeomFromWKBExpr(placeholder))
}

func (d *PostgresDriver) WithinExpr(col, placeholder string, tolerance float64, geographic bool) string {
	c := d.QuoteIdent(col)
	if geographic {
		return fmt.Sprintf("ST_DWithin(CAST(%s AS geography), CAST(%s AS geography), %g)", c, d.GeomFromWKBExpr(placeholder), tolerance)
	}
	return fmt.Sprintf("ST_DWithin(%s, %s, %g)", c, d.GeomFromWKBExpr(placeholder), tolerance)
}

func (d *PostgresDriver) AlterTable(ctx context.Context, s *Session, old, new *schema.Table, changes []schema.Change, opts AlterOptions) error {
	for _, ch := range changes {
		var stmts []string
		var err error
		switch ch.Kind {
		case schema.AddField:
			stmts, err = d.AddColumnSQLs(new, ch.Column)
		case schema.AlterField:
			stmts, err = d.AlterColumnSQLs(new, ch, opts)
		case schema.DropField:
			stmts, err = d.DropColumnSQLs(old, ch.Column)
		case schema.AddIndex:
			stmts = d.AddIndexSQLs(new, ch.Index)
		case schema.DropIndex:
			stmts = d.DropIndexSQLs(old, ch.Index)
		case schema.AddConstraint:
			stmts, err = d.AddConstraintSQLs(new, ch.Constraint)
		case schema.DropConstraint:
			stmts, err = d.DropConstraintSQLs(old, ch.Constraint)
		}
		if err != nil {
			return err
		}
		if err := s.ExecAll(ctx, stmts); err != nil {
			return err
		}
	}
	return nil
}

func (d *PostgresDriver) SequenceRange(ctx context.Context, s *Session, schemaName, table, field string) (int64, int64, error) {
	var min, max int64
	err := s.QueryRow(ctx,
		"SELECT min_value, max_value FROM pg_sequences WHERE schemaname = ? AND sequencename = ?",
		sequenceSchema(schemaName), sequenceName(table, field)).Scan(&min, &max)
	if err != nil {
		return 0, 0, fmt.Errorf("driver: failed to read sequence range for %s.%s: %w", table, field, err)
	}
	return min, max, nil
}

// SetSequenceRange sets both bounds, retrying without a minimum only when
// the server rejects the combination.
func (d *PostgresDriver) SetSequenceRange(ctx context.Context, s *Session, schemaName, table, field string, min, max int64) error {
	seq := d.qualifiedSequence(schemaName, table, field)
	err := s.InTransaction(ctx, func(ctx context.Context) error {
		_, err := s.Exec(ctx, fmt.Sprintf("ALTER SEQUENCE %s MINVALUE %d MAXVALUE %d START WITH %d RESTART WITH %d", seq, min, max, min, min))
		return err
	})
	var pgErr *pgconn.PgError
	if err != nil && errors.As(err, &pgErr) && (pgErr.Code == "22023" || pgErr.Code == "2200H") {
		_, err = s.Exec(ctx, fmt.Sprintf("ALTER SEQUENCE %s NO MINVALUE MAXVALUE %d RESTART WITH %d", seq, max, min))
	}
	if err != nil {
		return fmt.Errorf("driver: failed to set range of %s: %w", seq, err)
	}
	return nil
}

func (d *PostgresDriver) SetSequenceValue(ctx context.Context, s *Session, schemaName, table, field string, value int64) error {
	_, err := s.Exec(ctx, "SELECT setval(?, ?, false)", d.qualifiedSequence(schemaName, table, field), value)
	return err
}

func (d *PostgresDriver) NextSequenceValue(ctx context.Context, s *Session, schemaName, table, field string) (int64, error) {
	var v int64
	if err := s.QueryRow(ctx, "SELECT "+d.NextValSQL(schemaName, table, field)).Scan(&v); err != nil {
		return 0, fmt.Errorf("driver: failed to allocate id for %s.%s: %w", table, field, d.ClassifyError(err))
	}
	return v, nil
}

func (d *PostgresDriver) AcquireVersionStampLock(ctx context.Context, s *Session, exclusive, releaseOnCommit bool) (func(context.Context) error, error) {
	mode := ""
	if !exclusive {
		mode = "_shared"
	}
	if releaseOnCommit {
		if _, err := s.Exec(ctx, fmt.Sprintf("SELECT pg_advisory_xact_lock%s(%d)", mode, versionStampLockID)); err != nil {
			return nil, fmt.Errorf("driver: failed to acquire version stamp lock: %w", err)
		}
		return func(context.Context) error { return nil }, nil
	}
	if _, err := s.Exec(ctx, fmt.Sprintf("SELECT pg_advisory_lock%s(%d)", mode, versionStampLockID)); err != nil {
		return nil, fmt.Errorf("driver: failed to acquire version stamp lock: %w", err)
	}
	return func(ctx context.Context) error {
		_, err := s.Exec(ctx, fmt.Sprintf("SELECT pg_advisory_unlock%s(%d)", mode, versionStampLockID))
		return err
	}, nil
}

func (d *PostgresDriver) AcquireShardLock(ctx context.Context, s *Session) error {
	if _, err := s.Exec(ctx, fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", shardLockID)); err != nil {
		return fmt.Errorf("driver: failed to acquire shard lock: %w", err)
	}
	return nil
}

func (d *PostgresDriver) SetStatementTimeout(ctx context.Context, s *Session, timeout time.Duration) (func(context.Context) error, error) {
	var prev string
	if err := s.QueryRow(ctx, "SHOW statement_timeout").Scan(&prev); err != nil {
		return nil, err
	}
	if _, err := s.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", timeout.Milliseconds())); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		_, err := s.Exec(ctx, "SET statement_timeout = "+quoteLiteral(prev))
		return err
	}, nil
}

func (d *PostgresDriver) SetChangeTracking(ctx context.Context, s *Session, enabled bool) error {
	v := "on"
	if !enabled {
		v = "off"
	}
	_, err := s.Exec(ctx, fmt.Sprintf("SET LOCAL %s = '%s'", changeTrackingSetting, v))
	return err
}

func (d *PostgresDriver) DisableTriggersFor(ctx context.Context, s *Session, schemaName string, def *FeatureDef) error {
	_, err := s.Exec(ctx, "ALTER TABLE "+d.TableName(schemaName, def.Table)+" DISABLE TRIGGER USER")
	return err
}

func (d *PostgresDriver) EnableTriggersFor(ctx context.Context, s *Session, schemaName string, def *FeatureDef) error {
	_, err := s.Exec(ctx, "ALTER TABLE "+d.TableName(schemaName, def.Table)+" ENABLE TRIGGER USER")
	return err
}

func (d *PostgresDriver) TableExists(ctx context.Context, s *Session, schemaName, table string) (bool, error) {
	var n int
	err := s.QueryRow(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		schemaName, table).Scan(&n)
	return n > 0, err
}

func (d *PostgresDriver) ColumnNames(ctx context.Context, s *Session, schemaName, table string) ([]string, error) {
	recs, err := s.Records(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position",
		schemaName, table)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.String("column_name")
	}
	return out, nil
}

func (d *PostgresDriver) Tables(ctx context.Context, s *Session, schemaName string) ([]string, error) {
	recs, err := s.Records(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name",
		schemaName)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.String("table_name")
	}
	return out, nil
}

func (d *PostgresDriver) Vacuum(ctx context.Context, s *Session, schemaName, table string) error {
	if s.InTx() {
		return fmt.Errorf("driver: vacuum cannot run inside a transaction")
	}
	stmt := "VACUUM ANALYZE"
	if table != "" {
		stmt += " " + d.TableName(schemaName, table)
	}
	_, err := s.Exec(ctx, stmt)
	return err
}

func (d *PostgresDriver) UpdateStatistics(ctx context.Context, s *Session) error {
	_, err := s.Exec(ctx, "ANALYZE")
	return err
}

// BulkLoad stages rows with COPY, then updates matching keys and inserts the rest.
func (d *PostgresDriver) BulkLoad(ctx context.Context, s *Session, t *schema.Table, cols []string, rows [][]interface{}) error {
	keys := t.KeyColumns()
	if len(keys) == 0 {
		return fmt.Errorf("driver: bulk load into %s.%s requires a key", t.Schema, t.Name)
	}
	stage := shortenIdent("myw_stage_" + t.Name)
	target := d.TableName(t.Schema, t.Name)

	return s.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS)", d.QuoteIdent(stage), target)); err != nil {
			return err
		}

		err := s.conn.Raw(func(dc interface{}) error {
			conn := dc.(*stdlib.Conn).Conn()
			_, err := conn.CopyFrom(ctx, pgx.Identifier{stage}, cols, pgx.CopyFromRows(rows))
			return err
		})
		if err != nil {
			return fmt.Errorf("driver: copy into %s failed: %w", stage, err)
		}

		var match []string
		for _, k := range keys {
			match = append(match, fmt.Sprintf("t.%s = s.%s", d.QuoteIdent(k), d.QuoteIdent(k)))
		}
		var sets []string
		for _, c := range cols {
			if !t.Column(c).Key {
				sets = append(sets, fmt.Sprintf("%s = s.%s", d.QuoteIdent(c), d.QuoteIdent(c)))
			}
		}
		stmts := []string{}
		if len(sets) > 0 {
			stmts = append(stmts, fmt.Sprintf("UPDATE %s t SET %s FROM %s s WHERE %s",
				target, strings.Join(sets, ", "), d.QuoteIdent(stage), strings.Join(match, " AND ")))
		}
		stmts = append(stmts,
			fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)",
				target, d.identList(cols), d.identList(cols), d.QuoteIdent(stage), target, strings.Join(match, " AND ")),
			"DROP TABLE "+d.QuoteIdent(stage))
		return s.ExecAll(ctx, stmts)
	})
}

func (d *PostgresDriver) ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57014" {
		return myerrors.NewQueryTimeout("statement timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return myerrors.NewQueryTimeout("statement timed out", err)
	}
	return err
}
