// Package driver synthesises and executes dialect-specific SQL for the two
// supported backends: a server engine (PostgreSQL with PostGIS) and an
// embedded engine (SQLite). It owns DDL generation, feature and
// configuration triggers, bulk index rebuilds, advisory locks, statement
// timeouts, sequence and shard allocation, and table reflection.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/myworld/mywdb/internal/expr"
	"github.com/myworld/mywdb/internal/schema"
)

// Dialect names a backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect accepts the configured dialect names, including the
// role-based aliases "server" and "embedded".
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "postgres", "postgresql", "server":
		return DialectPostgres, nil
	case "sqlite", "sqlite3", "embedded":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("driver: unknown dialect %q", s)
}

// TriggerType is the write operation a feature trigger handles.
type TriggerType string

const (
	TriggerInsert TriggerType = "insert"
	TriggerUpdate TriggerType = "update"
	TriggerDelete TriggerType = "delete"
)

// TriggerTypes lists all feature trigger types.
var TriggerTypes = []TriggerType{TriggerInsert, TriggerUpdate, TriggerDelete}

// GeomField is a stored geometry field that feeds the world index tables.
type GeomField struct {
	Name string

	// WorldField holds the world name of the geometry. Empty means the
	// geometry is always in the geo world.
	WorldField string
}

// SearchRule is a search rule with its expressions already expanded.
type SearchRule struct {
	ID    int64
	Value []expr.Token
	Desc  []expr.Token
}

// FeatureDef is everything trigger synthesis needs to know about a feature type.
type FeatureDef struct {
	Table        string
	ExternalName string
	KeyField     string
	KeyGenerator string
	GeomIndexed  bool
	GeomFields   []GeomField

	// Filters maps filter slot k (0-based, up to 8) to a field name; "" is unused.
	Filters      []string
	Searches     []SearchRule
	TrackChanges bool
}

// MaxFilters is the number of filter value columns on the world index tables.
const MaxFilters = 8

// ConfigJoin resolves the logical parent id of a deep substructure through
// an adjacent table.
type ConfigJoin struct {
	Table     string   // adjacent myw table, e.g. dd_field_group
	Column    string   // column of the written row, e.g. container_id
	KeyColumn string   // matching column of the adjacent table, e.g. id
	IDColumns []string // adjacent columns forming the parent id
}

// ConfigTriggerOptions describe how writes to a configuration table are logged.
type ConfigTriggerOptions struct {
	Table string

	// IDColumns form the logical record id, joined with "/".
	IDColumns []string

	// SubstructureOf logs writes as updates of a parent table.
	SubstructureOf  string
	ParentIDColumns []string

	// ChangeLogIDFromTable resolves the parent id through another table.
	ChangeLogIDFromTable *ConfigJoin

	// LogIDUpdateAsNew logs an update that changes the id as delete plus insert.
	LogIDUpdateAsNew bool

	// VersionStamp is incremented on every write when set.
	VersionStamp string
}

// AlterOptions control type conversion when columns change type.
type AlterOptions struct {
	DateFormat      string
	TimestampFormat string
}

// Driver is implemented once per dialect. SQL-returning methods are pure;
// methods taking a Session execute on it.
type Driver interface {
	Dialect() Dialect

	TableName(schemaName, table string) string
	PhysicalName(schemaName, table string) string
	QuoteIdent(name string) string
	QuoteLiteral(s string) string
	SQLType(t schema.Type) string

	SupportsSchemas() bool
	SupportsConfigTriggers() bool
	SupportsDataModelRollback() bool

	CreateSchemaSQLs(name string) []string
	CreateTableSQLs(t *schema.Table) []string
	DropTableSQLs(schemaName, table string) []string
	AddColumnSQLs(t *schema.Table, c *schema.Column) ([]string, error)
	AlterColumnSQLs(t *schema.Table, ch schema.Change, opts AlterOptions) ([]string, error)
	DropColumnSQLs(t *schema.Table, c *schema.Column) ([]string, error)
	AddIndexSQLs(t *schema.Table, idx *schema.Index) []string
	DropIndexSQLs(t *schema.Table, idx *schema.Index) []string
	AddConstraintSQLs(t *schema.Table, c *schema.Constraint) ([]string, error)
	DropConstraintSQLs(t *schema.Table, c *schema.Constraint) ([]string, error)

	NextValSQL(schemaName, table, field string) string
	FeatureTriggerSQLs(schemaName string, def *FeatureDef, tt TriggerType) []string
	DropFeatureTriggerSQLs(schemaName string, def *FeatureDef, tt TriggerType) []string
	ConfigTriggerSQLs(opts ConfigTriggerOptions) []string
	GeomIndexRebuildSQLs(schemaName string, def *FeatureDef) []string
	SearchRebuildSQLs(schemaName string, def *FeatureDef, rule SearchRule) []string

	GeometrySRID() int
	GeomFromWKBExpr(placeholder string) string
	IntersectsExpr(col, placeholder string) string
	WithinExpr(col, placeholder string, tolerance float64, geographic bool) string

	AlterTable(ctx context.Context, s *Session, old, new *schema.Table, changes []schema.Change, opts AlterOptions) error
	SequenceRange(ctx context.Context, s *Session, schemaName, table, field string) (int64, int64, error)
	SetSequenceRange(ctx context.Context, s *Session, schemaName, table, field string, min, max int64) error
	SetSequenceValue(ctx context.Context, s *Session, schemaName, table, field string, value int64) error
	NextSequenceValue(ctx context.Context, s *Session, schemaName, table, field string) (int64, error)
	AcquireVersionStampLock(ctx context.Context, s *Session, exclusive, releaseOnCommit bool) (func(context.Context) error, error)
	AcquireShardLock(ctx context.Context, s *Session) error
	SetStatementTimeout(ctx context.Context, s *Session, d time.Duration) (func(context.Context) error, error)
	SetChangeTracking(ctx context.Context, s *Session, enabled bool) error
	DisableTriggersFor(ctx context.Context, s *Session, schemaName string, def *FeatureDef) error
	EnableTriggersFor(ctx context.Context, s *Session, schemaName string, def *FeatureDef) error
	TableExists(ctx context.Context, s *Session, schemaName, table string) (bool, error)
	ColumnNames(ctx context.Context, s *Session, schemaName, table string) ([]string, error)
	Tables(ctx context.Context, s *Session, schemaName string) ([]string, error)
	Vacuum(ctx context.Context, s *Session, schemaName, table string) error
	UpdateStatistics(ctx context.Context, s *Session) error
	BulkLoad(ctx context.Context, s *Session, t *schema.Table, cols []string, rows [][]interface{}) error

	// ClassifyError maps engine errors onto MywError kinds where one applies.
	ClassifyError(err error) error
}

// New returns the driver for a dialect.
func New(d Dialect) (Driver, error) {
	switch d {
	case DialectPostgres:
		return NewPostgresDriver(), nil
	case DialectSQLite:
		return NewSQLiteDriver(), nil
	}
	return nil, fmt.Errorf("driver: unsupported dialect %q", d)
}

// changeLogTable returns the change log written for a feature schema.
func changeLogTable(schemaName string) string {
	switch schemaName {
	case "delta":
		return "delta_transaction_log"
	case "base":
		return "base_transaction_log"
	}
	return "transaction_log"
}

// worldIndexTable returns the index table for a world type, geometry class and schema.
func worldIndexTable(world, class, schemaName string) string {
	name := world + "_world_" + class
	if schemaName == "delta" {
		return "delta_" + name
	}
	return name
}

// searchTable returns the search string table for a schema.
func searchTable(schemaName string) string {
	if schemaName == "delta" {
		return "delta_search_string"
	}
	return "search_string"
}

// sequenceSchema returns the schema holding a table's sequence. Versioned
// companions share the master sequence.
func sequenceSchema(schemaName string) string {
	if schemaName == "delta" || schemaName == "base" {
		return "data"
	}
	return schemaName
}
