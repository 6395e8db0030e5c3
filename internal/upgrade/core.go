package upgrade

import (
	"context"
	"log"
	"strings"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// CoreModule is the name of the module owning the system schema.
const CoreModule = "core"

// CoreFromVersion is the oldest myw_schema version the core steps upgrade.
const CoreFromVersion = 43000

func init() {
	Register(&Module{
		Name:           CoreModule,
		FromVersion:    CoreFromVersion,
		SupportsDryRun: true,
		Updates: map[int]Step{
			43001: {Name: "networks_add_tables", Run: networksAddTables},
			50004: {Name: "deltas_add_schemas", Run: deltasAddSchemas},
			60002: {Name: "replication_add_shard_tables", Run: replicationAddShardTables},
			70003: {Name: "convert_geometry_indexes_to_geographies", Run: convertGeometryIndexesToGeographies},
		},
	})
}

// CoreVersion returns the myw_schema version of a freshly installed database.
func CoreVersion() int {
	m, _ := lookup(CoreModule)
	return m.LatestVersion()
}

// ensureSystemTables creates the named system tables that do not exist yet
// and installs their configuration triggers.
func (e *Engine) ensureSystemTables(ctx context.Context, names ...string) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		t := dd.SystemTable(n)
		if t == nil {
			continue
		}
		want[n] = true
		exists, err := e.s.TableExists(ctx, t.Schema, t.Name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		log.Printf("upgrade: creating table %s", t.Name)
		if err := e.s.CreateTable(ctx, t); err != nil {
			return err
		}
	}
	for _, opts := range dd.ConfigTriggers() {
		if !want[opts.Table] {
			continue
		}
		if err := e.s.SetConfigTriggers(ctx, opts); err != nil {
			return err
		}
	}
	return nil
}

func tableNames(tables []*schema.Table) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}

func networksAddTables(ctx context.Context, e *Engine) error {
	return e.ensureSystemTables(ctx, "network", "network_feature_item")
}

// deltasAddSchemas creates the delta and base schemas with their logs and
// index tables, then adds the companion tables of versioned feature types.
func deltasAddSchemas(ctx context.Context, e *Engine) error {
	for _, name := range []string{types.SchemaDelta, types.SchemaBase} {
		if err := e.s.CreateSchema(ctx, name); err != nil {
			return err
		}
	}
	names := tableNames(dd.DeltaLogTables())
	names = append(names, tableNames(dd.IndexTables(true))...)
	if err := e.ensureSystemTables(ctx, names...); err != nil {
		return err
	}

	recs, err := e.dd.FeatureTypes(ctx, dd.DefaultDatasource, "", true)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		desc, err := e.dd.FeatureTypeDescriptor(ctx, rec.Datasource, rec.Name)
		if err != nil {
			return err
		}
		created := false
		for _, schemaName := range []string{types.SchemaDelta, types.SchemaBase} {
			exists, err := e.s.TableExists(ctx, schemaName, rec.TableName())
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			t, err := desc.Table(schemaName)
			if err != nil {
				return err
			}
			if err := e.s.CreateTable(ctx, t); err != nil {
				return err
			}
			created = true
		}
		if created {
			if err := e.dd.RebuildTriggers(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func replicationAddShardTables(ctx context.Context, e *Engine) error {
	return e.ensureSystemTables(ctx, "checkpoint", "replica", "replica_shard", "extract", "extract_config", "extract_key")
}

// convertGeometryIndexesToGeographies replaces the planar indexes of the geo
// world index tables with geography indexes. The embedded dialect has a
// single index kind, so the step leaves it untouched.
func convertGeometryIndexesToGeographies(ctx context.Context, e *Engine) error {
	if e.s.Dialect() != driver.DialectPostgres {
		return nil
	}
	for _, delta := range []bool{false, true} {
		for _, t := range dd.IndexTables(delta) {
			if t.Column("the_geom") == nil || !isGeoWorldTable(t.Name) {
				continue
			}
			if err := e.s.AddIndex(ctx, t, &schema.Index{Type: schema.IndexGeographic, Columns: []string{"the_geom"}}); err != nil {
				return err
			}
			if err := e.s.DropIndex(ctx, t, &schema.Index{Type: schema.IndexSpatial, Columns: []string{"the_geom"}}); err != nil {
				return err
			}
		}
	}
	return nil
}

func isGeoWorldTable(name string) bool {
	for _, prefix := range []string{"geo_world_", "delta_geo_world_"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
