package dd

import (
	"fmt"

	"github.com/myworld/mywdb/internal/driver"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
)

const myw = "myw"

func table(name string) *schema.Table { return schema.NewTable(myw, name) }

var (
	key      = schema.Key()
	required = schema.NotNull()
	seq      = schema.Generator(schema.GenSequence)
	now      = schema.Generator(schema.GenSystemNow)
)

// StampTables are the tables every other table depends on.
func StampTables() []*schema.Table {
	return []*schema.Table{
		table("version_stamp").
			Add("component", "string(100)", key).
			Add("version", "integer", required).
			Add("date", "timestamp", now),
		table("checkpoint").
			Add("name", "string(200)", key).
			Add("version", "integer", required).
			Add("date", "timestamp", now),
		table("setting").
			Add("name", "string(200)", key).
			Add("type", "string(20)").
			Add("value", "string"),
	}
}

// DDTables are the data dictionary tables.
func DDTables() []*schema.Table {
	feature := table("dd_feature").
		Add("id", "integer", key, seq).
		Add("datasource_name", "string(200)", required).
		Add("feature_name", "string(200)", required).
		Add("external_name", "string(200)").
		Add("key_name", "string(200)").
		Add("primary_geom_name", "string(200)").
		Add("title_expr", "string").
		Add("short_description_expr", "string").
		Add("track_changes", "boolean", schema.Default("true")).
		Add("versioned", "boolean", schema.Default("false")).
		Add("editable", "boolean", schema.Default("false")).
		Add("geom_indexed", "boolean", schema.Default("true"))
	for k := 1; k <= driver.MaxFilters; k++ {
		feature.Add(fmt.Sprintf("filter%d_field", k), "string(200)")
	}
	feature.Add("editor_options", "string").
		Add("remote_spec", "string")
	feature.AddIndex(schema.IndexPlain, true, "datasource_name", "feature_name")

	field := table("dd_field").
		Add("id", "integer", key, seq).
		Add("datasource_name", "string(200)", required).
		Add("table_name", "string(200)", required).
		Add("internal_name", "string(200)", required).
		Add("external_name", "string(200)").
		Add("type", "string(200)", required).
		Add("enum", "string(200)").
		Add("generator", "string(50)").
		Add("default_value", "string").
		Add("mandatory", "boolean", schema.Default("false")).
		Add("is_key", "boolean", schema.Default("false")).
		Add("visible", "boolean", schema.Default("true")).
		Add("read_only", "boolean", schema.Default("false")).
		Add("unit", "string(50)").
		Add("display_unit", "string(50)").
		Add("unit_scale", "string(100)").
		Add("min_value", "double").
		Add("max_value", "double").
		Add("indexed", "boolean", schema.Default("false")).
		Add("viewer_class", "string(200)").
		Add("editor_class", "string(200)").
		Add("new_row", "boolean", schema.Default("false")).
		Add("validators", "string").
		Add("creates_world_type", "string(200)").
		Add("position", "integer")
	field.AddIndex(schema.IndexPlain, true, "datasource_name", "table_name", "internal_name")

	return []*schema.Table{
		table("datasource").
			Add("name", "string(200)", key).
			Add("external_name", "string(200)").
			Add("description", "string").
			Add("type", "string(50)", required).
			Add("spec", "string"),
		table("dd_enum").
			Add("name", "string(200)", key).
			Add("description", "string"),
		table("dd_enum_value").
			Add("enum_name", "string(200)", key).
			Add("position", "integer", key).
			Add("value", "string(200)", required).
			Add("display_value", "string(200)"),
		feature,
		field,
		table("dd_field_group").
			Add("id", "integer", key, seq).
			Add("datasource_name", "string(200)", required).
			Add("feature_name", "string(200)", required).
			Add("display_name", "string(200)").
			Add("is_expanded", "boolean", schema.Default("false")).
			Add("display_position", "integer"),
		table("dd_field_group_item").
			Add("container_id", "integer", key).
			Add("field_name", "string(200)", key).
			Add("display_position", "integer"),
		table("search_rule").
			Add("id", "integer", key, seq).
			Add("datasource_name", "string(200)", required).
			Add("feature_name", "string(200)", required).
			Add("search_val_expr", "string", required).
			Add("search_desc_expr", "string").
			Add("lang", "string(20)"),
		table("query").
			Add("id", "integer", key, seq).
			Add("datasource_name", "string(200)", required).
			Add("myw_object_type", "string(200)", required).
			Add("myw_search_val1", "string(200)").
			Add("myw_search_desc1", "string").
			Add("attrib_query", "string").
			Add("lang", "string(20)"),
		table("filter").
			Add("id", "integer", key, seq).
			Add("datasource_name", "string(200)", required).
			Add("feature_name", "string(200)", required).
			Add("name", "string(200)", required).
			Add("value", "string"),
	}
}

// ConfigTables are the layer, network, application and security tables.
func ConfigTables() []*schema.Table {
	return []*schema.Table{
		table("layer").
			Add("name", "string(200)", key).
			Add("display_name", "string(200)").
			Add("datasource_name", "string(200)", required).
			Add("category", "string(50)").
			Add("code", "string(50)").
			Add("description", "string").
			Add("spec", "string").
			Add("thumbnail", "string(200)").
			Add("transparency", "integer").
			Add("min_scale", "integer").
			Add("max_scale", "integer").
			Add("attribution", "string").
			Add("render_order", "integer"),
		table("layer_feature_item").
			Add("layer_name", "string(200)", key).
			Add("datasource_name", "string(200)", key).
			Add("feature_name", "string(200)", key).
			Add("field_name", "string(200)", key, schema.Default("-")).
			Add("filter_name", "string(200)").
			Add("point_style", "string").
			Add("line_style", "string").
			Add("fill_style", "string").
			Add("text_style", "string").
			Add("min_select", "integer").
			Add("max_select", "integer"),
		table("layer_group").
			Add("name", "string(200)", key).
			Add("display_name", "string(200)").
			Add("description", "string").
			Add("exclusive", "boolean", schema.Default("false")),
		table("layer_group_item").
			Add("layer_group_name", "string(200)", key).
			Add("layer_name", "string(200)", key).
			Add("sequence", "integer"),
		table("private_layer").
			Add("id", "string(400)", key).
			Add("owner", "string(200)", required).
			Add("name", "string(200)", required).
			Add("sharing", "string(200)").
			Add("datasource_name", "string(200)").
			Add("category", "string(50)").
			Add("description", "string").
			Add("spec", "string").
			Add("thumbnail", "string(200)").
			Add("min_scale", "integer").
			Add("max_scale", "integer").
			Add("transparency", "integer").
			Add("attribution", "string"),
		table("network").
			Add("name", "string(200)", key).
			Add("external_name", "string(200)").
			Add("type", "string(50)", required).
			Add("directed", "boolean", schema.Default("false")).
			Add("engine", "string(200)").
			Add("description", "string"),
		table("network_feature_item").
			Add("network_name", "string(200)", key).
			Add("feature_name", "string(200)", key).
			Add("upstream", "string(200)").
			Add("downstream", "string(200)").
			Add("length", "string(200)").
			Add("filter", "string"),
		table("application").
			Add("name", "string(200)", key).
			Add("external_name", "string(200)").
			Add("description", "string").
			Add("javascript_file", "string(200)").
			Add("image_url", "string(200)").
			Add("for_online_app", "boolean", schema.Default("true")).
			Add("for_native_app", "boolean", schema.Default("true")),
		table("application_layer").
			Add("application_name", "string(200)", key).
			Add("layer_name", "string(200)", key).
			Add("read_only", "boolean", schema.Default("false")).
			Add("snap", "boolean", schema.Default("false")),
		table("right").
			Add("name", "string(200)", key).
			Add("description", "string").
			Add("config", "boolean", schema.Default("false")),
		table("role").
			Add("name", "string(200)", key).
			Add("description", "string"),
		table("permission").
			Add("role_name", "string(200)", key).
			Add("application_name", "string(200)", key).
			Add("right_name", "string(200)", key).
			Add("restrictions", "string"),
		table("user").
			Add("id", "integer", key, seq).
			Add("username", "string(200)", required).
			Add("email", "string(200)").
			Add("password", "string(200)").
			Add("locked_out", "boolean", schema.Default("false")),
		table("user_role").
			Add("username", "string(200)", key).
			Add("role_name", "string(200)", key),
		table("group").
			Add("id", "string(400)", key).
			Add("owner", "string(200)", required).
			Add("name", "string(200)", required).
			Add("description", "string"),
		table("group_item").
			Add("group_id", "string(400)", key).
			Add("username", "string(200)", key).
			Add("manager", "boolean", schema.Default("false")),
		table("table_set").
			Add("name", "string(200)", key).
			Add("description", "string"),
		table("table_set_layer_item").
			Add("table_set_name", "string(200)", key).
			Add("layer_name", "string(200)", key).
			Add("on_demand", "boolean", schema.Default("false")).
			Add("updates", "boolean", schema.Default("true")),
		table("table_set_tile_file_item").
			Add("table_set_name", "string(200)", key).
			Add("tile_file", "string(200)", key).
			Add("on_demand", "boolean", schema.Default("false")).
			Add("updates", "boolean", schema.Default("true")).
			Add("clip", "boolean", schema.Default("true")).
			Add("by_layer", "boolean", schema.Default("false")).
			Add("min_zoom", "integer").
			Add("max_zoom", "integer"),
	}
}

// SiteTables hold per-database state that is never copied into an extract.
func SiteTables() []*schema.Table {
	return []*schema.Table{
		table("notification").
			Add("id", "integer", key, seq).
			Add("type", "string(50)").
			Add("subject", "string(200)").
			Add("details", "string").
			Add("for_online_app", "boolean", schema.Default("true")).
			Add("for_native_app", "boolean", schema.Default("true")).
			Add("created", "timestamp", now),
		table("bookmark").
			Add("id", "integer", key, seq).
			Add("username", "string(200)", required).
			Add("name", "string(200)", required).
			Add("lat", "double").
			Add("lng", "double").
			Add("zoom", "integer").
			Add("map_display", "string"),
		table("usage").
			Add("id", "integer", key, seq).
			Add("username", "string(200)").
			Add("client", "string(200)").
			Add("start_time", "timestamp").
			Add("end_time", "timestamp"),
		table("usage_item").
			Add("usage_id", "integer", key).
			Add("action", "string(200)", key).
			Add("count", "integer"),
		table("extract").
			Add("name", "string(200)", key).
			Add("region", "string").
			Add("table_set", "string(200)").
			Add("include_deltas", "boolean", schema.Default("false")).
			Add("last_export_id", "integer", schema.Default("0")).
			Add("writable_by", "string(200)").
			Add("expiry_time", "timestamp"),
		table("extract_config").
			Add("extract_name", "string(200)", key).
			Add("role_name", "string(200)", key).
			Add("folder_name", "string(200)").
			Add("expiry_time", "timestamp"),
		table("extract_key").
			Add("filename", "string(200)", key).
			Add("extract_key", "string(200)"),
		table("replica").
			Add("id", "string(200)", key).
			Add("type", "string(200)").
			Add("location", "string").
			Add("owner", "string(200)").
			Add("registered", "timestamp", now).
			Add("last_updated", "timestamp").
			Add("master_update", "integer", schema.Default("0")).
			Add("last_import", "integer", schema.Default("0")).
			Add("last_import_time", "timestamp").
			Add("dropped", "timestamp").
			Add("dead", "boolean", schema.Default("false")),
		table("replica_shard").
			Add("replica_id", "string(200)", key).
			Add("seq", "integer", key).
			Add("min_id", "integer", required).
			Add("max_id", "integer", required),
	}
}

// LogTables are the change logs written by triggers.
func LogTables() []*schema.Table {
	out := []*schema.Table{
		table("transaction_log").
			Add("id", "integer", key, seq).
			Add("operation", "string(10)", required).
			Add("feature_type", "string(200)", required).
			Add("feature_id", "string(100)", required).
			Add("version", "integer", required),
		table("configuration_log").
			Add("id", "integer", key, seq).
			Add("operation", "string(10)", required).
			Add("table_name", "string(200)", required).
			Add("record_id", "string(1000)", required).
			Add("version", "integer", required),
	}
	for _, i := range out {
		i.AddIndex(schema.IndexPlain, false, "version")
	}
	return out
}

// DeltaLogTables are the change logs of the delta and base schemas.
func DeltaLogTables() []*schema.Table {
	var out []*schema.Table
	for _, name := range []string{"delta_transaction_log", "base_transaction_log"} {
		t := table(name).
			Add("id", "integer", key, seq).
			Add("operation", "string(10)", required).
			Add("feature_type", "string(200)", required).
			Add("feature_id", "string(100)", required).
			Add("delta", "string(400)", required).
			Add("version", "integer", required)
		t.AddIndex(schema.IndexPlain, false, "version")
		out = append(out, t)
	}
	return out
}

// WorldIndexTable describes one geometry index table. Delta variants are
// keyed additionally by delta and carry the change type.
func WorldIndexTable(world, class string, delta bool) *schema.Table {
	name := world + "_world_" + class
	if delta {
		name = "delta_" + name
	}
	t := table(name).
		Add("feature_table", "string(200)", key).
		Add("feature_id", "string(100)", key).
		Add("field_name", "string(200)", key).
		Add("the_geom", class)
	if world == "int" {
		t.Add("myw_world_name", "string(100)")
	}
	for k := 1; k <= driver.MaxFilters; k++ {
		t.Add(fmt.Sprintf("filter%d_val", k), "string(50)")
	}
	if delta {
		t.Add("delta", "string(400)", key).
			Add("change_type", "string(10)")
	}
	t.AddIndex(schema.IndexSpatial, false, "the_geom")
	return t
}

// SearchStringTable describes the search index table.
func SearchStringTable(delta bool) *schema.Table {
	name := "search_string"
	if delta {
		name = "delta_search_string"
	}
	t := table(name).
		Add("search_rule_id", "integer", key).
		Add("feature_id", "string(100)", key).
		Add("feature_name", "string(200)").
		Add("search_val", "string(200)").
		Add("search_desc", "string").
		Add("extra_values", "string(200)")
	if delta {
		t.Add("delta", "string(400)", key).
			Add("change_type", "string(10)")
	}
	t.AddIndex(schema.IndexLike, false, "search_val")
	return t
}

// IndexTables lists the geometry and search index tables of the master or
// delta schema.
func IndexTables(delta bool) []*schema.Table {
	var out []*schema.Table
	for _, world := range []string{"geo", "int"} {
		for _, class := range geom.Classes {
			out = append(out, WorldIndexTable(world, class, delta))
		}
	}
	return append(out, SearchStringTable(delta))
}

// SystemTables lists every system table in leaf order.
func SystemTables() []*schema.Table {
	var out []*schema.Table
	out = append(out, StampTables()...)
	out = append(out, DDTables()...)
	out = append(out, ConfigTables()...)
	out = append(out, SiteTables()...)
	out = append(out, LogTables()...)
	out = append(out, DeltaLogTables()...)
	out = append(out, IndexTables(false)...)
	return append(out, IndexTables(true)...)
}

// SystemTable returns the descriptor of a system table, or nil.
func SystemTable(name string) *schema.Table {
	for _, t := range SystemTables() {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// ExtractExcluded lists system tables whose rows are never copied into an extract.
var ExtractExcluded = map[string]bool{
	"user": true, "user_role": true, "group": true, "group_item": true,
	"replica": true, "replica_shard": true, "notification": true, "checkpoint": true,
	"transaction_log": true, "configuration_log": true,
	"delta_transaction_log": true, "base_transaction_log": true,
	"usage": true, "usage_item": true, "bookmark": true, "extract_key": true,
	"private_layer": true,
}

// IsIndexTable reports whether a system table is populated by triggers.
func IsIndexTable(name string) bool {
	for _, t := range IndexTables(false) {
		if t.Name == name {
			return true
		}
	}
	for _, t := range IndexTables(true) {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ConfigTriggers lists the configuration logging applied to system tables.
func ConfigTriggers() []driver.ConfigTriggerOptions {
	server := "myw_server_config"
	user := "myw_user_config"
	sub := func(t, parent string, cols ...string) driver.ConfigTriggerOptions {
		return driver.ConfigTriggerOptions{Table: t, SubstructureOf: parent, ParentIDColumns: cols, VersionStamp: server}
	}
	return []driver.ConfigTriggerOptions{
		{Table: "setting", IDColumns: []string{"name"}, VersionStamp: server},
		{Table: "datasource", IDColumns: []string{"name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		{Table: "dd_enum", IDColumns: []string{"name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		sub("dd_enum_value", "dd_enum", "enum_name"),
		{Table: "dd_feature", IDColumns: []string{"datasource_name", "feature_name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		sub("dd_field", "dd_feature", "datasource_name", "table_name"),
		sub("dd_field_group", "dd_feature", "datasource_name", "feature_name"),
		{
			Table:          "dd_field_group_item",
			SubstructureOf: "dd_feature",
			ChangeLogIDFromTable: &driver.ConfigJoin{
				Table: "dd_field_group", Column: "container_id", KeyColumn: "id",
				IDColumns: []string{"datasource_name", "feature_name"},
			},
			VersionStamp: server,
		},
		sub("search_rule", "dd_feature", "datasource_name", "feature_name"),
		sub("query", "dd_feature", "datasource_name", "myw_object_type"),
		sub("filter", "dd_feature", "datasource_name", "feature_name"),
		{Table: "layer", IDColumns: []string{"name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		sub("layer_feature_item", "layer", "layer_name"),
		{Table: "layer_group", IDColumns: []string{"name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		sub("layer_group_item", "layer_group", "layer_group_name"),
		{Table: "private_layer", IDColumns: []string{"id"}, VersionStamp: user},
		{Table: "network", IDColumns: []string{"name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		sub("network_feature_item", "network", "network_name"),
		{Table: "application", IDColumns: []string{"name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		sub("application_layer", "application", "application_name"),
		{Table: "role", IDColumns: []string{"name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		sub("permission", "role", "role_name"),
		{Table: "group", IDColumns: []string{"id"}, VersionStamp: user},
		{Table: "group_item", SubstructureOf: "group", ParentIDColumns: []string{"group_id"}, VersionStamp: user},
		{Table: "table_set", IDColumns: []string{"name"}, LogIDUpdateAsNew: true, VersionStamp: server},
		sub("table_set_layer_item", "table_set", "table_set_name"),
		sub("table_set_tile_file_item", "table_set", "table_set_name"),
	}
}
