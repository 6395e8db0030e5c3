package driver

import (
	"fmt"
	"strings"

	"github.com/myworld/mywdb/internal/expr"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
)

// Truncation limits of index table values.
const (
	filterValLen = 50
	searchValLen = 200
)

// World types of the geometry index tables.
const (
	worldGeo = "geo"
	worldInt = "int"
)

// vocab is the dialect vocabulary shared by the trigger and bulk rebuild builders.
type vocab interface {
	TableName(schemaName, table string) string
	QuoteIdent(name string) string
	QuoteLiteral(s string) string

	// geomTypeIn is a predicate true when expr is of a geometry class.
	geomTypeIn(expr, class string) string

	// trackingOn is a predicate true unless change tracking is disarmed for the session.
	trackingOn() string
}

// rowRef addresses the row a statement reads from: NEW or OLD inside a
// trigger, or an aliased table scan in a bulk rebuild.
type rowRef struct {
	prefix string
	from   string
}

func triggerRow(name string) rowRef { return rowRef{prefix: name + "."} }

func scanRow(v vocab, schemaName, table string) rowRef {
	return rowRef{prefix: "r.", from: " FROM " + v.TableName(schemaName, table) + " r"}
}

func (r rowRef) col(v vocab, name string) string { return r.prefix + v.QuoteIdent(name) }

func asText(e string) string { return "CAST(" + e + " AS text)" }

func mywTable(v vocab, name string) string { return v.TableName("myw", name) }

func worldsFor(def *FeatureDef) []string {
	if !def.GeomIndexed || len(def.GeomFields) == 0 {
		return nil
	}
	worlds := []string{worldGeo}
	for _, g := range def.GeomFields {
		if g.WorldField != "" {
			return append(worlds, worldInt)
		}
	}
	return worlds
}

func deltaKeyCond(v vocab, schemaName string, row rowRef) string {
	if schemaName != "delta" {
		return ""
	}
	return " AND delta = " + row.col(v, schema.DeltaColumn)
}

// geomIndexDeletes removes the index rows of one feature row.
func geomIndexDeletes(v vocab, schemaName string, def *FeatureDef, row rowRef) []string {
	var out []string
	for _, world := range worldsFor(def) {
		for _, class := range geom.Classes {
			out = append(out, fmt.Sprintf("DELETE FROM %s WHERE feature_table = %s AND feature_id = %s%s",
				mywTable(v, worldIndexTable(world, class, schemaName)),
				v.QuoteLiteral(def.Table),
				asText(row.col(v, def.KeyField)),
				deltaKeyCond(v, schemaName, row)))
		}
	}
	return out
}

// geomIndexInserts adds index rows for every stored geometry of a feature row.
func geomIndexInserts(v vocab, schemaName string, def *FeatureDef, row rowRef) []string {
	var out []string
	for _, world := range worldsFor(def) {
		for _, class := range geom.Classes {
			for _, g := range def.GeomFields {
				if world == worldInt && g.WorldField == "" {
					continue
				}
				out = append(out, geomIndexInsert(v, schemaName, def, row, world, class, g))
			}
		}
	}
	return out
}

func geomIndexInsert(v vocab, schemaName string, def *FeatureDef, row rowRef, world, class string, g GeomField) string {
	geomCol := row.col(v, g.Name)
	cols := []string{"feature_table", "feature_id", "field_name", "the_geom"}
	vals := []string{v.QuoteLiteral(def.Table), asText(row.col(v, def.KeyField)), v.QuoteLiteral(g.Name), geomCol}

	if world == worldInt {
		cols = append(cols, "myw_world_name")
		vals = append(vals, row.col(v, g.WorldField))
	}
	for k, f := range def.Filters {
		if f == "" || k >= MaxFilters {
			continue
		}
		cols = append(cols, fmt.Sprintf("filter%d_val", k+1))
		vals = append(vals, fmt.Sprintf("substr(%s, 1, %d)", asText(row.col(v, f)), filterValLen))
	}
	if schemaName == "delta" {
		cols = append(cols, "delta", "change_type")
		vals = append(vals, row.col(v, schema.DeltaColumn), row.col(v, schema.ChangeTypeColumn))
	}

	conds := []string{geomCol + " IS NOT NULL", v.geomTypeIn(geomCol, class)}
	if g.WorldField != "" {
		wf := row.col(v, g.WorldField)
		if world == worldGeo {
			conds = append(conds, fmt.Sprintf("(%s IS NULL OR %s IN ('default', 'geo'))", wf, wf))
		} else {
			conds = append(conds, fmt.Sprintf("%s IS NOT NULL AND %s NOT IN ('default', 'geo', 'none')", wf, wf))
		}
	}

	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s%s WHERE %s",
		mywTable(v, worldIndexTable(world, class, schemaName)),
		strings.Join(cols, ", "),
		strings.Join(vals, ", "),
		row.from,
		strings.Join(conds, " AND "))
}

// searchValueSQL renders a search expression over a row as non-NULL text.
func searchValueSQL(v vocab, toks []expr.Token, row rowRef) string {
	return expr.SQL(toks, v.QuoteLiteral, func(f string) string {
		return "coalesce(" + asText(row.col(v, f)) + ", '')"
	})
}

func searchDeletes(v vocab, schemaName string, def *FeatureDef, row rowRef) []string {
	var out []string
	for _, r := range def.Searches {
		out = append(out, fmt.Sprintf("DELETE FROM %s WHERE search_rule_id = %d AND feature_id = %s%s",
			mywTable(v, searchTable(schemaName)), r.ID, asText(row.col(v, def.KeyField)),
			deltaKeyCond(v, schemaName, row)))
	}
	return out
}

func searchInserts(v vocab, schemaName string, def *FeatureDef, row rowRef) []string {
	var out []string
	for _, r := range def.Searches {
		out = append(out, searchInsert(v, schemaName, def, r, row))
	}
	return out
}

func searchInsert(v vocab, schemaName string, def *FeatureDef, rule SearchRule, row rowRef) string {
	extra := []string{v.QuoteLiteral(def.ExternalName)}
	for _, r := range def.Searches {
		extra = append(extra, v.QuoteLiteral("|"), "("+searchValueSQL(v, r.Value, row)+")")
	}

	cols := []string{"search_rule_id", "feature_name", "feature_id", "search_val", "search_desc", "extra_values"}
	vals := []string{
		fmt.Sprintf("%d", rule.ID),
		v.QuoteLiteral(def.Table),
		asText(row.col(v, def.KeyField)),
		fmt.Sprintf("substr(lower('' || %s), 1, %d)", searchValueSQL(v, rule.Value, row), searchValLen),
		searchValueSQL(v, rule.Desc, row),
		fmt.Sprintf("substr(lower(%s), 1, %d)", strings.Join(extra, " || "), searchValLen),
	}
	if schemaName == "delta" {
		cols = append(cols, "delta", "change_type")
		vals = append(vals, row.col(v, schema.DeltaColumn), row.col(v, schema.ChangeTypeColumn))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s%s",
		mywTable(v, searchTable(schemaName)), strings.Join(cols, ", "), strings.Join(vals, ", "), row.from)
}

// changeLogInsert records a feature write in the schema's change log,
// stamped with the current data version.
func changeLogInsert(v vocab, schemaName string, def *FeatureDef, op TriggerType, row rowRef) string {
	cols := []string{"operation", "feature_type", "feature_id"}
	vals := []string{v.QuoteLiteral(string(op)), v.QuoteLiteral(def.Table), asText(row.col(v, def.KeyField))}
	if schemaName == "delta" || schemaName == "base" {
		cols = append(cols, "delta")
		vals = append(vals, row.col(v, schema.DeltaColumn))
	}
	cols = append(cols, "version")
	vals = append(vals, "version")
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE component = 'data' AND %s",
		mywTable(v, changeLogTable(schemaName)),
		strings.Join(cols, ", "), strings.Join(vals, ", "),
		mywTable(v, "version_stamp"), v.trackingOn())
}

// featureTriggerStatements returns the body statements of a feature trigger.
func featureTriggerStatements(v vocab, schemaName string, def *FeatureDef, tt TriggerType) []string {
	var stmts []string
	newRow, oldRow := triggerRow("NEW"), triggerRow("OLD")

	if schemaName != "base" {
		if tt != TriggerInsert {
			stmts = append(stmts, geomIndexDeletes(v, schemaName, def, oldRow)...)
			stmts = append(stmts, searchDeletes(v, schemaName, def, oldRow)...)
		}
		if tt != TriggerDelete {
			stmts = append(stmts, geomIndexInserts(v, schemaName, def, newRow)...)
			stmts = append(stmts, searchInserts(v, schemaName, def, newRow)...)
		}
	}

	if def.TrackChanges {
		row := newRow
		if tt == TriggerDelete {
			row = oldRow
		}
		stmts = append(stmts, changeLogInsert(v, schemaName, def, tt, row))
	}
	return stmts
}

// geomIndexRebuildStatements regenerates all index rows of a feature table.
func geomIndexRebuildStatements(v vocab, schemaName string, def *FeatureDef) []string {
	if schemaName == "base" {
		return nil
	}
	var stmts []string
	for _, world := range []string{worldGeo, worldInt} {
		for _, class := range geom.Classes {
			stmts = append(stmts, fmt.Sprintf("DELETE FROM %s WHERE feature_table = %s",
				mywTable(v, worldIndexTable(world, class, schemaName)), v.QuoteLiteral(def.Table)))
		}
	}
	return append(stmts, geomIndexInserts(v, schemaName, def, scanRow(v, schemaName, def.Table))...)
}

// searchRebuildStatements regenerates the search strings of one rule.
func searchRebuildStatements(v vocab, schemaName string, def *FeatureDef, rule SearchRule) []string {
	if schemaName == "base" {
		return nil
	}
	return []string{
		fmt.Sprintf("DELETE FROM %s WHERE search_rule_id = %d", mywTable(v, searchTable(schemaName)), rule.ID),
		searchInsert(v, schemaName, def, rule, scanRow(v, schemaName, def.Table)),
	}
}
