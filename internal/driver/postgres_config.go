package driver

import (
	"fmt"
	"strings"
)

// configRecordID renders the logical id of a written row as text.
func (d *PostgresDriver) configRecordID(row string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "coalesce(" + asText(row+"."+d.QuoteIdent(c)) + ", '')"
	}
	return strings.Join(parts, " || '/' || ")
}

func (d *PostgresDriver) configLogInsert(op, table, recordID string) string {
	return fmt.Sprintf("INSERT INTO %s (operation, table_name, record_id, version) SELECT %s, %s, %s, version FROM %s WHERE component = 'data'",
		mywTable(d, "configuration_log"), quoteLiteral(op), quoteLiteral(table), recordID, mywTable(d, "version_stamp"))
}

// configLogStatements returns the logging statements for one row image.
func (d *PostgresDriver) configLogStatements(opts ConfigTriggerOptions, op, row string) []string {
	if opts.SubstructureOf == "" {
		return []string{d.configLogInsert(op, opts.Table, d.configRecordID(row, opts.IDColumns))}
	}
	if j := opts.ChangeLogIDFromTable; j != nil {
		id := d.configRecordID("j", j.IDColumns)
		return []string{fmt.Sprintf("INSERT INTO %s (operation, table_name, record_id, version) SELECT 'update', %s, %s, s.version FROM %s j, %s s WHERE j.%s = %s.%s AND s.component = 'data'",
			mywTable(d, "configuration_log"), quoteLiteral(opts.SubstructureOf), id,
			mywTable(d, j.Table), mywTable(d, "version_stamp"),
			d.QuoteIdent(j.KeyColumn), row, d.QuoteIdent(j.Column))}
	}
	return []string{d.configLogInsert("update", opts.SubstructureOf, d.configRecordID(row, opts.ParentIDColumns))}
}

// ConfigTriggerSQLs builds the AFTER row trigger that logs writes to a
// configuration table.
func (d *PostgresDriver) ConfigTriggerSQLs(opts ConfigTriggerOptions) []string {
	fn := d.QuoteIdent("myw") + "." + d.QuoteIdent(shortenIdent(opts.Table+"_config_trigger"))
	trg := d.QuoteIdent(shortenIdent(opts.Table + "_config"))
	tbl := d.TableName("myw", opts.Table)

	var b strings.Builder
	w := func(indent int, format string, args ...interface{}) {
		b.WriteString(strings.Repeat("  ", indent))
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$\nBEGIN\n", fn)
	w(1, "PERFORM pg_advisory_xact_lock_shared(%d);", versionStampLockID)
	w(1, "IF %s THEN", d.trackingOn())

	w(2, "IF TG_OP = 'INSERT' THEN")
	for _, stmt := range d.configLogStatements(opts, "insert", "NEW") {
		w(3, "%s;", stmt)
	}
	w(2, "ELSIF TG_OP = 'DELETE' THEN")
	for _, stmt := range d.configLogStatements(opts, "delete", "OLD") {
		w(3, "%s;", stmt)
	}
	w(2, "ELSE")
	if opts.LogIDUpdateAsNew && opts.SubstructureOf == "" {
		w(3, "IF (%s) IS DISTINCT FROM (%s) THEN", d.configRecordID("OLD", opts.IDColumns), d.configRecordID("NEW", opts.IDColumns))
		for _, stmt := range d.configLogStatements(opts, "delete", "OLD") {
			w(4, "%s;", stmt)
		}
		for _, stmt := range d.configLogStatements(opts, "insert", "NEW") {
			w(4, "%s;", stmt)
		}
		w(3, "ELSE")
		for _, stmt := range d.configLogStatements(opts, "update", "NEW") {
			w(4, "%s;", stmt)
		}
		w(3, "END IF;")
	} else {
		for _, stmt := range d.configLogStatements(opts, "update", "NEW") {
			w(3, "%s;", stmt)
		}
	}
	w(2, "END IF;")
	w(1, "END IF;")

	if opts.VersionStamp != "" {
		w(1, "UPDATE %s SET version = version + 1 WHERE component = %s;", mywTable(d, "version_stamp"), quoteLiteral(opts.VersionStamp))
	}
	b.WriteString("  RETURN NULL;\nEND;\n$$ LANGUAGE plpgsql")

	return []string{
		b.String(),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trg, tbl),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE PROCEDURE %s()", trg, tbl, fn),
	}
}
