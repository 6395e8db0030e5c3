// Package dd provides typed access to the system tables of a myWorld
// database: the data dictionary, configuration records, settings, version
// stamps and checkpoints. It owns feature type creation and mutation,
// delegating physical DDL and trigger synthesis to the driver.
package dd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/myworld/mywdb/internal/driver"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// Manager is the data dictionary API over one session.
type Manager struct {
	s *driver.Session
}

// NewManager creates a manager on a session.
func NewManager(s *driver.Session) *Manager {
	return &Manager{s: s}
}

// Session returns the underlying session.
func (m *Manager) Session() *driver.Session { return m.s }

func (m *Manager) mywTable(name string) string { return m.s.TableName(myw, name) }

func (m *Manager) descriptor(name string) (*schema.Table, error) {
	t := SystemTable(name)
	if t == nil {
		return nil, fmt.Errorf("dd: unknown system table %q", name)
	}
	return t, nil
}

// Records returns the rows of a system table matching an optional filter,
// ordered by key.
func (m *Manager) Records(ctx context.Context, tableName, where string, args ...interface{}) ([]types.Record, error) {
	t, err := m.descriptor(tableName)
	if err != nil {
		return nil, err
	}
	q := "SELECT * FROM " + m.mywTable(tableName)
	if where != "" {
		q += " WHERE " + where
	}
	if keys := t.KeyColumns(); len(keys) > 0 {
		q += " ORDER BY " + m.identList(keys)
	}
	recs, err := m.s.Records(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("dd: failed to read %s: %w", tableName, err)
	}
	return recs, nil
}

// Record returns the single row of a system table with the given key
// values, or nil.
func (m *Manager) Record(ctx context.Context, tableName string, keyVals ...interface{}) (types.Record, error) {
	t, err := m.descriptor(tableName)
	if err != nil {
		return nil, err
	}
	keys := t.KeyColumns()
	if len(keys) != len(keyVals) {
		return nil, fmt.Errorf("dd: %s has %d key columns, got %d values", tableName, len(keys), len(keyVals))
	}
	recs, err := m.Records(ctx, tableName, m.keyWhere(keys), keyVals...)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (m *Manager) identList(cols []string) string {
	d := m.s.Driver()
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = d.QuoteIdent(c)
	}
	return strings.Join(q, ", ")
}

func (m *Manager) keyWhere(cols []string) string {
	d := m.s.Driver()
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = d.QuoteIdent(c) + " = ?"
	}
	return strings.Join(parts, " AND ")
}

// storedColumns returns the record's columns that exist on the table, sorted.
func storedColumns(t *schema.Table, rec types.Record) []string {
	var cols []string
	for c := range rec {
		if t.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

// InsertRecord inserts a row into a system table. When the table has a
// sequence key and the record omits it, the allocated key is returned.
func (m *Manager) InsertRecord(ctx context.Context, tableName string, rec types.Record) (int64, error) {
	t, err := m.descriptor(tableName)
	if err != nil {
		return 0, err
	}
	cols := storedColumns(t, rec)
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		args[i] = rec[c]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", m.mywTable(tableName), m.identList(cols),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	kc := t.KeyColumn()
	if kc == nil || kc.Generator != schema.GenSequence || rec[kc.Name] != nil {
		if _, err := m.s.Exec(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("dd: failed to insert into %s: %w", tableName, err)
		}
		if kc == nil {
			return 0, nil
		}
		return rec.Int(kc.Name), nil
	}

	if m.s.Dialect() == driver.DialectPostgres {
		var id int64
		if err := m.s.QueryRow(ctx, q+" RETURNING "+m.s.Driver().QuoteIdent(kc.Name), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("dd: failed to insert into %s: %w", tableName, err)
		}
		return id, nil
	}
	res, err := m.s.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("dd: failed to insert into %s: %w", tableName, err)
	}
	return res.LastInsertId()
}

// UpdateRecord updates the row with the record's key values.
func (m *Manager) UpdateRecord(ctx context.Context, tableName string, rec types.Record) (bool, error) {
	t, err := m.descriptor(tableName)
	if err != nil {
		return false, err
	}
	keys := t.KeyColumns()
	var sets []string
	var args []interface{}
	for _, c := range storedColumns(t, rec) {
		if !t.Column(c).Key {
			sets = append(sets, m.s.Driver().QuoteIdent(c)+" = ?")
			args = append(args, rec[c])
		}
	}
	var keyVals []interface{}
	for _, k := range keys {
		keyVals = append(keyVals, rec[k])
	}
	if len(sets) == 0 {
		r, err := m.Record(ctx, tableName, keyVals...)
		return r != nil, err
	}
	args = append(args, keyVals...)
	res, err := m.s.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		m.mywTable(tableName), strings.Join(sets, ", "), m.keyWhere(keys)), args...)
	if err != nil {
		return false, fmt.Errorf("dd: failed to update %s: %w", tableName, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertRecord updates the row with the record's key, inserting it when absent.
func (m *Manager) UpsertRecord(ctx context.Context, tableName string, rec types.Record) error {
	found, err := m.UpdateRecord(ctx, tableName, rec)
	if err != nil || found {
		return err
	}
	_, err = m.InsertRecord(ctx, tableName, rec)
	return err
}

// DeleteRecords deletes the rows of a system table matching a filter.
func (m *Manager) DeleteRecords(ctx context.Context, tableName, where string, args ...interface{}) (int64, error) {
	if _, err := m.descriptor(tableName); err != nil {
		return 0, err
	}
	q := "DELETE FROM " + m.mywTable(tableName)
	if where != "" {
		q += " WHERE " + where
	}
	res, err := m.s.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("dd: failed to delete from %s: %w", tableName, err)
	}
	return res.RowsAffected()
}
