package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	myerrors "github.com/myworld/mywdb/internal/errors"
)

// defaultShardID is the shard every generator starts in.
const defaultShardID = 1

// generator is the embedded key generator state of one table field.
type generator struct {
	last     int64
	shardID  int64
	min, max int64
}

// loadGenerator returns the generator of a field, creating it on first use
// in the default shard and skipping ids already present in the table.
func (d *SQLiteDriver) loadGenerator(ctx context.Context, s *Session, schemaName, table, field string) (*generator, error) {
	phys := d.PhysicalName(sequenceSchema(schemaName), table)
	g := &generator{}
	err := s.QueryRow(ctx, fmt.Sprintf(
		"SELECT g.last_id_used, r.id, r.min, r.max FROM %s g JOIN %s r ON r.id = g.shard_range WHERE g.table_name = ? AND g.field_name = ?",
		quoteIdent(sequenceGenTable), quoteIdent(shardRangeTable)), phys, field).Scan(&g.last, &g.shardID, &g.min, &g.max)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := s.Exec(ctx, fmt.Sprintf("INSERT OR IGNORE INTO %s (id, min, max) VALUES (?, ?, ?)", quoteIdent(shardRangeTable)),
		defaultShardID, 1, math.MaxInt32); err != nil {
		return nil, err
	}
	if err := s.QueryRow(ctx, fmt.Sprintf("SELECT id, min, max FROM %s WHERE id = ?", quoteIdent(shardRangeTable)),
		defaultShardID).Scan(&g.shardID, &g.min, &g.max); err != nil {
		return nil, err
	}
	if g.last, err = d.highestUsed(ctx, s, schemaName, table, field, g.min, g.max); err != nil {
		return nil, err
	}
	if _, err := s.Exec(ctx, fmt.Sprintf("INSERT INTO %s (table_name, field_name, last_id_used, shard_range) VALUES (?, ?, ?, ?)",
		quoteIdent(sequenceGenTable)), phys, field, g.last, g.shardID); err != nil {
		return nil, err
	}
	return g, nil
}

// highestUsed returns the largest id of the data table inside [min, max], or min-1.
func (d *SQLiteDriver) highestUsed(ctx context.Context, s *Session, schemaName, table, field string, min, max int64) (int64, error) {
	dataSchema := sequenceSchema(schemaName)
	exists, err := d.TableExists(ctx, s, dataSchema, table)
	if err != nil || !exists {
		return min - 1, err
	}
	var top sql.NullInt64
	err = s.QueryRow(ctx, fmt.Sprintf("SELECT max(%s) FROM %s WHERE %s BETWEEN ? AND ?",
		d.QuoteIdent(field), d.TableName(dataSchema, table), d.QuoteIdent(field)), min, max).Scan(&top)
	if err != nil {
		return 0, err
	}
	if top.Valid && top.Int64 >= min {
		return top.Int64, nil
	}
	return min - 1, nil
}

func (d *SQLiteDriver) SequenceRange(ctx context.Context, s *Session, schemaName, table, field string) (int64, int64, error) {
	g, err := d.loadGenerator(ctx, s, schemaName, table, field)
	if err != nil {
		return 0, 0, fmt.Errorf("driver: failed to read sequence range for %s.%s: %w", table, field, err)
	}
	return g.min, g.max, nil
}

// SetSequenceRange moves a generator into the shard [min, max], sharing an
// existing shard row with the same bounds.
func (d *SQLiteDriver) SetSequenceRange(ctx context.Context, s *Session, schemaName, table, field string, min, max int64) error {
	if min > max {
		return fmt.Errorf("driver: bad sequence range [%d, %d]", min, max)
	}
	return s.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := d.loadGenerator(ctx, s, schemaName, table, field); err != nil {
			return err
		}
		var shardID int64
		err := s.QueryRow(ctx, fmt.Sprintf("SELECT id FROM %s WHERE min = ? AND max = ?", quoteIdent(shardRangeTable)), min, max).Scan(&shardID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := s.QueryRow(ctx, fmt.Sprintf("SELECT coalesce(max(id), 0) + 1 FROM %s", quoteIdent(shardRangeTable))).Scan(&shardID); err != nil {
				return err
			}
			if _, err := s.Exec(ctx, fmt.Sprintf("INSERT INTO %s (id, min, max) VALUES (?, ?, ?)", quoteIdent(shardRangeTable)), shardID, min, max); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		last, err := d.highestUsed(ctx, s, schemaName, table, field, min, max)
		if err != nil {
			return err
		}
		_, err = s.Exec(ctx, fmt.Sprintf("UPDATE %s SET shard_range = ?, last_id_used = ? WHERE table_name = ? AND field_name = ?",
			quoteIdent(sequenceGenTable)), shardID, last, d.PhysicalName(sequenceSchema(schemaName), table), field)
		return err
	})
}

func (d *SQLiteDriver) SetSequenceValue(ctx context.Context, s *Session, schemaName, table, field string, value int64) error {
	if _, err := d.loadGenerator(ctx, s, schemaName, table, field); err != nil {
		return err
	}
	_, err := s.Exec(ctx, fmt.Sprintf("UPDATE %s SET last_id_used = ? WHERE table_name = ? AND field_name = ?", quoteIdent(sequenceGenTable)),
		value-1, d.PhysicalName(sequenceSchema(schemaName), table), field)
	return err
}

// NextSequenceValue allocates the next id of the generator's shard.
func (d *SQLiteDriver) NextSequenceValue(ctx context.Context, s *Session, schemaName, table, field string) (int64, error) {
	var next int64
	err := s.InTransaction(ctx, func(ctx context.Context) error {
		g, err := d.loadGenerator(ctx, s, schemaName, table, field)
		if err != nil {
			return err
		}
		next = g.last + 1
		if next > g.max {
			return myerrors.NewIntegrityError(myerrors.CodeShardExhausted,
				fmt.Sprintf("id range [%d, %d] of %s.%s is exhausted", g.min, g.max, table, field))
		}
		_, err = s.Exec(ctx, fmt.Sprintf("UPDATE %s SET last_id_used = ? WHERE table_name = ? AND field_name = ?", quoteIdent(sequenceGenTable)),
			next, d.PhysicalName(sequenceSchema(schemaName), table), field)
		return err
	})
	return next, err
}
