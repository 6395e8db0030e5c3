package replication

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// ChangeColumn is the leading column of record change files.
const ChangeColumn = "change_type"

// Value layouts of record files.
const (
	TimestampLayout = "2006-01-02T15:04:05.000000"
	DateLayout      = "2006-01-02"
)

// RecordChange is one row of a record change file.
type RecordChange struct {
	Change types.ChangeType
	Record types.Record
}

// RecordWriter writes a record change file for a table.
type RecordWriter struct {
	f    *os.File
	w    *csv.Writer
	t    *schema.Table
	enc  geom.Encoding
	cols []*schema.Column
	n    int
}

// CreateRecordFile creates a record change file with a header for t.
func CreateRecordFile(path string, t *schema.Table, enc geom.Encoding) (*RecordWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("replication: failed to create %s: %w", path, err)
	}
	rw := &RecordWriter{f: f, w: csv.NewWriter(f), t: t, enc: enc, cols: t.Columns()}
	header := append([]string{ChangeColumn}, t.ColumnNames()...)
	if err := rw.w.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return rw, nil
}

// Write appends a change. Deletes carry only the key columns.
func (rw *RecordWriter) Write(change types.ChangeType, rec types.Record) error {
	row := make([]string, 0, len(rw.cols)+1)
	row = append(row, string(change))
	for _, c := range rw.cols {
		if change == types.ChangeDelete && !c.Key {
			row = append(row, "")
			continue
		}
		s, err := EncodeValue(c, rec[c.Name], rw.enc)
		if err != nil {
			return fmt.Errorf("replication: %s.%s: %w", rw.t.Name, c.Name, err)
		}
		row = append(row, s)
	}
	rw.n++
	return rw.w.Write(row)
}

// Count returns the number of changes written.
func (rw *RecordWriter) Count() int { return rw.n }

// Path returns the file path.
func (rw *RecordWriter) Path() string { return rw.f.Name() }

func (rw *RecordWriter) Close() error {
	rw.w.Flush()
	if err := rw.w.Error(); err != nil {
		rw.f.Close()
		return err
	}
	return rw.f.Close()
}

// ReadRecordFile reads a record change file into records of t. Columns t
// does not have are ignored. Geometries are returned in their file encoding.
func ReadRecordFile(path string, t *schema.Table) ([]RecordChange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replication: failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("replication: %s has no header: %w", path, err)
	}
	if len(header) == 0 || header[0] != ChangeColumn {
		return nil, fmt.Errorf("replication: %s does not start with a %s column", path, ChangeColumn)
	}
	cols := make([]*schema.Column, len(header))
	for i, name := range header[1:] {
		cols[i+1] = t.Column(name)
	}

	var out []RecordChange
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("replication: %s line %d: %w", path, line, err)
		}
		change, err := types.ParseChangeType(row[0])
		if err != nil {
			return nil, fmt.Errorf("replication: %s line %d: %w", path, line, err)
		}
		rec := make(types.Record, len(row))
		for i := 1; i < len(row) && i < len(cols); i++ {
			c := cols[i]
			if c == nil {
				continue
			}
			if change == types.ChangeDelete && !c.Key {
				continue
			}
			v, err := DecodeValue(c, row[i])
			if err != nil {
				return nil, fmt.Errorf("replication: %s line %d column %s: %w", path, line, c.Name, err)
			}
			rec[c.Name] = v
		}
		out = append(out, RecordChange{Change: change, Record: rec})
	}
	return out, nil
}

// EncodeValue renders a stored value as a record file field. NULL is the
// empty field.
func EncodeValue(c *schema.Column, v interface{}, enc geom.Encoding) (string, error) {
	if v == nil {
		return "", nil
	}
	if b, ok := v.([]byte); ok && !c.Type.IsGeometry() {
		v = string(b)
	}
	switch {
	case c.Type.IsGeometry():
		return geom.EncodeString(v, enc)
	case c.Type.IsInteger():
		n := types.Record{"v": v}.Int("v")
		return strconv.FormatInt(n, 10), nil
	case c.Type.Base == schema.TypeDouble:
		switch f := v.(type) {
		case float64:
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(f), 'g', -1, 32), nil
		case int64:
			return strconv.FormatInt(f, 10), nil
		}
	case c.Type.Base == schema.TypeNumeric:
		d, err := toDecimal(v)
		if err != nil {
			return "", err
		}
		if c.Type.Scale > 0 {
			return d.StringFixed(int32(c.Type.Scale)), nil
		}
		return d.String(), nil
	case c.Type.Base == schema.TypeBoolean:
		return strconv.FormatBool(types.Record{"v": v}.Bool("v")), nil
	case c.Type.Base == schema.TypeDate:
		if t, ok := storedTime(v); ok {
			return t.Format(DateLayout), nil
		}
	case c.Type.Base == schema.TypeTimestamp:
		if t, ok := storedTime(v); ok {
			if !c.Type.TZ {
				t = t.UTC()
			}
			return t.Format(TimestampLayout), nil
		}
	}
	return fmt.Sprint(v), nil
}

// storedTimeLayouts are the text forms dates and timestamps take in an
// embedded database.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	DateLayout,
}

func storedTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range storedTimeLayouts {
			if p, err := time.Parse(layout, t); err == nil {
				return p, true
			}
		}
	}
	return time.Time{}, false
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case decimal.Decimal:
		return n, nil
	}
	return decimal.NewFromString(strings.TrimSpace(fmt.Sprint(v)))
}

// DecodeValue parses a record file field for a column. The empty field is
// NULL.
func DecodeValue(c *schema.Column, s string) (interface{}, error) {
	if s == "" {
		return nil, nil
	}
	switch {
	case c.Type.IsGeometry():
		return s, nil
	case c.Type.IsInteger():
		return strconv.ParseInt(s, 10, 64)
	case c.Type.Base == schema.TypeDouble:
		return strconv.ParseFloat(s, 64)
	case c.Type.Base == schema.TypeNumeric:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		return d.String(), nil
	case c.Type.Base == schema.TypeBoolean:
		return strconv.ParseBool(s)
	case c.Type.Base == schema.TypeDate:
		return time.Parse(DateLayout, s)
	case c.Type.Base == schema.TypeTimestamp:
		if t, err := time.Parse(TimestampLayout, s); err == nil {
			return t, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	return s, nil
}
