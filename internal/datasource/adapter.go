// Package datasource defines the adapter interface for external feature
// sources and a registry of adapter factories keyed by datasource type.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/myworld/mywdb/internal/dd"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/pkg/types"
)

// FeatureTypeInfo summarises a feature type offered by an external source.
type FeatureTypeInfo struct {
	Name         string
	ExternalName string
	GeomType     string
	Count        int
}

// DataOptions controls a feature download.
type DataOptions struct {
	// Bounds limits records to those whose geometry intersects it.
	Bounds *types.Bounds

	// GeomField selects the geometry Bounds applies to; empty means the
	// primary geometry.
	GeomField string

	// GeomFormat is the encoding of geometry values in returned records.
	GeomFormat geom.Encoding

	BatchSize int
}

// DefaultBatchSize is used when DataOptions.BatchSize is not set.
const DefaultBatchSize = 1000

// Iterator yields feature records in batches. Next returns io.EOF after
// the last batch.
type Iterator interface {
	Next(ctx context.Context) ([]types.Record, error)
	Close() error
}

// Adapter reads feature types and records from an external datasource.
type Adapter interface {
	FeatureTypes(ctx context.Context, spec string) ([]string, error)
	FeatureTypeInfoFor(ctx context.Context, name string) (*FeatureTypeInfo, error)
	FeatureTypeDef(ctx context.Context, name string) (*dd.FeatureDescriptor, error)
	FeatureData(ctx context.Context, name string, opts DataOptions) (Iterator, error)
}

// Factory builds an adapter for a named datasource from its spec.
type Factory func(name string, spec json.RawMessage) (Adapter, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a datasource type available to New.
func Register(typ string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[typ] = f
}

// Types returns the registered datasource types, sorted.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds the adapter of a datasource record.
func New(rec types.Record) (Adapter, error) {
	typ := rec.String("type")
	mu.RLock()
	f, ok := factories[typ]
	mu.RUnlock()
	if !ok {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue,
			fmt.Sprintf("datasource %s: unsupported type %q", rec.String("name"), typ))
	}
	var spec json.RawMessage
	if s := rec.String("spec"); s != "" {
		spec = json.RawMessage(s)
	}
	return f(rec.String("name"), spec)
}

// ForDatasource looks up a datasource record and builds its adapter.
func ForDatasource(ctx context.Context, m *dd.Manager, name string) (Adapter, error) {
	rec, err := m.DatasourceRec(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("datasource %s does not exist", name))
	}
	return New(rec)
}

// ReadAll drains an iterator.
func ReadAll(ctx context.Context, it Iterator) ([]types.Record, error) {
	defer it.Close()
	var out []types.Record
	for {
		batch, err := it.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
}

// sliceIterator serves records already in memory.
type sliceIterator struct {
	recs  []types.Record
	size  int
	start int
}

func newSliceIterator(recs []types.Record, size int) *sliceIterator {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &sliceIterator{recs: recs, size: size}
}

func (it *sliceIterator) Next(ctx context.Context) ([]types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.start >= len(it.recs) {
		return nil, io.EOF
	}
	end := it.start + it.size
	if end > len(it.recs) {
		end = len(it.recs)
	}
	batch := it.recs[it.start:end]
	it.start = end
	return batch, nil
}

func (it *sliceIterator) Close() error { return nil }

func isGeomType(typ string) bool {
	t, err := schema.ParseType(typ)
	return err == nil && t.IsGeometry()
}
