package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/myworld/mywdb/internal/dd"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/pkg/types"
)

// TypeMemory is the datasource type served by in-process Memory adapters.
const TypeMemory = "memory"

var (
	memMu     sync.RWMutex
	memByName = make(map[string]*Memory)
)

func init() {
	Register(TypeMemory, func(name string, _ json.RawMessage) (Adapter, error) {
		memMu.RLock()
		defer memMu.RUnlock()
		m, ok := memByName[name]
		if !ok {
			return nil, fmt.Errorf("datasource: no memory source named %s", name)
		}
		return m, nil
	})
}

// Memory is an adapter over feature types held in memory. It backs
// datasources of type "memory" once attached with Attach.
type Memory struct {
	mu       sync.RWMutex
	types    map[string]*dd.FeatureDescriptor
	records  map[string][]types.Record
	failures map[string]error
}

// NewMemory returns an empty memory source.
func NewMemory() *Memory {
	return &Memory{
		types:    make(map[string]*dd.FeatureDescriptor),
		records:  make(map[string][]types.Record),
		failures: make(map[string]error),
	}
}

// Attach serves m for the datasource of the given name.
func (m *Memory) Attach(datasource string) {
	memMu.Lock()
	defer memMu.Unlock()
	memByName[datasource] = m
}

// AddFeatureType adds a feature type and its records.
func (m *Memory) AddFeatureType(desc *dd.FeatureDescriptor, recs []types.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[desc.Name] = desc
	m.records[desc.Name] = recs
}

// SetFailure makes downloads of a feature type fail with err.
func (m *Memory) SetFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, name)
		return
	}
	m.failures[name] = err
}

func (m *Memory) FeatureTypes(ctx context.Context, spec string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name := range m.types {
		if ok, _ := path.Match(spec, name); spec == "" || ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) descriptor(name string) (*dd.FeatureDescriptor, error) {
	d, ok := m.types[name]
	if !ok {
		return nil, myerrors.NewConfigError(myerrors.CodeUnknownFeatureType, fmt.Sprintf("no external feature type %s", name))
	}
	return d, nil
}

func (m *Memory) FeatureTypeInfoFor(ctx context.Context, name string) (*FeatureTypeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, err := m.descriptor(name)
	if err != nil {
		return nil, err
	}
	info := &FeatureTypeInfo{Name: d.Name, ExternalName: d.ExternalName, Count: len(m.records[name])}
	if g := d.Field(d.PrimaryGeomName()); g != nil {
		info.GeomType = g.Type
	}
	return info, nil
}

func (m *Memory) FeatureTypeDef(ctx context.Context, name string) (*dd.FeatureDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.descriptor(name)
}

func (m *Memory) FeatureData(ctx context.Context, name string, opts DataOptions) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failures[name]; err != nil {
		return nil, err
	}
	d, err := m.descriptor(name)
	if err != nil {
		return nil, err
	}
	recs, err := selectRecords(d, m.records[name], opts)
	if err != nil {
		return nil, err
	}
	return newSliceIterator(recs, opts.BatchSize), nil
}

// selectRecords applies the bounds filter and renders geometries in the
// requested encoding.
func selectRecords(d *dd.FeatureDescriptor, recs []types.Record, opts DataOptions) ([]types.Record, error) {
	geomField := opts.GeomField
	if geomField == "" {
		geomField = d.PrimaryGeomName()
	}
	var geomFields []string
	for _, f := range d.Fields {
		if isGeomType(f.Type) {
			geomFields = append(geomFields, f.Name)
		}
	}

	var out []types.Record
	for _, r := range recs {
		if opts.Bounds != nil && geomField != "" {
			g, err := geom.Decode(r[geomField])
			if err != nil {
				return nil, fmt.Errorf("datasource: %s.%s: %w", d.Name, geomField, err)
			}
			if g == nil || !geom.Envelope(g).Intersects(*opts.Bounds) {
				continue
			}
		}
		rec := r.Clone()
		for _, f := range geomFields {
			if rec[f] == nil {
				continue
			}
			s, err := geom.EncodeString(rec[f], opts.GeomFormat)
			if err != nil {
				return nil, fmt.Errorf("datasource: %s.%s: %w", d.Name, f, err)
			}
			rec[f] = s
		}
		out = append(out, rec)
	}
	return out, nil
}
