package replication

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/myworld/mywdb/internal/datasource"
	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/internal/tilestore"
	"github.com/myworld/mywdb/internal/upgrade"
	"github.com/myworld/mywdb/pkg/types"
)

// ExtractOptions describes an extract to cut from the master.
type ExtractOptions struct {
	// Type names the extract type. Extracts of one type share updates.
	Type string

	// Region is a WKT or EWKT polygon; empty extracts everything.
	Region string

	TableSet      string
	IncludeDeltas bool
	WritableBy    string

	// Path is the SQLite file to create.
	Path string

	// TileDir receives the tile files of the extract.
	TileDir string

	// TileWorkers bounds the tile files copied at once.
	TileWorkers int
}

// ExtractResult summarises a created extract.
type ExtractResult struct {
	Path         string
	Records      map[string]int
	TileFiles    []string
	External     []string
	FailedTypes  map[string]error
	MasterUpdate int64
}

// CreateExtract writes a self-contained extract database for an extract
// type. The first extract of a type registers the type and positions its
// export checkpoint. Later extracts of the type start from the last export.
func (m *Master) CreateExtract(ctx context.Context, opts ExtractOptions) (*ExtractResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.progress()

	if opts.Type == "" || opts.Path == "" {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue, "an extract needs a type and a path")
	}
	if _, err := os.Stat(opts.Path); err == nil {
		return nil, myerrors.NewConfigError(myerrors.CodeConflictingOption, fmt.Sprintf("%s already exists", opts.Path))
	}

	p.Start("register")
	ext, err := m.dd.ExtractRec(ctx, opts.Type)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		ext = &dd.ExtractRec{Name: opts.Type, Region: opts.Region, TableSet: opts.TableSet,
			IncludeDeltas: opts.IncludeDeltas, WritableBy: opts.WritableBy}
		if _, _, err := m.region(ext); err != nil {
			return nil, err
		}
		err = m.s.InTransaction(ctx, func(ctx context.Context) error {
			return m.dd.SetExtract(ctx, ext)
		})
		if err != nil {
			return nil, err
		}
		if _, err := m.setCheckpoint(ctx, exportCheckpoint(opts.Type)); err != nil {
			return nil, err
		}
	} else if ext.Region != opts.Region && opts.Region != "" || ext.TableSet != opts.TableSet && opts.TableSet != "" {
		return nil, myerrors.NewConfigError(myerrors.CodeConflictingOption,
			fmt.Sprintf("extract type %s already exists with a different region or table set", opts.Type))
	}

	region, bounds, err := m.region(ext)
	if err != nil {
		return nil, err
	}
	sel, err := m.selectionFor(ctx, ext, false)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, err
	}
	target, err := driver.Open(ctx, driver.DialectSQLite, opts.Path)
	if err != nil {
		return nil, err
	}
	res, err := m.writeExtract(ctx, target, ext, sel, region, bounds, opts)
	if cerr := target.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(opts.Path)
		return nil, fmt.Errorf("replication: extract %s failed: %w", opts.Type, err)
	}
	p.End()
	log.Printf("replication: created extract %s at %s (%d feature types, %d tile files)",
		opts.Type, opts.Path, len(res.Records), len(res.TileFiles))
	return res, nil
}

func (m *Master) writeExtract(ctx context.Context, target *driver.Session, ext *dd.ExtractRec, sel *selection,
	region []byte, bounds *types.Bounds, opts ExtractOptions) (*ExtractResult, error) {
	p := m.progress()
	tdd := dd.NewManager(target)
	res := &ExtractResult{Path: opts.Path, Records: make(map[string]int), FailedTypes: make(map[string]error),
		MasterUpdate: ext.LastExportID}

	p.Start("install")
	if err := upgrade.InstallCore(ctx, target); err != nil {
		return nil, err
	}

	p.Start("system")
	if err := m.copySystemTables(ctx, target); err != nil {
		return nil, err
	}

	p.Start("tables")
	recs, err := tdd.FeatureTypes(ctx, dd.DefaultDatasource, "", false)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		desc, err := tdd.FeatureTypeDescriptor(ctx, rec.Datasource, rec.Name)
		if err != nil {
			return nil, err
		}
		for _, schemaName := range rec.Schemas() {
			t, err := desc.Table(schemaName)
			if err != nil {
				return nil, err
			}
			if err := target.CreateTable(ctx, t); err != nil {
				return nil, err
			}
		}
	}

	p.Start("features")
	schemas := []string{types.SchemaData}
	if ext.IncludeDeltas {
		schemas = append(schemas, types.SchemaDelta, types.SchemaBase)
	}
	for _, rec := range sel.features {
		for _, schemaName := range schemas {
			if schemaName != types.SchemaData && !rec.Versioned {
				continue
			}
			n, err := m.copyFeatureRecords(ctx, target, rec, schemaName, region)
			if err != nil {
				return nil, fmt.Errorf("copying %s.%s: %w", schemaName, rec.Name, err)
			}
			if schemaName == types.SchemaData {
				res.Records[rec.Name] = n
			}
		}
	}

	p.Start("indexes")
	for _, rec := range recs {
		trec, err := tdd.FeatureTypeRec(ctx, rec.Datasource, rec.Name)
		if err != nil {
			return nil, err
		}
		if err := tdd.RebuildIndexes(ctx, trec, types.SchemaData); err != nil {
			return nil, err
		}
		if trec.Versioned && ext.IncludeDeltas {
			if err := tdd.RebuildIndexes(ctx, trec, types.SchemaDelta); err != nil {
				return nil, err
			}
		}
		if err := tdd.RebuildTriggers(ctx, trec); err != nil {
			return nil, err
		}
	}

	p.Start("external")
	if ext.TableSet != "" {
		if err := m.extractExternal(ctx, target, ext, bounds, res); err != nil {
			return nil, err
		}
	}

	p.Start("tiles")
	if opts.TileDir != "" {
		names, err := m.extractTiles(ctx, sel, bounds, opts)
		if err != nil {
			return nil, err
		}
		res.TileFiles = names
	}

	p.Start("finish")
	err = target.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := target.Exec(ctx, "UPDATE "+target.TableName(types.SchemaMyw, "user")+" SET password = NULL"); err != nil {
			return err
		}
		if err := tdd.SetSetting(ctx, SettingExtractType, ext.Name); err != nil {
			return err
		}
		if err := tdd.SetVersionStamp(ctx, types.ComponentMasterUpdate, ext.LastExportID); err != nil {
			return err
		}
		if err := tdd.SetVersionStamp(ctx, types.ComponentMasterUpdateApplied, ext.LastExportID); err != nil {
			return err
		}
		dataVersion, err := m.dd.DataVersion(ctx)
		if err != nil {
			return err
		}
		return tdd.SetVersionStamp(ctx, types.ComponentMasterData, dataVersion)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// copySystemTables copies the system records an extract carries. Site
// tables, change logs, trigger-maintained indexes and local settings stay
// behind, as do the version stamps of the master.
func (m *Master) copySystemTables(ctx context.Context, target *driver.Session) error {
	for _, t := range dd.SystemTables() {
		if dd.ExtractExcluded[t.Name] || dd.IsIndexTable(t.Name) || t.Name == "version_stamp" {
			continue
		}
		recs, err := m.s.Records(ctx, "SELECT * FROM "+m.s.TableName(t.Schema, t.Name))
		if err != nil {
			return fmt.Errorf("copying %s: %w", t.Name, err)
		}
		cols := t.ColumnNames()
		rows := make([][]interface{}, 0, len(recs))
		for _, r := range recs {
			if t.Name == "setting" && types.IsExcludedSetting(r.String("name")) {
				continue
			}
			row := make([]interface{}, len(cols))
			for i, c := range cols {
				row[i] = r[c]
			}
			rows = append(rows, row)
		}
		for start := 0; start < len(rows); start += m.opts.ChunkSize {
			if err := target.BulkLoad(ctx, t, cols, rows[start:min(start+m.opts.ChunkSize, len(rows))]); err != nil {
				return fmt.Errorf("copying %s: %w", t.Name, err)
			}
		}
	}
	target.InvalidateCache()
	return nil
}

// copyFeatureRecords copies the records of a feature table that intersect
// the region, in key order and chunks.
func (m *Master) copyFeatureRecords(ctx context.Context, target *driver.Session, rec *dd.FeatureRec, schemaName string, region []byte) (int, error) {
	src, err := m.featureTable(ctx, rec, schemaName)
	if err != nil {
		return 0, err
	}
	dst, err := dd.NewManager(target).FeatureTypeDescriptor(ctx, rec.Datasource, rec.Name)
	if err != nil {
		return 0, err
	}
	dt, err := dst.Table(schemaName)
	if err != nil {
		return 0, err
	}

	q := m.s.Driver().QuoteIdent
	query := "SELECT * FROM " + m.s.TableName(schemaName, src.Name)
	var args []interface{}
	if region != nil && src.PrimaryGeom != "" {
		query += " WHERE " + m.s.Driver().IntersectsExpr(src.PrimaryGeom, "?")
		args = append(args, region)
	}
	var order []string
	for _, k := range src.KeyColumns() {
		order = append(order, q(k))
	}
	query += " ORDER BY " + strings.Join(order, ", ") + " LIMIT ? OFFSET ?"

	cols := dt.ColumnNames()
	n := 0
	for offset := 0; ; offset += m.opts.ChunkSize {
		if err := m.progress().Check(); err != nil {
			return n, err
		}
		recs, err := m.s.Records(ctx, query, append(args, m.opts.ChunkSize, offset)...)
		if err != nil {
			return n, err
		}
		if len(recs) == 0 {
			return n, nil
		}
		rows, err := rowsFor(target, dt, cols, recs)
		if err != nil {
			return n, err
		}
		if err := target.BulkLoad(ctx, dt, cols, rows); err != nil {
			return n, err
		}
		n += len(recs)
		m.progress().Add(int64(len(recs)))
		if len(recs) < m.opts.ChunkSize {
			return n, nil
		}
	}
}

// rowsFor orders records by cols, canonicalising geometries for s.
func rowsFor(s *driver.Session, t *schema.Table, cols []string, recs []types.Record) ([][]interface{}, error) {
	rows := make([][]interface{}, len(recs))
	for i, r := range recs {
		row := make([]interface{}, len(cols))
		for j, name := range cols {
			v := r[name]
			if c := t.Column(name); c != nil && c.Type.IsGeometry() && v != nil {
				g, err := s.CanonicaliseGeometry(v)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", t.Name, name, err)
				}
				v = g
			}
			row[j] = v
		}
		rows[i] = row
	}
	return rows, nil
}

// extractExternal materialises the pre-extracted feature types of external
// datasources as local tables. A failing feature type is dropped from the
// extract and reported.
func (m *Master) extractExternal(ctx context.Context, target *driver.Session, ext *dd.ExtractRec, bounds *types.Bounds, res *ExtractResult) error {
	ts, err := m.dd.TableSetRec(ctx, ext.TableSet)
	if err != nil {
		return err
	}
	sels, err := m.dd.TableSetFeatureTypes(ctx, ts)
	if err != nil {
		return err
	}
	adapters := make(map[string]datasource.Adapter)
	tdd := dd.NewManager(target)
	for _, s := range sels {
		if s.Datasource == dd.DefaultDatasource || s.OnDemand {
			continue
		}
		id := s.Datasource + "/" + s.Name
		n, err := m.extractExternalType(ctx, target, tdd, adapters, s, bounds)
		if err != nil {
			log.Printf("replication: [WARN] skipping %s: %v", id, err)
			res.FailedTypes[id] = err
			continue
		}
		res.External = append(res.External, id)
		res.Records[id] = n
	}
	return nil
}

func (m *Master) extractExternalType(ctx context.Context, target *driver.Session, tdd *dd.Manager,
	adapters map[string]datasource.Adapter, s dd.FeatureSelection, bounds *types.Bounds) (int, error) {
	a, ok := adapters[s.Datasource]
	if !ok {
		var err error
		if a, err = datasource.ForDatasource(ctx, m.dd, s.Datasource); err != nil {
			return 0, err
		}
		adapters[s.Datasource] = a
	}
	desc, err := a.FeatureTypeDef(ctx, s.Name)
	if err != nil {
		return 0, err
	}
	desc.Datasource = s.Datasource
	desc.Versioned = false
	t, err := desc.Table(types.SchemaData)
	if err != nil {
		return 0, err
	}
	it, err := a.FeatureData(ctx, s.Name, datasource.DataOptions{Bounds: bounds, GeomFormat: geom.EncodingWKB, BatchSize: m.opts.ChunkSize})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	err = target.InTransaction(ctx, func(ctx context.Context) error {
		rec, err := tdd.RegisterFeatureType(ctx, desc)
		if err != nil {
			return err
		}
		if err := target.DropTableIfExists(ctx, t.Schema, t.Name); err != nil {
			return err
		}
		if err := target.CreateTable(ctx, t); err != nil {
			return err
		}
		cols := t.ColumnNames()
		for {
			batch, err := it.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			rows, err := rowsFor(target, t, cols, batch)
			if err != nil {
				return err
			}
			if err := target.BulkLoad(ctx, t, cols, rows); err != nil {
				return err
			}
			n += len(batch)
		}
		if err := tdd.RebuildIndexes(ctx, rec, types.SchemaData); err != nil {
			return err
		}
		return tdd.RebuildTriggers(ctx, rec)
	})
	return n, err
}

// extractTiles copies the tile files of a selection into the tile directory
// of an extract, several files at a time.
func (m *Master) extractTiles(ctx context.Context, sel *selection, bounds *types.Bounds, opts ExtractOptions) ([]string, error) {
	policies, stores, err := m.tilePolicies(ctx, sel, bounds, "")
	if err != nil {
		return nil, err
	}
	defer closeStores(stores)
	if len(policies) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(opts.TileDir, 0755); err != nil {
		return nil, err
	}

	workers := opts.TileWorkers
	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	names := make([]string, len(policies))
	for i, pol := range policies {
		i, pol := i, pol
		g.Go(func() error {
			dst, err := tilestore.Open(filepath.Join(opts.TileDir, pol.Name+TileFileExt), tilestore.ModeCreate)
			if err != nil {
				return err
			}
			defer dst.Close()
			n, err := dst.LoadFromDB(gctx, pol.Store, tilestore.LoadOptions{
				Bounds: pol.Bounds, Clip: pol.Clip, MinZoom: pol.MinZoom, MaxZoom: pol.MaxZoom, Layers: pol.Layers,
			})
			if err != nil {
				return fmt.Errorf("tile file %s: %w", pol.Name, err)
			}
			m.progress().Add(int64(n))
			names[i] = pol.Name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return names, nil
}
