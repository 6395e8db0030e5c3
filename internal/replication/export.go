package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/myworld/mywdb/internal/dd"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/internal/tilestore"
	"github.com/myworld/mywdb/pkg/types"
)

// selection is what an extract type receives from the master.
type selection struct {
	features []*dd.FeatureRec
	tiles    []dd.TableSetTileFile
	allTiles bool
	layers   []string
}

// selectionFor resolves the feature types and tile files an extract
// carries. Without a table set it carries every local feature type and
// tile file. With one, only what is pre-extracted and receives updates.
func (e *Engine) selectionFor(ctx context.Context, ext *dd.ExtractRec, updatesOnly bool) (*selection, error) {
	local, err := e.dd.FeatureTypes(ctx, dd.DefaultDatasource, "", false)
	if err != nil {
		return nil, err
	}
	if ext.TableSet == "" {
		return &selection{features: local, allTiles: true}, nil
	}
	ts, err := e.dd.TableSetRec(ctx, ext.TableSet)
	if err != nil {
		return nil, err
	}
	sels, err := e.dd.TableSetFeatureTypes(ctx, ts)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*dd.FeatureRec, len(local))
	for _, r := range local {
		byName[r.Name] = r
	}
	out := &selection{}
	for _, s := range sels {
		if s.Datasource != dd.DefaultDatasource || s.OnDemand || (updatesOnly && !s.Updates) {
			continue
		}
		if r := byName[s.Name]; r != nil {
			out.features = append(out.features, r)
		}
	}
	for _, tf := range ts.TileFiles {
		if tf.OnDemand || (updatesOnly && !tf.Updates) {
			continue
		}
		out.tiles = append(out.tiles, tf)
	}
	for _, l := range ts.Layers {
		if !l.OnDemand {
			out.layers = append(out.layers, l.Layer)
		}
	}
	return out, nil
}

// region returns the canonical geometry and bounds of an extract region,
// or nils when the extract is unbounded.
func (e *Engine) region(ext *dd.ExtractRec) ([]byte, *types.Bounds, error) {
	if strings.TrimSpace(ext.Region) == "" {
		return nil, nil, nil
	}
	g, err := geom.Decode(ext.Region)
	if err != nil {
		return nil, nil, myerrors.Wrap(myerrors.ErrCategoryConfig, myerrors.CodeBadValue,
			fmt.Sprintf("bad region of extract %s", ext.Name), err)
	}
	canon, err := e.s.CanonicaliseGeometry(g)
	if err != nil {
		return nil, nil, err
	}
	b := geom.Envelope(g)
	return canon, &b, nil
}

func zoomPtr(z int, unset bool) *int {
	if unset {
		return nil
	}
	return &z
}

// tilePolicies opens the tile files a selection carries and says which of
// their tiles go out. The caller closes the returned stores.
func (e *Engine) tilePolicies(ctx context.Context, sel *selection, bounds *types.Bounds, checkpoint string) ([]tilePolicy, []*tilestore.SQLiteStore, error) {
	var names []string
	settings := make(map[string]dd.TableSetTileFile)
	if sel.allTiles {
		paths, err := e.tileFiles()
		if err != nil {
			return nil, nil, err
		}
		for _, p := range paths {
			names = append(names, strings.TrimSuffix(filepath.Base(p), TileFileExt))
		}
	} else {
		for _, tf := range sel.tiles {
			names = append(names, tf.TileFile)
			settings[tf.TileFile] = tf
		}
	}

	var policies []tilePolicy
	var stores []*tilestore.SQLiteStore
	for _, name := range names {
		st, err := tilestore.Open(e.tileFile(name), tilestore.ModeWrite)
		if err != nil {
			closeStores(stores)
			return nil, nil, fmt.Errorf("replication: tile file %s: %w", name, err)
		}
		stores = append(stores, st)
		p := tilePolicy{Name: name, Store: st, Bounds: bounds, Clip: bounds != nil}
		if checkpoint != "" {
			if p.Since, err = st.DataVersionFor(ctx, checkpoint); err != nil {
				closeStores(stores)
				return nil, nil, err
			}
		}
		if tf, ok := settings[name]; ok {
			p.Clip = tf.Clip && bounds != nil
			p.MinZoom = zoomPtr(tf.MinZoom, tf.MinZoom <= 0)
			p.MaxZoom = zoomPtr(tf.MaxZoom, tf.MaxZoom <= 0)
			if tf.ByLayer {
				p.Layers = sel.layers
			}
		}
		policies = append(policies, p)
	}
	return policies, stores, nil
}

// ExportChanges publishes the changes made since the last export of an
// extract type as the next update of its sync directory. It returns the
// update id, or 0 when there was nothing to send.
func (m *Master) ExportChanges(ctx context.Context, extractType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.progress()

	ext, err := m.dd.ExtractRec(ctx, extractType)
	if err != nil {
		return 0, err
	}
	if ext == nil {
		return 0, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("no such extract type: %s", extractType))
	}
	baseName := exportCheckpoint(extractType)
	base, err := m.dd.Checkpoint(ctx, baseName)
	if err != nil {
		return 0, err
	}
	if base == nil {
		return 0, myerrors.NewConfigError(myerrors.CodeBadValue,
			fmt.Sprintf("extract type %s has no %s checkpoint", extractType, baseName))
	}

	p.Start("checkpoint")
	next, err := m.setCheckpoint(ctx, nextCheckpoint(baseName))
	if err != nil {
		return 0, err
	}
	defer m.dropNextCheckpoint(ctx, baseName)

	sel, err := m.selectionFor(ctx, ext, true)
	if err != nil {
		return 0, err
	}
	region, bounds, err := m.region(ext)
	if err != nil {
		return 0, err
	}
	policies, stores, err := m.tilePolicies(ctx, sel, bounds, baseName)
	if err != nil {
		return 0, err
	}
	defer closeStores(stores)

	tables := make([]string, len(sel.features))
	for i, r := range sel.features {
		tables[i] = r.TableName()
	}
	tileSince := make(map[tilestore.Store]int64, len(policies))
	for _, pol := range policies {
		tileSince[pol.Store] = pol.Since
	}
	changed, err := m.HasChangesSince(ctx, base.Version, tables, tileSince)
	if err != nil {
		return 0, err
	}
	if !changed {
		log.Printf("replication: no changes for %s since version %d", extractType, base.Version)
		p.End()
		return 0, nil
	}

	dir, err := m.stagingDir("export_" + extractType)
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(dir)
	id := ext.LastExportID + 1
	man := &Manifest{ID: id, Source: string(RoleMaster), ExtractType: extractType, FromVersion: base.Version, ToVersion: next.Version}
	b := newBuilder(m.Engine, filepath.Join(dir, "package"), man, region)

	p.Start("config")
	if err := b.writeConfig(ctx, base.Version, next.Version); err != nil {
		return 0, err
	}
	p.Start("features")
	for _, r := range sel.features {
		if err := b.writeFeatures(ctx, r, base.Version, next.Version); err != nil {
			return 0, fmt.Errorf("replication: failed to export %s: %w", r.Name, err)
		}
	}
	if ext.IncludeDeltas {
		p.Start("deltas")
		for _, r := range sel.features {
			if !r.Versioned {
				continue
			}
			if err := b.writeDeltas(ctx, r, base.Version); err != nil {
				return 0, fmt.Errorf("replication: failed to export deltas of %s: %w", r.Name, err)
			}
		}
	}
	p.Start("tiles")
	if err := b.writeTiles(ctx, policies); err != nil {
		return 0, err
	}
	stamps, err := m.masterStamps(ctx, next.Version)
	if err != nil {
		return 0, err
	}
	if err := b.writeStamps(stamps); err != nil {
		return 0, err
	}
	if err := b.addCode(m.opts.CodeBundle); err != nil {
		return 0, err
	}

	if man.Empty() {
		p.Start("finish")
		if _, err := m.moveCheckpoint(ctx, baseName, nextCheckpoint(baseName)); err != nil {
			return 0, err
		}
		p.End()
		log.Printf("replication: changes after version %d of %s fall outside its selection", base.Version, extractType)
		return 0, nil
	}

	p.Start("publish")
	outDir := filepath.Join(dir, "out")
	name := storage.UpdateName(id)
	if err := b.finish(filepath.Join(outDir, name)); err != nil {
		return 0, err
	}
	if err := m.tr.UploadFile(ctx, storage.MasterDir(extractType), outDir, name); err != nil {
		return 0, err
	}
	err = m.s.InTransaction(ctx, func(ctx context.Context) error {
		ext.LastExportID = id
		if err := m.dd.SetExtract(ctx, ext); err != nil {
			return err
		}
		_, err := m.moveCheckpoint(ctx, baseName, nextCheckpoint(baseName))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("replication: update %d of %s published but not recorded: %w", id, extractType, err)
	}
	p.End()
	log.Printf("replication: exported update %d of %s (%d feature types, %d config changes, %d tile files)",
		id, extractType, len(man.Features), man.ConfigChanges, len(man.TileFiles))
	return id, nil
}

// masterStamps returns the version stamps sent with master updates: the
// master data version and the data version of every replica imported.
func (m *Master) masterStamps(ctx context.Context, dataVersion int64) ([]stampRow, error) {
	stamps, err := m.dd.VersionStamps(ctx)
	if err != nil {
		return nil, err
	}
	out := []stampRow{{Component: types.ComponentMasterData, Version: dataVersion}}
	for _, st := range stamps {
		if st.Component == types.ComponentMasterData || !strings.HasSuffix(st.Component, "_data") {
			continue
		}
		out = append(out, stampRow{Component: st.Component, Version: st.Version, Date: st.Date})
	}
	return out, nil
}

// ExportAll exports every extract type, continuing past failures.
func (m *Master) ExportAll(ctx context.Context) (map[string]int64, error) {
	exts, err := m.dd.Extracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	var errs []error
	for _, ext := range exts {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		id, err := m.ExportChanges(ctx, ext.Name)
		if err != nil {
			log.Printf("replication: [WARN] export of %s failed: %v", ext.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", ext.Name, err))
			continue
		}
		if id > 0 {
			out[ext.Name] = id
		}
	}
	return out, errors.Join(errs...)
}
