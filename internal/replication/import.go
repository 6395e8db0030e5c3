package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/internal/tilestore"
	"github.com/myworld/mywdb/internal/transport"
	"github.com/myworld/mywdb/pkg/types"
)

// Replica is the engine of an extract or replica database.
type Replica struct {
	*Engine
	tr transport.Transport
}

// NewReplica returns the engine of an extract or replica database that
// reaches its master through tr.
func NewReplica(s *driver.Session, tr transport.Transport, opts Options) *Replica {
	return &Replica{Engine: newEngine(s, opts), tr: tr}
}

// Role reads the role from the site settings, so it changes on activation.
func (r *Replica) Role() Role {
	role, err := DetectRole(context.Background(), r.dd)
	if err != nil {
		return RoleExtract
	}
	return role
}

func (r *Replica) importDir() string { return filepath.Join(r.opts.WorkDir, "import") }

func (r *Replica) appliedDir(id int64) string {
	return filepath.Join(r.importDir(), fmt.Sprintf("update_%d", id))
}

// checkSequence verifies that pending updates follow last without a gap.
func checkSequence(pending map[int64]string, last int64, source string) ([]int64, error) {
	ids := storage.SortedIDs(pending)
	next := last + 1
	for _, id := range ids {
		if id != next {
			return nil, myerrors.NewSyncError(myerrors.CodeSequenceGap,
				fmt.Sprintf("%s: expected update %d, found %d", source, next, id), nil)
		}
		next++
	}
	return ids, nil
}

// ImportUpdates applies the pending master updates in order. It returns
// the number of updates applied.
func (r *Replica) ImportUpdates(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress()

	extractType, ok, err := r.dd.Setting(ctx, SettingExtractType)
	if err != nil {
		return 0, err
	}
	if !ok || extractType == "" {
		return 0, myerrors.NewSyncError(myerrors.CodeInvalidReplica, "database is not an extract", nil)
	}
	if err := r.cleanupApplied(ctx); err != nil {
		return 0, err
	}
	last, err := r.dd.VersionStamp(ctx, types.ComponentMasterUpdate)
	if err != nil {
		return 0, err
	}
	p.Start("pending")
	pending, err := r.tr.PendingUpdates(ctx, last, storage.MasterDir(extractType))
	if err != nil {
		return 0, err
	}
	ids, err := checkSequence(pending, last, storage.MasterDir(extractType))
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		p.End()
		return 0, nil
	}

	n := 0
	for _, id := range ids {
		if err := p.Check(); err != nil {
			return n, err
		}
		p.Start(fmt.Sprintf("update %d", id))
		if err := r.importUpdate(ctx, extractType, id); err != nil {
			return n, fmt.Errorf("replication: failed to import update %d: %w", id, err)
		}
		n++
	}
	p.End()

	if role, err := DetectRole(ctx, r.dd); err == nil && role == RoleReplica {
		replicaID, _, _ := r.dd.Setting(ctx, SettingReplicaID)
		if err := r.tr.UpdateReplicaStatus(ctx, replicaID, ids[len(ids)-1]); err != nil {
			log.Printf("replication: [WARN] failed to report status of %s: %v", replicaID, err)
		}
	}
	return n, nil
}

func (r *Replica) importUpdate(ctx context.Context, extractType string, id int64) error {
	dir := r.appliedDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	zipPath, err := r.tr.DownloadFile(ctx, storage.MasterDir(extractType), r.importDir(), storage.UpdateName(id))
	if err != nil {
		return err
	}
	defer os.Remove(zipPath)
	pkg := filepath.Join(dir, "package")
	if err := unzip(zipPath, pkg); err != nil {
		return err
	}
	man, err := readManifest(pkg)
	if err != nil {
		return err
	}
	if man.ID != 0 && man.ID != id {
		return myerrors.NewSyncError(myerrors.CodeSequenceGap, fmt.Sprintf("package %d claims to be update %d", id, man.ID), nil)
	}

	// Tile files are not transactional with the database; reapplying them
	// after a failure is harmless.
	if err := r.applyTiles(ctx, pkg, man); err != nil {
		return err
	}
	err = r.s.InTransaction(ctx, func(ctx context.Context) error {
		return r.s.WithoutChangeTracking(ctx, func(ctx context.Context) error {
			if err := r.applyPackage(ctx, pkg); err != nil {
				return err
			}
			if err := r.applyStamps(ctx, pkg, func(c string) bool { return strings.HasSuffix(c, "_data") }); err != nil {
				return err
			}
			return r.dd.SetVersionStamp(ctx, types.ComponentMasterUpdate, id)
		})
	})
	if err != nil {
		return err
	}
	if man.HasCode && r.opts.CodeDir != "" {
		if err := os.MkdirAll(r.opts.CodeDir, 0755); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(pkg, CodeBundleFile), filepath.Join(r.opts.CodeDir, CodeBundleFile)); err != nil {
			log.Printf("replication: [WARN] failed to install code bundle of update %d: %v", id, err)
		}
	}
	if err := r.dd.SetVersionStamp(ctx, types.ComponentMasterUpdateApplied, id); err != nil {
		return err
	}
	log.Printf("replication: applied update %d (%d feature types, %d config changes, %d tile files)",
		id, len(man.Features), man.ConfigChanges, len(man.TileFiles))
	return r.cleanupApplied(ctx)
}

// cleanupApplied removes the staging directories of updates recorded as
// applied. Directories of later updates are kept for inspection.
func (r *Replica) cleanupApplied(ctx context.Context) error {
	applied, err := r.dd.VersionStamp(ctx, types.ComponentMasterUpdateApplied)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(r.importDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, en := range entries {
		var id int64
		if _, err := fmt.Sscanf(en.Name(), "update_%d", &id); err != nil || !en.IsDir() {
			continue
		}
		if id <= applied {
			if err := os.RemoveAll(filepath.Join(r.importDir(), en.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyPackage loads the configuration, feature and delta changes of an
// unpacked package in that order. It runs inside the caller's transaction.
func (e *Engine) applyPackage(ctx context.Context, pkg string) error {
	changes, err := dd.ReadConfigChanges(filepath.Join(pkg, FeaturesDir))
	if err != nil {
		return err
	}
	if err := e.dd.ApplyConfigChanges(ctx, changes); err != nil {
		return err
	}

	tables, err := e.featureTables(ctx)
	if err != nil {
		return err
	}
	lookup := func(rf recordFile, schemaName string) (*schema.Table, error) {
		rec := tables[rf.Table]
		if rec == nil {
			return nil, myerrors.NewConfigError(myerrors.CodeUnknownFeatureType,
				fmt.Sprintf("package carries records of unknown feature table %s", rf.Table))
		}
		return e.featureTable(ctx, rec, schemaName)
	}

	files, err := listRecordFiles(filepath.Join(pkg, FeaturesDir), ".csv")
	if err != nil {
		return err
	}
	for _, rf := range files {
		if err := e.progress().Check(); err != nil {
			return err
		}
		t, err := lookup(rf, types.SchemaData)
		if err != nil {
			return err
		}
		n, err := e.loadChanges(ctx, t, rf.Path)
		if err != nil {
			return err
		}
		e.progress().Add(int64(n))
	}

	deltas, err := listRecordFiles(filepath.Join(pkg, DeltasDir), ".delta")
	if err != nil {
		return err
	}
	for _, rf := range deltas {
		if rf.Schema != types.SchemaDelta && rf.Schema != types.SchemaBase {
			return fmt.Errorf("replication: unexpected delta file %s", filepath.Base(rf.Path))
		}
		t, err := lookup(rf, rf.Schema)
		if err != nil {
			return err
		}
		n, err := e.loadChanges(ctx, t, rf.Path)
		if err != nil {
			return err
		}
		e.progress().Add(int64(n))
	}
	return nil
}

// loadChanges applies a record change file to t: inserts and updates are
// upserted in chunks, deletes remove rows by key.
func (e *Engine) loadChanges(ctx context.Context, t *schema.Table, path string) (int, error) {
	changes, err := ReadRecordFile(path, t)
	if err != nil {
		return 0, err
	}
	var cols []string
	var rows [][]interface{}
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		err := e.s.BulkLoad(ctx, t, cols, rows)
		rows = rows[:0]
		return err
	}

	keys := t.KeyColumns()
	q := e.s.Driver().QuoteIdent
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = q(k) + " = ?"
	}
	del := "DELETE FROM " + e.s.TableName(t.Schema, t.Name) + " WHERE " + strings.Join(conds, " AND ")

	for _, ch := range changes {
		if ch.Change == types.ChangeDelete {
			if err := flush(); err != nil {
				return 0, err
			}
			args := make([]interface{}, len(keys))
			for i, k := range keys {
				args[i] = ch.Record[k]
			}
			if _, err := e.s.Exec(ctx, del, args...); err != nil {
				return 0, fmt.Errorf("replication: failed to delete from %s: %w", t.Name, err)
			}
			continue
		}
		if cols == nil {
			for _, name := range t.ColumnNames() {
				if _, ok := ch.Record[name]; ok {
					cols = append(cols, name)
				}
			}
		}
		row := make([]interface{}, len(cols))
		for i, name := range cols {
			v := ch.Record[name]
			if c := t.Column(name); c != nil && c.Type.IsGeometry() && v != nil {
				if v, err = e.s.CanonicaliseGeometry(v); err != nil {
					return 0, fmt.Errorf("replication: %s column %s: %w", t.Name, name, err)
				}
			}
			row[i] = v
		}
		rows = append(rows, row)
		if len(rows) >= e.opts.ChunkSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return len(changes), nil
}

// applyStamps copies the version stamps of a package accepted by keep.
func (e *Engine) applyStamps(ctx context.Context, pkg string, keep func(string) bool) error {
	path := filepath.Join(pkg, VersionStampsFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	stamps, err := readVersionStamps(path)
	if err != nil {
		return err
	}
	for _, st := range stamps {
		if !keep(st.Component) {
			continue
		}
		if err := e.dd.SetVersionStamp(ctx, st.Component, st.Version); err != nil {
			return err
		}
	}
	return nil
}

// applyTiles merges the tile files of a package into the local ones,
// creating those that do not exist yet.
func (e *Engine) applyTiles(ctx context.Context, pkg string, man *Manifest) error {
	if len(man.TileFiles) == 0 {
		return nil
	}
	if e.opts.TileDir == "" {
		log.Printf("replication: [WARN] no tile directory, skipping %d tile files", len(man.TileFiles))
		return nil
	}
	if err := os.MkdirAll(e.opts.TileDir, 0755); err != nil {
		return err
	}
	for _, name := range man.TileFiles {
		src, err := tilestore.Open(filepath.Join(pkg, TilesDir, name+TileFileExt), tilestore.ModeRead)
		if err != nil {
			return myerrors.NewSyncError(myerrors.CodeMissingFile, "package lists missing tile file "+name, err)
		}
		dst, err := tilestore.Open(e.tileFile(name), tilestore.ModeCreate)
		if err != nil {
			src.Close()
			return err
		}
		n, err := dst.LoadFromDB(ctx, src, tilestore.LoadOptions{IncludeDeleted: true})
		src.Close()
		dst.Close()
		if err != nil {
			return fmt.Errorf("replication: tile file %s: %w", name, err)
		}
		e.progress().Add(int64(n))
	}
	return nil
}

// ImportReplicaUpdates replays the uploads of every live replica. A
// failing replica is logged and skipped. It returns the number of uploads
// applied per replica.
func (m *Master) ImportReplicaUpdates(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reps, err := m.dd.Replicas(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	var errs []error
	for _, rep := range reps {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		n, err := m.importReplica(ctx, rep)
		if n > 0 {
			out[rep.ID] = n
		}
		if err != nil {
			log.Printf("replication: [WARN] import from %s failed: %v", rep.ID, err)
			errs = append(errs, fmt.Errorf("%s: %w", rep.ID, err))
		}
	}
	return out, errors.Join(errs...)
}

func (m *Master) importReplica(ctx context.Context, rep *dd.ReplicaRec) (int, error) {
	dir := storage.ReplicaDir(rep.ID)
	pending, err := m.tr.PendingUpdates(ctx, rep.LastImport, dir)
	if err != nil {
		return 0, err
	}
	ids, err := checkSequence(pending, rep.LastImport, dir)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		if rep.Dropped != nil && !rep.Dead {
			rep.Dead = true
			if err := m.dd.UpdateReplica(ctx, rep); err != nil {
				return 0, err
			}
			log.Printf("replication: replica %s is dead", rep.ID)
		}
		return 0, nil
	}

	staging, err := m.stagingDir("import_" + rep.ID)
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(staging)

	n := 0
	for _, id := range ids {
		if err := m.progress().Check(); err != nil {
			return n, err
		}
		zipPath, err := m.tr.DownloadFile(ctx, dir, staging, storage.UpdateName(id))
		if err != nil {
			return n, err
		}
		pkg := filepath.Join(staging, fmt.Sprintf("update_%d", id))
		if err := unzip(zipPath, pkg); err != nil {
			return n, err
		}
		dataComponent := types.ReplicaDataComponent(rep.ID)
		err = m.s.InTransaction(ctx, func(ctx context.Context) error {
			if err := m.applyPackage(ctx, pkg); err != nil {
				return err
			}
			if err := m.applyStamps(ctx, pkg, func(c string) bool { return c == dataComponent }); err != nil {
				return err
			}
			now := time.Now().UTC()
			rep.LastImport = id
			rep.LastImportTime = &now
			return m.dd.UpdateReplica(ctx, rep)
		})
		if err != nil {
			return n, fmt.Errorf("replication: upload %d: %w", id, err)
		}
		os.RemoveAll(pkg)
		n++
		log.Printf("replication: imported upload %d of %s", id, rep.ID)
	}
	return n, nil
}
