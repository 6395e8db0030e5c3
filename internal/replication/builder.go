package replication

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/internal/tilestore"
	"github.com/myworld/mywdb/internal/versioning"
	"github.com/myworld/mywdb/pkg/types"
)

// idBatch is the number of ids fetched per query when dumping changes.
const idBatch = 500

// tilePolicy says which tiles of a tile file go into a package.
type tilePolicy struct {
	Name    string
	Store   tilestore.Store
	Since   int64
	Bounds  *types.Bounds
	Clip    bool
	MinZoom *int
	MaxZoom *int
	Layers  []string
}

// builder assembles an update package in a staging directory.
type builder struct {
	e      *Engine
	dir    string
	man    *Manifest
	region []byte
}

func newBuilder(e *Engine, dir string, man *Manifest, region []byte) *builder {
	man.Features = make(map[string]int)
	man.Deltas = make(map[string]int)
	return &builder{e: e, dir: dir, man: man, region: region}
}

func (b *builder) path(parts ...string) string {
	return filepath.Join(append([]string{b.dir}, parts...)...)
}

// writeConfig dumps the configuration changes of the window.
func (b *builder) writeConfig(ctx context.Context, since, until int64) error {
	changes, err := b.e.dd.ConfigChanges(ctx, since, until)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := dd.WriteConfigChanges(b.path(FeaturesDir), changes); err != nil {
		return err
	}
	b.man.ConfigChanges = len(changes)
	return nil
}

// chunkedWriter rotates record files every max records.
type chunkedWriter struct {
	b    *builder
	t    *schema.Table
	name func(n int) string
	max  int
	n    int
	cur  *RecordWriter
	rows int
}

func (cw *chunkedWriter) write(change types.ChangeType, rec types.Record) error {
	if cw.cur != nil && cw.cur.Count() >= cw.max {
		if err := cw.cur.Close(); err != nil {
			return err
		}
		cw.cur = nil
	}
	if cw.cur == nil {
		cw.n++
		p := cw.name(cw.n)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		w, err := CreateRecordFile(p, cw.t, cw.b.e.opts.GeomEncoding)
		if err != nil {
			return err
		}
		cw.cur = w
	}
	cw.rows++
	return cw.cur.Write(change, rec)
}

func (cw *chunkedWriter) close() error {
	if cw.cur == nil {
		return nil
	}
	return cw.cur.Close()
}

// keyArg converts a logged feature id to a value of the key column.
func keyArg(c *schema.Column, id string) interface{} {
	if c.Type.IsInteger() {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			return n
		}
	}
	return id
}

// fetchByKey returns the records of a table with the given keys, keyed by
// their id text, and the set of those inside the region.
func (b *builder) fetchByKey(ctx context.Context, t *schema.Table, ids []string) (map[string]types.Record, map[string]bool, error) {
	s := b.e.s
	key := t.KeyColumn()
	q := s.Driver().QuoteIdent
	in := q(key.Name) + " IN (" + placeholders(len(ids)) + ")"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = keyArg(key, id)
	}

	recs, err := s.Records(ctx, "SELECT * FROM "+s.TableName(t.Schema, t.Name)+" WHERE "+in, args...)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[string]types.Record, len(recs))
	for _, r := range recs {
		out[r.String(key.Name)] = r
	}

	var inRegion map[string]bool
	if b.region != nil && t.PrimaryGeom != "" {
		inRegion = make(map[string]bool)
		rows, err := s.Records(ctx, "SELECT "+q(key.Name)+" FROM "+s.TableName(t.Schema, t.Name)+
			" WHERE "+in+" AND "+s.Driver().IntersectsExpr(t.PrimaryGeom, "?"), append(args, b.region)...)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range rows {
			inRegion[r.String(key.Name)] = true
		}
	}
	return out, inRegion, nil
}

// writeFeatures dumps the net record changes of a feature type in the
// window. Updates moving a record out of the region are sent as deletes.
func (b *builder) writeFeatures(ctx context.Context, rec *dd.FeatureRec, since, until int64) error {
	changes, err := b.e.FeatureChanges(ctx, rec.TableName(), since, until)
	if err != nil || len(changes) == 0 {
		return err
	}
	t, err := b.e.featureTable(ctx, rec, types.SchemaData)
	if err != nil {
		return err
	}
	key := t.KeyColumn()
	cw := &chunkedWriter{b: b, t: t, max: b.e.opts.MaxRecsPerFile, name: func(n int) string {
		return b.path(FeaturesDir, recordFileName(t.Name, n))
	}}

	for start := 0; start < len(changes); start += idBatch {
		if err := b.e.progress().Check(); err != nil {
			cw.close()
			return err
		}
		batch := changes[start:min(start+idBatch, len(changes))]
		ids := make([]string, len(batch))
		for i, ch := range batch {
			ids[i] = ch.ID
		}
		recs, inRegion, err := b.fetchByKey(ctx, t, ids)
		if err != nil {
			cw.close()
			return err
		}
		for _, ch := range batch {
			change, r := ch.Change, recs[ch.ID]
			if change != types.ChangeDelete && r == nil {
				continue
			}
			if change != types.ChangeDelete && inRegion != nil && !inRegion[ch.ID] {
				if change == types.ChangeInsert {
					continue
				}
				change = types.ChangeDelete
			}
			if change == types.ChangeDelete {
				r = types.Record{key.Name: keyArg(key, ch.ID)}
			}
			if err := cw.write(change, r); err != nil {
				cw.close()
				return err
			}
		}
		b.e.progress().Add(int64(len(batch)))
	}
	if err := cw.close(); err != nil {
		return err
	}
	if cw.rows > 0 {
		b.man.Features[t.Name] += cw.rows
	}
	return nil
}

// writeDeltas dumps the delta and base rows of a versioned feature type
// changed after since.
func (b *builder) writeDeltas(ctx context.Context, rec *dd.FeatureRec, since int64) error {
	for _, schemaName := range []string{types.SchemaDelta, types.SchemaBase} {
		changes, err := versioning.DeltaChanges(ctx, b.e.s, rec.TableName(), since, schemaName)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			continue
		}
		t, err := b.e.featureTable(ctx, rec, schemaName)
		if err != nil {
			return err
		}
		key := t.Column(rec.KeyName)
		if key == nil {
			return fmt.Errorf("replication: %s has no key column %s", t.Name, rec.KeyName)
		}
		q := b.e.s.Driver().QuoteIdent
		sel := "SELECT * FROM " + b.e.s.TableName(schemaName, t.Name) +
			" WHERE " + q(schema.DeltaColumn) + " = ? AND " + q(key.Name) + " = ?"
		sn := schemaName
		cw := &chunkedWriter{b: b, t: t, max: b.e.opts.MaxRecsPerFile, name: func(n int) string {
			return b.path(DeltasDir, deltaFileName(t.Name, sn, n))
		}}
		for _, k := range sortedDeltaKeys(changes) {
			change := changes[k]
			var r types.Record
			if change != types.ChangeDelete {
				if r, err = b.e.s.Record(ctx, sel, k.Delta, keyArg(key, k.ID)); err != nil {
					cw.close()
					return err
				}
				if r == nil {
					continue
				}
			} else {
				r = types.Record{schema.DeltaColumn: k.Delta, key.Name: keyArg(key, k.ID)}
			}
			if err := cw.write(change, r); err != nil {
				cw.close()
				return err
			}
		}
		if err := cw.close(); err != nil {
			return err
		}
		if cw.rows > 0 {
			b.man.Deltas[t.Name+"."+schemaName] += cw.rows
		}
	}
	return nil
}

func sortedDeltaKeys(m map[versioning.DeltaKey]types.ChangeType) []versioning.DeltaKey {
	out := make([]versioning.DeltaKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Delta != out[j].Delta {
			return out[i].Delta < out[j].Delta
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// writeTiles copies the tile changes of each policy into its own file.
// Files with no tiles are left out.
func (b *builder) writeTiles(ctx context.Context, policies []tilePolicy) error {
	for _, p := range policies {
		if err := b.e.progress().Check(); err != nil {
			return err
		}
		if err := os.MkdirAll(b.path(TilesDir), 0755); err != nil {
			return err
		}
		target := b.path(TilesDir, p.Name+TileFileExt)
		dst, err := tilestore.Open(target, tilestore.ModeCreate)
		if err != nil {
			return err
		}
		n, err := dst.LoadFromDB(ctx, p.Store, tilestore.LoadOptions{
			Bounds: p.Bounds, Clip: p.Clip, MinZoom: p.MinZoom, MaxZoom: p.MaxZoom,
			SinceVersion: p.Since, IncludeDeleted: true, Layers: p.Layers,
		})
		dst.Close()
		if err != nil {
			return fmt.Errorf("replication: tile file %s: %w", p.Name, err)
		}
		if n == 0 {
			os.Remove(target)
			continue
		}
		b.man.TileFiles = append(b.man.TileFiles, p.Name)
		b.e.progress().Add(int64(n))
	}
	return nil
}

func (b *builder) writeStamps(stamps []stampRow) error {
	return writeVersionStamps(b.path(VersionStampsFile), stamps)
}

func (b *builder) addCode(bundle string) error {
	if bundle == "" {
		return nil
	}
	if err := copyFile(bundle, b.path(CodeBundleFile)); err != nil {
		return fmt.Errorf("replication: failed to add code bundle: %w", err)
	}
	b.man.HasCode = true
	return nil
}

// finish writes the manifest and zips the package to zipPath.
func (b *builder) finish(zipPath string) error {
	b.man.Created = time.Now().UTC()
	if err := writeManifest(b.dir, b.man); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(zipPath), 0755); err != nil {
		return err
	}
	return zipDir(b.dir, zipPath)
}
