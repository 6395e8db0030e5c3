// Package replication moves data between a master database, the extracts
// cut from it and the replicas those extracts become. The master exports
// update packages per extract type and imports replica uploads; extracts
// and replicas import master updates, and replicas upload their own edits
// from a private id shard.
package replication

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/observability"
	"github.com/myworld/mywdb/internal/schema"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/internal/tilestore"
	"github.com/myworld/mywdb/internal/transport"
)

// Role is the part a database plays in replication.
type Role string

const (
	RoleMaster  Role = "master"
	RoleExtract Role = "extract"
	RoleReplica Role = "replica"
)

// Site-local replication settings.
const (
	SettingExtractType    = "replication.extract_type"
	SettingReplicaID      = "replication.replica_id"
	SettingReplicaIDHWM   = "replication.replica_id_hwm"
	SettingShardLWM       = "replication.replica_shard_lwm"
	SettingMasterShardMax = "replication.master_shard_max"
	SettingSyncRoot       = "replication.sync_root"
)

// Shard allocation defaults. Replica shards are handed out downwards from
// the low water mark and never reach the ids the master keeps for itself.
const (
	DefaultShardLWM       int64 = 1 << 31
	DefaultMasterShardMax int64 = 1 << 30
	DefaultShardSize      int64 = 100000
)

// TileFileExt is the extension of the tile files of a database.
const TileFileExt = ".tiles"

// Options configures replication engines.
type Options struct {
	// WorkDir holds staging directories and downloaded packages.
	WorkDir string

	// TileDir holds the tile files of the database.
	TileDir string

	// MaxRecsPerFile splits the record files of a feature type.
	MaxRecsPerFile int

	// GeomEncoding is the geometry encoding of record files.
	GeomEncoding geom.Encoding

	// ChunkSize is the number of records copied per query.
	ChunkSize int

	// CodeBundle is appended to master updates when set.
	CodeBundle string

	// CodeDir receives code bundles of imported updates.
	CodeDir string

	// ShardSize is the number of ids a replica asks for on activation.
	ShardSize int64

	Progress *observability.Progress
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		WorkDir:        filepath.Join(os.TempDir(), "myw_replication"),
		MaxRecsPerFile: 10000,
		GeomEncoding:   geom.EncodingWKB,
		ChunkSize:      5000,
		ShardSize:      DefaultShardSize,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WorkDir == "" {
		o.WorkDir = def.WorkDir
	}
	if o.MaxRecsPerFile <= 0 {
		o.MaxRecsPerFile = def.MaxRecsPerFile
	}
	if o.GeomEncoding == "" {
		o.GeomEncoding = def.GeomEncoding
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.ShardSize <= 0 {
		o.ShardSize = def.ShardSize
	}
	return o
}

// Syncer runs one synchronisation cycle of a database.
type Syncer interface {
	Role() Role
	Sync(ctx context.Context) error
}

// Engine holds what every role shares: the session, its data dictionary
// and the options.
type Engine struct {
	s    *driver.Session
	dd   *dd.Manager
	opts Options

	// mu serialises operations on the session.
	mu sync.Mutex
}

func newEngine(s *driver.Session, opts Options) *Engine {
	return &Engine{s: s, dd: dd.NewManager(s), opts: opts.withDefaults()}
}

// Session returns the database session of the engine.
func (e *Engine) Session() *driver.Session { return e.s }

// DD returns the data dictionary manager of the engine.
func (e *Engine) DD() *dd.Manager { return e.dd }

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

func (e *Engine) progress() *observability.Progress { return e.opts.Progress }

// DetectRole derives the role of a database from its site settings.
func DetectRole(ctx context.Context, m *dd.Manager) (Role, error) {
	id, ok, err := m.Setting(ctx, SettingReplicaID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return RoleReplica, nil
	}
	typ, ok, err := m.Setting(ctx, SettingExtractType)
	if err != nil {
		return "", err
	}
	if ok && typ != "" {
		return RoleExtract, nil
	}
	return RoleMaster, nil
}

// New returns the engine for the role of the database. A master needs the
// sync share; extracts and replicas need a transport, or a share to build
// a direct one over.
func New(ctx context.Context, s *driver.Session, opts Options, share *storage.Share, tr transport.Transport) (Syncer, error) {
	role, err := DetectRole(ctx, dd.NewManager(s))
	if err != nil {
		return nil, err
	}
	if role == RoleMaster {
		if share == nil {
			return nil, fmt.Errorf("replication: a master needs a sync share")
		}
		return NewMaster(s, share, opts), nil
	}
	if tr == nil {
		if share == nil {
			return nil, fmt.Errorf("replication: a %s needs a transport or a sync share", role)
		}
		tr = transport.NewDirect(share, nil)
	}
	return NewReplica(s, tr, opts), nil
}

// stagingDir creates a fresh directory below the work directory.
func (e *Engine) stagingDir(prefix string) (string, error) {
	dir := filepath.Join(e.opts.WorkDir, prefix+"_"+uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("replication: failed to create staging directory: %w", err)
	}
	return dir, nil
}

// tileFiles returns the paths of the tile files of the database.
func (e *Engine) tileFiles() ([]string, error) {
	if e.opts.TileDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(e.opts.TileDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, en := range entries {
		if !en.IsDir() && strings.HasSuffix(en.Name(), TileFileExt) {
			out = append(out, filepath.Join(e.opts.TileDir, en.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// tileFile returns the path of a named tile file of the database.
func (e *Engine) tileFile(name string) string {
	return filepath.Join(e.opts.TileDir, name+TileFileExt)
}

// openTileStores opens every tile file. The caller closes them.
func (e *Engine) openTileStores(mode tilestore.Mode) ([]*tilestore.SQLiteStore, error) {
	paths, err := e.tileFiles()
	if err != nil {
		return nil, err
	}
	var out []*tilestore.SQLiteStore
	for _, p := range paths {
		st, err := tilestore.Open(p, mode)
		if err != nil {
			closeStores(out)
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func closeStores(stores []*tilestore.SQLiteStore) {
	for _, st := range stores {
		st.Close()
	}
}

// featureTables returns the feature types stored in the database keyed by
// physical table name.
func (e *Engine) featureTables(ctx context.Context) (map[string]*dd.FeatureRec, error) {
	recs, err := e.dd.FeatureTypes(ctx, "", "", false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*dd.FeatureRec, len(recs))
	for _, r := range recs {
		out[r.TableName()] = r
	}
	return out, nil
}

// featureTable returns the table descriptor of a feature type in a schema.
func (e *Engine) featureTable(ctx context.Context, rec *dd.FeatureRec, schemaName string) (*schema.Table, error) {
	desc, err := e.dd.FeatureTypeDescriptor(ctx, rec.Datasource, rec.Name)
	if err != nil {
		return nil, err
	}
	return desc.Table(schemaName)
}
