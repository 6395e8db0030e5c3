// Package config provides the configuration of the mywdb tool and sync
// server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/myworld/mywdb/internal/driver"
	"github.com/myworld/mywdb/internal/geom"
)

// EnvPrefix prefixes the environment variables read by LoadFromEnv.
const EnvPrefix = "MYW_"

// Config holds the configuration of a database and its sync share.
type Config struct {
	// DataDir is the base directory for local files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Sync        SyncConfig        `json:"sync" yaml:"sync"`
	Replication ReplicationConfig `json:"replication" yaml:"replication"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	Extract     ExtractConfig     `json:"extract" yaml:"extract"`
}

// DatabaseConfig says which database to open.
type DatabaseConfig struct {
	// Dialect is server (PostgreSQL) or embedded (SQLite)
	Dialect string `json:"dialect" yaml:"dialect"`

	// DSN is the connection string of a server database
	DSN string `json:"dsn" yaml:"dsn"`

	// Path is the file of an embedded database
	Path string `json:"path" yaml:"path"`

	// StatementTimeout bounds each statement; 0 disables the limit
	StatementTimeout time.Duration `json:"statement_timeout" yaml:"statement_timeout"`
}

// SyncConfig describes the sync share and the package format.
type SyncConfig struct {
	// Root is the local directory of the share (for local storage)
	Root string `json:"root" yaml:"root"`

	// Storage is the share backend: local, s3
	Storage string `json:"storage" yaml:"storage"`

	S3 S3Config `json:"s3" yaml:"s3"`

	// ServerURL makes a replica talk to a sync server instead of the share
	ServerURL string `json:"server_url" yaml:"server_url"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`

	// ChunkSize is the number of bytes per download request
	ChunkSize int64 `json:"chunk_size" yaml:"chunk_size"`

	// MaxRecsPerFile splits the record files of update packages
	MaxRecsPerFile int `json:"max_recs_per_file" yaml:"max_recs_per_file"`

	// GeomEncoding is the geometry encoding of record files: wkb, ewkb, wkt, ewkt
	GeomEncoding string `json:"geom_encoding" yaml:"geom_encoding"`
}

// S3Config holds S3 share configuration.
type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// ReplicationConfig configures the replication engines and sync daemon.
type ReplicationConfig struct {
	// Interval is the time between sync cycles of the daemon
	Interval time.Duration `json:"interval" yaml:"interval"`

	// WorkDir holds staging directories and downloaded packages
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// TileDir holds the tile files of the database
	TileDir string `json:"tile_dir" yaml:"tile_dir"`

	// PruneDead removes dead replicas after each master cycle
	PruneDead bool `json:"prune_dead" yaml:"prune_dead"`

	// ShardSize is the number of ids a replica asks for on registration
	ShardSize int64 `json:"shard_size" yaml:"shard_size"`

	// CodeBundle is sent with master updates; CodeDir receives it on replicas
	CodeBundle string `json:"code_bundle" yaml:"code_bundle"`
	CodeDir    string `json:"code_dir" yaml:"code_dir"`
}

// HTTPConfig holds the sync server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// ExtractConfig holds extract defaults.
type ExtractConfig struct {
	// ChunkSize is the number of records copied per query
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// IncludeDeltas is the default for new extract types
	IncludeDeltas bool `json:"include_deltas" yaml:"include_deltas"`

	// TileWorkers bounds the tile files copied at once
	TileWorkers int `json:"tile_workers" yaml:"tile_workers"`
}

// DefaultConfig returns the default configuration for an embedded database.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./data/myworld",
		Database: DatabaseConfig{Dialect: "embedded"},
		Sync: SyncConfig{
			Storage:        "local",
			ChunkSize:      4 * 1024 * 1024,
			MaxRecsPerFile: 10000,
			GeomEncoding:   string(geom.EncodingWKB),
		},
		Replication: ReplicationConfig{
			Interval:  time.Minute,
			ShardSize: 100000,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
		Extract: ExtractConfig{ChunkSize: 5000, TileWorkers: 4},
	}
}

// Resolve fills paths left empty from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/myworld"
	}
	if c.Database.Path == "" && c.Database.DSN == "" {
		c.Database.Path = filepath.Join(c.DataDir, "myworld.db")
	}
	if c.Sync.Root == "" {
		c.Sync.Root = filepath.Join(c.DataDir, "sync")
	}
	if c.Replication.WorkDir == "" {
		c.Replication.WorkDir = filepath.Join(c.DataDir, "work")
	}
	if c.Replication.TileDir == "" {
		c.Replication.TileDir = filepath.Join(c.DataDir, "tiles")
	}
}

// Dialect returns the parsed database dialect.
func (c *Config) Dialect() (driver.Dialect, error) {
	return driver.ParseDialect(c.Database.Dialect)
}

// DSN returns the connection string of the configured database.
func (c *Config) DSN() string {
	if d, err := c.Dialect(); err == nil && d == driver.DialectPostgres {
		return c.Database.DSN
	}
	return c.Database.Path
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	d, err := c.Dialect()
	if err != nil {
		return err
	}
	if d == driver.DialectPostgres && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for a server database")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Sync.Storage != "local" && c.Sync.Storage != "s3" {
		return fmt.Errorf("invalid sync storage: %s (must be local or s3)", c.Sync.Storage)
	}
	if c.Sync.Storage == "s3" && c.Sync.S3.Bucket == "" {
		return fmt.Errorf("sync.s3.bucket is required when sync storage is s3")
	}
	if _, err := geom.ParseEncoding(c.Sync.GeomEncoding); err != nil {
		return err
	}
	if c.Sync.MaxRecsPerFile < 1 {
		return fmt.Errorf("sync.max_recs_per_file must be positive, got %d", c.Sync.MaxRecsPerFile)
	}
	if c.Replication.Interval <= 0 {
		return fmt.Errorf("replication.interval must be positive, got %s", c.Replication.Interval)
	}
	if c.Replication.ShardSize < 1 {
		return fmt.Errorf("replication.shard_size must be positive, got %d", c.Replication.ShardSize)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
	return cfg, nil
}

// LoadFromEnv overrides configuration from MYW_ environment variables.
// Malformed numbers and durations are ignored.
func LoadFromEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if d, err := time.ParseDuration(os.Getenv(EnvPrefix + name)); err == nil {
			*dst = d
		}
	}
	i64 := func(name string, dst *int64) {
		if n, err := strconv.ParseInt(os.Getenv(EnvPrefix+name), 10, 64); err == nil {
			*dst = n
		}
	}
	integer := func(name string, dst *int) {
		if n, err := strconv.Atoi(os.Getenv(EnvPrefix + name)); err == nil {
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("DATA_DIR", &cfg.DataDir)

	str("DATABASE_DIALECT", &cfg.Database.Dialect)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("DATABASE_PATH", &cfg.Database.Path)
	dur("DATABASE_STATEMENT_TIMEOUT", &cfg.Database.StatementTimeout)

	str("SYNC_ROOT", &cfg.Sync.Root)
	str("SYNC_STORAGE", &cfg.Sync.Storage)
	str("SYNC_S3_BUCKET", &cfg.Sync.S3.Bucket)
	str("SYNC_S3_REGION", &cfg.Sync.S3.Region)
	str("SYNC_S3_ENDPOINT", &cfg.Sync.S3.Endpoint)
	str("SYNC_S3_PREFIX", &cfg.Sync.S3.Prefix)
	str("SYNC_SERVER_URL", &cfg.Sync.ServerURL)
	str("SYNC_USERNAME", &cfg.Sync.Username)
	str("SYNC_PASSWORD", &cfg.Sync.Password)
	i64("SYNC_CHUNK_SIZE", &cfg.Sync.ChunkSize)
	integer("SYNC_MAX_RECS_PER_FILE", &cfg.Sync.MaxRecsPerFile)
	str("SYNC_GEOM_ENCODING", &cfg.Sync.GeomEncoding)

	dur("REPLICATION_INTERVAL", &cfg.Replication.Interval)
	str("REPLICATION_WORK_DIR", &cfg.Replication.WorkDir)
	str("REPLICATION_TILE_DIR", &cfg.Replication.TileDir)
	boolean("REPLICATION_PRUNE_DEAD", &cfg.Replication.PruneDead)
	i64("REPLICATION_SHARD_SIZE", &cfg.Replication.ShardSize)
	str("REPLICATION_CODE_BUNDLE", &cfg.Replication.CodeBundle)
	str("REPLICATION_CODE_DIR", &cfg.Replication.CodeDir)

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	dur("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	dur("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)

	integer("EXTRACT_CHUNK_SIZE", &cfg.Extract.ChunkSize)
	boolean("EXTRACT_INCLUDE_DELTAS", &cfg.Extract.IncludeDeltas)
	integer("EXTRACT_TILE_WORKERS", &cfg.Extract.TileWorkers)
}

// Load reads the file at path, when given, then applies the environment,
// resolves paths and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// EnsureDirectories creates the local directories the configuration names.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Replication.WorkDir, c.Replication.TileDir}
	if c.Sync.Storage == "local" {
		dirs = append(dirs, c.Sync.Root)
	}
	if d, err := c.Dialect(); err == nil && d == driver.DialectSQLite {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
