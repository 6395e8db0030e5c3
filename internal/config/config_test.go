package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/myworld/mywdb/internal/driver"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Database.Path != filepath.Join(cfg.DataDir, "myworld.db") {
		t.Errorf("unexpected database path %s", cfg.Database.Path)
	}
	if d, _ := cfg.Dialect(); d != driver.DialectSQLite {
		t.Errorf("expected the embedded dialect, got %s", d)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"bad dialect", func(c *Config) { c.Database.Dialect = "oracle" }},
		{"server without dsn", func(c *Config) { c.Database.Dialect = "server"; c.Database.DSN = "" }},
		{"bad storage", func(c *Config) { c.Sync.Storage = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Sync.Storage = "s3" }},
		{"bad encoding", func(c *Config) { c.Sync.GeomEncoding = "gml" }},
		{"no records per file", func(c *Config) { c.Sync.MaxRecsPerFile = 0 }},
		{"no interval", func(c *Config) { c.Replication.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "myw.yaml")
	data := `
data_dir: /srv/myw
database:
  dialect: server
  dsn: postgres://myw@localhost/myw
sync:
  storage: s3
  s3:
    bucket: myw-sync
replication:
  interval: 30s
  prune_dead: true
`
	if err := os.WriteFile(yamlPath, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(yamlPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Database.DSN != "postgres://myw@localhost/myw" || cfg.Sync.S3.Bucket != "myw-sync" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Replication.Interval != 30*time.Second || !cfg.Replication.PruneDead {
		t.Errorf("replication values not applied: %+v", cfg.Replication)
	}
	if cfg.Sync.MaxRecsPerFile != 10000 {
		t.Errorf("defaults should survive, got max_recs_per_file %d", cfg.Sync.MaxRecsPerFile)
	}
	if cfg.DSN() != cfg.Database.DSN {
		t.Errorf("DSN should be the server dsn, got %s", cfg.DSN())
	}

	jsonPath := filepath.Join(dir, "myw.json")
	if err := os.WriteFile(jsonPath, []byte(`{"http": {"addr": ":9999"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadFromFile(jsonPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("expected :9999, got %s", cfg.HTTP.Addr)
	}

	if _, err := LoadFromFile(filepath.Join(dir, "myw.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MYW_DATABASE_PATH", "/tmp/field.db")
	t.Setenv("MYW_SYNC_SERVER_URL", "https://myw.example.com")
	t.Setenv("MYW_REPLICATION_INTERVAL", "5m")
	t.Setenv("MYW_REPLICATION_SHARD_SIZE", "500")
	t.Setenv("MYW_EXTRACT_INCLUDE_DELTAS", "true")
	t.Setenv("MYW_SYNC_MAX_RECS_PER_FILE", "not a number")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Database.Path != "/tmp/field.db" || cfg.Sync.ServerURL != "https://myw.example.com" {
		t.Errorf("string overrides not applied: %+v", cfg)
	}
	if cfg.Replication.Interval != 5*time.Minute || cfg.Replication.ShardSize != 500 {
		t.Errorf("numeric overrides not applied: %+v", cfg.Replication)
	}
	if !cfg.Extract.IncludeDeltas {
		t.Error("expected include_deltas from the environment")
	}
	if cfg.Sync.MaxRecsPerFile != 10000 {
		t.Errorf("malformed values should be ignored, got %d", cfg.Sync.MaxRecsPerFile)
	}
}
