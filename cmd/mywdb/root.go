package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/myworld/mywdb/internal/app"
	"github.com/myworld/mywdb/internal/config"
	"github.com/myworld/mywdb/internal/driver"
	"github.com/myworld/mywdb/internal/observability"
	"github.com/myworld/mywdb/internal/replication"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	dbPath     string
	verbose    bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "mywdb",
	Short: "myWorld database administration",
	Long: `mywdb manages a myWorld database: schema installation and upgrade,
checkpoints, extracts and the replication of changes between a master
and its field replicas.

Configuration is read from --config, then MYW_* environment variables,
then the flags of the command.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file, or DSN for the server dialect")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress of each phase")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")
}

// loadConfig applies --db over the file and environment configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		if d, _ := cfg.Dialect(); d == driver.DialectPostgres {
			cfg.Database.DSN = dbPath
		} else {
			cfg.Database.Path = dbPath
		}
	}
	return cfg, nil
}

// openApp loads the configuration and creates the app. The caller closes it.
func openApp(operation string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	if verbose {
		a.SetProgress(observability.NewProgress(operation, true))
	}
	return a, nil
}

// engineOf returns the shared engine of a master or replica.
func engineOf(s replication.Syncer) *replication.Engine {
	switch e := s.(type) {
	case *replication.Master:
		return e.Engine
	case *replication.Replica:
		return e.Engine
	}
	return nil
}

// printResult prints v as JSON with --json, else prints text.
func printResult(v interface{}, text string, args ...interface{}) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Printf(text+"\n", args...)
	return nil
}
