package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/andreyvit/odb"
)

var (
	configPath string
	dbPath     string
	schemaPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "odb",
	Short:         "Inspect and check odb databases",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to database file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "", "Path to YAML schema file (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every database operation")
}

// loadConfig merges the config file with command-line overrides. Without a
// schema the database is opened read-only, so nothing gets synchronized.
func loadConfig() (*odb.Config, error) {
	cfg := &odb.Config{}
	if configPath != "" {
		var err error
		cfg, err = odb.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.Path = dbPath
	}
	if schemaPath != "" {
		cfg.SchemaFile = schemaPath
	}
	if verbose {
		cfg.Verbose = true
	}
	if cfg.SchemaFile == "" {
		cfg.ReadOnly = true
	}
	if cfg.Path == "" && !cfg.Memory {
		return nil, fmt.Errorf("no database specified\n\nUse --db /path/to/file.db or --config odb.toml")
	}
	return cfg, nil
}

func openDB() (*odb.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return odb.OpenConfig(cfg, logger)
}

func withDB(f func(db *odb.DB) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return f(db)
}
