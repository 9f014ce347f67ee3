package odb

import (
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"
)

// Config is the file form of Options:
//
//	path = "data/app.db"
//	schema_file = "schema.yaml"
//	journal_dir = "data/journal"
//	dispatch_changes = true
//	conflict_retries = 5
type Config struct {
	Path            string `toml:"path"`
	SchemaFile      string `toml:"schema_file"`
	Memory          bool   `toml:"memory"`
	Verbose         bool   `toml:"verbose"`
	ReadOnly        bool   `toml:"read_only"`
	Evolving        bool   `toml:"evolving"`
	DispatchChanges bool   `toml:"dispatch_changes"`
	ConflictRetries int    `toml:"conflict_retries"`
	RecordCacheSize int    `toml:"record_cache_size"`
	MmapSize        int    `toml:"mmap_size"`
	JournalDir      string `toml:"journal_dir"`
}

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ParseConfig parses TOML config text.
func ParseConfig(data string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return &cfg, nil
}

func (cfg *Config) Options(logger *slog.Logger) Options {
	return Options{
		Logger:          logger,
		Verbose:         cfg.Verbose,
		ReadOnly:        cfg.ReadOnly,
		Evolving:        cfg.Evolving,
		DispatchChanges: cfg.DispatchChanges,
		ConflictRetries: cfg.ConflictRetries,
		RecordCacheSize: cfg.RecordCacheSize,
		MmapSize:        cfg.MmapSize,
		JournalDir:      cfg.JournalDir,
	}
}

// OpenConfig opens the database described by cfg, loading its schema file
// if one is given.
func OpenConfig(cfg *Config, logger *slog.Logger) (*DB, error) {
	var scm *Schema
	if cfg.SchemaFile != "" {
		var err error
		scm, err = LoadSchemaFile(cfg.SchemaFile)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Memory {
		return OpenMemory(scm, cfg.Options(logger))
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("odb: config has neither path nor memory = true")
	}
	return Open(cfg.Path, scm, cfg.Options(logger))
}
