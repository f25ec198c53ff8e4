// Package bootstrap builds the long-lived components from configuration.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/augment/internal/config"
	"github.com/hashicorp-forge/augment/pkg/assetcache"
	"github.com/hashicorp-forge/augment/pkg/database"
	"github.com/hashicorp-forge/augment/pkg/fetcher"
)

// OpenDatabase connects to the configured database and migrates it.
func OpenDatabase(cfg *config.Config, log hclog.Logger) (*gorm.DB, error) {
	dbCfg := cfg.Database.ToDatabaseConfig()

	if dbCfg.Driver == database.DriverSQLite && isFilePath(dbCfg.Path) {
		if err := os.MkdirAll(filepath.Dir(dbCfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := database.Connect(dbCfg, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func isFilePath(path string) bool {
	return path != ":memory:" && !strings.HasPrefix(path, "file:")
}

// NewFetcher returns the fetcher for the configured asset source.
func NewFetcher(cfg *config.Config, log hclog.Logger) (fetcher.Fetcher, error) {
	switch cfg.Assets.Source {
	case config.SourceS3:
		if cfg.S3 == nil {
			return nil, fmt.Errorf("s3 block is required for the s3 source")
		}
		f, err := fetcher.NewS3Fetcher(cfg.S3, log)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.SourceHTTP, "":
		f, err := fetcher.NewHTTPFetcher(fetcher.HTTPConfig{
			BaseURL:  cfg.Assets.BaseURL,
			Timeout:  cfg.Assets.FetchTimeoutDuration(),
			MaxBytes: cfg.Assets.MaxBytes,
		}, log)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported asset source: %s", cfg.Assets.Source)
	}
}

// NewCache opens the package cache. db may be nil.
func NewCache(cfg *config.Config, db *gorm.DB, log hclog.Logger) (*assetcache.Cache, error) {
	var fs afero.Fs
	if cfg.Cache.InMemory {
		fs = afero.NewMemMapFs()
	} else {
		fs = afero.NewOsFs()
	}

	return assetcache.New(fs, db, assetcache.Config{
		Root:         cfg.Cache.Root,
		FetchTimeout: cfg.Assets.FetchTimeoutDuration(),
	}, log)
}
