package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/augment/pkg/database"
	"github.com/hashicorp-forge/augment/pkg/fetcher"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, SourceHTTP, cfg.Assets.Source)
	assert.Equal(t, DefaultBaseURL, cfg.Assets.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Assets.FetchTimeoutDuration())
	assert.Equal(t, int64(fetcher.DefaultMaxBytes), cfg.Assets.MaxBytes)
	assert.Equal(t, database.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "./data/augment.db", cfg.Database.Path)
	assert.Equal(t, "anchor", cfg.Recognition.Lineage)
	assert.True(t, cfg.Recognition.ClearImmediatelyOrDefault())
	assert.Empty(t, cfg.Metrics.Address)
}

func TestParse_FullFile(t *testing.T) {
	src := `
log_level = "debug"

assets {
  source        = "s3"
  fetch_timeout = "5s"
}

s3 {
  endpoint = "http://localhost:9000"
  region   = "ap-southeast-1"
  bucket   = "ar-app-objects"
}

cache {
  root = "/var/lib/augment/cache"
}

database {
  driver = "postgres"
  host   = "db.internal"
  dbname = "augment"
  user   = "augment"
}

recognition {
  brokers           = ["broker-1:9092", "broker-2:9092"]
  events_topic      = "recognition.events"
  clear_immediately = false
  lineage           = "global"
}

metrics {
  address = ":9090"
}
`
	cfg, err := Parse("augment.hcl", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, SourceS3, cfg.Assets.Source)
	assert.Equal(t, 5*time.Second, cfg.Assets.FetchTimeoutDuration())
	require.NotNil(t, cfg.S3)
	assert.Equal(t, "ar-app-objects", cfg.S3.Bucket)
	assert.Equal(t, 30, cfg.S3.RequestTimeoutSeconds)
	assert.Equal(t, "/var/lib/augment/cache", cfg.Cache.Root)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Recognition.Brokers)
	assert.False(t, cfg.Recognition.ClearImmediatelyOrDefault())
	assert.Equal(t, "global", cfg.Recognition.Lineage)
	assert.Equal(t, ":9090", cfg.Metrics.Address)

	dbCfg := cfg.Database.ToDatabaseConfig()
	assert.Equal(t, database.DriverPostgres, dbCfg.Driver)
	assert.Equal(t, "db.internal", dbCfg.Host)
	assert.Equal(t, "augment", dbCfg.DBName)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "augment.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
assets {
  base_url = "https://assets.example.com/objects/"
}
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.example.com/objects/", cfg.Assets.BaseURL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUGMENT_LOG_LEVEL", "trace")
	t.Setenv("AUGMENT_BASE_URL", "http://localhost:8080/")
	t.Setenv("AUGMENT_FETCH_TIMEOUT", "2s")
	t.Setenv("AUGMENT_CACHE_ROOT", "/tmp/cache")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "trace", cfg.LogLevel)
	assert.Equal(t, "http://localhost:8080/", cfg.Assets.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Assets.FetchTimeoutDuration())
	assert.Equal(t, "/tmp/cache", cfg.Cache.Root)
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	src := `
log_level = "loud"

assets {
  source        = "ftp"
  fetch_timeout = "soon"
}

database {
  driver = "mysql"
}

recognition {
  lineage = "per-frame"
}
`
	_, err := Parse("augment.hcl", []byte(src))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "invalid log_level")
	assert.Contains(t, msg, "invalid assets.source")
	assert.Contains(t, msg, "invalid assets.fetch_timeout")
	assert.Contains(t, msg, "invalid database.driver")
	assert.Contains(t, msg, "invalid recognition.lineage")
}

func TestValidate_S3SourceRequiresBlock(t *testing.T) {
	_, err := Parse("augment.hcl", []byte(`
assets {
  source = "s3"
}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 block is required")
}

func TestValidate_PostgresRequiresHost(t *testing.T) {
	_, err := Parse("augment.hcl", []byte(`
database {
  driver = "postgres"
}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.host is required")
	assert.Contains(t, err.Error(), "database.dbname is required")
}
