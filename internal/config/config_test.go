package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, BackendTiDB, cfg.StoreBackend)
	assert.Equal(t, "uploads/", cfg.KeyPrefix)
	assert.Equal(t, time.Hour, cfg.AccessURLTTL)
	assert.Equal(t, int64(16*1024*1024), cfg.GetChunkSizeBytes())
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.Contains(t, cfg.GetDSN(), "@tcp(localhost:4000)/labdrop?")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("ACCESS_URL_TTL", "15m")
	t.Setenv("RESOLVE_CONCURRENCY", "3")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 15*time.Minute, cfg.AccessURLTTL)
	assert.Equal(t, 3, cfg.ResolveConcurrency)
	assert.True(t, cfg.MinIOUseSSL)
}

func TestLoadConfig_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TIDB_DATABASE=fromfile\nSERVICE_PORT=9999\n"), 0o600))
	// t.Setenv restores both variables afterwards; godotenv only fills unset ones
	t.Setenv("TIDB_DATABASE", "")
	os.Unsetenv("TIDB_DATABASE")
	t.Setenv("SERVICE_PORT", "7070")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.TiDBDatabase)
	assert.Equal(t, "7070", cfg.ServicePort)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{ChunkSizeMB: 16, AccessURLTTL: time.Hour, URLCacheTTL: time.Minute, ResolveConcurrency: 1, StoreBackend: BackendMemory}
	}
	require.NoError(t, base().Validate())

	c := base()
	c.ChunkSizeMB = 0
	assert.ErrorContains(t, c.Validate(), "CHUNK_SIZE_MB")

	c = base()
	c.StoreBackend = "postgres"
	assert.ErrorContains(t, c.Validate(), "STORE_BACKEND")

	c = base()
	c.ResolveConcurrency = -1
	assert.ErrorContains(t, c.Validate(), "RESOLVE_CONCURRENCY")
}
