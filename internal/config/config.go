package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendTiDB   = "tidb"
	BackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort  string
	ServiceName  string
	ChunkSizeMB  int
	StoreBackend string
	LogLevel     string
	DefaultOwner string

	// Upload and access url configuration
	KeyPrefix          string
	AccessURLTTL       time.Duration
	URLCacheTTL        time.Duration
	ResolveConcurrency int
	OrphanGracePeriod  time.Duration

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig reads an optional .env file and then environment variables,
// falling back to defaults. Variables already set in the environment win
// over the file.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	config := &Config{
		// Service defaults
		ServicePort:  getEnv("SERVICE_PORT", "8080"),
		ServiceName:  getEnv("SERVICE_NAME", "labdrop-service"),
		ChunkSizeMB:  getEnvAsInt("CHUNK_SIZE_MB", 16),
		StoreBackend: getEnv("STORE_BACKEND", BackendTiDB),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DefaultOwner: getEnv("DEFAULT_OWNER", "anonymous"),

		// Upload defaults
		KeyPrefix:          getEnv("UPLOAD_KEY_PREFIX", "uploads/"),
		AccessURLTTL:       getEnvAsDuration("ACCESS_URL_TTL", time.Hour),
		URLCacheTTL:        getEnvAsDuration("URL_CACHE_TTL", 30*time.Minute),
		ResolveConcurrency: getEnvAsInt("RESOLVE_CONCURRENCY", 8),
		OrphanGracePeriod:  getEnvAsDuration("ORPHAN_GRACE_PERIOD", 10*time.Minute),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "labdrop"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// TiDB defaults
		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "labdrop"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.ChunkSizeMB <= 0 {
		return fmt.Errorf("CHUNK_SIZE_MB must be positive, got %d", c.ChunkSizeMB)
	}
	if c.AccessURLTTL <= 0 {
		return fmt.Errorf("ACCESS_URL_TTL must be positive, got %s", c.AccessURLTTL)
	}
	if c.URLCacheTTL <= 0 {
		return fmt.Errorf("URL_CACHE_TTL must be positive, got %s", c.URLCacheTTL)
	}
	if c.ResolveConcurrency <= 0 {
		return fmt.Errorf("RESOLVE_CONCURRENCY must be positive, got %d", c.ResolveConcurrency)
	}
	switch c.StoreBackend {
	case BackendTiDB, BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns the multipart upload part size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
