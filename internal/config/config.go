package config

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Supported store backends.
const (
	BackendPostgres = "postgres"
	BackendMariaDB  = "mariadb"
	BackendBolt     = "bolt"
	BackendMemory   = "memory"
)

type Config struct {
	Store    StoreConfig
	Database DatabaseConfig
	MariaDB  MariaDBConfig
	Cluster  ClusterConfig
	Probe    ProbeConfig
	Web      WebConfig
	Log      LogConfig
}

type StoreConfig struct {
	Backend  string `yaml:"backend"`   // postgres, mariadb, bolt or memory
	BoltPath string `yaml:"bolt_path"` // bbolt file used by the bolt backend
}

type DatabaseConfig struct {
	URL          string `masq:"secret"`         // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns"` // Maximum open connections (default 25)
	MaxIdleConns int    `yaml:"max_idle_conns"` // Maximum idle connections (default 5)
}

type MariaDBConfig struct {
	DSN string `masq:"secret"` // e.g. grouper:grouper@tcp(mariadb:3306)/grouper?parseTime=true
}

type ClusterConfig struct {
	DistanceThreshold float64 `yaml:"distance_threshold"`
	EmbeddingDim      int     `yaml:"embedding_dim"` // 0 means any fixed length
}

type ProbeConfig struct {
	Enabled bool `yaml:"enabled"` // build the approximate HNSW probe index at startup
}

type WebConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	AllowedOrigins string // comma-separated CORS whitelist
}

type LogConfig struct {
	Format string `yaml:"format"` // console or json
	Level  string `yaml:"level"`  // debug, info, warn, error
}

// defaults mirrors the layout of defaults.yaml.
type defaults struct {
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Probe    ProbeConfig    `yaml:"probe"`
	Web      WebConfig      `yaml:"web"`
	Log      LogConfig      `yaml:"log"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a finite float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultVal
	}
	return b
}

func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var d defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	return &Config{
		Store: StoreConfig{
			Backend:  strings.ToLower(envString("STORE_BACKEND", d.Store.Backend)),
			BoltPath: envString("BOLT_PATH", d.Store.BoltPath),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", d.Database.MaxOpenConns),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", d.Database.MaxIdleConns),
		},
		MariaDB: MariaDBConfig{
			DSN: os.Getenv("MARIADB_DSN"),
		},
		Cluster: ClusterConfig{
			DistanceThreshold: envFloat("CLUSTER_DISTANCE_THRESHOLD", d.Cluster.DistanceThreshold),
			EmbeddingDim:      envInt("CLUSTER_EMBEDDING_DIM", d.Cluster.EmbeddingDim),
		},
		Probe: ProbeConfig{
			Enabled: envBool("PROBE_INDEX_ENABLED", d.Probe.Enabled),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", d.Web.Host),
			Port:           envInt("WEB_PORT", d.Web.Port),
			AllowedOrigins: os.Getenv("WEB_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Format: strings.ToLower(envString("LOG_FORMAT", d.Log.Format)),
			Level:  strings.ToLower(envString("LOG_LEVEL", d.Log.Level)),
		},
	}
}

// Validate checks the settings every command depends on.
// Backend-specific connection settings are checked when the backend opens.
func (c *Config) Validate() error {
	t := c.Cluster.DistanceThreshold
	if math.IsNaN(t) || t <= 0 || t > 2 {
		return fmt.Errorf("CLUSTER_DISTANCE_THRESHOLD must be in (0, 2], got %v", t)
	}
	if c.Cluster.EmbeddingDim < 0 {
		return fmt.Errorf("CLUSTER_EMBEDDING_DIM must not be negative, got %d", c.Cluster.EmbeddingDim)
	}
	switch c.Store.Backend {
	case BackendPostgres, BackendMariaDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.Log.Format)
	}
	return nil
}
