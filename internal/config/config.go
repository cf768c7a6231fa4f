package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. DECIDER_REDIS_URL.
const EnvPrefix = "DECIDER"

type Config struct {
	Addr       string
	CORSOrigin string
	// Taxonomy collaborator
	TaxonomyURL     string
	TaxonomyTimeout time.Duration
	TaxonomyRetries int
	// CatalogTTL bounds how long served versions and taxonomies are cached
	CatalogTTL time.Duration
	// Durable storage; empty RedisURL selects the in-memory store
	RedisURL  string
	SessionID string
	// Server-side cart store and full-text fallback; empty disables both
	DatabaseURL    string
	MigrationsDir  string
	MeiliURL       string
	MeiliMasterKey string
	// Export sinks; empty MinioEndpoint writes to ExportDir
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	ExportDir      string

	SearchDebounce time.Duration
	SchemaVersion  int
	AutoSave       bool
}

var defaults = map[string]any{
	"addr":             ":8787",
	"cors_origin":      "*",
	"taxonomy_url":     "http://localhost:5000",
	"taxonomy_timeout": "10s",
	"taxonomy_retries": 3,
	"catalog_ttl":      "15m",
	"redis_url":        "",
	"session_id":       "default",
	"database_url":     "",
	"migrations_dir":   "./db/migrations",
	"meili_url":        "",
	"meili_master_key": "",
	"minio_endpoint":   "",
	"minio_access_key": "",
	"minio_secret_key": "",
	"minio_bucket":     "decider-exports",
	"minio_region":     "us-east-1",
	"minio_use_ssl":    false,
	"export_dir":       "./exports",
	"search_debounce":  "250ms",
	"schema_version":   1,
	"auto_save":        false,
}

// Load reads the process-wide viper instance.
func Load() Config {
	return FromViper(viper.GetViper())
}

// FromViper registers defaults and env bindings on v and decodes it.
func FromViper(v *viper.Viper) Config {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return Config{
		Addr:            v.GetString("addr"),
		CORSOrigin:      v.GetString("cors_origin"),
		TaxonomyURL:     strings.TrimRight(v.GetString("taxonomy_url"), "/"),
		TaxonomyTimeout: durationOr(v.GetDuration("taxonomy_timeout"), 10*time.Second),
		TaxonomyRetries: v.GetInt("taxonomy_retries"),
		CatalogTTL:      durationOr(v.GetDuration("catalog_ttl"), 15*time.Minute),
		RedisURL:        v.GetString("redis_url"),
		SessionID:       nonBlank(v.GetString("session_id"), "default"),
		DatabaseURL:     v.GetString("database_url"),
		MigrationsDir:   v.GetString("migrations_dir"),
		MeiliURL:        v.GetString("meili_url"),
		MeiliMasterKey:  v.GetString("meili_master_key"),
		MinioEndpoint:   v.GetString("minio_endpoint"),
		MinioAccessKey:  v.GetString("minio_access_key"),
		MinioSecretKey:  v.GetString("minio_secret_key"),
		MinioBucket:     v.GetString("minio_bucket"),
		MinioRegion:     v.GetString("minio_region"),
		MinioUseSSL:     v.GetBool("minio_use_ssl"),
		ExportDir:       v.GetString("export_dir"),
		SearchDebounce:  durationOr(v.GetDuration("search_debounce"), 250*time.Millisecond),
		SchemaVersion:   v.GetInt("schema_version"),
		AutoSave:        v.GetBool("auto_save"),
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func nonBlank(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
