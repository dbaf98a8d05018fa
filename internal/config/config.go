package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = 1

// Config represents the complete adocheck configuration
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Adoit   AdoitConfig   `json:"adoit" mapstructure:"adoit"`
	Cache   CacheConfig   `json:"cache" mapstructure:"cache"`
	Mapping MappingConfig `json:"mapping" mapstructure:"mapping"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// AdoitConfig describes how to reach the repository REST API.
type AdoitConfig struct {
	URL               string  `json:"url" mapstructure:"url"`
	APIID             string  `json:"apiId" mapstructure:"apiId"`
	APISecret         string  `json:"apiSecret,omitempty" mapstructure:"apiSecret"`
	BearerToken       string  `json:"bearerToken,omitempty" mapstructure:"bearerToken"`
	RepoID            string  `json:"repoId" mapstructure:"repoId"`
	TimeoutSeconds    int     `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	PageSize          int     `json:"pageSize" mapstructure:"pageSize"`
	RequestsPerSecond float64 `json:"requestsPerSecond" mapstructure:"requestsPerSecond"`
	Burst             int     `json:"burst" mapstructure:"burst"`
	MaxRetries        int     `json:"maxRetries" mapstructure:"maxRetries"`
}

// CacheConfig contains cache configuration
type CacheConfig struct {
	Backend                string `json:"backend" mapstructure:"backend"`
	Dir                    string `json:"dir" mapstructure:"dir"`
	TTLSeconds             int    `json:"ttlSeconds" mapstructure:"ttlSeconds"`
	RelationshipTTLSeconds int    `json:"relationshipTtlSeconds" mapstructure:"relationshipTtlSeconds"`
}

// MappingConfig drives target discovery, traversal and reporting.
type MappingConfig struct {
	Workers              int      `json:"workers" mapstructure:"workers"`
	Parallelism          int      `json:"parallelism" mapstructure:"parallelism"`
	MaxDepth             int      `json:"maxDepth" mapstructure:"maxDepth"`
	Direction            string   `json:"direction" mapstructure:"direction"`
	RateLimitRetries     int      `json:"rateLimitRetries" mapstructure:"rateLimitRetries"`
	RelationshipTypes    []string `json:"relationshipTypes,omitempty" mapstructure:"relationshipTypes"`
	RelationshipPatterns []string `json:"relationshipPatterns" mapstructure:"relationshipPatterns"`
	TargetIDs            []string `json:"targetIds,omitempty" mapstructure:"targetIds"`
	TargetNames          []string `json:"targetNames" mapstructure:"targetNames"`
	TargetClassKeywords  []string `json:"targetClassKeywords" mapstructure:"targetClassKeywords"`
	SourceIDs            []string `json:"sourceIds,omitempty" mapstructure:"sourceIds"`
	SourceClass          string   `json:"sourceClass" mapstructure:"sourceClass"`
	SourceAttribute      string   `json:"sourceAttribute" mapstructure:"sourceAttribute"`
	SourceValue          string   `json:"sourceValue" mapstructure:"sourceValue"`
	LongPathThreshold    int      `json:"longPathThreshold" mapstructure:"longPathThreshold"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	File       string `json:"file,omitempty" mapstructure:"file"`
	MaxSize    string `json:"maxSize,omitempty" mapstructure:"maxSize"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty" mapstructure:"addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Adoit: AdoitConfig{
			TimeoutSeconds:    30,
			PageSize:          200,
			RequestsPerSecond: 20,
			Burst:             10,
			MaxRetries:        3,
		},
		Cache: CacheConfig{
			Backend:    "sqlite",
			Dir:        "data",
			TTLSeconds: 172800,
		},
		Mapping: MappingConfig{
			Workers:          10,
			Parallelism:      1,
			MaxDepth:         15,
			Direction:        "forward",
			RateLimitRetries: 5,
			RelationshipPatterns: []string{
				"composition", "aggregation", "realization",
				"serving", "access", "influence",
				"association",
			},
			TargetNames: []string{
				"Customer Centric Domains",
				"Enabling Cluster",
				"Corporate Cluster",
			},
			TargetClassKeywords: []string{"CAPABILITY", "DOMAIN", "CLUSTER", "FUNCTION"},
			SourceClass:         "C_APPLICATION",
			SourceAttribute:     "Specialisation",
			SourceValue:         "Bus. App.",
			LongPathThreshold:   10,
		},
		Logging: LoggingConfig{
			Level:      "warn",
			Format:     "human",
			MaxBackups: 3,
		},
	}
}

// TTL is the entity freshness window.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// RelationshipTTL falls back to TTL when unset.
func (c *Config) RelationshipTTL() time.Duration {
	if c.Cache.RelationshipTTLSeconds <= 0 {
		return c.TTL()
	}
	return time.Duration(c.Cache.RelationshipTTLSeconds) * time.Second
}

// Timeout is the per-request HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Adoit.TimeoutSeconds) * time.Second
}

// CacheDir resolves the cache directory against baseDir.
func (c *Config) CacheDir(baseDir string) string {
	if filepath.IsAbs(c.Cache.Dir) {
		return c.Cache.Dir
	}
	return filepath.Join(baseDir, c.Cache.Dir)
}

// envBindings maps config keys to the environment variables that override them.
// The ADOIT_* names are the ones operators already keep in .env files.
var envBindings = []struct {
	Key    string
	EnvVar string
}{
	{"adoit.url", "ADOIT_URL"},
	{"adoit.apiId", "ADOIT_API_ID"},
	{"adoit.apiSecret", "ADOIT_API_SECRET"},
	{"adoit.bearerToken", "ADOIT_BEARER_TOKEN"},
	{"adoit.repoId", "ADOIT_REPO_ID"},
	{"cache.dir", "ADOCHECK_CACHE_DIR"},
	{"cache.backend", "ADOCHECK_CACHE_BACKEND"},
	{"cache.ttlSeconds", "ADOCHECK_CACHE_TTL_SECONDS"},
	{"mapping.workers", "ADOCHECK_WORKERS"},
	{"mapping.maxDepth", "ADOCHECK_MAX_DEPTH"},
	{"logging.level", "ADOCHECK_LOG_LEVEL"},
	{"logging.format", "ADOCHECK_LOG_FORMAT"},
	{"metrics.addr", "ADOCHECK_METRICS_ADDR"},
}

// EnvOverride records an environment variable that changed a config value.
type EnvOverride struct {
	Key    string `json:"key"`
	EnvVar string `json:"envVar"`
	Secret bool   `json:"secret,omitempty"`
}

// LoadResult is the outcome of LoadWithDetails.
type LoadResult struct {
	Config       *Config
	ConfigPath   string
	UsedDefaults bool
	EnvOverrides []EnvOverride
}

// ConfigPath returns the location of the JSON config file under baseDir.
func ConfigPath(baseDir string) string {
	return filepath.Join(baseDir, ".adocheck", "config.json")
}

// LoadConfig loads configuration from .adocheck/config.json, .env and the environment.
func LoadConfig(baseDir string) (*Config, error) {
	res, err := LoadWithDetails(baseDir)
	if err != nil {
		return nil, err
	}
	return res.Config, nil
}

// LoadWithDetails is LoadConfig plus provenance for `config show`.
func LoadWithDetails(baseDir string) (*LoadResult, error) {
	if err := godotenv.Load(filepath.Join(baseDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &ConfigError{Field: ".env", Message: err.Error()}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(baseDir, ".adocheck"))

	res := &LoadResult{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		res.UsedDefaults = true
	} else {
		res.ConfigPath = v.ConfigFileUsed()
	}

	for _, b := range envBindings {
		if err := v.BindEnv(b.Key, b.EnvVar); err != nil {
			return nil, err
		}
		if _, ok := os.LookupEnv(b.EnvVar); ok {
			res.EnvOverrides = append(res.EnvOverrides, EnvOverride{
				Key:    b.Key,
				EnvVar: b.EnvVar,
				Secret: strings.Contains(strings.ToLower(b.Key), "secret") || strings.Contains(strings.ToLower(b.Key), "token"),
			})
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Adoit.URL = strings.TrimRight(cfg.Adoit.URL, "/")

	res.Config = &cfg
	return res, nil
}

// setDefaults registers every default so env bindings and Unmarshal see all keys.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)

	v.SetDefault("adoit.url", d.Adoit.URL)
	v.SetDefault("adoit.apiId", d.Adoit.APIID)
	v.SetDefault("adoit.apiSecret", d.Adoit.APISecret)
	v.SetDefault("adoit.bearerToken", d.Adoit.BearerToken)
	v.SetDefault("adoit.repoId", d.Adoit.RepoID)
	v.SetDefault("adoit.timeoutSeconds", d.Adoit.TimeoutSeconds)
	v.SetDefault("adoit.pageSize", d.Adoit.PageSize)
	v.SetDefault("adoit.requestsPerSecond", d.Adoit.RequestsPerSecond)
	v.SetDefault("adoit.burst", d.Adoit.Burst)
	v.SetDefault("adoit.maxRetries", d.Adoit.MaxRetries)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.ttlSeconds", d.Cache.TTLSeconds)
	v.SetDefault("cache.relationshipTtlSeconds", d.Cache.RelationshipTTLSeconds)

	v.SetDefault("mapping.workers", d.Mapping.Workers)
	v.SetDefault("mapping.parallelism", d.Mapping.Parallelism)
	v.SetDefault("mapping.maxDepth", d.Mapping.MaxDepth)
	v.SetDefault("mapping.direction", d.Mapping.Direction)
	v.SetDefault("mapping.rateLimitRetries", d.Mapping.RateLimitRetries)
	v.SetDefault("mapping.relationshipTypes", d.Mapping.RelationshipTypes)
	v.SetDefault("mapping.relationshipPatterns", d.Mapping.RelationshipPatterns)
	v.SetDefault("mapping.targetIds", d.Mapping.TargetIDs)
	v.SetDefault("mapping.targetNames", d.Mapping.TargetNames)
	v.SetDefault("mapping.targetClassKeywords", d.Mapping.TargetClassKeywords)
	v.SetDefault("mapping.sourceIds", d.Mapping.SourceIDs)
	v.SetDefault("mapping.sourceClass", d.Mapping.SourceClass)
	v.SetDefault("mapping.sourceAttribute", d.Mapping.SourceAttribute)
	v.SetDefault("mapping.sourceValue", d.Mapping.SourceValue)
	v.SetDefault("mapping.longPathThreshold", d.Mapping.LongPathThreshold)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.maxSize", d.Logging.MaxSize)
	v.SetDefault("logging.maxBackups", d.Logging.MaxBackups)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// SupportedEnvVars lists every environment override.
func SupportedEnvVars() []EnvOverride {
	out := make([]EnvOverride, 0, len(envBindings))
	for _, b := range envBindings {
		out = append(out, EnvOverride{Key: b.Key, EnvVar: b.EnvVar})
	}
	return out
}

// Save writes the configuration to .adocheck/config.json. Secrets are never persisted.
func (c *Config) Save(baseDir string) error {
	path := ConfigPath(baseDir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	clean := *c
	clean.Adoit.APISecret = ""
	clean.Adoit.BearerToken = ""

	data, err := json.MarshalIndent(&clean, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Cache.TTLSeconds <= 0 {
		return &ConfigError{Field: "cache.ttlSeconds", Message: "must be positive"}
	}
	switch c.Cache.Backend {
	case "sqlite", "badger":
	default:
		return &ConfigError{Field: "cache.backend", Message: "must be sqlite or badger"}
	}
	if c.Mapping.Workers <= 0 {
		return &ConfigError{Field: "mapping.workers", Message: "must be positive"}
	}
	if c.Mapping.Parallelism <= 0 {
		return &ConfigError{Field: "mapping.parallelism", Message: "must be positive"}
	}
	if c.Mapping.MaxDepth <= 0 {
		return &ConfigError{Field: "mapping.maxDepth", Message: "must be positive"}
	}
	switch c.Mapping.Direction {
	case "forward", "backward", "both":
	default:
		return &ConfigError{Field: "mapping.direction", Message: "must be forward, backward or both"}
	}
	if c.Adoit.PageSize <= 0 {
		return &ConfigError{Field: "adoit.pageSize", Message: "must be positive"}
	}
	switch c.Logging.Format {
	case "human", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: "must be human or json"}
	}
	return nil
}

// ValidateRemote checks the settings needed to talk to the repository.
func (c *Config) ValidateRemote() error {
	if c.Adoit.URL == "" {
		return &ConfigError{Field: "adoit.url", Message: "required (set ADOIT_URL)"}
	}
	if c.Adoit.APIID == "" && c.Adoit.BearerToken == "" {
		return &ConfigError{Field: "adoit.apiId", Message: "required (set ADOIT_API_ID)"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
