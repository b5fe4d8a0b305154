// Package config provides configuration management using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jobrunner/demtiler/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Output   OutputConfig             `mapstructure:"output"`
	Fetch    FetchConfig              `mapstructure:"fetch"`
	Grid     GridConfig               `mapstructure:"grid"`
	Tiling   TilingConfig             `mapstructure:"tiling"`
	DEMTypes map[string]DEMTypeConfig `mapstructure:"dem_types"`
	Jobs     JobsConfig               `mapstructure:"jobs"`
	Publish  PublishConfig            `mapstructure:"publish"`
	TLS      TLSConfig                `mapstructure:"tls"`
	Metrics  MetricsConfig            `mapstructure:"metrics"`
	Logging  LoggingConfig            `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// OutputConfig holds the product output settings.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	Compression string `mapstructure:"compression"` // GeoTIFF: none, lzw, deflate
	FastPNG     bool   `mapstructure:"fast_png"`
}

// FetchConfig holds remote service settings.
type FetchConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	Backoff    time.Duration `mapstructure:"backoff"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Workers    int           `mapstructure:"workers"`
	AbortRatio float64       `mapstructure:"abort_ratio"`
	UserAgent  string        `mapstructure:"user_agent"`
	CacheSize  int64         `mapstructure:"cache_size"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// GridConfig bounds raster and request sizes in pixels.
type GridConfig struct {
	CoverageMaxDim int `mapstructure:"coverage_max_dim"`
	TileMaxDim     int `mapstructure:"tile_max_dim"`
	MaxRasterDim   int `mapstructure:"max_raster_dim"`
}

// TilingConfig holds WebP tiling settings.
type TilingConfig struct {
	TileSize       int      `mapstructure:"tile_size"`
	Presets        []string `mapstructure:"presets"`
	MinSourceBytes int64    `mapstructure:"min_source_bytes"`
}

// DEMTypeConfig describes one DEM source.
type DEMTypeConfig struct {
	Name        string  `mapstructure:"name"`
	Description string  `mapstructure:"description"`
	CoverageURL string  `mapstructure:"coverage_url"`
	MapURL      string  `mapstructure:"map_url"`
	CRS         string  `mapstructure:"crs"`
	ResolutionM float64 `mapstructure:"resolution_m"`
	CoverageID  string  `mapstructure:"coverage_id"`
	Layer       string  `mapstructure:"layer"`
}

// JobsConfig holds job retention and history settings.
type JobsConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	History       HistoryConfig `mapstructure:"history"`
}

// HistoryConfig holds the SQLite job history settings.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PublishConfig controls uploading finished artifacts.
type PublishConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Prefix  string        `mapstructure:"prefix"`
	Storage StorageConfig `mapstructure:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // s3, azure, http, local
	LocalPath string      `mapstructure:"local_path"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds WebDAV-style upload configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Domains  []string     `mapstructure:"domains"`
	Email    string       `mapstructure:"email"`
	CacheDir string       `mapstructure:"cache_dir"`
	Staging  bool         `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      TLSDNSConfig `mapstructure:"dns"`
}

// TLSDNSConfig holds the Azure DNS settings for DNS-01 challenges.
type TLSDNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

const gaServices = "https://services.ga.gov.au/gis/services/"

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Output defaults
	viper.SetDefault("output.dir", "./data/geo")
	viper.SetDefault("output.compression", "deflate")
	viper.SetDefault("output.fast_png", false)

	// Fetch defaults
	viper.SetDefault("fetch.attempts", 3)
	viper.SetDefault("fetch.backoff", 2*time.Second)
	viper.SetDefault("fetch.timeout", 60*time.Second)
	viper.SetDefault("fetch.workers", 4)
	viper.SetDefault("fetch.abort_ratio", 0.5)
	viper.SetDefault("fetch.user_agent", "demtiler/1.0")
	viper.SetDefault("fetch.cache_size", 256)
	viper.SetDefault("fetch.cache_ttl", 10*time.Minute)

	// Grid defaults
	viper.SetDefault("grid.coverage_max_dim", 2048)
	viper.SetDefault("grid.tile_max_dim", 4096)
	viper.SetDefault("grid.max_raster_dim", 16384)

	// Tiling defaults
	viper.SetDefault("tiling.tile_size", 2048)
	viper.SetDefault("tiling.presets", []string{"lossy-75", "lossless"})
	viper.SetDefault("tiling.min_source_bytes", 0)

	// DEM types
	viper.SetDefault("dem_types.national_1s.name", "SRTM 1 Second Hydro Enforced")
	viper.SetDefault("dem_types.national_1s.description", "National 1 second (~30 m) DEM")
	viper.SetDefault("dem_types.national_1s.coverage_url", gaServices+"DEM_SRTM_1Second_Hydro_Enforced_2024/MapServer/WCSServer")
	viper.SetDefault("dem_types.national_1s.map_url", gaServices+"DEM_SRTM_1Second_Hydro_Enforced_2024/MapServer/WMSServer")
	viper.SetDefault("dem_types.national_1s.crs", "EPSG:4326")
	viper.SetDefault("dem_types.national_1s.resolution_m", 30.0)
	viper.SetDefault("dem_types.national_1s.coverage_id", "1")
	viper.SetDefault("dem_types.national_1s.layer", "0")
	viper.SetDefault("dem_types.lidar_5m.name", "LiDAR 5 m")
	viper.SetDefault("dem_types.lidar_5m.description", "LiDAR derived 5 m DEM")
	viper.SetDefault("dem_types.lidar_5m.coverage_url", gaServices+"DEM_LiDAR_5m_2025/MapServer/WCSServer")
	viper.SetDefault("dem_types.lidar_5m.map_url", gaServices+"DEM_LiDAR_5m_2025/MapServer/WMSServer")
	viper.SetDefault("dem_types.lidar_5m.crs", "EPSG:4283")
	viper.SetDefault("dem_types.lidar_5m.resolution_m", 5.0)
	viper.SetDefault("dem_types.lidar_5m.coverage_id", "1")
	viper.SetDefault("dem_types.lidar_5m.layer", "0")

	// Jobs defaults
	viper.SetDefault("jobs.retention", 24*time.Hour)
	viper.SetDefault("jobs.prune_interval", 10*time.Minute)
	viper.SetDefault("jobs.history.enabled", true)
	viper.SetDefault("jobs.history.path", "./data/jobs.db")

	// Publish defaults
	viper.SetDefault("publish.enabled", false)
	viper.SetDefault("publish.prefix", "")
	viper.SetDefault("publish.storage.type", "local")
	viper.SetDefault("publish.storage.local_path", "./data/published")
	viper.SetDefault("publish.storage.http.index_file", "index.txt")
	viper.SetDefault("publish.storage.http.timeout", 5*time.Minute)

	// TLS defaults
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cache_dir", "./.certmagic")
	viper.SetDefault("tls.staging", false)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("DEMTILER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/demtiler")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output directory is required")
	}

	if c.Fetch.Attempts < 1 {
		return fmt.Errorf("fetch attempts must be at least 1, got %d", c.Fetch.Attempts)
	}
	if c.Fetch.Workers < 1 {
		return fmt.Errorf("fetch workers must be at least 1, got %d", c.Fetch.Workers)
	}
	if c.Fetch.AbortRatio <= 0 || c.Fetch.AbortRatio > 1 {
		return fmt.Errorf("fetch abort ratio must be in (0, 1], got %g", c.Fetch.AbortRatio)
	}

	if c.Grid.CoverageMaxDim < 1 || c.Grid.TileMaxDim < 1 || c.Grid.MaxRasterDim < 1 {
		return fmt.Errorf("grid dimensions must be positive")
	}
	if c.Tiling.TileSize < 1 {
		return fmt.Errorf("tile size must be positive, got %d", c.Tiling.TileSize)
	}
	for _, p := range c.Tiling.Presets {
		if _, err := domain.ParseQualityPreset(p); err != nil {
			return fmt.Errorf("tiling preset %q: %w", p, err)
		}
	}

	if len(c.DEMTypes) == 0 {
		return fmt.Errorf("at least one DEM type is required")
	}
	for key, d := range c.DEMTypes {
		if d.CoverageURL == "" && d.MapURL == "" {
			return fmt.Errorf("DEM type %s needs a coverage_url or map_url", key)
		}
		if d.ResolutionM <= 0 {
			return fmt.Errorf("DEM type %s: resolution_m must be positive", key)
		}
	}

	if c.Jobs.History.Enabled && c.Jobs.History.Path == "" {
		return fmt.Errorf("job history path is required")
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return fmt.Errorf("TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return fmt.Errorf("TLS enabled but no email specified")
		}
	}

	if c.Publish.Enabled {
		if err := c.Publish.Storage.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (s *StorageConfig) validate() error {
	switch s.Type {
	case "local":
		if s.LocalPath == "" {
			return fmt.Errorf("local storage path is required")
		}
	case "s3":
		if s.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required")
		}
		if s.S3.Region == "" {
			return fmt.Errorf("S3 region is required")
		}
	case "azure":
		if s.Azure.Container == "" {
			return fmt.Errorf("azure container is required")
		}
		if s.Azure.AccountName == "" && s.Azure.ConnectionString == "" {
			return fmt.Errorf("azure account name or connection string is required")
		}
	case "http":
		if s.HTTP.BaseURL == "" {
			return fmt.Errorf("HTTP base URL is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", s.Type)
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Catalog converts the configured DEM types into a domain catalog.
func (c *Config) Catalog() domain.DEMCatalog {
	cat := make(domain.DEMCatalog, len(c.DEMTypes))
	for key, d := range c.DEMTypes {
		cat[key] = domain.DEMType{
			Key:         key,
			Name:        d.Name,
			Description: d.Description,
			CoverageURL: d.CoverageURL,
			MapURL:      d.MapURL,
			CRS:         d.CRS,
			ResolutionM: d.ResolutionM,
			CoverageID:  d.CoverageID,
			Layer:       d.Layer,
		}
	}
	return cat
}
