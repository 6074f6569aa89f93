package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Watch      WatchConfig      `yaml:"watch" mapstructure:"watch"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Notebook   NotebookConfig   `yaml:"notebook" mapstructure:"notebook"`
	Mirror     MirrorConfig     `yaml:"mirror" mapstructure:"mirror"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// WatchConfig configures the directory watcher.
type WatchConfig struct {
	Path         string   `yaml:"path" mapstructure:"path"`
	Extensions   []string `yaml:"extensions" mapstructure:"extensions"`
	SettleMS     int      `yaml:"settle_ms" mapstructure:"settle_ms"`
	ScanExisting bool     `yaml:"scan_existing" mapstructure:"scan_existing"`
}

// Settle returns the settle window as a duration.
func (w WatchConfig) Settle() time.Duration {
	return time.Duration(w.SettleMS) * time.Millisecond
}

// OutputConfig configures where and how derived artifacts are written.
type OutputConfig struct {
	Root         string `yaml:"root" mapstructure:"root"`
	TiledDir     string `yaml:"tiled_dir" mapstructure:"tiled_dir"`
	ChunkedDir   string `yaml:"chunked_dir" mapstructure:"chunked_dir"`
	TileSize     int    `yaml:"tile_size" mapstructure:"tile_size"`
	MaxLevels    int    `yaml:"max_levels" mapstructure:"max_levels"`
	ZstdLevel    int    `yaml:"zstd_level" mapstructure:"zstd_level"`
	DeflateLevel int    `yaml:"deflate_level" mapstructure:"deflate_level"`
}

// PipelineConfig configures per-file processing.
type PipelineConfig struct {
	MaxConcurrency    int    `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	DeadlineSecs      int    `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	MaxRetries        int    `yaml:"max_retries" mapstructure:"max_retries"`
	RetryIntervalSecs int    `yaml:"retry_interval_secs" mapstructure:"retry_interval_secs"`
	SweepIntervalSecs int    `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	DefaultOperator   string `yaml:"default_operator" mapstructure:"default_operator"`
}

// RetryConfig configures in-call retries of external services.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter           float64 `yaml:"jitter" mapstructure:"jitter"`
}

// CircuitConfig configures the per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// NotebookConfig selects and configures the lab notebook backend.
type NotebookConfig struct {
	Driver string       `yaml:"driver" mapstructure:"driver"`
	ELN    ELNConfig    `yaml:"eln" mapstructure:"eln"`
	Notion NotionConfig `yaml:"notion" mapstructure:"notion"`
}

// ELNConfig holds the notebook HTTP API settings.
type ELNConfig struct {
	URL         string  `yaml:"url" mapstructure:"url"`
	Token       string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// NotionConfig holds Notion API credentials and the experiment database ID.
type NotionConfig struct {
	Token      string  `yaml:"token" mapstructure:"token"`
	DatabaseID string  `yaml:"database_id" mapstructure:"database_id"`
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// MirrorConfig selects and configures the document mirror.
type MirrorConfig struct {
	Driver     string           `yaml:"driver" mapstructure:"driver"`
	SharePoint SharePointConfig `yaml:"sharepoint" mapstructure:"sharepoint"`
	XLSX       XLSXConfig       `yaml:"xlsx" mapstructure:"xlsx"`
}

// SharePointConfig holds the Graph app registration and target list.
type SharePointConfig struct {
	TenantID     string  `yaml:"tenant_id" mapstructure:"tenant_id"`
	ClientID     string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string  `yaml:"client_secret" mapstructure:"client_secret"`
	SiteID       string  `yaml:"site_id" mapstructure:"site_id"`
	ListName     string  `yaml:"list_name" mapstructure:"list_name"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// XLSXConfig configures the local workbook mirror.
type XLSXConfig struct {
	Path  string `yaml:"path" mapstructure:"path"`
	Sheet string `yaml:"sheet" mapstructure:"sheet"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the read API.
type ServerConfig struct {
	Enabled     bool     `yaml:"enabled" mapstructure:"enabled"`
	Port        int      `yaml:"port" mapstructure:"port"`
	JWTSecret   string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures failure alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (optional), .env, and the
// environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches
// the working directory.
func LoadFile(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("MINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("watch.path", "/microscope_output")
	v.SetDefault("watch.extensions", []string{".dv", ".tif", ".ome.tif"})
	v.SetDefault("watch.settle_ms", 2000)
	v.SetDefault("watch.scan_existing", false)
	v.SetDefault("output.root", "/processed")
	v.SetDefault("output.tiled_dir", "ome-tiff")
	v.SetDefault("output.chunked_dir", "ome-zarr")
	v.SetDefault("output.tile_size", 256)
	v.SetDefault("output.max_levels", 6)
	v.SetDefault("output.zstd_level", 3)
	v.SetDefault("output.deflate_level", 6)
	v.SetDefault("pipeline.max_concurrency", 4)
	v.SetDefault("pipeline.deadline_secs", 900)
	v.SetDefault("pipeline.max_retries", 5)
	v.SetDefault("pipeline.retry_interval_secs", 300)
	v.SetDefault("pipeline.sweep_interval_secs", 60)
	v.SetDefault("pipeline.default_operator", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("notebook.driver", "eln")
	v.SetDefault("notebook.eln.url", "")
	v.SetDefault("notebook.eln.token", "")
	v.SetDefault("notebook.eln.timeout_secs", 10)
	v.SetDefault("notebook.eln.rate_limit", 0)
	v.SetDefault("notebook.notion.token", "")
	v.SetDefault("notebook.notion.database_id", "")
	v.SetDefault("notebook.notion.rate_limit", 3)
	v.SetDefault("mirror.driver", "none")
	v.SetDefault("mirror.sharepoint.tenant_id", "")
	v.SetDefault("mirror.sharepoint.client_id", "")
	v.SetDefault("mirror.sharepoint.client_secret", "")
	v.SetDefault("mirror.sharepoint.site_id", "")
	v.SetDefault("mirror.sharepoint.list_name", "RTG Microscopy Experiments")
	v.SetDefault("mirror.sharepoint.timeout_secs", 15)
	v.SetDefault("mirror.sharepoint.rate_limit", 5)
	v.SetDefault("mirror.xlsx.path", "experiments.xlsx")
	v.SetDefault("mirror.xlsx.sheet", "Experiments")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "mingest.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless given explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command needs are present. Mode is
// the command name.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "watch", "ingest", "retry":
		c.validateProcessing(add)
		c.validateStore(add)
		if mode == "watch" {
			if c.Watch.Path == "" {
				add("watch.path is required")
			}
			if c.Watch.SettleMS < 0 {
				add("watch.settle_ms must be >= 0")
			}
			if c.Server.Enabled {
				c.validateServer(add)
			}
		}
	case "serve":
		c.validateStore(add)
		c.validateServer(add)
	case "attempts", "migrate":
		c.validateStore(add)
	case "inspect":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateProcessing(add func(string, ...any)) {
	if len(c.Watch.Extensions) == 0 {
		add("watch.extensions must not be empty")
	}
	if c.Output.Root == "" {
		add("output.root is required")
	}
	if c.Pipeline.MaxConcurrency < 1 || c.Pipeline.MaxConcurrency > 64 {
		add("pipeline.max_concurrency must be between 1 and 64")
	}
	if c.Pipeline.MaxRetries < 0 {
		add("pipeline.max_retries must be >= 0")
	}

	switch c.Notebook.Driver {
	case "eln":
		if c.Notebook.ELN.URL == "" {
			add("notebook.eln.url is required")
		}
		if c.Notebook.ELN.Token == "" {
			add("notebook.eln.token is required")
		}
	case "notion":
		if c.Notebook.Notion.Token == "" {
			add("notebook.notion.token is required")
		}
		if c.Notebook.Notion.DatabaseID == "" {
			add("notebook.notion.database_id is required")
		}
	default:
		add("notebook.driver must be eln or notion, got %q", c.Notebook.Driver)
	}

	switch c.Mirror.Driver {
	case "none", "":
	case "sharepoint":
		sp := c.Mirror.SharePoint
		if sp.TenantID == "" || sp.ClientID == "" || sp.ClientSecret == "" {
			add("mirror.sharepoint tenant_id, client_id and client_secret are required")
		}
		if sp.SiteID == "" {
			add("mirror.sharepoint.site_id is required")
		}
	case "xlsx":
		if c.Mirror.XLSX.Path == "" {
			add("mirror.xlsx.path is required")
		}
	default:
		add("mirror.driver must be sharepoint, xlsx or none, got %q", c.Mirror.Driver)
	}
}

func (c *Config) validateStore(add func(string, ...any)) {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}
}

func (c *Config) validateServer(add func(string, ...any)) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be > 0")
	}
	if c.Server.JWTSecret == "" {
		add("server.jwt_secret is required")
	}
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&out.Notebook.ELN.Token)
	mask(&out.Notebook.Notion.Token)
	mask(&out.Mirror.SharePoint.ClientSecret)
	mask(&out.Server.JWTSecret)
	if strings.Contains(out.Store.DatabaseURL, "@") {
		mask(&out.Store.DatabaseURL)
	}
	return &out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
