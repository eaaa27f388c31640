package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	LogFormatText = "text"
	LogFormatJSON = "json"

	IndexBackendMemory = "memory"
	IndexBackendRedis  = "redis"

	DefaultListen          = ":8888"
	DefaultDescriptionPath = ".well-known/resourcesync"
	DefaultMetadataDirName = "metadata"
	DefaultStrategy        = "resourcelist"
	DefaultAboutFileName   = "about.md"
	DefaultWorkers         = 4
	DefaultQueueSize       = 16
	DefaultMaxItemsInList  = 50000

	envPrefix = "RESYNC_"
)

type SourceConfig struct {
	ResourceDir     string   `yaml:"resource_dir"`
	MetadataDir     string   `yaml:"metadata_dir"`
	URLPrefix       string   `yaml:"url_prefix"`
	DescriptionPath string   `yaml:"source_description_path"`
	AboutFileName   string   `yaml:"about_file"`
	SkipFiles       []string `yaml:"skip_files"`
	Workers         int      `yaml:"workers"`
	QueueSize       int      `yaml:"queue_size"`
}

type GeneratorConfig struct {
	Strategy           string        `yaml:"strategy"`
	DryRun             bool          `yaml:"dry_run"`
	MaxItemsInList     int           `yaml:"max_items_in_list"`
	EnumerationTimeout time.Duration `yaml:"enumeration_timeout"`
	SkipInitialRun     bool          `yaml:"skip_initial_run"`
	Interval           time.Duration `yaml:"interval"`
	Watch              bool          `yaml:"watch"`
	WatchDebounce      time.Duration `yaml:"watch_debounce"`
}

type IndexConfig struct {
	Backend        string        `yaml:"backend"`
	RedisURL       string        `yaml:"redis_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type HTTPConfig struct {
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Config struct {
	Name      string          `yaml:"name"`
	Listen    string          `yaml:"listen"`
	Source    SourceConfig    `yaml:"source"`
	Generator GeneratorConfig `yaml:"generator"`
	Index     IndexConfig     `yaml:"index"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "ResourceSync Server"
	}

	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	if c.Source.ResourceDir == "" {
		c.Source.ResourceDir = "."
	}

	if c.Source.MetadataDir == "" {
		c.Source.MetadataDir = c.Source.ResourceDir + "/" + DefaultMetadataDirName
	}

	if c.Source.DescriptionPath == "" {
		c.Source.DescriptionPath = DefaultDescriptionPath
	}

	if c.Source.AboutFileName == "" {
		c.Source.AboutFileName = DefaultAboutFileName
	}

	if c.Source.Workers < 1 {
		c.Source.Workers = DefaultWorkers
	}

	if c.Source.QueueSize < 1 {
		c.Source.QueueSize = DefaultQueueSize
	}

	if c.Generator.Strategy == "" {
		c.Generator.Strategy = DefaultStrategy
	}

	if c.Generator.MaxItemsInList < 1 {
		c.Generator.MaxItemsInList = DefaultMaxItemsInList
	}

	if c.Generator.EnumerationTimeout <= 0 {
		c.Generator.EnumerationTimeout = time.Minute
	}

	if c.Generator.WatchDebounce <= 0 {
		c.Generator.WatchDebounce = 2 * time.Second
	}

	if c.Index.Backend == "" {
		c.Index.Backend = IndexBackendMemory
	}

	if c.Index.ConnectTimeout <= 0 {
		c.Index.ConnectTimeout = 30 * time.Second
	}

	if c.HTTP.RateLimit <= 0 {
		c.HTTP.RateLimit = 100
	}

	if c.HTTP.RateBurst <= 0 {
		c.HTTP.RateBurst = 200
	}

	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}

	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}

	if c.HTTP.IdleTimeout <= 0 {
		c.HTTP.IdleTimeout = 120 * time.Second
	}

	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 5 * time.Second
	}
}

func (c *Config) Validate() error {
	if strings.Contains(c.Source.DescriptionPath, "..") {
		return fmt.Errorf("%w: invalid source_description_path: %s", common.ErrConfiguration, c.Source.DescriptionPath)
	}

	if !isSubdir(c.Source.ResourceDir, c.Source.MetadataDir) {
		return fmt.Errorf("%w: metadata_dir %s is not inside resource_dir %s",
			common.ErrConfiguration, c.Source.MetadataDir, c.Source.ResourceDir)
	}

	switch c.Index.Backend {
	case IndexBackendMemory:
	case IndexBackendRedis:
		if c.Index.RedisURL == "" {
			return fmt.Errorf("%w: redis_url is required for the redis index backend", common.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown index backend: %s", common.ErrConfiguration, c.Index.Backend)
	}

	if c.Generator.Interval < 0 {
		return fmt.Errorf("%w: negative generator interval", common.ErrConfiguration)
	}

	return nil
}

func isSubdir(root, dir string) bool {
	root, err := filepath.Abs(root)
	if err != nil {
		return false
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SetPort overrides the listen address port, keeping the host part.
func (c *Config) SetPort(port int) {
	if port <= 0 {
		return
	}

	host := ""
	if idx := strings.LastIndex(c.Listen, ":"); idx > 0 {
		host = c.Listen[:idx]
	}

	c.Listen = host + ":" + strconv.Itoa(port)
}

// Load reads the yaml config file, applies the .env file and RESYNC_* environment overrides,
// sets defaults and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: cannot load .env file: %w", common.ErrConfiguration, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read config file: %w", common.ErrConfiguration, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot parse config: %w", common.ErrConfiguration, err)
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"LISTEN":        &c.Listen,
		"RESOURCE_DIR":  &c.Source.ResourceDir,
		"METADATA_DIR":  &c.Source.MetadataDir,
		"URL_PREFIX":    &c.Source.URLPrefix,
		"STRATEGY":      &c.Generator.Strategy,
		"INDEX_BACKEND": &c.Index.Backend,
		"REDIS_URL":     &c.Index.RedisURL,
	}

	for name, field := range overrides {
		if val, ok := os.LookupEnv(envPrefix + name); ok && val != "" {
			*field = val
		}
	}
}

func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = LogLevelInfo
	}

	if c.Format == "" {
		c.Format = LogFormatText
	}
}

// LoadLogConfig reads the logging config. A missing file yields defaults unless required is set.
func LoadLogConfig(path string, required bool) (*LogConfig, error) {
	var cfg LogConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			cfg.SetDefaults()

			return &cfg, nil
		}

		return nil, fmt.Errorf("%w: cannot read log config file: %w", common.ErrConfiguration, err)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot parse log config: %w", common.ErrConfiguration, err)
	}

	cfg.SetDefaults()

	switch cfg.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return nil, fmt.Errorf("%w: unknown log level: %s", common.ErrConfiguration, cfg.Level)
	}

	switch cfg.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return nil, fmt.Errorf("%w: unknown log format: %s", common.ErrConfiguration, cfg.Format)
	}

	return &cfg, nil
}
