package config

import (
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/partd-geo/internal/resilience"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Inputs   InputsConfig   `yaml:"inputs" mapstructure:"inputs"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Geocode  GeocodeConfig  `yaml:"geocode" mapstructure:"geocode"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the result store.
type StoreConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// PrescriberFile is one year of Part D prescriber data.
type PrescriberFile struct {
	Year int    `yaml:"year" mapstructure:"year"`
	Path string `yaml:"path" mapstructure:"path"`
	// Sheet selects the worksheet of an .xlsx file.
	Sheet int `yaml:"sheet" mapstructure:"sheet"`
}

// InputsConfig locates the reference and prescriber files.
type InputsConfig struct {
	PlaceNames     string           `yaml:"place_names" mapstructure:"place_names"`
	Counties       string           `yaml:"counties" mapstructure:"counties"`
	Boundaries     string           `yaml:"boundaries" mapstructure:"boundaries"` // county shapefile; defaults to counties when that is a .shp
	ZipCentroids   string           `yaml:"zip_centroids" mapstructure:"zip_centroids"`
	Classification string           `yaml:"classification" mapstructure:"classification"`
	ClassFIPSCol   string           `yaml:"classification_fips_column" mapstructure:"classification_fips_column"`
	ClassCodeCol   string           `yaml:"classification_code_column" mapstructure:"classification_code_column"`
	Prescribers    []PrescriberFile `yaml:"prescribers" mapstructure:"prescribers"`
	Corrections    []string         `yaml:"corrections" mapstructure:"corrections"`
	Overrides      []string         `yaml:"overrides" mapstructure:"overrides"`
}

// PipelineConfig tunes a run.
type PipelineConfig struct {
	Vintage int `yaml:"vintage" mapstructure:"vintage"`
	Workers int `yaml:"workers" mapstructure:"workers"`
	// Retry re-processes keys the store already holds as terminal.
	Retry bool `yaml:"retry" mapstructure:"retry"`
	// Escalate enables the external geocoder chain.
	Escalate bool `yaml:"escalate" mapstructure:"escalate"`
}

// RetryConfig configures provider call retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
}

// Policy converts the config into a resilience policy.
func (c RetryConfig) Policy() resilience.RetryPolicy {
	return resilience.PolicyFrom(c.MaxAttempts, c.InitialBackoff, c.MaxBackoff, c.Jitter)
}

// BreakerConfig configures per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// Breaker converts the config into a resilience breaker config.
func (c BreakerConfig) Breaker() resilience.BreakerConfig {
	return resilience.BreakerFrom(c.FailureThreshold, c.ResetTimeout)
}

// GeocodeConfig lists the external providers in priority order.
type GeocodeConfig struct {
	Cache     bool                     `yaml:"cache" mapstructure:"cache"`
	Retry     RetryConfig              `yaml:"retry" mapstructure:"retry"`
	Breaker   BreakerConfig            `yaml:"breaker" mapstructure:"breaker"`
	Providers []geocode.ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// Enabled returns the providers that are not disabled, with defaults applied.
func (c GeocodeConfig) Enabled() []geocode.ProviderConfig {
	var out []geocode.ProviderConfig
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p.WithDefaults())
		}
	}
	return out
}

// OutputConfig names the files a run writes.
type OutputConfig struct {
	Dir        string `yaml:"dir" mapstructure:"dir"`
	Results    string `yaml:"results" mapstructure:"results"`
	Summary    string `yaml:"summary" mapstructure:"summary"`
	Unresolved string `yaml:"unresolved" mapstructure:"unresolved"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PARTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "partd-geo.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("inputs.classification_fips_column", "fips")
	v.SetDefault("inputs.classification_code_column", "code")
	v.SetDefault("pipeline.vintage", 2020)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.escalate", true)
	v.SetDefault("geocode.cache", true)
	v.SetDefault("geocode.retry.max_attempts", 3)
	v.SetDefault("geocode.retry.initial_backoff", "500ms")
	v.SetDefault("geocode.retry.max_backoff", "10s")
	v.SetDefault("geocode.retry.jitter", 0.2)
	v.SetDefault("geocode.breaker.failure_threshold", 5)
	v.SetDefault("geocode.breaker.reset_timeout", "1m")
	v.SetDefault("geocode.providers", []map[string]any{
		{"name": "census", "kind": "census", "fields": "structured", "rps": 5, "batch_size": 1000, "workers": 2},
		{"name": "nominatim", "kind": "nominatim", "fields": "structured", "rps": 1, "user_agent": "partd-geo"},
	})
	v.SetDefault("output.dir", "out")
	v.SetDefault("output.results", "prescriber_fips.csv")
	v.SetDefault("output.summary", "summary.txt")
	v.SetDefault("output.unresolved", "unresolved_review.csv")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Provider credentials usually live in the environment.
	for i := range cfg.Geocode.Providers {
		p := &cfg.Geocode.Providers[i]
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
	}
	cfg.Store.DSN = os.ExpandEnv(cfg.Store.DSN)

	return &cfg, nil
}

// Validate checks the settings a resolve run depends on.
func (c *Config) Validate() error {
	if c.Pipeline.Vintage <= 0 {
		return eris.New("config: pipeline.vintage must be set")
	}
	if len(c.Inputs.Prescribers) == 0 {
		return eris.New("config: inputs.prescribers is empty")
	}
	for i, f := range c.Inputs.Prescribers {
		if f.Path == "" || f.Year <= 0 {
			return eris.Errorf("config: inputs.prescribers[%d] needs year and path", i)
		}
	}
	for name, path := range map[string]string{
		"inputs.place_names":    c.Inputs.PlaceNames,
		"inputs.counties":       c.Inputs.Counties,
		"inputs.zip_centroids":  c.Inputs.ZipCentroids,
		"inputs.classification": c.Inputs.Classification,
	} {
		if path == "" {
			return eris.Errorf("config: %s must be set", name)
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.Geocode.Enabled() {
		if err := p.Validate(); err != nil {
			return eris.Wrap(err, "config")
		}
		if seen[p.Name] {
			return eris.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
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
