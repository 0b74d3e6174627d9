package geocode

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/partd-geo/internal/db"
)

// ProviderConfig declares one provider in the escalation chain. Chain order
// is the order of the configured list.
type ProviderConfig struct {
	Name     string    `mapstructure:"name" yaml:"name"`
	Kind     string    `mapstructure:"kind" yaml:"kind"` // census, nominatim, arcgis, google, tiger
	Fields   FieldMode `mapstructure:"fields" yaml:"fields"`
	Disabled bool      `mapstructure:"disabled" yaml:"disabled"`

	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	Benchmark string `mapstructure:"benchmark" yaml:"benchmark"` // census only

	RPS        float64       `mapstructure:"rps" yaml:"rps"`
	DailyCap   int           `mapstructure:"daily_cap" yaml:"daily_cap"` // 0 = unlimited
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"` // >1 enables batching
	BatchFlush time.Duration `mapstructure:"batch_flush" yaml:"batch_flush"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`

	MaxCandidates int `mapstructure:"max_candidates" yaml:"max_candidates"`
	MaxRating     int `mapstructure:"max_rating" yaml:"max_rating"` // tiger only
}

// WithDefaults fills zero values.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Name == "" {
		c.Name = c.Kind
	}
	if c.Fields == "" {
		c.Fields = OneLine
	}
	if c.RPS <= 0 {
		c.RPS = 1
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.BatchFlush <= 0 {
		c.BatchFlush = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 5
	}
	return c
}

// Validate checks a defaulted config.
func (c ProviderConfig) Validate() error {
	if c.Kind == "" {
		return eris.Errorf("geocode: provider %q has no kind", c.Name)
	}
	if c.Fields != Structured && c.Fields != OneLine {
		return eris.Errorf("geocode: provider %q: unknown fields mode %q", c.Name, c.Fields)
	}
	if c.DailyCap < 0 {
		return eris.Errorf("geocode: provider %q: negative daily cap", c.Name)
	}
	if c.RPS > 0 && c.RPS < 1 {
		return eris.Errorf("geocode: provider %q: rps %v is below one request per second", c.Name, c.RPS)
	}
	return nil
}

// Deps are shared resources handed to provider factories.
type Deps struct {
	// HTTPClient overrides the per-provider client built from Timeout.
	HTTPClient *http.Client
	// Pool backs database providers such as tiger.
	Pool db.Pool
}

// Factory builds a provider from its config.
type Factory func(cfg ProviderConfig, deps Deps) (Provider, error)

// Registry maps provider kinds to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in provider kind.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("census", func(cfg ProviderConfig, deps Deps) (Provider, error) {
		return NewCensus(cfg, httpClient(cfg, deps)), nil
	})
	r.Register("nominatim", func(cfg ProviderConfig, deps Deps) (Provider, error) {
		return NewNominatim(cfg, httpClient(cfg, deps)), nil
	})
	r.Register("arcgis", func(cfg ProviderConfig, deps Deps) (Provider, error) {
		return NewArcGIS(cfg, httpClient(cfg, deps)), nil
	})
	r.Register("google", func(cfg ProviderConfig, deps Deps) (Provider, error) {
		return NewGoogle(cfg, httpClient(cfg, deps))
	})
	r.Register("tiger", func(cfg ProviderConfig, deps Deps) (Provider, error) {
		if deps.Pool == nil {
			return nil, eris.Errorf("geocode: provider %q needs a database pool", cfg.Name)
		}
		return NewTiger(cfg, deps.Pool), nil
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[strings.ToLower(kind)] = f
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs one provider. cfg is defaulted and validated first.
func (r *Registry) Build(cfg ProviderConfig, deps Deps) (Provider, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, eris.Errorf("geocode: provider %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
	return f(cfg, deps)
}

func httpClient(cfg ProviderConfig, deps Deps) *http.Client {
	if deps.HTTPClient != nil {
		return deps.HTTPClient
	}
	return &http.Client{Timeout: cfg.Timeout}
}
