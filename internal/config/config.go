// Package config loads and validates downloader configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Browser      BrowserConfig      `mapstructure:"browser"`
	Intercept    InterceptConfig    `mapstructure:"intercept"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// BrowserConfig configures the rendering host.
type BrowserConfig struct {
	UserAgent string `mapstructure:"user_agent"`
	PageURL   string `mapstructure:"page_url"`
	Headless  bool   `mapstructure:"headless"`
	NoSandbox bool   `mapstructure:"no_sandbox"`
	ExecPath  string `mapstructure:"exec_path"`
}

// InterceptConfig holds the URL patterns that select exchanges to capture.
type InterceptConfig struct {
	DetailPattern string `mapstructure:"detail_pattern"`
	ImagePattern  string `mapstructure:"image_pattern"`
}

// OrchestratorConfig sets the control-loop timings.
type OrchestratorConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	NavigationDelay time.Duration `mapstructure:"navigation_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// CatalogConfig configures the catalog API client and the direct fetch path.
type CatalogConfig struct {
	SearchURL       string        `mapstructure:"search_url"`
	ImageURL        string        `mapstructure:"image_url"`
	DetailURL       string        `mapstructure:"detail_url"`
	Referer         string        `mapstructure:"referer"`
	AcceptLanguage  string        `mapstructure:"accept_language"`
	RequestInterval time.Duration `mapstructure:"request_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MaxPages        int           `mapstructure:"max_pages"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DirectFetch     bool          `mapstructure:"direct_fetch"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig exposes the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRYPKO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultUserAgent is the browser identity sent to the site and the catalog API.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/67.0.3396.79 Safari/537.36"

func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.user_agent", DefaultUserAgent)
	v.SetDefault("browser.page_url", "https://crypko.ai/#/card/%s")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("intercept.detail_pattern", `https://api\.crypko\.ai/crypkos/(\d+)/detail`)
	v.SetDefault("intercept.image_pattern", `https://img\.crypko\.ai/daisy/([A-Za-z0-9]+)_lg\.jpg`)
	v.SetDefault("orchestrator.timeout", 30*time.Second)
	v.SetDefault("orchestrator.navigation_delay", 2*time.Second)
	v.SetDefault("orchestrator.poll_interval", time.Second)
	v.SetDefault("catalog.search_url", "https://api.crypko.ai/crypkos/search")
	v.SetDefault("catalog.image_url", "https://img.crypko.ai/daisy/%s_lg.jpg")
	v.SetDefault("catalog.detail_url", "https://api.crypko.ai/crypkos/%s/detail")
	v.SetDefault("catalog.referer", "https://crypko.ai/")
	v.SetDefault("catalog.accept_language", "ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("catalog.request_interval", 1500*time.Millisecond)
	v.SetDefault("catalog.max_attempts", 10)
	v.SetDefault("catalog.max_pages", 999)
	v.SetDefault("catalog.request_timeout", 30*time.Second)
	v.SetDefault("catalog.direct_fetch", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Browser.UserAgent == "" {
		return fmt.Errorf("browser.user_agent must be set")
	}
	if !strings.Contains(c.Browser.PageURL, "%s") {
		return fmt.Errorf("browser.page_url must contain %%s")
	}
	if _, err := regexp.Compile(c.Intercept.DetailPattern); err != nil || c.Intercept.DetailPattern == "" {
		return fmt.Errorf("intercept.detail_pattern is not a valid pattern: %q", c.Intercept.DetailPattern)
	}
	if _, err := regexp.Compile(c.Intercept.ImagePattern); err != nil || c.Intercept.ImagePattern == "" {
		return fmt.Errorf("intercept.image_pattern is not a valid pattern: %q", c.Intercept.ImagePattern)
	}
	if c.Orchestrator.Timeout <= 0 {
		return fmt.Errorf("orchestrator.timeout must be > 0")
	}
	if c.Orchestrator.NavigationDelay < 0 {
		return fmt.Errorf("orchestrator.navigation_delay must be >= 0")
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator.poll_interval must be > 0")
	}
	if c.Catalog.SearchURL == "" {
		return fmt.Errorf("catalog.search_url must be set")
	}
	if !strings.Contains(c.Catalog.ImageURL, "%s") {
		return fmt.Errorf("catalog.image_url must contain %%s")
	}
	if !strings.Contains(c.Catalog.DetailURL, "%s") {
		return fmt.Errorf("catalog.detail_url must contain %%s")
	}
	if c.Catalog.MaxAttempts <= 0 {
		return fmt.Errorf("catalog.max_attempts must be > 0")
	}
	if c.Catalog.MaxPages <= 0 {
		return fmt.Errorf("catalog.max_pages must be > 0")
	}
	if c.Catalog.RequestInterval < 0 {
		return fmt.Errorf("catalog.request_interval must be >= 0")
	}
	if c.Catalog.RequestTimeout <= 0 {
		return fmt.Errorf("catalog.request_timeout must be > 0")
	}
	return nil
}
