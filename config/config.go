package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment variable override, e.g.
// MERCURY_AUTH_USERNAME or MERCURY_CRAWL_MAX_PAGES.
const EnvPrefix = "MERCURY"

// Config holds all application configuration.
type Config struct {
	Portal  PortalConfig  `mapstructure:"portal"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Browser BrowserConfig `mapstructure:"browser"`
	Scraper ScraperConfig `mapstructure:"scraper"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Output  OutputConfig  `mapstructure:"output"`
	Server  ServerConfig  `mapstructure:"server"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Log     LogConfig     `mapstructure:"log"`
}

// PortalConfig points the crawler at a portal and its extraction schema.
type PortalConfig struct {
	// BaseURL overrides the schema's base_url when set.
	BaseURL string `mapstructure:"base_url"`

	// Schema is a path to a YAML extraction schema. Empty selects the
	// built-in Mercury schema.
	Schema string `mapstructure:"schema"`
}

// AuthConfig holds portal credentials. Usually supplied through the
// environment or a .env file rather than the config file.
type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// BrowserConfig controls the automation backend.
type BrowserConfig struct {
	// Engine selects the backend: rod, playwright, chromedp or http.
	Engine string `mapstructure:"engine"` // default: "rod"

	Headless  bool `mapstructure:"headless"`   // default: true
	NoSandbox bool `mapstructure:"no_sandbox"` // needed in Docker

	// Bin overrides the Chromium binary path.
	Bin   string `mapstructure:"bin"`
	Proxy string `mapstructure:"proxy"`

	// Stealth injects anti-detection scripts (rod only).
	Stealth bool `mapstructure:"stealth"` // default: true

	// BlockedResources lists resource types that are never loaded,
	// e.g. image, font, media.
	BlockedResources []string `mapstructure:"blocked_resources"`

	UserAgent string            `mapstructure:"user_agent"`
	Headers   map[string]string `mapstructure:"headers"`
}

// ScraperConfig bounds per-page browser work.
type ScraperConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"` // default: 30s
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`       // default: 15s

	// SettleDelay is an extra pause after the wait selector appears, for
	// portals that keep rendering after the first match.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// CrawlConfig bounds a whole run.
type CrawlConfig struct {
	MaxPages   int           `mapstructure:"max_pages"`   // default: 500
	MaxRecords int           `mapstructure:"max_records"` // 0 = unlimited
	Delay      time.Duration `mapstructure:"delay"`       // default: 2s
	RunTimeout time.Duration `mapstructure:"run_timeout"` // 0 = unlimited

	// Detail follows each listing record's link when the schema has a
	// detail block.
	Detail bool `mapstructure:"detail"` // default: true
}

// OutputConfig controls where results are written.
type OutputConfig struct {
	Dir    string `mapstructure:"dir"`    // default: "."
	Prefix string `mapstructure:"prefix"` // default: "mercury_investors"
}

// ServerConfig controls the serve-mode HTTP server.
type ServerConfig struct {
	Host string `mapstructure:"host"` // default: "0.0.0.0"
	Port int    `mapstructure:"port"` // default: 8080
	Mode string `mapstructure:"mode"` // "debug", "release", "test"; default: "release"

	// APIKeys are accepted Bearer tokens. Empty disables auth.
	APIKeys []string `mapstructure:"api_keys"`

	RateRPS   float64 `mapstructure:"rate_rps"`   // default: 1
	RateBurst int     `mapstructure:"rate_burst"` // default: 5

	// MaxRuns is how many finished runs are kept in memory.
	MaxRuns int           `mapstructure:"max_runs"` // default: 50
	RunTTL  time.Duration `mapstructure:"run_ttl"`  // default: 24h
}

// NotifyConfig controls the optional completion webhook.
type NotifyConfig struct {
	WebhookURL    string        `mapstructure:"webhook_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"` // default: 30s
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // default: "info"
	Format string `mapstructure:"format"` // "json" or "console"; default: "json"
}

// Engines lists the accepted browser.engine values.
var Engines = []string{"rod", "playwright", "chromedp", "http"}

// Load reads configuration from defaults, an optional YAML file and
// MERCURY_* environment variables, in increasing precedence. With an empty
// path it looks for mercury.yaml in the working directory and tolerates its
// absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mercury")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "")
	v.SetDefault("portal.schema", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("browser.engine", "rod")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.blocked_resources", []string{"image", "font", "media"})
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("scraper.navigation_timeout", 30*time.Second)
	v.SetDefault("scraper.wait_timeout", 15*time.Second)
	v.SetDefault("scraper.settle_delay", time.Duration(0))
	v.SetDefault("crawl.max_pages", 500)
	v.SetDefault("crawl.max_records", 0)
	v.SetDefault("crawl.delay", 2*time.Second)
	v.SetDefault("crawl.run_timeout", time.Duration(0))
	v.SetDefault("crawl.detail", true)
	v.SetDefault("output.dir", ".")
	v.SetDefault("output.prefix", "mercury_investors")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("server.rate_rps", 1.0)
	v.SetDefault("server.rate_burst", 5)
	v.SetDefault("server.max_runs", 50)
	v.SetDefault("server.run_ttl", 24*time.Hour)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_secret", "")
	v.SetDefault("notify.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	engineOK := false
	for _, e := range Engines {
		if strings.EqualFold(c.Browser.Engine, e) {
			engineOK = true
			break
		}
	}
	if !engineOK {
		errs = append(errs, fmt.Sprintf("browser.engine %q must be one of %s", c.Browser.Engine, strings.Join(Engines, ", ")))
	}

	if c.Portal.BaseURL != "" {
		if u, err := url.Parse(c.Portal.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "portal.base_url must be an absolute URL")
		}
	}

	if c.Scraper.NavigationTimeout <= 0 {
		errs = append(errs, "scraper.navigation_timeout must be > 0")
	}
	if c.Scraper.WaitTimeout <= 0 {
		errs = append(errs, "scraper.wait_timeout must be > 0")
	}
	if c.Scraper.SettleDelay < 0 {
		errs = append(errs, "scraper.settle_delay must be >= 0")
	}

	if c.Crawl.MaxPages <= 0 {
		errs = append(errs, "crawl.max_pages must be > 0")
	}
	if c.Crawl.MaxRecords < 0 {
		errs = append(errs, "crawl.max_records must be >= 0")
	}
	if c.Crawl.Delay < 0 {
		errs = append(errs, "crawl.delay must be >= 0")
	}
	if c.Crawl.RunTimeout < 0 {
		errs = append(errs, "crawl.run_timeout must be >= 0")
	}

	if c.Output.Prefix == "" {
		errs = append(errs, "output.prefix must not be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.RateRPS <= 0 {
		errs = append(errs, "server.rate_rps must be > 0")
	}
	if c.Server.RateBurst <= 0 {
		errs = append(errs, "server.rate_burst must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger configures the global zap logger from cfg.
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
