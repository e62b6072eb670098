package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "rod", cfg.Browser.Engine)
	assert.True(t, cfg.Browser.Headless)
	assert.True(t, cfg.Browser.Stealth)
	assert.Equal(t, []string{"image", "font", "media"}, cfg.Browser.BlockedResources)
	assert.Equal(t, 30*time.Second, cfg.Scraper.NavigationTimeout)
	assert.Equal(t, 15*time.Second, cfg.Scraper.WaitTimeout)
	assert.Equal(t, 500, cfg.Crawl.MaxPages)
	assert.Equal(t, 0, cfg.Crawl.MaxRecords)
	assert.Equal(t, 2*time.Second, cfg.Crawl.Delay)
	assert.True(t, cfg.Crawl.Detail)
	assert.Equal(t, ".", cfg.Output.Dir)
	assert.Equal(t, "mercury_investors", cfg.Output.Prefix)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
browser:
  engine: http
  headers:
    Accept-Language: en-US
crawl:
  max_pages: 3
  delay: 500ms
output:
  dir: out
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mercury.yaml"), []byte(yaml), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Browser.Engine)
	assert.Equal(t, "en-US", cfg.Browser.Headers["accept-language"])
	assert.Equal(t, 3, cfg.Crawl.MaxPages)
	assert.Equal(t, 500*time.Millisecond, cfg.Crawl.Delay)
	assert.Equal(t, "out", cfg.Output.Dir)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, "mercury_investors", cfg.Output.Prefix)
}

func TestLoadExplicitPathMissing(t *testing.T) {
	dir := chdirTemp(t)

	_, err := Load(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
auth:
  username: file-user
crawl:
  max_pages: 3
`
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	t.Setenv("MERCURY_AUTH_USERNAME", "env-user")
	t.Setenv("MERCURY_AUTH_PASSWORD", "s3cret")
	t.Setenv("MERCURY_CRAWL_MAX_PAGES", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-user", cfg.Auth.Username)
	assert.Equal(t, "s3cret", cfg.Auth.Password)
	assert.Equal(t, 9, cfg.Crawl.MaxPages)
}

func TestLoadEnvAPIKeys(t *testing.T) {
	chdirTemp(t)
	t.Setenv("MERCURY_SERVER_API_KEYS", "k1,k2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
}

func TestValidate(t *testing.T) {
	chdirTemp(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown engine", func(c *Config) { c.Browser.Engine = "selenium" }, "browser.engine"},
		{"engine case insensitive", func(c *Config) { c.Browser.Engine = "Chromedp" }, ""},
		{"zero max pages", func(c *Config) { c.Crawl.MaxPages = 0 }, "crawl.max_pages"},
		{"negative max records", func(c *Config) { c.Crawl.MaxRecords = -1 }, "crawl.max_records"},
		{"negative delay", func(c *Config) { c.Crawl.Delay = -time.Second }, "crawl.delay"},
		{"zero wait timeout", func(c *Config) { c.Scraper.WaitTimeout = 0 }, "scraper.wait_timeout"},
		{"relative base url", func(c *Config) { c.Portal.BaseURL = "/investors" }, "portal.base_url"},
		{"empty prefix", func(c *Config) { c.Output.Prefix = "" }, "output.prefix"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	require.Error(t, err)
}
