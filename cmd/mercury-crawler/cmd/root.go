package cmd

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/api/handler"
	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/crawler"
	"github.com/use-agent/mercury-crawler/extractor"
)

// app is the state shared by all subcommands once the root pre-run has
// loaded the configuration.
type app struct {
	cfg    *config.Config
	schema *extractor.Schema
}

type rootFlags struct {
	configPath string
	envFile    string
	schemaPath string
	baseURL    string
	engine     string
	headless   bool
	outputDir  string
	maxPages   int
	maxRecords int
	detail     bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var (
		f rootFlags
		a app
	)

	root := &cobra.Command{
		Use:           "mercury-crawler",
		Short:         "Crawl the Mercury investor database into a JSON file",
		Version:       handler.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd, f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "config file (default ./mercury.yaml when present)")
	pf.StringVar(&f.envFile, "env-file", ".env", "dotenv file with MERCURY_* variables; ignored when missing")
	pf.StringVar(&f.schemaPath, "schema", "", "extraction schema YAML (default: built-in Mercury schema)")
	pf.StringVar(&f.baseURL, "base-url", "", "override the portal base URL")
	pf.StringVar(&f.engine, "engine", "", "browser engine: "+strings.Join(config.Engines, ", "))
	pf.BoolVar(&f.headless, "headless", true, "run the browser headless")
	pf.StringVar(&f.outputDir, "output-dir", "", "directory for the result file")
	pf.IntVar(&f.maxPages, "max-pages", 0, "stop after this many listing pages")
	pf.IntVar(&f.maxRecords, "max-records", 0, "stop after this many records (0 = no limit)")
	pf.BoolVar(&f.detail, "detail", true, "enrich records from their profile pages")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newRunCmd(&a), newSmokeCmd(&a), newServeCmd(&a))
	return root
}

// load reads .env, the config file and the environment, applies flags and
// installs the logger.
func (a *app) load(cmd *cobra.Command, f rootFlags) error {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return usageError(err)
		}
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return usageError(err)
	}

	flags := cmd.Flags()
	if flags.Changed("schema") {
		cfg.Portal.Schema = f.schemaPath
	}
	if flags.Changed("base-url") {
		cfg.Portal.BaseURL = f.baseURL
	}
	if flags.Changed("engine") {
		cfg.Browser.Engine = f.engine
	}
	if flags.Changed("headless") {
		cfg.Browser.Headless = f.headless
	}
	if flags.Changed("output-dir") {
		cfg.Output.Dir = f.outputDir
	}
	if flags.Changed("max-pages") {
		cfg.Crawl.MaxPages = f.maxPages
	}
	if flags.Changed("max-records") {
		cfg.Crawl.MaxRecords = f.maxRecords
	}
	if flags.Changed("detail") {
		cfg.Crawl.Detail = f.detail
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return usageError(err)
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return usageError(err)
	}

	schema, err := crawler.LoadSchema(cfg.Portal)
	if err != nil {
		return usageError(err)
	}

	a.cfg, a.schema = cfg, schema
	zap.L().Debug("configuration loaded",
		zap.String("engine", cfg.Browser.Engine),
		zap.String("schema", schema.Name),
		zap.String("base_url", schema.BaseURL),
	)
	return nil
}

// runner builds a Runner for the loaded configuration.
func (a *app) runner(mutate func(*crawler.Options)) (*crawler.Runner, error) {
	opts := crawler.OptionsFromConfig(a.cfg, a.schema)
	opts.Logger = zap.L()
	if mutate != nil {
		mutate(&opts)
	}
	return crawler.New(opts)
}
