package crawler

import (
	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/engine"
	"github.com/use-agent/mercury-crawler/extractor"
	"github.com/use-agent/mercury-crawler/models"
)

// LoadSchema loads the schema named by portal.schema and applies the
// portal.base_url override.
func LoadSchema(portal config.PortalConfig) (*extractor.Schema, error) {
	schema, err := extractor.LoadSchema(portal.Schema)
	if err != nil {
		return nil, err
	}
	if portal.BaseURL != "" {
		schema = schema.WithBaseURL(portal.BaseURL)
		if err := schema.Validate(); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

// OptionsFromConfig builds Runner options from the loaded configuration.
// The engine factory opens the configured backend.
func OptionsFromConfig(cfg *config.Config, schema *extractor.Schema) Options {
	return Options{
		Schema:      schema,
		Credentials: Credentials{Username: cfg.Auth.Username, Password: cfg.Auth.Password},
		Crawl:       cfg.Crawl,
		Scraper:     cfg.Scraper,
		Output:      cfg.Output,
		NewEngine:   engine.NewFactory(cfg.Browser, cfg.Scraper),
	}
}

// Apply overrides the crawl limits with the non-zero values of req.
func (o Options) Apply(req models.RunRequest) Options {
	if req.MaxPages > 0 {
		o.Crawl.MaxPages = req.MaxPages
	}
	if req.MaxRecords > 0 {
		o.Crawl.MaxRecords = req.MaxRecords
	}
	if req.Detail != nil {
		o.Crawl.Detail = *req.Detail
	}
	return o
}
