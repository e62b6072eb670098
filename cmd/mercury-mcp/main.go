package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/api/handler"
	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/crawler"
	"github.com/use-agent/mercury-crawler/models"
)

// smokeResult is the smoke_test tool output.
type smokeResult struct {
	Page    models.Cursor     `json:"page"`
	Count   int               `json:"count"`
	Issues  []string          `json:"issues,omitempty"`
	Records []models.Record   `json:"records"`
	Summary models.RunSummary `json:"summary"`
}

// tools runs crawls in-process. The browser session is exclusive, so tool
// calls are serialised.
type tools struct {
	cfg  *config.Config
	opts crawler.Options
	mu   sync.Mutex
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load(os.Getenv("MERCURY_CONFIG"))
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	// zap writes to stderr; stdout carries the MCP protocol.
	if err := config.InitLogger(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	schema, err := crawler.LoadSchema(cfg.Portal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schema: %v\n", err)
		os.Exit(2)
	}

	opts := crawler.OptionsFromConfig(cfg, schema)
	opts.Logger = zap.L()
	t := &tools{cfg: cfg, opts: opts}

	s := server.NewMCPServer(
		"mercury-crawler",
		handler.Version,
		server.WithToolCapabilities(false),
	)

	smokeTool := mcp.NewTool("smoke_test",
		mcp.WithDescription("Log in to the investor portal, extract a single listing page and return its records without writing a file. Use it to check that the extraction schema still matches the site."),
		mcp.WithString("url",
			mcp.Description("Listing page to test (default: the first listing page)"),
		),
		mcp.WithNumber("detail_limit",
			mcp.Description("Enrich the first N records from their profile pages (default: 3)"),
		),
	)
	s.AddTool(smokeTool, t.handleSmoke)

	crawlTool := mcp.NewTool("crawl_investors",
		mcp.WithDescription("Run a full crawl of the investor database and write the JSON result file. Returns the run summary including the output path."),
		mcp.WithNumber("max_pages",
			mcp.Description("Maximum number of listing pages to visit (default: configured crawl.max_pages)"),
		),
		mcp.WithNumber("max_records",
			mcp.Description("Stop after this many records (default: configured crawl.max_records, 0 = no limit)"),
		),
		mcp.WithBoolean("detail",
			mcp.Description("Enrich records from their profile pages (default: configured crawl.detail)"),
		),
	)
	s.AddTool(crawlTool, t.handleCrawl)

	if err := server.ServeStdio(s); err != nil {
		zap.L().Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func (t *tools) handleSmoke(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := crawler.New(t.opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := r.Smoke(ctx, crawler.SmokeOptions{
		URL:         request.GetString("url", ""),
		DetailLimit: request.GetInt("detail_limit", 3),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("smoke test failed: %v", err)), nil
	}

	out := smokeResult{Page: res.Page, Count: len(res.Records), Records: res.Records, Summary: res.Summary}
	for _, is := range res.Issues {
		out.Issues = append(out.Issues, is.Error())
	}
	return jsonResult(out)
}

func (t *tools) handleCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req := models.RunRequest{
		MaxPages:   request.GetInt("max_pages", 0),
		MaxRecords: request.GetInt("max_records", 0),
	}
	if args := request.GetArguments(); args != nil {
		if _, ok := args["detail"]; ok {
			d := request.GetBool("detail", t.cfg.Crawl.Detail)
			req.Detail = &d
		}
	}
	if req.MaxPages < 0 || req.MaxRecords < 0 {
		return mcp.NewToolResultError("max_pages and max_records must be >= 0"), nil
	}

	r, err := crawler.New(t.opts.Apply(req))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := r.Run(ctx)
	if err != nil && (res == nil || res.Summary.OutputPath == "") {
		return mcp.NewToolResultError(fmt.Sprintf("crawl failed: %v", err)), nil
	}
	// A run that stopped early but wrote its file still reports its summary.
	return jsonResult(models.RunResponse{Success: err == nil, Run: res.Summary})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
