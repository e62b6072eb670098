package extractor

import (
	nurl "net/url"
	"path"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// newMarkdownConverter creates a reusable, goroutine-safe Converter for
// markdown-formatted fields such as long bios.
func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}

// toMarkdown converts an HTML fragment. domain resolves relative links.
func toMarkdown(conv *converter.Converter, htmlContent string, domain string) (string, error) {
	md, err := conv.ConvertString(htmlContent, converter.WithDomain(domain))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

// normalizeSpace collapses runs of whitespace into single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var titleCaser = cases.Title(language.English)

// nameFromURL derives a display name from the last path segment of rawURL,
// e.g. /investor-database/jane-doe becomes "Jane Doe".
func nameFromURL(rawURL string) string {
	u, err := nurl.Parse(rawURL)
	if err != nil {
		return ""
	}
	seg := path.Base(strings.TrimRight(u.Path, "/"))
	if seg == "." || seg == "/" || seg == "" {
		return ""
	}
	if unescaped, err := nurl.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	seg = strings.NewReplacer("-", " ", "_", " ").Replace(seg)
	return titleCaser.String(normalizeSpace(seg))
}

// readabilityExcerpt runs Mozilla Readability over the page and returns the
// article excerpt, or "" when nothing usable was found.
func readabilityExcerpt(rawHTML, sourceURL string) string {
	parsedURL, err := nurl.Parse(sourceURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		zap.L().Debug("readability: extraction failed",
			zap.String("url", sourceURL), zap.Error(err))
		return ""
	}
	if excerpt := normalizeSpace(article.Excerpt); excerpt != "" {
		return excerpt
	}
	return normalizeSpace(article.TextContent)
}
