package engine

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	nurl "net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/go-resty/resty/v2"
	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/html"

	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/models"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"

// HTTPEngine is a browserless backend for portals that render server-side.
// It runs no JavaScript; Fill and Click emulate a form submission by
// serialising the form that owns the clicked control.
type HTTPEngine struct {
	client *resty.Client

	doc     *goquery.Document
	root    *html.Node
	raw     string
	current *nurl.URL

	// pending holds Fill values by input name until the next Click.
	pending map[string]string
}

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	// Go's http.Transport cannot speak h2 over a utls connection.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

func newChromeTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("http_engine: apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2: false,
	}
}

// NewHTTPEngine creates a resty client with a Chrome TLS fingerprint and a
// cookie jar that carries the login session across requests.
func NewHTTPEngine(browserCfg config.BrowserConfig, scraperCfg config.ScraperConfig) (*HTTPEngine, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to create cookie jar", err)
	}

	ua := browserCfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	client := resty.New().
		SetTransport(newChromeTransport()).
		SetCookieJar(jar).
		SetTimeout(scraperCfg.NavigationTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("User-Agent", ua).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.9")
	if browserCfg.Proxy != "" {
		client.SetProxy(browserCfg.Proxy)
	}
	for k, v := range browserCfg.Headers {
		client.SetHeader(k, v)
	}

	return &HTTPEngine{client: client, pending: make(map[string]string)}, nil
}

func (e *HTTPEngine) Name() string { return NameHTTP }

func (e *HTTPEngine) Navigate(ctx context.Context, url string) error {
	resp, err := e.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return err
	}
	return e.load(resp)
}

// load replaces the current document with the response body.
func (e *HTTPEngine) load(resp *resty.Response) error {
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("http_engine: %s returned status %d", resp.Request.URL, resp.StatusCode())
	}
	body := resp.Body()
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http_engine: parse html: %w", err)
	}

	e.root = root
	e.doc = goquery.NewDocumentFromNode(root)
	e.raw = string(body)
	e.current = nil
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		e.current = resp.RawResponse.Request.URL
	} else if u, err := nurl.Parse(resp.Request.URL); err == nil {
		e.current = u
	}
	e.doc.Url = e.current
	clear(e.pending)
	return nil
}

// WaitFor succeeds immediately when selector matches. A static document
// never changes, so there is nothing to wait for otherwise.
func (e *HTTPEngine) WaitFor(ctx context.Context, selector string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nodes, err := e.query(selector)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: %q not in static document", ErrWaitTimeout, selector)
	}
	return nil
}

func (e *HTTPEngine) QueryAll(_ context.Context, selector string) ([]string, error) {
	nodes, err := e.query(selector)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		var buf bytes.Buffer
		if err := html.Render(&buf, n); err != nil {
			return nil, err
		}
		out = append(out, buf.String())
	}
	return out, nil
}

func (e *HTTPEngine) query(selector string) ([]*html.Node, error) {
	if e.root == nil {
		return nil, nil
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("http_engine: invalid selector %q: %w", selector, err)
	}
	return cascadia.QueryAll(e.root, sel), nil
}

func (e *HTTPEngine) HTML(_ context.Context) (string, error) {
	if e.root == nil {
		return "", fmt.Errorf("http_engine: no document loaded")
	}
	return e.raw, nil
}

func (e *HTTPEngine) URL(_ context.Context) string {
	if e.current == nil {
		return ""
	}
	return e.current.String()
}

// Fill records value for the named input matching selector.
func (e *HTTPEngine) Fill(_ context.Context, selector, value string) error {
	s, err := e.find(selector)
	if err != nil {
		return err
	}
	name, ok := s.Attr("name")
	if !ok || name == "" {
		return fmt.Errorf("http_engine: %q has no name attribute", selector)
	}
	e.pending[name] = value
	return nil
}

// Click follows a link or submits the form that owns the control.
func (e *HTTPEngine) Click(ctx context.Context, selector string) error {
	s, err := e.find(selector)
	if err != nil {
		return err
	}

	form := s.Closest("form")
	if form.Length() == 0 {
		if goquery.NodeName(s) == "form" {
			form = s
		} else if href, ok := s.Attr("href"); ok {
			return e.Navigate(ctx, e.resolve(href))
		} else {
			return fmt.Errorf("http_engine: %q is neither a link nor inside a form", selector)
		}
	}

	values := formValues(form, s)
	for k, v := range e.pending {
		values.Set(k, v)
	}

	action := e.resolve(form.AttrOr("action", ""))
	method := strings.ToUpper(form.AttrOr("method", http.MethodGet))

	req := e.client.R().SetContext(ctx)
	var resp *resty.Response
	if method == http.MethodPost {
		resp, err = req.SetFormDataFromValues(values).Post(action)
	} else {
		u, perr := nurl.Parse(action)
		if perr != nil {
			return perr
		}
		u.RawQuery = values.Encode()
		resp, err = req.Get(u.String())
	}
	if err != nil {
		return err
	}
	return e.load(resp)
}

func (e *HTTPEngine) find(selector string) (*goquery.Selection, error) {
	if e.doc == nil {
		return nil, fmt.Errorf("http_engine: no document loaded")
	}
	s := e.doc.Find(selector).First()
	if s.Length() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, selector)
	}
	return s, nil
}

func (e *HTTPEngine) resolve(ref string) string {
	if e.current == nil {
		return ref
	}
	u, err := e.current.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func (e *HTTPEngine) Close() error {
	e.client.GetClient().CloseIdleConnections()
	return nil
}

// formValues serialises form the way a browser would when submitter is
// clicked: successful controls only, and the submitter's own name=value.
func formValues(form, submitter *goquery.Selection) nurl.Values {
	values := nurl.Values{}
	form.Find("input[name], select[name], textarea[name]").Each(func(_ int, s *goquery.Selection) {
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}
		name := s.AttrOr("name", "")
		switch goquery.NodeName(s) {
		case "select":
			opt := s.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = s.Find("option").First()
			}
			if opt.Length() > 0 {
				values.Add(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
			}
		case "textarea":
			values.Add(name, s.Text())
		default:
			switch strings.ToLower(s.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset", "file":
				return
			case "checkbox", "radio":
				if _, checked := s.Attr("checked"); !checked {
					return
				}
				values.Add(name, s.AttrOr("value", "on"))
			default:
				values.Add(name, s.AttrOr("value", ""))
			}
		}
	})
	if name, ok := submitter.Attr("name"); ok && name != "" {
		values.Set(name, submitter.AttrOr("value", ""))
	}
	return values
}
