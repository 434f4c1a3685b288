package toolbuiltin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xhtml "golang.org/x/net/html"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/transcript"
)

const (
	webSearchName             = "WebSearch"
	duckDuckGoFormContentType = "application/x-www-form-urlencoded"
	defaultSearchUserAgent    = "Mozilla/5.0 (compatible; sessionkit/1.0; +https://github.com/cexll/sessionkit)"
	defaultSearchTimeout      = 15 * time.Second
	defaultMaxResults         = 8
	maxSearchBodyBytes        = 2 << 20
)

var duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// SearchResult is one hit of a web search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearchOptions tunes WebSearch. Zero values select defaults.
type WebSearchOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxResults int
	UserAgent  string
}

// WebSearch queries the DuckDuckGo HTML endpoint.
type WebSearch struct {
	client     *http.Client
	timeout    time.Duration
	maxResults int
	userAgent  string
}

// NewWebSearch builds the tool; opts may be nil.
func NewWebSearch(opts *WebSearchOptions) *WebSearch {
	var cfg WebSearchOptions
	if opts != nil {
		cfg = *opts
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSearchTimeout
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultSearchUserAgent
	}
	return &WebSearch{client: cfg.HTTPClient, timeout: cfg.Timeout, maxResults: cfg.MaxResults, userAgent: cfg.UserAgent}
}

// Definition declares the tool to the model.
func (w *WebSearch) Definition() transcript.ToolDefinition {
	domains := content.ArraySchema(content.StringSchema())
	return transcript.ToolDefinition{
		Name:        webSearchName,
		Description: "Search the web and return result titles, URLs and snippets. Optionally restrict or exclude domains.",
		Parameters: content.ObjectSchema("WebSearch").
			Property("query", content.StringSchema().Describe("search query, at least 2 characters")).
			Optional("allowed_domains", domains.Describe("only return results from these domains")).
			Optional("blocked_domains", domains.Describe("never return results from these domains")).
			MustBuild(),
	}
}

// Execute runs the search. The first segment is a readable listing; the
// second carries the results as structured content.
func (w *WebSearch) Execute(ctx context.Context, args content.Value) ([]transcript.Segment, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}
	if args.Kind() != content.KindObject {
		return nil, errors.New("arguments must be an object")
	}
	rawQuery, _ := args.Field("query")
	query, _ := rawQuery.AsString()
	query = strings.TrimSpace(query)
	if len(query) < 2 {
		return nil, errors.New("query must be at least 2 characters")
	}
	allowed, err := domainList(args, "allowed_domains")
	if err != nil {
		return nil, err
	}
	blocked, err := domainList(args, "blocked_domains")
	if err != nil {
		return nil, err
	}

	results, err := w.search(ctx, query)
	if err != nil {
		return nil, err
	}
	results = filterResults(results, allowed, blocked)
	if len(results) > w.maxResults {
		results = results[:w.maxResults]
	}

	structured, err := content.FromAny(map[string]any{"query": query, "results": resultsAny(results)})
	if err != nil {
		return nil, err
	}
	return []transcript.Segment{
		transcript.Text(formatSearchOutput(query, results)),
		transcript.Structured(structured, webSearchName),
	}, nil
}

func (w *WebSearch) search(ctx context.Context, query string) ([]SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("q", query)
	form.Set("kl", "us-en")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, duckDuckGoEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", duckDuckGoFormContentType)
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("search upstream returned status %d", resp.StatusCode)
	}
	doc, err := xhtml.Parse(io.LimitReader(resp.Body, maxSearchBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}
	return deduplicateResults(parseResults(doc)), nil
}

func domainList(args content.Value, field string) ([]string, error) {
	raw, ok := args.Field(field)
	if !ok || raw.IsNull() {
		return nil, nil
	}
	if raw.Kind() != content.KindArray {
		return nil, fmt.Errorf("%s must be an array of strings", field)
	}
	var out []string
	for _, item := range raw.Items() {
		s, ok := item.AsString()
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", field)
		}
		out = append(out, s)
	}
	return normaliseDomains(out), nil
}

func normaliseDomains(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func filterResults(results []SearchResult, allowed, blocked []string) []SearchResult {
	if len(allowed) == 0 && len(blocked) == 0 {
		return results
	}
	var out []SearchResult
	for _, r := range results {
		host := extractHost(r.URL)
		if len(allowed) > 0 && !matchesDomain(host, allowed) {
			continue
		}
		if matchesDomain(host, blocked) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func extractHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func parseResults(doc *xhtml.Node) []SearchResult {
	var results []SearchResult
	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode && nodeHasClass(n, "result") {
			if r, ok := parseResult(n); ok {
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

func parseResult(n *xhtml.Node) (SearchResult, bool) {
	var r SearchResult
	var fallback string
	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode {
			switch {
			case nodeHasClass(n, "result__a"):
				var b strings.Builder
				collectNodeText(n, &b)
				r.Title = collapseWhitespace(b.String())
				r.URL = cleanResultURL(attr(n, "href"))
			case nodeHasClass(n, "result__url"):
				var b strings.Builder
				collectNodeText(n, &b)
				fallback = collapseWhitespace(b.String())
			case nodeHasClass(n, "result__snippet"):
				var b strings.Builder
				collectNodeText(n, &b)
				r.Snippet = collapseWhitespace(b.String())
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	if r.URL == "" && fallback != "" {
		if !strings.Contains(fallback, "://") {
			fallback = "https://" + fallback
		}
		r.URL = cleanResultURL(fallback)
	}
	return r, r.URL != ""
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeHasClass(n *xhtml.Node, class string) bool {
	if n == nil || class == "" {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func collectNodeText(n *xhtml.Node, b *strings.Builder) {
	if n == nil {
		return
	}
	if n.Type == xhtml.TextNode {
		b.WriteString(n.Data)
		return
	}
	if n.Type == xhtml.ElementNode && n.Data == "br" {
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectNodeText(c, b)
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanResultURL unwraps DuckDuckGo redirect links and keeps only http(s)
// URLs without fragments.
func cleanResultURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return ""
	}
	if strings.HasPrefix(decoded, "//") {
		decoded = "https:" + decoded
	}
	u, err := url.Parse(decoded)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" && strings.HasSuffix(u.Hostname(), "duckduckgo.com") {
		return cleanResultURL(target)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func deduplicateResults(in []SearchResult) []SearchResult {
	var out []SearchResult
	seen := map[string]bool{}
	for _, r := range in {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, r)
	}
	return out
}

func resultsAny(results []SearchResult) []any {
	out := make([]any, len(results))
	for i, r := range results {
		item := map[string]any{"title": r.Title, "url": r.URL}
		if r.Snippet != "" {
			item["snippet"] = r.Snippet
		}
		out[i] = item
	}
	return out
}

func formatSearchOutput(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
