// Package search implements the web search helper: query a Bing custom
// search endpoint, fetch the top results and return their text as a tagged
// block a model can read.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/enesunal-m/rtrelay"
	"github.com/enesunal-m/rtrelay/internal/config"
	"github.com/enesunal-m/rtrelay/internal/metrics"
)

// Apology is returned by WebSearch when the search itself fails.
const Apology = "Sorry. I' not able to browse the web now."

// maxBody caps how much of a page or error response is read.
const maxBody = 4 << 20

var errNoKey = errors.New("search: subscription key is empty")

// Result is one web page hit.
type Result struct {
	URL     string
	Name    string
	Snippet string
}

// Client queries the search API and fetches result pages.
type Client struct {
	endpoint     string
	key          string
	market       string
	customConfig string
	topN         int
	fetchTimeout time.Duration

	http    *http.Client
	log     *rtrelay.Logger
	metrics *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l *rtrelay.Logger) Option { return func(c *Client) { c.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func New(cfg config.SearchConfig, opts ...Option) *Client {
	c := &Client{
		endpoint:     cfg.Endpoint,
		key:          cfg.Key,
		market:       cfg.Market,
		customConfig: cfg.CustomConfig,
		topN:         cfg.TopN,
		fetchTimeout: cfg.FetchTimeoutDuration(),
		http:         http.DefaultClient,
	}
	if c.topN < 1 {
		c.topN = 3
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs query and returns the web page results in ranking order.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if c.key == "" {
		return nil, errNoKey
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	if c.market != "" {
		q.Set("mkt", c.market)
	}
	if c.customConfig != "" {
		q.Set("customconfig", c.customConfig)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("search: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("search: response is not valid JSON")
	}

	pages := gjson.GetBytes(body, "webPages.value")
	if !pages.IsArray() {
		return nil, errors.New("search: response has no webPages.value")
	}
	var results []Result
	for _, p := range pages.Array() {
		results = append(results, Result{
			URL:     p.Get("url").String(),
			Name:    p.Get("name").String(),
			Snippet: p.Get("snippet").String(),
		})
	}
	return results, nil
}

// Fetch downloads rawURL and returns its visible text with blank lines
// collapsed.
func (c *Client) Fetch(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	text, err := HTMLText(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return CollapseBlankLines(text), nil
}

// WebSearch searches query, fetches the top results concurrently and
// renders them. A page that cannot be fetched renders with an empty body.
// Any failure of the search itself yields Apology.
func (c *Client) WebSearch(ctx context.Context, query string) string {
	results, err := c.Search(ctx, query)
	if err != nil {
		c.log.Warn("web_search_failed", map[string]any{"query": query, "err": err})
		c.metrics.SearchDone("error")
		return Apology
	}
	if len(results) > c.topN {
		results = results[:c.topN]
	}

	pages := make([]string, len(results))
	var g errgroup.Group
	for i, r := range results {
		g.Go(func() error {
			text, err := c.Fetch(ctx, r.URL)
			if err != nil {
				c.log.Debug("page_fetch_failed", map[string]any{"url": r.URL, "err": err})
				c.metrics.PageFetched("error")
				return nil
			}
			c.metrics.PageFetched("ok")
			pages[i] = text
			return nil
		})
	}
	_ = g.Wait()

	c.metrics.SearchDone("ok")
	return Render(results, pages)
}

// Render formats results with their page texts.
func Render(results []Result, pages []string) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = fmt.Sprintf("<Webpage url=\"%s\" title=\"%s\" snippet=\"%s\">\n%s\n</Webpage>",
			r.URL, r.Name, r.Snippet, pages[i])
	}
	return "<Search_Results>\n" + strings.Join(blocks, "\n") + "\n</Search_Results>"
}
