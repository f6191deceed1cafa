package catalog

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/metrics"
)

// Entry is one card from the search results. Noise and Attrs address the
// artifact without rendering the card page.
type Entry struct {
	ID    int64  `json:"id"`
	Noise string `json:"noise"`
	Attrs string `json:"attrs"`
}

type searchResult struct {
	TotalMatched int64    `json:"totalMatched"`
	Crypkos      *[]Entry `json:"crypkos"`
}

// OwnerFilter selects cards owned by addr.
func OwnerFilter(addr string) string {
	return "ownerAddr=" + url.QueryEscape(addr)
}

// LikedByFilter selects cards liked by addr.
func LikedByFilter(addr string) string {
	return "filters=" + url.QueryEscape("liked:"+addr)
}

// CrawlerConfig controls pagination.
type CrawlerConfig struct {
	// SearchURL is the search endpoint without a query string.
	SearchURL string
	// MaxPages caps pagination; the crawl normally ends at an empty page.
	MaxPages int
}

// Crawler enumerates the search endpoint into a sorted, de-duplicated list.
type Crawler struct {
	cfg    CrawlerConfig
	client *Client
	policy *FixedRetryPolicy
	sleep  Sleeper
	logger *zap.Logger
}

// NewCrawler builds a Crawler. A nil sleep uses Sleep.
func NewCrawler(cfg CrawlerConfig, client *Client, policy *FixedRetryPolicy, sleep Sleeper, logger *zap.Logger) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 999
	}
	if policy == nil {
		policy = NewFixedRetryPolicy(0, -1)
	}
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{cfg: cfg, client: client, policy: policy, sleep: sleep, logger: logger}
}

// PageURL renders the search URL for filter and page. The page parameter is
// omitted for the first page.
func (c *Crawler) PageURL(filter string, page int) string {
	u := c.cfg.SearchURL + "?category=all&sort=-id"
	if filter != "" {
		u += "&" + filter
	}
	if page > 1 {
		u += "&page=" + strconv.Itoa(page)
	}
	return u
}

// Crawl walks the result pages until an empty page. A malformed body, a 4xx
// response or cancellation discards everything collected so far. A page that
// exhausts its attempt budget is skipped and the crawl moves on.
func (c *Crawler) Crawl(ctx context.Context, filter string) []Entry {
	seen := make(map[int64]Entry)
	defer func() {
		metrics.SetCatalogEntries(len(seen))
		c.logger.Info(fmt.Sprintf("Found %d cards", len(seen)), zap.Int("count", len(seen)))
	}()

	for page := 1; page <= c.cfg.MaxPages; page++ {
		pageURL := c.PageURL(filter, page)
		entries, total, err := c.fetchPageWithRetry(ctx, pageURL)
		switch Classify(err) {
		case ClassOK:
		case ClassTransient:
			c.logger.Warn("page failed after retries; skipping",
				zap.Int("page", page), zap.Int("attempts", c.policy.MaxAttempts()), zap.Error(err))
			continue
		default:
			c.logger.Error("crawl aborted; discarding results",
				zap.Int("page", page), zap.Int("discarded", len(seen)), zap.Error(err))
			clear(seen)
			return nil
		}

		if len(entries) == 0 {
			c.logger.Info("end of list", zap.Int("page", page))
			return sorted(seen)
		}
		for _, e := range entries {
			seen[e.ID] = e
		}
		metrics.ObserveCatalogPage()
		c.logger.Info("page fetched",
			zap.Int("page", page),
			zap.Int("count", len(seen)),
			zap.Int64("total_matched", total),
			zap.Int("percent", percent(len(seen), total)),
		)
	}
	c.logger.Warn("page limit reached", zap.Int("max_pages", c.cfg.MaxPages))
	return sorted(seen)
}

func (c *Crawler) fetchPageWithRetry(ctx context.Context, pageURL string) ([]Entry, int64, error) {
	for attempt := 1; ; attempt++ {
		if err := c.sleep(ctx, c.policy.Backoff()); err != nil {
			return nil, 0, err
		}
		entries, total, err := c.fetchPage(ctx, pageURL)
		metrics.ObserveCatalogRequest(string(Classify(err)))
		if err == nil {
			return entries, total, nil
		}
		if !c.policy.ShouldRetry(err, attempt) {
			return nil, 0, err
		}
		c.logger.Warn("page request failed; retrying",
			zap.String("url", pageURL), zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *Crawler) fetchPage(ctx context.Context, pageURL string) ([]Entry, int64, error) {
	body, err := c.client.Get(ctx, pageURL)
	if err != nil {
		return nil, 0, err
	}
	var res searchResult
	if err := json.Unmarshal(body, &res); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			c.logger.Debug("malformed body", zap.ByteString("body", body))
			return nil, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return nil, 0, fmt.Errorf("decode search result: %w", err)
	}
	if res.Crypkos == nil {
		return nil, 0, fmt.Errorf("search result has no crypkos list")
	}
	return *res.Crypkos, res.TotalMatched, nil
}

func sorted(seen map[int64]Entry) []Entry {
	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func percent(n int, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(int64(n) * 100 / total)
}
