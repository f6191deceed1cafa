// Package queue turns a catalog listing into a sequence of download targets,
// skipping cards whose output already exists and fetching directly where the
// listing allows it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/catalog"
	"github.com/JakeFAU/crypko-downloader/internal/download"
	"github.com/JakeFAU/crypko-downloader/internal/metrics"
)

var trailingNumber = regexp.MustCompile(`(\d+)(\D*)$`)

// DerivePath replaces the last run of digits in the file name of template
// with id. Directory components are left alone. A file name without digits
// is returned unchanged.
func DerivePath(template string, id int64) string {
	dir, name := "", template
	if i := strings.LastIndex(template, "/"); i >= 0 {
		dir, name = template[:i+1], template[i+1:]
	}
	return dir + trailingNumber.ReplaceAllString(name, strconv.FormatInt(id, 10)+"${2}")
}

// HasNumber reports whether DerivePath can substitute into template.
func HasNumber(template string) bool {
	name := template
	if i := strings.LastIndex(template, "/"); i >= 0 {
		name = template[i+1:]
	}
	return trailingNumber.MatchString(name)
}

// DirectFetcher downloads a card without rendering its page.
type DirectFetcher interface {
	Fetch(ctx context.Context, entry catalog.Entry, target download.Target) error
}

// Config holds the output templates.
type Config struct {
	OutputTemplate   string
	MetadataTemplate string
}

// Summary counts what the consumer did with the listing.
type Summary struct {
	Total   int
	Skipped int
	Direct  int
}

// Consumer pops catalog entries in order. It implements download.TargetSource.
type Consumer struct {
	cfg    Config
	sink   download.Sink
	direct DirectFetcher
	logger *zap.Logger

	mu      sync.Mutex
	entries []catalog.Entry
	summary Summary
	touch   func()
	noticed bool
}

// New builds a Consumer over entries. direct may be nil.
func New(cfg Config, entries []catalog.Entry, sink download.Sink, direct DirectFetcher, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		cfg:     cfg,
		sink:    sink,
		direct:  direct,
		logger:  logger,
		entries: append([]catalog.Entry(nil), entries...),
		summary: Summary{Total: len(entries)},
	}
}

// OnPop registers fn to run for every entry taken off the listing.
func (c *Consumer) OnPop(fn func()) {
	c.mu.Lock()
	c.touch = fn
	c.mu.Unlock()
}

// Next returns the next entry that still needs the browser. Entries whose
// output exists are skipped and entries fetched directly are consumed. The
// skip count is logged once, at the first target found after a skip or when
// the listing runs out.
func (c *Consumer) Next(ctx context.Context) (download.Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.entries) > 0 {
		if ctx.Err() != nil {
			c.logger.Warn("queue interrupted", zap.Int("remaining", len(c.entries)), zap.Error(ctx.Err()))
			return download.Target{}, false
		}
		entry := c.entries[0]
		c.entries = c.entries[1:]
		if c.touch != nil {
			c.touch()
		}

		target := c.targetFor(entry)
		if c.exists(ctx, target.OutputPath) {
			c.summary.Skipped++
			metrics.ObserveSkip()
			c.logger.Debug("output exists; skipping", zap.String("card_id", target.ID), zap.String("output", target.OutputPath))
			continue
		}

		if c.direct != nil {
			err := c.direct.Fetch(ctx, entry, target)
			if err == nil {
				c.summary.Direct++
				continue
			}
			if errors.Is(err, catalog.ErrNotAddressable) {
				c.logger.Debug("no direct address; using browser", zap.String("card_id", target.ID))
			} else {
				c.logger.Warn("direct download failed; using browser", zap.String("card_id", target.ID), zap.Error(err))
			}
		}
		c.noticeSkipped()
		return target, true
	}

	c.noticeSkipped()
	return download.Target{}, false
}

func (c *Consumer) targetFor(entry catalog.Entry) download.Target {
	target := download.Target{
		ID:         strconv.FormatInt(entry.ID, 10),
		OutputPath: DerivePath(c.cfg.OutputTemplate, entry.ID),
	}
	if c.cfg.MetadataTemplate != "" {
		target.MetadataPath = DerivePath(c.cfg.MetadataTemplate, entry.ID)
	}
	return target
}

func (c *Consumer) exists(ctx context.Context, path string) bool {
	ok, err := c.sink.Exists(ctx, path)
	if err != nil {
		c.logger.Warn("existence check failed; downloading anyway", zap.String("path", path), zap.Error(err))
		return false
	}
	return ok
}

func (c *Consumer) noticeSkipped() {
	if c.noticed || c.summary.Skipped == 0 {
		return
	}
	c.noticed = true
	c.logger.Info(fmt.Sprintf("NOTICE: %d/%d cards are skipped because image files already exist",
		c.summary.Skipped, c.summary.Total))
}

// Summary returns the counters so far.
func (c *Consumer) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}
