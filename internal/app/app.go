// Package app wires the long-lived services of a download run: storage, the
// catalog client, the control loop, the interceptor and the browser.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/browser"
	"github.com/JakeFAU/crypko-downloader/internal/catalog"
	"github.com/JakeFAU/crypko-downloader/internal/clock/system"
	"github.com/JakeFAU/crypko-downloader/internal/config"
	"github.com/JakeFAU/crypko-downloader/internal/download"
	"github.com/JakeFAU/crypko-downloader/internal/intercept"
	"github.com/JakeFAU/crypko-downloader/internal/metrics"
	"github.com/JakeFAU/crypko-downloader/internal/orchestrator"
	"github.com/JakeFAU/crypko-downloader/internal/queue"
	"github.com/JakeFAU/crypko-downloader/internal/storage"
	"github.com/JakeFAU/crypko-downloader/internal/storage/gcs"
	"github.com/JakeFAU/crypko-downloader/internal/storage/local"
)

// Options are the per-invocation choices made on the command line.
type Options struct {
	// CardID selects single-artifact mode.
	CardID string
	// Filter is a catalog query fragment; it selects catalog mode.
	Filter string
	// Output is the artifact path, or the template in catalog mode.
	Output string
	// Metadata is the detail document path or template; empty disables it.
	Metadata string
	Verbose  bool
}

// Browser is the rendering host as seen by the run.
type Browser interface {
	download.Navigator
	Close()
}

// BrowserFactory starts a rendering host delivering events to handler.
type BrowserFactory func(ctx context.Context, cfg browser.Config, handler browser.EventHandler, logger *zap.Logger) (Browser, error)

// Deps overrides the services New would build. Zero fields get defaults.
type Deps struct {
	Sink       download.Sink
	Browser    BrowserFactory
	Clock      download.Clock
	HTTPClient *http.Client
	Stdout     io.Writer
}

// App holds the services for one run.
type App struct {
	cfg     config.Config
	opts    Options
	logger  *zap.Logger
	sink    download.Sink
	browser BrowserFactory
	clock   download.Clock
	client  *catalog.Client
	closers []func() error
}

func chromeFactory(ctx context.Context, cfg browser.Config, handler browser.EventHandler, logger *zap.Logger) (Browser, error) {
	return browser.New(ctx, cfg, handler, logger)
}

// New builds an App. It fails fast if a cloud storage client is needed and
// cannot be created.
func New(ctx context.Context, cfg config.Config, opts Options, deps Deps, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		sink:    deps.Sink,
		browser: deps.Browser,
		clock:   deps.Clock,
	}
	if a.browser == nil {
		a.browser = chromeFactory
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.sink == nil {
		sink, err := a.buildSink(ctx, deps.Stdout)
		if err != nil {
			return nil, err
		}
		a.sink = sink
	}
	a.client = catalog.NewClient(catalog.ClientConfig{
		UserAgent:      cfg.Browser.UserAgent,
		Referer:        cfg.Catalog.Referer,
		AcceptLanguage: cfg.Catalog.AcceptLanguage,
		Timeout:        cfg.Catalog.RequestTimeout,
		Verbose:        opts.Verbose,
	}, deps.HTTPClient, logger)
	return a, nil
}

func (a *App) buildSink(ctx context.Context, stdout io.Writer) (download.Sink, error) {
	var remote download.Sink
	if strings.HasPrefix(a.opts.Output, gcs.Scheme) || strings.HasPrefix(a.opts.Metadata, gcs.Scheme) {
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client)
		if err != nil {
			return nil, fmt.Errorf("init gcs sink: %w", err)
		}
		a.logger.Info("Using GCS storage")
		remote = store
	}
	return storage.NewRouter(local.New(nil), remote, stdout), nil
}

// Close releases the services opened by New.
func (a *App) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

// Run performs the download and returns the terminal code.
func (a *App) Run(ctx context.Context) download.Code {
	var (
		first    download.Target
		source   download.TargetSource
		consumer *queue.Consumer
	)

	if a.opts.Filter != "" {
		consumer = a.buildConsumer(ctx)
		if consumer == nil {
			a.logger.Info("nothing to do: catalog is empty")
			return download.CodeSuccess
		}
		target, ok := consumer.Next(ctx)
		if !ok {
			a.logSummary(consumer)
			if ctx.Err() != nil {
				return download.CodeUnknown
			}
			return download.CodeSuccess
		}
		first, source = target, consumer
	} else {
		first = download.Target{ID: a.opts.CardID, OutputPath: a.opts.Output, MetadataPath: a.opts.Metadata}
	}

	orch := orchestrator.New(orchestrator.Config{
		PageURL:         a.cfg.Browser.PageURL,
		Timeout:         a.cfg.Orchestrator.Timeout,
		NavigationDelay: a.cfg.Orchestrator.NavigationDelay,
		PollInterval:    a.cfg.Orchestrator.PollInterval,
	}, first, source, a.clock, a.logger)
	if consumer != nil {
		consumer.OnPop(orch.Touch)
	}

	interceptor := intercept.New(ctx, intercept.Config{
		DetailPattern: regexp.MustCompile(a.cfg.Intercept.DetailPattern),
		ImagePattern:  regexp.MustCompile(a.cfg.Intercept.ImagePattern),
	}, orch, a.sink, a.logger)

	host, err := a.browser(ctx, browser.Config{
		UserAgent: a.cfg.Browser.UserAgent,
		Headless:  a.cfg.Browser.Headless,
		NoSandbox: a.cfg.Browser.NoSandbox,
		ExecPath:  a.cfg.Browser.ExecPath,
		Verbose:   a.opts.Verbose,
	}, interceptor, a.logger)
	if err != nil {
		a.logger.Error("browser start failed", zap.Error(err))
		metrics.ObserveOutcome(download.CodeInterceptError.String())
		return download.CodeInterceptError
	}
	defer host.Close()

	code := orch.Run(ctx, host)
	if pending := interceptor.Pending(); pending > 0 {
		a.logger.Debug("exchanges still in flight at exit", zap.Int("pending", pending))
	}
	if consumer != nil {
		a.logSummary(consumer)
	}
	return code
}

// buildConsumer crawls the catalog; it returns nil when nothing was listed.
func (a *App) buildConsumer(ctx context.Context) *queue.Consumer {
	policy := catalog.NewFixedRetryPolicy(a.cfg.Catalog.MaxAttempts, a.cfg.Catalog.RequestInterval)
	crawler := catalog.NewCrawler(catalog.CrawlerConfig{
		SearchURL: a.cfg.Catalog.SearchURL,
		MaxPages:  a.cfg.Catalog.MaxPages,
	}, a.client, policy, nil, a.logger)

	start := time.Now()
	entries := crawler.Crawl(ctx, a.opts.Filter)
	a.logger.Info("catalog crawl finished", zap.Int("entries", len(entries)), zap.Duration("took", time.Since(start)))
	if len(entries) == 0 {
		return nil
	}

	var direct queue.DirectFetcher
	if a.cfg.Catalog.DirectFetch {
		direct = catalog.NewDirectFetcher(catalog.DirectConfig{
			ImageURL:  a.cfg.Catalog.ImageURL,
			DetailURL: a.cfg.Catalog.DetailURL,
		}, a.client, a.sink, policy, nil, a.logger)
	}
	return queue.New(queue.Config{
		OutputTemplate:   a.opts.Output,
		MetadataTemplate: a.opts.Metadata,
	}, entries, a.sink, direct, a.logger)
}

func (a *App) logSummary(consumer *queue.Consumer) {
	s := consumer.Summary()
	a.logger.Info("queue summary",
		zap.Int("total", s.Total),
		zap.Int("skipped", s.Skipped),
		zap.Int("direct", s.Direct),
	)
}
