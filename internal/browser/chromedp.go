// Package browser hosts a Chrome instance through chromedp and forwards its
// network lifecycle events to an intercept handler.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/intercept"
)

// EventHandler receives network events for the page being rendered.
type EventHandler interface {
	OnRequest(req intercept.Request)
	Filtering(id intercept.RequestID) bool
	OnData(id intercept.RequestID, chunk []byte)
	OnComplete(id intercept.RequestID)
	OnFailure(id intercept.RequestID, err error)
}

var errNoTarget = errors.New("browser target not available")

// Config controls the Chrome process.
type Config struct {
	UserAgent string
	Headless  bool
	NoSandbox bool
	ExecPath  string
	// NavigationTimeout bounds issuing a navigation, not the page load.
	NavigationTimeout time.Duration
	// Verbose logs content-encoding and content-type of every response.
	Verbose bool
}

// Host owns one browser tab.
type Host struct {
	cfg     Config
	handler EventHandler
	logger  *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	bodies      sync.WaitGroup
}

// New starts Chrome, enables the network domain and applies the user agent.
func New(parent context.Context, cfg Config, handler EventHandler, logger *zap.Logger) (*Host, error) {
	if handler == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, allocatorOptions(cfg)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	h := &Host{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		ctx:         taskCtx,
		cancel:      taskCancel,
		allocCancel: allocCancel,
	}
	chromedp.ListenTarget(taskCtx, h.onEvent)

	if err := chromedp.Run(taskCtx, h.setupAction()); err != nil {
		h.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return h, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func (h *Host) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if h.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(h.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Navigate points the tab at url. It returns once the navigation is issued;
// hash-route changes do not produce a load event to wait for.
func (h *Host) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := context.WithTimeout(h.ctx, h.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, chromedp.Evaluate(navigateScript(url), nil)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func navigateScript(url string) string {
	quoted, _ := json.Marshal(url) //nolint:errchkjson // strings always marshal
	return "window.location.href = " + string(quoted) + ";"
}

// Close stops the tab and the browser process.
func (h *Host) Close() {
	h.cancel()
	h.bodies.Wait()
	h.allocCancel()
}

func (h *Host) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		h.handler.OnRequest(intercept.Request{
			ID:     intercept.RequestID(e.RequestID),
			Method: e.Request.Method,
			URL:    e.Request.URL,
		})
	case *network.EventResponseReceived:
		if h.cfg.Verbose && e.Response != nil {
			h.logger.Debug("response",
				zap.String("url", e.Response.URL),
				zap.Int64("status", e.Response.Status),
				zap.String("content_encoding", headerValue(e.Response.Headers, "Content-Encoding")),
				zap.String("content_type", headerValue(e.Response.Headers, "Content-Type")),
			)
		}
	case *network.EventLoadingFinished:
		id := intercept.RequestID(e.RequestID)
		if !h.handler.Filtering(id) {
			return
		}
		// Event callbacks must not block on CDP round trips.
		h.bodies.Add(1)
		go h.fetchBody(e.RequestID)
	case *network.EventLoadingFailed:
		id := intercept.RequestID(e.RequestID)
		if !h.handler.Filtering(id) {
			return
		}
		h.handler.OnFailure(id, fmt.Errorf("loading failed: %s (canceled=%t)", e.ErrorText, e.Canceled))
	}
}

func (h *Host) fetchBody(requestID network.RequestID) {
	defer h.bodies.Done()
	id := intercept.RequestID(requestID)

	c := chromedp.FromContext(h.ctx)
	if c == nil || c.Target == nil {
		h.handler.OnFailure(id, errNoTarget)
		return
	}
	body, err := network.GetResponseBody(requestID).Do(cdp.WithExecutor(h.ctx, c.Target))
	if err != nil {
		h.handler.OnFailure(id, fmt.Errorf("get response body: %w", err))
		return
	}
	h.handler.OnData(id, body)
	h.handler.OnComplete(id)
}

func headerValue(headers network.Headers, name string) string {
	for key, value := range headers {
		if !strings.EqualFold(key, name) {
			continue
		}
		switch v := value.(type) {
		case string:
			return v
		case []string:
			return strings.Join(v, ", ")
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, entry := range v {
				parts = append(parts, fmt.Sprint(entry))
			}
			return strings.Join(parts, ", ")
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}
