// Package intercept correlates network exchanges observed on the rendering host
// with the artifact currently being sought and captures the matching bodies.
package intercept

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/download"
	"github.com/JakeFAU/crypko-downloader/internal/metrics"
)

// Default URL shapes of the detail endpoint and the artifact image.
const (
	DefaultDetailPattern = `https://api\.crypko\.ai/crypkos/(\d+)/detail`
	DefaultImagePattern  = `https://img\.crypko\.ai/daisy/([A-Za-z0-9]+)_lg\.jpg`
)

// RequestID identifies one network exchange. Identifiers are assigned by the
// rendering host and are unique for the lifetime of the process.
type RequestID string

// Request is the subset of an outgoing request the interceptor matches on.
type Request struct {
	ID     RequestID
	Method string
	URL    string
}

// Config holds the two URL shapes the interceptor recognizes. Each pattern
// must have exactly one capture group: the card id and the image hash.
type Config struct {
	DetailPattern *regexp.Regexp
	ImagePattern  *regexp.Regexp
}

// DefaultConfig returns the production URL shapes.
func DefaultConfig() Config {
	return Config{
		DetailPattern: regexp.MustCompile(DefaultDetailPattern),
		ImagePattern:  regexp.MustCompile(DefaultImagePattern),
	}
}

// Interceptor owns the registry of in-flight response filters. Its methods
// are called from the rendering host's event-delivery contexts and never
// panic or block on the controlling context.
type Interceptor struct {
	ctx     context.Context
	cfg     Config
	session download.Session
	sink    download.Sink
	logger  *zap.Logger

	mu           sync.Mutex
	filters      map[RequestID]*ResponseFilter
	lastDetailID string
}

// New builds an Interceptor reporting to session and persisting through sink.
func New(ctx context.Context, cfg Config, session download.Session, sink download.Sink, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DetailPattern == nil || cfg.ImagePattern == nil {
		def := DefaultConfig()
		if cfg.DetailPattern == nil {
			cfg.DetailPattern = def.DetailPattern
		}
		if cfg.ImagePattern == nil {
			cfg.ImagePattern = def.ImagePattern
		}
	}
	return &Interceptor{
		ctx:     ctx,
		cfg:     cfg,
		session: session,
		sink:    sink,
		logger:  logger,
		filters: make(map[RequestID]*ResponseFilter),
	}
}

// OnRequest decides whether to capture the response of req.
func (i *Interceptor) OnRequest(req Request) {
	defer i.guard("OnRequest", download.CodeInterceptError)

	// The detail endpoint is hit by a CORS pre-flight and by the GET; only the
	// GET carries the body.
	if req.Method != http.MethodGet {
		return
	}

	if m := i.cfg.DetailPattern.FindStringSubmatch(req.URL); m != nil {
		i.onDetail(req, m[1])
		return
	}
	if m := i.cfg.ImagePattern.FindStringSubmatch(req.URL); m != nil {
		i.onImage(req, m[1])
	}
}

func (i *Interceptor) onDetail(req Request, cardID string) {
	target := i.session.Target()

	i.mu.Lock()
	i.lastDetailID = cardID
	i.mu.Unlock()

	i.logger.Info("card detail", zap.String("url", req.URL), zap.String("card_id", cardID))
	if target.MetadataPath == "" {
		return
	}
	path := target.MetadataPath
	i.register(req.ID, func(data []byte) error {
		metrics.ObserveIntercepted("metadata", len(data))
		if err := i.sink.Save(i.ctx, path, data); err != nil {
			return fmt.Errorf("save metadata %s: %w", path, err)
		}
		i.logger.Info("saved metadata", zap.String("path", path), zap.Int("bytes", len(data)))
		return nil
	})
}

func (i *Interceptor) onImage(req Request, hash string) {
	target := i.session.Target()

	i.mu.Lock()
	lastDetailID := i.lastDetailID
	i.mu.Unlock()

	i.logger.Info("image url", zap.String("url", req.URL), zap.String("hash", hash))
	if lastDetailID != target.ID {
		i.logger.Warn("card id mismatch",
			zap.String("expected", target.ID),
			zap.String("actual", lastDetailID),
		)
		i.session.ReportOutcome(download.CodeMismatch)
		return
	}
	path := target.OutputPath
	i.register(req.ID, func(data []byte) error {
		metrics.ObserveIntercepted("artifact", len(data))
		if err := i.sink.Save(i.ctx, path, data); err != nil {
			return fmt.Errorf("save artifact %s: %w", path, err)
		}
		i.logger.Info("saved artifact", zap.String("path", path), zap.Int("bytes", len(data)))
		i.session.ReportOutcome(download.CodeSuccess)
		return nil
	})
}

func (i *Interceptor) register(id RequestID, onComplete CompleteFunc) {
	f := NewResponseFilter(id, onComplete)
	f.Init()
	i.mu.Lock()
	i.filters[id] = f
	i.mu.Unlock()
}

// Filtering reports whether a filter is registered for id.
func (i *Interceptor) Filtering(id RequestID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.filters[id]
	return ok
}

// Pending returns the number of registered filters.
func (i *Interceptor) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.filters)
}

// OnData appends a body chunk to the filter registered for id, if any.
func (i *Interceptor) OnData(id RequestID, chunk []byte) {
	defer i.guard("OnData", download.CodeCompletionError)

	if len(chunk) == 0 {
		return
	}
	i.mu.Lock()
	f, ok := i.filters[id]
	i.mu.Unlock()
	if !ok {
		return
	}
	if err := f.OnChunk(chunk); err != nil {
		i.fail("OnData", f, err)
	}
}

// OnComplete ends the exchange for id: the filter is removed and its
// completion callback runs with the buffered body. Unknown ids are ignored.
func (i *Interceptor) OnComplete(id RequestID) {
	defer i.guard("OnComplete", download.CodeCompletionError)

	f, ok := i.take(id)
	if !ok {
		return
	}
	if err := f.OnChunk(nil); err != nil {
		i.fail("OnComplete", f, err)
	}
}

// OnFailure ends the exchange for id without a usable body.
func (i *Interceptor) OnFailure(id RequestID, cause error) {
	defer i.guard("OnFailure", download.CodeCompletionError)

	f, ok := i.take(id)
	if !ok {
		return
	}
	i.fail("OnFailure", f, cause)
}

func (i *Interceptor) take(id RequestID) (*ResponseFilter, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	f, ok := i.filters[id]
	if ok {
		delete(i.filters, id)
	}
	return f, ok
}

func (i *Interceptor) fail(stage string, f *ResponseFilter, err error) {
	i.logger.Error("exchange completion failed",
		zap.String("stage", stage),
		zap.String("request_id", string(f.ID())),
		zap.Bool("stream_ended", f.Done()),
		zap.Error(err),
	)
	i.session.ReportOutcome(download.CodeCompletionError)
}

func (i *Interceptor) guard(stage string, code download.Code) {
	if r := recover(); r != nil {
		i.logger.Error("interceptor panic", zap.String("stage", stage), zap.Any("panic", r))
		i.session.ReportOutcome(code)
	}
}
