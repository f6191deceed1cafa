package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/browser"
	"github.com/JakeFAU/crypko-downloader/internal/config"
	"github.com/JakeFAU/crypko-downloader/internal/download"
	"github.com/JakeFAU/crypko-downloader/internal/intercept"
	"github.com/JakeFAU/crypko-downloader/internal/storage/memory"
)

// fakeBrowser replays the exchanges a card page produces.
type fakeBrowser struct {
	handler browser.EventHandler
	// detailFor overrides the card id seen in the detail request.
	detailFor func(cardID string) string

	mu       sync.Mutex
	visited  []string
	closed   bool
	navigate error
}

func (b *fakeBrowser) factory(_ context.Context, _ browser.Config, handler browser.EventHandler, _ *zap.Logger) (Browser, error) {
	b.handler = handler
	return b, nil
}

func (b *fakeBrowser) Navigate(_ context.Context, url string) error {
	if b.navigate != nil {
		return b.navigate
	}
	cardID := url[strings.LastIndex(url, "/")+1:]
	b.mu.Lock()
	b.visited = append(b.visited, cardID)
	b.mu.Unlock()

	detailID := cardID
	if b.detailFor != nil {
		detailID = b.detailFor(cardID)
	}
	go func() {
		b.exchange(intercept.RequestID("d"+cardID), "https://api.crypko.ai/crypkos/"+detailID+"/detail", []byte(`{"id":`+detailID+`}`))
		b.exchange(intercept.RequestID("i"+cardID), "https://img.crypko.ai/daisy/abc"+cardID+"_lg.jpg", []byte("jpeg-"+cardID))
	}()
	return nil
}

func (b *fakeBrowser) exchange(id intercept.RequestID, url string, body []byte) {
	b.handler.OnRequest(intercept.Request{ID: id + "-preflight", Method: http.MethodOptions, URL: url})
	b.handler.OnRequest(intercept.Request{ID: id, Method: http.MethodGet, URL: url})
	if b.handler.Filtering(id) {
		b.handler.OnData(id, body)
		b.handler.OnComplete(id)
	}
}

func (b *fakeBrowser) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Orchestrator.Timeout = 2 * time.Second
	cfg.Orchestrator.NavigationDelay = 5 * time.Millisecond
	cfg.Orchestrator.PollInterval = 5 * time.Millisecond
	cfg.Catalog.RequestInterval = 0
	cfg.Catalog.MaxAttempts = 2
	return cfg
}

func runApp(t *testing.T, cfg config.Config, opts Options, sink *memory.BlobStore, fb *fakeBrowser, client *http.Client) download.Code {
	t.Helper()
	a, err := New(context.Background(), cfg, opts, Deps{Sink: sink, Browser: fb.factory, HTTPClient: client}, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Run(ctx)
}

func TestRunSingleCard(t *testing.T) {
	t.Parallel()

	sink := memory.NewBlobStore()
	fb := &fakeBrowser{}
	code := runApp(t, testConfig(t), Options{CardID: "42", Output: "42.jpg", Metadata: "42.json"}, sink, fb, nil)

	require.Equal(t, download.CodeSuccess, code)
	img, ok := sink.Get("42.jpg")
	require.True(t, ok)
	assert.Equal(t, "jpeg-42", string(img))
	meta, ok := sink.Get("42.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":42}`, string(meta))
	assert.True(t, fb.closed)
}

func TestRunSingleCardMismatch(t *testing.T) {
	t.Parallel()

	sink := memory.NewBlobStore()
	fb := &fakeBrowser{detailFor: func(string) string { return "99" }}
	code := runApp(t, testConfig(t), Options{CardID: "42", Output: "42.jpg"}, sink, fb, nil)

	assert.Equal(t, download.CodeMismatch, code)
	_, ok := sink.Get("42.jpg")
	assert.False(t, ok)
}

func TestRunBrowserFailures(t *testing.T) {
	t.Parallel()

	t.Run("StartFails", func(t *testing.T) {
		t.Parallel()
		a, err := New(context.Background(), testConfig(t), Options{CardID: "1", Output: "1.jpg"}, Deps{
			Sink: memory.NewBlobStore(),
			Browser: func(context.Context, browser.Config, browser.EventHandler, *zap.Logger) (Browser, error) {
				return nil, errors.New("no chrome")
			},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, download.CodeInterceptError, a.Run(context.Background()))
	})

	t.Run("NavigateFails", func(t *testing.T) {
		t.Parallel()
		fb := &fakeBrowser{navigate: errors.New("tab crashed")}
		code := runApp(t, testConfig(t), Options{CardID: "1", Output: "1.jpg"}, memory.NewBlobStore(), fb, nil)
		assert.Equal(t, download.CodeInterceptError, code)
	})
}

func catalogServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Query().Get("page")]
		if !ok {
			body = `{"totalMatched":0,"crypkos":[]}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunCatalog(t *testing.T) {
	t.Parallel()

	ts := catalogServer(t, map[string]string{
		"":  `{"totalMatched":3,"crypkos":[{"id":3},{"id":1}]}`,
		"2": `{"totalMatched":3,"crypkos":[{"id":2},{"id":3}]}`,
	})
	cfg := testConfig(t)
	cfg.Catalog.SearchURL = ts.URL + "/crypkos/search"

	sink := memory.NewBlobStore()
	require.NoError(t, sink.Save(context.Background(), "out/card_2.jpg", []byte("old")))
	fb := &fakeBrowser{}

	code := runApp(t, cfg, Options{Filter: "ownerAddr=0xabc", Output: "out/card_0.jpg"}, sink, fb, ts.Client())
	require.Equal(t, download.CodeSuccess, code)

	assert.Equal(t, []string{"1", "3"}, fb.visited)
	img, _ := sink.Get("out/card_1.jpg")
	assert.Equal(t, "jpeg-1", string(img))
	img, _ = sink.Get("out/card_3.jpg")
	assert.Equal(t, "jpeg-3", string(img))
	old, _ := sink.Get("out/card_2.jpg")
	assert.Equal(t, "old", string(old))
}

func TestRunCatalogEmptyIsNothingToDo(t *testing.T) {
	t.Parallel()

	ts := catalogServer(t, map[string]string{})
	cfg := testConfig(t)
	cfg.Catalog.SearchURL = ts.URL

	fb := &fakeBrowser{}
	code := runApp(t, cfg, Options{Filter: "ownerAddr=0x0", Output: "0.jpg"}, memory.NewBlobStore(), fb, ts.Client())
	assert.Equal(t, download.CodeSuccess, code)
	assert.Empty(t, fb.visited)
}

func TestRunCatalogAllSkipped(t *testing.T) {
	t.Parallel()

	ts := catalogServer(t, map[string]string{"": `{"totalMatched":1,"crypkos":[{"id":5}]}`})
	cfg := testConfig(t)
	cfg.Catalog.SearchURL = ts.URL

	sink := memory.NewBlobStore()
	require.NoError(t, sink.Save(context.Background(), "5.jpg", []byte("x")))
	fb := &fakeBrowser{}
	code := runApp(t, cfg, Options{Filter: "ownerAddr=0x0", Output: "0.jpg"}, sink, fb, ts.Client())
	assert.Equal(t, download.CodeSuccess, code)
	assert.Empty(t, fb.visited)
	assert.Nil(t, fb.handler, "browser is not started when nothing needs it")
}
