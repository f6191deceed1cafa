package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crypko-downloader/internal/download"
)

const (
	detailURL = "https://api.crypko.ai/crypkos/42/detail"
	imageURL  = "https://img.crypko.ai/daisy/abcDEF123_lg.jpg"
)

type fakeSession struct {
	mu       sync.Mutex
	target   download.Target
	outcomes []download.Code
}

func (s *fakeSession) Target() download.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *fakeSession) ReportOutcome(code download.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, code)
}

func (s *fakeSession) Outcomes() []download.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]download.Code(nil), s.outcomes...)
}

type memorySink struct {
	mu      sync.Mutex
	files   map[string][]byte
	saveErr error
	panics  bool
}

func newMemorySink() *memorySink {
	return &memorySink{files: make(map[string][]byte)}
}

func (s *memorySink) Save(_ context.Context, path string, data []byte) error {
	if s.panics {
		panic("sink exploded")
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
	return nil
}

func (s *memorySink) Exists(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok, nil
}

func (s *memorySink) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return data, ok
}

func newTestInterceptor(target download.Target) (*Interceptor, *fakeSession, *memorySink) {
	session := &fakeSession{target: target}
	sink := newMemorySink()
	return New(context.Background(), DefaultConfig(), session, sink, zap.NewNop()), session, sink
}

func TestInterceptorCapturesArtifactAfterMatchingDetail(t *testing.T) {
	t.Parallel()

	ic, session, sink := newTestInterceptor(download.Target{ID: "42", OutputPath: "42.jpg"})

	ic.OnRequest(Request{ID: "1", Method: "OPTIONS", URL: detailURL})
	require.False(t, ic.Filtering("1"), "pre-flight must be ignored")

	ic.OnRequest(Request{ID: "2", Method: "GET", URL: detailURL})
	require.False(t, ic.Filtering("2"), "no metadata path configured")

	ic.OnRequest(Request{ID: "3", Method: "GET", URL: imageURL})
	require.True(t, ic.Filtering("3"))

	ic.OnData("3", []byte{0xff, 0xd8})
	ic.OnData("3", []byte{0xff, 0xd9})
	ic.OnComplete("3")

	data, ok := sink.File("42.jpg")
	require.True(t, ok)
	require.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, data)
	require.Equal(t, []download.Code{download.CodeSuccess}, session.Outcomes())
	require.Equal(t, 0, ic.Pending())
}

func TestInterceptorPersistsMetadataWhenConfigured(t *testing.T) {
	t.Parallel()

	ic, session, sink := newTestInterceptor(download.Target{
		ID:           "42",
		OutputPath:   "42.jpg",
		MetadataPath: "42.json",
	})

	ic.OnRequest(Request{ID: "d", Method: "GET", URL: detailURL})
	require.True(t, ic.Filtering("d"))
	ic.OnData("d", []byte(`{"id":42}`))
	ic.OnComplete("d")

	data, ok := sink.File("42.json")
	require.True(t, ok)
	require.JSONEq(t, `{"id":42}`, string(data))
	require.Empty(t, session.Outcomes(), "metadata alone must not report an outcome")
}

func TestInterceptorMismatchDoesNotPersist(t *testing.T) {
	t.Parallel()

	ic, session, sink := newTestInterceptor(download.Target{ID: "7", OutputPath: "7.jpg"})

	ic.OnRequest(Request{ID: "d", Method: "GET", URL: detailURL})
	ic.OnRequest(Request{ID: "i", Method: "GET", URL: imageURL})
	require.False(t, ic.Filtering("i"))
	ic.OnData("i", []byte("bytes"))
	ic.OnComplete("i")

	_, ok := sink.File("7.jpg")
	require.False(t, ok)
	require.Equal(t, []download.Code{download.CodeMismatch}, session.Outcomes())
}

func TestInterceptorImageBeforeAnyDetailIsMismatch(t *testing.T) {
	t.Parallel()

	ic, session, _ := newTestInterceptor(download.Target{ID: "42", OutputPath: "42.jpg"})
	ic.OnRequest(Request{ID: "i", Method: "GET", URL: imageURL})
	require.Equal(t, []download.Code{download.CodeMismatch}, session.Outcomes())
}

func TestInterceptorIgnoresUnrelatedRequests(t *testing.T) {
	t.Parallel()

	ic, session, _ := newTestInterceptor(download.Target{ID: "42", OutputPath: "42.jpg"})
	for idx, url := range []string{
		"https://crypko.ai/app.js",
		"https://img.crypko.ai/daisy/abc_sm.jpg",
		"https://api.crypko.ai/crypkos/search?category=all",
	} {
		id := RequestID(fmt.Sprintf("r%d", idx))
		ic.OnRequest(Request{ID: id, Method: "GET", URL: url})
		require.False(t, ic.Filtering(id), url)
	}
	ic.OnComplete("never-registered")
	ic.OnFailure("never-registered", errors.New("net::ERR_ABORTED"))
	require.Empty(t, session.Outcomes())
}

func TestInterceptorSaveErrorReportsCompletionError(t *testing.T) {
	t.Parallel()

	ic, session, sink := newTestInterceptor(download.Target{ID: "42", OutputPath: "42.jpg"})
	sink.saveErr = errors.New("read-only filesystem")

	ic.OnRequest(Request{ID: "d", Method: "GET", URL: detailURL})
	ic.OnRequest(Request{ID: "i", Method: "GET", URL: imageURL})
	ic.OnData("i", []byte("jpeg"))
	ic.OnComplete("i")

	require.Equal(t, []download.Code{download.CodeCompletionError}, session.Outcomes())
}

func TestInterceptorRecoversFromPanics(t *testing.T) {
	t.Parallel()

	ic, session, sink := newTestInterceptor(download.Target{ID: "42", OutputPath: "42.jpg"})
	sink.panics = true

	ic.OnRequest(Request{ID: "d", Method: "GET", URL: detailURL})
	ic.OnRequest(Request{ID: "i", Method: "GET", URL: imageURL})
	require.NotPanics(t, func() { ic.OnComplete("i") })
	require.Equal(t, []download.Code{download.CodeCompletionError}, session.Outcomes())
}

func TestInterceptorLoadFailureReportsCompletionError(t *testing.T) {
	t.Parallel()

	ic, session, _ := newTestInterceptor(download.Target{ID: "42", OutputPath: "42.jpg"})
	ic.OnRequest(Request{ID: "d", Method: "GET", URL: detailURL})
	ic.OnRequest(Request{ID: "i", Method: "GET", URL: imageURL})
	ic.OnFailure("i", errors.New("net::ERR_CONNECTION_RESET"))

	require.False(t, ic.Filtering("i"))
	require.Equal(t, []download.Code{download.CodeCompletionError}, session.Outcomes())
}

func TestInterceptorFailureLogIdentifiesExchange(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	session := &fakeSession{target: download.Target{ID: "42", OutputPath: "42.jpg"}}
	sink := newMemorySink()
	sink.saveErr = errors.New("disk full")
	ic := New(context.Background(), DefaultConfig(), session, sink, zap.New(core))

	ic.OnRequest(Request{ID: "d", Method: "GET", URL: detailURL})
	ic.OnRequest(Request{ID: "saved", Method: "GET", URL: imageURL})
	ic.OnRequest(Request{ID: "reset", Method: "GET", URL: imageURL})
	ic.OnComplete("saved")
	ic.OnFailure("reset", errors.New("net::ERR_CONNECTION_RESET"))

	entries := logs.FilterMessage("exchange completion failed").All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	require.Equal(t, "saved", first["request_id"])
	require.Equal(t, true, first["stream_ended"])

	second := entries[1].ContextMap()
	require.Equal(t, "reset", second["request_id"])
	require.Equal(t, false, second["stream_ended"])
}

func TestInterceptorUsesTargetSnapshotAtAttachTime(t *testing.T) {
	t.Parallel()

	ic, session, sink := newTestInterceptor(download.Target{ID: "42", OutputPath: "42.jpg"})
	ic.OnRequest(Request{ID: "d", Method: "GET", URL: detailURL})
	ic.OnRequest(Request{ID: "i", Method: "GET", URL: imageURL})

	session.mu.Lock()
	session.target = download.Target{ID: "43", OutputPath: "43.jpg"}
	session.mu.Unlock()

	ic.OnData("i", []byte("jpeg"))
	ic.OnComplete("i")

	_, ok := sink.File("42.jpg")
	require.True(t, ok)
	_, ok = sink.File("43.jpg")
	require.False(t, ok)
}

func TestInterceptorConcurrentExchanges(t *testing.T) {
	t.Parallel()

	ic, _, _ := newTestInterceptor(download.Target{ID: "42", OutputPath: "42.jpg", MetadataPath: "42.json"})

	var wg sync.WaitGroup
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := RequestID(fmt.Sprintf("d-%d", n))
			ic.OnRequest(Request{ID: id, Method: "GET", URL: detailURL})
			ic.OnData(id, []byte("{}"))
			ic.OnComplete(id)
		}(n)
	}
	wg.Wait()
	require.Equal(t, 0, ic.Pending())
}
