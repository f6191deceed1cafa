package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if downloadsTotal == nil || interceptedBytesTotal == nil ||
		catalogRequestsTotal == nil || catalogPagesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveOutcome(t *testing.T) {
	Init()
	before := testutil.ToFloat64(downloadsTotal.WithLabelValues("mismatch"))
	ObserveOutcome("mismatch")
	if got := testutil.ToFloat64(downloadsTotal.WithLabelValues("mismatch")); got != before+1 {
		t.Fatalf("expected mismatch counter %v, got %v", before+1, got)
	}
}

func TestObserveInterceptedIgnoresEmpty(t *testing.T) {
	Init()
	before := testutil.ToFloat64(interceptedBytesTotal.WithLabelValues("artifact"))
	ObserveIntercepted("artifact", 0)
	ObserveIntercepted("artifact", 128)
	got := testutil.ToFloat64(interceptedBytesTotal.WithLabelValues("artifact"))
	require.InDelta(t, before+128, got, 0.001)
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	ObserveNavigation()
	router := NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "crypko_navigations_total"))
}

func TestMiddlewareCountsRoutes(t *testing.T) {
	router := NewRouter()
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200"))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200"))
	require.InDelta(t, before+1, after, 0.001)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
