package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, resultsTotal)
	require.NotNil(t, proxySuccessRatio)
}

func TestObserveResultDefaultsMethodLabel(t *testing.T) {
	Init()
	before := testutil.ToFloat64(resultsTotal.WithLabelValues("transient", "none"))
	ObserveResult("transient", "")
	require.Equal(t, before+1, testutil.ToFloat64(resultsTotal.WithLabelValues("transient", "none")))
}

func TestObserveProxyRequestSetsGauges(t *testing.T) {
	ObserveProxyRequest("gw-test", true, time.Second, 0.75, 1500*time.Millisecond)
	require.InDelta(t, 0.75, testutil.ToFloat64(proxySuccessRatio.WithLabelValues("gw-test")), 1e-9)
	require.InDelta(t, 1.5, testutil.ToFloat64(proxyLatencySeconds.WithLabelValues("gw-test")), 1e-9)
	require.Equal(t, float64(1), testutil.ToFloat64(proxyRequestsTotal.WithLabelValues("gw-test", "success")))
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/42", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), float64(1))
}
