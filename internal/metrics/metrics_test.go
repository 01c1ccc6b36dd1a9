package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/funds/{fundID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/funds/"+id, nil))
	}

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/funds/{fundID}", "418"))
	if got != 3 {
		t.Errorf("expected 3 requests under the route pattern, got %v", got)
	}
}

func TestObserve_Outcome(t *testing.T) {
	Observe("test_op", time.Now(), nil)
	Observe("test_op", time.Now(), errors.New("boom"))
	Observe("test_op", time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "ok")); got != 1 {
		t.Errorf("expected 1 ok, got %v", got)
	}
	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "error")); got != 2 {
		t.Errorf("expected 2 errors, got %v", got)
	}
}
