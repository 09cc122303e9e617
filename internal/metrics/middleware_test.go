package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsChiRoutes(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/pages/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/pages", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	teapotBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "418"))

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pages/"+id, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /pages/%s: got %d", id, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pages", nil))

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")) - okBefore; got != 2 {
		t.Errorf("implicit 200s: expected 2, got %f", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "418")) - teapotBefore; got != 1 {
		t.Errorf("explicit status: expected 1, got %f", got)
	}
	if n := testutil.CollectAndCount(httpRequestDurationSeconds); n == 0 {
		t.Fatal("expected latency series")
	}
	if !hasRoute(t, http.MethodGet, "/pages/{id}") {
		t.Error("latency is not labeled with the route pattern")
	}
}

func TestMiddlewareOutsideChiUsesUnknownRoute(t *testing.T) {
	Init()
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/raw", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got %d", rec.Code)
	}
	if !hasRoute(t, http.MethodPut, "unknown") {
		t.Error("requests without a chi route are labeled unknown")
	}
}

// hasRoute reports whether a latency series exists for method and route.
// The series is removed so repeated runs start clean.
func hasRoute(t *testing.T, method, route string) bool {
	t.Helper()
	return httpRequestDurationSeconds.DeleteLabelValues(method, route)
}
