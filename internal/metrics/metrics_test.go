package metrics

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

// histogramOf snapshots one labelled histogram series.
func histogramOf(t *testing.T, obs prometheus.Observer) *dto.Histogram {
	t.Helper()
	metric, ok := obs.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not expose its metric", obs)
	}
	var snap dto.Metric
	if err := metric.Write(&snap); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return snap.GetHistogram()
}

func TestObserveQuery(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveQuery("hit", false, 250*time.Millisecond)

	if got := testutil.ToFloat64(rec.queryRequests.WithLabelValues("hit", "ok")); got != 1 {
		t.Fatalf("request counter = %v, want 1", got)
	}
	hist := histogramOf(t, rec.queryLatency.WithLabelValues("hit"))
	if hist.GetSampleCount() != 1 {
		t.Fatalf("latency samples = %d, want 1", hist.GetSampleCount())
	}
	if math.Abs(hist.GetSampleSum()-0.25) > 0.001 {
		t.Fatalf("latency sum = %v, want ~0.25", hist.GetSampleSum())
	}
}

func TestObserveQueryFailure(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveQuery("miss", true, 10*time.Millisecond)

	if got := testutil.ToFloat64(rec.queryRequests.WithLabelValues("miss", "error")); got != 1 {
		t.Fatalf("error counter = %v, want 1", got)
	}
}

func TestObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup(LookupHit, 10*time.Millisecond)
	rec.ObserveCacheStore(StoreStored, 5*time.Millisecond)

	if got := testutil.ToFloat64(rec.cacheOperations.WithLabelValues("lookup", "hit")); got != 1 {
		t.Fatalf("lookup counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.cacheOperations.WithLabelValues("store", "stored")); got != 1 {
		t.Fatalf("store counter = %v, want 1", got)
	}
	hist := histogramOf(t, rec.cacheLatency.WithLabelValues("store", "stored"))
	if hist.GetSampleCount() != 1 {
		t.Fatalf("store latency samples = %d, want 1", hist.GetSampleCount())
	}
	if math.Abs(hist.GetSampleSum()-0.005) > 0.001 {
		t.Fatalf("store latency sum = %v, want ~0.005", hist.GetSampleSum())
	}
}

func TestEmptyOutcomeFoldsToUnknown(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup("", time.Millisecond)

	if got := testutil.ToFloat64(rec.cacheOperations.WithLabelValues("lookup", "unknown")); got != 1 {
		t.Fatalf("unknown counter = %v, want 1", got)
	}
}

func TestObserveInvalidationAndCleanup(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveInvalidation("table", 3)
	rec.ObserveCleanup(2, false)
	rec.ObserveCleanup(0, true)

	if got := testutil.ToFloat64(rec.invalidated.WithLabelValues("table")); got != 3 {
		t.Fatalf("invalidated counter = %v, want 3", got)
	}
	if got := testutil.ToFloat64(rec.cleanupSweeps.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok sweep counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.cleanupSweeps.WithLabelValues("error")); got != 1 {
		t.Fatalf("error sweep counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.cleanupRemoved); got != 2 {
		t.Fatalf("removed counter = %v, want 2", got)
	}
}

func TestObserveUnindexedEntry(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveUnindexedEntry()
	rec.ObserveUnindexedEntry()

	if got := testutil.ToFloat64(rec.unindexed); got != 2 {
		t.Fatalf("unindexed counter = %v, want 2", got)
	}
}

func TestObserveEngineExecution(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveEngineExecution("ok", 4096, 1500*time.Millisecond)

	if got := testutil.ToFloat64(rec.engineExecutions.WithLabelValues("ok")); got != 1 {
		t.Fatalf("execution counter = %v, want 1", got)
	}
	hist := histogramOf(t, rec.engineLatency.WithLabelValues("ok"))
	if hist.GetSampleCount() != 1 {
		t.Fatalf("engine latency samples = %d, want 1", hist.GetSampleCount())
	}
	if got := testutil.ToFloat64(rec.engineBytes); got != 4096 {
		t.Fatalf("scanned bytes = %v, want 4096", got)
	}
}

func TestObserveSingleFlight(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveSingleFlight(false)
	rec.ObserveSingleFlight(true)
	rec.ObserveSingleFlight(true)

	if got := testutil.ToFloat64(rec.querySharing.WithLabelValues("leader")); got != 1 {
		t.Fatalf("leader counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.querySharing.WithLabelValues("waiter")); got != 2 {
		t.Fatalf("waiter counter = %v, want 2", got)
	}
}

func TestNilRecorderIsInert(t *testing.T) {
	var rec *Recorder
	rec.ObserveQuery("hit", false, time.Second)
	rec.ObserveSingleFlight(true)
	rec.ObserveCacheLookup(LookupHit, time.Second)
	rec.ObserveCacheStore(StoreStored, time.Second)
	rec.ObserveInvalidation("all", 1)
	rec.ObserveCleanup(1, false)
	rec.ObserveUnindexedEntry()
	rec.ObserveEngineExecution("ok", 1, time.Second)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil recorder handler status = %d, want 503", rr.Code)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveQuery("hit", false, time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("exposition status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "querygate_query_requests_total") {
		t.Fatalf("exposition body missing query counter:\n%s", rr.Body.String())
	}
}
