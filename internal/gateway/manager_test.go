package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/querygate/internal/cache"
	"github.com/l0p7/querygate/internal/catalog"
	"github.com/l0p7/querygate/internal/engine"
	"github.com/l0p7/querygate/internal/history"
	"github.com/l0p7/querygate/internal/templates"
)

// fakeEngine counts executions and answers with a fixed result unless an
// execute hook is installed. Row values use float64 so responses compare
// equal before and after the JSON round trip through the cache payload.
type fakeEngine struct {
	calls     atomic.Int64
	execute   func(ctx context.Context, req engine.Request) (*engine.Result, error)
	databases []string
	tables    map[string][]string
	columns   map[string][]engine.Column
	pingErr   error
}

func (f *fakeEngine) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	f.calls.Add(1)
	if f.execute != nil {
		return f.execute(ctx, req)
	}
	return &engine.Result{
		Columns:      []engine.Column{{Name: "total", Type: "UInt64"}},
		Rows:         []map[string]any{{"total": float64(42)}},
		BytesScanned: 2048,
		RowsRead:     100,
		Duration:     5 * time.Millisecond,
	}, nil
}

func (f *fakeEngine) Databases(context.Context) ([]string, error) { return f.databases, nil }

func (f *fakeEngine) Tables(_ context.Context, database string) ([]string, error) {
	return f.tables[database], nil
}

func (f *fakeEngine) Columns(_ context.Context, database, table string) ([]engine.Column, error) {
	cols, ok := f.columns[database+"."+table]
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %s.%s", engine.ErrInvalidQuery, database, table)
	}
	return cols, nil
}

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }
func (f *fakeEngine) Close() error               { return nil }

var errStoreOffline = errors.New("cache: store offline")

// outageBackend fails every operation with a transport error.
type outageBackend struct{}

func (outageBackend) Get(context.Context, cache.Key) (cache.Entry, error) {
	return cache.Entry{}, errStoreOffline
}
func (outageBackend) Put(context.Context, cache.Entry) error             { return errStoreOffline }
func (outageBackend) Delete(context.Context, cache.Key) error            { return errStoreOffline }
func (outageBackend) IncrementHitCount(context.Context, cache.Key) error { return errStoreOffline }
func (outageBackend) ListExpired(context.Context, time.Time, int) ([]cache.Key, error) {
	return nil, errStoreOffline
}
func (outageBackend) Purge(context.Context) (int64, error)       { return 0, errStoreOffline }
func (outageBackend) Stats(context.Context) (cache.Stats, error) { return cache.Stats{}, errStoreOffline }
func (outageBackend) Close()                                     {}
func (outageBackend) Record(context.Context, cache.Key, []string) error { return errStoreOffline }
func (outageBackend) InvalidateByTable(context.Context, string) ([]cache.Key, error) {
	return nil, errStoreOffline
}
func (outageBackend) Drop(context.Context, cache.Key) error { return errStoreOffline }

func newTestManager(t *testing.T, opts ManagerOptions) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, opts)
	t.Cleanup(m.Close)
	return m
}

func newTestTemplates(t *testing.T, files map[string]string) *templates.Library {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	sandbox, err := templates.NewSandbox(dir)
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	lib, err := templates.NewLibrary(sandbox)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	return lib
}

func mustQuery(t *testing.T, m *Manager, req Request) *Response {
	t.Helper()
	resp, err := m.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return resp
}

func TestQueryMissThenHit(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})
	req := Request{SQL: "SELECT count() AS total FROM analytics.events"}

	first := mustQuery(t, m, req)
	if first.Status != StatusMiss {
		t.Fatalf("first status = %s, want %s", first.Status, StatusMiss)
	}
	if first.Cache == nil {
		t.Fatal("miss response missing cache info")
	}
	if first.Cache.HitCount != 0 {
		t.Fatalf("fresh entry hit count = %d, want 0", first.Cache.HitCount)
	}
	if first.Metadata.BytesScanned != 2048 {
		t.Fatalf("bytes scanned = %d, want 2048", first.Metadata.BytesScanned)
	}

	second := mustQuery(t, m, req)
	if second.Status != StatusHit {
		t.Fatalf("second status = %s, want %s", second.Status, StatusHit)
	}
	if got := eng.calls.Load(); got != 1 {
		t.Fatalf("engine executions = %d, want 1", got)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Fatalf("fingerprint changed between identical requests: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
	if !reflect.DeepEqual(second.Rows, first.Rows) {
		t.Fatalf("cached rows = %v, want %v", second.Rows, first.Rows)
	}
	if !reflect.DeepEqual(second.Columns, first.Columns) {
		t.Fatalf("cached columns = %v, want %v", second.Columns, first.Columns)
	}
	if second.Cache == nil || second.Cache.HitCount != 1 {
		t.Fatalf("hit response cache info = %+v, want hit count 1", second.Cache)
	}
}

func TestQueryCacheDisabledBypassesStore(t *testing.T) {
	eng := &fakeEngine{}
	backend := cache.NewMemory()
	m := newTestManager(t, ManagerOptions{Engine: eng, Backend: backend})
	req := Request{SQL: "SELECT * FROM analytics.events", NoCache: true}

	for i := 0; i < 2; i++ {
		resp := mustQuery(t, m, req)
		if resp.Status != StatusDisabled {
			t.Fatalf("status = %s, want %s", resp.Status, StatusDisabled)
		}
		if resp.Cache != nil {
			t.Fatalf("disabled response carries cache info: %+v", resp.Cache)
		}
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}
	stats, err := backend.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Fatalf("store entries = %d, want 0", stats.EntryCount)
	}

	// The cached path stays untouched: the same SQL without the opt-out
	// misses and computes its own entry.
	resp := mustQuery(t, m, Request{SQL: req.SQL})
	if resp.Status != StatusMiss {
		t.Fatalf("status = %s, want %s", resp.Status, StatusMiss)
	}
	if got := eng.calls.Load(); got != 3 {
		t.Fatalf("engine executions = %d, want 3", got)
	}
}

func TestQueryForceRefreshOverwrites(t *testing.T) {
	serial := atomic.Int64{}
	eng := &fakeEngine{}
	eng.execute = func(context.Context, engine.Request) (*engine.Result, error) {
		return &engine.Result{
			Columns: []engine.Column{{Name: "n", Type: "UInt64"}},
			Rows:    []map[string]any{{"n": float64(serial.Add(1))}},
		}, nil
	}
	m := newTestManager(t, ManagerOptions{Engine: eng})
	req := Request{SQL: "SELECT n FROM analytics.counters"}

	first := mustQuery(t, m, req)
	if first.Rows[0]["n"] != float64(1) {
		t.Fatalf("first result = %v, want 1", first.Rows[0]["n"])
	}

	forced := mustQuery(t, m, Request{SQL: req.SQL, ForceRefresh: true})
	if forced.Status != StatusForced {
		t.Fatalf("status = %s, want %s", forced.Status, StatusForced)
	}
	if forced.Rows[0]["n"] != float64(2) {
		t.Fatalf("forced result = %v, want 2", forced.Rows[0]["n"])
	}
	if forced.Cache == nil {
		t.Fatal("forced refresh must cache its result")
	}

	after := mustQuery(t, m, req)
	if after.Status != StatusHit {
		t.Fatalf("status after forced refresh = %s, want %s", after.Status, StatusHit)
	}
	if after.Rows[0]["n"] != float64(2) {
		t.Fatalf("cached result after refresh = %v, want 2", after.Rows[0]["n"])
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}
}

func TestQueryExpiredEntryRecomputes(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})
	req := Request{SQL: "SELECT * FROM analytics.events", TTL: time.Nanosecond}

	mustQuery(t, m, req)
	time.Sleep(time.Millisecond)

	resp := mustQuery(t, m, req)
	if resp.Status != StatusMiss {
		t.Fatalf("status for expired entry = %s, want %s", resp.Status, StatusMiss)
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}
}

func TestQueryCollapsesConcurrentIdenticalRequests(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once
	eng := &fakeEngine{}
	eng.execute = func(context.Context, engine.Request) (*engine.Result, error) {
		startedOnce.Do(func() { close(started) })
		<-release
		return &engine.Result{
			Columns: []engine.Column{{Name: "total", Type: "UInt64"}},
			Rows:    []map[string]any{{"total": float64(7)}},
		}, nil
	}
	m := newTestManager(t, ManagerOptions{Engine: eng})
	req := Request{SQL: "SELECT count() AS total FROM analytics.events"}

	const callers = 4
	responses := make(chan *Response, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Query(context.Background(), req)
			if err != nil {
				t.Errorf("Query: %v", err)
				return
			}
			responses <- resp
		}()
	}

	<-started
	// Give the remaining callers time to miss the cache and join the flight
	// before the leader finishes.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(responses)

	if got := eng.calls.Load(); got != 1 {
		t.Fatalf("engine executions = %d, want 1", got)
	}
	queryID := ""
	for resp := range responses {
		if resp.Status != StatusMiss {
			t.Fatalf("status = %s, want %s", resp.Status, StatusMiss)
		}
		if queryID == "" {
			queryID = resp.QueryID
		}
		if resp.QueryID != queryID {
			t.Fatalf("callers saw different query ids: %s vs %s", resp.QueryID, queryID)
		}
		if resp.Rows[0]["total"] != float64(7) {
			t.Fatalf("shared rows = %v, want 7", resp.Rows[0]["total"])
		}
	}
}

func TestQueryEngineFailurePropagates(t *testing.T) {
	eng := &fakeEngine{}
	eng.execute = func(context.Context, engine.Request) (*engine.Result, error) {
		return nil, fmt.Errorf("%w: scanned 10GiB of 1GiB", engine.ErrQuotaExceeded)
	}
	backend := cache.NewMemory()
	m := newTestManager(t, ManagerOptions{Engine: eng, Backend: backend})
	req := Request{SQL: "SELECT * FROM analytics.wide_table"}

	for i := 0; i < 2; i++ {
		_, err := m.Query(context.Background(), req)
		if !errors.Is(err, engine.ErrQuotaExceeded) {
			t.Fatalf("error = %v, want %v", err, engine.ErrQuotaExceeded)
		}
	}
	// Failures are not cached and do not pin the flight slot.
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}
	stats, err := backend.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Fatalf("store entries after failures = %d, want 0", stats.EntryCount)
	}
}

func TestQueryStoreOutageDegradesToCompute(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng, Backend: outageBackend{}})
	req := Request{SQL: "SELECT * FROM analytics.events"}

	for i := 0; i < 2; i++ {
		resp := mustQuery(t, m, req)
		if resp.Status != StatusMiss {
			t.Fatalf("status during outage = %s, want %s", resp.Status, StatusMiss)
		}
		if resp.Cache != nil {
			t.Fatalf("outage response carries cache info: %+v", resp.Cache)
		}
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}

	stats := m.Stats(context.Background())
	if stats.StoreAvailable {
		t.Fatal("stats report the offline store as available")
	}

	// Reads degrade; invalidation must not pretend it worked.
	if _, err := m.Invalidate(context.Background(), Invalidation{Scope: ScopeTable, Table: "analytics.events"}); !errors.Is(err, errStoreOffline) {
		t.Fatalf("invalidate error = %v, want %v", err, errStoreOffline)
	}
}

func TestQueryCorruptPayloadSelfHeals(t *testing.T) {
	eng := &fakeEngine{}
	backend := cache.NewMemory()
	m := newTestManager(t, ManagerOptions{Engine: eng, Backend: backend})
	req := Request{SQL: "SELECT * FROM analytics.events"}
	ctx := context.Background()

	first := mustQuery(t, m, req)
	key := cache.Key{Fingerprint: first.Fingerprint}
	entry, err := backend.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	entry.Payload = json.RawMessage(`{"columns": [`)
	if err := backend.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	healed := mustQuery(t, m, req)
	if healed.Status != StatusMiss {
		t.Fatalf("status over corrupt entry = %s, want %s", healed.Status, StatusMiss)
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}

	after := mustQuery(t, m, req)
	if after.Status != StatusHit {
		t.Fatalf("status after healing = %s, want %s", after.Status, StatusHit)
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}
}

func TestQueryOwnerIsolation(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})
	sql := "SELECT * FROM analytics.events"

	alice := mustQuery(t, m, Request{SQL: sql, Owner: "alice"})
	bob := mustQuery(t, m, Request{SQL: sql, Owner: "bob"})
	if alice.Fingerprint == bob.Fingerprint {
		t.Fatal("owners share a fingerprint")
	}
	if alice.Status != StatusMiss || bob.Status != StatusMiss {
		t.Fatalf("statuses = %s/%s, want both %s", alice.Status, bob.Status, StatusMiss)
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}

	if resp := mustQuery(t, m, Request{SQL: sql, Owner: "alice"}); resp.Status != StatusHit {
		t.Fatalf("alice status = %s, want %s", resp.Status, StatusHit)
	}
	if resp := mustQuery(t, m, Request{SQL: sql, Owner: "bob"}); resp.Status != StatusHit {
		t.Fatalf("bob status = %s, want %s", resp.Status, StatusHit)
	}
	if resp := mustQuery(t, m, Request{SQL: sql}); resp.Status != StatusMiss {
		t.Fatalf("anonymous status = %s, want %s (own partition)", resp.Status, StatusMiss)
	}
	if got := eng.calls.Load(); got != 3 {
		t.Fatalf("engine executions = %d, want 3", got)
	}
}

func TestQueryMutatingStatementRejected(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})

	for _, sql := range []string{
		"INSERT INTO analytics.events VALUES (1)",
		"drop table analytics.events",
		"SELECT 1; DELETE FROM analytics.events",
	} {
		if _, err := m.Query(context.Background(), Request{SQL: sql}); !errors.Is(err, ErrMutatingStatement) {
			t.Fatalf("error for %q = %v, want %v", sql, err, ErrMutatingStatement)
		}
	}
	if got := eng.calls.Load(); got != 0 {
		t.Fatalf("engine executions = %d, want 0", got)
	}

	// Keywords inside string literals are data, not statements.
	resp := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events WHERE note = 'please DELETE me'"})
	if resp.Status != StatusMiss {
		t.Fatalf("status = %s, want %s", resp.Status, StatusMiss)
	}
}

func TestQueryTemplateFlow(t *testing.T) {
	lib := newTestTemplates(t, map[string]string{
		"reports/daily.sql": "SELECT day, total FROM analytics.daily WHERE day = '{{ .day }}'",
		"blank.sql":         "{{/* renders nothing */}}",
	})
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng, Templates: lib})

	req := Request{Template: "reports/daily", TemplateParams: map[string]any{"day": "2025-01-01"}}
	first := mustQuery(t, m, req)
	if first.Status != StatusMiss {
		t.Fatalf("status = %s, want %s", first.Status, StatusMiss)
	}
	if resp := mustQuery(t, m, req); resp.Status != StatusHit {
		t.Fatalf("repeat status = %s, want %s", resp.Status, StatusHit)
	}
	if got := eng.calls.Load(); got != 1 {
		t.Fatalf("engine executions = %d, want 1", got)
	}

	// A different parameter value renders different SQL and misses.
	other := mustQuery(t, m, Request{Template: "reports/daily", TemplateParams: map[string]any{"day": "2025-01-02"}})
	if other.Fingerprint == first.Fingerprint {
		t.Fatal("different parameters produced the same fingerprint")
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown template", Request{Template: "reports/monthly"}, templates.ErrNotFound},
		{"missing parameter", Request{Template: "reports/daily"}, ErrTemplateFailed},
		{"sql and template", Request{SQL: "SELECT 1", Template: "reports/daily"}, ErrConflictingQuery},
		{"neither", Request{}, ErrEmptyQuery},
		{"empty render", Request{Template: "blank"}, ErrEmptyQuery},
	}
	for _, tc := range cases {
		if _, err := m.Query(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: error = %v, want %v", tc.name, err, tc.want)
		}
	}

	bare := newTestManager(t, ManagerOptions{Engine: eng})
	if _, err := bare.Query(context.Background(), Request{Template: "reports/daily"}); !errors.Is(err, templates.ErrNotFound) {
		t.Fatalf("no library error = %v, want %v", err, templates.ErrNotFound)
	}
}

func TestQueryTTLClampedToCeiling(t *testing.T) {
	eng := &fakeEngine{}
	backend := cache.NewMemory()
	m := newTestManager(t, ManagerOptions{
		Engine:     eng,
		Backend:    backend,
		DefaultTTL: time.Minute,
		MaxTTL:     time.Hour,
	})
	ctx := context.Background()

	clamped := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events", TTL: 5 * time.Hour})
	entry, err := backend.Get(ctx, cache.Key{Fingerprint: clamped.Fingerprint})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := entry.ExpiresAt.Sub(entry.CreatedAt); got != time.Hour {
		t.Fatalf("clamped ttl = %v, want %v", got, time.Hour)
	}

	defaulted := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.users"})
	entry, err = backend.Get(ctx, cache.Key{Fingerprint: defaulted.Fingerprint})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := entry.ExpiresAt.Sub(entry.CreatedAt); got != time.Minute {
		t.Fatalf("default ttl = %v, want %v", got, time.Minute)
	}
}

func TestQueryWithoutTablesStillCached(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})
	req := Request{SQL: "SELECT 1 AS one"}

	mustQuery(t, m, req)
	if resp := mustQuery(t, m, req); resp.Status != StatusHit {
		t.Fatalf("status = %s, want %s", resp.Status, StatusHit)
	}
	if got := eng.calls.Load(); got != 1 {
		t.Fatalf("engine executions = %d, want 1", got)
	}
	if stats := m.Stats(context.Background()); stats.UnindexedEntries != 1 {
		t.Fatalf("unindexed entries = %d, want 1", stats.UnindexedEntries)
	}
}

func TestQueryDefaultLimitsFoldIntoFingerprint(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng, MaxRows: 1000, MaxScanBytes: 1 << 30})
	ctx := context.Background()
	sql := "SELECT * FROM analytics.events"

	implicit, err := m.Explain(ctx, Request{SQL: sql})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	explicit, err := m.Explain(ctx, Request{SQL: sql, MaxRows: 1000, MaxScanBytes: 1 << 30})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if implicit.Fingerprint != explicit.Fingerprint {
		t.Fatalf("defaulted and explicit limits disagree: %s vs %s", implicit.Fingerprint, explicit.Fingerprint)
	}

	tighter, err := m.Explain(ctx, Request{SQL: sql, MaxRows: 10})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if tighter.Fingerprint == implicit.Fingerprint {
		t.Fatal("a tighter row limit must change the fingerprint")
	}
}

func TestExplainReportsCacheState(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})
	ctx := context.Background()

	exp, err := m.Explain(ctx, Request{SQL: "SELECT * FROM analytics.events"})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if exp.CacheState != "MISS" {
		t.Fatalf("state = %s, want MISS", exp.CacheState)
	}
	if !reflect.DeepEqual(exp.Tables, []string{"analytics.events"}) {
		t.Fatalf("tables = %v, want [analytics.events]", exp.Tables)
	}
	if exp.Cached != nil {
		t.Fatalf("miss explanation carries cache info: %+v", exp.Cached)
	}

	// Whitespace differences normalize away.
	variant, err := m.Explain(ctx, Request{SQL: "SELECT   *\n\tFROM analytics.events"})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if variant.Fingerprint != exp.Fingerprint {
		t.Fatalf("whitespace changed the fingerprint: %s vs %s", variant.Fingerprint, exp.Fingerprint)
	}

	mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events"})
	exp, err = m.Explain(ctx, Request{SQL: "SELECT * FROM analytics.events"})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if exp.CacheState != "HIT" {
		t.Fatalf("state = %s, want HIT", exp.CacheState)
	}
	if exp.Cached == nil {
		t.Fatal("hit explanation missing cache info")
	}

	mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.users", TTL: time.Nanosecond})
	time.Sleep(time.Millisecond)
	exp, err = m.Explain(ctx, Request{SQL: "SELECT * FROM analytics.users", TTL: time.Nanosecond})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if exp.CacheState != "EXPIRED" {
		t.Fatalf("state = %s, want EXPIRED", exp.CacheState)
	}

	// Explaining never executes.
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}
}

func TestInvalidateByTable(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})

	events := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events"})
	mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.users"})

	result, err := m.Invalidate(context.Background(), Invalidation{Scope: ScopeTable, Table: " analytics.events "})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if result.Removed != 1 {
		t.Fatalf("removed = %d, want 1", result.Removed)
	}
	if len(result.Keys) != 1 || result.Keys[0].Fingerprint != events.Fingerprint {
		t.Fatalf("keys = %+v, want the events fingerprint", result.Keys)
	}

	if resp := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events"}); resp.Status != StatusMiss {
		t.Fatalf("events status = %s, want %s", resp.Status, StatusMiss)
	}
	if resp := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.users"}); resp.Status != StatusHit {
		t.Fatalf("users status = %s, want %s", resp.Status, StatusHit)
	}

	empty, err := m.Invalidate(context.Background(), Invalidation{Scope: ScopeTable, Table: "analytics.empty"})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if empty.Removed != 0 || len(empty.Keys) != 0 {
		t.Fatalf("result for unused table = %+v, want nothing removed", empty)
	}
}

func TestInvalidateByFingerprint(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})
	sql := "SELECT * FROM analytics.events"

	alice := mustQuery(t, m, Request{SQL: sql, Owner: "alice"})
	mustQuery(t, m, Request{SQL: sql, Owner: "bob"})

	result, err := m.Invalidate(context.Background(), Invalidation{
		Scope:       ScopeFingerprint,
		Fingerprint: alice.Fingerprint,
		Owner:       "alice",
	})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if result.Removed != 1 {
		t.Fatalf("removed = %d, want 1", result.Removed)
	}

	if resp := mustQuery(t, m, Request{SQL: sql, Owner: "alice"}); resp.Status != StatusMiss {
		t.Fatalf("alice status = %s, want %s", resp.Status, StatusMiss)
	}
	if resp := mustQuery(t, m, Request{SQL: sql, Owner: "bob"}); resp.Status != StatusHit {
		t.Fatalf("bob status = %s, want %s", resp.Status, StatusHit)
	}

	absent, err := m.Invalidate(context.Background(), Invalidation{Scope: ScopeFingerprint, Fingerprint: "deadbeef"})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if absent.Removed != 0 {
		t.Fatalf("removed for unknown fingerprint = %d, want 0", absent.Removed)
	}
}

func TestInvalidateAll(t *testing.T) {
	eng := &fakeEngine{}
	m := newTestManager(t, ManagerOptions{Engine: eng})

	mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events"})
	mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.users"})

	result, err := m.Invalidate(context.Background(), Invalidation{Scope: ScopeAll})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if result.Removed != 2 {
		t.Fatalf("removed = %d, want 2", result.Removed)
	}
	if stats := m.Stats(context.Background()); stats.StoreEntries != 0 {
		t.Fatalf("store entries after purge = %d, want 0", stats.StoreEntries)
	}
}

func TestInvalidateRejectsBadScopes(t *testing.T) {
	m := newTestManager(t, ManagerOptions{Engine: &fakeEngine{}})
	cases := []struct {
		name string
		inv  Invalidation
		want error
	}{
		{"unknown scope", Invalidation{Scope: "partition"}, ErrBadScope},
		{"fingerprint without value", Invalidation{Scope: ScopeFingerprint}, ErrBadScope},
		{"single part table", Invalidation{Scope: ScopeTable, Table: "events"}, ErrBadTableIdentifier},
		{"too many parts", Invalidation{Scope: ScopeTable, Table: "a.b.c.d"}, ErrBadTableIdentifier},
	}
	for _, tc := range cases {
		if _, err := m.Invalidate(context.Background(), tc.inv); !errors.Is(err, tc.want) {
			t.Fatalf("%s: error = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestCleanupRemovesExpiredEntriesAndEdges(t *testing.T) {
	eng := &fakeEngine{}
	backend := cache.NewMemory()
	m := newTestManager(t, ManagerOptions{Engine: eng, Backend: backend})
	ctx := context.Background()

	stale := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.stale_rollup", TTL: time.Nanosecond})
	live := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.live_rollup"})
	time.Sleep(time.Millisecond)

	removed, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := backend.Get(ctx, cache.Key{Fingerprint: stale.Fingerprint}); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expired entry lookup = %v, want %v", err, cache.ErrNotFound)
	}
	if _, err := backend.Get(ctx, cache.Key{Fingerprint: live.Fingerprint}); err != nil {
		t.Fatalf("fresh entry lookup: %v", err)
	}

	// The dependency edges went with the entry.
	result, err := m.Invalidate(ctx, Invalidation{Scope: ScopeTable, Table: "analytics.stale_rollup"})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if result.Removed != 0 {
		t.Fatalf("edges survived cleanup: removed = %d", result.Removed)
	}

	again, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if again != 0 {
		t.Fatalf("second sweep removed = %d, want 0", again)
	}
}

func TestTrackSchemaChangeInvalidatesOnce(t *testing.T) {
	eng := &fakeEngine{
		columns: map[string][]engine.Column{
			"analytics.events": {{Name: "id", Type: "UInt64"}, {Name: "name", Type: "String"}},
		},
	}
	m := newTestManager(t, ManagerOptions{Engine: eng, Schemas: catalog.NewTracker(catalog.NewMemory())})
	ctx := context.Background()
	seed := func() {
		t.Helper()
		if resp := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events"}); resp.Status != StatusMiss {
			t.Fatalf("seed status = %s, want %s", resp.Status, StatusMiss)
		}
	}

	seed()
	first, err := m.TrackSchemaChange(ctx, "analytics.events", nil)
	if err != nil {
		t.Fatalf("TrackSchemaChange: %v", err)
	}
	if !first.Changed || first.Version != 1 {
		t.Fatalf("first report = %+v, want changed at version 1", first)
	}
	if first.Invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", first.Invalidated)
	}

	seed()
	repeat, err := m.TrackSchemaChange(ctx, "analytics.events", nil)
	if err != nil {
		t.Fatalf("TrackSchemaChange: %v", err)
	}
	if repeat.Changed || repeat.Version != 1 || repeat.Invalidated != 0 {
		t.Fatalf("identical report = %+v, want unchanged no-op", repeat)
	}
	if resp := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events"}); resp.Status != StatusHit {
		t.Fatalf("entry lost on unchanged report: status = %s", resp.Status)
	}

	widened := []engine.Column{{Name: "id", Type: "UInt64"}, {Name: "name", Type: "String"}, {Name: "at", Type: "DateTime"}}
	second, err := m.TrackSchemaChange(ctx, "analytics.events", widened)
	if err != nil {
		t.Fatalf("TrackSchemaChange: %v", err)
	}
	if !second.Changed || second.Version != 2 || second.Invalidated != 1 {
		t.Fatalf("widened report = %+v, want version 2 invalidating 1", second)
	}
	if resp := mustQuery(t, m, Request{SQL: "SELECT * FROM analytics.events"}); resp.Status != StatusMiss {
		t.Fatalf("entry survived schema change: status = %s", resp.Status)
	}
}

func TestTrackSchemaChangeValidation(t *testing.T) {
	eng := &fakeEngine{columns: map[string][]engine.Column{}}
	m := newTestManager(t, ManagerOptions{Engine: eng, Schemas: catalog.NewTracker(catalog.NewMemory())})
	ctx := context.Background()
	cols := []engine.Column{{Name: "id", Type: "UInt64"}}

	if _, err := m.TrackSchemaChange(ctx, "events", cols); !errors.Is(err, ErrBadTableIdentifier) {
		t.Fatalf("single part error = %v, want %v", err, ErrBadTableIdentifier)
	}
	if _, err := m.TrackSchemaChange(ctx, "proj.ds.events", nil); !errors.Is(err, ErrBadTableIdentifier) {
		t.Fatalf("project-qualified without columns error = %v, want %v", err, ErrBadTableIdentifier)
	}
	if _, err := m.TrackSchemaChange(ctx, "analytics.missing", nil); !errors.Is(err, engine.ErrInvalidQuery) {
		t.Fatalf("schema fetch error = %v, want %v", err, engine.ErrInvalidQuery)
	}

	bare := newTestManager(t, ManagerOptions{Engine: eng})
	if _, err := bare.TrackSchemaChange(ctx, "analytics.events", cols); err == nil {
		t.Fatal("expected error without a schema tracker")
	}
}

func TestStatsCounters(t *testing.T) {
	eng := &fakeEngine{}
	eng.execute = func(_ context.Context, req engine.Request) (*engine.Result, error) {
		if strings.Contains(req.SQL, "quota_trip") {
			return nil, engine.ErrQuotaExceeded
		}
		return &engine.Result{
			Columns: []engine.Column{{Name: "total", Type: "UInt64"}},
			Rows:    []map[string]any{{"total": float64(1)}},
		}, nil
	}
	m := newTestManager(t, ManagerOptions{Engine: eng, History: history.NewMemory(10)})
	ctx := context.Background()
	sql := "SELECT * FROM analytics.events"

	// One of each outcome: miss, hit, forced, disabled, then a failure.
	seeded := mustQuery(t, m, Request{SQL: sql})
	mustQuery(t, m, Request{SQL: sql})
	mustQuery(t, m, Request{SQL: sql, ForceRefresh: true})
	mustQuery(t, m, Request{SQL: sql, NoCache: true})
	if _, err := m.Query(ctx, Request{SQL: "SELECT * FROM analytics.quota_trip"}); err == nil {
		t.Fatal("expected quota failure")
	}
	if _, err := m.Invalidate(ctx, Invalidation{Scope: ScopeFingerprint, Fingerprint: seeded.Fingerprint}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	mustQuery(t, m, Request{SQL: "SELECT 1 AS one"}) // miss, unindexed

	stats := m.Stats(ctx)
	want := StatsSnapshot{
		Hits:               1,
		Misses:             2,
		ForcedRefreshes:    1,
		CacheDisabled:      1,
		Failures:           1,
		InvalidatedEntries: 1,
		UnindexedEntries:   1,
		StoreAvailable:     true,
		StoreEntries:       1,
	}
	stats.StorePayloadBytes = 0
	stats.OldestEntryAgeSeconds = 0
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}

func TestHistoryRecordsComputesOnly(t *testing.T) {
	eng := &fakeEngine{}
	rec := history.NewMemory(10)
	m := newTestManager(t, ManagerOptions{Engine: eng, History: rec})
	ctx := context.Background()
	sql := "SELECT * FROM analytics.events"

	miss := mustQuery(t, m, Request{SQL: sql, Owner: "alice"})
	mustQuery(t, m, Request{SQL: sql, Owner: "alice"}) // hit, not recorded

	entries, err := m.History(ctx, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.QueryID != miss.QueryID {
		t.Fatalf("history query id = %s, want %s", got.QueryID, miss.QueryID)
	}
	if got.CacheStatus != string(StatusMiss) || !got.Success {
		t.Fatalf("history entry = %+v, want successful MISS", got)
	}
	if !reflect.DeepEqual(got.Tables, []string{"analytics.events"}) {
		t.Fatalf("history tables = %v, want [analytics.events]", got.Tables)
	}
	if got.BytesScanned != 2048 || got.RowsReturned != 1 {
		t.Fatalf("history stats = %d bytes / %d rows, want 2048 / 1", got.BytesScanned, got.RowsReturned)
	}

	failing := &fakeEngine{}
	failing.execute = func(context.Context, engine.Request) (*engine.Result, error) {
		return nil, engine.ErrTimeout
	}
	m2 := newTestManager(t, ManagerOptions{Engine: failing, History: rec})
	if _, err := m2.Query(ctx, Request{SQL: sql}); !errors.Is(err, engine.ErrTimeout) {
		t.Fatalf("error = %v, want %v", err, engine.ErrTimeout)
	}
	entries, err = m2.History(ctx, "", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 || entries[0].Success || entries[0].Error == "" {
		t.Fatalf("newest entry = %+v, want recorded failure", entries)
	}

	// Owner filtering narrows to one identity.
	alice, err := m.History(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(alice) != 1 || alice[0].Owner != "alice" {
		t.Fatalf("alice history = %+v, want her single compute", alice)
	}
}
