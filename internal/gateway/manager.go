// Package gateway orchestrates the cached query path: fingerprint the
// request, answer from the result cache when possible, collapse concurrent
// recomputations onto a single engine execution, and keep the dependency
// index, history, and schema snapshots in step with what it serves.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/querygate/internal/cache"
	"github.com/l0p7/querygate/internal/catalog"
	"github.com/l0p7/querygate/internal/engine"
	"github.com/l0p7/querygate/internal/fingerprint"
	"github.com/l0p7/querygate/internal/history"
	"github.com/l0p7/querygate/internal/metrics"
	"github.com/l0p7/querygate/internal/sqlscan"
	"github.com/l0p7/querygate/internal/templates"
)

const (
	defaultTTL          = time.Hour
	defaultMaxTTL       = 24 * time.Hour
	defaultCleanupBatch = 100
	defaultIdentityHdr  = "X-Querygate-Identity"

	// statusRejected labels requests refused before a cache decision was
	// reached: guard rejections, template failures, malformed orders.
	statusRejected = "REJECTED"
)

var (
	// ErrMutatingStatement signals the query guard refused a statement that
	// would write to the warehouse.
	ErrMutatingStatement = errors.New("gateway: mutating statement rejected")
	// ErrEmptyQuery signals the request carried neither SQL nor a template,
	// or the template rendered to nothing.
	ErrEmptyQuery = errors.New("gateway: query text required")
	// ErrConflictingQuery signals the request carried both raw SQL and a
	// template name.
	ErrConflictingQuery = errors.New("gateway: sql and template are mutually exclusive")
	// ErrTemplateFailed signals a template existed but could not render,
	// typically because a referenced parameter was missing.
	ErrTemplateFailed = errors.New("gateway: template rendering failed")
	// ErrBadScope signals an invalidation request with an unknown scope or a
	// missing scope qualifier.
	ErrBadScope = errors.New("gateway: invalid invalidation scope")
	// ErrBadTableIdentifier signals a table name outside the dotted
	// dataset.table / project.dataset.table grammar.
	ErrBadTableIdentifier = errors.New("gateway: malformed table identifier")
)

// CacheStatus describes how a query request was satisfied.
type CacheStatus string

const (
	// StatusHit means the response was served from the cache.
	StatusHit CacheStatus = "HIT"
	// StatusMiss means no usable entry existed and the engine computed one.
	StatusMiss CacheStatus = "MISS"
	// StatusForced means the caller demanded recomputation and the fresh
	// result overwrote whatever was cached.
	StatusForced CacheStatus = "FORCED"
	// StatusDisabled means the caller opted out of the cache for this call.
	StatusDisabled CacheStatus = "DISABLED"
)

// Invalidation scopes accepted by Invalidate.
const (
	ScopeTable       = "table"
	ScopeFingerprint = "fingerprint"
	ScopeAll         = "all"
)

// Request is one query order after HTTP decoding. Exactly one of SQL or
// Template must be set. Owner partitions the cache; the empty string is the
// shared partition. TTL at or below zero means the configured default, and
// values above the configured ceiling are clamped to it. Zero limits fall
// back to the configured defaults before fingerprinting, so an absent limit
// and an explicitly requested default produce the same key.
type Request struct {
	SQL            string
	Template       string
	TemplateParams map[string]any
	Owner          string
	NoCache        bool
	ForceRefresh   bool
	TTL            time.Duration
	MaxScanBytes   int64
	MaxRows        int64
}

// CacheInfo describes the cache entry backing a response.
type CacheInfo struct {
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	HitCount  int64     `json:"hitCount"`
}

// Response is the materialized answer to a query request. QueryID identifies
// the computation that produced the rows: callers sharing a single flight see
// the same id, and it matches the history record. Cache is nil when the
// result never touched the store.
type Response struct {
	QueryID     string           `json:"queryId"`
	Status      CacheStatus      `json:"cacheStatus"`
	Fingerprint string           `json:"fingerprint"`
	Columns     []engine.Column  `json:"columns"`
	Rows        []map[string]any `json:"rows"`
	Metadata    cache.Metadata   `json:"metadata"`
	Cache       *CacheInfo       `json:"cache,omitempty"`
}

// Explanation reports what a query request would do without executing it.
// CacheState is HIT, EXPIRED, or MISS as of the lookup.
type Explanation struct {
	Fingerprint string     `json:"fingerprint"`
	SQL         string     `json:"sql"`
	Owner       string     `json:"owner,omitempty"`
	Tables      []string   `json:"tables"`
	CacheState  string     `json:"cacheState"`
	Cached      *CacheInfo `json:"cached,omitempty"`
}

// Invalidation selects which entries to drop. Scope is one of table,
// fingerprint, or all; Table qualifies the first, Fingerprint plus Owner the
// second.
type Invalidation struct {
	Scope       string `json:"scope"`
	Table       string `json:"table,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// InvalidatedKey is one removed entry in an invalidation report.
type InvalidatedKey struct {
	Fingerprint string `json:"fingerprint"`
	Owner       string `json:"owner,omitempty"`
}

// InvalidationResult reports what an invalidation removed.
type InvalidationResult struct {
	Scope   string           `json:"scope"`
	Removed int64            `json:"removed"`
	Keys    []InvalidatedKey `json:"keys,omitempty"`
}

// SchemaTrackResult reports the outcome of a schema report: the stored
// version and whether the report changed it, plus how many cached entries the
// change invalidated.
type SchemaTrackResult struct {
	Table       string `json:"table"`
	Version     int64  `json:"version"`
	SchemaHash  string `json:"schemaHash"`
	Changed     bool   `json:"changed"`
	Invalidated int64  `json:"invalidated"`
}

// StatsSnapshot aggregates the manager's cumulative counters with the cheap
// store-side aggregates. Counters survive store outages; StoreAvailable is
// false when the store half could not be read.
type StatsSnapshot struct {
	Hits                  int64 `json:"hits"`
	Misses                int64 `json:"misses"`
	ForcedRefreshes       int64 `json:"forcedRefreshes"`
	CacheDisabled         int64 `json:"cacheDisabled"`
	Failures              int64 `json:"failures"`
	InvalidatedEntries    int64 `json:"invalidatedEntries"`
	UnindexedEntries      int64 `json:"unindexedEntries"`
	StoreAvailable        bool  `json:"storeAvailable"`
	StoreEntries          int64 `json:"storeEntries"`
	StorePayloadBytes     int64 `json:"storePayloadBytes"`
	OldestEntryAgeSeconds int64 `json:"oldestEntryAgeSeconds"`
}

// ManagerOptions carries the collaborators and policy knobs for a Manager.
// Backend and Engine are required in production; History, Schemas, Templates,
// and Metrics may be nil and the corresponding surface degrades to a no-op.
type ManagerOptions struct {
	Backend        cache.Backend
	Engine         engine.Engine
	History        history.Recorder
	Schemas        *catalog.Tracker
	Templates      *templates.Library
	Metrics        *metrics.Recorder
	IdentityHeader string
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	MaxScanBytes   int64
	MaxRows        int64
	CleanupBatch   int
}

// Manager is the cache orchestrator. All methods are safe for concurrent
// use; no lock is held across store or engine I/O.
type Manager struct {
	logger         *slog.Logger
	store          cache.Backend
	engine         engine.Engine
	history        history.Recorder
	schemas        *catalog.Tracker
	templates      *templates.Library
	metrics        *metrics.Recorder
	flight         Flight
	identityHeader string

	defaultTTL   time.Duration
	maxTTL       time.Duration
	maxScanBytes int64
	maxRows      int64
	cleanupBatch int

	hits        atomic.Int64
	misses      atomic.Int64
	forced      atomic.Int64
	disabled    atomic.Int64
	failures    atomic.Int64
	invalidated atomic.Int64
	unindexed   atomic.Int64
}

// NewManager wires a Manager from its options, applying defaults for
// anything unset.
func NewManager(logger *slog.Logger, opts ManagerOptions) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Backend
	if store == nil {
		store = cache.NewMemory()
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxTTL := opts.MaxTTL
	if maxTTL < ttl {
		maxTTL = defaultMaxTTL
		if maxTTL < ttl {
			maxTTL = ttl
		}
	}
	batch := opts.CleanupBatch
	if batch <= 0 {
		batch = defaultCleanupBatch
	}
	identityHeader := strings.TrimSpace(opts.IdentityHeader)
	if identityHeader == "" {
		identityHeader = defaultIdentityHdr
	}
	return &Manager{
		logger:         logger.With(slog.String("component", "gateway")),
		store:          store,
		engine:         opts.Engine,
		history:        opts.History,
		schemas:        opts.Schemas,
		templates:      opts.Templates,
		metrics:        opts.Metrics,
		identityHeader: identityHeader,
		defaultTTL:     ttl,
		maxTTL:         maxTTL,
		maxScanBytes:   opts.MaxScanBytes,
		maxRows:        opts.MaxRows,
		cleanupBatch:   batch,
	}
}

// Close releases the store. The engine and recorders are owned by the caller
// that built them.
func (m *Manager) Close() {
	m.store.Close()
}

// resultPayload is the serialized form of a result set inside a cache entry.
type resultPayload struct {
	Columns []engine.Column  `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

type computeSpec struct {
	queryID      string
	sql          string
	key          cache.Key
	status       CacheStatus
	ttl          time.Duration
	maxScanBytes int64
	maxRows      int64
	cacheResult  bool
}

type computeOutcome struct {
	queryID  string
	columns  []engine.Column
	rows     []map[string]any
	metadata cache.Metadata
	cache    *CacheInfo
}

// Query answers one request through the cached path: resolve the SQL, refuse
// mutating statements, fingerprint, then serve from cache or compute under
// the single-flight group. Store failures degrade to direct computation;
// engine failures propagate untouched.
func (m *Manager) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := m.logger.With(slog.String("query_id", requestID))

	sql, err := m.resolveSQL(req)
	if err != nil {
		return nil, m.failQuery(logger, start, statusRejected, err)
	}
	if keyword, ok := sqlscan.FirstMutatingKeyword(sql); ok {
		return nil, m.failQuery(logger, start, statusRejected, fmt.Errorf("%w: %s", ErrMutatingStatement, keyword))
	}

	params := fingerprint.Params{
		MaxScanBytes: m.effectiveScanLimit(req.MaxScanBytes),
		MaxRows:      m.effectiveRowLimit(req.MaxRows),
	}
	fp := fingerprint.Key(sql, params, req.Owner)
	key := cache.Key{Fingerprint: fp, Owner: req.Owner}
	ttl := m.effectiveTTL(req.TTL)
	logger = logger.With(slog.String("fingerprint", fp), slog.String("owner", req.Owner))
	logger.Debug("query started", slog.Bool("no_cache", req.NoCache), slog.Bool("force_refresh", req.ForceRefresh))

	status := StatusMiss
	switch {
	case req.NoCache:
		status = StatusDisabled
	case req.ForceRefresh:
		status = StatusForced
	}

	if status == StatusMiss {
		if resp, ok := m.serveFromCache(ctx, key, requestID, logger, start); ok {
			return resp, nil
		}
	}

	spec := computeSpec{
		queryID:      requestID,
		sql:          sql,
		key:          key,
		status:       status,
		ttl:          ttl,
		maxScanBytes: params.MaxScanBytes,
		maxRows:      params.MaxRows,
		cacheResult:  status != StatusDisabled,
	}

	var out *computeOutcome
	shared := false
	if status == StatusDisabled {
		// Opting out of the cache opts out of flight sharing too: the
		// caller asked for its own execution.
		out, err = m.compute(ctx, spec, logger)
	} else {
		var v any
		v, shared, err = m.flight.Do(ctx, fp+":"+req.Owner, func(fctx context.Context) (any, error) {
			return m.compute(fctx, spec, logger)
		})
		m.metrics.ObserveSingleFlight(shared)
		if err == nil {
			out = v.(*computeOutcome)
		}
	}
	if err != nil {
		return nil, m.failQuery(logger, start, string(status), err)
	}

	switch status {
	case StatusForced:
		m.forced.Add(1)
	case StatusDisabled:
		m.disabled.Add(1)
	default:
		m.misses.Add(1)
	}
	m.metrics.ObserveQuery(string(status), false, time.Since(start))
	logger.Info("query completed",
		slog.String("status", string(status)),
		slog.Bool("shared", shared),
		slog.Int64("bytes_scanned", out.metadata.BytesScanned),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
	return &Response{
		QueryID:     out.queryID,
		Status:      status,
		Fingerprint: fp,
		Columns:     out.columns,
		Rows:        out.rows,
		Metadata:    out.metadata,
		Cache:       out.cache,
	}, nil
}

// Explain resolves and fingerprints a request without executing it,
// reporting the extracted table dependencies and the current cache state.
func (m *Manager) Explain(ctx context.Context, req Request) (*Explanation, error) {
	sql, err := m.resolveSQL(req)
	if err != nil {
		return nil, err
	}
	if keyword, ok := sqlscan.FirstMutatingKeyword(sql); ok {
		return nil, fmt.Errorf("%w: %s", ErrMutatingStatement, keyword)
	}
	params := fingerprint.Params{
		MaxScanBytes: m.effectiveScanLimit(req.MaxScanBytes),
		MaxRows:      m.effectiveRowLimit(req.MaxRows),
	}
	fp := fingerprint.Key(sql, params, req.Owner)
	exp := &Explanation{
		Fingerprint: fp,
		SQL:         sql,
		Owner:       req.Owner,
		Tables:      sqlscan.Identifiers(sql),
		CacheState:  string(StatusMiss),
	}

	entry, err := m.store.Get(ctx, cache.Key{Fingerprint: fp, Owner: req.Owner})
	switch {
	case err == nil:
		if entry.Expired(time.Now()) {
			exp.CacheState = "EXPIRED"
		} else {
			exp.CacheState = string(StatusHit)
		}
		exp.Cached = &CacheInfo{CachedAt: entry.CreatedAt, ExpiresAt: entry.ExpiresAt, HitCount: entry.HitCount}
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrCorruptEntry):
		// Explain never mutates; a corrupt entry is reported as a miss and
		// left for the query path to heal.
	default:
		m.logger.Warn("cache lookup failed during explain", slog.Any("error", err))
	}
	return exp, nil
}

// Invalidate drops cache entries by table, by fingerprint, or wholesale.
// Unlike reads, invalidation must not degrade silently: a store failure is
// returned so the caller knows stale entries may survive.
func (m *Manager) Invalidate(ctx context.Context, inv Invalidation) (*InvalidationResult, error) {
	switch inv.Scope {
	case ScopeTable:
		ref, ok := sqlscan.ParseTableRef(strings.TrimSpace(inv.Table))
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadTableIdentifier, inv.Table)
		}
		keys, err := m.store.InvalidateByTable(ctx, ref.String())
		if err != nil {
			return nil, fmt.Errorf("gateway: invalidate table %s: %w", ref, err)
		}
		m.noteInvalidation(ScopeTable, int64(len(keys)))
		return &InvalidationResult{Scope: ScopeTable, Removed: int64(len(keys)), Keys: exportKeys(keys)}, nil
	case ScopeFingerprint:
		fp := strings.TrimSpace(inv.Fingerprint)
		if fp == "" {
			return nil, fmt.Errorf("%w: fingerprint required", ErrBadScope)
		}
		key := cache.Key{Fingerprint: fp, Owner: inv.Owner}
		if _, err := m.store.Get(ctx, key); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return &InvalidationResult{Scope: ScopeFingerprint}, nil
			}
			if !errors.Is(err, cache.ErrCorruptEntry) {
				return nil, fmt.Errorf("gateway: invalidate fingerprint: %w", err)
			}
		}
		if err := m.store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("gateway: invalidate fingerprint: %w", err)
		}
		if err := m.store.Drop(ctx, key); err != nil {
			return nil, fmt.Errorf("gateway: drop dependencies: %w", err)
		}
		m.noteInvalidation(ScopeFingerprint, 1)
		return &InvalidationResult{Scope: ScopeFingerprint, Removed: 1, Keys: exportKeys([]cache.Key{key})}, nil
	case ScopeAll:
		removed, err := m.store.Purge(ctx)
		if err != nil {
			return nil, fmt.Errorf("gateway: purge: %w", err)
		}
		m.noteInvalidation(ScopeAll, removed)
		return &InvalidationResult{Scope: ScopeAll, Removed: removed}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadScope, inv.Scope)
	}
}

// TrackSchemaChange records a schema observation for the table and, when the
// schema differs from the last recorded version, invalidates every cached
// entry depending on it. Columns may be omitted for two-part names, in which
// case the current schema is fetched from the engine.
func (m *Manager) TrackSchemaChange(ctx context.Context, table string, columns []engine.Column) (*SchemaTrackResult, error) {
	if m.schemas == nil {
		return nil, errors.New("gateway: schema tracking not configured")
	}
	ref, ok := sqlscan.ParseTableRef(strings.TrimSpace(table))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadTableIdentifier, table)
	}
	ident := ref.String()

	if len(columns) == 0 {
		if ref.Project != "" {
			return nil, fmt.Errorf("%w: columns required for project-qualified table %q", ErrBadTableIdentifier, ident)
		}
		fetched, err := m.engine.Columns(ctx, ref.Dataset, ref.Table)
		if err != nil {
			return nil, fmt.Errorf("gateway: fetch schema for %s: %w", ident, err)
		}
		columns = fetched
	}

	snap, changed, err := m.schemas.Track(ctx, ident, columns)
	if err != nil {
		return nil, fmt.Errorf("gateway: track schema for %s: %w", ident, err)
	}
	result := &SchemaTrackResult{
		Table:      ident,
		Version:    snap.Version,
		SchemaHash: snap.SchemaHash,
		Changed:    changed,
	}
	if !changed {
		return result, nil
	}
	m.logger.Info("schema change recorded",
		slog.String("table", ident),
		slog.Int64("version", snap.Version),
	)
	keys, err := m.store.InvalidateByTable(ctx, ident)
	if err != nil {
		// The version is already bumped, so this invalidation will not be
		// retried implicitly. Surface the failure for an explicit retry via
		// the invalidate endpoint.
		return nil, fmt.Errorf("gateway: invalidate after schema change on %s: %w", ident, err)
	}
	result.Invalidated = int64(len(keys))
	m.noteInvalidation("schema", result.Invalidated)
	return result, nil
}

// Stats reports the cumulative counters plus the store aggregates.
func (m *Manager) Stats(ctx context.Context) StatsSnapshot {
	snap := StatsSnapshot{
		Hits:               m.hits.Load(),
		Misses:             m.misses.Load(),
		ForcedRefreshes:    m.forced.Load(),
		CacheDisabled:      m.disabled.Load(),
		Failures:           m.failures.Load(),
		InvalidatedEntries: m.invalidated.Load(),
		UnindexedEntries:   m.unindexed.Load(),
		StoreAvailable:     true,
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("store stats failed", slog.Any("error", err))
		snap.StoreAvailable = false
		return snap
	}
	snap.StoreEntries = stats.EntryCount
	snap.StorePayloadBytes = stats.PayloadBytes
	if !stats.OldestCreated.IsZero() {
		snap.OldestEntryAgeSeconds = int64(time.Since(stats.OldestCreated).Seconds())
	}
	return snap
}

// Cleanup drains expired entries in batches through the same delete path the
// invalidators use, so dependency edges never outlive their entries. It is
// re-entrant; overlapping sweeps delete disjoint or already-gone keys.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	var removed int64
	for {
		keys, err := m.store.ListExpired(ctx, time.Now(), m.cleanupBatch)
		if err != nil {
			m.metrics.ObserveCleanup(removed, true)
			return removed, fmt.Errorf("gateway: list expired: %w", err)
		}
		if len(keys) == 0 {
			break
		}
		for _, key := range keys {
			if err := m.store.Delete(ctx, key); err != nil {
				m.metrics.ObserveCleanup(removed, true)
				return removed, fmt.Errorf("gateway: delete expired: %w", err)
			}
			if err := m.store.Drop(ctx, key); err != nil {
				m.metrics.ObserveCleanup(removed, true)
				return removed, fmt.Errorf("gateway: drop expired dependencies: %w", err)
			}
			removed++
		}
		if len(keys) < m.cleanupBatch {
			break
		}
	}
	m.metrics.ObserveCleanup(removed, false)
	if removed > 0 {
		m.logger.Info("expired entries removed", slog.Int64("removed", removed))
	}
	return removed, nil
}

// History returns recent executions, newest first. An empty owner spans all
// identities.
func (m *Manager) History(ctx context.Context, owner string, limit int) ([]history.Entry, error) {
	if m.history == nil {
		return []history.Entry{}, nil
	}
	return m.history.Recent(ctx, owner, limit)
}

// TemplateNames lists the loaded saved-query templates.
func (m *Manager) TemplateNames() []string {
	if m.templates == nil {
		return []string{}
	}
	return m.templates.Names()
}

// Databases lists the warehouse databases. Catalog listings are always
// pass-through, never cached.
func (m *Manager) Databases(ctx context.Context) ([]string, error) {
	return m.engine.Databases(ctx)
}

// Tables lists the tables of one database.
func (m *Manager) Tables(ctx context.Context, database string) ([]string, error) {
	return m.engine.Tables(ctx, database)
}

// Columns lists the column schema of one table.
func (m *Manager) Columns(ctx context.Context, database, table string) ([]engine.Column, error) {
	return m.engine.Columns(ctx, database, table)
}

func (m *Manager) resolveSQL(req Request) (string, error) {
	sql := strings.TrimSpace(req.SQL)
	name := strings.TrimSpace(req.Template)
	switch {
	case name != "" && sql != "":
		return "", ErrConflictingQuery
	case name != "":
		if m.templates == nil {
			return "", fmt.Errorf("%w: %s (no template folder configured)", templates.ErrNotFound, name)
		}
		rendered, err := m.templates.Render(name, req.TemplateParams)
		if err != nil {
			if errors.Is(err, templates.ErrNotFound) {
				return "", err
			}
			return "", fmt.Errorf("%w: %v", ErrTemplateFailed, err)
		}
		rendered = strings.TrimSpace(rendered)
		if rendered == "" {
			return "", fmt.Errorf("%w: template %q rendered empty", ErrEmptyQuery, name)
		}
		return rendered, nil
	case sql != "":
		return sql, nil
	default:
		return "", ErrEmptyQuery
	}
}

// serveFromCache attempts to answer from the store. It owns the lookup
// bookkeeping: metrics per outcome, opportunistic deletion of corrupt
// entries, and the hit counter. A false return means the caller computes.
func (m *Manager) serveFromCache(ctx context.Context, key cache.Key, requestID string, logger *slog.Logger, start time.Time) (*Response, bool) {
	lookupStart := time.Now()
	entry, err := m.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		m.metrics.ObserveCacheLookup(metrics.LookupMiss, time.Since(lookupStart))
		return nil, false
	case errors.Is(err, cache.ErrCorruptEntry):
		m.metrics.ObserveCacheLookup(metrics.LookupCorrupt, time.Since(lookupStart))
		m.discardCorrupt(ctx, key, logger)
		return nil, false
	default:
		m.metrics.ObserveCacheLookup(metrics.LookupError, time.Since(lookupStart))
		logger.Warn("cache lookup failed, computing directly", slog.Any("error", err))
		return nil, false
	}

	if entry.Expired(time.Now()) {
		m.metrics.ObserveCacheLookup(metrics.LookupExpired, time.Since(lookupStart))
		return nil, false
	}

	var payload resultPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		m.metrics.ObserveCacheLookup(metrics.LookupCorrupt, time.Since(lookupStart))
		logger.Warn("cached payload undecodable, recomputing", slog.Any("error", err))
		m.discardCorrupt(ctx, key, logger)
		return nil, false
	}
	m.metrics.ObserveCacheLookup(metrics.LookupHit, time.Since(lookupStart))

	if err := m.store.IncrementHitCount(ctx, key); err != nil {
		logger.Warn("hit count increment failed", slog.Any("error", err))
	} else {
		entry.HitCount++
	}

	m.hits.Add(1)
	m.metrics.ObserveQuery(string(StatusHit), false, time.Since(start))
	logger.Info("cache hit",
		slog.Int64("hit_count", entry.HitCount),
		slog.Float64("age_seconds", time.Since(entry.CreatedAt).Seconds()),
	)
	return &Response{
		QueryID:     requestID,
		Status:      StatusHit,
		Fingerprint: key.Fingerprint,
		Columns:     payload.Columns,
		Rows:        payload.Rows,
		Metadata:    entry.Metadata,
		Cache:       &CacheInfo{CachedAt: entry.CreatedAt, ExpiresAt: entry.ExpiresAt, HitCount: entry.HitCount},
	}, true
}

// compute dispatches to the engine and, for cacheable calls, persists the
// entry and its dependency edges. Engine failures propagate; store failures
// only cost the caching.
func (m *Manager) compute(ctx context.Context, spec computeSpec, logger *slog.Logger) (*computeOutcome, error) {
	execStart := time.Now()
	result, execErr := m.engine.Execute(ctx, engine.Request{
		SQL:          spec.sql,
		MaxScanBytes: spec.maxScanBytes,
		MaxRows:      spec.maxRows,
		QueryID:      spec.queryID,
	})
	execDuration := time.Since(execStart)

	var bytesScanned int64
	if result != nil {
		bytesScanned = result.BytesScanned
	}
	m.metrics.ObserveEngineExecution(engineOutcome(execErr), bytesScanned, execDuration)

	tables := sqlscan.Identifiers(spec.sql)
	m.recordHistory(ctx, spec, result, execErr, execDuration, tables, logger)

	if execErr != nil {
		return nil, execErr
	}

	out := &computeOutcome{
		queryID: spec.queryID,
		columns: result.Columns,
		rows:    result.Rows,
		metadata: cache.Metadata{
			BytesScanned: result.BytesScanned,
			RowsRead:     result.RowsRead,
			DurationMS:   result.Duration.Milliseconds(),
		},
	}
	if !spec.cacheResult {
		return out, nil
	}

	payload, err := json.Marshal(resultPayload{Columns: result.Columns, Rows: result.Rows})
	if err != nil {
		logger.Warn("result payload encode failed, serving uncached", slog.Any("error", err))
		return out, nil
	}
	now := time.Now().UTC()
	entry := cache.Entry{
		Fingerprint: spec.key.Fingerprint,
		Owner:       spec.key.Owner,
		QueryText:   spec.sql,
		Payload:     payload,
		Metadata:    out.metadata,
		CreatedAt:   now,
		ExpiresAt:   now.Add(spec.ttl),
	}
	storeStart := time.Now()
	if err := m.store.Put(ctx, entry); err != nil {
		m.metrics.ObserveCacheStore(metrics.StoreError, time.Since(storeStart))
		logger.Warn("cache store failed, serving uncached", slog.Any("error", err))
		return out, nil
	}
	m.metrics.ObserveCacheStore(metrics.StoreStored, time.Since(storeStart))

	if len(tables) == 0 {
		m.unindexed.Add(1)
		m.metrics.ObserveUnindexedEntry()
		logger.Debug("no table references extracted, entry not indexed")
	} else if err := m.store.Record(ctx, entry.Key(), tables); err != nil {
		// The entry is served and cached but cannot be found by table
		// invalidation until the next recompute replaces its edges.
		m.unindexed.Add(1)
		m.metrics.ObserveUnindexedEntry()
		logger.Warn("dependency record failed", slog.Any("error", err))
	}
	out.cache = &CacheInfo{CachedAt: entry.CreatedAt, ExpiresAt: entry.ExpiresAt}
	return out, nil
}

func (m *Manager) recordHistory(ctx context.Context, spec computeSpec, result *engine.Result, execErr error, execDuration time.Duration, tables []string, logger *slog.Logger) {
	if m.history == nil {
		return
	}
	entry := history.Entry{
		QueryID:     spec.queryID,
		Owner:       spec.key.Owner,
		QueryText:   spec.sql,
		CacheStatus: string(spec.status),
		Success:     execErr == nil,
		DurationMS:  execDuration.Milliseconds(),
		Tables:      tables,
		CreatedAt:   time.Now().UTC(),
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	}
	if result != nil {
		entry.BytesScanned = result.BytesScanned
		entry.RowsReturned = int64(len(result.Rows))
		if result.Duration > 0 {
			entry.DurationMS = result.Duration.Milliseconds()
		}
	}
	if err := m.history.Record(ctx, entry); err != nil {
		logger.Warn("history record failed", slog.Any("error", err))
	}
}

func (m *Manager) discardCorrupt(ctx context.Context, key cache.Key, logger *slog.Logger) {
	if err := m.store.Delete(ctx, key); err != nil {
		logger.Warn("corrupt entry delete failed", slog.Any("error", err))
		return
	}
	if err := m.store.Drop(ctx, key); err != nil {
		logger.Warn("corrupt entry dependency drop failed", slog.Any("error", err))
	}
}

func (m *Manager) failQuery(logger *slog.Logger, start time.Time, status string, err error) error {
	m.failures.Add(1)
	m.metrics.ObserveQuery(status, true, time.Since(start))
	logger.Error("query failed", slog.String("status", status), slog.Any("error", err))
	return err
}

func (m *Manager) noteInvalidation(scope string, removed int64) {
	m.invalidated.Add(removed)
	m.metrics.ObserveInvalidation(scope, removed)
	m.logger.Info("cache invalidated", slog.String("scope", scope), slog.Int64("removed", removed))
}

func (m *Manager) effectiveTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return m.defaultTTL
	}
	if requested > m.maxTTL {
		return m.maxTTL
	}
	return requested
}

func (m *Manager) effectiveScanLimit(requested int64) int64 {
	if requested <= 0 {
		return m.maxScanBytes
	}
	return requested
}

func (m *Manager) effectiveRowLimit(requested int64) int64 {
	if requested <= 0 {
		return m.maxRows
	}
	return requested
}

func engineOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, engine.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, engine.ErrInvalidQuery):
		return "invalid_query"
	case errors.Is(err, engine.ErrTimeout):
		return "timeout"
	case errors.Is(err, engine.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func exportKeys(keys []cache.Key) []InvalidatedKey {
	out := make([]InvalidatedKey, len(keys))
	for i, key := range keys {
		out[i] = InvalidatedKey{Fingerprint: key.Fingerprint, Owner: key.Owner}
	}
	return out
}
