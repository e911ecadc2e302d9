package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/querygate/internal/engine"
	"github.com/l0p7/querygate/internal/templates"
)

// queryRequest is the wire shape of query and explain requests. Unknown
// fields are rejected. useCache defaults to true when omitted; ttlSeconds at
// or below zero means the server default.
type queryRequest struct {
	SQL            string         `json:"sql"`
	Template       string         `json:"template"`
	TemplateParams map[string]any `json:"templateParams"`
	Owner          string         `json:"owner"`
	UseCache       *bool          `json:"useCache"`
	ForceRefresh   bool           `json:"forceRefresh"`
	TTLSeconds     int64          `json:"ttlSeconds"`
	MaxScanBytes   int64          `json:"maxScanBytes"`
	MaxRows        int64          `json:"maxRows"`
}

type schemaTrackRequest struct {
	Table   string          `json:"table"`
	Columns []engine.Column `json:"columns"`
}

// WriteError emits the JSON error payload shared by every endpoint.
func (m *Manager) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		m.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (m *Manager) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		m.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// ServeQuery answers POST /v1/query.
func (m *Manager) ServeQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := m.readQueryRequest(w, r)
	if !ok {
		return
	}
	resp, err := m.Query(r.Context(), req)
	if err != nil {
		m.WriteError(w, statusForError(err), err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, resp)
}

// ServeExplain answers POST /v1/explain with the fingerprint, extracted
// tables, and cache state a query request would see, without executing it.
func (m *Manager) ServeExplain(w http.ResponseWriter, r *http.Request) {
	req, ok := m.readQueryRequest(w, r)
	if !ok {
		return
	}
	exp, err := m.Explain(r.Context(), req)
	if err != nil {
		m.WriteError(w, statusForError(err), err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, exp)
}

// ServeInvalidate answers POST /v1/invalidate.
func (m *Manager) ServeInvalidate(w http.ResponseWriter, r *http.Request) {
	var inv Invalidation
	if !m.decodeStrict(w, r, &inv) {
		return
	}
	result, err := m.Invalidate(r.Context(), inv)
	if err != nil {
		m.WriteError(w, statusForError(err), err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, result)
}

// ServeStats answers GET /v1/stats.
func (m *Manager) ServeStats(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, m.Stats(r.Context()))
}

// ServeHistory answers GET /v1/history. Optional query parameters: limit
// (positive integer) and owner (filters to one identity).
func (m *Manager) ServeHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			m.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	entries, err := m.History(r.Context(), r.URL.Query().Get("owner"), limit)
	if err != nil {
		m.WriteError(w, statusForError(err), err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ServeSchemaTrack answers POST /v1/schema/track.
func (m *Manager) ServeSchemaTrack(w http.ResponseWriter, r *http.Request) {
	var req schemaTrackRequest
	if !m.decodeStrict(w, r, &req) {
		return
	}
	result, err := m.TrackSchemaChange(r.Context(), req.Table, req.Columns)
	if err != nil {
		m.WriteError(w, statusForError(err), err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, result)
}

// ServeTemplates answers GET /v1/templates.
func (m *Manager) ServeTemplates(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]any{"templates": m.TemplateNames()})
}

// ServeCatalogDatabases answers GET /v1/catalog/databases.
func (m *Manager) ServeCatalogDatabases(w http.ResponseWriter, r *http.Request) {
	databases, err := m.Databases(r.Context())
	if err != nil {
		m.WriteError(w, statusForError(err), err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]any{"databases": databases})
}

// ServeCatalogTables answers GET /v1/catalog/{database}/tables.
func (m *Manager) ServeCatalogTables(w http.ResponseWriter, r *http.Request, database string) {
	tables, err := m.Tables(r.Context(), database)
	if err != nil {
		m.WriteError(w, statusForError(err), err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]any{"database": database, "tables": tables})
}

// ServeCatalogColumns answers GET /v1/catalog/{database}/{table}/columns.
func (m *Manager) ServeCatalogColumns(w http.ResponseWriter, r *http.Request, database, table string) {
	columns, err := m.Columns(r.Context(), database, table)
	if err != nil {
		m.WriteError(w, statusForError(err), err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]any{"database": database, "table": table, "columns": columns})
}

// ServeHealth answers GET /healthz. The endpoint always returns 200; the
// payload reports "degraded" when the engine or the cache store is
// unreachable.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	engineStatus := "ok"
	if err := m.engine.Ping(r.Context()); err != nil {
		status, engineStatus = "degraded", "unavailable"
		m.logger.Warn("engine ping failed", slog.Any("error", err))
	}
	storeStatus := "ok"
	var entries int64
	if stats, err := m.store.Stats(r.Context()); err != nil {
		status, storeStatus = "degraded", "unavailable"
		m.logger.Warn("store stats failed", slog.Any("error", err))
	} else {
		entries = stats.EntryCount
	}
	m.writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"engine":       engineStatus,
		"store":        storeStatus,
		"cacheEntries": entries,
		"observedAt":   time.Now().UTC(),
	})
}

func (m *Manager) readQueryRequest(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var wire queryRequest
	if !m.decodeStrict(w, r, &wire) {
		return Request{}, false
	}
	owner := strings.TrimSpace(wire.Owner)
	if owner == "" {
		owner = strings.TrimSpace(r.Header.Get(m.identityHeader))
	}
	req := Request{
		SQL:            wire.SQL,
		Template:       wire.Template,
		TemplateParams: wire.TemplateParams,
		Owner:          owner,
		ForceRefresh:   wire.ForceRefresh,
		MaxScanBytes:   wire.MaxScanBytes,
		MaxRows:        wire.MaxRows,
	}
	if wire.UseCache != nil && !*wire.UseCache {
		req.NoCache = true
	}
	if wire.TTLSeconds > 0 {
		req.TTL = time.Duration(wire.TTLSeconds) * time.Second
	}
	return req, true
}

func (m *Manager) decodeStrict(w http.ResponseWriter, r *http.Request, target any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		m.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// statusForError maps the gateway error taxonomy onto HTTP statuses. Caller
// mistakes map to 400, engine timeouts to 504, and anything else to 502.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrMutatingStatement),
		errors.Is(err, ErrEmptyQuery),
		errors.Is(err, ErrConflictingQuery),
		errors.Is(err, ErrTemplateFailed),
		errors.Is(err, ErrBadScope),
		errors.Is(err, ErrBadTableIdentifier),
		errors.Is(err, templates.ErrNotFound),
		errors.Is(err, engine.ErrInvalidQuery),
		errors.Is(err, engine.ErrQuotaExceeded):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
