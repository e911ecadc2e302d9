package server

import (
	"fmt"
	"net/http"
	"strings"
)

// GatewayHTTP is the surface the router needs from the query gateway. The
// manager implements it; tests substitute stubs.
type GatewayHTTP interface {
	ServeQuery(http.ResponseWriter, *http.Request)
	ServeExplain(http.ResponseWriter, *http.Request)
	ServeInvalidate(http.ResponseWriter, *http.Request)
	ServeStats(http.ResponseWriter, *http.Request)
	ServeHistory(http.ResponseWriter, *http.Request)
	ServeSchemaTrack(http.ResponseWriter, *http.Request)
	ServeTemplates(http.ResponseWriter, *http.Request)
	ServeCatalogDatabases(http.ResponseWriter, *http.Request)
	ServeCatalogTables(http.ResponseWriter, *http.Request, string)
	ServeCatalogColumns(http.ResponseWriter, *http.Request, string, string)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewGatewayHandler owns URL dispatch for the gateway API so the manager
// stays free of routing concerns. Unknown paths 404; known paths with the
// wrong method 405.
func NewGatewayHandler(g GatewayHTTP) http.Handler {
	if g == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, method, ok := resolveRoute(g, r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method != method {
			w.Header().Set("Allow", method)
			g.WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed, use %s", r.Method, method))
			return
		}
		handler(w, r)
	})
}

func resolveRoute(g GatewayHTTP, path string) (http.HandlerFunc, string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, "", false
	}
	parts := strings.Split(trimmed, "/")

	if len(parts) == 1 {
		switch strings.ToLower(parts[0]) {
		case "health", "healthz":
			return g.ServeHealth, http.MethodGet, true
		}
		return nil, "", false
	}
	if parts[0] != "v1" {
		return nil, "", false
	}

	rest := parts[1:]
	switch len(rest) {
	case 1:
		switch rest[0] {
		case "query":
			return g.ServeQuery, http.MethodPost, true
		case "explain":
			return g.ServeExplain, http.MethodPost, true
		case "invalidate":
			return g.ServeInvalidate, http.MethodPost, true
		case "stats":
			return g.ServeStats, http.MethodGet, true
		case "history":
			return g.ServeHistory, http.MethodGet, true
		case "templates":
			return g.ServeTemplates, http.MethodGet, true
		}
	case 2:
		if rest[0] == "schema" && rest[1] == "track" {
			return g.ServeSchemaTrack, http.MethodPost, true
		}
		if rest[0] == "catalog" && rest[1] == "databases" {
			return g.ServeCatalogDatabases, http.MethodGet, true
		}
	case 3:
		if rest[0] == "catalog" && rest[2] == "tables" && rest[1] != "" {
			database := rest[1]
			return func(w http.ResponseWriter, r *http.Request) {
				g.ServeCatalogTables(w, r, database)
			}, http.MethodGet, true
		}
	case 4:
		if rest[0] == "catalog" && rest[3] == "columns" && rest[1] != "" && rest[2] != "" {
			database, table := rest[1], rest[2]
			return func(w http.ResponseWriter, r *http.Request) {
				g.ServeCatalogColumns(w, r, database, table)
			}, http.MethodGet, true
		}
	}
	return nil, "", false
}
