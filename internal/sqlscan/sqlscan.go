// Package sqlscan provides best-effort lexical scanning of query text. It
// extracts the fully qualified table references a query depends on and spots
// mutating statements that must never reach the warehouse. It is not a SQL
// parser and never rejects malformed input: under-extraction is an accepted
// degraded mode, over-extraction is what the quote handling exists to avoid.
package sqlscan

import (
	"sort"
	"strings"
)

// TableRef is a dotted table identifier. Project may be empty for two-part
// references; identifier case is preserved because the warehouse treats it
// as significant.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// String renders the canonical dotted form used as the dependency-index key.
func (r TableRef) String() string {
	if r.Project == "" {
		return r.Dataset + "." + r.Table
	}
	return r.Project + "." + r.Dataset + "." + r.Table
}

// ParseTableRef validates a candidate against the strict dotted-name
// grammar: two or three non-empty parts of identifier characters.
func ParseTableRef(candidate string) (TableRef, bool) {
	parts := strings.Split(candidate, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return TableRef{}, false
	}
	for _, part := range parts {
		if part == "" {
			return TableRef{}, false
		}
		for i := 0; i < len(part); i++ {
			if !isNameByte(part[i]) {
				return TableRef{}, false
			}
		}
	}
	if len(parts) == 2 {
		return TableRef{Dataset: parts[0], Table: parts[1]}, true
	}
	return TableRef{Project: parts[0], Dataset: parts[1], Table: parts[2]}, true
}

// Tables scans the query for FROM and JOIN targets outside quoted strings.
// Backtick-wrapped names are unwrapped before the grammar check; single- and
// double-quoted regions are string literals and never contribute references.
// The result is deduplicated and sorted. An empty result means the entry can
// never be invalidated by table change, which callers surface through stats.
func Tables(query string) []TableRef {
	var refs []TableRef
	seen := make(map[string]struct{})

	add := func(candidate string) bool {
		ref, ok := ParseTableRef(candidate)
		if !ok {
			return false
		}
		id := ref.String()
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			refs = append(refs, ref)
		}
		return true
	}

	expect := false   // the next name is a FROM/JOIN target
	afterRef := false // a comma right after a captured ref continues the list

	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++
		case c == '\'' || c == '"':
			i = skipQuoted(query, i)
			expect = false
			afterRef = false
		case c == '`':
			end := skipQuoted(query, i)
			if expect {
				name := strings.TrimSuffix(query[i+1:end], "`")
				afterRef = add(name)
			}
			expect = false
			i = end
		case isNameTokenByte(c):
			start := i
			for i < len(query) && isNameTokenByte(query[i]) {
				i++
			}
			token := query[start:i]
			if expect {
				afterRef = add(token)
				expect = false
				continue
			}
			afterRef = false
			switch strings.ToLower(token) {
			case "from", "join":
				expect = true
			}
		case c == ',':
			if afterRef {
				expect = true
			}
			afterRef = false
			i++
		default:
			expect = false
			afterRef = false
			i++
		}
	}

	sort.Slice(refs, func(a, b int) bool { return refs[a].String() < refs[b].String() })
	return refs
}

// Identifiers returns the canonical dotted strings for the query's table
// references, in the order Tables produces them.
func Identifiers(query string) []string {
	refs := Tables(query)
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = ref.String()
	}
	return out
}

// skipQuoted returns the index just past the quoted region opening at start.
// Backslash escapes and doubled quote characters continue string regions;
// an unterminated region runs to the end of the input.
func skipQuoted(query string, start int) int {
	quote := query[start]
	i := start + 1
	for i < len(query) {
		switch {
		case quote != '`' && query[i] == '\\' && i+1 < len(query):
			i += 2
		case query[i] == quote:
			if quote != '`' && i+1 < len(query) && query[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		default:
			i++
		}
	}
	return len(query)
}

func isNameByte(c byte) bool {
	return c == '_' || c == '$' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isNameTokenByte(c byte) bool {
	return c == '.' || isNameByte(c)
}
