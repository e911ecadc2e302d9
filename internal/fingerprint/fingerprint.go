// Package fingerprint derives the deterministic cache key identifying a
// cacheable unit of work: normalized query text, the result-affecting subset
// of execution parameters, and the owner identity. Equal inputs always
// produce equal keys, across processes, so independent gateway instances
// sharing a store agree on every fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Params enumerates the execution parameters that participate in the key.
// Limits change which rows a caller can observe, so both are included;
// operational flags (use_cache, force_refresh, ttl) never reach this package.
// Zero values are omitted from the digest so "no limit" and "absent" agree.
type Params struct {
	MaxScanBytes int64
	MaxRows      int64
}

// Key returns the lowercase hex SHA-256 fingerprint for the query.
func Key(queryText string, params Params, owner string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(queryText)))
	h.Write([]byte{0})
	h.Write(canonicalParams(params))
	h.Write([]byte{0})
	h.Write([]byte(owner))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalParams serializes params as JSON with sorted keys. Maps keep
// encoding/json's sorted-key ordering, so the byte form is deterministic.
func canonicalParams(params Params) []byte {
	fields := map[string]any{}
	if params.MaxScanBytes > 0 {
		fields["maxScanBytes"] = params.MaxScanBytes
	}
	if params.MaxRows > 0 {
		fields["maxRows"] = params.MaxRows
	}
	raw, _ := json.Marshal(fields)
	return raw
}

// Normalize produces the canonical form of a query: quoted regions are
// preserved byte for byte, whitespace runs collapse to at most one space
// (none at all next to punctuation), and standalone structural keywords fold
// to lower case. Identifiers and literals pass through untouched, since
// their case and content change results.
func Normalize(query string) string {
	var b strings.Builder
	b.Grow(len(query))

	pendingSpace := false
	prevWordlike := false

	flushSpace := func(nextWordlike bool) {
		if pendingSpace && prevWordlike && nextWordlike {
			b.WriteByte(' ')
		}
		pendingSpace = false
	}

	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			pendingSpace = true
			i++
		case c == '\'' || c == '"' || c == '`':
			end := skipQuoted(query, i)
			flushSpace(true)
			b.WriteString(query[i:end])
			prevWordlike = true
			i = end
		case isWordByte(c):
			start := i
			for i < len(query) && isWordByte(query[i]) {
				i++
			}
			flushSpace(true)
			b.WriteString(foldKeyword(query[start:i]))
			prevWordlike = true
		default:
			flushSpace(false)
			b.WriteByte(c)
			prevWordlike = false
			i++
		}
	}
	return b.String()
}

// skipQuoted returns the index just past the quoted region opening at start.
// Backslash escapes and doubled quote characters continue the region; an
// unterminated region runs to the end of the input rather than failing.
func skipQuoted(query string, start int) int {
	quote := query[start]
	i := start + 1
	for i < len(query) {
		switch {
		case quote != '`' && query[i] == '\\' && i+1 < len(query):
			i += 2
		case query[i] == quote:
			if i+1 < len(query) && query[i+1] == quote {
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

func isWordByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func foldKeyword(token string) string {
	lower := strings.ToLower(token)
	if _, ok := structuralKeywords[lower]; ok {
		return lower
	}
	return token
}

// structuralKeywords is the fixed set folded during normalization. The set
// stays narrow: folding a word that is really an identifier would merge keys
// of distinct queries, so only structural words unlikely to appear unquoted
// as identifiers qualify.
var structuralKeywords = map[string]struct{}{
	"select": {}, "from": {}, "where": {}, "join": {}, "inner": {}, "left": {},
	"right": {}, "full": {}, "outer": {}, "cross": {}, "on": {}, "using": {},
	"group": {}, "order": {}, "by": {}, "having": {}, "limit": {}, "offset": {},
	"union": {}, "all": {}, "distinct": {}, "as": {}, "and": {}, "or": {},
	"not": {}, "in": {}, "is": {}, "null": {}, "like": {}, "between": {},
	"case": {}, "when": {}, "then": {}, "else": {}, "end": {}, "with": {},
	"exists": {}, "asc": {}, "desc": {},
}
