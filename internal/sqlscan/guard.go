package sqlscan

import "strings"

// mutatingKeywords are statement forms the gateway refuses outright,
// regardless of what warehouse-side grants would allow.
var mutatingKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "CREATE": {}, "DROP": {},
	"ALTER": {}, "TRUNCATE": {}, "MERGE": {}, "GRANT": {}, "REVOKE": {},
}

// FirstMutatingKeyword reports the first data-mutating keyword appearing
// outside quoted strings, upper-cased for the error message. Words inside
// literals ('DELETE me') never trigger it.
func FirstMutatingKeyword(query string) (string, bool) {
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(query, i)
		case isNameTokenByte(c):
			start := i
			for i < len(query) && isNameTokenByte(query[i]) {
				i++
			}
			token := strings.ToUpper(query[start:i])
			if _, ok := mutatingKeywords[token]; ok {
				return token, true
			}
		default:
			i++
		}
	}
	return "", false
}
