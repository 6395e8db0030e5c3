package driver

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// maxIdentLen is the server identifier limit in bytes.
const maxIdentLen = 63

var reservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true, "array": true,
	"as": true, "asc": true, "authorization": true, "between": true, "both": true, "case": true,
	"cast": true, "check": true, "collate": true, "column": true, "constraint": true,
	"create": true, "cross": true, "current_date": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "default": true, "deferrable": true,
	"desc": true, "distinct": true, "do": true, "else": true, "end": true, "except": true,
	"false": true, "for": true, "foreign": true, "from": true, "full": true, "grant": true,
	"group": true, "having": true, "in": true, "index": true, "initially": true, "inner": true,
	"intersect": true, "into": true, "is": true, "join": true, "key": true, "leading": true,
	"left": true, "like": true, "limit": true, "natural": true, "not": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true, "outer": true,
	"primary": true, "references": true, "right": true, "select": true,
	"session_user": true, "some": true, "table": true, "then": true, "to": true,
	"trailing": true, "true": true, "union": true, "unique": true, "user": true,
	"using": true, "values": true, "when": true, "where": true, "window": true, "with": true,
}

// needsQuote reports whether an identifier must be quoted to survive unchanged.
func needsQuote(name string, lowerOnly bool) bool {
	if name == "" || reservedWords[strings.ToLower(name)] {
		return true
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return true
			}
		case c >= 'A' && c <= 'Z':
			if lowerOnly {
				return true
			}
		default:
			return true
		}
	}
	return false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// shortenIdent trims an identifier to the server limit, keeping a stable
// hash suffix so distinct long names stay distinct.
func shortenIdent(name string) string {
	if len(name) <= maxIdentLen {
		return name
	}
	suffix := fmt.Sprintf("_%08x", murmur3.Sum32([]byte(name)))
	return name[:maxIdentLen-len(suffix)] + suffix
}

// indexBaseName derives a default index name from the table and columns.
func indexBaseName(table string, columns []string, suffix string) string {
	return table + "_" + strings.Join(columns, "_") + "_" + suffix
}

// sequenceName returns the unqualified sequence name for a key field.
func sequenceName(table, field string) string {
	return shortenIdent(table + "_" + field + "_seq")
}
