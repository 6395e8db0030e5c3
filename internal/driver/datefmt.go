package driver

import (
	"fmt"
	"strings"
	"time"
)

// Stored text forms of embedded dates and timestamps.
const (
	sqliteDateLayout      = "2006-01-02"
	sqliteTimestampLayout = "2006-01-02 15:04:05.999999"
)

// templateTokens maps server date template fields to Go layout elements.
// Longer fields come first so MONTH wins over MON and HH24 over HH.
var templateTokens = []struct{ field, layout string }{
	{"YYYY", "2006"},
	{"YY", "06"},
	{"MONTH", "January"},
	{"Month", "January"},
	{"MON", "Jan"},
	{"Mon", "Jan"},
	{"MM", "01"},
	{"DD", "02"},
	{"HH24", "15"},
	{"HH12", "03"},
	{"HH", "03"},
	{"MI", "04"},
	{"SS", "05"},
	{"MS", "000"},
	{"US", "000000"},
	{"AM", "PM"},
	{"PM", "PM"},
	{"TZ", "MST"},
}

// templateLayout converts a template such as "DD/MM/YYYY HH24:MI" to a Go
// time layout. Anything else is copied literally.
func templateLayout(format string) string {
	var b strings.Builder
	for i := 0; i < len(format); {
		matched := false
		for _, tok := range templateTokens {
			if strings.HasPrefix(format[i:], tok.field) {
				b.WriteString(tok.layout)
				i += len(tok.field)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(format[i])
			i++
		}
	}
	return b.String()
}

// parseTemplate parses v with a template. Blank values give ok false.
func parseTemplate(v interface{}, format string) (t time.Time, ok bool, err error) {
	var s string
	switch x := v.(type) {
	case nil:
		return t, false, nil
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		s = fmt.Sprint(x)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return t, false, nil
	}
	t, err = time.Parse(templateLayout(format), s)
	if err != nil {
		return t, false, fmt.Errorf("driver: %q does not match format %q", s, format)
	}
	return t, true, nil
}

func sqliteToDate(v interface{}, format string) (interface{}, error) {
	t, ok, err := parseTemplate(v, format)
	if !ok {
		return nil, err
	}
	return t.Format(sqliteDateLayout), nil
}

func sqliteToTimestamp(v interface{}, format string) (interface{}, error) {
	t, ok, err := parseTemplate(v, format)
	if !ok {
		return nil, err
	}
	return t.Format(sqliteTimestampLayout), nil
}
