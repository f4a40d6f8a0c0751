package salesforce

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// idPattern matches 15 or 18 character Salesforce record ids.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9]{15}([a-zA-Z0-9]{3})?$`)

// EscapeString escapes a user-supplied string for interpolation into a
// SOQL single-quoted literal. Backslash first, then both quote styles;
// order matters or the escapes themselves get re-escaped.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// QuoteString escapes and quotes a value for SOQL.
func QuoteString(s string) string {
	return "'" + EscapeString(s) + "'"
}

// ValidateID reports whether s is a well-formed 15/18 character record
// id. Ids must be pattern-validated before substitution into any path
// or query.
func ValidateID(s string) bool {
	return idPattern.MatchString(s)
}

// ValidateEnum reports whether value is in the allowed list. Enum-valued
// filters are checked against a fixed allow-list before inclusion in a
// query; no escaping is a substitute for this.
func ValidateEnum(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// ClampLimit clamps a LIMIT value into [1, max].
func ClampLimit(n, max int) int {
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// FormatDateTime renders a time as a SOQL datetime literal (UTC, no
// quotes; SOQL datetimes are unquoted).
func FormatDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// InClause builds an IN (...) clause from escaped string values.
func InClause(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = QuoteString(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(quoted, ", "))
}
