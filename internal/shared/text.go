package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FoldCase lower-cases text the way SQL LOWER() does for search terms.
// Casers carry state, so one is built per call.
func FoldCase(s string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(s))
}

// NormalizeAddress canonicalises a mailbox address for storage and lookup.
func NormalizeAddress(addr string) string {
	return FoldCase(addr)
}

// ContainsFold reports whether sub occurs in s ignoring case.
func ContainsFold(s, sub string) bool {
	return strings.Contains(FoldCase(s), FoldCase(sub))
}
