package airtable

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// DefaultBaseURL is the public Airtable REST endpoint
	DefaultBaseURL = "https://api.airtable.com"

	// APIVersion is the path prefix of every table endpoint
	APIVersion = "v0"

	// MaxBatchSize is the largest number of records a single write may carry
	MaxBatchSize = 10

	// MaxPageSize is the largest page a list call may request
	MaxPageSize = 100

	// DefaultMaxFormulaLength bounds the query-encoded filterByFormula so
	// list URLs stay well inside the 16k URL limit
	DefaultMaxFormulaLength = 8000
)

// TableURL constructs the URL of a table
func TableURL(baseURL, baseID, table string) string {
	return fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(baseURL, "/"), APIVersion,
		url.PathEscape(baseID), url.PathEscape(table))
}

// RecordURL constructs the URL of a single record
func RecordURL(baseURL, baseID, table, recordID string) string {
	return TableURL(baseURL, baseID, table) + "/" + url.PathEscape(recordID)
}

// EscapeFormulaString quotes s for use inside a single-quoted formula literal
func EscapeFormulaString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// FieldRef references a field by name inside a formula
func FieldRef(field string) string {
	return "{" + strings.ReplaceAll(field, "}", `\}`) + "}"
}

// UsernameTerm matches one handle case-insensitively
func UsernameTerm(field, handle string) string {
	return fmt.Sprintf("LOWER(%s)='%s'", FieldRef(field), EscapeFormulaString(strings.ToLower(handle)))
}

// RecordIDTerm matches one record id
func RecordIDTerm(id string) string {
	return fmt.Sprintf("RECORD_ID()='%s'", EscapeFormulaString(id))
}

// Or joins terms into a disjunction. A single term is returned as is.
func Or(terms []string) string {
	switch len(terms) {
	case 0:
		return ""
	case 1:
		return terms[0]
	default:
		return "OR(" + strings.Join(terms, ",") + ")"
	}
}

// SplitFormulas groups terms into OR formulas whose query-encoded length
// stays within maxLen. A single term longer than maxLen gets a formula of
// its own.
func SplitFormulas(terms []string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxFormulaLength
	}
	var (
		wrapper = encodedLen("OR()")
		comma   = encodedLen(",")
	)

	var formulas []string
	var group []string
	size := wrapper
	for _, term := range terms {
		extra := encodedLen(term)
		if len(group) > 0 {
			extra += comma
		}
		if len(group) > 0 && size+extra > maxLen {
			formulas = append(formulas, Or(group))
			group = nil
			size = wrapper
			extra = encodedLen(term)
		}
		group = append(group, term)
		size += extra
	}
	if len(group) > 0 {
		formulas = append(formulas, Or(group))
	}
	return formulas
}

// encodedLen is the length of s once it is a query parameter value
func encodedLen(s string) int {
	return len(url.QueryEscape(s))
}

// UsernameFormulas builds lookup formulas for handles
func UsernameFormulas(field string, handles []string, maxLen int) []string {
	terms := make([]string, 0, len(handles))
	for _, h := range handles {
		terms = append(terms, UsernameTerm(field, h))
	}
	return SplitFormulas(terms, maxLen)
}

// RecordIDFormulas builds lookup formulas for record ids
func RecordIDFormulas(ids []string, maxLen int) []string {
	terms := make([]string, 0, len(ids))
	for _, id := range ids {
		terms = append(terms, RecordIDTerm(id))
	}
	return SplitFormulas(terms, maxLen)
}

// Chunk splits items into slices of at most size elements
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = MaxBatchSize
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
