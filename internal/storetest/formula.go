package storetest

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	lowerTerm    = regexp.MustCompile(`^LOWER\(\{((?:[^}\\]|\\.)+)\}\)\s*=\s*'((?:[^'\\]|\\.)*)'$`)
	exactTerm    = regexp.MustCompile(`^\{((?:[^}\\]|\\.)+)\}\s*=\s*'((?:[^'\\]|\\.)*)'$`)
	recordIDTerm = regexp.MustCompile(`^RECORD_ID\(\)\s*=\s*'((?:[^'\\]|\\.)*)'$`)
)

type matcher func(r *Record) bool

// compileFormula supports OR(...) over LOWER({f})='x', {f}='x' and
// RECORD_ID()='rec' terms. An empty formula matches everything.
func compileFormula(formula string) (matcher, error) {
	formula = strings.TrimSpace(formula)
	if formula == "" {
		return func(*Record) bool { return true }, nil
	}

	terms := []string{formula}
	if strings.HasPrefix(formula, "OR(") && strings.HasSuffix(formula, ")") {
		var err error
		terms, err = splitArgs(formula[len("OR(") : len(formula)-1])
		if err != nil {
			return nil, err
		}
	}

	matchers := make([]matcher, 0, len(terms))
	for _, term := range terms {
		m, err := compileTerm(strings.TrimSpace(term))
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}

	return func(r *Record) bool {
		for _, m := range matchers {
			if m(r) {
				return true
			}
		}
		return false
	}, nil
}

func compileTerm(term string) (matcher, error) {
	if m := recordIDTerm.FindStringSubmatch(term); m != nil {
		id := unescape(m[1])
		return func(r *Record) bool { return r.ID == id }, nil
	}
	if m := lowerTerm.FindStringSubmatch(term); m != nil {
		field, value := unescape(m[1]), unescape(m[2])
		return func(r *Record) bool {
			return strings.ToLower(fieldString(r, field)) == value
		}, nil
	}
	if m := exactTerm.FindStringSubmatch(term); m != nil {
		field, value := unescape(m[1]), unescape(m[2])
		return func(r *Record) bool { return fieldString(r, field) == value }, nil
	}
	return nil, fmt.Errorf("unsupported formula term: %s", term)
}

// splitArgs splits on commas outside quotes and parentheses
func splitArgs(s string) ([]string, error) {
	var args []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '\'':
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
		case c == ',' && depth == 0:
			args = append(args, s[start:i])
			start = i + 1
		}
	}
	if inQuote || depth != 0 {
		return nil, fmt.Errorf("unterminated formula")
	}
	return append(args, s[start:]), nil
}

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func fieldString(r *Record, field string) string {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
