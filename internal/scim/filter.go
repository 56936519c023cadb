package scim

import (
	"errors"
	"regexp"
	"strings"
)

// ErrUnsupportedFilter marks a filter expression outside the supported
// subset. Callers fall back to an unfiltered page rather than failing.
var ErrUnsupportedFilter = errors.New("unsupported filter expression")

// Predicate is a parsed single-comparison filter, bound to the cache column
// the attribute maps to.
type Predicate struct {
	Attribute string
	Column    string
	Operator  string
	Value     string
}

// filterColumns maps the attributes the bridge can filter on to their
// dedicated cache columns. externalId aliases the primary key because the
// row id is taken from it on creation.
var filterColumns = map[string]string{
	"id":         "id",
	"externalid": "id",
	"username":   "sam_account_name",
}

var filterOperators = map[string]bool{
	"eq": true, "ne": true, "co": true, "sw": true, "ew": true,
	"pr": true, "gt": true, "ge": true, "lt": true, "le": true,
}

// comparisonExpr matches `attr op "value"` with one-or-more spaces between
// tokens. The quoted value carries no escape interpretation.
var comparisonExpr = regexp.MustCompile(`^ *([a-zA-Z][a-zA-Z0-9]*) +([a-zA-Z]{2}) +"([^"]*)" *$`)

// presentExpr matches the unary `attr pr` form.
var presentExpr = regexp.MustCompile(`^ *([a-zA-Z][a-zA-Z0-9]*) +(?i:pr) *$`)

// ParseFilter parses the supported subset of SCIM filter expressions: one
// binary comparison on an attribute backed by a cache column. Compound
// filters, grouping, multi-valued paths, and unrecognized attributes all
// return ErrUnsupportedFilter.
func ParseFilter(expr string) (Predicate, error) {
	if m := presentExpr.FindStringSubmatch(expr); m != nil {
		return bindPredicate(m[1], "pr", "")
	}

	m := comparisonExpr.FindStringSubmatch(expr)
	if m == nil {
		return Predicate{}, ErrUnsupportedFilter
	}

	op := strings.ToLower(m[2])
	if !filterOperators[op] {
		return Predicate{}, ErrUnsupportedFilter
	}
	return bindPredicate(m[1], op, m[3])
}

func bindPredicate(attr, op, value string) (Predicate, error) {
	column, ok := filterColumns[strings.ToLower(attr)]
	if !ok {
		return Predicate{}, ErrUnsupportedFilter
	}
	// userName values are normalized through the sAMAccountName derivation
	// before matching, which only yields a meaningful comparison for
	// equality and presence.
	if column == "sam_account_name" && op != "eq" && op != "pr" {
		return Predicate{}, ErrUnsupportedFilter
	}
	return Predicate{
		Attribute: attr,
		Column:    column,
		Operator:  op,
		Value:     value,
	}, nil
}
