package services

import (
	"fmt"
	"regexp"
)

var (
	limitClauseRe  = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	selectPrefixRe = regexp.MustCompile(`(?i)^\s*SELECT\b`)
	setVarPrefixRe = regexp.MustCompile(`(?i)^\s*SET\s+@`)
)

// ApplyRowLimit appends a row cap to an admitted query and returns the
// rewritten query plus the cap that applies (0 when none). A cap is added
// only when the query is SELECT-prefixed and carries no LIMIT clause of its
// own; SHOW, DESCRIBE, EXPLAIN and friends have schema-bounded result sets.
//
// Known gap: WITH (CTE) queries whose final statement is a SELECT are not
// capped, because the prefix test is literal. Kept as-is rather than
// silently changing semantics.
func ApplyRowLimit(query string, maxRows int) (string, int) {
	if maxRows <= 0 || !selectPrefixRe.MatchString(query) {
		return query, 0
	}
	if limitClauseRe.MatchString(query) {
		return query, 0
	}
	return fmt.Sprintf("%s LIMIT %d", query, maxRows), maxRows
}

// IsSessionVariableAssignment reports whether an admitted query is a
// SET @ user-variable assignment, which produces no result set.
func IsSessionVariableAssignment(query string) bool {
	return setVarPrefixRe.MatchString(query)
}
