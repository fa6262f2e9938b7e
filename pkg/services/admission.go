// Package services contains business logic implementations.
package services

import (
	"regexp"
	"strings"

	"github.com/matpb/mysql-mcp-server/pkg/models"
)

// Classifier decides whether a query may execute. Implementations must be
// pure: classifying the same input twice yields identical results.
//
// The default implementation is syntactic, not semantic. It cannot see
// through stored-procedure bodies invoked indirectly, nested block comments,
// or every dialect's comment syntax. Treat it as a best-effort firewall, not
// a proof of safety.
type Classifier interface {
	Classify(rawQuery string) models.SanitizationResult
}

// mutationRule is a statement-leading pattern that signals mutation or
// non-read intent.
type mutationRule struct {
	pattern *regexp.Regexp
	name    string
}

// ruleClassifier implements Classifier with an ordered rule table.
type ruleClassifier struct {
	mutations []mutationRule
	allowed   []*regexp.Regexp
	dangerous []mutationRule
}

const rejectedPrefixMessage = "only SELECT, SHOW, DESCRIBE, DESC, EXPLAIN, WITH, and SET @ statements are allowed"

// NewClassifier returns the default rule-table classifier.
func NewClassifier() Classifier {
	return &ruleClassifier{
		mutations: []mutationRule{
			{regexp.MustCompile(`(?i)^\s*INSERT\b`), "INSERT"},
			{regexp.MustCompile(`(?i)^\s*UPDATE\b`), "UPDATE"},
			{regexp.MustCompile(`(?i)^\s*DELETE\b`), "DELETE"},
			{regexp.MustCompile(`(?i)^\s*DROP\b`), "DROP"},
			{regexp.MustCompile(`(?i)^\s*CREATE\b`), "CREATE"},
			{regexp.MustCompile(`(?i)^\s*ALTER\b`), "ALTER"},
			{regexp.MustCompile(`(?i)^\s*TRUNCATE\b`), "TRUNCATE"},
			{regexp.MustCompile(`(?i)^\s*RENAME\b`), "RENAME"},
			{regexp.MustCompile(`(?i)^\s*REPLACE\b`), "REPLACE"},
			{regexp.MustCompile(`(?i)^\s*LOAD\b`), "LOAD"},
			{regexp.MustCompile(`(?i)^\s*GRANT\b`), "GRANT"},
			{regexp.MustCompile(`(?i)^\s*REVOKE\b`), "REVOKE"},
			{regexp.MustCompile(`(?i)^\s*FLUSH\b`), "FLUSH"},
			{regexp.MustCompile(`(?i)^\s*LOCK\b`), "LOCK"},
			{regexp.MustCompile(`(?i)^\s*UNLOCK\b`), "UNLOCK"},
			// SET mutates session/server state unless it is a user-variable
			// assignment (SET @x = ...).
			{regexp.MustCompile(`(?i)^\s*SET\s+[^@\s]`), "SET"},
			{regexp.MustCompile(`(?i)^\s*CALL\b`), "CALL"},
			{regexp.MustCompile(`(?i)^\s*START\s+TRANSACTION\b`), "START TRANSACTION"},
			{regexp.MustCompile(`(?i)^\s*BEGIN\b`), "BEGIN"},
			{regexp.MustCompile(`(?i)^\s*COMMIT\b`), "COMMIT"},
			{regexp.MustCompile(`(?i)^\s*ROLLBACK\b`), "ROLLBACK"},
			{regexp.MustCompile(`(?i)^\s*SAVEPOINT\b`), "SAVEPOINT"},
			{regexp.MustCompile(`(?i)^\s*RELEASE\s+SAVEPOINT\b`), "RELEASE SAVEPOINT"},
		},
		allowed: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*SELECT\b`),
			regexp.MustCompile(`(?i)^\s*SHOW\b`),
			regexp.MustCompile(`(?i)^\s*DESCRIBE\b`),
			regexp.MustCompile(`(?i)^\s*DESC\b`),
			regexp.MustCompile(`(?i)^\s*EXPLAIN\b`),
			regexp.MustCompile(`(?i)^\s*WITH\b`),
			regexp.MustCompile(`(?i)^\s*SET\s+@`),
		},
		// Clauses dangerous anywhere in the statement, even after an
		// allowed prefix.
		dangerous: []mutationRule{
			{regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`), "INTO OUTFILE"},
			{regexp.MustCompile(`(?i)\bINTO\s+DUMPFILE\b`), "INTO DUMPFILE"},
			{regexp.MustCompile(`(?i)\bFOR\s+UPDATE\b`), "FOR UPDATE"},
			{regexp.MustCompile(`(?i)\bLOCK\s+IN\s+SHARE\s+MODE\b`), "LOCK IN SHARE MODE"},
		},
	}
}

// Classify runs the admission pipeline in order, short-circuiting on the
// first rejection. Comment stripping runs before every keyword test. The
// mutation deny-list and the allow-prefix list overlap in intent; both are
// evaluated as defense in depth.
func (c *ruleClassifier) Classify(rawQuery string) models.SanitizationResult {
	cleaned := strings.TrimSpace(stripComments(rawQuery))
	if cleaned == "" {
		return reject("Query is empty")
	}

	for _, rule := range c.mutations {
		if rule.pattern.MatchString(cleaned) {
			return reject("mutation statements are not allowed: " + rule.name)
		}
	}

	if !c.hasAllowedPrefix(cleaned) {
		return reject(rejectedPrefixMessage)
	}

	for _, rule := range c.dangerous {
		if rule.pattern.MatchString(cleaned) {
			return reject("dangerous clause is not allowed: " + rule.name)
		}
	}

	if hasStackedStatements(cleaned) {
		return reject("multiple statements are not allowed")
	}

	// A tolerated trailing semicolon is dropped so downstream rewriting
	// (LIMIT appending) always composes onto a bare statement.
	cleaned = strings.TrimSpace(strings.TrimSuffix(cleaned, ";"))

	return models.SanitizationResult{Valid: true, Sanitized: cleaned}
}

func (c *ruleClassifier) hasAllowedPrefix(query string) bool {
	for _, re := range c.allowed {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

func reject(reason string) models.SanitizationResult {
	return models.SanitizationResult{Valid: false, Error: reason}
}

// stripComments removes -- and # line comments and non-nested /* */ block
// comments, tracking single/double-quote string state (backslash-escape
// aware) so comment markers inside literals are preserved. An unterminated
// block comment swallows the rest of the input.
func stripComments(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	var inSingle, inDouble bool

	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\\' && (inSingle || inDouble):
			b.WriteByte(ch)
			if i+1 < len(query) {
				i++
				b.WriteByte(query[i])
			}
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte(ch)
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(ch)
		case !inSingle && !inDouble && ch == '#':
			for i < len(query) && query[i] != '\n' {
				i++
			}
			if i < len(query) {
				b.WriteByte('\n')
			}
		case !inSingle && !inDouble && ch == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
			if i < len(query) {
				b.WriteByte('\n')
			}
		case !inSingle && !inDouble && ch == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				i = len(query)
			} else {
				i += 2 + end + 1
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// hasStackedStatements scans the query tracking single/double-quote string
// state (backslash-escape aware). A semicolon outside a literal with
// non-whitespace content after it means the string stacks statements. A
// trailing semicolon is tolerated.
func hasStackedStatements(query string) bool {
	var inSingle, inDouble bool
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\\' && (inSingle || inDouble):
			i++ // skip escaped character
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == ';' && !inSingle && !inDouble:
			if strings.TrimSpace(query[i+1:]) != "" {
				return true
			}
		}
	}
	return false
}
