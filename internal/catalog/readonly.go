package catalog

import (
	"errors"
	"slices"
	"strings"
	"unicode"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// readVerbs may start a statement.
var readVerbs = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"VALUES":  true,
	"EXPLAIN": true,
}

// mainVerbs are the words that can follow a WITH clause at the top level.
var mainVerbs = map[string]bool{
	"SELECT":  true,
	"VALUES":  true,
	"INSERT":  true,
	"UPDATE":  true,
	"DELETE":  true,
	"REPLACE": true,
}

// explainOptions may sit between EXPLAIN and the statement it explains.
var explainOptions = map[string]bool{
	"QUERY":   true,
	"PLAN":    true,
	"ANALYZE": true,
	"ANALYSE": true,
	"VERBOSE": true,
}

// checkReadOnly rejects anything but a single read statement.
func checkReadOnly(stmt string) error {
	words, trailing := topLevelWords(stmt)
	if len(words) == 0 {
		return &ReadOnlyViolation{Statement: stmt, Reason: "empty statement"}
	}
	if trailing {
		return &ReadOnlyViolation{Statement: stmt, Reason: "multiple statements"}
	}
	if reason := checkWords(words); reason != "" {
		return &ReadOnlyViolation{Statement: stmt, Reason: reason}
	}
	return nil
}

// checkWords returns why the statement made of words is not a read, or "".
func checkWords(words []string) string {
	verb := words[0]
	if !readVerbs[verb] {
		return verb + " statements are not allowed"
	}
	switch verb {
	case "EXPLAIN":
		// EXPLAIN ANALYZE runs the statement
		rest := words[1:]
		for len(rest) > 0 && explainOptions[rest[0]] {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			return "EXPLAIN needs a statement"
		}
		if reason := checkWords(rest); reason != "" {
			return "EXPLAIN " + reason
		}
		return ""
	case "WITH":
		for _, w := range words[1:] {
			if !mainVerbs[w] {
				continue
			}
			if w != "SELECT" && w != "VALUES" {
				return "WITH ... " + w + " statements are not allowed"
			}
			break
		}
	}
	// SELECT ... INTO creates a table or writes a file
	if slices.Contains(words, "INTO") {
		return "SELECT ... INTO statements are not allowed"
	}
	return ""
}

// topLevelWords returns the upper-cased bare words of stmt that sit outside
// parentheses, quotes and comments. trailing is true when a semicolon is
// followed by anything other than whitespace or comments.
func topLevelWords(stmt string) (words []string, trailing bool) {
	depth := 0
	ended := false
	r := []rune(stmt)
	for i := 0; i < len(r); i++ {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
		case c == '-' && i+1 < len(r) && r[i+1] == '-':
			for i < len(r) && r[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(r) && r[i+1] == '*':
			i += 2
			for i+1 < len(r) && !(r[i] == '*' && r[i+1] == '/') {
				i++
			}
			i++
		case ended:
			return words, true
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(r, i, c)
		case c == '[':
			i = skipQuoted(r, i, ']')
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ';':
			ended = true
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(r) && (unicode.IsLetter(r[j]) || unicode.IsDigit(r[j]) || r[j] == '_' || r[j] == '$') {
				j++
			}
			if depth == 0 {
				words = append(words, strings.ToUpper(string(r[i:j])))
			}
			i = j - 1
		}
	}
	return words, false
}

// skipQuoted returns the index of the closing quote of the literal starting
// at i. Doubled quotes escape themselves.
func skipQuoted(r []rune, i int, closing rune) int {
	for j := i + 1; j < len(r); j++ {
		if r[j] != closing {
			continue
		}
		if j+1 < len(r) && r[j+1] == closing && closing != ']' {
			j++
			continue
		}
		return j
	}
	return len(r)
}

// Engine codes for a write refused inside a read-only connection or
// transaction.
const (
	pgReadOnlyTransaction    = "25006" // read_only_sql_transaction
	mysqlReadOnlyTransaction = 1792    // ER_CANT_EXECUTE_IN_READ_ONLY_TRANSACTION
)

// readOnlyError maps an engine refusal to write into a ReadOnlyViolation.
func readOnlyError(stmt string, err error) error {
	var (
		se *sqlite.Error
		pe *pq.Error
		me *mysql.MySQLError
	)
	switch {
	case errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_READONLY:
		return &ReadOnlyViolation{Statement: stmt, Reason: se.Error()}
	case errors.As(err, &pe) && pe.Code == pgReadOnlyTransaction:
		return &ReadOnlyViolation{Statement: stmt, Reason: pe.Message}
	case errors.As(err, &me) && me.Number == mysqlReadOnlyTransaction:
		return &ReadOnlyViolation{Statement: stmt, Reason: me.Message}
	}
	return err
}
