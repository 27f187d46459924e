package query

import (
	"strings"
)

// Class tells whether a statement must go through the log.
type Class uint8

const (
	// Write statements are replicated. Anything that cannot be proven
	// read-only is a Write.
	Write Class = iota
	// Read statements can be answered from local state.
	Read
)

func (c Class) String() string {
	if c == Read {
		return "read"
	}
	return "write"
}

// Classify returns Read only when every statement in sql is a plain query
// without row locks. Parse failures classify as Write.
func Classify(sql string) Class {
	script, err := Parse(sql)
	if err != nil || len(script.Statements) == 0 {
		return Write
	}
	for _, stmt := range script.Statements {
		if !stmt.readOnly() {
			return Write
		}
	}
	return Read
}

func (s *Statement) readOnly() bool {
	if s.With != nil {
		for _, cte := range s.With.CTEs {
			if cte.Body == nil || cte.Body.Select == nil || !cte.Body.Select.readOnly() {
				return false
			}
		}
	}
	return s.Select != nil && s.Select.readOnly()
}

func (s *Select) readOnly() bool {
	return len(s.Locks) == 0
}

var transactionControl = map[string]bool{
	"BEGIN":     true,
	"COMMIT":    true,
	"END":       true,
	"ROLLBACK":  true,
	"SAVEPOINT": true,
	"RELEASE":   true,
}

// TransactionControl returns the keyword of the first statement in sql that
// opens, closes or nests a transaction, or "" when there is none. Statement
// bodies of CREATE TRIGGER are not statements of their own.
func TransactionControl(sql string) string {
	heads, err := statementHeads(sql)
	if err != nil {
		return ""
	}
	for _, head := range heads {
		if transactionControl[head] {
			return head
		}
	}
	return ""
}

// statementHeads returns the upper-cased first word of each statement.
func statementHeads(sql string) ([]string, error) {
	lex, err := sqlLexer.LexString("", sql)
	if err != nil {
		return nil, err
	}
	symbols := sqlLexer.Symbols()
	whitespace, comment, punct := symbols["Whitespace"], symbols["Comment"], symbols["Punct"]

	var heads []string
	atHead, inCreate, depth := true, false, 0
	for {
		tok, err := lex.Next()
		if err != nil {
			return nil, err
		}
		if tok.EOF() {
			return heads, nil
		}
		if tok.Type == whitespace || tok.Type == comment {
			continue
		}
		if tok.Type == punct && tok.Value == ";" {
			atHead = true
			if depth == 0 {
				inCreate = false
			}
			continue
		}

		word := strings.ToUpper(tok.Value)
		if atHead {
			atHead = false
			if depth > 0 {
				if word == "END" {
					depth--
				}
				continue
			}
			heads = append(heads, word)
			inCreate = word == "CREATE"
			continue
		}
		// trigger body
		if inCreate && depth == 0 && word == "BEGIN" {
			depth++
			atHead = true
		}
	}
}
