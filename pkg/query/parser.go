package query

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// AST Definitions
//
// The grammar is clause-level only: SELECT statements are split into their
// clauses, everything else is kept as a flat token list. It exists to tell
// reads from writes, not to validate SQL.

type Script struct {
	Statements []*Statement `";"* @@ ( ";"+ @@? )*`
}

type Statement struct {
	With   *With   `@@?`
	Select *Select `( @@`
	Other  *Other  `| @@ )`
}

type With struct {
	Recursive bool   `"WITH" @"RECURSIVE"?`
	CTEs      []*CTE `@@ ( "," @@ )*`
}

type CTE struct {
	Name         string   `@( Ident | QuotedIdent )`
	Columns      *Group   `( "(" @@? ")" )?`
	Materialized string   `"AS" @( "NOT"? "MATERIALIZED" )?`
	Body         *CTEBody `"(" @@ ")"`
}

type CTEBody struct {
	Select *Select `  @@`
	Other  *Group  `| @@`
}

type Select struct {
	Cores   []*SelectCore `@@ ( ( "UNION" "ALL"? | "INTERSECT" | "EXCEPT" ) @@ )*`
	OrderBy *Expr         `( "ORDER" "BY" @@ )?`
	Limit   *Expr         `( "LIMIT" @@ )?`
	Offset  *Expr         `( "OFFSET" @@ )?`
	Locks   []*LockClause `@@*`
}

type SelectCore struct {
	Columns *Expr   `  "SELECT" @@`
	From    *Expr   `  ( "FROM" @@ )?`
	Where   *Expr   `  ( "WHERE" @@ )?`
	GroupBy *Expr   `  ( "GROUP" "BY" @@ )?`
	Having  *Expr   `  ( "HAVING" @@ )?`
	Window  *Expr   `  ( "WINDOW" @@ )?`
	Values  *Values `| @@`
}

type Values struct {
	Rows []*Group `"VALUES" "(" @@? ")" ( "," "(" @@? ")" )*`
}

// LockClause is a row-locking suffix such as FOR UPDATE or LOCK IN SHARE MODE.
type LockClause struct {
	Strength string   `(   "FOR" @( "UPDATE" | "SHARE" | "NO" "KEY" "UPDATE" | "KEY" "SHARE" )`
	Of       []string `    ( "OF" @( Ident | QuotedIdent ) ( "," @( Ident | QuotedIdent ) )* )?`
	Wait     string   `    @( "NOWAIT" | "SKIP" "LOCKED" )?`
	Mode     string   `  | "LOCK" "IN" @( "SHARE" | "EXCLUSIVE" ) "MODE" )`
}

// Expr is any run of tokens up to the next clause keyword.
type Expr struct {
	Terms []*Term `@@+`
}

type Term struct {
	Group *Group `  "(" @@? ")"`
	Token string `| @( Ident | QuotedIdent | String | Blob | Number | Param | Operator | "," | "." )`
}

// Group is the balanced content of a parenthesised expression.
type Group struct {
	Tokens []*GroupToken `@@+`
}

type GroupToken struct {
	Nested *Group `  "(" @@? ")"`
	Token  string `| @( Ident | Keyword | QuotedIdent | String | Blob | Number | Param | Operator | "," | "." | ";" )`
}

// Other is any statement that is not a query.
type Other struct {
	Head string   `@Ident`
	Body []string `@( Ident | Keyword | QuotedIdent | String | Blob | Number | Param | Operator | "(" | ")" | "," | "." )*`
}

// Parser Instance
var (
	sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
		{"Comment", `--[^\n]*|/\*(?s:.*?)\*/`},
		{"Whitespace", `\s+`},
		{"Blob", `[xX]'(?:[0-9a-fA-F]{2})*'`},
		{"Keyword", `(?i)\b(?:SELECT|FROM|WHERE|GROUP|HAVING|WINDOW|ORDER|LIMIT|OFFSET|UNION|INTERSECT|EXCEPT|FOR|LOCK|VALUES|WITH)\b`},
		{"QuotedIdent", `"(?:[^"]|"")*"|` + "`(?:[^`]|``)*`" + `|\[[^\]]*\]`},
		{"String", `'(?:[^']|'')*'`},
		{"Number", `0[xX][0-9a-fA-F]+|(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][-+]?\d+)?`},
		{"Param", `\?\d*|\$\d+|[:@$][a-zA-Z_][a-zA-Z0-9_]*`},
		{"Ident", `[a-zA-Z_][a-zA-Z0-9_$]*`},
		{"Operator", `\|\||<<|>>|<=|>=|==|!=|<>|->>|->|[-+*/%&|~<>=!]`},
		{"Punct", `[(),;.]`},
		{"Unknown", `.`},
	})

	parser = participle.MustBuild[Script](
		participle.Lexer(sqlLexer),
		participle.CaseInsensitive("Keyword", "Ident"),
		participle.Elide("Whitespace", "Comment"),
		participle.UseLookahead(2),
	)
)

// Parse parses one or more semicolon separated SQL statements
func Parse(sql string) (*Script, error) {
	return parser.ParseString("", sql)
}
