package message

import (
	"fmt"

	"github.com/lumadb/sqlcluster/pkg/store"
	"github.com/vmihailenco/msgpack/v5"
)

// Method selects how a statement's result is returned.
type Method uint8

const (
	// MethodExecute runs the statement and returns no rows.
	MethodExecute Method = iota
	// MethodFetch returns every row.
	MethodFetch
	// MethodFetchOne returns exactly one row, failing when there is none.
	MethodFetchOne
	// MethodFetchOptional returns at most one row.
	MethodFetchOptional
)

var methodNames = [...]string{"execute", "fetch", "fetch_one", "fetch_optional"}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

func (m Method) MarshalText() ([]byte, error) {
	if int(m) >= len(methodNames) {
		return nil, fmt.Errorf("unknown method %d", m)
	}
	return []byte(methodNames[m]), nil
}

func (m *Method) UnmarshalText(text []byte) error {
	for i, name := range methodNames {
		if name == string(text) {
			*m = Method(i)
			return nil
		}
	}
	return fmt.Errorf("unknown method %q", text)
}

// Message is a SQL statement with positional parameters.
type Message struct {
	Method Method  `json:"method" msgpack:"m"`
	SQL    string  `json:"sql" msgpack:"q"`
	Params []Value `json:"params,omitempty" msgpack:"p,omitempty"`
}

func Execute(sql string, params ...Value) *Message {
	return &Message{Method: MethodExecute, SQL: sql, Params: params}
}

func Fetch(sql string, params ...Value) *Message {
	return &Message{Method: MethodFetch, SQL: sql, Params: params}
}

func FetchOne(sql string, params ...Value) *Message {
	return &Message{Method: MethodFetchOne, SQL: sql, Params: params}
}

func FetchOptional(sql string, params ...Value) *Message {
	return &Message{Method: MethodFetchOptional, SQL: sql, Params: params}
}

// Args returns the parameters as database/sql arguments.
func (m *Message) Args() []interface{} {
	args := make([]interface{}, len(m.Params))
	for i, p := range m.Params {
		args[i] = p.Any()
	}
	return args
}

// ErrNoRow is the reply of a fetch_one that matched nothing.
const ErrNoRow = "no row matching query"

// Response is the outcome of a statement: rows, or the SQL error message.
// A SQL error is still a successful apply.
type Response struct {
	Rows  []Row  `json:"rows" msgpack:"r"`
	Error string `json:"error,omitempty" msgpack:"e,omitempty"`
}

// Rows builds a successful response.
func Rows(rows []Row) *Response {
	if rows == nil {
		rows = []Row{}
	}
	return &Response{Rows: rows}
}

// Failed builds an error response.
func Failed(msg string) *Response {
	return &Response{Error: msg}
}

// Err returns the SQL error carried by the response, if any.
func (r *Response) Err() error {
	if r == nil || r.Error == "" {
		return nil
	}
	return &SQLError{Msg: r.Error}
}

// SQLError is a statement failure reported by the database engine.
type SQLError struct {
	Msg string
}

func (e *SQLError) Error() string {
	return "sql error: " + e.Msg
}

// Result is the reply to a client statement. LogID is set when the
// statement went through the log.
type Result struct {
	LogID *store.LogID `json:"log_id"`
	Data  *Response    `json:"data"`
}

// CommandType tags a replicated command.
type CommandType uint8

const (
	CommandSQL CommandType = iota
	CommandRegisterNode
)

// NodeInfo carries the addresses of a cluster node.
type NodeInfo struct {
	ID       string `json:"node_id" msgpack:"id"`
	APIAddr  string `json:"api_addr" msgpack:"api"`
	RaftAddr string `json:"raft_addr" msgpack:"raft"`
}

// Command is the payload of a normal log entry.
type Command struct {
	Type    CommandType `msgpack:"t"`
	Message *Message    `msgpack:"msg,omitempty"`
	Node    *NodeInfo   `msgpack:"node,omitempty"`
}

// EncodeCommand serialises c for the log.
func EncodeCommand(c *Command) ([]byte, error) {
	return msgpack.Marshal(c)
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}
	return &c, nil
}
