package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lumadb/sqlcluster/pkg/message"
)

// Run executes msg on q. The returned error is the SQL engine's error for the
// statement; callers decide whether it is a reply or a failure.
func Run(ctx context.Context, q Querier, msg *message.Message) (*message.Response, error) {
	args := msg.Args()

	if msg.Method == message.MethodExecute {
		if _, err := q.ExecContext(ctx, msg.SQL, args...); err != nil {
			return nil, err
		}
		return message.Rows(nil), nil
	}

	rows, err := q.QueryContext(ctx, msg.SQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	limit := -1
	if msg.Method == message.MethodFetchOne || msg.Method == message.MethodFetchOptional {
		limit = 1
	}
	out, err := scanRows(rows, limit)
	if err != nil {
		return nil, err
	}
	if msg.Method == message.MethodFetchOne && len(out) == 0 {
		return nil, errors.New(message.ErrNoRow)
	}
	return message.Rows(out), nil
}

// scanRows reads up to limit rows, or all of them when limit is negative.
func scanRows(rows *sql.Rows, limit int) ([]message.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []message.Row
	raw := make([]interface{}, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}

	for (limit < 0 || len(out) < limit) && rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(message.Row, len(cols))
		for i, v := range raw {
			if row[i], err = message.FromAny(v); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
