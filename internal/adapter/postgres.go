package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/circuitbreaker"
	"github.com/thearchitectit/guardrail-mcp/internal/database"
	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
)

// errResultSizeExceeded is returned by the row-scan loop when the bounded
// result accumulator would grow past req.MaxResultBytes. It never leaves
// this package; ExecuteReadQuery translates it into ErrQuotaResultExceeded.
var errResultSizeExceeded = errors.New("result size exceeded")

// PostgresAdapter is the one concrete Adapter backend: a pgx/v5-backed
// Postgres connection pool wrapped by a circuit breaker so an outage
// trips the breaker instead of queueing unbounded work.
type PostgresAdapter struct {
	db      *database.DB
	breaker *circuitbreaker.Manager
}

// NewPostgresAdapter creates an adapter over an already-connected db.
func NewPostgresAdapter(db *database.DB, breaker *circuitbreaker.Manager) *PostgresAdapter {
	return &PostgresAdapter{db: db, breaker: breaker}
}

var _ Adapter = (*PostgresAdapter)(nil)

func (a *PostgresAdapter) ListTables(ctx context.Context, sess *session.Context) ([]TableInfo, error) {
	if err := verifySession(sess); err != nil {
		return nil, err
	}

	const query = `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name`

	var tables []TableInfo
	start := time.Now()
	err := a.breaker.ExecuteDB(ctx, func() error {
		rows, err := a.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t TableInfo
			if err := rows.Scan(&t.Schema, &t.Name); err != nil {
				return err
			}
			tables = append(tables, t)
		}
		return rows.Err()
	})
	metrics.RecordDBQuery("list_tables", "information_schema.tables", time.Since(start))

	if err != nil {
		return nil, classifyError(ctx, err, false)
	}
	return tables, nil
}

func (a *PostgresAdapter) DescribeTable(ctx context.Context, sess *session.Context, schema, table string) ([]ColumnInfo, error) {
	if err := verifySession(sess); err != nil {
		return nil, err
	}

	const query = `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	var columns []ColumnInfo
	start := time.Now()
	err := a.breaker.ExecuteDB(ctx, func() error {
		rows, err := a.db.QueryContext(ctx, query, schema, table)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c ColumnInfo
			var nullable string
			if err := rows.Scan(&c.Name, &c.Type, &nullable); err != nil {
				return err
			}
			c.Nullable = nullable == "YES"
			columns = append(columns, c)
		}
		return rows.Err()
	})
	metrics.RecordDBQuery("describe_table", table, time.Since(start))

	if err != nil {
		return nil, classifyError(ctx, err, false)
	}
	return columns, nil
}

func (a *PostgresAdapter) ExecuteReadQuery(ctx context.Context, sess *session.Context, req QueryRequest) (*QueryResult, error) {
	if err := verifySession(sess); err != nil {
		return nil, err
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	result := &QueryResult{}
	start := time.Now()
	err := a.breaker.ExecuteDB(ctx, func() error {
		rows, err := a.db.QueryContext(ctx, req.SQL, req.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}

		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}

			row := make(Row, len(cols))
			rowBytes := int64(0)
			for i, col := range cols {
				row[col] = values[i]
				rowBytes += estimateSize(values[i])
			}

			if req.MaxResultBytes > 0 && result.ByteEstimate+rowBytes > req.MaxResultBytes {
				return errResultSizeExceeded
			}

			result.Rows = append(result.Rows, row)
			result.ByteEstimate += rowBytes
		}
		return rows.Err()
	})
	metrics.RecordDBQuery("execute_read_query", "", time.Since(start))

	if err != nil {
		if errors.Is(err, errResultSizeExceeded) {
			return nil, &Error{Category: ErrQuotaResultExceeded, Message: "result size exceeded the configured maximum"}
		}
		return nil, classifyError(ctx, err, true)
	}
	return result, nil
}

// estimateSize is a coarse byte estimate used only for the result-size
// ceiling, not for storage accounting.
func estimateSize(v any) int64 {
	switch t := v.(type) {
	case []byte:
		return int64(len(t))
	case string:
		return int64(len(t))
	default:
		return 8
	}
}

// classifyError maps a driver/context error into the stable categories
// the client is allowed to see, never echoing the underlying driver text.
// quotaBound marks a deadline set from a quota policy (ExecuteReadQuery's
// req.Deadline) rather than an ambient request timeout, so a breach there
// is audited as QUOTA_DEADLINE_EXCEEDED instead of ADAPTER_TIMEOUT.
func classifyError(ctx context.Context, err error, quotaBound bool) error {
	if ctx.Err() == context.DeadlineExceeded {
		if quotaBound {
			return &Error{Category: ErrQuotaDeadlineExceeded, Message: "query exceeded its allotted quota duration"}
		}
		return &Error{Category: ErrAdapterTimeout, Message: "query exceeded its deadline"}
	}
	if err == sql.ErrTxDone || database.IsDeadlockDetected(err) {
		return &Error{Category: ErrAdapterError, Message: "transaction error"}
	}
	return &Error{Category: ErrAdapterError, Message: fmt.Sprintf("query failed: %s", genericReason(err))}
}

// genericReason avoids leaking raw driver text (connection strings, file
// paths, internal identifiers) into a client-visible error.
func genericReason(err error) string {
	if err == nil {
		return "unknown error"
	}
	if database.IsUniqueViolation(err) {
		return "constraint violation"
	}
	if database.IsForeignKeyViolation(err) {
		return "constraint violation"
	}
	if database.IsSerializationFailure(err) {
		return "serialization failure"
	}
	return "database error"
}
