// Package adapter implements the narrow, typed database operations the
// tool registry is allowed to invoke after its enforcement pipeline
// admits a request. Every operation re-verifies the caller's session
// context and runs under a circuit breaker.
package adapter

import (
	"context"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/session"
)

// ErrorCategory is a stable, client-visible classification of adapter
// failures that never leaks raw driver error text.
type ErrorCategory string

const (
	ErrAdapterTimeout        ErrorCategory = "ADAPTER_TIMEOUT"
	ErrAdapterError          ErrorCategory = "ADAPTER_ERROR"
	ErrQuotaResultExceeded   ErrorCategory = "QUOTA_RESULT_EXCEEDED"
	ErrQuotaDeadlineExceeded ErrorCategory = "QUOTA_DEADLINE_EXCEEDED"
)

// Error wraps an adapter failure with a stable category and a sanitized
// message safe to return to a client.
type Error struct {
	Category ErrorCategory
	Message  string
}

func (e *Error) Error() string {
	return string(e.Category) + ": " + e.Message
}

// ErrorCategory satisfies the registry package's hasCategory interface
// so ExecuteTool can classify an adapter failure without string-matching
// its message.
func (e *Error) ErrorCategory() string { return string(e.Category) }

// QueryRequest is constructed by a tool handler only after static SQL
// validation has passed; it is never built directly from client JSON.
type QueryRequest struct {
	SQL                   string
	Args                  []any
	AllowedOrderByColumns map[string]struct{}
	MaxResultBytes        int64
	Deadline              time.Time
}

// Row is a single result row as column name to value.
type Row map[string]any

// QueryResult is the bounded result of a read query. There is no
// truncate-and-succeed path: a result that would exceed MaxResultBytes
// fails the call with ErrQuotaResultExceeded instead.
type QueryResult struct {
	Rows         []Row
	ByteEstimate int64
}

// TableInfo describes one table visible to listTables.
type TableInfo struct {
	Schema string
	Name   string
}

// ColumnInfo describes one column returned by describeTable.
type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
}

// Adapter is the contract every concrete backend must satisfy. Every
// method takes the caller's session.Context and re-verifies it as
// defense-in-depth even though the registry pipeline has already checked it.
type Adapter interface {
	ListTables(ctx context.Context, sess *session.Context) ([]TableInfo, error)
	DescribeTable(ctx context.Context, sess *session.Context, schema, table string) ([]ColumnInfo, error)
	ExecuteReadQuery(ctx context.Context, sess *session.Context, req QueryRequest) (*QueryResult, error)
}

// verifySession re-verifies the caller's session object identity. It is
// the one check every adapter method repeats even though the registry
// pipeline already performed it upstream.
func verifySession(sess *session.Context) error {
	if !session.Verify(sess) {
		return &Error{Category: ErrAdapterError, Message: "unrecognized session context"}
	}
	return sess.AssertBound()
}
