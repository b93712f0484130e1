// Package tools defines the three concrete ToolDescriptors the server
// exposes: query_read, list_tables, describe_table. Each handler is
// responsible for its own input validation and, for query_read, for
// running the query through the static SQL validator before invoking
// the adapter — the registry's enforcement pipeline stops at quota
// admission and never reaches into a tool's own domain logic.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/thearchitectit/guardrail-mcp/internal/adapter"
	"github.com/thearchitectit/guardrail-mcp/internal/audit"
	"github.com/thearchitectit/guardrail-mcp/internal/registry"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/sqlguard"
)

const (
	NameQueryRead     = "query_read"
	NameListTables    = "list_tables"
	NameDescribeTable = "describe_table"
)

// Descriptors builds the three registry.ToolDescriptor values, wired to
// the given adapter and validator. allowedOrderByColumns is query_read's
// tool-declared allowlist, loaded once at bootstrap from config — never
// client-supplied. fingerprinter stamps each query_read audit event with
// an HMAC of the normalized SQL instead of the literal query text.
func Descriptors(a adapter.Adapter, validator *sqlguard.Validator, fingerprinter *audit.Fingerprinter, allowedOrderByColumns map[string]struct{}, maxResultBytes int64, queryDeadline time.Duration) []*registry.ToolDescriptor {
	return []*registry.ToolDescriptor{
		{
			Name:                  NameQueryRead,
			RequiredAction:        session.ActionToolInvoke,
			ProducesSQL:           true,
			AllowedOrderByColumns: allowedOrderByColumns,
			Handler:               queryReadHandler(a, validator, fingerprinter, allowedOrderByColumns, maxResultBytes, queryDeadline),
		},
		{
			Name:           NameListTables,
			RequiredAction: session.ActionToolInvoke,
			Handler:        listTablesHandler(a),
		},
		{
			Name:           NameDescribeTable,
			RequiredAction: session.ActionToolInvoke,
			Handler:        describeTableHandler(a),
		},
	}
}

// Description returns the MCP tool-list description for name.
func Description(name string) string {
	switch name {
	case NameQueryRead:
		return "Run a single validated, read-only SELECT statement"
	case NameListTables:
		return "List tables visible to the bound session"
	case NameDescribeTable:
		return "Describe a table's columns"
	default:
		return ""
	}
}

// InputSchema returns the MCP tool-list input schema for name.
func InputSchema(name string) mcp.ToolInputSchema {
	switch name {
	case NameQueryRead:
		return mcp.ToolInputSchema{
			Type: "object",
			Properties: mcp.ToolInputSchemaProperties{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "A single SELECT statement",
				},
				"args": map[string]interface{}{
					"type":        "array",
					"description": "Positional bind parameters for the query",
				},
			},
		}
	case NameListTables:
		return mcp.ToolInputSchema{Type: "object", Properties: mcp.ToolInputSchemaProperties{}}
	case NameDescribeTable:
		return mcp.ToolInputSchema{
			Type: "object",
			Properties: mcp.ToolInputSchemaProperties{
				"schema": map[string]interface{}{
					"type":        "string",
					"description": "Schema name",
				},
				"table": map[string]interface{}{
					"type":        "string",
					"description": "Table name",
				},
			},
		}
	default:
		return mcp.ToolInputSchema{Type: "object"}
	}
}

func queryReadHandler(a adapter.Adapter, validator *sqlguard.Validator, fingerprinter *audit.Fingerprinter, allowedOrderByColumns map[string]struct{}, maxResultBytes int64, queryDeadline time.Duration) registry.Handler {
	return func(ctx context.Context, sess *session.Context, args map[string]any) (*registry.ToolResult, error) {
		query, ok := args["query"].(string)
		if !ok || query == "" {
			return nil, validationError("query must be a non-empty string")
		}

		bindArgs, err := extractArgs(args)
		if err != nil {
			return nil, err
		}

		result := validator.Validate(query, allowedOrderByColumns)
		if !result.Valid {
			return nil, queryRejectedError(result.Reason)
		}

		req := adapter.QueryRequest{
			SQL:                   query,
			Args:                  bindArgs,
			AllowedOrderByColumns: allowedOrderByColumns,
			MaxResultBytes:        maxResultBytes,
		}
		if queryDeadline > 0 {
			req.Deadline = time.Now().Add(queryDeadline)
		}

		rows, err := a.ExecuteReadQuery(ctx, sess, req)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to encode query result: %w", err)
		}
		return &registry.ToolResult{Content: string(data), Resource: fingerprinter.Fingerprint(query)}, nil
	}
}

func listTablesHandler(a adapter.Adapter) registry.Handler {
	return func(ctx context.Context, sess *session.Context, args map[string]any) (*registry.ToolResult, error) {
		tables, err := a.ListTables(ctx, sess)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(tables)
		if err != nil {
			return nil, fmt.Errorf("failed to encode table list: %w", err)
		}
		return &registry.ToolResult{Content: string(data)}, nil
	}
}

func describeTableHandler(a adapter.Adapter) registry.Handler {
	return func(ctx context.Context, sess *session.Context, args map[string]any) (*registry.ToolResult, error) {
		schema, _ := args["schema"].(string)
		table, _ := args["table"].(string)
		if schema == "" || table == "" {
			return nil, validationError("schema and table are both required")
		}

		columns, err := a.DescribeTable(ctx, sess, schema, table)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(columns)
		if err != nil {
			return nil, fmt.Errorf("failed to encode column list: %w", err)
		}
		return &registry.ToolResult{Content: string(data)}, nil
	}
}

func extractArgs(args map[string]any) ([]any, error) {
	raw, ok := args["args"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, validationError("args must be an array")
	}
	return list, nil
}

// categorizedError carries a registry.Category so registry.ExecuteTool
// can classify a handler failure without string-matching its message.
type categorizedError struct {
	category registry.Category
	message  string
}

func (e *categorizedError) Error() string { return e.message }

// ErrorCategory satisfies registry's hasCategory interface so
// ExecuteTool can classify this failure without string-matching it.
func (e *categorizedError) ErrorCategory() string { return string(e.category) }

func validationError(reason string) error {
	return &categorizedError{category: registry.CategoryValidationError, message: reason}
}

func queryRejectedError(reason string) error {
	return &categorizedError{category: registry.CategoryQueryRejected, message: reason}
}
