package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/adapter"
	"github.com/thearchitectit/guardrail-mcp/internal/audit"
	"github.com/thearchitectit/guardrail-mcp/internal/registry"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/sqlguard"
)

func testFingerprinter() *audit.Fingerprinter {
	return audit.NewFingerprinter("test-secret-at-least-32-bytes-long!!")
}

type fakeAdapter struct {
	listTablesResult    []adapter.TableInfo
	describeTableResult []adapter.ColumnInfo
	queryResult         *adapter.QueryResult
	err                 error
}

func (f *fakeAdapter) ListTables(ctx context.Context, sess *session.Context) ([]adapter.TableInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.listTablesResult, nil
}

func (f *fakeAdapter) DescribeTable(ctx context.Context, sess *session.Context, schema, table string) ([]adapter.ColumnInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.describeTableResult, nil
}

func (f *fakeAdapter) ExecuteReadQuery(ctx context.Context, sess *session.Context, req adapter.QueryRequest) (*adapter.QueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.queryResult, nil
}

func boundSession(t *testing.T) *session.Context {
	t.Helper()
	sess := session.New()
	if err := sess.Bind("user-1", "tenant-a", "sess-1"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	return sess
}

func TestQueryReadHandler_RejectsMissingQuery(t *testing.T) {
	a := &fakeAdapter{}
	validator := sqlguard.New(50 * time.Millisecond)
	handler := queryReadHandler(a, validator, testFingerprinter(), allowedCols("public.users.id"), 1024, time.Second)

	_, err := handler(context.Background(), boundSession(t), map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing query")
	}
	var ce *categorizedError
	if !errors.As(err, &ce) || ce.category != registry.CategoryValidationError {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestQueryReadHandler_RejectsInvalidSQL(t *testing.T) {
	a := &fakeAdapter{}
	validator := sqlguard.New(50 * time.Millisecond)
	handler := queryReadHandler(a, validator, testFingerprinter(), allowedCols("public.users.id"), 1024, time.Second)

	args := map[string]any{"query": "DROP TABLE users"}
	_, err := handler(context.Background(), boundSession(t), args)
	if err == nil {
		t.Fatal("expected error for deny-listed keyword")
	}
	var ce *categorizedError
	if !errors.As(err, &ce) || ce.category != registry.CategoryQueryRejected {
		t.Errorf("error = %v, want QUERY_REJECTED", err)
	}
}

func TestQueryReadHandler_Success(t *testing.T) {
	a := &fakeAdapter{queryResult: &adapter.QueryResult{Rows: []adapter.Row{{"id": 1}}}}
	validator := sqlguard.New(50 * time.Millisecond)
	handler := queryReadHandler(a, validator, testFingerprinter(), allowedCols("public.users.id"), 1024, time.Second)

	args := map[string]any{"query": "SELECT u.id FROM public.users u ORDER BY u.id ASC"}
	result, err := handler(context.Background(), boundSession(t), args)
	if err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	if result.Resource == "" {
		t.Error("expected a non-empty query fingerprint in Resource")
	}
	if result.Content == "" {
		t.Error("expected non-empty content on success")
	}
}

func TestQueryReadHandler_RejectsNonArrayArgs(t *testing.T) {
	a := &fakeAdapter{}
	validator := sqlguard.New(50 * time.Millisecond)
	handler := queryReadHandler(a, validator, testFingerprinter(), allowedCols("public.users.id"), 1024, time.Second)

	args := map[string]any{
		"query": "SELECT u.id FROM public.users u ORDER BY u.id ASC",
		"args":  "not-an-array",
	}
	_, err := handler(context.Background(), boundSession(t), args)
	if err == nil {
		t.Fatal("expected error for non-array args")
	}
}

func TestListTablesHandler(t *testing.T) {
	a := &fakeAdapter{listTablesResult: []adapter.TableInfo{{Schema: "public", Name: "users"}}}
	handler := listTablesHandler(a)

	result, err := handler(context.Background(), boundSession(t), nil)
	if err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	if result.Content == "" {
		t.Error("expected non-empty content")
	}
}

func TestDescribeTableHandler_RequiresSchemaAndTable(t *testing.T) {
	a := &fakeAdapter{}
	handler := describeTableHandler(a)

	_, err := handler(context.Background(), boundSession(t), map[string]any{"schema": "public"})
	if err == nil {
		t.Fatal("expected error when table is missing")
	}
}

func TestDescribeTableHandler_Success(t *testing.T) {
	a := &fakeAdapter{describeTableResult: []adapter.ColumnInfo{{Name: "id", Type: "integer", Nullable: false}}}
	handler := describeTableHandler(a)

	args := map[string]any{"schema": "public", "table": "users"}
	result, err := handler(context.Background(), boundSession(t), args)
	if err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	if result.Content == "" {
		t.Error("expected non-empty content")
	}
}

func allowedCols(cols ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		set[c] = struct{}{}
	}
	return set
}
