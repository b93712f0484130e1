package registry

import (
	"context"
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/audit"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/sqlguard"
)

type allowLimiter struct{}

func (allowLimiter) Allow(ctx context.Context, key string, limit int) (bool, int64, error) {
	return true, 1, nil
}

func testPolicy() quota.Policy {
	return quota.Policy{
		Window:         time.Minute,
		MaxRequests:    100,
		MaxConcurrent:  2,
		MaxResultBytes: 1024,
		MaxDuration:    30 * time.Second,
	}
}

func newTestRegistry() *ToolRegistry {
	qe := quota.NewEngine(allowLimiter{}, testPolicy(), nil)
	validator := sqlguard.New(50 * time.Millisecond)
	sink := audit.NewSink(16)
	return New(qe, validator, sink)
}

func boundSession(t *testing.T, grants ...session.Grant) *session.Context {
	t.Helper()
	sess := session.New()
	if err := sess.Bind("user-1", "tenant-a", "sess-1"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	capSet := &session.CapabilitySet{
		ID:        "cap-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		Issuer:    "test",
		Grants:    grants,
	}
	if err := sess.AttachCapabilities(capSet); err != nil {
		t.Fatalf("AttachCapabilities() error = %v", err)
	}
	return sess
}

func TestExecuteTool_Success(t *testing.T) {
	r := newTestRegistry()
	r.Register(&ToolDescriptor{
		Name:           "ping",
		RequiredAction: session.ActionToolInvoke,
		Handler: func(ctx context.Context, sess *session.Context, args map[string]any) (*ToolResult, error) {
			return &ToolResult{Content: "pong"}, nil
		},
	})

	sess := boundSession(t, session.Grant{Action: session.ActionToolInvoke, Target: "ping"})

	result, err := r.ExecuteTool(context.Background(), sess, "ping", nil)
	if err != nil {
		t.Fatalf("ExecuteTool() error = %v", err)
	}
	if result.Outcome != "ALLOWED" {
		t.Errorf("Outcome = %q, want ALLOWED", result.Outcome)
	}
	if result.Content != "pong" {
		t.Errorf("Content = %q, want pong", result.Content)
	}
}

func TestExecuteTool_UnboundSessionDenied(t *testing.T) {
	r := newTestRegistry()
	r.Register(&ToolDescriptor{
		Name: "ping",
		Handler: func(ctx context.Context, sess *session.Context, args map[string]any) (*ToolResult, error) {
			return &ToolResult{Content: "pong"}, nil
		},
	})

	sess := session.New() // never bound, never registered in liveRegistry

	result, err := r.ExecuteTool(context.Background(), sess, "ping", nil)
	if err == nil {
		t.Fatal("ExecuteTool() expected error for unbound session")
	}
	pe, ok := err.(*pipelineError)
	if !ok || pe.category != CategorySecurityViolation {
		t.Errorf("error = %v, want SECURITY_VIOLATION", err)
	}
	if result.Outcome != "DENIED" {
		t.Errorf("Outcome = %q, want DENIED", result.Outcome)
	}
}

func TestExecuteTool_LookalikeSessionDenied(t *testing.T) {
	r := newTestRegistry()
	r.Register(&ToolDescriptor{
		Name: "ping",
		Handler: func(ctx context.Context, sess *session.Context, args map[string]any) (*ToolResult, error) {
			return &ToolResult{Content: "pong"}, nil
		},
	})

	real := boundSession(t, session.Grant{Action: session.ActionToolInvoke, Target: "ping"})
	_ = real
	lookalike := &session.Context{} // never passed through Bind, never registered

	result, err := r.ExecuteTool(context.Background(), lookalike, "ping", nil)
	if err == nil {
		t.Fatal("ExecuteTool() expected error for unregistered lookalike context")
	}
	pe, ok := err.(*pipelineError)
	if !ok || pe.category != CategorySecurityViolation {
		t.Errorf("error = %v, want SECURITY_VIOLATION", err)
	}
	if result.IsError != true {
		t.Error("expected IsError true for denied lookalike session")
	}
}

func TestExecuteTool_AuthorizationDenied(t *testing.T) {
	r := newTestRegistry()
	r.Register(&ToolDescriptor{
		Name: "query_read",
		Handler: func(ctx context.Context, sess *session.Context, args map[string]any) (*ToolResult, error) {
			return &ToolResult{Content: "rows"}, nil
		},
	})

	sess := boundSession(t, session.Grant{Action: session.ActionToolInvoke, Target: "list_tables"})

	result, err := r.ExecuteTool(context.Background(), sess, "query_read", nil)
	if err == nil {
		t.Fatal("ExecuteTool() expected error for ungranted tool")
	}
	pe, ok := err.(*pipelineError)
	if !ok || pe.category != CategoryAuthorizationDenied {
		t.Errorf("error = %v, want AUTHORIZATION_DENIED", err)
	}
	if result.Outcome != "DENIED" {
		t.Errorf("Outcome = %q, want DENIED", result.Outcome)
	}
}

func TestExecuteTool_UnknownToolDenied(t *testing.T) {
	r := newTestRegistry()
	sess := boundSession(t, session.Grant{Action: session.ActionToolInvoke, Target: "*"})

	_, err := r.ExecuteTool(context.Background(), sess, "does_not_exist", nil)
	if err == nil {
		t.Fatal("ExecuteTool() expected error for unknown tool")
	}
	pe, ok := err.(*pipelineError)
	if !ok || pe.category != CategoryValidationError {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestExecuteTool_QuotaConcurrencyExceeded(t *testing.T) {
	qe := quota.NewEngine(allowLimiter{}, quota.Policy{
		Window:        time.Minute,
		MaxRequests:   100,
		MaxConcurrent: 1,
	}, nil)
	validator := sqlguard.New(50 * time.Millisecond)
	sink := audit.NewSink(16)
	r := New(qe, validator, sink)

	block := make(chan struct{})
	r.Register(&ToolDescriptor{
		Name: "slow",
		Handler: func(ctx context.Context, sess *session.Context, args map[string]any) (*ToolResult, error) {
			<-block
			return &ToolResult{Content: "done"}, nil
		},
	})

	sess := boundSession(t, session.Grant{Action: session.ActionToolInvoke, Target: "*"})

	done := make(chan struct{})
	go func() {
		r.ExecuteTool(context.Background(), sess, "slow", nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the first call acquire its slot

	result, err := r.ExecuteTool(context.Background(), sess, "slow", nil)
	close(block)
	<-done

	if err == nil {
		t.Fatal("ExecuteTool() expected error for concurrency-exceeded call")
	}
	pe, ok := err.(*pipelineError)
	if !ok || pe.category != CategoryQuotaConcurrency {
		t.Errorf("error = %v, want QUOTA_CONCURRENCY_EXCEEDED", err)
	}
	if result.Outcome != "DENIED" {
		t.Errorf("Outcome = %q, want DENIED", result.Outcome)
	}
}

func TestExecuteTool_HandlerErrorDeniesAndReleases(t *testing.T) {
	// One concurrency slot, so the second call below is admitted only if
	// the first call released its reservation.
	qe := quota.NewEngine(allowLimiter{}, quota.Policy{
		Window:        time.Minute,
		MaxRequests:   100,
		MaxConcurrent: 1,
	}, nil)
	r := New(qe, sqlguard.New(50*time.Millisecond), audit.NewSink(16))
	r.Register(&ToolDescriptor{
		Name: "broken",
		Handler: func(ctx context.Context, sess *session.Context, args map[string]any) (*ToolResult, error) {
			return nil, &pipelineError{category: CategoryQueryRejected, reason: "DENY_LIST_KEYWORD"}
		},
	})

	sess := boundSession(t, session.Grant{Action: session.ActionToolInvoke, Target: "*"})

	result, err := r.ExecuteTool(context.Background(), sess, "broken", nil)
	if err == nil {
		t.Fatal("ExecuteTool() expected error from failing handler")
	}
	if result.Outcome != "DENIED" {
		t.Errorf("Outcome = %q, want DENIED", result.Outcome)
	}

	// A second call must succeed, proving the first call's quota
	// reservation was released despite the handler error.
	r.Register(&ToolDescriptor{
		Name: "broken",
		Handler: func(ctx context.Context, sess *session.Context, args map[string]any) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})
	result2, err2 := r.ExecuteTool(context.Background(), sess, "broken", nil)
	if err2 != nil {
		t.Fatalf("second ExecuteTool() error = %v", err2)
	}
	if result2.Outcome != "ALLOWED" {
		t.Errorf("second Outcome = %q, want ALLOWED", result2.Outcome)
	}
}

func TestListTools_FiltersByAuthorization(t *testing.T) {
	r := newTestRegistry()
	r.Register(&ToolDescriptor{Name: "list_tables"})
	r.Register(&ToolDescriptor{Name: "query_read"})

	sess := boundSession(t, session.Grant{Action: session.ActionToolList, Target: "list_tables"})

	tools := r.ListTools(sess)
	if len(tools) != 1 || tools[0].Name != "list_tables" {
		t.Errorf("ListTools() = %+v, want only list_tables", tools)
	}
}

func TestListTools_UnverifiedSessionReturnsEmpty(t *testing.T) {
	r := newTestRegistry()
	r.Register(&ToolDescriptor{Name: "list_tables"})

	lookalike := &session.Context{}
	tools := r.ListTools(lookalike)
	if len(tools) != 0 {
		t.Errorf("ListTools() = %+v, want empty for unverified session", tools)
	}
}
