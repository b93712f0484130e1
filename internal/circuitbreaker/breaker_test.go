package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/thearchitectit/guardrail-mcp/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		CircuitBreakerEnabled:          true,
		CircuitBreakerFailureThreshold: 3,
		CircuitBreakerMaxRequests:      3,
		CircuitBreakerInterval:         10 * time.Second,
		CircuitBreakerTimeout:          30 * time.Second,
	}
}

func TestState(t *testing.T) {
	tests := []struct {
		name         string
		state        gobreaker.State
		wantStateStr string
	}{
		{"closed state", gobreaker.StateClosed, "closed"},
		{"open state", gobreaker.StateOpen, "open"},
		{"half-open state", gobreaker.StateHalfOpen, "half-open"},
		{"unknown state (shouldn't happen)", gobreaker.State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"})
			if tt.state == gobreaker.StateClosed {
				if got := State(breaker); got != tt.wantStateStr {
					t.Errorf("State() = %q, want %q", got, tt.wantStateStr)
				}
			}
		})
	}
}

func TestState_NilBreaker(t *testing.T) {
	if got := State(nil); got != "disabled" {
		t.Errorf("State(nil) = %q, want %q", got, "disabled")
	}
}

func TestNewManager_Enabled(t *testing.T) {
	m := NewManager(testConfig())

	if m.DBBreaker == nil {
		t.Fatal("DBBreaker is nil")
	}
	if m.RedisBreaker == nil {
		t.Fatal("RedisBreaker is nil")
	}
	if m.DBState() != "closed" {
		t.Errorf("DBState() = %q, want 'closed'", m.DBState())
	}
	if m.RedisState() != "closed" {
		t.Errorf("RedisState() = %q, want 'closed'", m.RedisState())
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreakerEnabled = false
	m := NewManager(cfg)

	if m.DBState() != "disabled" {
		t.Errorf("DBState() = %q, want 'disabled'", m.DBState())
	}
	if m.RedisState() != "disabled" {
		t.Errorf("RedisState() = %q, want 'disabled'", m.RedisState())
	}
}

func TestManager_ExecuteDB_Success(t *testing.T) {
	m := NewManager(testConfig())
	ctx := context.Background()

	err := m.ExecuteDB(ctx, func() error { return nil })
	if err != nil {
		t.Errorf("ExecuteDB() error = %v", err)
	}
}

func TestManager_ExecuteDB_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreakerEnabled = false
	m := NewManager(cfg)
	ctx := context.Background()

	called := false
	err := m.ExecuteDB(ctx, func() error { called = true; return nil })
	if err != nil {
		t.Errorf("ExecuteDB() error = %v", err)
	}
	if !called {
		t.Error("operation was not invoked when circuit breaker disabled")
	}
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	testBreaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "test",
		MaxRequests: 3,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})

	if State(testBreaker) != "closed" {
		t.Error("Initial state should be closed")
	}

	for i := 0; i < 5; i++ {
		_, _ = testBreaker.Execute(func() (interface{}, error) {
			return "ok", nil
		})
	}

	if State(testBreaker) != "closed" {
		t.Error("State should be closed after successful requests")
	}
}

func BenchmarkManager_ExecuteDB(b *testing.B) {
	m := NewManager(testConfig())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.ExecuteDB(ctx, func() error { return nil })
	}
}
