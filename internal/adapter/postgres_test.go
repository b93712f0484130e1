package adapter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEstimateSize(t *testing.T) {
	if got := estimateSize("hello"); got != 5 {
		t.Errorf("estimateSize(string) = %d, want 5", got)
	}
	if got := estimateSize([]byte("hello!")); got != 6 {
		t.Errorf("estimateSize([]byte) = %d, want 6", got)
	}
	if got := estimateSize(42); got != 8 {
		t.Errorf("estimateSize(int) = %d, want 8", got)
	}
}

func TestClassifyError_DeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err := classifyError(ctx, errors.New("query canceled"), false)
	adapterErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("classifyError() = %T, want *Error", err)
	}
	if adapterErr.Category != ErrAdapterTimeout {
		t.Errorf("Category = %q, want ADAPTER_TIMEOUT", adapterErr.Category)
	}
}

func TestClassifyError_QuotaDeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err := classifyError(ctx, errors.New("query canceled"), true)
	adapterErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("classifyError() = %T, want *Error", err)
	}
	if adapterErr.Category != ErrQuotaDeadlineExceeded {
		t.Errorf("Category = %q, want QUOTA_DEADLINE_EXCEEDED", adapterErr.Category)
	}
}

func TestClassifyError_Generic(t *testing.T) {
	err := classifyError(context.Background(), errors.New("connection refused to 10.0.0.5:5432"), false)
	adapterErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("classifyError() = %T, want *Error", err)
	}
	if adapterErr.Category != ErrAdapterError {
		t.Errorf("Category = %q, want ADAPTER_ERROR", adapterErr.Category)
	}
	if adapterErr.Message == "connection refused to 10.0.0.5:5432" {
		t.Error("classifyError() leaked raw driver text into client-visible message")
	}
}

func TestError_Error(t *testing.T) {
	err := &Error{Category: ErrAdapterError, Message: "database error"}
	want := "ADAPTER_ERROR: database error"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
