package quota

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type fakeLimiter struct {
	allow bool
	err   error
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int) (bool, int64, error) {
	f.calls++
	return f.allow, int64(f.calls), f.err
}

func testPolicy() Policy {
	return Policy{
		Window:         time.Minute,
		MaxRequests:    100,
		MaxConcurrent:  2,
		MaxResultBytes: 1024,
		MaxDuration:    30 * time.Second,
	}
}

func TestEngine_Admit_Success(t *testing.T) {
	e := NewEngine(&fakeLimiter{allow: true}, testPolicy(), nil)

	res, reason, err := e.Admit(context.Background(), "tenant-a", "sess_1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if reason != "" {
		t.Errorf("Admit() reason = %q, want empty on success", reason)
	}
	if res == nil {
		t.Fatal("Admit() returned nil reservation on success")
	}
	res.Release()
}

func TestEngine_Admit_RateExceeded(t *testing.T) {
	e := NewEngine(&fakeLimiter{allow: false}, testPolicy(), nil)

	res, reason, err := e.Admit(context.Background(), "tenant-a", "sess_1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if reason != ReasonRateExceeded {
		t.Errorf("Admit() reason = %q, want QUOTA_RATE_EXCEEDED", reason)
	}
	if res != nil {
		t.Error("Admit() returned non-nil reservation on rate-exceeded denial")
	}
}

func TestEngine_Admit_IndeterminateFailsClosed(t *testing.T) {
	e := NewEngine(&fakeLimiter{allow: true, err: fmt.Errorf("redis down")}, testPolicy(), nil)

	res, reason, err := e.Admit(context.Background(), "tenant-a", "sess_1")
	if err == nil {
		t.Fatal("Admit() expected error on limiter failure")
	}
	if reason != ReasonIndeterminate {
		t.Errorf("Admit() reason = %q, want QUOTA_INDETERMINATE", reason)
	}
	if res != nil {
		t.Error("Admit() returned non-nil reservation despite limiter error")
	}
}

func TestEngine_Admit_ConcurrencyExceeded(t *testing.T) {
	policy := testPolicy()
	policy.MaxConcurrent = 1
	e := NewEngine(&fakeLimiter{allow: true}, policy, nil)

	res1, _, err := e.Admit(context.Background(), "tenant-a", "sess_1")
	if err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}

	_, reason, err := e.Admit(context.Background(), "tenant-a", "sess_1")
	if err != nil {
		t.Fatalf("second Admit() error = %v", err)
	}
	if reason != ReasonConcurrencyExceeded {
		t.Errorf("second Admit() reason = %q, want QUOTA_CONCURRENCY_EXCEEDED", reason)
	}

	res1.Release()

	res3, reason3, err := e.Admit(context.Background(), "tenant-a", "sess_1")
	if err != nil {
		t.Fatalf("third Admit() error = %v", err)
	}
	if reason3 != "" {
		t.Errorf("third Admit() reason = %q, want allowed after release", reason3)
	}
	res3.Release()
}

func TestEngine_PolicyFor_Override(t *testing.T) {
	def := testPolicy()
	override := testPolicy()
	override.MaxRequests = 5

	e := NewEngine(&fakeLimiter{allow: true}, def, map[string]Policy{"tenant-b": override})

	if got := e.PolicyFor("tenant-b"); got.MaxRequests != 5 {
		t.Errorf("PolicyFor(tenant-b) = %+v, want override", got)
	}
	if got := e.PolicyFor("tenant-a"); got.MaxRequests != def.MaxRequests {
		t.Errorf("PolicyFor(tenant-a) = %+v, want default", got)
	}
}

func TestReservation_Release_Nil(t *testing.T) {
	var r *Reservation
	r.Release() // must not panic
}
