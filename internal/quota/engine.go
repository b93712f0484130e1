// Package quota enforces the per-(tenant,sessionID) rate and concurrency
// limits admitted requests must clear before reaching the adapter.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reason is a stable, audit-safe identifier for a quota denial.
type Reason string

const (
	ReasonRateExceeded        Reason = "QUOTA_RATE_EXCEEDED"
	ReasonConcurrencyExceeded Reason = "QUOTA_CONCURRENCY_EXCEEDED"
	ReasonIndeterminate       Reason = "QUOTA_INDETERMINATE"
)

// Policy is the immutable limit set applied to a tenant, loaded once at
// bootstrap. A tenant without an explicit override uses the engine's
// default policy.
type Policy struct {
	Window         time.Duration
	MaxRequests    int
	MaxConcurrent  int
	MaxResultBytes int64
	MaxDuration    time.Duration
}

// DistributedLimiter is the subset of cache.DistributedRateLimiter the
// quota engine depends on, kept as an interface so tests can fake it.
type DistributedLimiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, int64, error)
}

// localState tracks in-flight concurrency for one (tenant, sessionID) pair.
type localState struct {
	mu      sync.Mutex
	inflight int
}

// Engine enforces rate limits via a distributed fixed window and
// concurrency limits via local, in-process slots. Admission is resolved
// per-session with a per-tenant cap: the tenant's policy (or the default)
// governs each session's window and concurrency, and the tenant's total
// concurrency across all its sessions is bounded by
// tenantConcurrencyMultiplier times that policy's MaxConcurrent.
type Engine struct {
	limiter        DistributedLimiter
	defaultPolicy  Policy
	tenantPolicies map[string]Policy

	mu          sync.Mutex
	sessions    map[string]*localState // key: tenant + "/" + sessionID
	tenantSlots map[string]*localState // key: tenant
}

// NewEngine creates a quota Engine. tenantPolicies may be nil or partial;
// any tenant without an entry uses defaultPolicy.
func NewEngine(limiter DistributedLimiter, defaultPolicy Policy, tenantPolicies map[string]Policy) *Engine {
	if tenantPolicies == nil {
		tenantPolicies = map[string]Policy{}
	}
	return &Engine{
		limiter:        limiter,
		defaultPolicy:  defaultPolicy,
		tenantPolicies: tenantPolicies,
		sessions:       make(map[string]*localState),
		tenantSlots:    make(map[string]*localState),
	}
}

// PolicyFor returns tenant's configured policy, or the process-wide
// default if none is configured.
func (e *Engine) PolicyFor(tenant string) Policy {
	if p, ok := e.tenantPolicies[tenant]; ok {
		return p
	}
	return e.defaultPolicy
}

func (e *Engine) stateFor(m map[string]*localState, key string) *localState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := m[key]
	if !ok {
		s = &localState{}
		m[key] = s
	}
	return s
}

// Reservation must be released exactly once, on every exit path, whether
// the request succeeded, failed, or was cancelled.
type Reservation struct {
	session *localState
	tenant  *localState
}

// Release frees the concurrency slots this reservation holds. Safe to
// call exactly once; calling it from a defer covers panics and timeouts.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	if r.session != nil {
		r.session.mu.Lock()
		r.session.inflight--
		r.session.mu.Unlock()
	}
	if r.tenant != nil {
		r.tenant.mu.Lock()
		r.tenant.inflight--
		r.tenant.mu.Unlock()
	}
}

// Admit performs rate and concurrency admission for one request. On
// success it returns a Reservation the caller must Release. A limiter
// error (e.g. a counter read failure) denies the request with
// ReasonIndeterminate; it never allows.
func (e *Engine) Admit(ctx context.Context, tenant, sessionID string) (*Reservation, Reason, error) {
	policy := e.PolicyFor(tenant)

	rateKey := fmt.Sprintf("%s/%s", tenant, sessionID)
	allowed, _, err := e.limiter.Allow(ctx, rateKey, policy.MaxRequests)
	if err != nil {
		return nil, ReasonIndeterminate, err
	}
	if !allowed {
		return nil, ReasonRateExceeded, nil
	}

	sessionKey := fmt.Sprintf("%s/%s", tenant, sessionID)
	sessionState := e.stateFor(e.sessions, sessionKey)
	tenantState := e.stateFor(e.tenantSlots, tenant)

	sessionState.mu.Lock()
	if sessionState.inflight >= policy.MaxConcurrent {
		sessionState.mu.Unlock()
		return nil, ReasonConcurrencyExceeded, nil
	}

	tenantState.mu.Lock()
	tenantCap := policy.MaxConcurrent * tenantConcurrencyMultiplier
	if tenantState.inflight >= tenantCap {
		tenantState.mu.Unlock()
		sessionState.mu.Unlock()
		return nil, ReasonConcurrencyExceeded, nil
	}
	tenantState.inflight++
	tenantState.mu.Unlock()

	sessionState.inflight++
	sessionState.mu.Unlock()

	return &Reservation{session: sessionState, tenant: tenantState}, "", nil
}

// tenantConcurrencyMultiplier bounds a tenant's aggregate concurrency as a
// multiple of a single session's limit, giving the tenant headroom for
// more than one active session without removing the per-tenant ceiling.
const tenantConcurrencyMultiplier = 10
