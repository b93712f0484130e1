// Package session implements the process's immutable trust anchor: a
// SessionContext that transitions UNBOUND to BOUND exactly once at
// bootstrap and is shared by reference to every downstream component for
// the remainder of the process's life.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type state int

const (
	stateUnbound state = iota
	stateBound
)

// Action is the closed set of capability-gated operations a caller may
// request. Any action name outside this set deterministically denies.
type Action string

const (
	ActionToolInvoke    Action = "tool.invoke"
	ActionToolList      Action = "tool.list"
	ActionResourceRead  Action = "resource.read"
	ActionResourceWrite Action = "resource.write"
)

// KnownActions reports whether a is one of the closed CapabilityAction set.
func KnownActions(a Action) bool {
	switch a {
	case ActionToolInvoke, ActionToolList, ActionResourceRead, ActionResourceWrite:
		return true
	default:
		return false
	}
}

// Grant authorizes action against target ("*" matches any target for
// that action, but wildcards never cross actions).
type Grant struct {
	Action Action
	Target string
}

// CapabilitySet is attached to a BOUND Context at most once. It is
// rejected at construction if any field is missing, expired, or malformed.
type CapabilitySet struct {
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
	Grants    []Grant
}

// Validate rejects a malformed or already-expired capability set before
// it is attached to a Context.
func (c *CapabilitySet) Validate(now time.Time) error {
	if c.ID == "" {
		return fmt.Errorf("capability set missing id")
	}
	if c.Issuer == "" {
		return fmt.Errorf("capability set missing issuer")
	}
	if c.ExpiresAt.IsZero() || !c.ExpiresAt.After(now) {
		return fmt.Errorf("capability set expiresAt must be in the future")
	}
	for _, g := range c.Grants {
		if !KnownActions(g.Action) {
			return fmt.Errorf("capability set has grant with unknown action %q", g.Action)
		}
	}
	return nil
}

// Context is a single process's immutable trust anchor: identity, tenant,
// and (once attached) capabilities. It is created UNBOUND by New and bound
// once via Bind, never copied, and downstream code must verify the object identity of
// the Context it receives via Verify — a structurally identical lookalike
// is never accepted.
type Context struct {
	mu           sync.Mutex
	st           state
	identity     string
	tenant       string
	sessionID    string
	boundAt      time.Time
	capabilities *CapabilitySet
}

// liveRegistry holds every Context this process has bound and not since
// passed to Forget, keyed by
// pointer identity, so Verify can reject a forged or cloned look-alike
// even if its fields are byte-identical to a real one.
var liveRegistry sync.Map // map[*Context]struct{}

// New creates an UNBOUND Context. Only the bootstrap should call this;
// everything else receives a *Context by reference.
func New() *Context {
	return &Context{st: stateUnbound}
}

// Bind transitions ctx from UNBOUND to BOUND exactly once, freezing
// identity, tenant, and sessionID. It registers ctx in the live registry
// so later Verify calls can recognize it by identity.
func (c *Context) Bind(identity, tenant, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != stateUnbound {
		return fmt.Errorf("INVALID_BINDING: context is not UNBOUND")
	}
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("INVALID_BINDING: identity must not be empty")
	}
	if strings.TrimSpace(tenant) == "" {
		return fmt.Errorf("INVALID_BINDING: tenant must not be empty")
	}

	c.identity = identity
	c.tenant = tenant
	c.sessionID = sessionID
	c.boundAt = time.Now()
	c.st = stateBound

	liveRegistry.Store(c, struct{}{})
	return nil
}

// AttachCapabilities attaches capSet to a BOUND context that has none yet.
func (c *Context) AttachCapabilities(capSet *CapabilitySet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != stateBound {
		return fmt.Errorf("UNBOUND_CONTEXT: cannot attach capabilities before binding")
	}
	if c.capabilities != nil {
		return fmt.Errorf("ALREADY_ATTACHED: capabilities already set")
	}
	if err := capSet.Validate(time.Now()); err != nil {
		return fmt.Errorf("INVALID_CAPABILITIES: %w", err)
	}

	c.capabilities = capSet
	return nil
}

// AssertBound returns nil iff the context is BOUND.
func (c *Context) AssertBound() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateBound {
		return fmt.Errorf("UNBOUND_CONTEXT")
	}
	return nil
}

// Identity returns the bound identity. Callers must have verified
// AssertBound/Verify first.
func (c *Context) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Tenant returns the bound tenant.
func (c *Context) Tenant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenant
}

// SessionID returns the bound session ID.
func (c *Context) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Capabilities returns the attached capability set, or nil if none.
func (c *Context) Capabilities() *CapabilitySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// AuditFields is the minimal safe projection of a Context suitable for
// an audit event: identity, tenant, sessionID, and capability set ID if any.
type AuditFields struct {
	Identity  string
	Tenant    string
	SessionID string
	CapSetID  string
}

// ToAuditFields returns ctx's safe audit projection.
func (c *Context) ToAuditFields() AuditFields {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields := AuditFields{
		Identity:  c.identity,
		Tenant:    c.tenant,
		SessionID: c.sessionID,
	}
	if c.capabilities != nil {
		fields.CapSetID = c.capabilities.ID
	}
	return fields
}

// Verify reports whether ctx is a Context this process actually bound,
// not merely one that looks like it. Structural/duck-typed acceptance is
// forbidden: every downstream component must call Verify on the exact
// pointer it was handed before trusting it.
func Verify(ctx *Context) bool {
	if ctx == nil {
		return false
	}
	_, ok := liveRegistry.Load(ctx)
	return ok
}

// Forget removes ctx from the live registry, so later Verify calls on it
// return false.
func Forget(ctx *Context) {
	liveRegistry.Delete(ctx)
}
