// Package capability implements the pure authorization function that
// decides whether a bound session's capability set grants a requested
// action against a target.
package capability

import (
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/session"
)

// Reason is a stable, audit-safe identifier for an authorization outcome.
type Reason string

const (
	ReasonGranted            Reason = "GRANTED"
	ReasonNoCapabilities     Reason = "DENIED_NO_CAPABILITIES"
	ReasonUnknownAction      Reason = "DENIED_UNKNOWN_ACTION"
	ReasonExpired            Reason = "DENIED_EXPIRED"
	ReasonNoGrant            Reason = "DENIED_NO_GRANT"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Authorized bool
	Reason     Reason
}

// Evaluate is the pure capability-check function described by the
// capability engine: no side effects, no I/O, safe to call on every
// tool invocation.
func Evaluate(capSet *session.CapabilitySet, action session.Action, target string) Decision {
	if capSet == nil {
		return Decision{Authorized: false, Reason: ReasonNoCapabilities}
	}
	if !session.KnownActions(action) {
		return Decision{Authorized: false, Reason: ReasonUnknownAction}
	}
	if !capSet.ExpiresAt.After(time.Now()) {
		return Decision{Authorized: false, Reason: ReasonExpired}
	}

	for _, g := range capSet.Grants {
		if g.Action != action {
			continue
		}
		if g.Target == target || g.Target == "*" {
			return Decision{Authorized: true, Reason: ReasonGranted}
		}
	}

	return Decision{Authorized: false, Reason: ReasonNoGrant}
}
