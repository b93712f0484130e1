package capability

import (
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/session"
)

func validCapSet(grants ...session.Grant) *session.CapabilitySet {
	return &session.CapabilitySet{
		ID:        "cap_1",
		Issuer:    "bootstrap",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		Grants:    grants,
	}
}

func TestEvaluate_NoCapabilities(t *testing.T) {
	d := Evaluate(nil, session.ActionToolInvoke, "query_read")
	if d.Authorized || d.Reason != ReasonNoCapabilities {
		t.Errorf("Evaluate() = %+v, want DENIED_NO_CAPABILITIES", d)
	}
}

func TestEvaluate_UnknownAction(t *testing.T) {
	capSet := validCapSet(session.Grant{Action: session.ActionToolInvoke, Target: "*"})
	d := Evaluate(capSet, session.Action("tool.delete"), "query_read")
	if d.Authorized || d.Reason != ReasonUnknownAction {
		t.Errorf("Evaluate() = %+v, want DENIED_UNKNOWN_ACTION", d)
	}
}

func TestEvaluate_Expired(t *testing.T) {
	capSet := validCapSet(session.Grant{Action: session.ActionToolInvoke, Target: "*"})
	capSet.ExpiresAt = time.Now().Add(-time.Minute)
	d := Evaluate(capSet, session.ActionToolInvoke, "query_read")
	if d.Authorized || d.Reason != ReasonExpired {
		t.Errorf("Evaluate() = %+v, want DENIED_EXPIRED", d)
	}
}

func TestEvaluate_NoMatchingGrant(t *testing.T) {
	capSet := validCapSet(session.Grant{Action: session.ActionToolInvoke, Target: "list_tables"})
	d := Evaluate(capSet, session.ActionToolInvoke, "query_read")
	if d.Authorized || d.Reason != ReasonNoGrant {
		t.Errorf("Evaluate() = %+v, want DENIED_NO_GRANT", d)
	}
}

func TestEvaluate_ExactTargetGrant(t *testing.T) {
	capSet := validCapSet(session.Grant{Action: session.ActionToolInvoke, Target: "query_read"})
	d := Evaluate(capSet, session.ActionToolInvoke, "query_read")
	if !d.Authorized || d.Reason != ReasonGranted {
		t.Errorf("Evaluate() = %+v, want GRANTED", d)
	}
}

func TestEvaluate_WildcardTargetGrant(t *testing.T) {
	capSet := validCapSet(session.Grant{Action: session.ActionToolInvoke, Target: "*"})
	d := Evaluate(capSet, session.ActionToolInvoke, "describe_table")
	if !d.Authorized || d.Reason != ReasonGranted {
		t.Errorf("Evaluate() = %+v, want GRANTED", d)
	}
}

func TestEvaluate_WildcardNeverCrossesActions(t *testing.T) {
	capSet := validCapSet(session.Grant{Action: session.ActionToolList, Target: "*"})
	d := Evaluate(capSet, session.ActionToolInvoke, "query_read")
	if d.Authorized {
		t.Error("Evaluate() wildcard grant for tool.list authorized tool.invoke")
	}
}
