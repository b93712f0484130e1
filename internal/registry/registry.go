// Package registry implements the ToolRegistry and its fixed-order,
// fail-closed enforcement pipeline: context verification, authorization,
// quota admission, input validation, static SQL validation, adapter
// invocation, and slot release. No step may be skipped, reordered, or
// made optional by configuration.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/audit"
	"github.com/thearchitectit/guardrail-mcp/internal/capability"
	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/sqlguard"
)

// Category is a stable, client-visible error category (spec §7).
type Category string

const (
	CategorySecurityViolation     Category = "SECURITY_VIOLATION"
	CategoryAuthorizationDenied   Category = "AUTHORIZATION_DENIED"
	CategoryQuotaRateExceeded     Category = "QUOTA_RATE_EXCEEDED"
	CategoryQuotaConcurrency      Category = "QUOTA_CONCURRENCY_EXCEEDED"
	CategoryValidationError       Category = "VALIDATION_ERROR"
	CategoryQueryRejected         Category = "QUERY_REJECTED"
	CategoryAdapterTimeout        Category = "ADAPTER_TIMEOUT"
	CategoryAdapterError          Category = "ADAPTER_ERROR"
	CategoryQuotaResultExceeded   Category = "QUOTA_RESULT_EXCEEDED"
	CategoryQuotaDeadlineExceeded Category = "QUOTA_DEADLINE_EXCEEDED"
	CategoryAuditFailure          Category = "AUDIT_FAILURE"
)

// ToolResult is returned by ExecuteTool. It never carries raw DB rows
// beyond what the tool handler explicitly serializes into Content.
type ToolResult struct {
	Content string
	IsError bool
	Outcome string // ALLOWED | DENIED
	Reason  string
	// Resource is an optional audit-safe identifier for what the call
	// touched (e.g. a query fingerprint or table name), set by the
	// handler and carried into the terminal audit event's resource field.
	Resource string
}

// Handler implements one tool's domain logic. It runs only after steps
// 1-3 of the pipeline have admitted the request; it is responsible for
// its own input validation (step 4) and, if it issues SQL, for running
// it through a sqlguard.Validator with the tool's ORDER BY allowlist
// (step 5) before invoking the adapter (step 6).
type Handler func(ctx context.Context, sess *session.Context, args map[string]any) (*ToolResult, error)

// ToolDescriptor is immutable after registration.
type ToolDescriptor struct {
	Name                  string
	RequiredAction        session.Action
	Handler               Handler
	ProducesSQL           bool
	AllowedOrderByColumns map[string]struct{}
}

// ToolRegistry holds registered tool descriptors and runs every call
// through the enforcement pipeline.
type ToolRegistry struct {
	tools       map[string]*ToolDescriptor
	quotaEngine *quota.Engine
	validator   *sqlguard.Validator
	auditSink   *audit.Sink
}

// New creates an empty ToolRegistry wired to its enforcement dependencies.
func New(quotaEngine *quota.Engine, validator *sqlguard.Validator, auditSink *audit.Sink) *ToolRegistry {
	return &ToolRegistry{
		tools:       make(map[string]*ToolDescriptor),
		quotaEngine: quotaEngine,
		validator:   validator,
		auditSink:   auditSink,
	}
}

// Register adds a tool descriptor. Intended to be called only once per
// tool name, at bootstrap.
func (r *ToolRegistry) Register(d *ToolDescriptor) {
	r.tools[d.Name] = d
}

// ListTools returns only the descriptors whose name sess holds a
// tool.list grant for; a descriptor's RequiredAction is not consulted.
// With no capabilities attached, or an unverified sess, the list is empty.
func (r *ToolRegistry) ListTools(sess *session.Context) []*ToolDescriptor {
	var out []*ToolDescriptor
	if !session.Verify(sess) {
		return out
	}
	for _, d := range r.tools {
		decision := capability.Evaluate(sess.Capabilities(), session.ActionToolList, d.Name)
		if decision.Authorized {
			out = append(out, d)
		}
	}
	return out
}

// pipelineError carries a stable category alongside a sanitized, client-
// visible reason.
type pipelineError struct {
	category Category
	reason   string
}

func (e *pipelineError) Error() string { return string(e.category) }

// ExecuteTool runs the full enforcement pipeline for one tool call:
// context verification, authorization, quota admission, then the tool's
// own input/SQL validation and adapter invocation. Every exit path
// releases any quota reservation and emits exactly one audit event.
func (r *ToolRegistry) ExecuteTool(ctx context.Context, sess *session.Context, toolName string, args map[string]any) (*ToolResult, error) {
	start := time.Now()

	descriptor, ok := r.tools[toolName]
	if !ok {
		return r.deny(ctx, sess, toolName, start, CategoryValidationError, "unknown tool")
	}

	// Step 1: context verification.
	if !session.Verify(sess) || sess.AssertBound() != nil {
		return r.deny(ctx, sess, toolName, start, CategorySecurityViolation, "unrecognized or unbound session context")
	}

	// Step 2: authorization.
	decision := capability.Evaluate(sess.Capabilities(), session.ActionToolInvoke, toolName)
	if !decision.Authorized {
		return r.deny(ctx, sess, toolName, start, CategoryAuthorizationDenied, string(decision.Reason))
	}

	// Step 3: quota admission.
	reservation, quotaReason, err := r.quotaEngine.Admit(ctx, sess.Tenant(), sess.SessionID())
	if err != nil || quotaReason != "" {
		category := CategoryQuotaRateExceeded
		if quotaReason == quota.ReasonConcurrencyExceeded {
			category = CategoryQuotaConcurrency
		}
		return r.deny(ctx, sess, toolName, start, category, string(quotaReason))
	}
	defer reservation.Release()

	// Steps 4-6: the tool handler performs its own input validation and,
	// if it issues SQL, must run it through a sqlguard.Validator before
	// calling the adapter. The registry itself never calls the adapter.
	result, err := descriptor.Handler(ctx, sess, args)
	if err != nil {
		category := categorizeHandlerError(err)
		return r.deny(ctx, sess, toolName, start, category, err.Error())
	}

	// Step 7: release (deferred above) + success audit.
	auditErr := r.auditSink.EmitPipelineStage(ctx, audit.EventQueryExecuted, sess.SessionID(), sess.Tenant(), sess.Identity(), toolName, result.Resource, "allowed", nil)
	if auditErr != nil {
		return nil, &pipelineError{category: CategoryAuditFailure, reason: "audit emit failed"}
	}

	metrics.RecordPipelineOutcome(toolName, "complete", "allowed")
	metrics.RecordPipelineDuration(toolName, time.Since(start))

	result.Outcome = "ALLOWED"
	return result, nil
}

func (r *ToolRegistry) deny(ctx context.Context, sess *session.Context, toolName string, start time.Time, category Category, reason string) (*ToolResult, error) {
	var sessionID, tenant, identity string
	if session.Verify(sess) {
		fields := sess.ToAuditFields()
		sessionID, tenant, identity = fields.SessionID, fields.Tenant, fields.Identity
	}

	auditErr := r.auditSink.EmitPipelineStage(ctx, eventTypeFor(category), sessionID, tenant, identity, toolName, "", "denied", map[string]interface{}{
		"category": string(category),
		"reason":   audit.Redact(reason),
	})
	if auditErr != nil {
		return nil, &pipelineError{category: CategoryAuditFailure, reason: "audit emit failed"}
	}

	metrics.RecordPipelineOutcome(toolName, string(category), "denied")
	metrics.RecordPipelineDuration(toolName, time.Since(start))

	return &ToolResult{
		IsError: true,
		Outcome: "DENIED",
		Reason:  fmt.Sprintf("%s: %s", category, reason),
	}, &pipelineError{category: category, reason: reason}
}

// hasCategory is implemented by adapter.Error and the tool handlers'
// own categorized errors so ExecuteTool can classify a handler failure
// precisely instead of defaulting every failure to ADAPTER_ERROR.
type hasCategory interface{ ErrorCategory() string }

func categorizeHandlerError(err error) Category {
	if c, ok := err.(hasCategory); ok {
		return Category(c.ErrorCategory())
	}
	return CategoryAdapterError
}

func eventTypeFor(category Category) audit.EventType {
	switch category {
	case CategorySecurityViolation:
		return audit.EventAccessDenied
	case CategoryAuthorizationDenied:
		return audit.EventAuthorization
	case CategoryQuotaRateExceeded, CategoryQuotaConcurrency, CategoryQuotaResultExceeded, CategoryQuotaDeadlineExceeded:
		return audit.EventQuotaDenied
	case CategoryQueryRejected:
		return audit.EventSQLValidation
	default:
		return audit.EventAdapterError
	}
}

