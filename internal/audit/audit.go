package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
)

// EventType represents categories of audit events
type EventType string

const (
	EventSessionBound    EventType = "session_bound"
	EventAuthorization   EventType = "authorization"
	EventQuotaDenied     EventType = "quota_denied"
	EventSQLValidation   EventType = "sql_validation"
	EventQueryExecuted   EventType = "query_executed"
	EventAdapterError    EventType = "adapter_error"
	EventConfigChange    EventType = "config_change"
	EventAccessDenied    EventType = "access_denied"
	EventSessionCreated  EventType = "session_created"
	EventSessionExpired  EventType = "session_expired"
	EventAuditFailure    EventType = "audit_failure"
)

// Severity represents event severity
type Severity string

const (
	SevInfo     Severity = "info"
	SevWarning  Severity = "warning"
	SevCritical Severity = "critical"
)

// Event represents a single audit event covering one stage of the tool-call
// enforcement pipeline.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        EventType              `json:"type"`
	Severity    Severity               `json:"severity"`
	SessionID   string                 `json:"session_id"`
	Tenant      string                 `json:"tenant"`
	Identity    string                 `json:"identity"`
	Action      string                 `json:"action"`
	Resource    string                 `json:"resource"`
	Status      string                 `json:"status"` // allowed, denied, error
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	RequestID   string                 `json:"request_id"`
}

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrAuditFailure is returned by Emit when the event could not be durably
// recorded. Per the fail-closed policy, callers must treat this the same as
// an authorization denial: the triggering tool call does not proceed.
var ErrAuditFailure = fmt.Errorf("audit: failed to record event")

// Sink handles audit event recording. Unlike a best-effort logger, Emit
// fails closed: a full buffer is a hard error, not a dropped log line,
// because every enforcement decision this server makes must be reconstructible.
type Sink struct {
	backend chan Event
	done    chan struct{}
}

// NewSink creates an audit sink with the given channel capacity.
func NewSink(bufferSize int) *Sink {
	s := &Sink{
		backend: make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
	go s.process()
	return s
}

// Emit records an audit event. It returns ErrAuditFailure if the event
// could not be enqueued, in which case the caller must deny the request
// that produced it rather than proceed with an unaudited action.
func (s *Sink) Emit(ctx context.Context, event Event) error {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		event.RequestID = reqID
	}

	select {
	case s.backend <- event:
		metrics.RecordAuditEvent(string(event.Type), string(event.Severity))
		return nil
	default:
		slog.Error("audit buffer full, failing closed", "type", event.Type, "session_id", event.SessionID)
		metrics.RecordAuditEmitFailure()
		return ErrAuditFailure
	}
}

// process writes events to structured logging. A real deployment forwards
// this stream to a SIEM or append-only store; here it is a durable sink
// of record via slog.
func (s *Sink) process() {
	defer close(s.done)
	for event := range s.backend {
		data, err := json.Marshal(event)
		if err != nil {
			slog.Error("failed to marshal audit event", "error", err)
			continue
		}
		slog.Info("AUDIT", "event", string(data))
	}
}

// Close stops accepting events and waits for the backend to drain.
func (s *Sink) Close() {
	close(s.backend)
	<-s.done
}

// WithRequestID attaches a request ID to ctx so Emit can record it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// EmitPipelineStage is a convenience wrapper for the common case of auditing
// one enforcement stage of a tool call.
func (s *Sink) EmitPipelineStage(ctx context.Context, eventType EventType, sessionID, tenant, identity, action, resource, status string, details map[string]interface{}) error {
	severity := SevInfo
	if status == "denied" || status == "error" {
		severity = SevWarning
	}
	return s.Emit(ctx, Event{
		Type:      eventType,
		Severity:  severity,
		SessionID: sessionID,
		Tenant:    tenant,
		Identity:  identity,
		Action:    action,
		Resource:  resource,
		Status:    status,
		Details:   details,
	})
}
