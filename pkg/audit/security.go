// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventAuthenticationFailure is logged when a presented API key is missing, unknown or inactive.
	EventAuthenticationFailure SecurityEventType = "authentication_failure"
	// EventRateLimitExceeded is logged when a key is refused by its rate or quota window.
	EventRateLimitExceeded SecurityEventType = "rate_limit_exceeded"
	// EventSuspiciousFilterValue is logged when libinjection flags a filter value.
	// The value was bound as a parameter; the event records probing, not a breach.
	EventSuspiciousFilterValue SecurityEventType = "suspicious_filter_value"
)

// maxLoggedValueLength bounds attacker-controlled strings in audit events.
const maxLoggedValueLength = 256

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	ProjectID *uuid.UUID        `json:"project_id,omitempty"`
	APIKeyID  *uuid.UUID        `json:"api_key_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// AuthFailureDetails describes a rejected credential. Only the public key
// prefix is ever recorded.
type AuthFailureDetails struct {
	Reason    string `json:"reason"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// RateLimitDetails describes a refused admission.
type RateLimitDetails struct {
	Kind       string `json:"kind"` // rate_limit_exceeded or quota_exceeded
	Limit      int    `json:"limit"`
	RetryAfter int64  `json:"retry_after_seconds"`
}

// FilterValueDetails contains specifics of a flagged filter value.
type FilterValueDetails struct {
	Table       string `json:"table"`
	Column      string `json:"column"`
	Value       string `json:"value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// RequestContext identifies who made a request.
type RequestContext struct {
	ProjectID uuid.UUID
	APIKeyID  uuid.UUID
	RequestID string
	ClientIP  string
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogAuthenticationFailure records a rejected API key at WARN level.
// No key or project is known at this point, so only the request identity is kept.
func (a *SecurityAuditor) LogAuthenticationFailure(requestID, clientIP string, details AuthFailureDetails) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventAuthenticationFailure,
		RequestID: requestID,
		ClientIP:  clientIP,
		Details:   details,
		Severity:  "warning",
	}

	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("API key authentication failed",
		zap.String("event_json", string(eventJSON)),
		zap.String("reason", details.Reason),
		zap.String("key_prefix", details.KeyPrefix),
		zap.String("request_id", requestID),
		zap.String("client_ip", clientIP),
		zap.String("severity", "warning"),
	)
}

// LogRateLimitExceeded records a refused admission at INFO level; a client
// exceeding its own limits is expected traffic.
func (a *SecurityAuditor) LogRateLimitExceeded(rc RequestContext, details RateLimitDetails) {
	event := a.newEvent(EventRateLimitExceeded, rc, details, "info")
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Rate limit exceeded",
		zap.String("event_json", string(eventJSON)),
		zap.String("project_id", rc.ProjectID.String()),
		zap.String("api_key_id", rc.APIKeyID.String()),
		zap.String("kind", details.Kind),
		zap.Int("limit", details.Limit),
		zap.String("request_id", rc.RequestID),
		zap.String("client_ip", rc.ClientIP),
		zap.String("severity", "info"),
	)
}

// LogSuspiciousFilterValue records a filter value that matched an injection
// fingerprint. Logged at ERROR with "critical" severity for alerting.
//
// Example usage:
//
//	auditor.LogSuspiciousFilterValue(rc, audit.FilterValueDetails{
//	    Table:       "public.products",
//	    Column:      "name",
//	    Value:       "'; DROP TABLE users--",
//	    Fingerprint: "s&1c",
//	})
func (a *SecurityAuditor) LogSuspiciousFilterValue(rc RequestContext, details FilterValueDetails) {
	details.Value = logging.TruncateString(details.Value, maxLoggedValueLength)
	event := a.newEvent(EventSuspiciousFilterValue, rc, details, "critical")
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Suspicious filter value detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("project_id", rc.ProjectID.String()),
		zap.String("api_key_id", rc.APIKeyID.String()),
		zap.String("table", details.Table),
		zap.String("column", details.Column),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("request_id", rc.RequestID),
		zap.String("client_ip", rc.ClientIP),
		zap.String("severity", "critical"),
	)
}

func (a *SecurityAuditor) newEvent(t SecurityEventType, rc RequestContext, details any, severity string) SecurityEvent {
	projectID, keyID := rc.ProjectID, rc.APIKeyID
	return SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: t,
		ProjectID: &projectID,
		APIKeyID:  &keyID,
		RequestID: rc.RequestID,
		ClientIP:  rc.ClientIP,
		Details:   details,
		Severity:  severity,
	}
}
