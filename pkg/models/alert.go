package models

import "time"

// AlertSeverity orders compliance alerts for cooldown and escalation rules.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert types recognized by the compliance monitor.
const (
	AlertBlockDetected   = "block_detected"
	AlertRateLimited     = "rate_limited"
	AlertPolicyViolation = "policy_violation"
	AlertQueueLoss       = "queue_loss"
	AlertCaptchaExpired  = "captcha_expired"
)

// ComplianceAlert is a classified anomaly raised from the audit stream.
type ComplianceAlert struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Severity        AlertSeverity          `json:"severity"`
	Subject         string                 `json:"subject"`
	Message         string                 `json:"message"`
	Detail          map[string]interface{} `json:"detail,omitempty"`
	AutoResolves    bool                   `json:"autoResolves"`
	EscalationLevel int                    `json:"escalationLevel"`
	Acknowledged    bool                   `json:"acknowledged"`
	CreatedAt       time.Time              `json:"createdAt"`
}

// AuditEvent is one entry in the append-only audit stream. The subsystem
// both emits these and consumes them through the compliance monitor.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Audit event types emitted by the subsystem.
const (
	AuditRecoveryAttempt    = "recovery_attempt"
	AuditPositionLoss       = "queue_position_loss"
	AuditQueueRegression    = "queue_position_regression"
	AuditCaptchaDetected    = "captcha_detected"
	AuditCaptchaSolved      = "captcha_solved"
	AuditCaptchaFailed      = "captcha_failed"
	AuditCaptchaExpired     = "captcha_expired"
	AuditDegradation        = "degradation_executed"
	AuditDegradationCleared = "degradation_cleared"
	AuditAlertEscalation    = "alert_escalation"
	AuditAutomationDisabled = "automation_disabled"
	AuditSyncConflict       = "sync_conflict_resolved"
	AuditEmergencyBackup    = "emergency_backup"
	AuditBlocked            = "request_blocked"
	AuditRateLimited        = "rate_limited"
	AuditPolicyViolation    = "policy_violation"
)
