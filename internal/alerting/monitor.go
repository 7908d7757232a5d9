package alerting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/notify"
	"github.com/slotkeeper/slotkeeper/internal/sched"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// ErrAlertNotFound is returned when acknowledging an unknown alert.
var ErrAlertNotFound = errors.New("alert not found")

// repeatedBlockThreshold is how many blocks from one provider trigger the
// automation-disable side effect.
const repeatedBlockThreshold = 3

// Monitor consumes the audit stream, raises de-duplicated compliance
// alerts, escalates the unacknowledged ones, and disables automation for
// providers that keep misbehaving. Cooldown and disable maps are advisory
// caches, rebuildable from the audit log.
type Monitor struct {
	cfg      config.AlertingConfig
	notifier notify.Notifier
	auditor  audit.Recorder
	timers   *sched.Scheduler

	mu          sync.Mutex
	alerts      map[string]*models.ComplianceAlert
	lastRaised  map[string]time.Time
	blockCounts map[string]int
	disabled    map[string]bool

	now func() time.Time
}

func NewMonitor(cfg config.AlertingConfig, notifier notify.Notifier, auditor audit.Recorder, timers *sched.Scheduler) *Monitor {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.CriticalCooldown <= 0 {
		cfg.CriticalCooldown = time.Hour
	}
	if cfg.Level2Delay <= 0 {
		cfg.Level2Delay = 15 * time.Minute
	}
	if cfg.Level3Delay <= 0 {
		cfg.Level3Delay = 5 * time.Minute
	}
	return &Monitor{
		cfg:         cfg,
		notifier:    notifier,
		auditor:     auditor,
		timers:      timers,
		alerts:      make(map[string]*models.ComplianceAlert),
		lastRaised:  make(map[string]time.Time),
		blockCounts: make(map[string]int),
		disabled:    make(map[string]bool),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// HandleEvent classifies one audit event into zero or one alert. Safe to
// register directly as a bus subscriber.
func (m *Monitor) HandleEvent(event models.AuditEvent) {
	alert := m.classify(event)
	if alert == nil {
		return
	}
	m.raise(alert)
}

// classify maps audit event types to alerts. Returns nil for events that
// are not anomalies.
func (m *Monitor) classify(event models.AuditEvent) *models.ComplianceAlert {
	subject := event.Provider
	if subject == "" {
		subject = event.SessionID
	}

	switch event.Type {
	case models.AuditBlocked:
		m.mu.Lock()
		m.blockCounts[subject]++
		repeated := m.blockCounts[subject] >= repeatedBlockThreshold
		m.mu.Unlock()

		alert := &models.ComplianceAlert{
			Type:            models.AlertBlockDetected,
			Severity:        models.SeverityWarning,
			Subject:         subject,
			Message:         fmt.Sprintf("Automation request blocked by %s", subject),
			Detail:          event.Detail,
			EscalationLevel: 2,
		}
		if repeated {
			alert.Severity = models.SeverityCritical
			alert.EscalationLevel = 3
			alert.Message = fmt.Sprintf("Repeated blocks from %s; disabling automation", subject)
			m.DisableAutomation(subject)
		}
		return alert

	case models.AuditRateLimited:
		return &models.ComplianceAlert{
			Type:            models.AlertRateLimited,
			Severity:        models.SeverityWarning,
			Subject:         subject,
			Message:         fmt.Sprintf("Rate limited by %s", subject),
			Detail:          event.Detail,
			AutoResolves:    true,
			EscalationLevel: 1,
		}

	case models.AuditPolicyViolation:
		return &models.ComplianceAlert{
			Type:            models.AlertPolicyViolation,
			Severity:        models.SeverityCritical,
			Subject:         subject,
			Message:         fmt.Sprintf("Automation policy violation at %s", subject),
			Detail:          event.Detail,
			EscalationLevel: 3,
		}

	case models.AuditPositionLoss:
		m.DisableAutomation(subject)
		return &models.ComplianceAlert{
			Type:            models.AlertQueueLoss,
			Severity:        models.SeverityCritical,
			Subject:         subject,
			Message:         fmt.Sprintf("Queue position lost at %s", subject),
			Detail:          event.Detail,
			EscalationLevel: 3,
		}

	case models.AuditCaptchaExpired:
		return &models.ComplianceAlert{
			Type:            models.AlertCaptchaExpired,
			Severity:        models.SeverityWarning,
			Subject:         subject,
			Message:         "A CAPTCHA expired before anyone solved it",
			Detail:          event.Detail,
			AutoResolves:    true,
			EscalationLevel: 1,
		}

	default:
		return nil
	}
}

// raise stores and notifies an alert unless an identical (type, subject)
// alert is still inside its cooldown window.
func (m *Monitor) raise(alert *models.ComplianceAlert) {
	key := cooldownKey(alert.Type, alert.Subject)
	cooldown := m.cfg.Cooldown
	if alert.Severity == models.SeverityCritical {
		cooldown = m.cfg.CriticalCooldown
	}

	now := m.now().UTC()

	m.mu.Lock()
	if last, ok := m.lastRaised[key]; ok && now.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.lastRaised[key] = now

	alert.ID = uuid.New().String()
	alert.CreatedAt = now
	m.alerts[alert.ID] = alert
	m.mu.Unlock()

	if err := m.notifier.Send(context.Background(), notify.Message{
		Urgency: urgencyFor(alert.Severity),
		Title:   "Compliance alert: " + alert.Type,
		Body:    alert.Message,
		Context: map[string]string{"alertId": alert.ID, "subject": alert.Subject},
	}); err != nil {
		log.Printf("alert notification failed for %s: %v", alert.ID, err)
	}

	if alert.EscalationLevel > 1 {
		m.scheduleEscalation(alert)
	}
}

func (m *Monitor) scheduleEscalation(alert *models.ComplianceAlert) {
	delay := m.cfg.Level2Delay
	if alert.EscalationLevel >= 3 {
		delay = m.cfg.Level3Delay
	}

	alertID := alert.ID
	m.timers.Schedule(escalationKey(alertID), m.now().Add(delay), func() {
		m.escalate(alertID)
	})
}

func (m *Monitor) escalate(alertID string) {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok || alert.Acknowledged {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.notifier.Send(ctx, notify.Message{
		Urgency: notify.UrgencyCritical,
		Title:   "ESCALATED compliance alert: " + alert.Type,
		Body:    alert.Message + " (still unacknowledged)",
		Context: map[string]string{"alertId": alert.ID, "subject": alert.Subject},
	}); err != nil {
		log.Printf("escalation notification failed for %s: %v", alert.ID, err)
	}

	if err := m.auditor.Record(ctx, models.AuditEvent{
		Type:     models.AuditAlertEscalation,
		Provider: alert.Subject,
		Detail: map[string]interface{}{
			"alertId":   alert.ID,
			"alertType": alert.Type,
			"level":     alert.EscalationLevel,
		},
	}); err != nil {
		log.Printf("escalation audit failed for %s: %v", alert.ID, err)
	}
}

// Restore rebuilds the disabled-provider set and block counters from the
// durable audit log after a restart. Replay never notifies or re-audits.
func (m *Monitor) Restore(ctx context.Context, bus *audit.Bus) error {
	events, err := bus.Recent(ctx, 500)
	if err != nil {
		return fmt.Errorf("replay audit log: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		subject := ev.Provider
		if subject == "" {
			subject = ev.SessionID
		}
		switch ev.Type {
		case models.AuditAutomationDisabled:
			m.disabled[subject] = true
		case models.AuditBlocked:
			m.blockCounts[subject]++
		}
	}
	return nil
}

// AcknowledgeAlert marks an alert handled and cancels its pending
// escalation.
func (m *Monitor) AcknowledgeAlert(alertID string) error {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return ErrAlertNotFound
	}
	alert.Acknowledged = true
	m.mu.Unlock()

	m.timers.Cancel(escalationKey(alertID))
	return nil
}

// Alerts returns a snapshot of stored alerts.
func (m *Monitor) Alerts() []models.ComplianceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ComplianceAlert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		out = append(out, *alert)
	}
	return out
}

// DisableAutomation turns automation off for a provider. Idempotent; only
// the first call is audited.
func (m *Monitor) DisableAutomation(provider string) {
	m.mu.Lock()
	if m.disabled[provider] {
		m.mu.Unlock()
		return
	}
	m.disabled[provider] = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.auditor.Record(ctx, models.AuditEvent{
		Type:     models.AuditAutomationDisabled,
		Provider: provider,
	}); err != nil {
		log.Printf("automation-disable audit failed for %s: %v", provider, err)
	}
	log.Printf("automation disabled for provider %s", provider)
}

// AutomationDisabled reports whether a provider has been switched off.
func (m *Monitor) AutomationDisabled(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled[provider]
}

func cooldownKey(alertType, subject string) string {
	return alertType + "|" + subject
}

func escalationKey(alertID string) string {
	return "alert:" + alertID
}

func urgencyFor(severity models.AlertSeverity) notify.Urgency {
	switch severity {
	case models.SeverityCritical:
		return notify.UrgencyCritical
	case models.SeverityWarning:
		return notify.UrgencyHigh
	default:
		return notify.UrgencyNormal
	}
}
