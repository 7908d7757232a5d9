package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/notify"
	"github.com/slotkeeper/slotkeeper/internal/sched"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

type countingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (c *countingNotifier) Name() string { return "counting" }

func (c *countingNotifier) Send(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestMonitor(t *testing.T) (*Monitor, *countingNotifier, *audit.MemoryLog, *sched.Scheduler) {
	t.Helper()
	notifier := &countingNotifier{}
	auditLog := audit.NewMemoryLog()
	timers := sched.New()
	t.Cleanup(timers.Close)
	m := NewMonitor(config.AlertingConfig{
		Cooldown:         5 * time.Minute,
		CriticalCooldown: time.Hour,
		Level2Delay:      15 * time.Minute,
		Level3Delay:      5 * time.Minute,
	}, notifier, audit.NewBus(auditLog), timers)
	return m, notifier, auditLog, timers
}

func TestBlockedEventRaisesAlert(t *testing.T) {
	m, notifier, _, _ := newTestMonitor(t)

	m.HandleEvent(models.AuditEvent{Type: models.AuditBlocked, Provider: "camps.example.com"})

	alerts := m.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Type != models.AlertBlockDetected || alerts[0].Severity != models.SeverityWarning {
		t.Errorf("unexpected alert: %+v", alerts[0])
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
	if m.AutomationDisabled("camps.example.com") {
		t.Error("a single block must not disable automation")
	}
}

func TestCooldownDeduplicates(t *testing.T) {
	m, notifier, _, _ := newTestMonitor(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	m.HandleEvent(models.AuditEvent{Type: models.AuditRateLimited, Provider: "camps.example.com"})
	m.HandleEvent(models.AuditEvent{Type: models.AuditRateLimited, Provider: "camps.example.com"})
	if len(m.Alerts()) != 1 {
		t.Fatalf("identical events inside cooldown raised %d alerts", len(m.Alerts()))
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}

	// A different subject is not suppressed.
	m.HandleEvent(models.AuditEvent{Type: models.AuditRateLimited, Provider: "other.example.com"})
	if len(m.Alerts()) != 2 {
		t.Errorf("different subject suppressed: %d alerts", len(m.Alerts()))
	}

	// Past the cooldown the same subject fires again.
	now = base.Add(6 * time.Minute)
	m.HandleEvent(models.AuditEvent{Type: models.AuditRateLimited, Provider: "camps.example.com"})
	if len(m.Alerts()) != 3 {
		t.Errorf("alert not re-raised after cooldown: %d alerts", len(m.Alerts()))
	}
}

func TestRepeatedBlocksDisableAutomation(t *testing.T) {
	m, _, auditLog, _ := newTestMonitor(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	for i := 0; i < repeatedBlockThreshold; i++ {
		m.HandleEvent(models.AuditEvent{Type: models.AuditBlocked, Provider: "camps.example.com"})
		now = now.Add(2 * time.Hour) // step past every cooldown
	}

	if !m.AutomationDisabled("camps.example.com") {
		t.Fatal("repeated blocks must disable automation")
	}

	var critical bool
	for _, alert := range m.Alerts() {
		if alert.Type == models.AlertBlockDetected && alert.Severity == models.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Error("the threshold block must raise a critical alert")
	}

	events, _ := auditLog.Recent(context.Background(), 100)
	disabled := 0
	for _, ev := range events {
		if ev.Type == models.AuditAutomationDisabled {
			disabled++
		}
	}
	if disabled != 1 {
		t.Errorf("automation disable audited %d times, want 1", disabled)
	}

	// Disabling again is a no-op.
	m.DisableAutomation("camps.example.com")
	events, _ = auditLog.Recent(context.Background(), 100)
	disabled = 0
	for _, ev := range events {
		if ev.Type == models.AuditAutomationDisabled {
			disabled++
		}
	}
	if disabled != 1 {
		t.Errorf("repeat disable audited again: %d", disabled)
	}
}

func TestQueueLossDisablesAutomation(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)

	m.HandleEvent(models.AuditEvent{
		Type:      models.AuditPositionLoss,
		SessionID: "sess-1",
		Provider:  "camps.example.com",
	})

	if !m.AutomationDisabled("camps.example.com") {
		t.Error("queue position loss must disable automation for the provider")
	}
	alerts := m.Alerts()
	if len(alerts) != 1 || alerts[0].Type != models.AlertQueueLoss || alerts[0].Severity != models.SeverityCritical {
		t.Errorf("unexpected alerts: %+v", alerts)
	}
}

func TestEscalationScheduledAndAcknowledgeCancels(t *testing.T) {
	m, _, _, timers := newTestMonitor(t)

	m.HandleEvent(models.AuditEvent{Type: models.AuditPolicyViolation, Provider: "camps.example.com"})

	alerts := m.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts", len(alerts))
	}
	alertID := alerts[0].ID
	if !timers.Pending(escalationKey(alertID)) {
		t.Fatal("critical alert did not schedule an escalation")
	}

	if err := m.AcknowledgeAlert(alertID); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	if timers.Pending(escalationKey(alertID)) {
		t.Error("acknowledgement did not cancel the escalation")
	}

	if err := m.AcknowledgeAlert("missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("want ErrAlertNotFound, got %v", err)
	}
}

func TestEscalationFiresForUnacknowledgedAlert(t *testing.T) {
	m, notifier, auditLog, _ := newTestMonitor(t)

	m.HandleEvent(models.AuditEvent{Type: models.AuditPolicyViolation, Provider: "camps.example.com"})
	alerts := m.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts", len(alerts))
	}

	before := notifier.count()
	m.escalate(alerts[0].ID)
	if notifier.count() != before+1 {
		t.Error("escalation did not re-notify")
	}

	events, _ := auditLog.Recent(context.Background(), 100)
	found := false
	for _, ev := range events {
		if ev.Type == models.AuditAlertEscalation {
			found = true
		}
	}
	if !found {
		t.Error("escalation was not audited")
	}

	// Acknowledged alerts do not escalate.
	if err := m.AcknowledgeAlert(alerts[0].ID); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	before = notifier.count()
	m.escalate(alerts[0].ID)
	if notifier.count() != before {
		t.Error("acknowledged alert escalated anyway")
	}
}

func TestRestoreRebuildsDisabledProviders(t *testing.T) {
	auditLog := audit.NewMemoryLog()
	bus := audit.NewBus(auditLog)
	ctx := context.Background()

	// Events written before a restart.
	bus.Record(ctx, models.AuditEvent{Type: models.AuditAutomationDisabled, Provider: "camps.example.com"})
	bus.Record(ctx, models.AuditEvent{Type: models.AuditBlocked, Provider: "other.example.com"})
	bus.Record(ctx, models.AuditEvent{Type: models.AuditBlocked, Provider: "other.example.com"})

	notifier := &countingNotifier{}
	timers := sched.New()
	t.Cleanup(timers.Close)
	m := NewMonitor(config.AlertingConfig{}, notifier, bus, timers)
	if err := m.Restore(ctx, bus); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if !m.AutomationDisabled("camps.example.com") {
		t.Error("disable did not survive the restart")
	}
	if m.AutomationDisabled("other.example.com") {
		t.Error("blocks below the threshold must not disable automation")
	}
	if notifier.count() != 0 {
		t.Errorf("replay sent %d notifications", notifier.count())
	}

	// Restored block counts carry over: one more block hits the threshold.
	m.HandleEvent(models.AuditEvent{Type: models.AuditBlocked, Provider: "other.example.com"})
	if !m.AutomationDisabled("other.example.com") {
		t.Error("restored block count was not applied")
	}
}

func TestNonAnomalousEventsIgnored(t *testing.T) {
	m, notifier, _, _ := newTestMonitor(t)

	for _, typ := range []string{models.AuditRecoveryAttempt, models.AuditCaptchaSolved, models.AuditEmergencyBackup} {
		m.HandleEvent(models.AuditEvent{Type: typ, SessionID: "sess-1"})
	}
	if len(m.Alerts()) != 0 || notifier.count() != 0 {
		t.Errorf("routine events raised alerts: %d alerts, %d notifications", len(m.Alerts()), notifier.count())
	}
}
