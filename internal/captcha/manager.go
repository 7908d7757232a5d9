package captcha

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/engine"
	"github.com/slotkeeper/slotkeeper/internal/notify"
	"github.com/slotkeeper/slotkeeper/internal/sched"
	"github.com/slotkeeper/slotkeeper/internal/store"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// BackupReasonDetected tags the emergency backup taken at detection time.
const BackupReasonDetected = "CAPTCHA_DETECTED"

var (
	// ErrCaptchaNotFound is returned for unknown captcha ids.
	ErrCaptchaNotFound = errors.New("captcha event not found")
	// ErrCaptchaTransitioning rejects a second solve attempt while one is in
	// flight. Repeat calls are rejected, never queued.
	ErrCaptchaTransitioning = errors.New("captcha solution already in progress")
	// ErrCaptchaTerminal rejects operations on expired or completed events.
	ErrCaptchaTerminal = errors.New("captcha event is in a terminal state")
)

// Manager owns the CAPTCHA interruption lifecycle:
// pending -> solving -> completed | failed, with a timer expiring anything
// still pending at the deadline. The active set is an in-process cache,
// reconstructable from the audit stream after a restart.
type Manager struct {
	cfg      config.CaptchaConfig
	store    *store.Store
	engine   engine.Engine
	notifier notify.Notifier
	auditor  audit.Recorder
	timers   *sched.Scheduler

	mu       sync.Mutex
	active   map[string]*models.CaptchaEvent
	notified map[string]struct{}
	inFlight map[string]struct{}
	terminal map[string]models.CaptchaStatus
	spares   map[string][]string

	now func() time.Time
}

func NewManager(cfg config.CaptchaConfig, st *store.Store, eng engine.Engine, notifier notify.Notifier, auditor audit.Recorder, timers *sched.Scheduler) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		notifier: notifier,
		auditor:  auditor,
		timers:   timers,
		active:   make(map[string]*models.CaptchaEvent),
		notified: make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
		terminal: make(map[string]models.CaptchaStatus),
		spares:   make(map[string][]string),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// DetectCaptcha registers a new interruption: emergency backup, tokens,
// expiry timer, and exactly one human notification.
func (m *Manager) DetectCaptcha(ctx context.Context, sessionID, provider, challengeURL string, meta models.CaptchaMeta) (*models.CaptchaEvent, error) {
	state, err := m.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	// A CAPTCHA interruption is the highest-risk point for silent data
	// loss, so back the session up before anything else. Detection still
	// proceeds if the backup fails; the human solve matters more.
	if _, err := m.store.CreateEmergencyBackup(ctx, sessionID, BackupReasonDetected); err != nil {
		log.Printf("emergency backup at captcha detection failed for %s: %v", sessionID, err)
	}

	now := m.now().UTC()
	captchaID := uuid.New().String()

	if !meta.HasQueuePosition && state.QueueState.HasPosition {
		meta.QueuePosition = state.QueueState.Position
		meta.HasQueuePosition = true
	}

	event := &models.CaptchaEvent{
		ID:           captchaID,
		SessionID:    sessionID,
		Provider:     provider,
		Status:       models.CaptchaPending,
		ChallengeURL: challengeURL,
		MagicURL:     fmt.Sprintf("%s/%s/%s?t=%s", m.cfg.MagicURLBase, sessionID, captchaID, uuid.New().String()),
		ResumeToken:  resumeToken(captchaID, state.BrowserContext),
		Meta:         meta,
		DetectedAt:   now,
		ExpiresAt:    now.Add(m.cfg.Window),
	}

	m.mu.Lock()
	m.active[captchaID] = event
	m.mu.Unlock()

	m.timers.Schedule(timerKey(captchaID), event.ExpiresAt, func() {
		m.expire(captchaID)
	})

	if err := m.auditor.Record(ctx, models.AuditEvent{
		Type:      models.AuditCaptchaDetected,
		SessionID: sessionID,
		Provider:  provider,
		Detail: map[string]interface{}{
			"captchaId":     captchaID,
			"challengeUrl":  challengeURL,
			"magicUrl":      event.MagicURL,
			"resumeToken":   event.ResumeToken,
			"expiresAt":     event.ExpiresAt.Format(time.RFC3339),
			"queuePosition": meta.QueuePosition,
			"hasPosition":   meta.HasQueuePosition,
		},
	}); err != nil {
		log.Printf("captcha detection audit failed for %s: %v", captchaID, err)
	}

	m.notifyOnce(ctx, event)

	// The expiry timer mutates the tracked event; callers get a copy.
	out := *event
	return &out, nil
}

// notifyOnce sends the human-assist notification exactly once per event.
func (m *Manager) notifyOnce(ctx context.Context, event *models.CaptchaEvent) {
	m.mu.Lock()
	if _, done := m.notified[event.ID]; done {
		m.mu.Unlock()
		return
	}
	m.notified[event.ID] = struct{}{}
	m.mu.Unlock()

	msg := notify.Message{
		Urgency:  notify.UrgencyHigh,
		Title:    "CAPTCHA needs your help",
		Body:     fmt.Sprintf("Registration at %s is paused on a CAPTCHA. Solve it before %s to keep your place.", event.Provider, event.ExpiresAt.Format(time.Kitchen)),
		MagicURL: event.MagicURL,
		Context: map[string]string{
			"sessionId": event.SessionID,
			"captchaId": event.ID,
		},
	}
	if err := m.notifier.Send(ctx, msg); err != nil {
		// Best effort: a missed notification degrades, it does not fail
		// detection.
		log.Printf("captcha notification failed for %s: %v", event.ID, err)
	}
}

// expire transitions a still-pending event to expired. Terminal: the event
// leaves the active set and only its tombstone remains.
func (m *Manager) expire(captchaID string) {
	m.mu.Lock()
	event, ok := m.active[captchaID]
	if !ok || event.Status != models.CaptchaPending {
		m.mu.Unlock()
		return
	}
	event.Status = models.CaptchaExpired
	delete(m.active, captchaID)
	delete(m.notified, captchaID)
	delete(m.spares, event.SessionID)
	m.tombstone(captchaID, models.CaptchaExpired)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.auditor.Record(ctx, models.AuditEvent{
		Type:      models.AuditCaptchaExpired,
		SessionID: event.SessionID,
		Provider:  event.Provider,
		Detail:    map[string]interface{}{"captchaId": captchaID},
	}); err != nil {
		log.Printf("captcha expiry audit failed for %s: %v", captchaID, err)
	}
}

// Get returns a copy of an active event.
func (m *Manager) Get(captchaID string) (*models.CaptchaEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.active[captchaID]
	if !ok {
		return nil, ErrCaptchaNotFound
	}
	out := *event
	return &out, nil
}

// ProcessCaptchaSolution resumes automation with a human-supplied solution.
// Only one call per captcha id may be in flight; repeats are rejected.
func (m *Manager) ProcessCaptchaSolution(ctx context.Context, captchaID, solutionToken string) (models.CaptchaSolutionResult, error) {
	m.mu.Lock()
	event, ok := m.active[captchaID]
	if !ok {
		_, done := m.terminal[captchaID]
		m.mu.Unlock()
		if done {
			return models.CaptchaSolutionResult{}, ErrCaptchaTerminal
		}
		return models.CaptchaSolutionResult{}, ErrCaptchaNotFound
	}
	if _, busy := m.inFlight[captchaID]; busy || event.Status == models.CaptchaSolving {
		m.mu.Unlock()
		return models.CaptchaSolutionResult{}, ErrCaptchaTransitioning
	}
	event.Status = models.CaptchaSolving
	m.inFlight[captchaID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, captchaID)
		m.mu.Unlock()
	}()

	resume, err := m.engine.ResumeAfterCaptcha(ctx, event.SessionID, captchaID, solutionToken, event.ResumeToken)
	if err != nil || !resume.Success {
		m.finish(ctx, event, models.CaptchaFailed)
		msg := "The automation engine could not resume after the CAPTCHA."
		if err != nil {
			msg = fmt.Sprintf("%s (%v)", msg, err)
		}
		return models.CaptchaSolutionResult{
			CaptchaID: captchaID,
			Success:   false,
			Message:   msg,
			NextSteps: []string{"Retry from the verification link.", "If it fails again, take over the registration manually."},
		}, nil
	}

	maintained := true
	if resume.HasQueuePosition && event.Meta.HasQueuePosition &&
		resume.CurrentQueuePosition > event.Meta.QueuePosition {
		maintained = false
		// Worsened position is a critical incident but does not fail the
		// resume itself; it is surfaced as a warning.
		if err := m.auditor.Record(ctx, models.AuditEvent{
			Type:      models.AuditQueueRegression,
			SessionID: event.SessionID,
			Provider:  event.Provider,
			Detail: map[string]interface{}{
				"captchaId":        captchaID,
				"positionAtDetect": event.Meta.QueuePosition,
				"positionAfter":    resume.CurrentQueuePosition,
				"severity":         "critical",
			},
		}); err != nil {
			log.Printf("queue regression audit failed for %s: %v", captchaID, err)
		}
	}

	if resume.HasQueuePosition {
		if _, err := m.store.UpdateQueueState(ctx, event.SessionID, models.QueueState{
			Position:    resume.CurrentQueuePosition,
			HasPosition: true,
		}); err != nil {
			log.Printf("queue state update after resume failed for %s: %v", event.SessionID, err)
		}
	}

	m.finish(ctx, event, models.CaptchaCompleted)

	result := models.CaptchaSolutionResult{
		CaptchaID:               captchaID,
		Success:                 true,
		QueuePositionMaintained: maintained,
		QueuePositionAfter:      resume.CurrentQueuePosition,
		Message:                 "CAPTCHA solved; automation resumed.",
	}
	if !maintained {
		result.Message = "CAPTCHA solved and automation resumed, but your queue position worsened while paused."
		result.NextSteps = []string{"Keep the session running.", "Consider an alternate provider if the wait grows."}
	}
	return result, nil
}

// finish applies a terminal status, removes the event from the active set,
// and cancels its expiry timer.
func (m *Manager) finish(ctx context.Context, event *models.CaptchaEvent, status models.CaptchaStatus) {
	m.mu.Lock()
	event.Status = status
	delete(m.active, event.ID)
	delete(m.notified, event.ID)
	delete(m.spares, event.SessionID)
	m.tombstone(event.ID, status)
	m.mu.Unlock()

	m.timers.Cancel(timerKey(event.ID))

	auditType := models.AuditCaptchaSolved
	if status == models.CaptchaFailed {
		auditType = models.AuditCaptchaFailed
	}
	if err := m.auditor.Record(ctx, models.AuditEvent{
		Type:      auditType,
		SessionID: event.SessionID,
		Provider:  event.Provider,
		Detail:    map[string]interface{}{"captchaId": event.ID},
	}); err != nil {
		log.Printf("captcha outcome audit failed for %s: %v", event.ID, err)
	}
}

// tombstone remembers a terminal outcome so late solution attempts are
// rejected as terminal rather than not-found. Entries are dropped after one
// expiry window (at least a minute) to keep the cache bounded. Caller holds
// m.mu.
func (m *Manager) tombstone(captchaID string, status models.CaptchaStatus) {
	m.terminal[captchaID] = status
	ttl := m.cfg.Window
	if ttl < time.Minute {
		ttl = time.Minute
	}
	m.timers.Schedule(tombKey(captchaID), m.now().Add(ttl), func() {
		m.mu.Lock()
		delete(m.terminal, captchaID)
		m.mu.Unlock()
	})
}

// ActiveCount reports the number of tracked events.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// RestoreActive rebuilds the active set and expiry timers from the audit
// stream after a process restart. Events already past their deadline are
// expired immediately.
func (m *Manager) RestoreActive(ctx context.Context, bus *audit.Bus) error {
	events, err := bus.Recent(ctx, 500)
	if err != nil {
		return fmt.Errorf("read audit tail: %w", err)
	}

	resolved := make(map[string]struct{})
	for _, ev := range events {
		switch ev.Type {
		case models.AuditCaptchaSolved, models.AuditCaptchaFailed, models.AuditCaptchaExpired:
			if id, ok := ev.Detail["captchaId"].(string); ok {
				resolved[id] = struct{}{}
			}
		}
	}

	restored := 0
	for _, ev := range events {
		if ev.Type != models.AuditCaptchaDetected {
			continue
		}
		id, _ := ev.Detail["captchaId"].(string)
		if id == "" {
			continue
		}
		if _, done := resolved[id]; done {
			continue
		}

		expiresAt, err := time.Parse(time.RFC3339, stringDetail(ev.Detail, "expiresAt"))
		if err != nil {
			continue
		}

		event := &models.CaptchaEvent{
			ID:           id,
			SessionID:    ev.SessionID,
			Provider:     ev.Provider,
			Status:       models.CaptchaPending,
			ChallengeURL: stringDetail(ev.Detail, "challengeUrl"),
			MagicURL:     stringDetail(ev.Detail, "magicUrl"),
			ResumeToken:  stringDetail(ev.Detail, "resumeToken"),
			DetectedAt:   ev.CreatedAt,
			ExpiresAt:    expiresAt,
		}
		if pos, ok := intDetail(ev.Detail, "queuePosition"); ok {
			event.Meta.QueuePosition = pos
			if has, ok := ev.Detail["hasPosition"].(bool); ok {
				event.Meta.HasQueuePosition = has
			}
		}

		m.mu.Lock()
		m.active[id] = event
		m.notified[id] = struct{}{} // never re-notify after restart
		m.mu.Unlock()

		m.timers.Schedule(timerKey(id), expiresAt, func() {
			m.expire(id)
		})
		restored++
	}

	if restored > 0 {
		log.Printf("restored %d pending captcha events from audit log", restored)
	}
	return nil
}

// PrewarmTokens pre-generates spare resume tokens for a session ahead of a
// predicted CAPTCHA.
func (m *Manager) PrewarmTokens(sessionID string, n int) []string {
	state, err := m.store.Get(sessionID)
	if err != nil {
		return nil
	}

	tokens := make([]string, 0, n)
	for i := 0; i < n; i++ {
		tokens = append(tokens, resumeToken(uuid.New().String(), state.BrowserContext))
	}

	m.mu.Lock()
	m.spares[sessionID] = tokens
	m.mu.Unlock()
	return tokens
}

// SpareTokens returns any pre-generated tokens for a session.
func (m *Manager) SpareTokens(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spares[sessionID]...)
}

// resumeToken binds a captcha id to a hash of the browser context at
// detection time, so context drift is detectable on resume.
func resumeToken(captchaID string, bc models.BrowserContext) string {
	h := sha256.New()
	h.Write([]byte(captchaID))
	h.Write([]byte(bc.PageURL))
	h.Write([]byte(bc.UserAgent))
	h.Write([]byte(bc.CapturedAt.Format(time.RFC3339Nano)))
	for _, c := range bc.Cookies {
		h.Write([]byte(c.Name))
		h.Write([]byte(c.Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func timerKey(captchaID string) string {
	return "captcha:" + captchaID
}

func tombKey(captchaID string) string {
	return "captcha-tomb:" + captchaID
}

func stringDetail(detail map[string]interface{}, key string) string {
	s, _ := detail[key].(string)
	return s
}

// intDetail tolerates both native ints (in-memory log) and float64 (detail
// that round-tripped through JSON).
func intDetail(detail map[string]interface{}, key string) (int, bool) {
	switch v := detail[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
