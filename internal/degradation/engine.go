package degradation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/engine"
	"github.com/slotkeeper/slotkeeper/internal/intel"
	"github.com/slotkeeper/slotkeeper/internal/notify"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// fallbacks ranks remediation options per scenario. Time and success-rate
// estimates are static, from operating history.
var fallbacks = map[models.DegradationScenario][]models.FallbackOption{
	models.DegradationTOSViolation: {
		{Kind: models.FallbackHumanTakeover, EstimatedTime: 5 * time.Minute, SuccessRate: 0.95, Description: "Hand the registration to you to finish by hand"},
		{Kind: models.FallbackAlternate, EstimatedTime: 15 * time.Minute, SuccessRate: 0.6, Description: "Register at an alternate provider"},
	},
	models.DegradationBlockDetected: {
		{Kind: models.FallbackHumanTakeover, EstimatedTime: 5 * time.Minute, SuccessRate: 0.9, Description: "Hand the registration to you to finish by hand"},
		{Kind: models.FallbackDelayedRetry, EstimatedTime: 30 * time.Minute, SuccessRate: 0.5, Description: "Wait out the block and retry"},
		{Kind: models.FallbackAlternate, EstimatedTime: 15 * time.Minute, SuccessRate: 0.6, Description: "Register at an alternate provider"},
	},
	models.DegradationCaptcha: {
		{Kind: models.FallbackManualAssist, EstimatedTime: 3 * time.Minute, SuccessRate: 0.92, Description: "Solve the CAPTCHA from the link we sent"},
		{Kind: models.FallbackHumanTakeover, EstimatedTime: 5 * time.Minute, SuccessRate: 0.9, Description: "Hand the registration to you to finish by hand"},
	},
	models.DegradationProviderDown: {
		{Kind: models.FallbackDelayedRetry, EstimatedTime: 20 * time.Minute, SuccessRate: 0.7, Description: "Retry when the provider is back"},
		{Kind: models.FallbackAlternate, EstimatedTime: 15 * time.Minute, SuccessRate: 0.6, Description: "Register at an alternate provider"},
	},
	models.DegradationManualOnly: {
		{Kind: models.FallbackHumanTakeover, EstimatedTime: 10 * time.Minute, SuccessRate: 0.85, Description: "Finish the registration by hand"},
	},
}

// Classify maps a degradation context to one scenario, checked in priority
// order: TOS violation, block, CAPTCHA, provider down, then manual-only.
func Classify(dctx models.DegradationContext) models.DegradationScenario {
	errType := strings.ToLower(dctx.ErrorType)
	msg := strings.ToLower(dctx.ErrorMessage)

	switch {
	case errType == "tos" || strings.Contains(msg, "terms of service") || dctx.Tier == models.TierRed:
		return models.DegradationTOSViolation
	case dctx.BlockDetected || strings.Contains(msg, "blocked") || strings.Contains(msg, "403"):
		return models.DegradationBlockDetected
	case errType == "captcha" || strings.Contains(msg, "captcha"):
		return models.DegradationCaptcha
	case errType == "provider" || strings.Contains(msg, "unavailable") || strings.Contains(msg, "503"):
		return models.DegradationProviderDown
	default:
		return models.DegradationManualOnly
	}
}

// Options returns the ranked fallback list for a scenario.
func Options(scenario models.DegradationScenario) []models.FallbackOption {
	return append([]models.FallbackOption(nil), fallbacks[scenario]...)
}

// SelectBestFallback honors an explicit preference when it is in the list,
// otherwise picks the option with the highest success rate.
func SelectBestFallback(scenario models.DegradationScenario, preference models.FallbackKind) models.FallbackOption {
	options := fallbacks[scenario]
	if len(options) == 0 {
		return models.FallbackOption{
			Kind:        models.FallbackHumanTakeover,
			SuccessRate: 0.5,
			Description: "Finish the registration by hand",
		}
	}

	if preference != "" {
		for _, opt := range options {
			if opt.Kind == preference {
				return opt
			}
		}
	}

	best := options[0]
	for _, opt := range options[1:] {
		if opt.SuccessRate > best.SuccessRate {
			best = opt
		}
	}
	return best
}

type activeDegradation struct {
	scenario models.DegradationScenario
	context  models.DegradationContext
	since    time.Time
}

// Engine executes fallbacks and watches for the blocking condition to
// clear. The active map is advisory only.
type Engine struct {
	notifier notify.Notifier
	auditor  audit.Recorder
	intel    intel.Service
	probe    engine.Engine

	mu     sync.Mutex
	active map[string]activeDegradation
}

func NewEngine(notifier notify.Notifier, auditor audit.Recorder, svc intel.Service, probe engine.Engine) *Engine {
	return &Engine{
		notifier: notifier,
		auditor:  auditor,
		intel:    svc,
		probe:    probe,
		active:   make(map[string]activeDegradation),
	}
}

// ExecuteDegradation classifies, selects, and runs a fallback. The user is
// always notified and the event always audited; a failing handler yields a
// terminal manual-intervention result instead of an error.
func (e *Engine) ExecuteDegradation(ctx context.Context, dctx models.DegradationContext) models.DegradationResult {
	scenario := Classify(dctx)
	option := SelectBestFallback(scenario, dctx.Preference)

	result := models.DegradationResult{
		Scenario: scenario,
		Fallback: option.Kind,
	}

	if err := e.runFallback(ctx, dctx, option); err != nil {
		log.Printf("fallback %s failed for %s: %v", option.Kind, dctx.SessionID, err)
		result.Success = false
		result.ManualOnly = true
		result.Message = "Automatic fallback failed; manual intervention required."
		result.NextSteps = []string{"Open the registration page and continue by hand.", "Keep this session for reference."}
	} else {
		result.Success = true
		result.Message = fmt.Sprintf("Automation adjusted: %s.", option.Description)
		result.NextSteps = []string{option.Description, fmt.Sprintf("Estimated time: %s.", option.EstimatedTime)}
	}

	e.mu.Lock()
	e.active[dctx.SessionID] = activeDegradation{scenario: scenario, context: dctx, since: time.Now().UTC()}
	e.mu.Unlock()

	// The user is told about every adjustment, even a failed one.
	if err := e.notifier.Send(ctx, notify.Message{
		Urgency: notify.UrgencyNormal,
		Title:   "Registration plan adjusted",
		Body:    result.Message,
		Context: map[string]string{"sessionId": dctx.SessionID, "scenario": string(scenario)},
	}); err != nil {
		log.Printf("degradation notification failed for %s: %v", dctx.SessionID, err)
	}

	if err := e.auditor.Record(ctx, models.AuditEvent{
		Type:      models.AuditDegradation,
		SessionID: dctx.SessionID,
		Provider:  dctx.Provider,
		Detail: map[string]interface{}{
			"scenario": string(scenario),
			"fallback": string(option.Kind),
			"success":  result.Success,
		},
	}); err != nil {
		log.Printf("degradation audit failed for %s: %v", dctx.SessionID, err)
	}

	return result
}

func (e *Engine) runFallback(ctx context.Context, dctx models.DegradationContext, option models.FallbackOption) error {
	switch option.Kind {
	case models.FallbackHumanTakeover:
		return e.notifier.Send(ctx, notify.Message{
			Urgency: notify.UrgencyHigh,
			Title:   "Please take over the registration",
			Body:    fmt.Sprintf("Automation at %s cannot continue. Take over within about %s.", dctx.Provider, option.EstimatedTime),
			Context: map[string]string{"sessionId": dctx.SessionID},
		})
	case models.FallbackManualAssist:
		return e.notifier.Send(ctx, notify.Message{
			Urgency: notify.UrgencyHigh,
			Title:   "A quick assist is needed",
			Body:    fmt.Sprintf("Registration at %s needs your help to proceed.", dctx.Provider),
			Context: map[string]string{"sessionId": dctx.SessionID},
		})
	case models.FallbackDelayedRetry, models.FallbackAlternate:
		// Nothing to execute up front; the recommendation is carried in the
		// result and the monitor watches for the condition to clear.
		return nil
	default:
		return fmt.Errorf("unknown fallback %q", option.Kind)
	}
}

// Active reports the current degradation for a session, if any.
func (e *Engine) Active(sessionID string) (models.DegradationScenario, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	deg, ok := e.active[sessionID]
	return deg.scenario, ok
}

// MonitorRecovery periodically re-evaluates whether blocking conditions
// have cleared, until ctx is cancelled.
func (e *Engine) MonitorRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep(ctx)
			}
		}
	}()
}

func (e *Engine) sweep(ctx context.Context) {
	e.mu.Lock()
	snapshot := make(map[string]activeDegradation, len(e.active))
	for id, deg := range e.active {
		snapshot[id] = deg
	}
	e.mu.Unlock()

	for sessionID, deg := range snapshot {
		if !e.cleared(ctx, deg) {
			continue
		}

		e.mu.Lock()
		delete(e.active, sessionID)
		e.mu.Unlock()

		if err := e.notifier.Send(ctx, notify.Message{
			Urgency: notify.UrgencyNormal,
			Title:   "Automation can resume",
			Body:    fmt.Sprintf("The condition blocking registration at %s has cleared.", deg.context.Provider),
			Context: map[string]string{"sessionId": sessionID},
		}); err != nil {
			log.Printf("recovery notification failed for %s: %v", sessionID, err)
		}

		if err := e.auditor.Record(ctx, models.AuditEvent{
			Type:      models.AuditDegradationCleared,
			SessionID: sessionID,
			Provider:  deg.context.Provider,
			Detail:    map[string]interface{}{"scenario": string(deg.scenario)},
		}); err != nil {
			log.Printf("degradation-cleared audit failed for %s: %v", sessionID, err)
		}
	}
}

// cleared is the scenario-specific recovery predicate.
func (e *Engine) cleared(ctx context.Context, deg activeDegradation) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch deg.scenario {
	case models.DegradationTOSViolation, models.DegradationBlockDetected:
		pi, err := e.intel.Lookup(checkCtx, deg.context.Provider)
		return err == nil && pi.ComplianceTier != models.TierRed
	case models.DegradationProviderDown:
		probe, err := e.probe.ProbeProvider(checkCtx, deg.context.Provider)
		return err == nil && probe.Available
	default:
		// CAPTCHA and manual-only clear through their own flows, not by
		// polling.
		return false
	}
}
