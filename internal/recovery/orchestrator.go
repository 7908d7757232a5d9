package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/engine"
	"github.com/slotkeeper/slotkeeper/internal/store"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// Data-loss estimate by checkpoint age.
const (
	lossFresh   = 5
	lossRecent  = 15
	lossStale   = 30
	lossAncient = 50
	lossTotal   = 100

	lossProviderDown = 75

	probeTimeout = 10 * time.Second
)

// Orchestrator classifies failures and runs the scenario-specific recovery
// procedure. It never mutates session state directly; restoration goes
// through the store.
type Orchestrator struct {
	store   *store.Store
	engine  engine.Engine
	auditor audit.Recorder
	now     func() time.Time
}

func NewOrchestrator(st *store.Store, eng engine.Engine, auditor audit.Recorder) *Orchestrator {
	return &Orchestrator{store: st, engine: eng, auditor: auditor, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Recover runs one recovery attempt and always audits the outcome,
// successful or not.
func (o *Orchestrator) Recover(ctx context.Context, report models.FailureReport) models.RecoveryResult {
	scenario := Classify(report)
	result := o.recover(ctx, scenario, report)
	result.Scenario = scenario

	if err := o.auditor.Record(ctx, models.AuditEvent{
		Type:      models.AuditRecoveryAttempt,
		SessionID: report.SessionID,
		Detail: map[string]interface{}{
			"scenario":          string(scenario),
			"success":           result.Success,
			"recoverable":       result.Recoverable,
			"estimatedDataLoss": result.EstimatedDataLoss,
		},
	}); err != nil {
		log.Printf("recovery attempt audit failed for %s: %v", report.SessionID, err)
	}
	return result
}

func (o *Orchestrator) recover(ctx context.Context, scenario models.RecoveryScenario, report models.FailureReport) models.RecoveryResult {
	// A session flagged unrecoverable stays that way no matter what the
	// report claims.
	if state, err := o.store.Get(report.SessionID); err == nil && !state.Recovery.CanRecover {
		return models.RecoveryResult{
			Success:           false,
			Recoverable:       false,
			EstimatedDataLoss: lossTotal,
			Message:           "This session is no longer recoverable.",
			NextSteps:         []string{"Start a new registration session."},
		}
	}

	switch scenario {
	case models.ScenarioNetworkTimeout:
		// The caller's snapshot is current truth; nothing was lost, no
		// checkpoint needed.
		if report.LastKnownState != nil {
			return models.RecoveryResult{
				Success:           true,
				Recoverable:       true,
				RestoredState:     report.LastKnownState,
				EstimatedDataLoss: 0,
				Message:           "Network recovered; continuing from the state captured before the timeout.",
				NextSteps:         []string{"Resume automation from the current step."},
			}
		}
		return o.recoverFromCheckpoint(ctx, report.SessionID)

	case models.ScenarioCaptchaInterrupt:
		// Recovery only certifies that state is preserved; the human solve
		// happens out of band through the CAPTCHA manager.
		return models.RecoveryResult{
			Success:           true,
			Recoverable:       true,
			RestoredState:     report.LastKnownState,
			EstimatedDataLoss: 0,
			Message:           "Session state preserved; waiting for human CAPTCHA verification.",
			NextSteps:         []string{"Open the verification link sent to you.", "Solve the CAPTCHA to resume."},
		}

	case models.ScenarioQueueLoss:
		// Terminal by design: a lost queue position cannot be rebuilt, and
		// pretending otherwise would mislead the user about their standing.
		return models.RecoveryResult{
			Success:           false,
			Recoverable:       false,
			EstimatedDataLoss: lossTotal,
			Message:           "Your place in the queue was lost and cannot be restored.",
			NextSteps:         []string{"Start a new registration session.", "Consider registering at an alternate provider."},
		}

	case models.ScenarioProviderError:
		return o.recoverFromProviderError(ctx, report)

	default: // models.ScenarioBrowserCrash
		return o.recoverFromCheckpoint(ctx, report.SessionID)
	}
}

func (o *Orchestrator) recoverFromCheckpoint(ctx context.Context, sessionID string) models.RecoveryResult {
	cp, ok := o.store.LatestCheckpoint(sessionID)
	if !ok {
		return models.RecoveryResult{
			Success:           false,
			Recoverable:       false,
			EstimatedDataLoss: lossTotal,
			Message:           "No checkpoint exists for this session; progress cannot be restored.",
			NextSteps:         []string{"Start a new registration session."},
		}
	}

	state, restored, err := o.store.RecoverFromCheckpoint(ctx, sessionID, cp.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotRecoverable) {
			return models.RecoveryResult{
				Success:           false,
				Recoverable:       false,
				EstimatedDataLoss: lossTotal,
				Message:           "This session is no longer recoverable.",
				NextSteps:         []string{"Start a new registration session."},
			}
		}
		return models.RecoveryResult{
			Success:           false,
			Recoverable:       false,
			EstimatedDataLoss: lossTotal,
			Message:           fmt.Sprintf("Checkpoint restoration failed: %v", err),
			NextSteps:         []string{"Start a new registration session.", "Contact support if this keeps happening."},
		}
	}

	loss := lossByAge(o.now().Sub(restored.CreatedAt))
	return models.RecoveryResult{
		Success:           true,
		Recoverable:       true,
		RestoredState:     state,
		CheckpointID:      restored.ID,
		EstimatedDataLoss: loss,
		Message:           fmt.Sprintf("Restored from checkpoint %q.", restored.StepName),
		NextSteps:         []string{"Review the restored form before resuming.", "Resume automation."},
	}
}

func (o *Orchestrator) recoverFromProviderError(ctx context.Context, report models.FailureReport) models.RecoveryResult {
	providerURL := ""
	if state, err := o.store.Get(report.SessionID); err == nil {
		providerURL = state.ProviderURL
	} else if report.LastKnownState != nil {
		providerURL = report.LastKnownState.ProviderURL
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	probe, err := o.engine.ProbeProvider(probeCtx, providerURL)
	if err != nil || !probe.Available {
		return models.RecoveryResult{
			Success:           false,
			Recoverable:       true,
			EstimatedDataLoss: lossProviderDown,
			Message:           "The provider is not responding right now.",
			NextSteps:         []string{"Wait for the provider to come back.", "Retry recovery in a few minutes."},
		}
	}
	return o.recoverFromCheckpoint(ctx, report.SessionID)
}

// lossByAge estimates how much progress a checkpoint of the given age can
// be expected to miss.
func lossByAge(age time.Duration) float64 {
	switch {
	case age <= 30*time.Minute:
		return lossFresh
	case age <= 2*time.Hour:
		return lossRecent
	case age <= 12*time.Hour:
		return lossStale
	default:
		return lossAncient
	}
}
