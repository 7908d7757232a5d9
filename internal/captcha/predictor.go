package captcha

import (
	"context"
	"log"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/store"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// BackupReasonPredicted tags backups taken ahead of a predicted CAPTCHA.
const BackupReasonPredicted = "CAPTCHA_PREDICTED"

// Signals are the behavioral inputs to the pre-warning estimate.
type Signals struct {
	ProviderLoad     float64       // 0..1
	Phase            string        // e.g. "browse", "form", "review", "submit"
	TimeOnPage       time.Duration
	InteractionCount int
}

// Predictor wraps a Manager with best-effort CAPTCHA pre-warning. It is a
// decorator, not a subclass: the Manager's detect/solve/resume flow is
// complete without it, and nothing here may block that flow. Every
// multiplier is configuration; there is no calibration source behind the
// defaults.
type Predictor struct {
	cfg   config.PredictionConfig
	mgr   *Manager
	store *store.Store
}

func NewPredictor(cfg config.PredictionConfig, mgr *Manager, st *store.Store) *Predictor {
	return &Predictor{cfg: cfg, mgr: mgr, store: st}
}

// Assess computes a bounded probability estimate and, above the trigger
// threshold, performs the preemptive actions: spare resume tokens and an
// elevated state backup.
func (p *Predictor) Assess(ctx context.Context, sessionID string, sig Signals) (models.CaptchaPrediction, error) {
	prediction := models.CaptchaPrediction{
		SessionID:  sessionID,
		ComputedAt: time.Now().UTC(),
	}
	if !p.cfg.Enabled {
		return prediction, nil
	}

	state, err := p.store.Get(sessionID)
	if err != nil {
		return prediction, err
	}

	prob := p.cfg.BaseProbability
	prob += clamp01(sig.ProviderLoad) * p.cfg.LoadWeight

	switch state.ProviderIntel.ComplianceTier {
	case models.TierRed:
		prob += p.cfg.RedTierWeight
	case models.TierYellow:
		prob += p.cfg.YellowTierWeight
	}

	if sig.Phase == "submit" || sig.Phase == "review" {
		prob += p.cfg.SubmitPhaseWeight
	}

	prob += clamp01(sig.TimeOnPage.Minutes()/10) * p.cfg.DwellWeight
	prob += clamp01(float64(sig.InteractionCount)/50) * p.cfg.InteractionWeight

	prediction.Probability = clamp01(prob)
	prediction.Triggered = prediction.Probability >= p.cfg.TriggerThreshold

	if prediction.Triggered {
		// Preemptive actions are best effort; a failure here must never
		// affect the base flow.
		if tokens := p.mgr.PrewarmTokens(sessionID, p.cfg.SpareTokens); len(tokens) == 0 {
			log.Printf("captcha prewarm produced no tokens for %s", sessionID)
		}
		if _, err := p.store.CreateEmergencyBackup(ctx, sessionID, BackupReasonPredicted); err != nil {
			log.Printf("predictive backup failed for %s: %v", sessionID, err)
		}
	}
	return prediction, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
