package models

import "time"

// DegradationScenario classifies why automation cannot proceed as planned.
type DegradationScenario string

const (
	DegradationTOSViolation  DegradationScenario = "tos_violation"
	DegradationBlockDetected DegradationScenario = "block_detected"
	DegradationCaptcha       DegradationScenario = "captcha_required"
	DegradationProviderDown  DegradationScenario = "provider_down"
	DegradationManualOnly    DegradationScenario = "manual_only"
)

// FallbackKind names a remediation strategy.
type FallbackKind string

const (
	FallbackHumanTakeover FallbackKind = "human_takeover"
	FallbackAlternate     FallbackKind = "alternate_provider"
	FallbackDelayedRetry  FallbackKind = "delayed_retry"
	FallbackManualAssist  FallbackKind = "manual_assist"
)

// FallbackOption is one ranked remediation with static estimates.
type FallbackOption struct {
	Kind          FallbackKind  `json:"kind"`
	EstimatedTime time.Duration `json:"estimatedTime"`
	SuccessRate   float64       `json:"successRate"`
	Description   string        `json:"description"`
}

// DegradationContext is the input to scenario classification.
type DegradationContext struct {
	SessionID     string         `json:"sessionId"`
	Provider      string         `json:"provider"`
	Tier          ComplianceTier `json:"tier"`
	ErrorType     string         `json:"errorType,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	BlockDetected bool           `json:"blockDetected"`
	Preference    FallbackKind   `json:"preference,omitempty"`
}

// DegradationResult is the outcome of executing a fallback. Always carries a
// human-readable message and next steps, even when the handler failed.
type DegradationResult struct {
	Scenario   DegradationScenario `json:"scenario"`
	Fallback   FallbackKind        `json:"fallback"`
	Success    bool                `json:"success"`
	ManualOnly bool                `json:"manualOnly"`
	Message    string              `json:"message"`
	NextSteps  []string            `json:"nextSteps"`
}
