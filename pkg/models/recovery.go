package models

import "time"

// RecoveryScenario is the fixed taxonomy of failure classes the orchestrator
// knows how to handle.
type RecoveryScenario string

const (
	ScenarioBrowserCrash     RecoveryScenario = "browser_crash"
	ScenarioNetworkTimeout   RecoveryScenario = "network_timeout"
	ScenarioCaptchaInterrupt RecoveryScenario = "captcha_interrupt"
	ScenarioQueueLoss        RecoveryScenario = "queue_loss"
	ScenarioProviderError    RecoveryScenario = "provider_error"
)

// ScenarioInfo is the static metadata attached to each scenario.
type ScenarioInfo struct {
	Severity         string
	Recoverable      bool
	CanAutoRecover   bool
	ExpectedRecovery time.Duration
}

// Scenarios is the static scenario table. Queue loss is terminal by design:
// a lost position cannot be reconstructed from client-side data.
var Scenarios = map[RecoveryScenario]ScenarioInfo{
	ScenarioBrowserCrash:     {Severity: "high", Recoverable: true, CanAutoRecover: true, ExpectedRecovery: 30 * time.Second},
	ScenarioNetworkTimeout:   {Severity: "medium", Recoverable: true, CanAutoRecover: true, ExpectedRecovery: 10 * time.Second},
	ScenarioCaptchaInterrupt: {Severity: "medium", Recoverable: true, CanAutoRecover: false, ExpectedRecovery: 5 * time.Minute},
	ScenarioQueueLoss:        {Severity: "critical", Recoverable: false, CanAutoRecover: false, ExpectedRecovery: 0},
	ScenarioProviderError:    {Severity: "high", Recoverable: true, CanAutoRecover: true, ExpectedRecovery: 2 * time.Minute},
}

// FailureReport is what the automation driver hands us when something breaks.
type FailureReport struct {
	SessionID      string        `json:"sessionId"`
	NetworkDown    bool          `json:"networkDown"`
	ErrorType      string        `json:"errorType,omitempty"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	LastKnownState *SessionState `json:"lastKnownState,omitempty"`
	ReportedAt     time.Time     `json:"reportedAt,omitempty"`
}

// RecoveryResult is the outcome of one recovery attempt. Message and
// NextSteps are always populated so the caller has an actionable answer even
// on failure.
type RecoveryResult struct {
	Scenario          RecoveryScenario `json:"scenario"`
	Success           bool             `json:"success"`
	Recoverable       bool             `json:"recoverable"`
	RestoredState     *SessionState    `json:"restoredState,omitempty"`
	CheckpointID      string           `json:"checkpointId,omitempty"`
	EstimatedDataLoss float64          `json:"estimatedDataLoss"`
	Message           string           `json:"message"`
	NextSteps         []string         `json:"nextSteps"`
}
