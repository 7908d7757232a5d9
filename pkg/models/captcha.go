package models

import "time"

// CaptchaStatus is the lifecycle state of a CAPTCHA interruption.
// pending -> solving -> completed | failed | expired. Expired and completed
// are terminal.
type CaptchaStatus string

const (
	CaptchaPending   CaptchaStatus = "pending"
	CaptchaSolving   CaptchaStatus = "solving"
	CaptchaCompleted CaptchaStatus = "completed"
	CaptchaFailed    CaptchaStatus = "failed"
	CaptchaExpired   CaptchaStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s CaptchaStatus) Terminal() bool {
	return s == CaptchaCompleted || s == CaptchaFailed || s == CaptchaExpired
}

// CaptchaMeta carries detection-time context used for continuity checks and
// difficulty estimates.
type CaptchaMeta struct {
	Variant             string `json:"variant,omitempty"`
	EstimatedDifficulty string `json:"estimatedDifficulty,omitempty"`
	QueuePosition       int    `json:"queuePosition,omitempty"`
	HasQueuePosition    bool   `json:"hasQueuePosition,omitempty"`
}

// CaptchaEvent is one human-in-the-loop interruption of an automation run.
type CaptchaEvent struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"sessionId"`
	Provider     string        `json:"provider"`
	Status       CaptchaStatus `json:"status"`
	ChallengeURL string        `json:"challengeUrl"`
	MagicURL     string        `json:"magicUrl"`
	ResumeToken  string        `json:"resumeToken"`
	Meta         CaptchaMeta   `json:"meta"`
	DetectedAt   time.Time     `json:"detectedAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
}

// CaptchaSolutionResult reports the outcome of a human-assisted solve.
type CaptchaSolutionResult struct {
	CaptchaID               string   `json:"captchaId"`
	Success                 bool     `json:"success"`
	QueuePositionMaintained bool     `json:"queuePositionMaintained"`
	QueuePositionAfter      int      `json:"queuePositionAfter,omitempty"`
	Message                 string   `json:"message"`
	NextSteps               []string `json:"nextSteps,omitempty"`
}

// CaptchaPrediction is the best-effort pre-warning estimate.
type CaptchaPrediction struct {
	SessionID   string    `json:"sessionId"`
	Probability float64   `json:"probability"`
	Triggered   bool      `json:"triggered"`
	ComputedAt  time.Time `json:"computedAt"`
}
