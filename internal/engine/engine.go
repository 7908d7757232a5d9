package engine

import (
	"context"
	"time"
)

// ResumeResult is what the automation engine reports after resuming a
// session past a solved CAPTCHA.
type ResumeResult struct {
	Success              bool                   `json:"success"`
	BrowserState         map[string]interface{} `json:"browserState,omitempty"`
	CurrentQueuePosition int                    `json:"currentQueuePosition"`
	HasQueuePosition     bool                   `json:"hasQueuePosition"`
	Message              string                 `json:"message,omitempty"`
}

// ProbeResult reports provider availability.
type ProbeResult struct {
	Available    bool          `json:"available"`
	ResponseTime time.Duration `json:"responseTime"`
	StatusCode   int           `json:"statusCode,omitempty"`
}

// Engine is the narrow contract against the browser-automation engine. Its
// internals (how it clicks and types) are not this subsystem's concern.
type Engine interface {
	ResumeAfterCaptcha(ctx context.Context, sessionID, captchaID, solutionToken, resumeToken string) (ResumeResult, error)
	ProbeProvider(ctx context.Context, providerURL string) (ProbeResult, error)
}
