package models

import "time"

// ComplianceTier classifies how permissive a provider is toward automation.
type ComplianceTier string

const (
	TierGreen  ComplianceTier = "green"
	TierYellow ComplianceTier = "yellow"
	TierRed    ComplianceTier = "red"
)

// RelationshipTier describes our standing with a provider.
type RelationshipTier string

const (
	RelationshipPartner    RelationshipTier = "partner"
	RelationshipNeutral    RelationshipTier = "neutral"
	RelationshipRestricted RelationshipTier = "restricted"
)

// FormProgress tracks how far through a multi-step registration form the
// automation has advanced.
type FormProgress struct {
	CompletedSteps []string               `json:"completedSteps"`
	CurrentStep    string                 `json:"currentStep"`
	TotalSteps     int                    `json:"totalSteps"`
	FormData       map[string]interface{} `json:"formData,omitempty"`
}

// Percentage derives completion from completed vs total steps. Zero when
// TotalSteps is zero.
func (p FormProgress) Percentage() float64 {
	if p.TotalSteps <= 0 {
		return 0
	}
	return float64(len(p.CompletedSteps)) / float64(p.TotalSteps) * 100
}

// Clone returns a copy sharing no mutable structure with the receiver.
func (p FormProgress) Clone() FormProgress {
	out := p
	out.CompletedSteps = append([]string(nil), p.CompletedSteps...)
	out.FormData = cloneAnyMap(p.FormData)
	return out
}

// BrowserContext is an opaque snapshot of the driven browser. It is replaced
// wholesale on update, never merged field by field.
type BrowserContext struct {
	PageURL        string            `json:"pageUrl"`
	Cookies        []Cookie          `json:"cookies,omitempty"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
	ViewportWidth  int               `json:"viewportWidth,omitempty"`
	ViewportHeight int               `json:"viewportHeight,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	CapturedAt     time.Time         `json:"capturedAt"`
}

// Clone returns a copy sharing no mutable structure with the receiver.
func (b BrowserContext) Clone() BrowserContext {
	out := b
	out.Cookies = append([]Cookie(nil), b.Cookies...)
	out.LocalStorage = cloneStringMap(b.LocalStorage)
	out.SessionStorage = cloneStringMap(b.SessionStorage)
	return out
}

// Cookie is a minimal cookie record carried inside a browser snapshot.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// UserSelections captures the choices the user made before automation began.
type UserSelections struct {
	Options     map[string]string      `json:"options,omitempty"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
	ChildInfo   map[string]interface{} `json:"childInfo,omitempty"`
}

// Clone returns a copy sharing no mutable structure with the receiver.
func (u UserSelections) Clone() UserSelections {
	return UserSelections{
		Options:     cloneStringMap(u.Options),
		Preferences: cloneAnyMap(u.Preferences),
		ChildInfo:   cloneAnyMap(u.ChildInfo),
	}
}

// QueueState is the last observed position in a provider's signup queue.
type QueueState struct {
	Position      int       `json:"position,omitempty"`
	HasPosition   bool      `json:"hasPosition"`
	EstimatedWait string    `json:"estimatedWait,omitempty"`
	QueueToken    string    `json:"queueToken,omitempty"`
	LastChecked   time.Time `json:"lastChecked,omitempty"`
}

// RecoveryState is the bookkeeping needed to bring a session back after a
// failure.
type RecoveryState struct {
	Checkpoints      []Checkpoint `json:"checkpoints,omitempty"`
	LastSerializedAt time.Time    `json:"lastSerializedAt,omitempty"`
	RecoveryAttempts int          `json:"recoveryAttempts"`
	CanRecover       bool         `json:"canRecover"`
}

// ProviderIntel is what the provider-intelligence service told us about the
// target site.
type ProviderIntel struct {
	ComplianceTier   ComplianceTier   `json:"complianceTier"`
	AutomationRules  []string         `json:"automationRules,omitempty"`
	RelationshipTier RelationshipTier `json:"relationshipTier"`
	LastChecked      time.Time        `json:"lastChecked,omitempty"`
}

// SessionState is the canonical record of one automation attempt. The store
// owns it; other components read it and request mutation through the store.
type SessionState struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId,omitempty"`
	ProviderURL    string         `json:"providerUrl"`
	FormProgress   FormProgress   `json:"formProgress"`
	BrowserContext BrowserContext `json:"browserContext"`
	UserSelections UserSelections `json:"userSelections"`
	QueueState     QueueState     `json:"queueState"`
	Recovery       RecoveryState  `json:"recovery"`
	ProviderIntel  ProviderIntel  `json:"providerIntel"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
}

// Resumable reports whether the session may still be picked back up.
func (s *SessionState) Resumable(now time.Time) bool {
	return now.Before(s.ExpiresAt) && s.Recovery.CanRecover
}

// Clone returns a deep copy. The store mutates clones and swaps them in
// wholesale, so any state it has already handed out stays a stable snapshot.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.FormProgress = s.FormProgress.Clone()
	out.BrowserContext = s.BrowserContext.Clone()
	out.UserSelections = s.UserSelections.Clone()
	out.ProviderIntel.AutomationRules = append([]string(nil), s.ProviderIntel.AutomationRules...)
	if len(s.Recovery.Checkpoints) > 0 {
		cps := make([]Checkpoint, len(s.Recovery.Checkpoints))
		for i, cp := range s.Recovery.Checkpoints {
			cps[i] = cp.Clone()
		}
		out.Recovery.Checkpoints = cps
	}
	return &out
}

// Checkpoint is an immutable snapshot taken at a named step. Checkpoints are
// append-only and pruned from the front past the retention bound.
type Checkpoint struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"sessionId"`
	StepName       string                 `json:"stepName"`
	FormData       map[string]interface{} `json:"formData,omitempty"`
	CompletedSteps []string               `json:"completedSteps,omitempty"`
	TotalSteps     int                    `json:"totalSteps"`
	BrowserContext *BrowserContext        `json:"browserContext,omitempty"`
	QueuePosition  int                    `json:"queuePosition,omitempty"`
	Success        bool                   `json:"success"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// Clone returns a copy sharing no mutable structure with the receiver.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.FormData = cloneAnyMap(c.FormData)
	out.CompletedSteps = append([]string(nil), c.CompletedSteps...)
	if c.BrowserContext != nil {
		bc := c.BrowserContext.Clone()
		out.BrowserContext = &bc
	}
	return out
}

// EmergencyBackup is an out-of-band snapshot taken at moments of elevated
// risk, distinct from the bounded checkpoint history.
type EmergencyBackup struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Reason    string    `json:"reason"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// cloneAnyMap copies the top level only. Update operations replace values
// wholesale and never mutate them in place.
func cloneAnyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
