package devicesync

import (
	"context"
	"log"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// Resolver merges session states arriving from another device. The rule is
// conservative: the side with higher form progress wins progress wholesale;
// every other conflicting field stays local. Each resolved conflict is
// audited for observability.
type Resolver struct {
	auditor audit.Recorder
}

func NewResolver(auditor audit.Recorder) *Resolver {
	return &Resolver{auditor: auditor}
}

// Merge returns the merged state. Neither input is mutated.
func (r *Resolver) Merge(ctx context.Context, local, remote *models.SessionState) *models.SessionState {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}

	merged := *local
	var conflicts []string

	// Higher version means the other device saw mutations we have not. That
	// alone does not decide: progress is the tiebreaker that matters.
	if remote.FormProgress.Percentage() > local.FormProgress.Percentage() {
		merged.FormProgress = remote.FormProgress
		merged.BrowserContext = remote.BrowserContext
		conflicts = append(conflicts, "formProgress", "browserContext")
	} else if remote.Version > local.Version {
		// Remote is newer but not further along; local wins by rule.
		conflicts = append(conflicts, "version")
	}

	if merged.Version < remote.Version {
		merged.Version = remote.Version
	}
	merged.Version++

	if len(conflicts) > 0 {
		if err := r.auditor.Record(ctx, models.AuditEvent{
			Type:      models.AuditSyncConflict,
			SessionID: local.ID,
			Detail: map[string]interface{}{
				"resolvedFields": conflicts,
				"localVersion":   local.Version,
				"remoteVersion":  remote.Version,
				"localProgress":  local.FormProgress.Percentage(),
				"remoteProgress": remote.FormProgress.Percentage(),
			},
		}); err != nil {
			log.Printf("sync conflict audit failed for %s: %v", local.ID, err)
		}
	}
	return &merged
}
