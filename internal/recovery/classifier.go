package recovery

import (
	"strings"

	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// Classify maps a failure report to exactly one scenario. It is a pure
// function of the report: no network access, deterministic, total. First
// match wins, with network timeout checked before everything else.
func Classify(report models.FailureReport) models.RecoveryScenario {
	errType := strings.ToLower(report.ErrorType)
	msg := strings.ToLower(report.ErrorMessage)

	switch {
	case report.NetworkDown,
		errType == "network" || errType == "timeout" || errType == "network_timeout",
		strings.Contains(msg, "timeout") || strings.Contains(msg, "network"):
		return models.ScenarioNetworkTimeout

	case errType == "captcha" || strings.Contains(msg, "captcha"):
		return models.ScenarioCaptchaInterrupt

	case errType == "queue_loss" || strings.Contains(msg, "queue"):
		return models.ScenarioQueueLoss

	case errType == "provider" || errType == "server",
		strings.Contains(msg, "unavailable") ||
			strings.Contains(msg, "503") || strings.Contains(msg, "500"):
		return models.ScenarioProviderError

	default:
		return models.ScenarioBrowserCrash
	}
}
