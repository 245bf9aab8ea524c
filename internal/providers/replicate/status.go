package replicate

import (
	"strings"

	"effectsvc/internal/domain"
)

// NormalizeStatus collapses the provider's status vocabulary into the internal
// job states. Unknown strings map to pending so vocabulary drift on the
// provider side cannot spuriously fail a job.
func NormalizeStatus(providerStatus string) domain.JobStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "starting", "queued", "pending":
		return domain.JobStatusPending
	case "processing", "running":
		return domain.JobStatusRunning
	case "succeeded", "completed":
		return domain.JobStatusCompleted
	case "failed", "canceled", "cancelled", "error":
		return domain.JobStatusError
	default:
		return domain.JobStatusPending
	}
}
