package job

import (
	"strings"

	"transactgw/internal/remote"
)

// The remote duplicates the job status at `result.status` or at the top level
// depending on deployment. Each extraction strategy is tried in order; the
// nested location wins when both are present.

type statusStrategy func(remote.Document) (Status, bool)

var statusStrategies = []statusStrategy{
	nestedStatus,
	topLevelStatus,
}

// extractStatus classifies a poll response. A missing or unrecognized status is
// Pending, never an error: a transiently malformed response must not abort the
// workflow.
func extractStatus(doc remote.Document) Status {
	for _, strategy := range statusStrategies {
		if st, ok := strategy(doc); ok {
			return st
		}
	}
	return StatusPending
}

func nestedStatus(doc remote.Document) (Status, bool) {
	result, ok := doc.Object("result")
	if !ok {
		return StatusUnknown, false
	}
	raw, ok := result.String("status")
	if !ok {
		return StatusUnknown, false
	}
	return normalizeStatus(raw)
}

func topLevelStatus(doc remote.Document) (Status, bool) {
	raw, ok := doc.String("status")
	if !ok {
		return StatusUnknown, false
	}
	return normalizeStatus(raw)
}

func normalizeStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "success", "succeeded":
		return StatusCompleted, true
	case "failed", "failure", "error":
		return StatusFailed, true
	case "pending", "queued", "processing", "in_progress":
		return StatusPending, true
	default:
		return StatusUnknown, false
	}
}

const resultURLKey = "file_url"

// extractResultURL locates the artifact URL for a completed job: the
// well-known `result.file_url` field first, then a deterministic deep scan for
// the first field literally named "file_url".
func extractResultURL(doc remote.Document) (string, bool) {
	if s, ok := doc.StringAt("result", resultURLKey); ok && s != "" {
		return s, true
	}
	if s, ok := doc.FindString(resultURLKey); ok && s != "" {
		return s, true
	}
	return "", false
}

const genericFailureMessage = "the remote system reported the job failed without a reason"

// extractFailureMessage pulls the failure reason from the nested result object
// or the top level, defaulting to a generic message.
func extractFailureMessage(doc remote.Document) string {
	if s, ok := doc.StringAt("result", "message"); ok && s != "" {
		return s
	}
	if s, ok := doc.String("message"); ok && s != "" {
		return s
	}
	return genericFailureMessage
}
