package models

import "strings"

// Work-result markers embedded in the agent's final message for verify
// phases. Case-sensitive, HTML-comment form.
const (
	WorkResultMarkerPassed = "<!-- WORK_RESULT:passed -->"
	WorkResultMarkerFailed = "<!-- WORK_RESULT:failed -->"
)

// ParseWorkResult classifies a final message by its result marker.
// No marker yields WorkResultUnknown.
func ParseWorkResult(finalMessage string) WorkResult {
	switch {
	case strings.Contains(finalMessage, WorkResultMarkerPassed):
		return WorkResultPassed
	case strings.Contains(finalMessage, WorkResultMarkerFailed):
		return WorkResultFailed
	default:
		return WorkResultUnknown
	}
}
