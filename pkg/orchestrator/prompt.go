package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeready-toolchain/herder/pkg/models"
)

// Built-in per-work-type prompts, used when no custom prompt or template
// file applies.
var defaultPrompts = map[models.WorkType]string{
	models.WorkTypeResearch:               "Research ticket %s. Summarise findings and open questions as a comment.",
	models.WorkTypeBacklogCreation:        "Break ticket %s into actionable backlog items with acceptance criteria.",
	models.WorkTypeDevelopment:            "Implement ticket %s. Commit your work, push the branch, and open a pull request.",
	models.WorkTypeInflight:               "Continue the in-flight work for ticket %s from the existing branch.",
	models.WorkTypeCoordination:           "Review the discussion on ticket %s and carry out the requested follow-up.",
	models.WorkTypeQA:                     "Verify the delivered work for ticket %s. End your final message with <!-- WORK_RESULT:passed --> or <!-- WORK_RESULT:failed -->.",
	models.WorkTypeAcceptance:             "Run acceptance checks for ticket %s. End your final message with <!-- WORK_RESULT:passed --> or <!-- WORK_RESULT:failed -->.",
	models.WorkTypeRefinement:             "Address the rejection feedback on ticket %s and prepare it for another verification pass.",
	models.WorkTypeQACoordination:         "Coordinate QA for ticket %s across its sub-issues. End your final message with <!-- WORK_RESULT:passed --> or <!-- WORK_RESULT:failed -->.",
	models.WorkTypeAcceptanceCoordination: "Coordinate acceptance for ticket %s across its sub-issues. End your final message with <!-- WORK_RESULT:passed --> or <!-- WORK_RESULT:failed -->.",
}

// SelectPrompt picks the agent prompt: a custom override wins, then a
// template file named after the work type under templatesDir, then the
// built-in default.
func SelectPrompt(templatesDir string, workType models.WorkType, ticketIdentifier, custom string) string {
	if custom != "" {
		return custom
	}
	if templatesDir != "" {
		path := filepath.Join(templatesDir, string(workType)+".md")
		if data, err := os.ReadFile(path); err == nil {
			tmpl := strings.TrimSpace(string(data))
			if tmpl != "" {
				return strings.ReplaceAll(tmpl, "{{ticket}}", ticketIdentifier)
			}
		}
	}
	if tmpl, ok := defaultPrompts[workType]; ok {
		return fmt.Sprintf(tmpl, ticketIdentifier)
	}
	return fmt.Sprintf("Work on ticket %s.", ticketIdentifier)
}
