package models

// WorkType is the phase of a ticket's automated lifecycle.
type WorkType string

// Work type constants.
const (
	WorkTypeResearch               WorkType = "research"
	WorkTypeBacklogCreation        WorkType = "backlog-creation"
	WorkTypeDevelopment            WorkType = "development"
	WorkTypeInflight               WorkType = "inflight"
	WorkTypeCoordination           WorkType = "coordination"
	WorkTypeQA                     WorkType = "qa"
	WorkTypeAcceptance             WorkType = "acceptance"
	WorkTypeRefinement             WorkType = "refinement"
	WorkTypeQACoordination         WorkType = "qa-coordination"
	WorkTypeAcceptanceCoordination WorkType = "acceptance-coordination"
)

// worktreeSuffixes maps each work type to the suffix used in worktree
// identifiers, environment variables, and status routing.
var worktreeSuffixes = map[WorkType]string{
	WorkTypeResearch:               "RES",
	WorkTypeBacklogCreation:        "BC",
	WorkTypeDevelopment:            "DEV",
	WorkTypeInflight:               "INF",
	WorkTypeCoordination:           "COORD",
	WorkTypeQA:                     "QA",
	WorkTypeAcceptance:             "AC",
	WorkTypeRefinement:             "REF",
	WorkTypeQACoordination:         "QA-COORD",
	WorkTypeAcceptanceCoordination: "AC-COORD",
}

// WorktreeSuffix returns the short identifier suffix for the work type,
// or "WORK" for unrecognised values.
func (w WorkType) WorktreeSuffix() string {
	if s, ok := worktreeSuffixes[w]; ok {
		return s
	}
	return "WORK"
}

// Valid reports whether w is a known work type.
func (w WorkType) Valid() bool {
	_, ok := worktreeSuffixes[w]
	return ok
}

// ResultSensitive reports whether the work type's outcome is classified by a
// pass/fail marker in the agent's final message (verify phases).
func (w WorkType) ResultSensitive() bool {
	switch w {
	case WorkTypeQA, WorkTypeAcceptance, WorkTypeQACoordination, WorkTypeAcceptanceCoordination:
		return true
	}
	return false
}
