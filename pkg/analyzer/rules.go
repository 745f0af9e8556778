package analyzer

import "regexp"

// PatternType buckets matched failures by what kind of intervention they
// suggest.
type PatternType string

// Pattern types.
const (
	PatternPermission       PatternType = "permission"
	PatternToolIssue        PatternType = "tool-issue"
	PatternToolMisuse       PatternType = "tool-misuse"
	PatternPerformance      PatternType = "performance"
	PatternRepeatedFailure  PatternType = "repeated-failure"
	PatternApprovalRequired PatternType = "approval-required"
)

// Severity grades how urgently a pattern needs a human.
type Severity string

// Severities, in ascending order.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule matches one failure family in agent error output. Rules are applied
// in order; the first match wins.
type Rule struct {
	Name     string
	Type     PatternType
	Severity Severity
	re       *regexp.Regexp
}

// rules is the ordered rule set. Specific families come before the generic
// catch-all.
var rules = []Rule{
	{
		Name:     "command approval required",
		Type:     PatternApprovalRequired,
		Severity: SeverityCritical,
		re:       regexp.MustCompile(`(?i)(requires approval|approval required|command was blocked|needs permission to run)`),
	},
	{
		Name:     "write before read",
		Type:     PatternToolMisuse,
		Severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)(has not been read yet|must read .* before (writing|editing)|read the file first)`),
	},
	{
		Name:     "missing file",
		Type:     PatternToolMisuse,
		Severity: SeverityLow,
		re:       regexp.MustCompile(`(?i)(file does not exist|no such file or directory|cannot find (the )?file)`),
	},
	{
		Name:     "sandbox restriction",
		Type:     PatternPermission,
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)(sandbox|seccomp|operation not permitted outside)`),
	},
	{
		Name:     "permission denied",
		Type:     PatternPermission,
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)(permission denied|EACCES|access is denied)`),
	},
	{
		Name:     "missing path",
		Type:     PatternToolIssue,
		Severity: SeverityLow,
		re:       regexp.MustCompile(`ENOENT`),
	},
	{
		Name:     "operation timed out",
		Type:     PatternPerformance,
		Severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)(timed out|timeout exceeded|deadline exceeded|ETIMEDOUT)`),
	},
	{
		Name:     "rate limited",
		Type:     PatternPerformance,
		Severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)(rate limit|too many requests|429)`),
	},
	{
		Name:     "connection refused",
		Type:     PatternToolIssue,
		Severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)(ECONNREFUSED|connection refused)`),
	},
	{
		Name:     "worktree conflict",
		Type:     PatternRepeatedFailure,
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)(already checked out|worktree .* already exists|is already used by worktree)`),
	},
	{
		Name:     "tool failure",
		Type:     PatternToolIssue,
		Severity: SeverityLow,
		re:       regexp.MustCompile(`(?i)(command not found|exit (status|code) [1-9]|failed with|fatal:)`),
	},
}

// MatchRule returns the first rule matching text, or nil.
func MatchRule(text string) *Rule {
	for i := range rules {
		if rules[i].re.MatchString(text) {
			return &rules[i]
		}
	}
	return nil
}
