package orchestrator

import (
	"os"
	"strings"

	"github.com/codeready-toolchain/herder/pkg/models"
)

// blockedEnvVars are control-plane credentials that must never leak into the
// child agent's environment.
var blockedEnvVars = map[string]struct{}{
	"TRACKER_API_TOKEN": {},
	"WORKER_API_KEY":    {},
	"WEBHOOK_SECRET":    {},
	"CRON_SECRET":       {},
	"SESSION_HASH_SALT": {},
	"STORE_URL":         {},
}

// buildAgentEnv assembles the child agent's environment: the parent env with
// credentials stripped, the extra overlay (stripped the same way), and the
// per-session identity vars.
func buildAgentEnv(sessionID, ticketID, taskListID string, workType models.WorkType, extra map[string]string) []string {
	env := filterEnv(os.Environ())
	for k, v := range extra {
		if _, blocked := blockedEnvVars[k]; blocked {
			continue
		}
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TICKET_ID="+ticketID,
		"SESSION_ID="+sessionID,
		"WORK_TYPE="+string(workType),
	)
	if taskListID != "" {
		env = append(env, "TASK_LIST_ID="+taskListID)
	}
	return env
}

func filterEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, blocked := blockedEnvVars[name]; blocked {
			continue
		}
		out = append(out, kv)
	}
	return out
}
