package store

// Key layout for the coordination store. The layout is stable: external
// operators inspect these keys directly, so renames are breaking changes.
//
//	agent:session:<sid>               JSON session state, TTL 24h
//	work:items                        HASH sid -> queued work JSON
//	work:queue                        ZSET score -> sid
//	work:claim:<sid>                  STRING worker id, TTL 1h
//	work:worker:<wid>                 JSON worker record, TTL 120s
//	work:worker:<wid>:sessions        SET of sids
//	issue:lock:<tid>                  JSON issue lock, TTL 2h
//	issue:pending:<tid>               ZSET priority -> work-type dedup key
//	issue:pending:items:<tid>         HASH work type -> queued work JSON
//	session:prompts:<sid>             LIST of pending prompt JSON (FIFO)
//	webhook:processed:<key>           STRING timestamp, TTL 24h
//	agent:worked:<tid>                STRING JSON, TTL 7d
//	qa:attempt:<tid>                  JSON escalation record, TTL 24h
//	qa:failed:<tid>                   STRING, TTL 1h
//	agent:dev-queued:<tid>            STRING, TTL 10s
//	agent:acceptance-queued:<tid>     STRING, TTL 10s
//	cleanup:worktrees:<wid>           SET of worktree paths left on a dead worker
//	linear:rate-limit:<org>           HASH token bucket fields
//	linear:circuit:<org>:*            circuit breaker fields
//	linear:quota:<org>:*              quota snapshot fields

// Fixed keys.
const (
	WorkItemsKey = "work:items"
	WorkQueueKey = "work:queue"

	// LegacyWorkQueueKey is the pre-migration list-based queue. Read only by
	// the one-shot bootstrap migration.
	LegacyWorkQueueKey = "work:queue:legacy"
)

func SessionKey(sessionID string) string { return "agent:session:" + sessionID }

func ClaimKey(sessionID string) string { return "work:claim:" + sessionID }

func WorkerKey(workerID string) string { return "work:worker:" + workerID }

func WorkerSessionsKey(workerID string) string { return "work:worker:" + workerID + ":sessions" }

func IssueLockKey(ticketID string) string { return "issue:lock:" + ticketID }

func PendingKey(ticketID string) string { return "issue:pending:" + ticketID }

func PendingItemsKey(ticketID string) string { return "issue:pending:items:" + ticketID }

func PromptsKey(sessionID string) string { return "session:prompts:" + sessionID }

func WebhookProcessedKey(key string) string { return "webhook:processed:" + key }

func AgentWorkedKey(ticketID string) string { return "agent:worked:" + ticketID }

func EscalationKey(ticketID string) string { return "qa:attempt:" + ticketID }

func QAFailedKey(ticketID string) string { return "qa:failed:" + ticketID }

func DevQueuedKey(ticketID string) string { return "agent:dev-queued:" + ticketID }

func AcceptanceQueuedKey(ticketID string) string { return "agent:acceptance-queued:" + ticketID }

func RateLimitKey(orgID string) string { return "linear:rate-limit:" + orgID }

func CircuitKey(orgID, field string) string { return "linear:circuit:" + orgID + ":" + field }

func QuotaKey(orgID, field string) string { return "linear:quota:" + orgID + ":" + field }

func TrackedIssueKey(signature string) string { return "analysis:issue:" + signature }

func CleanupWorktreesKey(workerID string) string { return "cleanup:worktrees:" + workerID }
