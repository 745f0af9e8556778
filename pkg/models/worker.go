package models

import "time"

// WorkerStatus is the lifecycle state of a worker host.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusActive   WorkerStatus = "active"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// WorkerInfo is the registry record for a long-lived supervisor host.
//
// ActiveCount is an advisory mirror; the worker's session set in the store is
// the authoritative count and can disagree across re-registration.
type WorkerInfo struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	Capacity      int          `json:"capacity"`
	ActiveCount   int          `json:"active_count"`
	Status        WorkerStatus `json:"status"`
	Version       string       `json:"version,omitempty"`
	Projects      []string     `json:"projects,omitempty"` // project allow-list; empty = all
	RegisteredAt  int64        `json:"registered_at"`      // unix millis
	LastHeartbeat int64        `json:"last_heartbeat"`     // unix millis
}

// Alive reports whether the worker's last heartbeat is within timeout.
// The threshold is half-open: exactly at timeout the worker is offline.
func (w *WorkerInfo) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(time.UnixMilli(w.LastHeartbeat)) < timeout
}
