// Package queue moves background work through Redis lists and schedules
// the recurring cycles that feed them.
package queue

import (
	"fmt"
	"time"
)

// TaskType identifies what a queued task does.
type TaskType string

const (
	// Analytics-side tasks.
	TaskIngestCycle     TaskType = "ingest_cycle"     // walk active wallets, pull new swaps
	TaskIngestWallet    TaskType = "ingest_wallet"    // refresh one wallet out of schedule
	TaskScoreCycle      TaskType = "score_cycle"      // score active wallets, publish the ranking
	TaskDiscoverTraders TaskType = "discover_traders" // find new candidate wallets on the AMM programs

	// Bot-side tasks.
	TaskExecutionCycle   TaskType = "execution_cycle"   // run one orchestration cycle
	TaskPurgeIdempotency TaskType = "purge_idempotency" // drop expired idempotency records
	TaskBackupStores     TaskType = "backup_stores"     // archive local stores to object storage
)

// Priority orders competing tasks.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// TaskEnvelope is the wire format on the Redis list.
type TaskEnvelope struct {
	ID         string            `msgpack:"id"`
	Type       TaskType          `msgpack:"type"`
	Priority   Priority          `msgpack:"priority"`
	Payload    map[string]string `msgpack:"payload,omitempty"`
	EnqueuedAt time.Time         `msgpack:"enqueued_at"`
	Retries    int               `msgpack:"retries"`
	MaxRetries int               `msgpack:"max_retries"`
}

// NewTask builds an envelope with the default retry budget.
func NewTask(taskType TaskType, priority Priority, payload map[string]string) *TaskEnvelope {
	now := time.Now().UTC()
	return &TaskEnvelope{
		ID:         fmt.Sprintf("%s-%d", taskType, now.UnixNano()),
		Type:       taskType,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: now,
		MaxRetries: 3,
	}
}
