package domain

import "time"

// CycleOutcome classifies how a reconciliation cycle ended.
type CycleOutcome string

const (
	CyclePending CycleOutcome = "pending" // program start in the future
	CycleIdle    CycleOutcome = "idle"    // less than a minute since the marker
	CycleApplied CycleOutcome = "applied" // writes committed, marker advanced
	CycleFailed  CycleOutcome = "failed"  // aborted during the write phase
)

// CycleRecord is the persisted summary of one reconciliation cycle.
type CycleRecord struct {
	ID               string       `json:"id"`
	StartedAt        time.Time    `json:"started_at"`
	AsOf             int64        `json:"as_of"`
	Elapsed          int64        `json:"elapsed_minutes"`
	Outcome          CycleOutcome `json:"outcome"`
	Batched          int          `json:"batched"`
	CaughtUp         int          `json:"caught_up"`
	CatchUpFailed    int          `json:"catch_up_failed"`
	Skipped          int          `json:"skipped"`
	BatchesCommitted int          `json:"batches_committed"`
	Error            string       `json:"error,omitempty"`
}
