package ops

import (
	"context"
	"time"
)

// Queue names the logical queues connecting pipeline stages. Executed and
// rejected are terminal logs; they are never consumed.
type Queue string

const (
	QueueProposed Queue = "proposed"
	QueueApproved Queue = "approved"
	QueueExecuted Queue = "executed"
	QueueRejected Queue = "rejected"
)

// ClaimRecord proves a worker currently owns an action. Origin is the state
// the action was in when claimed; the Reaper re-enqueues reclaimed work based
// on it.
type ClaimRecord struct {
	ActionID  string      `json:"action_id"`
	Owner     string      `json:"owner"`
	Origin    ActionState `json:"origin"`
	ClaimedAt time.Time   `json:"claimed_at"`
}

// Store is the shared durable state between pipeline stages. Implementations
// must make Claim and BreakClaim atomic with respect to each other: two
// workers can never both hold a claim on the same action id.
type Store interface {
	// Incident queue.
	EnqueueIncident(ctx context.Context, inc *Incident) error
	// DequeueIncident blocks up to wait; returns (nil, nil) on timeout.
	DequeueIncident(ctx context.Context, wait time.Duration) (*Incident, error)

	// Canonical action records.
	PutAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	// TransitionState is a compare-and-set on the action's state. Returns
	// false (no error) when the current state is not `from`.
	TransitionState(ctx context.Context, id string, from, to ActionState) (bool, error)

	// Stage queues of action ids. Dequeue blocks up to wait; returns ""
	// on timeout.
	Enqueue(ctx context.Context, q Queue, actionID string) error
	Dequeue(ctx context.Context, q Queue, wait time.Duration) (string, error)

	// Claim atomically acquires ownership of an action: succeeds only when
	// the action's state equals expect and no claim marker exists.
	Claim(ctx context.Context, actionID, owner string, expect ActionState) (bool, error)
	// BreakClaim removes a claim marker only if it still matches owner and
	// claimedAt. The Reaper uses it to take over a stale claim; a worker
	// uses it to release its own.
	BreakClaim(ctx context.Context, actionID, owner string, claimedAt time.Time) (bool, error)
	GetClaim(ctx context.Context, actionID string) (*ClaimRecord, error)
	// StaleClaims lists claims older than the cutoff.
	StaleClaims(ctx context.Context, olderThan time.Time) ([]ClaimRecord, error)

	// AcquireCooldown is a set-if-absent with TTL on a dedup key. Returns
	// false while a previous acquisition is still inside its window.
	AcquireCooldown(ctx context.Context, key string, window time.Duration) (bool, error)
	// ConsumeBudget counts an event against a rolling-window budget.
	// Returns false, consuming nothing, when the budget is exhausted.
	ConsumeBudget(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// Probe state: consecutive-failure counters per service.
	BumpFailures(ctx context.Context, service string, failed bool) (int, error)

	// Execution log, append-only.
	AppendExecution(ctx context.Context, rec *ExecutionRecord) error
	Executions(ctx context.Context, actionID string) ([]ExecutionRecord, error)
}
