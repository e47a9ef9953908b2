package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
)

// RestartDriver performs the actual privileged restart. The container or
// process mechanism behind it is out of scope here.
type RestartDriver interface {
	Restart(ctx context.Context, target string) (output string, err error)
}

// FreezeReader is the read side of the global freeze flag.
type FreezeReader interface {
	Active(ctx context.Context) (bool, string, error)
}

// ExecutorConfig tunes the execution stage.
type ExecutorConfig struct {
	// Owner identifies this executor instance in claim markers.
	Owner string
	// Allowlist is the closed set of executable (type, target) pairs.
	// Approval alone never suffices.
	Allowlist []Pair
	PollWait  time.Duration
}

func (c *ExecutorConfig) defaults() {
	if c.Owner == "" {
		c.Owner = "executor"
	}
	if c.PollWait <= 0 {
		c.PollWait = 5 * time.Second
	}
}

// Executor owns the approved → executed/failed transition. Every execution
// passes four hard gates in order: freeze, allowlist, digest, atomic claim.
type Executor struct {
	cfg     ExecutorConfig
	store   Store
	auditor Auditor
	frozen  FreezeReader
	rep     reputation.Store
	driver  RestartDriver
	allow   map[string]struct{}
	log     *slog.Logger
	now     func() time.Time
}

func NewExecutor(cfg ExecutorConfig, store Store, auditor Auditor, frozen FreezeReader, rep reputation.Store, driver RestartDriver) *Executor {
	cfg.defaults()
	allow := make(map[string]struct{}, len(cfg.Allowlist))
	for _, p := range cfg.Allowlist {
		allow[p.key()] = struct{}{}
	}
	return &Executor{
		cfg:     cfg,
		store:   store,
		auditor: auditor,
		frozen:  frozen,
		rep:     rep,
		driver:  driver,
		allow:   allow,
		log:     slog.Default().With("component", "executor"),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Run consumes the approved queue until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := e.store.Dequeue(ctx, QueueApproved, e.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error("dequeue approved failed", "error", err)
			continue
		}
		if id == "" {
			continue
		}
		if _, err := e.Execute(ctx, id); err != nil {
			e.log.Warn("execution did not complete", "action_id", id, "error", err)
			if errors.Is(err, ErrFrozen) {
				// The action went back on the queue; do not spin on it.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(e.cfg.PollWait):
				}
			}
		}
	}
}

// Execute runs one approved action through the gates. On ErrFrozen the
// action stays approved and re-queued for when the freeze lifts. On
// ErrNotAllowed or ErrDigestMismatch the action is quarantined. A restart
// failure leaves the claim in place so the Reaper decides retry vs
// quarantine; the Executor never re-runs on its own.
func (e *Executor) Execute(ctx context.Context, actionID string) (*ExecutionRecord, error) {
	// Gate 1: freeze. Checked before claiming so a frozen system does not
	// accumulate claim markers.
	frozen, reason, err := e.frozen.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("ops: read freeze flag: %w", err)
	}
	if frozen {
		if err := e.store.Enqueue(ctx, QueueApproved, actionID); err != nil {
			return nil, err
		}
		e.log.Warn("execution refused, system frozen", "action_id", actionID, "reason", reason)
		return nil, ErrFrozen
	}

	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.State != StateApproved {
		// Reaper moved it, or a replica finished first.
		return nil, nil
	}

	// Gate 2: allowlist.
	if _, ok := e.allow[action.Type+"|"+action.Target]; !ok {
		if err := e.quarantine(ctx, action, StateApproved, "not on execution allowlist"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, action.Type, action.Target)
	}

	// Gate 3: digest must still match the approved intent.
	if err := VerifyDigest(action); err != nil {
		if qErr := e.quarantine(ctx, action, StateApproved, "digest mismatch at execution"); qErr != nil {
			return nil, qErr
		}
		return nil, err
	}

	// Gate 4: atomic claim. Losing it means another executor or the reaper
	// owns this action; never proceed.
	claimed, err := e.store.Claim(ctx, actionID, e.cfg.Owner, StateApproved)
	if err != nil {
		return nil, err
	}
	if !claimed {
		e.log.Info("claim lost, skipping", "action_id", actionID)
		return nil, nil
	}
	claim, err := e.store.GetClaim(ctx, actionID)
	if err != nil {
		return nil, err
	}

	started := e.now().UTC()
	output, execErr := e.driver.Restart(ctx, action.Target)
	rec := &ExecutionRecord{
		ActionID:   actionID,
		StartedAt:  started,
		FinishedAt: e.now().UTC(),
		Success:    execErr == nil,
		Output:     output,
	}
	if execErr != nil {
		rec.Output = fmt.Sprintf("%s (error: %v)", output, execErr)
	}
	if err := e.store.AppendExecution(ctx, rec); err != nil {
		return nil, err
	}

	if execErr != nil {
		// Keep the claim: the reaper's staleness sweep owns the retry or
		// quarantine decision.
		if _, err := e.store.TransitionState(ctx, actionID, StateApproved, StateFailed); err != nil {
			return nil, err
		}
		e.log.Error("restart failed", "action_id", actionID, "target", action.Target, "error", execErr)
		if _, err := e.rep.Update(ctx, action.Requester, reputation.OutcomeExecutionFailure); err != nil {
			e.log.Error("reputation update failed", "agent", action.Requester, "error", err)
		}
		if _, err := e.auditor.Append(ctx, audit.Record{
			Actor:   e.cfg.Owner,
			Action:  "execution_failed",
			Target:  action.Target,
			Details: "action " + actionID + ": " + rec.Output,
		}); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if _, err := e.store.TransitionState(ctx, actionID, StateApproved, StateExecuted); err != nil {
		return nil, err
	}
	if err := e.store.Enqueue(ctx, QueueExecuted, actionID); err != nil {
		return nil, err
	}
	if _, err := e.store.BreakClaim(ctx, actionID, claim.Owner, claim.ClaimedAt); err != nil {
		return nil, err
	}
	e.log.Info("action executed", "action_id", actionID, "target", action.Target)
	if _, err := e.rep.Update(ctx, action.Requester, reputation.OutcomeExecutionSuccess); err != nil {
		e.log.Error("reputation update failed", "agent", action.Requester, "error", err)
	}
	if _, err := e.auditor.Append(ctx, audit.Record{
		Actor:   e.cfg.Owner,
		Action:  "action_executed",
		Target:  action.Target,
		Details: "action " + actionID + " digest " + action.Digest,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// quarantine is terminal: only manual intervention clears it.
func (e *Executor) quarantine(ctx context.Context, action *Action, from ActionState, why string) error {
	ok, err := e.store.TransitionState(ctx, action.ID, from, StateQuarantined)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.log.Error("action quarantined", "action_id", action.ID, "reason", why)
	_, err = e.auditor.Append(ctx, audit.Record{
		Actor:   e.cfg.Owner,
		Action:  "action_quarantined",
		Target:  action.Target,
		Details: "action " + action.ID + ": " + why,
	})
	return err
}
