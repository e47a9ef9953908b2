package ops

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

// ReaperConfig tunes the recovery sweep.
type ReaperConfig struct {
	// Staleness is how long a claim may stand before it counts as stuck.
	Staleness time.Duration
	// MaxRetries is the retry ceiling; at or past it the action is
	// quarantined instead of reclaimed.
	MaxRetries int
	Interval   time.Duration
}

func (c *ReaperConfig) defaults() {
	if c.Staleness <= 0 {
		c.Staleness = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Reclaimed   int
	Quarantined int
}

// Reaper recovers stuck work. It is the only component allowed to move an
// action out of a claim back to its originating queue or into quarantine,
// and it takes over a claim with the same conditional primitive the
// Executor releases with, so it can never race a live worker.
type Reaper struct {
	cfg     ReaperConfig
	store   Store
	auditor Auditor
	log     *slog.Logger
	now     func() time.Time
}

func NewReaper(cfg ReaperConfig, store Store, auditor Auditor) *Reaper {
	cfg.defaults()
	return &Reaper{
		cfg:     cfg,
		store:   store,
		auditor: auditor,
		log:     slog.Default().With("component", "reaper"),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Reaper) SetClock(now func() time.Time) { r.now = now }

// Run sweeps on an interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep reclaims or quarantines every stale claim. Idempotent: a claim that
// disappears mid-sweep (its worker finished) is skipped without effect.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := r.now().Add(-r.cfg.Staleness)
	stale, err := r.store.StaleClaims(ctx, cutoff)
	if err != nil {
		return res, err
	}
	for _, claim := range stale {
		action, err := r.store.GetAction(ctx, claim.ActionID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return res, err
		}

		// Taking over the claim is the atomic step: if this fails, the
		// original worker released (or another reaper got here first) and
		// there is nothing to recover.
		taken, err := r.store.BreakClaim(ctx, claim.ActionID, claim.Owner, claim.ClaimedAt)
		if err != nil {
			return res, err
		}
		if !taken {
			continue
		}

		if action.RetryCount >= r.cfg.MaxRetries {
			if err := r.quarantine(ctx, action); err != nil {
				return res, err
			}
			res.Quarantined++
			continue
		}
		if err := r.reclaim(ctx, action, claim); err != nil {
			return res, err
		}
		res.Reclaimed++
	}
	return res, nil
}

// reclaim puts the action back on its originating queue with the retry
// counter bumped. A failed execution is reset to approved first so the
// executor's state gate accepts it again.
func (r *Reaper) reclaim(ctx context.Context, action *Action, claim ClaimRecord) error {
	if action.State == StateFailed {
		ok, err := r.store.TransitionState(ctx, action.ID, StateFailed, StateApproved)
		if err != nil {
			return err
		}
		if ok {
			action.State = StateApproved
		}
	}
	action.RetryCount++
	if err := r.store.PutAction(ctx, action); err != nil {
		return err
	}

	queue := QueueApproved
	if claim.Origin == StateProposed {
		queue = QueueProposed
	}
	if err := r.store.Enqueue(ctx, queue, action.ID); err != nil {
		return err
	}
	r.log.Warn("stale claim reclaimed", "action_id", action.ID,
		"owner", claim.Owner, "retry", action.RetryCount)
	_, err := r.auditor.Append(ctx, audit.Record{
		Actor:   "reaper",
		Action:  "action_reclaimed",
		Target:  action.Target,
		Details: "action " + action.ID + " from owner " + claim.Owner,
	})
	return err
}

func (r *Reaper) quarantine(ctx context.Context, action *Action) error {
	ok, err := r.store.TransitionState(ctx, action.ID, action.State, StateQuarantined)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	r.log.Error("action quarantined after retry ceiling", "action_id", action.ID,
		"retries", action.RetryCount)
	_, err = r.auditor.Append(ctx, audit.Record{
		Actor:   "reaper",
		Action:  "action_quarantined",
		Target:  action.Target,
		Details: "action " + action.ID + " exceeded retry ceiling",
	})
	return err
}
