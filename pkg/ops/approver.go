package ops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

// Notifier is the approval front-end (chat bot, console). It only displays;
// approvals come back through Approve/Reject.
type Notifier interface {
	NotifyProposal(ctx context.Context, a *Action) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyProposal(ctx context.Context, a *Action) error { return nil }

// ApproverConfig tunes the approval stage.
type ApproverConfig struct {
	// AutoApprove enables rule-based approval for listed pairs. Everything
	// else always waits for a human decision.
	AutoApprove bool
	AutoPairs   []Pair
	PollWait    time.Duration
}

func (c *ApproverConfig) defaults() {
	if c.PollWait <= 0 {
		c.PollWait = 5 * time.Second
	}
}

// Approver owns the proposed → approved/rejected transition. The digest
// check runs against the action's current fields on every decision, so a
// record mutated after proposal can never slip through.
type Approver struct {
	cfg      ApproverConfig
	store    Store
	auditor  Auditor
	notifier Notifier
	auto     map[string]struct{}
	log      *slog.Logger
	now      func() time.Time
}

func NewApprover(cfg ApproverConfig, store Store, auditor Auditor, notifier Notifier) *Approver {
	cfg.defaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	auto := make(map[string]struct{}, len(cfg.AutoPairs))
	for _, p := range cfg.AutoPairs {
		auto[p.key()] = struct{}{}
	}
	return &Approver{
		cfg:      cfg,
		store:    store,
		auditor:  auditor,
		notifier: notifier,
		auto:     auto,
		log:      slog.Default().With("component", "approver"),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (a *Approver) SetClock(now func() time.Time) { a.now = now }

// Run drains the proposed queue: auto-approvable actions are approved
// immediately, everything else is surfaced to the notifier and left pending
// for an explicit Approve/Reject call.
func (a *Approver) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := a.store.Dequeue(ctx, QueueProposed, a.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Error("dequeue proposal failed", "error", err)
			continue
		}
		if id == "" {
			continue
		}
		if err := a.handleProposal(ctx, id); err != nil {
			a.log.Error("handle proposal failed", "action_id", id, "error", err)
		}
	}
}

func (a *Approver) handleProposal(ctx context.Context, actionID string) error {
	action, err := a.store.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	if a.cfg.AutoApprove {
		if _, ok := a.auto[action.Type+"|"+action.Target]; ok {
			_, err := a.Approve(ctx, actionID, "auto-approver")
			return err
		}
	}
	return a.notifier.NotifyProposal(ctx, action)
}

// Approve moves a proposed action to approved. One-way: an action already
// decided or quarantined returns ErrAlreadyDecided.
func (a *Approver) Approve(ctx context.Context, actionID, approver string) (*Action, error) {
	action, err := a.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.State != StateProposed {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, actionID, action.State)
	}
	if err := VerifyDigest(action); err != nil {
		a.log.Error("digest mismatch at approval", "action_id", actionID)
		_, auditErr := a.auditor.Append(ctx, audit.Record{
			Actor:   approver,
			Action:  "approval_digest_mismatch",
			Target:  action.Target,
			Details: "action " + actionID,
		})
		if auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}
	ok, err := a.store.TransitionState(ctx, actionID, StateProposed, StateApproved)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, actionID)
	}
	action.State = StateApproved
	action.Approver = approver
	action.DecidedAt = a.now().UTC()
	if err := a.store.PutAction(ctx, action); err != nil {
		return nil, err
	}
	if err := a.store.Enqueue(ctx, QueueApproved, actionID); err != nil {
		return nil, err
	}
	a.log.Info("action approved", "action_id", actionID, "approver", approver)
	if _, err := a.auditor.Append(ctx, audit.Record{
		Actor:   approver,
		Action:  "action_approved",
		Target:  action.Target,
		Details: "action " + actionID + " digest " + action.Digest,
	}); err != nil {
		return nil, err
	}
	return action, nil
}

// Reject moves a proposed action to rejected. Same one-way rules as Approve.
func (a *Approver) Reject(ctx context.Context, actionID, approver, reason string) (*Action, error) {
	action, err := a.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.State != StateProposed {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, actionID, action.State)
	}
	ok, err := a.store.TransitionState(ctx, actionID, StateProposed, StateRejected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, actionID)
	}
	action.State = StateRejected
	action.Approver = approver
	action.DecidedAt = a.now().UTC()
	action.Reason = reason
	if err := a.store.PutAction(ctx, action); err != nil {
		return nil, err
	}
	if err := a.store.Enqueue(ctx, QueueRejected, actionID); err != nil {
		return nil, err
	}
	a.log.Info("action rejected", "action_id", actionID, "approver", approver, "reason", reason)
	if _, err := a.auditor.Append(ctx, audit.Record{
		Actor:   approver,
		Action:  "action_rejected",
		Target:  action.Target,
		Details: "action " + actionID + ": " + reason,
	}); err != nil {
		return nil, err
	}
	return action, nil
}
