// Package ops implements the incident-to-execution pipeline: Probe emits
// incidents, Manager turns them into deduplicated proposals, Approver moves
// proposals to approved or rejected, Executor performs the privileged side
// effect at most once, and Reaper recovers stuck work. Stages communicate
// exclusively through the Store; no in-memory handoff.
package ops

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

var (
	ErrNotFound       = errors.New("ops: not found")
	ErrAlreadyDecided = errors.New("ops: action already decided")
	ErrDigestMismatch = errors.New("ops: digest mismatch")
	ErrFrozen         = errors.New("ops: execution frozen")
	ErrNotAllowed     = errors.New("ops: action not on allowlist")
)

// ActionState is the persisted lifecycle state. Inflight is deliberately not
// a state: ownership is tracked by claim markers so a crash can never strand
// an action in a state no queue drains.
type ActionState string

const (
	StateProposed    ActionState = "proposed"
	StateApproved    ActionState = "approved"
	StateRejected    ActionState = "rejected"
	StateExecuted    ActionState = "executed"
	StateFailed      ActionState = "failed"
	StateQuarantined ActionState = "quarantined"
)

// Pair identifies an (action type, target) combination; used by the
// executor allowlist and the approver auto-approval rules.
type Pair struct {
	Type   string `yaml:"type" json:"type"`
	Target string `yaml:"target" json:"target"`
}

func (p Pair) key() string { return p.Type + "|" + p.Target }

// Incident is a failure observation. It never executes anything directly; it
// only seeds a proposal.
type Incident struct {
	ID           string    `json:"id"`
	Service      string    `json:"service"`
	FailureClass string    `json:"failure_class"`
	Evidence     string    `json:"evidence"`
	CreatedAt    time.Time `json:"created_at"`
}

// Action is the canonical record for a proposed/approved action. The digest
// covers only the immutable intent fields (type, target, params); approver
// identity, timestamps, and incident references are deliberately outside it.
type Action struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Target     string            `json:"target"`
	Params     map[string]string `json:"params,omitempty"`
	Digest     string            `json:"digest"`
	IncidentID string            `json:"incident_id,omitempty"`
	Requester  string            `json:"requester"`
	State      ActionState       `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	Approver   string            `json:"approver,omitempty"`
	DecidedAt  time.Time         `json:"decided_at,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RetryCount int               `json:"retry_count"`
}

// ComputeDigest hashes the canonical intent of an action. Any drift between
// proposal and approval or approval and execution changes this value.
func ComputeDigest(actionType, target string, params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	h, err := canonicalize.CanonicalHash(map[string]interface{}{
		"type":   actionType,
		"target": target,
		"params": params,
	})
	if err != nil {
		return "", fmt.Errorf("ops: compute digest: %w", err)
	}
	return "sha256:" + h, nil
}

// VerifyDigest recomputes the action's digest from its current fields and
// compares it to the stored one.
func VerifyDigest(a *Action) error {
	want, err := ComputeDigest(a.Type, a.Target, a.Params)
	if err != nil {
		return err
	}
	if want != a.Digest {
		return fmt.Errorf("%w: action %s", ErrDigestMismatch, a.ID)
	}
	return nil
}

// ExecutionRecord is append-only once written.
type ExecutionRecord struct {
	ActionID   string    `json:"action_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
}
