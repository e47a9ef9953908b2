// Package reputation tracks a per-agent behavioral score read by the policy
// engine and written by outcome events from the guard, the policy engine and
// the executor. Scores decay toward zero over time so a single bad day does
// not ban an agent forever.
package reputation

import (
	"context"
	"time"
)

// Outcome is a scored event attributed to an agent.
type Outcome string

const (
	OutcomeAllowed          Outcome = "allowed"
	OutcomeDenied           Outcome = "denied"
	OutcomeReviewed         Outcome = "reviewed"
	OutcomeRateViolation    Outcome = "rate_violation"
	OutcomeSignatureAnomaly Outcome = "signature_anomaly"
	OutcomeExecutionFailure Outcome = "execution_failure"
	OutcomeExecutionSuccess Outcome = "execution_success"
)

// scoreDelta is the fixed, bounded adjustment per outcome type.
func scoreDelta(o Outcome) int64 {
	switch o {
	case OutcomeAllowed:
		return +1
	case OutcomeExecutionSuccess:
		return +1
	case OutcomeReviewed:
		return -1
	case OutcomeRateViolation:
		return -1
	case OutcomeDenied:
		return -2
	case OutcomeExecutionFailure:
		return -2
	case OutcomeSignatureAnomaly:
		return -3
	default:
		return 0
	}
}

// Record is the stored per-agent state.
type Record struct {
	AgentID           string    `json:"agent_id"`
	Score             int64     `json:"score"`
	Allowed           int64     `json:"allowed"`
	Denied            int64     `json:"denied"`
	Reviewed          int64     `json:"reviewed"`
	RateViolations    int64     `json:"rate_violations"`
	SignatureAnomalies int64    `json:"signature_anomalies"`
	ExecutionFailures int64     `json:"execution_failures"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store is the reputation backend. Get must be cheap and must never block
// policy evaluation; callers treat errors as "score unknown" and fail toward
// default-deny.
type Store interface {
	Get(ctx context.Context, agentID string) (Record, error)
	Update(ctx context.Context, agentID string, outcome Outcome) (Record, error)
}

// DecayPolicy moves scores toward zero in discrete steps.
type DecayPolicy struct {
	Period time.Duration
	Step   int64
}

// DefaultDecay matches one step per hour.
var DefaultDecay = DecayPolicy{Period: time.Hour, Step: 1}

// apply returns the decayed score given time elapsed since the last update.
func (d DecayPolicy) apply(score int64, elapsed time.Duration) int64 {
	if d.Period <= 0 || d.Step <= 0 || elapsed <= 0 {
		return score
	}
	steps := int64(elapsed / d.Period)
	if steps <= 0 {
		return score
	}
	delta := steps * d.Step
	switch {
	case score > 0:
		if delta > score {
			return 0
		}
		return score - delta
	case score < 0:
		if delta > -score {
			return 0
		}
		return score + delta
	default:
		return 0
	}
}

func bumpCounter(r *Record, o Outcome) {
	switch o {
	case OutcomeAllowed:
		r.Allowed++
	case OutcomeDenied:
		r.Denied++
	case OutcomeReviewed:
		r.Reviewed++
	case OutcomeRateViolation:
		r.RateViolations++
	case OutcomeSignatureAnomaly:
		r.SignatureAnomalies++
	case OutcomeExecutionFailure:
		r.ExecutionFailures++
	}
}
