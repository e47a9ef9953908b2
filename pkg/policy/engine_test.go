package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, p *Profile) *Engine {
	t.Helper()
	e, err := NewEngine(p)
	require.NoError(t, err)
	return e
}

func TestAllowlistedPairAllows(t *testing.T) {
	e := newTestEngine(t, nil)
	d := e.Evaluate(Input{Command: ParseCommand("restart_service: sentinel-api")})
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Equal(t, RiskLow, d.Risk)
	assert.Equal(t, "2.0.0", d.PolicyVersion)
}

func TestKnownTypeUnknownTargetReviews(t *testing.T) {
	e := newTestEngine(t, nil)
	d := e.Evaluate(Input{Command: ParseCommand("restart_service: billing-db")})
	assert.Equal(t, VerdictReview, d.Verdict)
	assert.Equal(t, RiskHigh, d.Risk)
}

func TestShellAlwaysDeniesCritical(t *testing.T) {
	e := newTestEngine(t, nil)
	// Even a perfect reputation cannot lift the shell category.
	for _, rep := range []int64{-100, 0, 100} {
		d := e.Evaluate(Input{Command: ParseCommand("rm -rf /"), Reputation: rep})
		assert.Equal(t, VerdictDeny, d.Verdict)
		assert.Equal(t, RiskCritical, d.Risk)
	}
}

func TestUnmatchedCommandDeniesByDefault(t *testing.T) {
	e := newTestEngine(t, nil)
	d := e.Evaluate(Input{Command: ParseCommand("uptime")})
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, RiskMedium, d.Risk)
	assert.Equal(t, "no matching policy rule", d.Reason)
}

func TestReputationFloorsDowngradeAllowOnly(t *testing.T) {
	e := newTestEngine(t, nil)
	allowed := ParseCommand("restart_service: sentinel-api")

	d := e.Evaluate(Input{Command: allowed, Reputation: -5})
	assert.Equal(t, VerdictReview, d.Verdict, "review floor downgrades allow")

	d = e.Evaluate(Input{Command: allowed, Reputation: -10})
	assert.Equal(t, VerdictDeny, d.Verdict, "deny floor downgrades allow")

	d = e.Evaluate(Input{Command: allowed, Reputation: -4})
	assert.Equal(t, VerdictAllow, d.Verdict, "above both floors")

	// Floors never touch a decision that is already review or deny.
	reviewCmd := ParseCommand("restart_service: other-svc")
	d = e.Evaluate(Input{Command: reviewCmd, Reputation: 50})
	assert.Equal(t, VerdictReview, d.Verdict, "good reputation cannot lift review")
}

func TestFreezeDowngradesAllowToReview(t *testing.T) {
	e := newTestEngine(t, nil)
	allowed := ParseCommand("restart_service: sentinel-api")

	d := e.Evaluate(Input{Command: allowed, Frozen: true})
	assert.Equal(t, VerdictReview, d.Verdict)
	assert.Contains(t, d.Reason, "global freeze active")

	// Freeze does not soften a deny.
	d = e.Evaluate(Input{Command: ParseCommand("rm -rf /"), Frozen: true})
	assert.Equal(t, VerdictDeny, d.Verdict)
}

func TestCustomRulesOnlyTighten(t *testing.T) {
	p := DefaultProfile()
	p.CustomRules = []CustomRule{
		{
			Name:   "night-shift-review",
			Expr:   `agent == "night-bot"`,
			Effect: "review",
			Reason: "night-shift agents require approval",
		},
		{
			Name:   "blocked-target",
			Expr:   `target == "payments"`,
			Effect: "deny",
			Risk:   "critical",
		},
	}
	e := newTestEngine(t, p)

	d := e.Evaluate(Input{Command: ParseCommand("restart_service: sentinel-api"), AgentID: "night-bot"})
	assert.Equal(t, VerdictReview, d.Verdict)
	assert.Equal(t, "night-shift agents require approval", d.Reason)

	d = e.Evaluate(Input{Command: ParseCommand("restart_service: payments"), AgentID: "day-bot"})
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, RiskCritical, d.Risk)

	// A review rule against an already-review base changes nothing.
	d = e.Evaluate(Input{Command: ParseCommand("restart_service: other"), AgentID: "night-bot"})
	assert.Equal(t, VerdictReview, d.Verdict)
}

func TestCustomRuleCompileErrorRejectsProfile(t *testing.T) {
	p := DefaultProfile()
	p.CustomRules = []CustomRule{{Name: "broken", Expr: "target ==", Effect: "deny"}}
	_, err := NewEngine(p)
	assert.Error(t, err)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := newTestEngine(t, nil)

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("same input, same decision", prop.ForAll(
		func(raw string, rep int64, frozen bool) bool {
			in := Input{Command: ParseCommand(raw), AgentID: "a", Reputation: rep, Frozen: frozen}
			first := e.Evaluate(in)
			for i := 0; i < 5; i++ {
				if e.Evaluate(in) != first {
					return false
				}
			}
			return true
		},
		gen.AnyString(), gen.Int64Range(-50, 50), gen.Bool(),
	))
	properties.Property("shell category always denies", prop.ForAll(
		func(rep int64, frozen bool) bool {
			d := e.Evaluate(Input{Command: ParseCommand("rm -rf /tmp"), Reputation: rep, Frozen: frozen})
			return d.Verdict == VerdictDeny && d.Risk == RiskCritical
		},
		gen.Int64Range(-50, 50), gen.Bool(),
	))
	properties.TestingRun(t)
}
