// Package policy implements the deterministic decision engine. Evaluate is a
// pure function of its inputs: no randomness, no wall clock, no I/O. Rule
// order is fixed and first-match-wins; everything unmatched denies.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// Input carries everything Evaluate may depend on.
type Input struct {
	Command    Command
	AgentID    string
	Reputation int64
	Frozen     bool
}

// Engine evaluates commands against the active policy pack.
type Engine struct {
	profile    *Profile
	allowPairs map[string]struct{}
	allowTypes map[string]struct{}
	rules      []compiledRule
}

type compiledRule struct {
	rule CustomRule
	prg  cel.Program
}

// NewEngine compiles the profile's custom rules once up front; a profile
// that fails to compile never becomes active.
func NewEngine(profile *Profile) (*Engine, error) {
	if profile == nil {
		profile = DefaultProfile()
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		profile:    profile,
		allowPairs: make(map[string]struct{}, len(profile.AllowPairs)),
		allowTypes: make(map[string]struct{}, len(profile.AllowedTypes)),
	}
	for _, p := range profile.AllowPairs {
		e.allowPairs[p.Type+"|"+p.Target] = struct{}{}
	}
	for _, t := range profile.AllowedTypes {
		e.allowTypes[t] = struct{}{}
	}

	if len(profile.CustomRules) > 0 {
		env, err := cel.NewEnv(
			cel.VariableDecls(
				decls.NewVariable("command", types.StringType),
				decls.NewVariable("kind", types.StringType),
				decls.NewVariable("target", types.StringType),
				decls.NewVariable("agent", types.StringType),
				decls.NewVariable("reputation", types.IntType),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: create CEL env: %w", err)
		}
		for _, r := range profile.CustomRules {
			ast, issues := env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy: compile rule %s: %w", r.Name, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("policy: program rule %s: %w", r.Name, err)
			}
			e.rules = append(e.rules, compiledRule{rule: r, prg: prg})
		}
	}
	return e, nil
}

// Version returns the active policy pack version.
func (e *Engine) Version() string { return e.profile.Version }

// Evaluate returns a decision. It never errors: rule evaluation failures
// fail closed into deny.
func (e *Engine) Evaluate(in Input) Decision {
	d := e.baseDecision(in.Command)
	d.PolicyVersion = e.profile.Version

	// Custom rules tighten only. Evaluated in declaration order.
	if d.Verdict != VerdictDeny {
		if tightened, ok := e.applyCustomRules(in, d); ok {
			tightened.PolicyVersion = e.profile.Version
			d = tightened
		}
	}

	// Reputation floors downgrade allow.
	if d.Verdict == VerdictAllow {
		switch {
		case in.Reputation <= e.profile.DenyFloor:
			d = Decision{
				Verdict: VerdictDeny, Risk: RiskHigh,
				Reason:        fmt.Sprintf("agent reputation %d at or below deny floor %d", in.Reputation, e.profile.DenyFloor),
				PolicyVersion: e.profile.Version,
			}
		case in.Reputation <= e.profile.ReviewFloor:
			d = Decision{
				Verdict: VerdictReview, Risk: RiskMedium,
				Reason:        fmt.Sprintf("agent reputation %d at or below review floor %d", in.Reputation, e.profile.ReviewFloor),
				PolicyVersion: e.profile.Version,
			}
		}
	}

	// Freeze restrains execution elsewhere; here it reflects degraded trust
	// by downgrading allow to review. It never loosens a deny.
	if in.Frozen && d.Verdict == VerdictAllow {
		d = Decision{
			Verdict: VerdictReview, Risk: RiskMedium,
			Reason:        "global freeze active: " + d.Reason,
			PolicyVersion: e.profile.Version,
		}
	}

	return d
}

// baseDecision applies the fixed first-match rule order.
func (e *Engine) baseDecision(cmd Command) Decision {
	// 1. Exact allowlisted (type, target) pair.
	if cmd.Kind == KindRestartService {
		if _, ok := e.allowPairs[string(cmd.Kind)+"|"+cmd.Target]; ok {
			return Decision{
				Verdict: VerdictAllow, Risk: RiskLow,
				Reason: fmt.Sprintf("allowlisted: %s %s", cmd.Kind, cmd.Target),
			}
		}
		// 2. Allowlisted action type, unlisted target.
		if _, ok := e.allowTypes[string(cmd.Kind)]; ok {
			return Decision{
				Verdict: VerdictReview, Risk: RiskHigh,
				Reason: fmt.Sprintf("action type %s permitted but target %s requires approval", cmd.Kind, cmd.Target),
			}
		}
	}

	// 3. Shell / arbitrary execution: unconditional deny.
	if cmd.Kind == KindShell {
		return Decision{
			Verdict: VerdictDeny, Risk: RiskCritical,
			Reason: "shell or arbitrary-execution command category is prohibited",
		}
	}

	// 4. Default closed.
	return Decision{
		Verdict: VerdictDeny, Risk: RiskMedium,
		Reason: "no matching policy rule",
	}
}

func (e *Engine) applyCustomRules(in Input, base Decision) (Decision, bool) {
	if len(e.rules) == 0 {
		return base, false
	}
	input := map[string]interface{}{
		"command":    in.Command.Raw,
		"kind":       string(in.Command.Kind),
		"target":     in.Command.Target,
		"agent":      in.AgentID,
		"reputation": in.Reputation,
	}
	for _, cr := range e.rules {
		out, _, err := cr.prg.Eval(input)
		if err != nil {
			// Fail closed on rule evaluation error.
			return Decision{
				Verdict: VerdictDeny, Risk: RiskHigh,
				Reason: fmt.Sprintf("rule %s evaluation error", cr.rule.Name),
			}, true
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		reason := cr.rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("matched custom rule %s", cr.rule.Name)
		}
		if cr.rule.Effect == "deny" {
			risk := Risk(cr.rule.Risk)
			if risk == "" {
				risk = RiskHigh
			}
			return Decision{Verdict: VerdictDeny, Risk: risk, Reason: reason}, true
		}
		// review tightens allow only.
		if base.Verdict == VerdictAllow {
			risk := Risk(cr.rule.Risk)
			if risk == "" {
				risk = RiskMedium
			}
			return Decision{Verdict: VerdictReview, Risk: risk, Reason: reason}, true
		}
	}
	return base, false
}
