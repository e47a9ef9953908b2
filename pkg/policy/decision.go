package policy

// Verdict is the policy outcome. There is no error path: the engine always
// returns a decision, defaulting closed.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictDeny   Verdict = "deny"
	VerdictReview Verdict = "review"
)

// Risk is the decision's risk tier.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Decision is immutable once emitted.
type Decision struct {
	Verdict       Verdict `json:"decision"`
	Risk          Risk    `json:"risk"`
	Reason        string  `json:"reason"`
	PolicyVersion string  `json:"policy_version"`
}
