package policy

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// AllowPair is an exact (action type, target) allowlist entry.
type AllowPair struct {
	Type   string `yaml:"type"`
	Target string `yaml:"target"`
}

// CustomRule is an operator-supplied CEL rule. Custom rules may only
// tighten a decision (deny or review), never loosen one.
type CustomRule struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Effect string `yaml:"effect"` // "deny" or "review"
	Risk   string `yaml:"risk,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

// Profile is the single active policy pack.
type Profile struct {
	Version      string       `yaml:"version"` // semver, stamped into every decision
	AllowPairs   []AllowPair  `yaml:"allow_pairs"`
	AllowedTypes []string     `yaml:"allowed_types"`
	ReviewFloor  int64        `yaml:"review_floor"` // reputation <= floor forces allow -> review
	DenyFloor    int64        `yaml:"deny_floor"`   // reputation <= floor forces allow -> deny
	CustomRules  []CustomRule `yaml:"custom_rules"`
}

// DefaultProfile mirrors the shipped production defaults: restarts of the
// gateway's own service are pre-approved, restart_service is the only known
// action type.
func DefaultProfile() *Profile {
	return &Profile{
		Version:      "2.0.0",
		AllowPairs:   []AllowPair{{Type: string(KindRestartService), Target: "sentinel-api"}},
		AllowedTypes: []string{string(KindRestartService)},
		ReviewFloor:  -5,
		DenyFloor:    -10,
	}
}

// LoadProfile reads a YAML policy pack and validates it.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural requirements including semver version format.
func (p *Profile) Validate() error {
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("policy: invalid profile version %q: %w", p.Version, err)
	}
	if p.DenyFloor > p.ReviewFloor {
		return fmt.Errorf("policy: deny_floor (%d) must not be above review_floor (%d)", p.DenyFloor, p.ReviewFloor)
	}
	for _, r := range p.CustomRules {
		if r.Name == "" || r.Expr == "" {
			return fmt.Errorf("policy: custom rule must have name and expr")
		}
		if r.Effect != "deny" && r.Effect != "review" {
			return fmt.Errorf("policy: custom rule %s: effect must be deny or review", r.Name)
		}
	}
	return nil
}
