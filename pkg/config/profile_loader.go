package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PipelineProfile carries the operational knobs for the governance
// pipeline: what to probe, how eagerly to propose, and what may execute.
type PipelineProfile struct {
	Probe    ProbeSettings    `yaml:"probe" json:"probe"`
	Manager  ManagerSettings  `yaml:"manager" json:"manager"`
	Approver ApproverSettings `yaml:"approver" json:"approver"`
	Executor ExecutorSettings `yaml:"executor" json:"executor"`
	Reaper   ReaperSettings   `yaml:"reaper" json:"reaper"`
}

// ProbeTargetSpec names one monitored health endpoint.
type ProbeTargetSpec struct {
	Service string `yaml:"service" json:"service"`
	URL     string `yaml:"url" json:"url"`
}

// ProbeSettings controls health polling.
type ProbeSettings struct {
	Interval  Duration          `yaml:"interval" json:"interval"`
	Timeout   Duration          `yaml:"timeout" json:"timeout"`
	Threshold int               `yaml:"threshold" json:"threshold"`
	Targets   []ProbeTargetSpec `yaml:"targets" json:"targets"`
}

// ManagerSettings controls dedup, cooldown, and budget.
type ManagerSettings struct {
	Cooldown     Duration `yaml:"cooldown" json:"cooldown"`
	BudgetLimit  int      `yaml:"budget_limit" json:"budget_limit"`
	BudgetWindow Duration `yaml:"budget_window" json:"budget_window"`
}

// PairSpec is an (action type, target) pair.
type PairSpec struct {
	Type   string `yaml:"type" json:"type"`
	Target string `yaml:"target" json:"target"`
}

// ApproverSettings controls auto-approval.
type ApproverSettings struct {
	AutoApprove bool       `yaml:"auto_approve" json:"auto_approve"`
	AutoPairs   []PairSpec `yaml:"auto_pairs" json:"auto_pairs"`
}

// ExecutorSettings controls the execution allowlist.
type ExecutorSettings struct {
	Allowlist []PairSpec `yaml:"allowlist" json:"allowlist"`
}

// ReaperSettings controls recovery of stuck work.
type ReaperSettings struct {
	Staleness  Duration `yaml:"staleness" json:"staleness"`
	MaxRetries int      `yaml:"max_retries" json:"max_retries"`
	Interval   Duration `yaml:"interval" json:"interval"`
}

// DefaultPipelineProfile returns the shipped defaults: probe nothing,
// execute only pre-cleared restarts of the gateway's own service.
func DefaultPipelineProfile() *PipelineProfile {
	return &PipelineProfile{
		Probe: ProbeSettings{
			Interval:  Duration(30 * time.Second),
			Timeout:   Duration(5 * time.Second),
			Threshold: 3,
		},
		Manager: ManagerSettings{
			Cooldown:     Duration(10 * time.Minute),
			BudgetLimit:  5,
			BudgetWindow: Duration(time.Hour),
		},
		Executor: ExecutorSettings{
			Allowlist: []PairSpec{{Type: "restart_service", Target: "sentinel-api"}},
		},
		Reaper: ReaperSettings{
			Staleness:  Duration(5 * time.Minute),
			MaxRetries: 3,
			Interval:   Duration(time.Minute),
		},
	}
}

// LoadPipelineProfile reads a pipeline profile YAML. Zero-valued fields fall
// back to the shipped defaults.
func LoadPipelineProfile(path string) (*PipelineProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load pipeline profile %q: %w", path, err)
	}

	profile := DefaultPipelineProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse pipeline profile %q: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// Validate rejects profiles that would disable the safety rails.
func (p *PipelineProfile) Validate() error {
	if p.Probe.Threshold < 1 {
		return fmt.Errorf("pipeline profile: probe threshold must be >= 1")
	}
	if p.Manager.BudgetLimit < 1 {
		return fmt.Errorf("pipeline profile: budget limit must be >= 1")
	}
	if p.Reaper.MaxRetries < 1 {
		return fmt.Errorf("pipeline profile: reaper max_retries must be >= 1")
	}
	for _, t := range p.Probe.Targets {
		if t.Service == "" || t.URL == "" {
			return fmt.Errorf("pipeline profile: probe targets need service and url")
		}
	}
	return nil
}
