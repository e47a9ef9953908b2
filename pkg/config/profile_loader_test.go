package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadPipelineProfile(t *testing.T) {
	path := writeProfile(t, `
probe:
  interval: 15s
  threshold: 2
  targets:
    - service: api-gateway
      url: http://api-gateway:8080/health
manager:
  cooldown: 5m
  budget_limit: 3
  budget_window: 30m
approver:
  auto_approve: true
  auto_pairs:
    - type: restart_service
      target: sentinel-api
executor:
  allowlist:
    - type: restart_service
      target: api-gateway
reaper:
  staleness: 2m
  max_retries: 2
`)
	p, err := LoadPipelineProfile(path)
	if err != nil {
		t.Fatalf("LoadPipelineProfile: %v", err)
	}
	if p.Probe.Interval.Std() != 15*time.Second {
		t.Errorf("expected 15s probe interval, got %v", p.Probe.Interval.Std())
	}
	if p.Probe.Threshold != 2 {
		t.Errorf("expected threshold 2, got %d", p.Probe.Threshold)
	}
	if len(p.Probe.Targets) != 1 || p.Probe.Targets[0].Service != "api-gateway" {
		t.Errorf("unexpected probe targets: %+v", p.Probe.Targets)
	}
	if p.Manager.Cooldown.Std() != 5*time.Minute {
		t.Errorf("expected 5m cooldown, got %v", p.Manager.Cooldown.Std())
	}
	if !p.Approver.AutoApprove {
		t.Error("auto approve should be enabled")
	}
	if p.Reaper.MaxRetries != 2 {
		t.Errorf("expected max_retries 2, got %d", p.Reaper.MaxRetries)
	}
	// Probe timeout came from defaults.
	if p.Probe.Timeout.Std() != 5*time.Second {
		t.Errorf("expected default 5s timeout, got %v", p.Probe.Timeout.Std())
	}
}

func TestLoadPipelineProfile_Defaults(t *testing.T) {
	p := DefaultPipelineProfile()
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if len(p.Executor.Allowlist) == 0 {
		t.Error("defaults must carry a non-empty execution allowlist")
	}
}

func TestLoadPipelineProfile_RejectsDisabledRails(t *testing.T) {
	cases := map[string]string{
		"zero threshold":  "probe:\n  threshold: -1\n",
		"zero budget":     "manager:\n  budget_limit: -1\n",
		"zero retries":    "reaper:\n  max_retries: -1\n",
		"unnamed target":  "probe:\n  targets:\n    - service: ''\n      url: http://x/health\n",
		"target sans url": "probe:\n  targets:\n    - service: x\n      url: ''\n",
	}
	for name, body := range cases {
		if _, err := LoadPipelineProfile(writeProfile(t, body)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadPipelineProfile_MissingFile(t *testing.T) {
	if _, err := LoadPipelineProfile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
