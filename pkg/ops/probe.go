package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

// ProbeTarget is one monitored service endpoint.
type ProbeTarget struct {
	Service string
	URL     string
}

// ProbeConfig tunes the health-poll loop.
type ProbeConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// Threshold is the number of consecutive failures before an incident
	// is emitted. A single blip never wakes the pipeline.
	Threshold int
}

func (c *ProbeConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
}

// Probe polls health endpoints and emits incidents past the fail threshold.
// It never executes anything; its only output is the incident queue.
type Probe struct {
	cfg     ProbeConfig
	targets []ProbeTarget
	store   Store
	auditor Auditor
	client  *http.Client
	log     *slog.Logger
	now     func() time.Time
}

// Auditor is the slice of the audit chain the pipeline writes through.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Entry, error)
}

func NewProbe(cfg ProbeConfig, targets []ProbeTarget, store Store, auditor Auditor) *Probe {
	cfg.defaults()
	return &Probe{
		cfg:     cfg,
		targets: targets,
		store:   store,
		auditor: auditor,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     slog.Default().With("component", "probe"),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Probe) SetClock(now func() time.Time) { p.now = now }

// Run polls until the context is cancelled.
func (p *Probe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.CheckOnce(ctx)
		}
	}
}

// CheckOnce polls every target one time.
func (p *Probe) CheckOnce(ctx context.Context) {
	for _, t := range p.targets {
		if err := p.checkTarget(ctx, t); err != nil {
			p.log.Error("probe check failed", "service", t.Service, "error", err)
		}
	}
}

func (p *Probe) checkTarget(ctx context.Context, t ProbeTarget) error {
	healthy, evidence := p.poll(ctx, t.URL)
	count, err := p.store.BumpFailures(ctx, t.Service, !healthy)
	if err != nil {
		return err
	}
	if healthy || count != p.cfg.Threshold {
		// Below threshold, or already past it: the outstanding incident
		// owns the recovery until the counter resets.
		return nil
	}

	inc := &Incident{
		ID:           uuid.New().String(),
		Service:      t.Service,
		FailureClass: "health_check_failed",
		Evidence:     evidence,
		CreatedAt:    p.now().UTC(),
	}
	if err := p.store.EnqueueIncident(ctx, inc); err != nil {
		return fmt.Errorf("enqueue incident: %w", err)
	}
	p.log.Warn("incident emitted", "service", t.Service, "incident_id", inc.ID, "evidence", evidence)
	_, err = p.auditor.Append(ctx, audit.Record{
		Actor:   "probe",
		Action:  "incident_created",
		Target:  t.Service,
		Details: evidence,
	})
	return err
}

// poll returns whether the endpoint looks healthy plus an evidence string.
// Any non-2xx status or transport error is a failure signal.
func (p *Probe) poll(ctx context.Context, url string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Sprintf("build request: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return true, ""
}
