package ops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

// ManagerConfig tunes dedup, cooldown, and budget behavior.
type ManagerConfig struct {
	// Cooldown is the window inside which at most one proposal per
	// (type, target) key may exist.
	Cooldown time.Duration
	// BudgetLimit caps proposals inside BudgetWindow across all keys.
	BudgetLimit  int
	BudgetWindow time.Duration
	// PollWait is how long a single queue pop blocks.
	PollWait time.Duration
}

func (c *ManagerConfig) defaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	if c.BudgetLimit <= 0 {
		c.BudgetLimit = 5
	}
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = time.Hour
	}
	if c.PollWait <= 0 {
		c.PollWait = 5 * time.Second
	}
}

// Manager consumes incidents and emits at most one proposed action per
// (type, target) key per cooldown window.
type Manager struct {
	cfg     ManagerConfig
	store   Store
	auditor Auditor
	log     *slog.Logger
	now     func() time.Time
}

func NewManager(cfg ManagerConfig, store Store, auditor Auditor) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:     cfg,
		store:   store,
		auditor: auditor,
		log:     slog.Default().With("component", "manager"),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Run consumes the incident queue until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		inc, err := m.store.DequeueIncident(ctx, m.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Error("dequeue incident failed", "error", err)
			continue
		}
		if inc == nil {
			continue
		}
		if _, err := m.Triage(ctx, inc); err != nil {
			m.log.Error("triage failed", "incident_id", inc.ID, "error", err)
		}
	}
}

// Triage converts an incident into at most one proposal. A nil action with
// nil error means the incident was dropped (dedup or budget); the incident is
// triaged either way — it never re-enters the queue.
func (m *Manager) Triage(ctx context.Context, inc *Incident) (*Action, error) {
	actionType := "restart_service"
	key := actionType + "|" + inc.Service

	// Dedup: the cooldown acquisition is the atomic "one proposal per key
	// per window" gate. Losing it means a younger proposal already exists.
	fresh, err := m.store.AcquireCooldown(ctx, key, m.cfg.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("ops: cooldown check: %w", err)
	}
	if !fresh {
		m.log.Info("incident deduplicated", "incident_id", inc.ID, "key", key)
		return nil, nil
	}

	ok, err := m.store.ConsumeBudget(ctx, "global", m.cfg.BudgetLimit, m.cfg.BudgetWindow)
	if err != nil {
		return nil, fmt.Errorf("ops: budget check: %w", err)
	}
	if !ok {
		m.log.Warn("action budget exhausted", "incident_id", inc.ID, "key", key)
		_, err := m.auditor.Append(ctx, audit.Record{
			Actor:   "manager",
			Action:  "budget_exceeded",
			Target:  inc.Service,
			Details: "incident " + inc.ID + " dropped",
		})
		return nil, err
	}

	digest, err := ComputeDigest(actionType, inc.Service, nil)
	if err != nil {
		return nil, err
	}
	action := &Action{
		ID:         uuid.New().String(),
		Type:       actionType,
		Target:     inc.Service,
		Digest:     digest,
		IncidentID: inc.ID,
		Requester:  "probe",
		State:      StateProposed,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.PutAction(ctx, action); err != nil {
		return nil, fmt.Errorf("ops: store proposal: %w", err)
	}
	if err := m.store.Enqueue(ctx, QueueProposed, action.ID); err != nil {
		return nil, fmt.Errorf("ops: enqueue proposal: %w", err)
	}
	m.log.Info("action proposed", "action_id", action.ID, "target", action.Target, "digest", action.Digest)
	if _, err := m.auditor.Append(ctx, audit.Record{
		Actor:   "manager",
		Action:  "action_proposed",
		Target:  inc.Service,
		Details: "action " + action.ID + " digest " + action.Digest,
	}); err != nil {
		return nil, err
	}
	return action, nil
}
