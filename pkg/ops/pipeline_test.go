package ops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
	"github.com/Mindburn-Labs/sentinel/pkg/freeze"
	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
)

type fakeDriver struct {
	calls    []string
	failNext bool
}

func (d *fakeDriver) Restart(ctx context.Context, target string) (string, error) {
	d.calls = append(d.calls, target)
	if d.failNext {
		d.failNext = false
		return "restart refused", errors.New("unit inactive")
	}
	return "restarted " + target, nil
}

type pipelineEnv struct {
	store      *MemoryStore
	chain      *audit.Chain
	auditStore *audit.MemoryStore
	frozen     *freeze.MemoryStore
	rep        *reputation.MemoryStore
	driver     *fakeDriver
	manager    *Manager
	approver   *Approver
	executor   *Executor
	reaper     *Reaper
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("pipeline-test")
	require.NoError(t, err)

	auditStore := audit.NewMemoryStore()
	env := &pipelineEnv{
		store:      NewMemoryStore(),
		chain:      audit.NewChain(auditStore, signer),
		auditStore: auditStore,
		frozen:     freeze.NewMemoryStore(),
		rep:        reputation.NewMemoryStore(reputation.DecayPolicy{}),
		driver:     &fakeDriver{},
	}
	env.manager = NewManager(ManagerConfig{
		Cooldown:     10 * time.Minute,
		BudgetLimit:  5,
		BudgetWindow: time.Hour,
	}, env.store, env.chain)
	env.approver = NewApprover(ApproverConfig{}, env.store, env.chain, nil)
	env.executor = NewExecutor(ExecutorConfig{
		Owner:     "exec-1",
		Allowlist: []Pair{{Type: "restart_service", Target: "api-gateway"}},
	}, env.store, env.chain, env.frozen, env.rep, env.driver)
	env.reaper = NewReaper(ReaperConfig{
		Staleness:  5 * time.Minute,
		MaxRetries: 2,
	}, env.store, env.chain)
	return env
}

func incident(service string) *Incident {
	return &Incident{
		ID:           "inc-" + service,
		Service:      service,
		FailureClass: "health_check_failed",
		Evidence:     "status 503",
		CreatedAt:    time.Now().UTC(),
	}
}

func TestEndToEndRestartPipeline(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	// Probe side already happened: the incident is in hand.
	inc := incident("api-gateway")
	_, err := env.chain.Append(ctx, audit.Record{
		Actor: "probe", Action: "incident_created", Target: inc.Service, Details: inc.Evidence,
	})
	require.NoError(t, err)

	action, err := env.manager.Triage(ctx, inc)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, StateProposed, action.State)
	assert.NotEmpty(t, action.Digest)

	approved, err := env.approver.Approve(ctx, action.ID, "operator:alice")
	require.NoError(t, err)
	assert.Equal(t, StateApproved, approved.State)
	assert.Equal(t, action.Digest, approved.Digest, "digest continuity across approval")

	rec, err := env.executor.Execute(ctx, action.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Success)
	assert.Equal(t, []string{"api-gateway"}, env.driver.calls)

	final, err := env.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, final.State)

	// Exactly four linked entries: incident, proposal, approval, execution.
	head, err := env.chain.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), head.Seq)
	require.NoError(t, env.chain.Verify(ctx))

	// Claim released after success.
	_, err = env.store.GetClaim(ctx, action.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerDedupWithinCooldown(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	first, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)
	require.NotNil(t, first)

	for i := 0; i < 3; i++ {
		dup, err := env.manager.Triage(ctx, incident("api-gateway"))
		require.NoError(t, err)
		assert.Nil(t, dup, "same key inside cooldown must not propose again")
	}

	// A different key proposes independently.
	other, err := env.manager.Triage(ctx, incident("billing-db"))
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestManagerBudgetExhaustionAudited(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)
	env.manager = NewManager(ManagerConfig{
		Cooldown:     time.Minute,
		BudgetLimit:  1,
		BudgetWindow: time.Hour,
	}, env.store, env.chain)

	first, err := env.manager.Triage(ctx, incident("svc-a"))
	require.NoError(t, err)
	require.NotNil(t, first)

	dropped, err := env.manager.Triage(ctx, incident("svc-b"))
	require.NoError(t, err)
	assert.Nil(t, dropped)

	entries, err := env.auditStore.Entries(ctx, 1, 0)
	require.NoError(t, err)
	var budgetHits int
	for _, e := range entries {
		if e.Action == "budget_exceeded" {
			budgetHits++
		}
	}
	assert.Equal(t, 1, budgetHits)
}

func TestApproverDigestMismatchBlocksApproval(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	action, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)

	// Mutate intent after proposal.
	action.Target = "payments-db"
	require.NoError(t, env.store.PutAction(ctx, action))

	_, err = env.approver.Approve(ctx, action.ID, "operator:mallory")
	assert.ErrorIs(t, err, ErrDigestMismatch)

	unchanged, err := env.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProposed, unchanged.State, "mismatch leaves the action inert")
}

func TestApprovalIsOneWay(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	action, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)

	_, err = env.approver.Approve(ctx, action.ID, "operator:alice")
	require.NoError(t, err)

	_, err = env.approver.Approve(ctx, action.ID, "operator:bob")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	_, err = env.approver.Reject(ctx, action.ID, "operator:bob", "second thoughts")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestAutoApprovalOnlyForListedPairs(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)
	env.approver = NewApprover(ApproverConfig{
		AutoApprove: true,
		AutoPairs:   []Pair{{Type: "restart_service", Target: "api-gateway"}},
	}, env.store, env.chain, nil)

	listed, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)
	require.NoError(t, env.approver.handleProposal(ctx, listed.ID))
	got, err := env.store.GetAction(ctx, listed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, got.State)
	assert.Equal(t, "auto-approver", got.Approver)

	unlisted, err := env.manager.Triage(ctx, incident("billing-db"))
	require.NoError(t, err)
	require.NoError(t, env.approver.handleProposal(ctx, unlisted.ID))
	got, err = env.store.GetAction(ctx, unlisted.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProposed, got.State, "unlisted pairs wait for a human")
}

func TestFreezeBlocksExecutionUntilCleared(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	action, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)
	_, err = env.approver.Approve(ctx, action.ID, "operator:alice")
	require.NoError(t, err)

	require.NoError(t, env.frozen.Set(ctx, "incident response"))

	_, err = env.executor.Execute(ctx, action.ID)
	assert.ErrorIs(t, err, ErrFrozen)
	assert.Empty(t, env.driver.calls)

	got, err := env.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, got.State, "frozen action stays approved for retry")

	require.NoError(t, env.frozen.Clear(ctx))

	// The freeze path re-queued the id.
	id, err := env.store.Dequeue(ctx, QueueApproved, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, action.ID, id)

	rec, err := env.executor.Execute(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Success)
}

func TestExecutorQuarantinesUnlistedTarget(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	action, err := env.manager.Triage(ctx, incident("billing-db"))
	require.NoError(t, err)
	_, err = env.approver.Approve(ctx, action.ID, "operator:alice")
	require.NoError(t, err)

	_, err = env.executor.Execute(ctx, action.ID)
	assert.ErrorIs(t, err, ErrNotAllowed)

	got, err := env.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQuarantined, got.State)
	assert.Empty(t, env.driver.calls)
}

func TestExecutorQuarantinesDigestDriftBeforeExecution(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	action, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)
	approved, err := env.approver.Approve(ctx, action.ID, "operator:alice")
	require.NoError(t, err)

	// Drift after approval but before execution. Target stays allowlisted
	// so only the digest gate can catch it.
	approved.Params = map[string]string{"flags": "--force"}
	require.NoError(t, env.store.PutAction(ctx, approved))

	_, err = env.executor.Execute(ctx, action.ID)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	got, err := env.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQuarantined, got.State)
	assert.Empty(t, env.driver.calls)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	action := &Action{ID: "a1", Type: "restart_service", Target: "x", State: StateApproved}
	require.NoError(t, store.PutAction(ctx, action))

	ok, err := store.Claim(ctx, "a1", "exec-1", StateApproved)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "a1", "exec-2", StateApproved)
	require.NoError(t, err)
	assert.False(t, ok, "second claimant must lose")

	// Releasing with a stale view fails too.
	claim, err := store.GetClaim(ctx, "a1")
	require.NoError(t, err)
	ok, err = store.BreakClaim(ctx, "a1", "exec-2", claim.ClaimedAt)
	require.NoError(t, err)
	assert.False(t, ok, "only the recorded owner can release")

	ok, err = store.BreakClaim(ctx, "a1", claim.Owner, claim.ClaimedAt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReaperReclaimsThenQuarantines(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	action, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)
	_, err = env.approver.Approve(ctx, action.ID, "operator:alice")
	require.NoError(t, err)

	base := time.Now()
	claimAge := func(age time.Duration) {
		env.store.SetClock(func() time.Time { return base.Add(-age) })
		ok, err := env.store.Claim(ctx, action.ID, "dead-exec", StateApproved)
		require.NoError(t, err)
		require.True(t, ok)
		env.store.SetClock(func() time.Time { return base })
	}
	env.reaper.SetClock(func() time.Time { return base })

	// Round 1 and 2: stale claims below the ceiling are reclaimed.
	for round := 1; round <= 2; round++ {
		claimAge(10 * time.Minute)
		res, err := env.reaper.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Reclaimed, "round %d", round)
		assert.Equal(t, 0, res.Quarantined, "round %d", round)

		got, err := env.store.GetAction(ctx, action.ID)
		require.NoError(t, err)
		assert.Equal(t, StateApproved, got.State)
		assert.Equal(t, round, got.RetryCount)

		id, err := env.store.Dequeue(ctx, QueueApproved, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, action.ID, id, "reclaimed back onto the approved queue")
	}

	// Round 3: retry ceiling reached, quarantine.
	claimAge(10 * time.Minute)
	res, err := env.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reclaimed)
	assert.Equal(t, 1, res.Quarantined)

	got, err := env.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQuarantined, got.State)

	// No further reclaim: nothing stale remains.
	res, err = env.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reclaimed+res.Quarantined)
}

func TestReaperSkipsFreshClaims(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	action, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)
	_, err = env.approver.Approve(ctx, action.ID, "operator:alice")
	require.NoError(t, err)

	ok, err := env.store.Claim(ctx, action.ID, "exec-1", StateApproved)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := env.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reclaimed+res.Quarantined, "live claims are untouchable")
}

func TestFailedExecutionRetriedByReaperNotExecutor(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	action, err := env.manager.Triage(ctx, incident("api-gateway"))
	require.NoError(t, err)
	_, err = env.approver.Approve(ctx, action.ID, "operator:alice")
	require.NoError(t, err)

	env.driver.failNext = true
	rec, err := env.executor.Execute(ctx, action.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Success)

	got, err := env.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	// The claim is intentionally left standing for the reaper.
	claim, err := env.store.GetClaim(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", claim.Owner)

	// Reaper reclaims once stale: back to approved, retry bumped.
	env.reaper.SetClock(func() time.Time { return time.Now().Add(10 * time.Minute) })
	res, err := env.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reclaimed)

	got, err = env.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, got.State)
	assert.Equal(t, 1, got.RetryCount)

	// Failure fed reputation.
	repRec, err := env.rep.Get(ctx, "probe")
	require.NoError(t, err)
	assert.Equal(t, int64(1), repRec.ExecutionFailures)
}

func TestDigestCoversOnlyImmutableIntent(t *testing.T) {
	d1, err := ComputeDigest("restart_service", "api", map[string]string{"a": "1"})
	require.NoError(t, err)
	d2, err := ComputeDigest("restart_service", "api", map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Contains(t, d1, "sha256:")

	d3, err := ComputeDigest("restart_service", "api", map[string]string{"a": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)

	// nil and empty params are the same intent.
	d4, err := ComputeDigest("restart_service", "api", nil)
	require.NoError(t, err)
	d5, err := ComputeDigest("restart_service", "api", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, d4, d5)
}
